package detect

import (
	"net/url"
	"strings"
	"time"
)

// Signals is the snapshot of DOM features the page layer reports.
type Signals struct {
	HasCardInput          bool     `json:"hasCardInput,omitempty"`
	HasPaymentIframe      bool     `json:"hasPaymentIframe,omitempty"`
	PaymentIframeHosts    []string `json:"paymentIframeHosts,omitempty"`
	ButtonLabels          []string `json:"buttonLabels,omitempty"`
	ProductSchemaPresent  bool     `json:"productSchemaPresent,omitempty"`
	SubscriptionKeywords  []string `json:"subscriptionKeywords,omitempty"`
	CancellationKeywords  []string `json:"cancellationKeywords,omitempty"`
	SuccessElementPresent bool     `json:"successElementPresent,omitempty"`
	TotalText             string   `json:"totalText,omitempty"`
	PageTitle             string   `json:"pageTitle,omitempty"`
}

type Observation struct {
	URL       string    `json:"url"`
	Hostname  string    `json:"hostname,omitempty"`
	Signals   Signals   `json:"signals"`
	Timestamp time.Time `json:"timestamp"`
}

// Host returns the observation hostname, falling back to the URL's host.
func (o Observation) Host() string {
	if h := normalizeHost(o.Hostname); h != "" {
		return h
	}
	return hostOf(o.URL)
}

const (
	SignalCardInput            = "card_input"
	SignalPaymentIframe        = "payment_iframe"
	SignalCheckoutPath         = "checkout_path"
	SignalPayButton            = "pay_button"
	SignalProductSchema        = "product_schema"
	SignalSubscriptionKeywords = "subscription_keywords"
)

type Score struct {
	Value        int      `json:"value"`
	Matched      []string `json:"matched,omitempty"`
	CheckoutLike bool     `json:"checkoutLike"`
	ProductLike  bool     `json:"productLike"`
}

func (s Score) Has(signal string) bool {
	for _, m := range s.Matched {
		if m == signal {
			return true
		}
	}
	return false
}

// Score sums the weights of every signal present in obs. Equality with a
// threshold never counts as crossing it.
func (p *Profile) Score(obs Observation) Score {
	var out Score
	add := func(name string, weight int) {
		out.Value += weight
		out.Matched = append(out.Matched, name)
	}
	sig := obs.Signals
	if sig.HasCardInput {
		add(SignalCardInput, p.Weights.CardInput)
	}
	if p.paymentIframe(sig) {
		add(SignalPaymentIframe, p.Weights.PaymentIframe)
	}
	if matchPath(p.checkoutRE, pathOf(obs.URL)) {
		add(SignalCheckoutPath, p.Weights.CheckoutPath)
	}
	if p.hasPayButton(sig.ButtonLabels) {
		add(SignalPayButton, p.Weights.PayButton)
	}
	if sig.ProductSchemaPresent {
		add(SignalProductSchema, p.Weights.ProductSchema)
	}
	if len(nonEmpty(sig.SubscriptionKeywords)) > 0 {
		add(SignalSubscriptionKeywords, p.Weights.SubscriptionKeywords)
	}
	out.CheckoutLike = out.Value > p.CheckoutThreshold
	out.ProductLike = sig.ProductSchemaPresent || out.Value > p.ProductThreshold
	return out
}

func (p *Profile) paymentIframe(sig Signals) bool {
	if !sig.HasPaymentIframe {
		return false
	}
	// The page layer may only report the flag when it cannot read frame
	// origins.
	if len(sig.PaymentIframeHosts) == 0 {
		return true
	}
	for _, host := range sig.PaymentIframeHosts {
		if p.isPaymentHost(host) {
			return true
		}
	}
	return false
}

func (p *Profile) hasPayButton(labels []string) bool {
	for _, label := range labels {
		label = collapseSpace(strings.ToLower(label))
		if label == "" {
			continue
		}
		for _, want := range p.PayButtonLabels {
			if strings.Contains(label, strings.ToLower(want)) {
				return true
			}
		}
	}
	return false
}

// IsPaymentForm reports the signal that moves a checkout into
// PaymentFormActive.
func (p *Profile) IsPaymentForm(sig Signals) bool {
	return sig.HasCardInput || p.paymentIframe(sig)
}

func (p *Profile) IsSuccess(obs Observation) bool {
	return obs.Signals.SuccessElementPresent || matchPath(p.successRE, pathOf(obs.URL))
}

func (p *Profile) IsCheckoutURL(rawURL string) bool {
	return matchPath(p.checkoutRE, pathOf(rawURL))
}

// InferKind picks the event kind from keyword and URL evidence. Cancellation
// evidence wins over subscription evidence, which wins over a plain purchase.
func (p *Profile) InferKind(sig Signals, rawURL string) Kind {
	path := pathOf(rawURL)
	if len(nonEmpty(sig.CancellationKeywords)) > 0 || matchPath(p.cancellationRE, path) {
		return KindCancellation
	}
	if len(nonEmpty(sig.SubscriptionKeywords)) > 0 || matchPath(p.subscriptionRE, path) {
		return KindSubscription
	}
	return KindPurchase
}

func pathOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return parsed.EscapedPath()
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return normalizeHost(parsed.Hostname())
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
