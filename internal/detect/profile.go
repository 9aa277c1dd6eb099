package detect

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidProfile = errors.New("invalid detection profile")

const (
	defaultCheckoutThreshold  = 40
	defaultLowThreshold       = 25
	defaultProductThreshold   = 20
	defaultConfirmationWindow = 30 * time.Second
)

// Weights are the additive contributions of each independently detected
// signal.
type Weights struct {
	CardInput            int `yaml:"card_input"`
	PaymentIframe        int `yaml:"payment_iframe"`
	CheckoutPath         int `yaml:"checkout_path"`
	PayButton            int `yaml:"pay_button"`
	ProductSchema        int `yaml:"product_schema"`
	SubscriptionKeywords int `yaml:"subscription_keywords"`
}

// MerchantOverride tunes detection for hosts whose markup defeats the defaults.
// Zero fields inherit from the profile.
type MerchantOverride struct {
	Host               string        `yaml:"host"`
	CheckoutThreshold  int           `yaml:"checkout_threshold"`
	LowThreshold       int           `yaml:"low_threshold"`
	ConfirmationWindow time.Duration `yaml:"confirmation_window"`
	CheckoutPaths      []string      `yaml:"checkout_paths"`
	SuccessPaths       []string      `yaml:"success_paths"`
}

type Profile struct {
	Weights            Weights            `yaml:"weights"`
	CheckoutThreshold  int                `yaml:"checkout_threshold"`
	LowThreshold       int                `yaml:"low_threshold"`
	ProductThreshold   int                `yaml:"product_threshold"`
	ConfirmationWindow time.Duration      `yaml:"confirmation_window"`
	ExcludedHosts      []string           `yaml:"excluded_hosts"`
	PaymentHosts       []string           `yaml:"payment_hosts"`
	CheckoutPaths      []string           `yaml:"checkout_paths"`
	SuccessPaths       []string           `yaml:"success_paths"`
	CancellationPaths  []string           `yaml:"cancellation_paths"`
	SubscriptionPaths  []string           `yaml:"subscription_paths"`
	PayButtonLabels    []string           `yaml:"pay_button_labels"`
	Merchants          []MerchantOverride `yaml:"merchants"`

	checkoutRE     *regexp.Regexp
	successRE      *regexp.Regexp
	cancellationRE *regexp.Regexp
	subscriptionRE *regexp.Regexp
}

func DefaultProfile() *Profile {
	p := &Profile{
		Weights: Weights{
			CardInput:            30,
			PaymentIframe:        30,
			CheckoutPath:         20,
			PayButton:            20,
			ProductSchema:        10,
			SubscriptionKeywords: 10,
		},
		CheckoutThreshold:  defaultCheckoutThreshold,
		LowThreshold:       defaultLowThreshold,
		ProductThreshold:   defaultProductThreshold,
		ConfirmationWindow: defaultConfirmationWindow,
		ExcludedHosts: []string{
			"localhost",
			"mail.google.com",
			"docs.google.com",
			"*.bank",
			"*.gov",
		},
		PaymentHosts: []string{
			"js.stripe.com",
			"*.stripe.com",
			"*.paypal.com",
			"*.braintreegateway.com",
			"*.adyen.com",
			"*.checkout.com",
			"*.squareup.com",
			"*.klarna.com",
			"pay.google.com",
			"*.apple.com",
		},
		CheckoutPaths: []string{
			`/checkout`,
			`/payment`,
			`/billing`,
			`/cart/pay`,
			`/order/review`,
			`/purchase`,
		},
		SuccessPaths: []string{
			`/thank[-_]?you`,
			`/order[-_]?confirm`,
			`/confirmation`,
			`/success`,
			`/receipt`,
			`/order[-_]?complete`,
		},
		CancellationPaths: []string{
			`/cancel`,
			`/unsubscribe`,
			`/membership/end`,
		},
		SubscriptionPaths: []string{
			`/subscribe`,
			`/signup`,
			`/trial`,
			`/plans?\b`,
			`/membership`,
		},
		PayButtonLabels: []string{
			"pay now",
			"place order",
			"place your order",
			"complete purchase",
			"complete order",
			"buy now",
			"confirm and pay",
			"start subscription",
			"start free trial",
			"start membership",
			"subscribe",
			"submit payment",
		},
	}
	if err := p.compile(); err != nil {
		panic(err)
	}
	return p
}

// LoadProfile reads a YAML profile. Fields absent from the file keep their
// default values.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (*Profile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) Validate() error {
	if p.CheckoutThreshold <= 0 || p.LowThreshold <= 0 {
		return fmt.Errorf("%w: thresholds must be positive", ErrInvalidProfile)
	}
	if p.LowThreshold > p.CheckoutThreshold {
		return fmt.Errorf("%w: low_threshold %d exceeds checkout_threshold %d", ErrInvalidProfile, p.LowThreshold, p.CheckoutThreshold)
	}
	if p.ConfirmationWindow <= 0 {
		return fmt.Errorf("%w: confirmation_window must be positive", ErrInvalidProfile)
	}
	for _, m := range p.Merchants {
		if strings.TrimSpace(m.Host) == "" {
			return fmt.Errorf("%w: merchant override without host", ErrInvalidProfile)
		}
	}
	return nil
}

// ForHost returns the profile with any matching merchant override applied.
func (p *Profile) ForHost(hostname string) *Profile {
	hostname = normalizeHost(hostname)
	for _, m := range p.Merchants {
		if !hostMatches(hostname, m.Host) {
			continue
		}
		out := *p
		out.Merchants = nil
		if m.CheckoutThreshold > 0 {
			out.CheckoutThreshold = m.CheckoutThreshold
		}
		if m.LowThreshold > 0 {
			out.LowThreshold = m.LowThreshold
		}
		if m.ConfirmationWindow > 0 {
			out.ConfirmationWindow = m.ConfirmationWindow
		}
		if len(m.CheckoutPaths) > 0 {
			out.CheckoutPaths = append(append([]string(nil), p.CheckoutPaths...), m.CheckoutPaths...)
		}
		if len(m.SuccessPaths) > 0 {
			out.SuccessPaths = append(append([]string(nil), p.SuccessPaths...), m.SuccessPaths...)
		}
		if err := out.compile(); err != nil {
			return p
		}
		return &out
	}
	return p
}

func (p *Profile) IsExcluded(hostname string) bool {
	hostname = normalizeHost(hostname)
	if hostname == "" {
		return true
	}
	for _, pattern := range p.ExcludedHosts {
		if hostMatches(hostname, pattern) {
			return true
		}
	}
	return false
}

func (p *Profile) isPaymentHost(hostname string) bool {
	hostname = normalizeHost(hostname)
	for _, pattern := range p.PaymentHosts {
		if hostMatches(hostname, pattern) {
			return true
		}
	}
	return false
}

func (p *Profile) compile() error {
	var err error
	if p.checkoutRE, err = compileAlternation(p.CheckoutPaths); err != nil {
		return err
	}
	if p.successRE, err = compileAlternation(p.SuccessPaths); err != nil {
		return err
	}
	if p.cancellationRE, err = compileAlternation(p.CancellationPaths); err != nil {
		return err
	}
	if p.subscriptionRE, err = compileAlternation(p.SubscriptionPaths); err != nil {
		return err
	}
	return nil
}

func compileAlternation(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidProfile, pattern, err)
		}
		parts = append(parts, "(?:"+pattern+")")
	}
	return regexp.Compile("(?i)" + strings.Join(parts, "|"))
}

func matchPath(re *regexp.Regexp, path string) bool {
	return re != nil && re.MatchString(path)
}

// hostMatches accepts exact hosts and "*.example.com" patterns, which also
// match the apex.
func hostMatches(hostname, pattern string) bool {
	pattern = normalizeHost(pattern)
	if pattern == "" || hostname == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return hostname == suffix || strings.HasSuffix(hostname, "."+suffix)
	}
	return hostname == pattern
}

func normalizeHost(hostname string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
}
