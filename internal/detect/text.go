package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	amountPattern = regexp.MustCompile(`(?i)(US\$|C\$|A\$|[$€£¥₹]|\b(?:USD|EUR|GBP|CAD|AUD|JPY|INR|CHF)\b)?\s*(\d{1,3}(?:[ ,.]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)\s*(\b(?:USD|EUR|GBP|CAD|AUD|JPY|INR|CHF)\b|[€£])?`)
	trialPattern  = regexp.MustCompile(`(?i)(\d{1,3})[\s-]*(day|week|month)s?[\s-]+(?:free[\s-]+)?trial`)

	currencySymbols = map[string]string{
		"$":   "USD",
		"us$": "USD",
		"c$":  "CAD",
		"a$":  "AUD",
		"€":   "EUR",
		"£":   "GBP",
		"¥":   "JPY",
		"₹":   "INR",
	}

	planSuffixes = map[string]bool{
		"premium":      true,
		"plus":         true,
		"pro":          true,
		"basic":        true,
		"standard":     true,
		"family":       true,
		"individual":   true,
		"student":      true,
		"duo":          true,
		"monthly":      true,
		"annual":       true,
		"yearly":       true,
		"plan":         true,
		"subscription": true,
		"membership":   true,
		"trial":        true,
		"free":         true,
	}

	secondLevelSuffixes = map[string]bool{"co": true, "com": true, "org": true, "net": true, "ac": true, "gov": true}
)

// ParseAmount extracts the last currency amount in text, which on order
// summaries is the grand total.
func ParseAmount(text string) (float64, string, bool) {
	matches := amountPattern.FindAllStringSubmatch(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		prefix, number, suffix := strings.TrimSpace(m[1]), m[2], strings.TrimSpace(m[3])
		if prefix == "" && suffix == "" {
			continue
		}
		value, ok := parseNumber(number)
		if !ok {
			continue
		}
		currency := currencyCode(prefix)
		if currency == "" {
			currency = currencyCode(suffix)
		}
		return value, currency, true
	}
	return 0, "", false
}

func currencyCode(token string) string {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return ""
	}
	if code, ok := currencySymbols[token]; ok {
		return code
	}
	return strings.ToUpper(token)
}

func parseNumber(raw string) (float64, bool) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	lastComma := strings.LastIndex(raw, ",")
	lastDot := strings.LastIndex(raw, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		// 12,99 is a decimal comma, 1,299 is a thousands separator.
		if len(raw)-lastComma-1 <= 2 && strings.Count(raw, ",") == 1 {
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastDot >= 0 && strings.Count(raw, ".") > 1:
		raw = strings.ReplaceAll(raw, ".", "")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

// ParseTrialDays finds "7-day free trial" style phrases and returns the trial
// length in days.
func ParseTrialDays(texts ...string) int {
	for _, text := range texts {
		m := trialPattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "week":
			return n * 7
		case "month":
			return n * 30
		default:
			return n
		}
	}
	return 0
}

func ParseBillingCycle(texts ...string) string {
	for _, text := range texts {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "annual"), strings.Contains(lower, "yearly"),
			strings.Contains(lower, "per year"), strings.Contains(lower, "/yr"), strings.Contains(lower, "/year"):
			return "yearly"
		case strings.Contains(lower, "weekly"), strings.Contains(lower, "per week"), strings.Contains(lower, "/wk"):
			return "weekly"
		case strings.Contains(lower, "monthly"), strings.Contains(lower, "per month"),
			strings.Contains(lower, "/mo"), strings.Contains(lower, "a month"):
			return "monthly"
		}
	}
	return ""
}

// NormalizeSubjectName lowercases name, drops punctuation and strips trailing
// plan words, so "Spotify Premium Family" and "spotify" compare equal.
func NormalizeSubjectName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r), r == '-', r == '_', r == '/':
			return ' '
		default:
			return -1
		}
	}, name)
	words := strings.Fields(cleaned)
	for len(words) > 1 && planSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// DedupKey identifies a subscription for one user independent of how the
// merchant spelled its plan name.
func DedupKey(userID, subjectName string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(userID) + "|" + NormalizeSubjectName(subjectName)))
	return hex.EncodeToString(sum[:])
}

// SiteName derives a display name from a hostname: "www.netflix.com" becomes
// "Netflix".
func SiteName(hostname string) string {
	hostname = normalizeHost(hostname)
	labels := strings.Split(hostname, ".")
	for len(labels) > 0 && (labels[0] == "www" || labels[0] == "m" || labels[0] == "shop" || labels[0] == "checkout") {
		labels = labels[1:]
	}
	if len(labels) == 0 {
		return ""
	}
	name := labels[0]
	n := len(labels)
	if n >= 3 && len(labels[n-1]) == 2 && secondLevelSuffixes[labels[n-2]] {
		// co.uk style suffixes.
		name = labels[n-3]
	} else if n >= 2 {
		name = labels[n-2]
	}
	if name == "" {
		return ""
	}
	runes := []rune(name)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
