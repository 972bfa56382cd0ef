// Package signals scores inbound email for receipt-ness and decides which
// messages are worth a paid extraction call.
package signals

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/subscout/internal/model"
)

// Keyword buckets. Terms are matched case-insensitively on word boundaries
// against subject + body; each distinct term counts once.
var (
	highKeywords = newKeywordSet(
		"receipt", "invoice", "payment received", "payment confirmation",
		"subscription renewed", "renewal confirmation", "your subscription",
		"amount charged", "billing statement", "order confirmation",
		"thank you for your payment", "successfully renewed",
	)
	mediumKeywords = newKeywordSet(
		"billing", "billed", "charged", "payment", "subscription", "plan",
		"total", "membership", "renewal", "auto-renew", "payment method",
		"card ending",
	)
	lowKeywords = newKeywordSet(
		"thank you", "order", "monthly", "annual", "yearly", "account",
		"purchase", "transaction", "summary",
	)
	negativeKeywords = newKeywordSet(
		"sale", "% off", "discount", "newsletter", "promo", "shop now",
		"coupon", "limited time", "deals", "free shipping", "unsubscribe from",
		"don't miss", "last chance", "exclusive offer", "webinar",
	)
)

var (
	// symbolAmountRe matches a currency symbol followed by a number.
	symbolAmountRe = regexp.MustCompile(`([$€£¥₹])\s?(\d+(?:[,.]\d{3})*(?:[.,]\d{2})?)`)
	// codeAmountRe matches ISO codes before or after the number.
	codeAmountRe = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|CAD|AUD|JPY|INR|CHF)\s?(\d+(?:[.,]\d{3})*(?:[.,]\d{2})?)\b|\b(\d+(?:[.,]\d{3})*(?:[.,]\d{2})?)\s?(USD|EUR|GBP|CAD|AUD|JPY|INR|CHF)\b`)
	// labeledAmountRe matches "total: 12.99" style labels, optionally with a symbol.
	labeledAmountRe = regexp.MustCompile(`(?i)\b(?:total|amount|charged|amount due|amount paid|grand total)\s*:?\s*([$€£¥₹])?\s?(\d+(?:[,.]\d{3})*(?:[.,]\d{2})?)`)

	codeSuffixRe = regexp.MustCompile(`(?i)^\s?(USD|EUR|GBP|CAD|AUD|JPY|INR|CHF)\b`)

	billingDateRe = regexp.MustCompile(`(?i)\b(?:next (?:billing|payment|charge|renewal) date|renews? on|billing date|billing period|next charge|will be charged on|due date)\b`)

	transactionIDRe = regexp.MustCompile(`(?i)\b(?:transaction|order|invoice|receipt|reference|confirmation)\s*(?:id|#|no\.?|number)\s*:?\s*#?[A-Z0-9][A-Z0-9-]{3,}`)

	cadenceRe = regexp.MustCompile(`(?i)(?:\b(?:per|a|each|every)\s+|/\s?)(week|month|mo|quarter|year|yr)\b|\b(weekly|monthly|quarterly|yearly|annual|annually)\b`)

	senderAddrRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
)

var symbolCurrency = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
}

// Sender is a parsed From header.
type Sender struct {
	Name    string
	Address string
	Domain  string
}

// ParseSender splits a From header into display name, address and domain.
// Malformed headers fall back to the first address-looking token.
func ParseSender(from string) Sender {
	if addr, err := mail.ParseAddress(from); err == nil {
		return Sender{
			Name:    strings.TrimSpace(addr.Name),
			Address: strings.ToLower(addr.Address),
			Domain:  domainOf(addr.Address),
		}
	}
	m := senderAddrRe.FindStringSubmatch(from)
	if m == nil {
		return Sender{Name: strings.TrimSpace(from)}
	}
	name := strings.TrimSpace(strings.Trim(strings.Replace(from, m[0], "", 1), `"<> `))
	return Sender{
		Name:    name,
		Address: strings.ToLower(m[0]),
		Domain:  strings.ToLower(m[1]),
	}
}

func domainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// Amount is a money value found in text.
type Amount struct {
	Value    decimal.Decimal
	Currency string
	Labeled  bool
}

// FindAmount returns the most authoritative amount in text: a labeled total
// first, then a currency symbol, then an ISO code.
func FindAmount(text string) (Amount, bool) {
	if loc := labeledAmountRe.FindStringSubmatchIndex(text); loc != nil {
		if v, ok := parseNumber(text[loc[4]:loc[5]]); ok {
			cur := "USD"
			if loc[2] >= 0 {
				cur = symbolCurrency[text[loc[2]:loc[3]]]
			} else if m := codeSuffixRe.FindStringSubmatch(text[loc[1]:]); m != nil {
				cur = strings.ToUpper(m[1])
			}
			return Amount{Value: v, Currency: cur, Labeled: true}, true
		}
	}
	if m := symbolAmountRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseNumber(m[2]); ok {
			return Amount{Value: v, Currency: symbolCurrency[m[1]]}, true
		}
	}
	if m := codeAmountRe.FindStringSubmatch(text); m != nil {
		num, code := m[2], m[1]
		if num == "" {
			num, code = m[3], m[4]
		}
		if v, ok := parseNumber(num); ok {
			return Amount{Value: v, Currency: strings.ToUpper(code)}, true
		}
	}
	return Amount{}, false
}

// HasAmount reports whether text contains any recognizable money amount.
func HasAmount(text string) bool {
	return labeledAmountRe.MatchString(text) || symbolAmountRe.MatchString(text) || codeAmountRe.MatchString(text)
}

// HasBillingDate reports whether text mentions a billing or renewal date.
func HasBillingDate(text string) bool {
	return billingDateRe.MatchString(text)
}

// HasTransactionID reports whether text carries an order/invoice/transaction id.
func HasTransactionID(text string) bool {
	return transactionIDRe.MatchString(text)
}

// FindCadence returns the billing cadence mentioned in text, or "".
func FindCadence(text string) model.Cadence {
	m := cadenceRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	word := m[1]
	if word == "" {
		word = m[2]
	}
	return model.ParseCadence(strings.ToLower(word))
}

// parseNumber handles both 1,299.99 and 12,99 notations.
func parseNumber(s string) (decimal.Decimal, bool) {
	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Contains(s, ","):
		i := strings.LastIndex(s, ",")
		if len(s)-i-1 == 2 && strings.Count(s, ",") == 1 {
			s = s[:i] + "." + s[i+1:]
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		i := strings.LastIndex(s, ".")
		if len(s)-i-1 == 2 {
			s = strings.ReplaceAll(s[:i], ".", "") + s[i:]
		} else {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// keywordSet holds one case-insensitive, word-bounded matcher per term.
type keywordSet []*regexp.Regexp

func newKeywordSet(terms ...string) keywordSet {
	set := make(keywordSet, len(terms))
	for i, t := range terms {
		pat := regexp.QuoteMeta(t)
		if isWordByte(t[0]) {
			pat = `\b` + pat
		}
		if isWordByte(t[len(t)-1]) {
			pat += `\b`
		}
		set[i] = regexp.MustCompile(`(?i)` + pat)
	}
	return set
}

// count returns how many distinct terms appear in text.
func (k keywordSet) count(text string) int {
	n := 0
	for _, re := range k {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}

func isWordByte(b byte) bool {
	return b == '_' || '0' <= b && b <= '9' || 'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z'
}
