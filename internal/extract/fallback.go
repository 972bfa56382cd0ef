package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/signals"
)

// Fallback confidence components. A merchant and an amount alone give the
// base; corroborating signals add to it up to fallbackMaxConfidence.
const (
	fallbackBaseConfidence = 0.40
	fallbackLabeledBonus   = 0.15
	fallbackKnownBonus     = 0.15
	fallbackCadenceBonus   = 0.10
	fallbackTxnBonus       = 0.10
	fallbackMaxConfidence  = 0.85
)

var (
	subjectMerchantRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:receipt|invoice|payment|order|bill|statement)s?\s+(?:from|for|to)\s+(.+?)(?:\s*[-|:#(]|\s+for\b|$)`),
		regexp.MustCompile(`(?i)^your\s+(.+?)\s+(?:receipt|invoice|subscription|membership|order|bill|payment|plan|renewal)\b`),
		regexp.MustCompile(`(?i)^(.+?)\s+(?:receipt|invoice|subscription|membership|renewal)\b`),
		regexp.MustCompile(`(?i)thanks? (?:you )?for (?:subscribing to|your payment to|choosing)\s+(.+?)(?:[!.,]|$)`),
	}

	// senderNoise trims role words from sender display names.
	senderNoiseRe = regexp.MustCompile(`(?i)\b(?:billing|payments?|receipts?|invoices?|accounts?|support|team|no-?reply|noreply|notifications?|mailer|orders?|customer service)\b`)
	viaRe         = regexp.MustCompile(`(?i)\s+(?:via|through|by)\s+.+$`)

	subjectNoise = map[string]bool{
		"your": true, "the": true, "a": true, "payment": true, "order": true, "monthly": true,
		"annual": true, "new": true, "important": true, "re": true, "fwd": true,
	}
)

// Fallback is the deterministic regex extractor used when AI extraction is
// unavailable, rejected, or below threshold.
type Fallback struct {
	dir *signals.MerchantDirectory
}

// NewFallback creates a Fallback backed by dir. A nil dir uses the curated
// directory.
func NewFallback(dir *signals.MerchantDirectory) *Fallback {
	if dir == nil {
		dir = signals.NewMerchantDirectory()
	}
	return &Fallback{dir: dir}
}

// Extract returns a regex_fallback result when both merchant and amount are
// found, and a filtered zero-confidence result otherwise.
func (f *Fallback) Extract(r *model.Receipt) model.ExtractionResult {
	text := r.Subject + "\n" + r.Body
	sender := signals.ParseSender(r.Sender)

	amount, ok := signals.FindAmount(text)
	merchant, known := f.merchant(sender, r.Subject)
	if !ok || merchant == "" || !amount.Value.GreaterThan(decimal.Zero) {
		return model.FilteredResult(r)
	}

	cadence := signals.FindCadence(text)

	conf := fallbackBaseConfidence
	if amount.Labeled {
		conf += fallbackLabeledBonus
	}
	if known {
		conf += fallbackKnownBonus
	}
	if cadence != "" {
		conf += fallbackCadenceBonus
	}
	if signals.HasTransactionID(text) {
		conf += fallbackTxnBonus
	}
	conf = min(conf, fallbackMaxConfidence)

	res := model.FilteredResult(r)
	res.Method = model.MethodRegexFallback
	res.Merchant = merchant
	res.Amount = decimal.NewNullDecimal(amount.Value.Round(2))
	res.Currency = amount.Currency
	res.Cadence = cadence
	res.Confidence = conf
	return res
}

// merchant resolves a merchant name: directory entry, then sender display
// name, then subject boilerplate, then the sender domain. known is true when
// the directory matched.
func (f *Fallback) merchant(sender signals.Sender, subject string) (string, bool) {
	if name, ok := f.dir.Lookup(sender.Domain); ok && name != "" {
		return name, true
	}

	processor := f.dir.IsProcessor(sender.Domain)
	if !processor {
		if name := cleanSenderName(sender.Name); name != "" {
			return name, false
		}
	}

	if name := merchantFromSubject(subject); name != "" {
		return name, false
	}

	if processor {
		if name := cleanSenderName(sender.Name); name != "" && !strings.EqualFold(name, domainLabel(sender.Domain)) {
			return name, false
		}
		return "", false
	}

	if label := domainLabel(sender.Domain); label != "" {
		// Casers are stateful and not shared across lanes.
		return cases.Title(language.English).String(label), false
	}
	return "", false
}

func cleanSenderName(name string) string {
	name = viaRe.ReplaceAllString(name, "")
	name = senderNoiseRe.ReplaceAllString(name, "")
	name = strings.Trim(strings.Join(strings.Fields(name), " "), `"'-|:,. `)
	if strings.Contains(name, "@") {
		return ""
	}
	return name
}

func merchantFromSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	for _, re := range subjectMerchantRes {
		m := re.FindStringSubmatch(subject)
		if m == nil {
			continue
		}
		name := strings.Trim(strings.TrimSpace(m[1]), `"'-|:,.!`)
		if name == "" || subjectNoise[strings.ToLower(name)] || len([]rune(name)) > 40 {
			continue
		}
		return name
	}
	return ""
}

// domainLabel returns the registrable label of domain: billing.acme.io -> acme.
func domainLabel(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
