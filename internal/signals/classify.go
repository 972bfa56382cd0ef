package signals

import (
	"math"
	"regexp"
	"strings"

	"github.com/sells-group/subscout/internal/model"
)

// Signal weights. Positive weights sum to 1.0 before the negative penalty.
const (
	weightDomain        = 0.20
	weightAmount        = 0.15
	weightBillingDate   = 0.10
	weightTransactionID = 0.05
	maxKeywordScore     = 0.30
	maxTextScore        = 0.20

	negativePenaltyPerHit = 0.1
	negativePenaltyCap    = 5

	// negativeVeto is the number of negative hits above which an email is
	// never a receipt.
	negativeVeto = 3

	// confidenceThreshold decides emails that no explicit rule accepted.
	confidenceThreshold = 0.6

	// DefaultBodyCap bounds how much of the body is scanned.
	DefaultBodyCap = 20000
)

// SignalSet is the raw evidence gathered from one email.
type SignalSet struct {
	DomainMatch        bool   `json:"domain_match"`
	MerchantName       string `json:"merchant_name,omitempty"`
	SenderIsProcessor  bool   `json:"sender_is_processor"`
	AmountMatch        bool   `json:"amount_match"`
	BillingDateMatch   bool   `json:"billing_date_match"`
	TransactionIDMatch bool   `json:"transaction_id_match"`
	CadenceMatch       bool   `json:"cadence_match"`

	HighHits         int `json:"high_hits"`
	MediumHits       int `json:"medium_hits"`
	LowHits          int `json:"low_hits"`
	NegativeHits     int `json:"negative_hits"`
	WeightedKeywords int `json:"weighted_keywords"`

	TextScore float64 `json:"text_score"`
}

// AnyKeyword reports whether any positive keyword matched.
func (s SignalSet) AnyKeyword() bool {
	return s.HighHits+s.MediumHits+s.LowHits > 0
}

// Rule names the decision rule that settled IsReceipt.
type Rule string

const (
	RuleNegativeVeto    Rule = "negative_veto"
	RuleStrongMatch     Rule = "domain_amount_keywords"
	RulePartialMatch    Rule = "domain_or_amount_keywords"
	RuleProcessor       Rule = "payment_processor"
	RuleConfidence      Rule = "confidence"
	RuleMarketingFilter Rule = "marketing_type"
)

// Classification is the result of scoring one email.
type Classification struct {
	IsReceipt  bool      `json:"is_receipt"`
	Type       EmailType `json:"type"`
	Confidence float64   `json:"confidence"`
	Rule       Rule      `json:"rule"`
	Signals    SignalSet `json:"signals"`
}

// Keep reports whether the email should go on to extraction.
func (c Classification) Keep() bool {
	return c.IsReceipt && !c.Type.IsPromotional()
}

// Classifier scores emails against the pattern library and a merchant
// directory. It performs no I/O.
type Classifier struct {
	dir     *MerchantDirectory
	bodyCap int
}

// NewClassifier creates a Classifier. bodyCap <= 0 uses DefaultBodyCap.
func NewClassifier(dir *MerchantDirectory, bodyCap int) *Classifier {
	if dir == nil {
		dir = NewMerchantDirectory()
	}
	if bodyCap <= 0 {
		bodyCap = DefaultBodyCap
	}
	return &Classifier{dir: dir, bodyCap: bodyCap}
}

// Directory returns the merchant directory backing the classifier.
func (c *Classifier) Directory() *MerchantDirectory {
	return c.dir
}

// Classify scores email and decides whether it is a billing receipt.
func (c *Classifier) Classify(email model.RawEmail) Classification {
	sig := c.Extract(email)
	conf := Score(sig)
	isReceipt, rule := Decide(sig, conf)
	typ := ClassifyType(email, sig, c.bodyCap)

	return Classification{
		IsReceipt:  isReceipt,
		Type:       typ,
		Confidence: conf,
		Rule:       rule,
		Signals:    sig,
	}
}

// Extract gathers the signal set for email.
func (c *Classifier) Extract(email model.RawEmail) SignalSet {
	body := truncate(email.Body, c.bodyCap)
	text := email.Subject + "\n" + body
	lower := strings.ToLower(text)

	sender := ParseSender(email.From)
	var sig SignalSet
	if name, ok := c.dir.Lookup(sender.Domain); ok {
		sig.DomainMatch = true
		sig.MerchantName = name
	}
	sig.SenderIsProcessor = c.dir.IsProcessor(sender.Domain)

	sig.AmountMatch = HasAmount(text)
	sig.BillingDateMatch = HasBillingDate(text)
	sig.TransactionIDMatch = HasTransactionID(text)
	sig.CadenceMatch = FindCadence(text) != ""

	sig.HighHits = highKeywords.count(lower)
	sig.MediumHits = mediumKeywords.count(lower)
	sig.LowHits = lowKeywords.count(lower)
	sig.NegativeHits = negativeKeywords.count(lower)
	sig.WeightedKeywords = 3*sig.HighHits + 2*sig.MediumHits + sig.LowHits

	sig.TextScore = textScore(strings.ToLower(email.Subject), strings.ToLower(body))
	return sig
}

var receiptSubjectRe = regexp.MustCompile(`(?i)(your .*(receipt|invoice|bill|statement)|payment (received|confirmation|successful)|order confirmation|subscription (renewed|confirmation)|thanks for your (payment|order|purchase))`)

// textScore is the subject/body heuristic component, capped at maxTextScore.
func textScore(subject, body string) float64 {
	score := 0.0
	if highKeywords.count(subject) > 0 || mediumKeywords.count(subject) > 0 {
		score += 0.10
	}
	if receiptSubjectRe.MatchString(subject) {
		score += 0.05
	}
	if strings.Contains(body, "payment method") || strings.Contains(body, "card ending") ||
		strings.Contains(body, "billed to") || strings.Contains(body, "paid with") {
		score += 0.05
	}
	return math.Min(score, maxTextScore)
}

// Score combines sig into a confidence in [0,1].
func Score(sig SignalSet) float64 {
	score := 0.0
	if sig.DomainMatch {
		score += weightDomain
	}
	if sig.AmountMatch {
		score += weightAmount
	}
	if sig.BillingDateMatch {
		score += weightBillingDate
	}
	if sig.TransactionIDMatch {
		score += weightTransactionID
	}
	score += math.Min(float64(sig.WeightedKeywords)*0.03, maxKeywordScore)
	score += math.Min(sig.TextScore, maxTextScore)
	score -= float64(min(sig.NegativeHits, negativePenaltyCap)) * negativePenaltyPerHit

	return clamp01(round4(score))
}

// Decide applies the receipt decision rules in priority order. The negative
// veto runs first so heavy marketing language always rejects.
func Decide(sig SignalSet, confidence float64) (bool, Rule) {
	switch {
	case sig.NegativeHits > negativeVeto:
		return false, RuleNegativeVeto
	case sig.DomainMatch && sig.AmountMatch && sig.WeightedKeywords > 2:
		return true, RuleStrongMatch
	case (sig.DomainMatch || sig.AmountMatch) && sig.WeightedKeywords > 1:
		return true, RulePartialMatch
	case sig.SenderIsProcessor && (sig.AmountMatch || sig.AnyKeyword()):
		return true, RuleProcessor
	default:
		return confidence > confidenceThreshold, RuleConfidence
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Avoid splitting a multi-byte rune.
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
