package extract

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/subscout/internal/model"
)

// ErrInvalidResponse marks a provider answer that failed validation. It is
// terminal for the receipt: the call is not retried.
var ErrInvalidResponse = eris.New("extract: invalid provider response")

// rawResponse is the loosely-typed provider payload. Pointers distinguish
// missing from zero.
type rawResponse struct {
	IsSubscription  *bool            `json:"isSubscription"`
	Merchant        *string          `json:"merchant"`
	Amount          *decimal.Decimal `json:"amount"`
	Currency        *string          `json:"currency"`
	Frequency       *string          `json:"frequency"`
	NextBillingDate *string          `json:"nextBillingDate"`
	Confidence      *float64         `json:"confidence"`
	Reasoning       string           `json:"reasoning"`
}

// Response is a validated provider answer. Confidence stays on the 0-100
// provider scale.
type Response struct {
	IsSubscription  bool
	Merchant        string
	Amount          decimal.NullDecimal
	Currency        string
	Cadence         model.Cadence
	NextBillingDate *time.Time
	Confidence      float64
	Reasoning       string
}

// Accepted reports whether the answer qualifies as an ai extraction.
func (r *Response) Accepted(minConfidence float64) bool {
	return r.IsSubscription && r.Confidence >= minConfidence
}

var currencyRe = regexp.MustCompile(`^[A-Za-z]{3}$`)

// ParseResponse decodes and validates a provider answer. Any schema
// violation returns an error wrapping ErrInvalidResponse.
func ParseResponse(text string) (*Response, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.Wrap(ErrInvalidResponse, "empty response")
	}

	var raw rawResponse
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, eris.Wrapf(ErrInvalidResponse, "decode: %v", err)
	}

	if raw.IsSubscription == nil {
		return nil, eris.Wrap(ErrInvalidResponse, "missing isSubscription")
	}
	if raw.Confidence == nil {
		return nil, eris.Wrap(ErrInvalidResponse, "missing confidence")
	}
	if *raw.Confidence < 0 || *raw.Confidence > 100 {
		return nil, eris.Wrapf(ErrInvalidResponse, "confidence %v out of range", *raw.Confidence)
	}

	out := &Response{
		IsSubscription: *raw.IsSubscription,
		Confidence:     *raw.Confidence,
		Reasoning:      strings.TrimSpace(raw.Reasoning),
	}

	if raw.Merchant != nil {
		out.Merchant = strings.TrimSpace(*raw.Merchant)
	}
	if raw.Amount != nil {
		if raw.Amount.IsNegative() {
			return nil, eris.Wrapf(ErrInvalidResponse, "negative amount %s", raw.Amount.String())
		}
		out.Amount = decimal.NewNullDecimal(raw.Amount.Round(2))
	}
	if raw.Currency != nil && *raw.Currency != "" {
		if !currencyRe.MatchString(*raw.Currency) {
			return nil, eris.Wrapf(ErrInvalidResponse, "currency %q", *raw.Currency)
		}
		out.Currency = strings.ToUpper(*raw.Currency)
	}
	if raw.Frequency != nil && *raw.Frequency != "" {
		f := strings.ToLower(strings.TrimSpace(*raw.Frequency))
		switch model.Cadence(f) {
		case model.CadenceWeekly, model.CadenceMonthly, model.CadenceQuarterly, model.CadenceYearly:
			out.Cadence = model.Cadence(f)
		default:
			return nil, eris.Wrapf(ErrInvalidResponse, "frequency %q", *raw.Frequency)
		}
	}
	if raw.NextBillingDate != nil && *raw.NextBillingDate != "" {
		d, err := time.Parse("2006-01-02", strings.TrimSpace(*raw.NextBillingDate))
		if err != nil {
			return nil, eris.Wrapf(ErrInvalidResponse, "nextBillingDate %q", *raw.NextBillingDate)
		}
		out.NextBillingDate = &d
	}

	return out, nil
}

// cleanJSON strips markdown fences and surrounding prose, returning the
// outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
