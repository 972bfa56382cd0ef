// Package extract turns pre-filtered receipts into structured extraction
// results using two AI providers and a deterministic regex fallback.
package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/subscout/internal/model"
)

// DefaultBodyChars is the number of body characters embedded in the prompt.
const DefaultBodyChars = 2000

// systemPrompt is sent as a cached system block where the provider supports it.
const systemPrompt = `You extract subscription billing details from receipt emails.
Respond with a single JSON object and nothing else.`

const extractionPrompt = `Analyze this email and determine whether it is a receipt or invoice for a recurring subscription.

Today's date: %s

Email subject: %s
Email sender: %s
Email body:
%s

Return a JSON object with exactly these fields:
- isSubscription: boolean, true only for recurring charges (not one-time purchases)
- merchant: string or null, the company being paid
- amount: number or null, the amount charged without currency symbols
- currency: string or null, 3-letter ISO code such as "USD"
- frequency: "weekly", "monthly", "quarterly", "yearly" or null
- nextBillingDate: "YYYY-MM-DD" or null; use today's date to judge whether it is still upcoming
- confidence: integer 0-100, how confident you are in this extraction
- reasoning: one short sentence`

// BuildPrompt renders the extraction prompt for r. bodyChars <= 0 uses
// DefaultBodyChars.
func BuildPrompt(r *model.Receipt, now time.Time, bodyChars int) string {
	if bodyChars <= 0 {
		bodyChars = DefaultBodyChars
	}
	return fmt.Sprintf(extractionPrompt,
		now.UTC().Format("2006-01-02"),
		oneLine(r.Subject),
		oneLine(r.Sender),
		truncateRunes(strings.TrimSpace(r.Body), bodyChars),
	)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes returns at most n characters of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
