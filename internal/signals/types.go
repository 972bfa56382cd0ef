package signals

import (
	"github.com/sells-group/subscout/internal/model"
)

// EmailType is the coarse category assigned by the type tree.
type EmailType string

const (
	TypeSubscriptionReceipt EmailType = "subscription_receipt"
	TypeOneTimePurchase     EmailType = "one_time_purchase"
	TypePaymentNotification EmailType = "payment_notification"
	TypeTrialNotification   EmailType = "trial_notification"
	TypeCancellation        EmailType = "cancellation"
	TypeMarketing           EmailType = "marketing"
	TypeNewsletter          EmailType = "newsletter"
	TypeNotification        EmailType = "notification"
	TypeUnknown             EmailType = "unknown"
)

// IsPromotional reports whether emails of this type are always filtered.
func (t EmailType) IsPromotional() bool {
	return t == TypeMarketing || t == TypeNewsletter
}

var (
	cancellationTerms = newKeywordSet(
		"has been cancelled", "has been canceled", "cancellation confirmed",
		"subscription cancelled", "subscription canceled", "we're sorry to see you go",
		"your subscription has ended", "membership has ended",
	)
	trialTerms = newKeywordSet(
		"free trial", "trial ends", "trial period", "trial will end", "trial expires",
	)
	newsletterTerms = newKeywordSet(
		"newsletter", "weekly digest", "this week in", "read more", "in this issue",
		"daily briefing",
	)
	subscriptionTerms = newKeywordSet(
		"subscription", "renewal", "renewed", "membership", "recurring",
		"auto-renew", "your plan", "billing period",
	)
	paymentTerms = newKeywordSet(
		"payment", "charged", "billed", "autopay", "statement",
	)
	purchaseTerms = newKeywordSet(
		"order", "purchase", "receipt", "shipped", "your item",
	)
)

// ClassifyType walks the type tree over subject and body, with the body
// capped at bodyCap bytes (DefaultBodyCap when <= 0). It shares keyword
// evidence with the receipt decision but is evaluated independently of it.
func ClassifyType(email model.RawEmail, sig SignalSet, bodyCap int) EmailType {
	if bodyCap <= 0 {
		bodyCap = DefaultBodyCap
	}
	text := email.Subject + "\n" + truncate(email.Body, bodyCap)

	switch {
	case cancellationTerms.count(text) > 0:
		return TypeCancellation
	case trialTerms.count(text) > 0:
		return TypeTrialNotification
	case newsletterTerms.count(text) > 0 && !sig.AmountMatch:
		return TypeNewsletter
	case sig.NegativeHits > negativeVeto,
		sig.NegativeHits >= 2 && !sig.AmountMatch,
		sig.NegativeHits >= 2 && sig.HighHits == 0 && !sig.TransactionIDMatch:
		return TypeMarketing
	case sig.AmountMatch && (sig.CadenceMatch || sig.BillingDateMatch || subscriptionTerms.count(text) > 0):
		return TypeSubscriptionReceipt
	case sig.AmountMatch && paymentTerms.count(text) > 0:
		return TypePaymentNotification
	case sig.AmountMatch && purchaseTerms.count(text) > 0:
		return TypeOneTimePurchase
	case sig.AnyKeyword() || sig.BillingDateMatch:
		return TypeNotification
	default:
		return TypeUnknown
	}
}
