package signals

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/store"
)

// ReceiptPatcher persists the parse patch for one receipt.
type ReceiptPatcher interface {
	UpdateReceiptParse(ctx context.Context, u store.ParseUpdate) error
}

// PrefilterSummary counts the outcome of a batch pre-filter pass.
type PrefilterSummary struct {
	Total       int            `json:"total"`
	Kept        int            `json:"kept"`
	Filtered    int            `json:"filtered"`
	Skipped     int            `json:"skipped"`
	PatchErrors int            `json:"patch_errors"`
	ByType      map[string]int `json:"by_type"`
}

// Prefilter classifies a batch of receipts and marks the rejected ones as
// parsed with method=filtered so no paid extraction is attempted for them.
type Prefilter struct {
	classifier *Classifier
	patcher    ReceiptPatcher
	log        *zap.Logger
}

// NewPrefilter creates a Prefilter. patcher may be nil for dry runs.
func NewPrefilter(classifier *Classifier, patcher ReceiptPatcher) *Prefilter {
	return &Prefilter{
		classifier: classifier,
		patcher:    patcher,
		log:        zap.L().With(zap.String("component", "prefilter")),
	}
}

// Run classifies receipts and returns the ones that should be extracted.
// Receipts already parsed are skipped untouched. A failed patch is logged and
// the receipt is left for the next pass.
func (p *Prefilter) Run(ctx context.Context, receipts []model.Receipt) ([]model.Receipt, PrefilterSummary) {
	summary := PrefilterSummary{Total: len(receipts), ByType: make(map[string]int)}
	kept := make([]model.Receipt, 0, len(receipts))

	for i := range receipts {
		r := receipts[i]
		if r.Parsed {
			summary.Skipped++
			continue
		}
		if ctx.Err() != nil {
			summary.Skipped++
			continue
		}

		c := p.classifier.Classify(r.Email())
		summary.ByType[string(c.Type)]++

		if c.Keep() {
			summary.Kept++
			kept = append(kept, r)
			continue
		}

		summary.Filtered++
		p.log.Debug("prefilter: filtered",
			zap.String("receipt_id", r.ID),
			zap.String("type", string(c.Type)),
			zap.String("rule", string(c.Rule)),
			zap.Float64("confidence", c.Confidence),
		)
		if p.patcher == nil {
			continue
		}
		err := p.patcher.UpdateReceiptParse(ctx, store.ParseUpdate{
			ReceiptID:  r.ID,
			Method:     model.MethodFiltered,
			Confidence: c.Confidence,
		})
		if err != nil {
			summary.PatchErrors++
			p.log.Warn("prefilter: patch failed",
				zap.String("receipt_id", r.ID),
				zap.Error(err),
			)
		}
	}

	p.log.Info("prefilter: batch complete",
		zap.Int("total", summary.Total),
		zap.Int("kept", summary.Kept),
		zap.Int("filtered", summary.Filtered),
		zap.Int("skipped", summary.Skipped),
	)
	return kept, summary
}
