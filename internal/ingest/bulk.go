package ingest

import (
	"context"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"
	"retail-hub/internal/synclog"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type BulkItem struct {
	Index          int              `json:"index"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	TransactionID  string           `json:"transaction_id,omitempty"`
	Created        bool             `json:"created,omitempty"`
	Error          *apperr.AppError `json:"error,omitempty"`
}

type BulkResult struct {
	SyncID    string     `json:"sync_id"`
	Results   []BulkItem `json:"results"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
}

// SubmitBulk ingests payloads in fixed-size batches. Each batch is one
// database transaction and each submission inside it a savepoint, so a bad
// submission only rolls back itself and a failed batch commit only loses that
// batch.
func (p *Pipeline) SubmitBulk(ctx context.Context, branchID uint, payloads []Payload) (*BulkResult, error) {
	if len(payloads) == 0 {
		return nil, apperr.Validation("no transactions submitted")
	}

	out := &BulkResult{Results: make([]BulkItem, len(payloads))}
	for i := range payloads {
		out.Results[i] = BulkItem{Index: i, IdempotencyKey: payloads[i].IdempotencyKey()}
	}
	entry, err := p.synclog.Run(ctx, synclog.OpenInput{
		BranchID:  branchID,
		Type:      models.SyncTransactions,
		Direction: models.FromBranch,
		Expected:  len(payloads),
	}, func(ctx context.Context, _ *models.SyncLog) (synclog.Outcome, error) {
		for start := 0; start < len(payloads); start += p.batchSize {
			end := start + p.batchSize
			if end > len(payloads) {
				end = len(payloads)
			}
			p.runBatch(ctx, branchID, start, payloads[start:end], out.Results)
			if err := ctx.Err(); err != nil {
				for i := end; i < len(payloads); i++ {
					out.Results[i].Error = apperr.Internal("not processed").Wrap(err)
				}
				out.tally()
				return synclog.Outcome{Processed: out.Succeeded, Failed: out.Failed}, err
			}
		}
		out.tally()
		return synclog.Outcome{Processed: out.Succeeded, Failed: out.Failed}, nil
	})
	if entry != nil {
		out.SyncID = entry.ID
	}
	if err != nil && entry == nil {
		return nil, err
	}
	return out, nil
}

func (r *BulkResult) tally() {
	r.Succeeded, r.Failed = 0, 0
	for _, item := range r.Results {
		switch {
		case item.Error != nil:
			r.Failed++
		case item.TransactionID != "":
			r.Succeeded++
		}
	}
}

type pending struct {
	index   int
	payload Payload
	err     error
	done    *committed
}

func (p *Pipeline) runBatch(ctx context.Context, branchID uint, offset int, batch []Payload, results []BulkItem) {
	work := make([]*pending, 0, len(batch))
	for i := range batch {
		idx := offset + i
		results[idx] = BulkItem{Index: idx, IdempotencyKey: batch[i].IdempotencyKey()}

		if err := batch[i].Validate(); err != nil {
			p.metrics.TransactionIngested("invalid")
			results[idx].Error = apperr.From(err)
			continue
		}
		work = append(work, &pending{index: idx, payload: batch[i]})
	}
	if len(work) == 0 {
		return
	}

	commitErr := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range work {
			w.err = tx.Transaction(func(sp *gorm.DB) error {
				var err error
				w.done, err = p.ingest(ctx, sp, branchID, w.payload)
				return err
			})
			if w.err != nil {
				w.done = nil
			}
		}
		return nil
	})

	if commitErr != nil {
		p.log.Error("bulk batch commit failed",
			zap.Uint("branch_id", branchID),
			zap.Int("offset", offset),
			zap.Int("size", len(batch)),
			zap.Error(commitErr),
		)
	}

	// Failures are recorded only after the batch transaction is released.
	for _, w := range work {
		err := w.err
		if err == nil && commitErr != nil {
			err = apperr.Internal("batch commit failed").Wrap(commitErr)
		}
		if err != nil {
			p.fail(ctx, branchID, w.payload, err)
			results[w.index].Error = apperr.From(err)
			continue
		}
		p.announce(ctx, branchID, w.done)
		results[w.index].TransactionID = w.done.txn.ID
		results[w.index].Created = w.done.created
	}
}
