package syncer

import (
	"context"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"
	"retail-hub/internal/synclog"

	"go.uber.org/zap"
)

type RetryItem struct {
	TransactionID  string           `json:"transaction_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Error          *apperr.AppError `json:"error,omitempty"`
}

type RetryResult struct {
	SyncID    string      `json:"sync_id"`
	Selected  int         `json:"selected"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Results   []RetryItem `json:"results"`
}

// RetryFailed re-ingests the most recent failed transactions of a branch from
// their stored payloads. Inside the sync log, rows are flipped to pending
// first so a concurrent retry does not pick them up again.
func (o *Orchestrator) RetryFailed(ctx context.Context, branchID uint, limit int) (*RetryResult, error) {
	branch, err := o.loadBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = o.opts.RetryLimit
	}
	if limit > maxRetryLimit {
		limit = maxRetryLimit
	}

	var rows []models.Transaction
	err = o.db.WithContext(ctx).
		Where("branch_id = ? AND status = ?", branch.ID, models.TxFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Internal("could not load failed transactions").Wrap(err)
	}

	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}

	res := &RetryResult{Selected: len(rows), Results: make([]RetryItem, 0, len(rows))}
	flipped := false
	entry, err := o.logs.Run(ctx, synclog.OpenInput{
		BranchID:  branch.ID,
		Type:      models.SyncTransactions,
		Direction: models.FromBranch,
		Expected:  len(rows),
		Forced:    true,
	}, func(ctx context.Context, _ *models.SyncLog) (synclog.Outcome, error) {
		// flip only once the log exists, so a failed open leaves rows retryable
		if len(ids) > 0 {
			err := o.db.WithContext(ctx).Model(&models.Transaction{}).
				Where("id IN ? AND status = ?", ids, models.TxFailed).
				Update("status", models.TxPending).Error
			if err != nil {
				return synclog.Outcome{Failed: len(ids)}, apperr.Internal("could not mark transactions pending").Wrap(err)
			}
		}
		flipped = true

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				o.restoreFailed(ctx, row.ID, err)
				res.Failed++
				res.Results = append(res.Results, RetryItem{
					TransactionID:  row.ID,
					IdempotencyKey: row.IdempotencyKey,
					Error:          apperr.Internal("not processed").Wrap(err),
				})
				continue
			}

			row.Status = models.TxPending
			item := RetryItem{TransactionID: row.ID, IdempotencyKey: row.IdempotencyKey}
			if _, err := o.pipeline.Resubmit(ctx, row); err != nil {
				o.restoreFailed(ctx, row.ID, err)
				item.Error = apperr.From(err)
				res.Failed++
			} else {
				res.Succeeded++
			}
			res.Results = append(res.Results, item)
		}
		return synclog.Outcome{Processed: res.Succeeded, Failed: res.Failed}, ctx.Err()
	})
	if entry != nil {
		res.SyncID = entry.ID
	}
	if err != nil && !flipped {
		return nil, err
	}

	o.log.Info("failed transactions retried",
		zap.String("branch", branch.Code),
		zap.Int("selected", res.Selected),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// restoreFailed puts a row that is still pending back to failed. The pipeline
// already does this for most errors; rejected payloads are left pending by it.
func (o *Orchestrator) restoreFailed(ctx context.Context, id string, cause error) {
	appErr := apperr.From(cause)
	err := o.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, models.TxPending).
		Updates(map[string]any{
			"status":         models.TxFailed,
			"failure_reason": truncate(appErr.Code+": "+appErr.Message, 500),
		}).Error
	if err != nil {
		o.log.Error("could not restore failed transaction", zap.String("transaction_id", id), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
