package syncer

import (
	"context"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"
	"retail-hub/internal/synclog"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RequestInput struct {
	BranchID uint            `json:"-"`
	Type     models.SyncType `json:"sync_type" validate:"required,oneof=transactions inventory products pricing"`
	Force    bool            `json:"force"`
	Since    *time.Time      `json:"since"`
}

type StockItem struct {
	ProductID       string  `json:"product_id"`
	SKU             *string `json:"sku"`
	QuantityInStock float64 `json:"quantity_in_stock"`
	MinStockLevel   float64 `json:"min_stock_level"`
	MaxStockLevel   float64 `json:"max_stock_level"`
}

type TransactionState struct {
	ID             string                   `json:"id"`
	IdempotencyKey string                   `json:"idempotency_key"`
	Status         models.TransactionStatus `json:"status"`
	FailureReason  string                   `json:"failure_reason,omitempty"`
	TotalAmount    decimal.Decimal          `json:"total_amount"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

type RequestResult struct {
	SyncID       string             `json:"sync_id"`
	SyncType     models.SyncType    `json:"sync_type"`
	Since        *time.Time         `json:"since,omitempty"`
	Records      int                `json:"records"`
	Products     []models.Product   `json:"products,omitempty"`
	Prices       []PriceItem        `json:"prices,omitempty"`
	Inventory    []StockItem        `json:"inventory,omitempty"`
	Transactions []TransactionState `json:"transactions,omitempty"`
}

var throttledStatuses = []models.SyncStatus{models.SyncStarted, models.SyncInProgress, models.SyncCompleted}

// RequestSync serves a branch-initiated pull. Unless forced, a pull of the
// same type within the cooldown is rejected with DUPLICATE_SYNC.
func (o *Orchestrator) RequestSync(ctx context.Context, in RequestInput) (*RequestResult, error) {
	if !in.Type.Valid() {
		return nil, apperr.Validation("unknown sync type").WithDetail("sync_type", string(in.Type))
	}
	branch, err := o.loadBranch(ctx, in.BranchID)
	if err != nil {
		return nil, err
	}

	release := o.lockRequest(branch.ID, in.Type)
	defer release()

	if !in.Force && o.opts.Cooldown > 0 {
		recent, err := o.logs.FindRecent(ctx, branch.ID, in.Type, models.ToBranch, throttledStatuses, time.Now().Add(-o.opts.Cooldown))
		if err != nil {
			return nil, err
		}
		if recent != nil {
			return nil, apperr.DuplicateSync("a sync of this type ran recently").
				WithDetail("sync_id", recent.ID).
				WithDetail("status", string(recent.Status)).
				WithDetail("retry_after", recent.StartedAt.Add(o.opts.Cooldown).UTC().Format(time.RFC3339))
		}
	}

	since, err := o.watermark(ctx, branch.ID, in.Type, models.ToBranch, in.Since, false)
	if err != nil {
		return nil, err
	}

	res := &RequestResult{SyncType: in.Type, Since: since}
	entry, err := o.logs.Run(ctx, synclog.OpenInput{
		BranchID:  branch.ID,
		Type:      in.Type,
		Direction: models.ToBranch,
		Forced:    in.Force,
	}, func(ctx context.Context, entry *models.SyncLog) (synclog.Outcome, error) {
		// the open log now throttles later requests
		release()
		if err := o.collect(ctx, branch.ID, since, res); err != nil {
			return synclog.Outcome{}, err
		}
		if err := o.logs.SetExpected(ctx, entry.ID, res.Records); err != nil {
			return synclog.Outcome{}, err
		}
		return synclog.Outcome{Processed: res.Records}, nil
	})
	if entry != nil {
		res.SyncID = entry.ID
	}
	if err != nil {
		return nil, err
	}

	o.log.Info("sync request served",
		zap.String("branch", branch.Code),
		zap.String("sync_type", string(in.Type)),
		zap.Int("records", res.Records),
		zap.Bool("forced", in.Force),
	)
	return res, nil
}

func (o *Orchestrator) collect(ctx context.Context, branchID uint, since *time.Time, res *RequestResult) error {
	switch res.SyncType {
	case models.SyncProducts, models.SyncPricing:
		products, err := o.changedProducts(ctx, since)
		if err != nil {
			return err
		}
		res.Records = len(products)
		if res.SyncType == models.SyncPricing {
			res.Prices = toPrices(products)
		} else {
			res.Products = products
		}

	case models.SyncInventory:
		rows, err := o.ledger.ListStock(ctx, branchID, false)
		if err != nil {
			return err
		}
		res.Inventory = make([]StockItem, len(rows))
		for i, r := range rows {
			res.Inventory[i] = StockItem{
				ProductID:       r.ProductID,
				QuantityInStock: r.QuantityInStock,
				MinStockLevel:   r.MinStockLevel,
				MaxStockLevel:   r.MaxStockLevel,
			}
			if r.Product != nil {
				res.Inventory[i].SKU = r.Product.SKU
			}
		}
		res.Records = len(rows)

	case models.SyncTransactions:
		q := o.db.WithContext(ctx).Model(&models.Transaction{}).Where("branch_id = ?", branchID)
		if since != nil {
			q = q.Where("updated_at > ?", since.UTC())
		}
		var rows []models.Transaction
		if err := q.Order("updated_at, id").Find(&rows).Error; err != nil {
			return apperr.Internal("could not load transactions").Wrap(err)
		}
		res.Transactions = make([]TransactionState, len(rows))
		for i, t := range rows {
			res.Transactions[i] = TransactionState{
				ID:             t.ID,
				IdempotencyKey: t.IdempotencyKey,
				Status:         t.Status,
				FailureReason:  t.FailureReason,
				TotalAmount:    t.TotalAmount,
				UpdatedAt:      t.UpdatedAt,
			}
		}
		res.Records = len(rows)
	}
	return nil
}
