// Package ledger owns branch stock. Every quantity change is an append-only
// StockMovement written in the same transaction as the BranchInventory
// aggregate it updates, so the aggregate always equals the sum of movements.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/events"
	"retail-hub/internal/identity"
	"retail-hub/internal/metrics"
	"retail-hub/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Epsilon is the tolerance for comparing stock quantities.
const Epsilon = 1e-6

type Options struct {
	// NarrowKinds stores purchase movements as transfer_in for stores that
	// only know the reduced kind set. The original kind is kept in Notes.
	NarrowKinds bool
}

type Ledger struct {
	db       *gorm.DB
	resolver *identity.Resolver
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *zap.Logger
	opts     Options
}

func New(db *gorm.DB, resolver *identity.Resolver, pub events.Publisher, m *metrics.Metrics, log *zap.Logger, opts Options) *Ledger {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Ledger{
		db:       db,
		resolver: resolver,
		events:   pub,
		metrics:  m,
		log:      log.Named("ledger"),
		opts:     opts,
	}
}

type MovementInput struct {
	BranchID      uint                `json:"-"`
	ProductToken  string              `json:"product_id" validate:"required"`
	Kind          models.MovementKind `json:"kind" validate:"required"`
	Magnitude     float64             `json:"quantity" validate:"gt=0"`
	Reason        string              `json:"reason" validate:"max=255"`
	Notes         string              `json:"notes" validate:"max=500"`
	TransactionID *string             `json:"-"`
	CreatedBy     string              `json:"created_by" validate:"max=64"`
}

type MovementResult struct {
	MovementID uint                `json:"movement_id"`
	ProductID  string              `json:"product_id"`
	Kind       models.MovementKind `json:"kind"`
	Previous   float64             `json:"previous_quantity"`
	New        float64             `json:"new_quantity"`
	Delta      float64             `json:"delta"`
}

func (in MovementInput) check() error {
	if in.BranchID == 0 {
		return apperr.Validation("branch is required")
	}
	if !in.Kind.Valid() {
		return apperr.Validation("unknown movement kind").WithDetail("kind", string(in.Kind))
	}
	if !(in.Magnitude > 0) || math.IsInf(in.Magnitude, 0) {
		return apperr.Validation("quantity must be greater than zero")
	}
	return nil
}

// RecordMovement applies one movement in its own transaction.
func (l *Ledger) RecordMovement(ctx context.Context, in MovementInput) (*MovementResult, error) {
	var res *MovementResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = l.RecordMovementTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Announce(ctx, in.BranchID, *res)
	return res, nil
}

// RecordMovementTx applies one movement inside a caller-owned transaction.
// The caller publishes with Announce after commit.
func (l *Ledger) RecordMovementTx(ctx context.Context, tx *gorm.DB, in MovementInput) (*MovementResult, error) {
	if err := in.check(); err != nil {
		return nil, err
	}

	productID, err := l.resolveProduct(ctx, tx, in.ProductToken)
	if err != nil {
		return nil, err
	}

	row, err := lockAggregate(tx, in.BranchID, productID)
	if err != nil {
		return nil, err
	}

	delta := in.Magnitude
	if in.Kind.Outbound() {
		delta = -delta
	}
	after := row.QuantityInStock + delta
	if after < 0 {
		if after < -Epsilon {
			l.metrics.StockRejected(apperr.CodeInsufficientStock)
			return nil, apperr.InsufficientStock(
				fmt.Sprintf("not enough stock: have %s, need %s", FormatQty(row.QuantityInStock), FormatQty(in.Magnitude)),
			).WithDetail("product_id", productID).
				WithDetail("available", FormatQty(row.QuantityInStock)).
				WithDetail("requested", FormatQty(in.Magnitude))
		}
		// rounding dust: take exactly what is left so the ledger sums to zero
		delta = -row.QuantityInStock
		after = 0
	}

	return l.append(tx, row, in, delta, after)
}

type AdjustInput struct {
	BranchID     uint     `json:"-"`
	ProductToken string   `json:"-"`
	ExpectedOld  *float64 `json:"expected_quantity" validate:"required,gte=0"`
	NewQuantity  float64  `json:"new_quantity" validate:"gte=0"`
	Reason       string   `json:"reason" validate:"required,max=255"`
	CreatedBy    string   `json:"created_by" validate:"max=64"`
}

type AdjustResult struct {
	MovementResult
	// Applied is false when the new quantity equals the current one.
	Applied bool `json:"applied"`
}

// AdjustWithExpectedBaseline sets stock to NewQuantity only if the stored
// quantity still equals ExpectedOld. A mismatch returns STOCK_CONFLICT and
// writes nothing.
func (l *Ledger) AdjustWithExpectedBaseline(ctx context.Context, in AdjustInput) (*AdjustResult, error) {
	if in.BranchID == 0 {
		return nil, apperr.Validation("branch is required")
	}
	if in.Reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	if in.ExpectedOld == nil {
		return nil, apperr.Validation("expected quantity is required")
	}
	if in.NewQuantity < 0 || math.IsNaN(in.NewQuantity) || math.IsInf(in.NewQuantity, 0) {
		return nil, apperr.Validation("new quantity must not be negative")
	}

	var res AdjustResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		productID, err := l.resolveProduct(ctx, tx, in.ProductToken)
		if err != nil {
			return err
		}

		row, err := lockAggregate(tx, in.BranchID, productID)
		if err != nil {
			return err
		}

		current := row.QuantityInStock
		if math.Abs(current-*in.ExpectedOld) > Epsilon {
			l.metrics.StockRejected(apperr.CodeStockConflict)
			return apperr.StockConflict("").
				WithDetail("product_id", productID).
				WithDetail("current", FormatQty(current)).
				WithDetail("expected", FormatQty(*in.ExpectedOld))
		}

		diff := in.NewQuantity - current
		if math.Abs(diff) <= Epsilon {
			res.MovementResult = MovementResult{ProductID: productID, Previous: current, New: current}
			return nil
		}

		kind := models.MovementAdjustmentIn
		if diff < 0 {
			kind = models.MovementAdjustmentOut
		}
		mr, err := l.append(tx, row, MovementInput{
			BranchID:     in.BranchID,
			ProductToken: in.ProductToken,
			Kind:         kind,
			Magnitude:    math.Abs(diff),
			Reason:       in.Reason,
			CreatedBy:    in.CreatedBy,
		}, diff, in.NewQuantity)
		if err != nil {
			return err
		}
		res.MovementResult = *mr
		res.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Applied {
		l.Announce(ctx, in.BranchID, res.MovementResult)
	}
	return &res, nil
}

type BulkEntry struct {
	Index  int              `json:"index"`
	Result *MovementResult  `json:"result,omitempty"`
	Error  *apperr.AppError `json:"error,omitempty"`
}

type BulkResult struct {
	Results   []BulkEntry `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// BulkRecordMovements applies entries sequentially, each in its own
// transaction. A failed entry never affects its siblings.
func (l *Ledger) BulkRecordMovements(ctx context.Context, branchID uint, inputs []MovementInput) *BulkResult {
	out := &BulkResult{Results: make([]BulkEntry, 0, len(inputs))}
	for i, in := range inputs {
		in.BranchID = branchID
		res, err := l.RecordMovement(ctx, in)
		if err != nil {
			out.Failed++
			out.Results = append(out.Results, BulkEntry{Index: i, Error: apperr.From(err)})
			continue
		}
		out.Succeeded++
		out.Results = append(out.Results, BulkEntry{Index: i, Result: res})
	}
	return out
}

// Announce publishes committed movements and counts them.
func (l *Ledger) Announce(ctx context.Context, branchID uint, results ...MovementResult) {
	for _, r := range results {
		if r.MovementID == 0 {
			continue
		}
		l.metrics.MovementRecorded(string(r.Kind))
		l.events.Publish(ctx, events.NewEvent(events.StockMovementRecorded, branchID, r.ProductID, r))
	}
}

func (l *Ledger) resolveProduct(ctx context.Context, tx *gorm.DB, token string) (string, error) {
	id, err := l.resolver.WithTx(tx).Resolve(ctx, token)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeAmbiguousNotFound) {
			return "", apperr.ProductNotFound(token)
		}
		return "", err
	}
	return id, nil
}

func (l *Ledger) append(tx *gorm.DB, row *models.BranchInventory, in MovementInput, delta, after float64) (*MovementResult, error) {
	now := time.Now().UTC()

	kind, notes := l.storedKind(in.Kind, in.Notes)
	movement := models.StockMovement{
		BranchID:       row.BranchID,
		ProductID:      row.ProductID,
		Kind:           kind,
		Delta:          delta,
		QuantityBefore: row.QuantityInStock,
		QuantityAfter:  after,
		TransactionID:  in.TransactionID,
		Reason:         in.Reason,
		Notes:          notes,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, apperr.Internal("could not write stock movement").Wrap(err)
	}

	if err := tx.Model(&models.BranchInventory{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"quantity_in_stock": after,
			"last_movement_at":  now,
			"updated_at":        now,
		}).Error; err != nil {
		return nil, apperr.Internal("could not update stock").Wrap(err)
	}

	return &MovementResult{
		MovementID: movement.ID,
		ProductID:  row.ProductID,
		Kind:       in.Kind,
		Previous:   row.QuantityInStock,
		New:        after,
		Delta:      delta,
	}, nil
}

func (l *Ledger) storedKind(kind models.MovementKind, notes string) (models.MovementKind, string) {
	if !l.opts.NarrowKinds || kind != models.MovementPurchase {
		return kind, notes
	}
	tag := "kind=" + string(kind)
	if notes == "" {
		return models.MovementTransferIn, tag
	}
	return models.MovementTransferIn, tag + "; " + notes
}

// LockStock locks the aggregates of productIDs in sorted id order and returns
// their current quantities. Sorting keeps concurrent multi-product writers from
// deadlocking each other.
func LockStock(tx *gorm.DB, branchID uint, productIDs []string) (map[string]float64, error) {
	ids := make([]string, len(productIDs))
	copy(ids, productIDs)
	sort.Strings(ids)

	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		row, err := lockAggregate(tx, branchID, id)
		if err != nil {
			return nil, err
		}
		out[id] = row.QuantityInStock
	}
	return out, nil
}

// lockAggregate returns the (branch, product) row locked for update, creating
// it at zero first if it does not exist.
func lockAggregate(tx *gorm.DB, branchID uint, productID string) (*models.BranchInventory, error) {
	seed := models.BranchInventory{BranchID: branchID, ProductID: productID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, apperr.Internal("could not create stock row").Wrap(err)
	}

	var row models.BranchInventory
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ? AND product_id = ?", branchID, productID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("stock row")
		}
		return nil, apperr.Internal("could not lock stock row").Wrap(err)
	}
	return &row, nil
}

// FormatQty renders a quantity without trailing zeros.
func FormatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
