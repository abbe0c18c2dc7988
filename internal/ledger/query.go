package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GetStock returns the aggregate for one product. A product that never moved
// at this branch reports zero.
func (l *Ledger) GetStock(ctx context.Context, branchID uint, productToken string) (*models.BranchInventory, error) {
	db := l.db.WithContext(ctx)
	productID, err := l.resolveProduct(ctx, db, productToken)
	if err != nil {
		return nil, err
	}

	var row models.BranchInventory
	err = db.Preload("Product").
		Where("branch_id = ? AND product_id = ?", branchID, productID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var product models.Product
		if err := db.First(&product, "id = ?", productID).Error; err != nil {
			return nil, apperr.Internal("").Wrap(err)
		}
		return &models.BranchInventory{BranchID: branchID, ProductID: productID, Product: &product}, nil
	}
	if err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	return &row, nil
}

// ListStock returns every aggregate of a branch. With lowOnly it keeps rows at
// or below a configured minimum.
func (l *Ledger) ListStock(ctx context.Context, branchID uint, lowOnly bool) ([]models.BranchInventory, error) {
	q := l.db.WithContext(ctx).
		Preload("Product").
		Where("branch_id = ?", branchID)
	if lowOnly {
		q = q.Where("min_stock_level > 0 AND quantity_in_stock <= min_stock_level")
	}

	var rows []models.BranchInventory
	if err := q.Order("product_id").Find(&rows).Error; err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	return rows, nil
}

type MovementFilter struct {
	BranchID      uint
	ProductToken  string
	Kind          models.MovementKind
	TransactionID string
	Since         *time.Time
	Until         *time.Time
	Page          int
	PageSize      int
}

// ListMovements pages through the ledger newest first.
func (l *Ledger) ListMovements(ctx context.Context, f MovementFilter) ([]models.StockMovement, int64, error) {
	db := l.db.WithContext(ctx)
	q := db.Model(&models.StockMovement{}).Where("branch_id = ?", f.BranchID)

	if f.ProductToken != "" {
		productID, err := l.resolveProduct(ctx, db, f.ProductToken)
		if err != nil {
			return nil, 0, err
		}
		q = q.Where("product_id = ?", productID)
	}
	if f.Kind != "" {
		if !f.Kind.Valid() {
			return nil, 0, apperr.Validation("unknown movement kind").WithDetail("kind", string(f.Kind))
		}
		q = q.Where("kind = ?", f.Kind)
	}
	if f.TransactionID != "" {
		q = q.Where("transaction_id = ?", f.TransactionID)
	}
	if f.Since != nil {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if f.Until != nil {
		q = q.Where("created_at < ?", f.Until.UTC())
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Internal("").Wrap(err)
	}

	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}

	var rows []models.StockMovement
	if err := q.Order("created_at DESC, id DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&rows).Error; err != nil {
		return nil, 0, apperr.Internal("").Wrap(err)
	}
	return rows, total, nil
}

// SetStockLevels changes the reorder thresholds. Quantity is never touched.
func (l *Ledger) SetStockLevels(ctx context.Context, branchID uint, productToken string, min, max float64) (*models.BranchInventory, error) {
	if min < 0 || max < 0 {
		return nil, apperr.Validation("stock levels must not be negative")
	}
	if max > 0 && max < min {
		return nil, apperr.Validation("max stock level must be at least the min level")
	}

	var row models.BranchInventory
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		productID, err := l.resolveProduct(ctx, tx, productToken)
		if err != nil {
			return err
		}
		locked, err := lockAggregate(tx, branchID, productID)
		if err != nil {
			return err
		}
		if err := tx.Model(locked).Updates(map[string]any{
			"min_stock_level": min,
			"max_stock_level": max,
		}).Error; err != nil {
			return apperr.Internal("could not update stock levels").Wrap(err)
		}
		return tx.First(&row, locked.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Discrepancy is a (branch, product) pair whose aggregate disagrees with the
// sum of its movements.
type Discrepancy struct {
	BranchID  uint    `json:"branch_id"`
	ProductID string  `json:"product_id"`
	Aggregate float64 `json:"aggregate"`
	Ledger    float64 `json:"ledger"`
	// Orphaned means movements exist without an aggregate row.
	Orphaned bool `json:"orphaned"`
}

// Verify audits ledger consistency for one branch, or all when branchID is nil.
func (l *Ledger) Verify(ctx context.Context, branchID *uint) ([]Discrepancy, error) {
	db := l.db.WithContext(ctx)

	type sumRow struct {
		BranchID  uint
		ProductID string
		Aggregate float64
		Ledger    float64
	}

	var sums []sumRow
	q := db.Table("branch_inventory AS bi").
		Select("bi.branch_id, bi.product_id, bi.quantity_in_stock AS aggregate, COALESCE(SUM(sm.delta), 0) AS ledger").
		Joins("LEFT JOIN stock_movements AS sm ON sm.branch_id = bi.branch_id AND sm.product_id = bi.product_id").
		Group("bi.branch_id, bi.product_id, bi.quantity_in_stock")
	if branchID != nil {
		q = q.Where("bi.branch_id = ?", *branchID)
	}
	if err := q.Scan(&sums).Error; err != nil {
		return nil, apperr.Internal("verify: aggregate scan failed").Wrap(err)
	}

	var out []Discrepancy
	for _, s := range sums {
		if math.Abs(s.Aggregate-s.Ledger) > Epsilon {
			out = append(out, Discrepancy{BranchID: s.BranchID, ProductID: s.ProductID, Aggregate: s.Aggregate, Ledger: s.Ledger})
		}
	}

	var orphans []sumRow
	oq := db.Table("stock_movements AS sm").
		Select("sm.branch_id, sm.product_id, SUM(sm.delta) AS ledger").
		Where("NOT EXISTS (?)",
			db.Table("branch_inventory AS bi").
				Select("1").
				Where("bi.branch_id = sm.branch_id AND bi.product_id = sm.product_id"),
		).
		Group("sm.branch_id, sm.product_id")
	if branchID != nil {
		oq = oq.Where("sm.branch_id = ?", *branchID)
	}
	if err := oq.Scan(&orphans).Error; err != nil {
		return nil, apperr.Internal("verify: orphan scan failed").Wrap(err)
	}
	for _, o := range orphans {
		out = append(out, Discrepancy{BranchID: o.BranchID, ProductID: o.ProductID, Ledger: o.Ledger, Orphaned: true})
	}

	if len(out) > 0 {
		l.log.Warn("ledger discrepancies found", zap.Int("count", len(out)))
	}
	return out, nil
}
