package admin

import (
	"retail-hub/internal/apperr"
	"retail-hub/internal/audit"
	"retail-hub/internal/httpx"
	"retail-hub/internal/ledger"
	"retail-hub/internal/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type StockLevelsRequest struct {
	MinStockLevel float64 `json:"min_stock_level" validate:"gte=0"`
	MaxStockLevel float64 `json:"max_stock_level" validate:"gte=0"`
}

// PUT /api/v1/admin/branches/:id/stock/:productId/levels
func SetStockLevelsHandler(db *gorm.DB, l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := branchID(c)
		if err != nil {
			return err
		}
		if _, err := loadBranch(c.UserContext(), db, id); err != nil {
			return err
		}

		var body StockLevelsRequest
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}

		row, err := l.SetStockLevels(c.UserContext(), id, c.Params("productId"), body.MinStockLevel, body.MaxStockLevel)
		if err != nil {
			return err
		}

		who := actor(c, db)
		if err := audit.WriteLog(c.UserContext(), db, audit.LogOptions{
			BranchID:    &id,
			UserID:      who.ID,
			UserName:    who.Name,
			EntityType:  "stock_levels",
			EntityID:    row.ProductID,
			Action:      models.AuditActionUpdate,
			Description: "changed reorder levels",
			After:       body,
		}); err != nil {
			return apperr.Internal("").Wrap(err)
		}
		return c.JSON(row)
	}
}

// GET /api/v1/admin/branches/:id/inventory?low_stock=true
func BranchInventoryHandler(db *gorm.DB, l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := branchID(c)
		if err != nil {
			return err
		}
		if _, err := loadBranch(c.UserContext(), db, id); err != nil {
			return err
		}
		rows, err := l.ListStock(c.UserContext(), id, c.QueryBool("low_stock", false))
		if err != nil {
			return err
		}
		return c.JSON(rows)
	}
}

// GET /api/v1/admin/inventory/verify?branch_id=
// An empty list means every aggregate matches its movements.
func VerifyLedgerHandler(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var scope *uint
		if bid := c.QueryInt("branch_id", 0); bid > 0 {
			id := uint(bid)
			scope = &id
		}
		found, err := l.Verify(c.UserContext(), scope)
		if err != nil {
			return err
		}
		if found == nil {
			found = []ledger.Discrepancy{}
		}
		return c.JSON(fiber.Map{
			"consistent":    len(found) == 0,
			"discrepancies": found,
		})
	}
}
