package ledger

import (
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/auth"
	"retail-hub/internal/httpx"
	"retail-hub/internal/models"

	"github.com/gofiber/fiber/v2"
)

type BulkMovementRequest struct {
	Movements []MovementInput `json:"movements" validate:"required,min=1,max=500,dive"`
}

type StockResponse struct {
	ProductID       string     `json:"product_id"`
	SKU             *string    `json:"sku"`
	Barcode         *string    `json:"barcode"`
	Name            string     `json:"name"`
	QuantityInStock float64    `json:"quantity_in_stock"`
	MinStockLevel   float64    `json:"min_stock_level"`
	MaxStockLevel   float64    `json:"max_stock_level"`
	LowStock        bool       `json:"low_stock"`
	LastMovementAt  *time.Time `json:"last_movement_at"`
}

func toStockResponse(row models.BranchInventory) StockResponse {
	resp := StockResponse{
		ProductID:       row.ProductID,
		QuantityInStock: row.QuantityInStock,
		MinStockLevel:   row.MinStockLevel,
		MaxStockLevel:   row.MaxStockLevel,
		LowStock:        row.MinStockLevel > 0 && row.QuantityInStock <= row.MinStockLevel,
		LastMovementAt:  row.LastMovementAt,
	}
	if row.Product != nil {
		resp.SKU = row.Product.SKU
		resp.Barcode = row.Product.Barcode
		resp.Name = row.Product.Name
	}
	return resp
}

func createdBy(branch *models.Branch, given string) string {
	if given != "" {
		return given
	}
	return "branch:" + branch.Code
}

// POST /api/v1/inventory/movements
func RecordMovementHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		var body MovementInput
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}
		body.BranchID = branch.ID
		body.CreatedBy = createdBy(branch, body.CreatedBy)

		res, err := l.RecordMovement(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	}
}

// POST /api/v1/inventory/movements/bulk
func BulkMovementHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		var body BulkMovementRequest
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}
		for i := range body.Movements {
			body.Movements[i].CreatedBy = createdBy(branch, body.Movements[i].CreatedBy)
		}

		return c.JSON(l.BulkRecordMovements(c.UserContext(), branch.ID, body.Movements))
	}
}

// POST /api/v1/inventory/:productId/adjust
func AdjustHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		var body AdjustInput
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}
		body.BranchID = branch.ID
		body.ProductToken = c.Params("productId")
		body.CreatedBy = createdBy(branch, body.CreatedBy)

		res, err := l.AdjustWithExpectedBaseline(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// GET /api/v1/inventory?low_stock=true
func ListStockHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		rows, err := l.ListStock(c.UserContext(), branch.ID, c.QueryBool("low_stock"))
		if err != nil {
			return err
		}

		resp := make([]StockResponse, 0, len(rows))
		for _, row := range rows {
			resp = append(resp, toStockResponse(row))
		}
		return c.JSON(resp)
	}
}

// GET /api/v1/inventory/:productId
func GetStockHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		row, err := l.GetStock(c.UserContext(), branch.ID, c.Params("productId"))
		if err != nil {
			return err
		}
		return c.JSON(toStockResponse(*row))
	}
}

// GET /api/v1/inventory/movements
func ListMovementsHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		page, size := httpx.Page(c)
		f := MovementFilter{
			BranchID:      branch.ID,
			ProductToken:  c.Query("product"),
			Kind:          models.MovementKind(c.Query("kind")),
			TransactionID: c.Query("transaction_id"),
			Page:          page,
			PageSize:      size,
		}
		if f.Since, err = parseTime(c.Query("since")); err != nil {
			return err
		}
		if f.Until, err = parseTime(c.Query("until")); err != nil {
			return err
		}

		rows, total, err := l.ListMovements(c.UserContext(), f)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"data":      rows,
			"total":     total,
			"page":      page,
			"page_size": size,
		})
	}
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Validation("time must be RFC3339").WithDetail("value", v)
	}
	return &t, nil
}
