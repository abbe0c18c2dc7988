package admin

import (
	"context"
	"errors"
	"strings"

	"retail-hub/internal/apperr"
	"retail-hub/internal/audit"
	"retail-hub/internal/httpx"
	"retail-hub/internal/identity"
	"retail-hub/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type UpsertProductRequest struct {
	// ID or SKU selects an existing product; otherwise one is created.
	ID         string           `json:"id" validate:"omitempty,uuid"`
	ExternalID *string          `json:"external_id" validate:"omitempty,max=64"`
	SKU        *string          `json:"sku" validate:"omitempty,max=64"`
	Barcode    *string          `json:"barcode" validate:"omitempty,max=64"`
	Name       string           `json:"name" validate:"required,max=150"`
	Unit       string           `json:"unit" validate:"omitempty,max=20"`
	Price      decimal.Decimal  `json:"price"`
	CostPrice  decimal.Decimal  `json:"cost_price"`
	TaxRate    *decimal.Decimal `json:"tax_rate"`
	IsActive   *bool            `json:"is_active"`
}

func cleanIdentifier(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

// check validates prices and normalizes names and identifiers.
func (r *UpsertProductRequest) check() error {
	r.Name = strings.TrimSpace(r.Name)
	r.ExternalID = cleanIdentifier(r.ExternalID)
	r.SKU = cleanIdentifier(r.SKU)
	r.Barcode = cleanIdentifier(r.Barcode)
	if r.Price.IsNegative() || r.CostPrice.IsNegative() {
		return apperr.Validation("prices must not be negative")
	}
	if r.TaxRate != nil && r.TaxRate.IsNegative() {
		return apperr.Validation("tax rate must not be negative")
	}
	return nil
}

// PUT /api/v1/admin/products
// Creates or updates a catalog entry. Any change bumps updated_at, which is
// what the next push picks up.
func UpsertProductHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body UpsertProductRequest
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}
		if err := body.check(); err != nil {
			return err
		}

		who := actor(c, db)
		var (
			product *models.Product
			created bool
		)
		err := db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
			var err error
			product, created, err = upsertProduct(c.UserContext(), tx, body, who)
			return err
		})
		if err != nil {
			return err
		}

		status := fiber.StatusOK
		if created {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(product)
	}
}

// upsertProduct saves one catalog entry inside tx and audits it. body must
// already be checked and cleaned.
func upsertProduct(ctx context.Context, tx *gorm.DB, body UpsertProductRequest, who actorInfo) (*models.Product, bool, error) {
	var product models.Product
	switch {
	case body.ID != "":
		if err := tx.Limit(1).Find(&product, "id = ?", body.ID).Error; err != nil {
			return nil, false, apperr.Internal("").Wrap(err)
		}
	case body.SKU != nil:
		if err := tx.Limit(1).Find(&product, "sku = ?", *body.SKU).Error; err != nil {
			return nil, false, apperr.Internal("").Wrap(err)
		}
	}

	before := product
	created := product.ID == ""
	if created {
		product.ID = body.ID
		if product.ID == "" {
			product.ID = uuid.NewString()
		}
		product.IsActive = true
		product.Unit = "pcs"
	}

	product.Name = body.Name
	product.ExternalID = body.ExternalID
	product.SKU = body.SKU
	product.Barcode = body.Barcode
	if body.Unit != "" {
		product.Unit = body.Unit
	}
	product.Price = body.Price
	product.CostPrice = body.CostPrice
	if body.TaxRate != nil {
		product.TaxRate = *body.TaxRate
	}
	if body.IsActive != nil {
		product.IsActive = *body.IsActive
	}

	var err error
	action := models.AuditActionUpdate
	if created {
		action = models.AuditActionCreate
		err = tx.Create(&product).Error
	} else {
		err = tx.Save(&product).Error
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, apperr.Conflict("another product already uses one of these identifiers")
	}
	if err != nil {
		return nil, false, apperr.Internal("could not save product").Wrap(err)
	}

	opts := audit.LogOptions{
		UserID:      who.ID,
		UserName:    who.Name,
		EntityType:  "product",
		EntityID:    product.ID,
		Action:      action,
		Description: "saved product " + product.Name,
		After:       product,
	}
	if !created {
		opts.Before = before
	}
	if err := audit.WriteLog(ctx, tx, opts); err != nil {
		return nil, false, err
	}
	return &product, created, nil
}

// GET /api/v1/admin/products?active=true&q=milk
func ListProductsHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		page, size := httpx.Page(c)
		q := db.WithContext(c.UserContext()).Model(&models.Product{})
		switch c.Query("active") {
		case "true":
			q = q.Where("is_active = ?", true)
		case "false":
			q = q.Where("is_active = ?", false)
		}
		if term := strings.TrimSpace(c.Query("q")); term != "" {
			like := "%" + strings.ToLower(term) + "%"
			q = q.Where("LOWER(name) LIKE ? OR sku = ? OR barcode = ?", like, term, term)
		}

		var total int64
		if err := q.Count(&total).Error; err != nil {
			return apperr.Internal("could not count products").Wrap(err)
		}
		var products []models.Product
		if err := q.Order("name ASC, id").
			Offset((page - 1) * size).
			Limit(size).
			Find(&products).Error; err != nil {
			return apperr.Internal("could not list products").Wrap(err)
		}
		return c.JSON(fiber.Map{
			"data":      products,
			"total":     total,
			"page":      page,
			"page_size": size,
		})
	}
}

// POST /api/v1/admin/products/:id/deactivate
// :id accepts any identifier the resolver understands.
func DeactivateProductHandler(db *gorm.DB, resolver *identity.Resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		id, err := resolver.Resolve(ctx, c.Params("id"))
		if err != nil {
			return err
		}

		who := actor(c, db)
		var product models.Product
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&product, "id = ?", id).Error; err != nil {
				return apperr.Internal("").Wrap(err)
			}
			if !product.IsActive {
				return nil
			}
			if err := tx.Model(&product).Update("is_active", false).Error; err != nil {
				return apperr.Internal("could not deactivate product").Wrap(err)
			}
			return audit.WriteLog(ctx, tx, audit.LogOptions{
				UserID:      who.ID,
				UserName:    who.Name,
				EntityType:  "product",
				EntityID:    product.ID,
				Action:      models.AuditActionDeactivate,
				Description: "deactivated product " + product.Name,
			})
		})
		if err != nil {
			return err
		}
		return c.JSON(product)
	}
}
