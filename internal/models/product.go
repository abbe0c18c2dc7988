package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the hub-owned canonical catalog entry. ExternalID, SKU and
// Barcode are alternate identifiers, each unique when present.
type Product struct {
	ID         string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	ExternalID *string         `gorm:"size:64;uniqueIndex" json:"external_id"`
	SKU        *string         `gorm:"size:64;uniqueIndex" json:"sku"`
	Barcode    *string         `gorm:"size:64;uniqueIndex" json:"barcode"`
	Name       string          `gorm:"size:150;not null" json:"name"`
	Unit       string          `gorm:"size:20;not null;default:pcs" json:"unit"`
	Price      decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"price"`
	CostPrice  decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"cost_price"`
	TaxRate    decimal.Decimal `gorm:"type:numeric(6,3);not null;default:0" json:"tax_rate"`
	IsActive   bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `gorm:"index" json:"updated_at"`
}
