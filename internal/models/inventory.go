package models

import "time"

// BranchInventory is the materialized stock aggregate for one (branch, product).
// QuantityInStock only changes together with a StockMovement insert.
type BranchInventory struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	BranchID        uint       `gorm:"not null;uniqueIndex:idx_branch_product" json:"branch_id"`
	ProductID       string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_branch_product" json:"product_id"`
	QuantityInStock float64    `gorm:"not null;default:0" json:"quantity_in_stock"`
	MinStockLevel   float64    `gorm:"not null;default:0" json:"min_stock_level"`
	MaxStockLevel   float64    `gorm:"not null;default:0" json:"max_stock_level"`
	LastMovementAt  *time.Time `json:"last_movement_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Product *Product `gorm:"foreignKey:ProductID" json:"product,omitempty"`
}

func (BranchInventory) TableName() string { return "branch_inventory" }
