package models

import "time"

type MovementKind string

const (
	MovementSale          MovementKind = "sale"
	MovementReturn        MovementKind = "return"
	MovementAdjustmentIn  MovementKind = "adjustment_in"
	MovementAdjustmentOut MovementKind = "adjustment_out"
	MovementTransferIn    MovementKind = "transfer_in"
	MovementTransferOut   MovementKind = "transfer_out"
	MovementDamage        MovementKind = "damage"
	MovementExpiry        MovementKind = "expiry"
	MovementPurchase      MovementKind = "purchase"
)

// Outbound reports whether the kind removes stock.
func (k MovementKind) Outbound() bool {
	switch k {
	case MovementSale, MovementDamage, MovementExpiry, MovementAdjustmentOut, MovementTransferOut:
		return true
	}
	return false
}

func (k MovementKind) Valid() bool {
	switch k {
	case MovementSale, MovementReturn, MovementAdjustmentIn, MovementAdjustmentOut,
		MovementTransferIn, MovementTransferOut, MovementDamage, MovementExpiry, MovementPurchase:
		return true
	}
	return false
}

// StockMovement is an append-only ledger entry.
type StockMovement struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	BranchID       uint         `gorm:"not null;index:idx_movement_pair,priority:1" json:"branch_id"`
	ProductID      string       `gorm:"type:varchar(36);not null;index:idx_movement_pair,priority:2" json:"product_id"`
	Kind           MovementKind `gorm:"size:20;not null;index" json:"kind"`
	Delta          float64      `gorm:"not null" json:"delta"`
	QuantityBefore float64      `gorm:"not null" json:"quantity_before"`
	QuantityAfter  float64      `gorm:"not null" json:"quantity_after"`
	TransactionID  *string      `gorm:"type:varchar(36);index" json:"transaction_id,omitempty"`
	Reason         string       `gorm:"size:255" json:"reason"`
	Notes          string       `gorm:"size:500" json:"notes"`
	CreatedBy      string       `gorm:"size:64" json:"created_by"`
	CreatedAt      time.Time    `gorm:"index" json:"created_at"`
}
