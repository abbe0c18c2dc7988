package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxCancelled TransactionStatus = "cancelled"
	TxRefunded  TransactionStatus = "refunded"
	TxPending   TransactionStatus = "pending"
	TxFailed    TransactionStatus = "failed"
)

// Transaction mirrors one branch sale. (BranchID, IdempotencyKey) is unique.
type Transaction struct {
	ID                string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	BranchID          uint              `gorm:"not null;uniqueIndex:idx_tx_idempotency,priority:1;index:idx_tx_branch_status,priority:1" json:"branch_id"`
	IdempotencyKey    string            `gorm:"size:140;not null;uniqueIndex:idx_tx_idempotency,priority:2" json:"idempotency_key"`
	TransactionNumber string            `gorm:"size:64" json:"transaction_number"`
	ReceiptNumber     string            `gorm:"size:64" json:"receipt_number"`
	ExternalID        string            `gorm:"size:64" json:"external_id"`
	Status            TransactionStatus `gorm:"size:16;not null;index:idx_tx_branch_status,priority:2" json:"status"`
	Subtotal          decimal.Decimal   `gorm:"type:numeric(14,2);not null;default:0" json:"subtotal"`
	DiscountAmount    decimal.Decimal   `gorm:"type:numeric(14,2);not null;default:0" json:"discount_amount"`
	TaxAmount         decimal.Decimal   `gorm:"type:numeric(14,2);not null;default:0" json:"tax_amount"`
	TotalAmount       decimal.Decimal   `gorm:"type:numeric(14,2);not null;default:0" json:"total_amount"`
	PaymentMethod     string            `gorm:"size:32" json:"payment_method"`
	EmployeeRef       string            `gorm:"size:64" json:"employee_ref"`
	CustomerID        *uint             `gorm:"index" json:"customer_id"`
	TransactionDate   time.Time         `gorm:"index" json:"transaction_date"`
	FailureReason     string            `gorm:"size:500" json:"failure_reason,omitempty"`
	Payload           string            `gorm:"type:text" json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `gorm:"index" json:"updated_at"`

	Items []TransactionItem `gorm:"foreignKey:TransactionID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

type TransactionItem struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	TransactionID string          `gorm:"type:varchar(36);not null;index" json:"transaction_id"`
	ProductID     *string         `gorm:"type:varchar(36);index" json:"product_id"`
	ProductToken  string          `gorm:"size:64" json:"product_token"`
	Name          string          `gorm:"size:150" json:"name"`
	Quantity      float64         `gorm:"not null" json:"quantity"`
	UnitPrice     decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"unit_price"`
	Discount      decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"discount"`
	Tax           decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"tax"`
	Total         decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"total"`
	CreatedAt     time.Time       `json:"created_at"`
}
