package ingest

import (
	"strconv"
	"strings"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/httpx"
	"retail-hub/internal/models"

	"github.com/shopspring/decimal"
)

// Payload is one transaction as submitted by a branch.
type Payload struct {
	TransactionNumber string `json:"transaction_number" validate:"required_without_all=ReceiptNumber ExternalID,max=64"`
	ReceiptNumber     string `json:"receipt_number" validate:"max=64"`
	ExternalID        string `json:"external_id" validate:"max=64"`

	Status          models.TransactionStatus `json:"status" validate:"omitempty,oneof=completed cancelled refunded pending"`
	Subtotal        decimal.Decimal          `json:"subtotal"`
	DiscountAmount  decimal.Decimal          `json:"discount_amount"`
	TaxAmount       decimal.Decimal          `json:"tax_amount"`
	TotalAmount     decimal.Decimal          `json:"total_amount"`
	PaymentMethod   string                   `json:"payment_method" validate:"max=32"`
	EmployeeRef     string                   `json:"employee_ref" validate:"max=64"`
	TransactionDate *time.Time               `json:"transaction_date"`

	CustomerID    *uint  `json:"customer_id"`
	CustomerName  string `json:"customer_name" validate:"max=100"`
	CustomerPhone string `json:"customer_phone" validate:"max=32"`
	LoyaltyCard   string `json:"loyalty_card" validate:"max=64"`

	Items []ItemPayload `json:"items" validate:"max=1000,dive"`
}

type ItemPayload struct {
	ProductToken string          `json:"product_id" validate:"required_without=Name,max=64"`
	Name         string          `json:"name" validate:"max=150"`
	Quantity     float64         `json:"quantity" validate:"gt=0"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Discount     decimal.Decimal `json:"discount"`
	Tax          decimal.Decimal `json:"tax"`
}

// Total is quantity * unit price - discount + tax.
func (i ItemPayload) Total() decimal.Decimal {
	return decimal.NewFromFloat(i.Quantity).Mul(i.UnitPrice).Sub(i.Discount).Add(i.Tax).Round(2)
}

// IdempotencyKey is the first present identifier, prefixed by its kind so a
// receipt number can never collide with a transaction number.
func (p Payload) IdempotencyKey() string {
	switch {
	case strings.TrimSpace(p.TransactionNumber) != "":
		return "tn:" + strings.TrimSpace(p.TransactionNumber)
	case strings.TrimSpace(p.ReceiptNumber) != "":
		return "rn:" + strings.TrimSpace(p.ReceiptNumber)
	case strings.TrimSpace(p.ExternalID) != "":
		return "ext:" + strings.TrimSpace(p.ExternalID)
	}
	return ""
}

func (p Payload) status() models.TransactionStatus {
	if p.Status == "" {
		return models.TxCompleted
	}
	return p.Status
}

// Validate checks shape with struct tags and then the money rules the tags
// cannot express.
func (p *Payload) Validate() error {
	if err := httpx.Validate(p); err != nil {
		return err
	}
	if p.IdempotencyKey() == "" {
		return apperr.Validation("one of transaction_number, receipt_number or external_id is required")
	}

	money := map[string]decimal.Decimal{
		"subtotal":        p.Subtotal,
		"discount_amount": p.DiscountAmount,
		"tax_amount":      p.TaxAmount,
		"total_amount":    p.TotalAmount,
	}
	for field, v := range money {
		if v.IsNegative() {
			return apperr.Validation("amounts must not be negative").WithDetail(field, "must be at least 0")
		}
	}
	for i, item := range p.Items {
		if item.UnitPrice.IsNegative() || item.Discount.IsNegative() || item.Tax.IsNegative() {
			return apperr.Validation("amounts must not be negative").
				WithDetail("items", "item "+strconv.Itoa(i)+" has a negative amount")
		}
	}
	return nil
}

// totals fills in amounts the branch left at zero from the line items.
func (p Payload) totals() (subtotal, discount, tax, total decimal.Decimal) {
	subtotal, discount, tax, total = p.Subtotal, p.DiscountAmount, p.TaxAmount, p.TotalAmount

	var itemsSub, itemsDisc, itemsTax decimal.Decimal
	for _, item := range p.Items {
		itemsSub = itemsSub.Add(decimal.NewFromFloat(item.Quantity).Mul(item.UnitPrice))
		itemsDisc = itemsDisc.Add(item.Discount)
		itemsTax = itemsTax.Add(item.Tax)
	}
	if subtotal.IsZero() {
		subtotal = itemsSub.Round(2)
	}
	if discount.IsZero() {
		discount = itemsDisc
	}
	if tax.IsZero() {
		tax = itemsTax
	}
	if total.IsZero() {
		total = subtotal.Sub(discount).Add(tax).Round(2)
	}
	return subtotal, discount, tax, total
}
