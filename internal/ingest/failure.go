package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxFailureReason = 500

// fail records a rejected submission as a failed transaction so it can be
// retried later. A transaction that already committed is left untouched, and
// so are racing duplicates and malformed payloads.
func (p *Pipeline) fail(ctx context.Context, branchID uint, payload Payload, cause error) {
	p.metrics.TransactionIngested("failed")

	appErr := apperr.From(cause)
	fields := []zap.Field{
		zap.Uint("branch_id", branchID),
		zap.String("idempotency_key", payload.IdempotencyKey()),
		zap.String("code", appErr.Code),
		zap.Error(cause),
	}
	if appErr.HTTPStatus >= 500 {
		p.log.Error("transaction ingestion failed", fields...)
	} else {
		p.log.Warn("transaction rejected", fields...)
	}

	if appErr.Code == apperr.CodeConflict || appErr.Code == apperr.CodeValidation {
		return
	}
	if err := p.recordFailure(context.WithoutCancel(ctx), branchID, payload, appErr); err != nil {
		p.log.Error("could not record failed transaction", zap.Uint("branch_id", branchID), zap.Error(err))
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, branchID uint, payload Payload, cause *apperr.AppError) error {
	key := payload.IdempotencyKey()
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reason := cause.Code + ": " + cause.Message
	if len(cause.Details) > 0 {
		parts := make([]string, 0, len(cause.Details))
		for k, v := range cause.Details {
			parts = append(parts, k+"="+v)
		}
		reason += " (" + strings.Join(parts, ", ") + ")"
	}
	if len(reason) > maxFailureReason {
		reason = reason[:maxFailureReason]
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Transaction
		if err := tx.Where("branch_id = ? AND idempotency_key = ?", branchID, key).
			Limit(1).
			Find(&existing).Error; err != nil {
			return err
		}

		if existing.ID != "" {
			if existing.Status != models.TxFailed && existing.Status != models.TxPending {
				return nil
			}
			return tx.Model(&existing).Updates(map[string]any{
				"status":         models.TxFailed,
				"failure_reason": reason,
				"payload":        string(raw),
			}).Error
		}

		subtotal, discount, tax, total := payload.totals()
		date := time.Now().UTC()
		if payload.TransactionDate != nil {
			date = payload.TransactionDate.UTC()
		}
		row := models.Transaction{
			ID:                uuid.NewString(),
			BranchID:          branchID,
			IdempotencyKey:    key,
			TransactionNumber: payload.TransactionNumber,
			ReceiptNumber:     payload.ReceiptNumber,
			ExternalID:        payload.ExternalID,
			Status:            models.TxFailed,
			Subtotal:          subtotal,
			DiscountAmount:    discount,
			TaxAmount:         tax,
			TotalAmount:       total,
			PaymentMethod:     payload.PaymentMethod,
			EmployeeRef:       payload.EmployeeRef,
			TransactionDate:   date,
			FailureReason:     reason,
			Payload:           string(raw),
		}
		err := tx.Create(&row).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	})
}

// resolveCustomer finds the customer by id, phone or loyalty card, creating
// one when a phone or card is given but unknown. It is best effort: any
// failure is logged and the transaction proceeds without a customer. The work
// runs in a savepoint so a failed statement cannot poison tx.
func (p *Pipeline) resolveCustomer(tx *gorm.DB, payload Payload) *uint {
	phone := strings.TrimSpace(payload.CustomerPhone)
	card := strings.TrimSpace(payload.LoyaltyCard)
	if payload.CustomerID == nil && phone == "" && card == "" {
		return nil
	}

	var id *uint
	err := tx.Transaction(func(sp *gorm.DB) error {
		var c models.Customer
		if payload.CustomerID != nil {
			if err := sp.Limit(1).Find(&c, "id = ?", *payload.CustomerID).Error; err != nil {
				return err
			}
			if c.ID != 0 {
				id = &c.ID
				return nil
			}
		}
		if phone != "" {
			if err := sp.Limit(1).Find(&c, "phone = ?", phone).Error; err != nil {
				return err
			}
			if c.ID != 0 {
				id = &c.ID
				return nil
			}
		}
		if card != "" {
			if err := sp.Limit(1).Find(&c, "loyalty_card = ?", card).Error; err != nil {
				return err
			}
			if c.ID != 0 {
				id = &c.ID
				return nil
			}
		}
		if phone == "" && card == "" {
			return nil
		}

		c = models.Customer{Name: payload.CustomerName}
		if phone != "" {
			c.Phone = &phone
		}
		if card != "" {
			c.LoyaltyCard = &card
		}
		if err := sp.Create(&c).Error; err != nil {
			return err
		}
		id = &c.ID
		return nil
	})
	if err != nil {
		p.log.Warn("customer resolution skipped", zap.Error(err))
		return nil
	}
	return id
}
