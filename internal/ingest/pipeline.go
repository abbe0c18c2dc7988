// Package ingest mirrors branch point-of-sale transactions into the hub and
// applies their stock effect through the ledger, atomically and idempotently.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/events"
	"retail-hub/internal/identity"
	"retail-hub/internal/ledger"
	"retail-hub/internal/metrics"
	"retail-hub/internal/models"
	"retail-hub/internal/synclog"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 50

type Options struct {
	BatchSize int
}

type Pipeline struct {
	db        *gorm.DB
	resolver  *identity.Resolver
	ledger    *ledger.Ledger
	synclog   *synclog.Service
	events    events.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
	batchSize int
}

func New(
	db *gorm.DB,
	resolver *identity.Resolver,
	l *ledger.Ledger,
	logs *synclog.Service,
	pub events.Publisher,
	m *metrics.Metrics,
	log *zap.Logger,
	opts Options,
) *Pipeline {
	if pub == nil {
		pub = events.Noop{}
	}
	size := opts.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Pipeline{
		db:        db,
		resolver:  resolver,
		ledger:    l,
		synclog:   logs,
		events:    pub,
		metrics:   m,
		log:       log.Named("ingest"),
		batchSize: size,
	}
}

// Result of one committed submission.
type Result struct {
	TransactionID string `json:"transaction_id"`
	SyncID        string `json:"sync_id,omitempty"`
	Created       bool   `json:"created"`
	Movements     int    `json:"movements"`
}

// committed carries what must be announced once the surrounding database
// transaction commits.
type committed struct {
	txn       models.Transaction
	created   bool
	movements []ledger.MovementResult
}

// Submit ingests one transaction inside its own sync log.
func (p *Pipeline) Submit(ctx context.Context, branchID uint, payload Payload) (*Result, error) {
	var res *Result
	entry, err := p.synclog.Run(ctx, synclog.OpenInput{
		BranchID:  branchID,
		Type:      models.SyncTransactions,
		Direction: models.FromBranch,
		Expected:  1,
	}, func(ctx context.Context, _ *models.SyncLog) (synclog.Outcome, error) {
		var err error
		res, err = p.submitOne(ctx, branchID, payload)
		if err != nil {
			return synclog.Outcome{Failed: 1}, err
		}
		return synclog.Outcome{Processed: 1}, nil
	})
	if err != nil {
		if entry != nil {
			return nil, apperr.From(err).WithDetail("sync_id", entry.ID)
		}
		return nil, err
	}
	res.SyncID = entry.ID
	return res, nil
}

// Resubmit re-ingests the payload stored on a previously failed transaction.
// The caller owns the sync log.
func (p *Pipeline) Resubmit(ctx context.Context, stored models.Transaction) (*Result, error) {
	if stored.Payload == "" {
		return nil, apperr.Validation("transaction has no stored payload").WithDetail("transaction_id", stored.ID)
	}
	var payload Payload
	if err := json.Unmarshal([]byte(stored.Payload), &payload); err != nil {
		return nil, apperr.Validation("stored payload is not valid JSON").
			WithDetail("transaction_id", stored.ID).
			Wrap(err)
	}
	return p.submitOne(ctx, stored.BranchID, payload)
}

func (p *Pipeline) submitOne(ctx context.Context, branchID uint, payload Payload) (*Result, error) {
	if err := payload.Validate(); err != nil {
		p.metrics.TransactionIngested("invalid")
		return nil, err
	}

	var out *committed
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = p.ingest(ctx, tx, branchID, payload)
		return err
	})
	if err != nil {
		p.fail(ctx, branchID, payload, err)
		return nil, err
	}

	p.announce(ctx, branchID, out)
	return &Result{TransactionID: out.txn.ID, Created: out.created, Movements: len(out.movements)}, nil
}

// ingest runs every step of one submission inside tx. Any returned error
// rolls back all of its writes.
func (p *Pipeline) ingest(ctx context.Context, tx *gorm.DB, branchID uint, payload Payload) (*committed, error) {
	key := payload.IdempotencyKey()
	status := payload.status()

	var existing models.Transaction
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ? AND idempotency_key = ?", branchID, key).
		Limit(1).
		Find(&existing).Error
	if err != nil {
		return nil, apperr.Internal("could not look up transaction").Wrap(err)
	}
	isUpdate := existing.ID != ""

	resolved, err := p.resolveItems(ctx, tx, payload.Items)
	if err != nil {
		return nil, err
	}

	// Net stock change this submission still owes, per product: the target
	// effect minus what earlier submissions of the same transaction applied.
	target := make(map[string]float64)
	if status == models.TxCompleted {
		for i, item := range payload.Items {
			if pid := resolved[i]; pid != "" {
				target[pid] -= item.Quantity
			}
		}
	}
	applied := map[string]float64{}
	if isUpdate {
		if applied, err = appliedEffect(tx, existing.ID); err != nil {
			return nil, err
		}
	}
	owed := netDiff(target, applied)

	if err := p.preflight(tx, branchID, owed); err != nil {
		return nil, err
	}

	customerID := p.resolveCustomer(tx, payload)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Internal("could not encode payload").Wrap(err)
	}

	txn, err := p.upsertTransaction(tx, branchID, key, payload, customerID, string(raw), existing, isUpdate)
	if err != nil {
		return nil, err
	}

	if err := insertItems(tx, txn.ID, payload.Items, resolved); err != nil {
		return nil, err
	}

	movements, err := p.applyStock(ctx, tx, branchID, txn, owed)
	if err != nil {
		return nil, err
	}

	return &committed{txn: *txn, created: !isUpdate, movements: movements}, nil
}

func (p *Pipeline) resolveItems(ctx context.Context, tx *gorm.DB, items []ItemPayload) ([]string, error) {
	tokens := make([]string, 0, len(items))
	for _, item := range items {
		if item.ProductToken != "" {
			tokens = append(tokens, item.ProductToken)
		}
	}
	byToken, err := p.resolver.WithTx(tx).ResolveBatch(ctx, tokens)
	if err != nil {
		return nil, err
	}

	resolved := make([]string, len(items))
	for i, item := range items {
		pid, ok := byToken[strings.TrimSpace(item.ProductToken)]
		if !ok && item.ProductToken != "" {
			p.log.Debug("item token did not resolve", zap.String("token", item.ProductToken))
			continue
		}
		resolved[i] = pid
	}
	return resolved, nil
}

// appliedEffect sums the movements already written for a transaction.
func appliedEffect(tx *gorm.DB, transactionID string) (map[string]float64, error) {
	type row struct {
		ProductID string
		Total     float64
	}
	var rows []row
	err := tx.Model(&models.StockMovement{}).
		Select("product_id, SUM(delta) AS total").
		Where("transaction_id = ?", transactionID).
		Group("product_id").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Internal("could not read prior stock effect").Wrap(err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.ProductID] = r.Total
	}
	return out, nil
}

func netDiff(target, applied map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for pid, want := range target {
		if d := want - applied[pid]; math.Abs(d) > ledger.Epsilon {
			out[pid] = d
		}
	}
	for pid, have := range applied {
		if _, ok := target[pid]; ok {
			continue
		}
		if math.Abs(have) > ledger.Epsilon {
			out[pid] = -have
		}
	}
	return out
}

// preflight locks every product the submission takes stock from and checks
// the whole transaction fits before anything is written.
func (p *Pipeline) preflight(tx *gorm.DB, branchID uint, owed map[string]float64) error {
	var outbound []string
	for pid, d := range owed {
		if d < 0 {
			outbound = append(outbound, pid)
		}
	}
	if len(outbound) == 0 {
		return nil
	}

	stock, err := ledger.LockStock(tx, branchID, outbound)
	if err != nil {
		return err
	}
	sort.Strings(outbound)
	for _, pid := range outbound {
		need := -owed[pid]
		if stock[pid]+ledger.Epsilon < need {
			p.metrics.StockRejected(apperr.CodeInsufficientStock)
			return apperr.InsufficientStock("not enough stock for transaction").
				WithDetail("product_id", pid).
				WithDetail("available", ledger.FormatQty(stock[pid])).
				WithDetail("requested", ledger.FormatQty(need))
		}
	}
	return nil
}

func (p *Pipeline) upsertTransaction(
	tx *gorm.DB,
	branchID uint,
	key string,
	payload Payload,
	customerID *uint,
	raw string,
	existing models.Transaction,
	isUpdate bool,
) (*models.Transaction, error) {
	subtotal, discount, tax, total := payload.totals()
	date := time.Now().UTC()
	if payload.TransactionDate != nil {
		date = payload.TransactionDate.UTC()
	}

	txn := existing
	txn.BranchID = branchID
	txn.IdempotencyKey = key
	txn.TransactionNumber = payload.TransactionNumber
	txn.ReceiptNumber = payload.ReceiptNumber
	txn.ExternalID = payload.ExternalID
	txn.Status = payload.status()
	txn.Subtotal = subtotal
	txn.DiscountAmount = discount
	txn.TaxAmount = tax
	txn.TotalAmount = total
	txn.PaymentMethod = payload.PaymentMethod
	txn.EmployeeRef = payload.EmployeeRef
	txn.CustomerID = customerID
	txn.TransactionDate = date
	txn.FailureReason = ""
	txn.Payload = raw
	txn.Items = nil

	if isUpdate {
		if err := tx.Where("transaction_id = ?", txn.ID).Delete(&models.TransactionItem{}).Error; err != nil {
			return nil, apperr.Internal("could not replace transaction items").Wrap(err)
		}
		if err := tx.Omit("created_at").Save(&txn).Error; err != nil {
			return nil, apperr.Internal("could not update transaction").Wrap(err)
		}
		return &txn, nil
	}

	txn.ID = uuid.NewString()
	if err := tx.Create(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Conflict("transaction was submitted concurrently").WithDetail("idempotency_key", key)
		}
		return nil, apperr.Internal("could not create transaction").Wrap(err)
	}
	return &txn, nil
}

func insertItems(tx *gorm.DB, transactionID string, items []ItemPayload, resolved []string) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]models.TransactionItem, 0, len(items))
	for i, item := range items {
		row := models.TransactionItem{
			TransactionID: transactionID,
			ProductToken:  item.ProductToken,
			Name:          item.Name,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Discount:      item.Discount,
			Tax:           item.Tax,
			Total:         item.Total(),
		}
		if pid := resolved[i]; pid != "" {
			row.ProductID = &pid
		}
		rows = append(rows, row)
	}
	if err := tx.Create(&rows).Error; err != nil {
		return apperr.Internal("could not insert transaction items").Wrap(err)
	}
	return nil
}

// applyStock writes the owed movements in product order: sale for stock still
// to take, return for stock to give back.
func (p *Pipeline) applyStock(ctx context.Context, tx *gorm.DB, branchID uint, txn *models.Transaction, owed map[string]float64) ([]ledger.MovementResult, error) {
	pids := make([]string, 0, len(owed))
	for pid := range owed {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	reason := "transaction " + txn.IdempotencyKey
	out := make([]ledger.MovementResult, 0, len(pids))
	for _, pid := range pids {
		d := owed[pid]
		kind := models.MovementSale
		if d > 0 {
			kind = models.MovementReturn
		}
		txID := txn.ID
		res, err := p.ledger.RecordMovementTx(ctx, tx, ledger.MovementInput{
			BranchID:      branchID,
			ProductToken:  pid,
			Kind:          kind,
			Magnitude:     math.Abs(d),
			Reason:        reason,
			TransactionID: &txID,
			CreatedBy:     "ingest",
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, nil
}

func (p *Pipeline) announce(ctx context.Context, branchID uint, c *committed) {
	outcome := "updated"
	if c.created {
		outcome = "created"
	}
	p.metrics.TransactionIngested(outcome)
	p.ledger.Announce(ctx, branchID, c.movements...)
	p.events.Publish(ctx, events.NewEvent(events.TransactionCommitted, branchID, c.txn.ID, map[string]any{
		"transaction_id":  c.txn.ID,
		"idempotency_key": c.txn.IdempotencyKey,
		"status":          c.txn.Status,
		"total_amount":    c.txn.TotalAmount,
		"created":         c.created,
		"movements":       len(c.movements),
	}))
}
