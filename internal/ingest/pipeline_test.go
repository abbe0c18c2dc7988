package ingest_test

import (
	"context"
	"testing"

	"retail-hub/internal/apperr"
	"retail-hub/internal/events"
	"retail-hub/internal/identity"
	"retail-hub/internal/ingest"
	"retail-hub/internal/ledger"
	"retail-hub/internal/models"
	"retail-hub/internal/synclog"
	"retail-hub/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type env struct {
	db     *gorm.DB
	pipe   *ingest.Pipeline
	ledger *ledger.Ledger
	logs   *synclog.Service
	events *events.Recorder
	branch *models.Branch
}

func newEnv(t *testing.T, batchSize int) *env {
	t.Helper()
	db := testutil.NewDB(t)
	rec := &events.Recorder{}
	log := zap.NewNop()
	resolver := identity.NewResolver(db)
	l := ledger.New(db, resolver, rec, nil, log, ledger.Options{})
	logs := synclog.New(db, rec, nil, log)
	return &env{
		db:     db,
		pipe:   ingest.New(db, resolver, l, logs, rec, nil, log, ingest.Options{BatchSize: batchSize}),
		ledger: l,
		logs:   logs,
		events: rec,
		branch: testutil.CreateBranch(t, db, "B1"),
	}
}

func (e *env) product(t *testing.T, sku string, stock float64) *models.Product {
	t.Helper()
	p := testutil.CreateProduct(t, e.db, testutil.ProductOpts{SKU: sku, Price: "2.50"})
	if stock > 0 {
		_, err := e.ledger.RecordMovement(context.Background(), ledger.MovementInput{
			BranchID: e.branch.ID, ProductToken: p.ID, Kind: models.MovementPurchase, Magnitude: stock,
		})
		require.NoError(t, err)
	}
	return p
}

func (e *env) stock(t *testing.T, productID string) float64 {
	t.Helper()
	row, err := e.ledger.GetStock(context.Background(), e.branch.ID, productID)
	require.NoError(t, err)
	return row.QuantityInStock
}

func (e *env) movementDeltas(t *testing.T, transactionID string) []float64 {
	t.Helper()
	var deltas []float64
	require.NoError(t, e.db.Model(&models.StockMovement{}).
		Where("transaction_id = ?", transactionID).
		Order("id").
		Pluck("delta", &deltas).Error)
	return deltas
}

func sale(number string, items ...ingest.ItemPayload) ingest.Payload {
	return ingest.Payload{
		TransactionNumber: number,
		PaymentMethod:     "cash",
		Items:             items,
	}
}

func item(token string, qty float64) ingest.ItemPayload {
	return ingest.ItemPayload{ProductToken: token, Quantity: qty, UnitPrice: decimal.RequireFromString("2.50")}
}

func TestSubmit_SellAndResubmitIsIdempotent(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	p := e.product(t, "SKU1", 10)

	first, err := e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 3)))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.SyncID)
	assert.Equal(t, 7.0, e.stock(t, p.ID))

	second, err := e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 3)))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Zero(t, second.Movements)
	assert.Equal(t, 7.0, e.stock(t, p.ID))

	var items []models.TransactionItem
	require.NoError(t, e.db.Where("transaction_id = ?", first.TransactionID).Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, p.ID, *items[0].ProductID)
	assert.True(t, decimal.RequireFromString("7.50").Equal(items[0].Total))

	assert.Equal(t, []float64{-3}, e.movementDeltas(t, first.TransactionID))

	var txn models.Transaction
	require.NoError(t, e.db.First(&txn, "id = ?", first.TransactionID).Error)
	assert.Equal(t, "tn:A", txn.IdempotencyKey)
	assert.Equal(t, models.TxCompleted, txn.Status)
	assert.True(t, decimal.RequireFromString("7.50").Equal(txn.TotalAmount))

	log, err := e.logs.Get(ctx, second.SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, log.Status)
	assert.Equal(t, models.FromBranch, log.Direction)

	assert.Len(t, e.events.OfType(events.TransactionCommitted), 2)
}

func TestSubmit_CorrectionAppliesOnlyTheDifference(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	p := e.product(t, "SKU1", 10)

	res, err := e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 3)))
	require.NoError(t, err)

	_, err = e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 5)))
	require.NoError(t, err)
	assert.Equal(t, 5.0, e.stock(t, p.ID))

	_, err = e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 1)))
	require.NoError(t, err)
	assert.Equal(t, 9.0, e.stock(t, p.ID))

	assert.Equal(t, []float64{-3, -2, 4}, e.movementDeltas(t, res.TransactionID))

	var kinds []models.MovementKind
	require.NoError(t, e.db.Model(&models.StockMovement{}).
		Where("transaction_id = ?", res.TransactionID).
		Order("id").
		Pluck("kind", &kinds).Error)
	assert.Equal(t, []models.MovementKind{models.MovementSale, models.MovementSale, models.MovementReturn}, kinds)

	bad, err := e.ledger.Verify(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestSubmit_CancelReturnsStock(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	p := e.product(t, "SKU1", 10)

	_, err := e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 3), item("SKU1", 1)))
	require.NoError(t, err)
	assert.Equal(t, 6.0, e.stock(t, p.ID))

	cancelled := sale("A", item("SKU1", 3), item("SKU1", 1))
	cancelled.Status = models.TxCancelled
	_, err = e.pipe.Submit(ctx, e.branch.ID, cancelled)
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.stock(t, p.ID))
}

func TestSubmit_PendingHasNoStockEffect(t *testing.T) {
	e := newEnv(t, 0)
	p := e.product(t, "SKU1", 1)

	pending := sale("A", item("SKU1", 5))
	pending.Status = models.TxPending
	res, err := e.pipe.Submit(context.Background(), e.branch.ID, pending)
	require.NoError(t, err)
	assert.Zero(t, res.Movements)
	assert.Equal(t, 1.0, e.stock(t, p.ID))
}

func TestSubmit_ShortfallAbortsWholeTransaction(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	plenty := e.product(t, "SKU1", 10)
	scarce := e.product(t, "SKU2", 1)

	_, err := e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 2), item("SKU2", 5)))
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeInsufficientStock), "got %v", err)

	appErr, _ := apperr.As(err)
	assert.Equal(t, scarce.ID, appErr.Details["product_id"])
	assert.NotEmpty(t, appErr.Details["sync_id"])

	assert.Equal(t, 10.0, e.stock(t, plenty.ID))
	assert.Equal(t, 1.0, e.stock(t, scarce.ID))

	var txn models.Transaction
	require.NoError(t, e.db.Where("idempotency_key = ?", "tn:A").First(&txn).Error)
	assert.Equal(t, models.TxFailed, txn.Status)
	assert.Contains(t, txn.FailureReason, apperr.CodeInsufficientStock)
	assert.NotEmpty(t, txn.Payload)

	var itemCount int64
	require.NoError(t, e.db.Model(&models.TransactionItem{}).Count(&itemCount).Error)
	assert.Zero(t, itemCount)

	log, err := e.logs.Get(ctx, appErr.Details["sync_id"])
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, log.Status)
	assert.Equal(t, 1, log.RecordsFailed)

	// restock and replay the stored payload
	_, err = e.ledger.RecordMovement(ctx, ledger.MovementInput{
		BranchID: e.branch.ID, ProductToken: "SKU2", Kind: models.MovementPurchase, Magnitude: 10,
	})
	require.NoError(t, err)

	res, err := e.pipe.Resubmit(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, res.TransactionID)
	assert.False(t, res.Created)

	require.NoError(t, e.db.First(&txn, "id = ?", txn.ID).Error)
	assert.Equal(t, models.TxCompleted, txn.Status)
	assert.Empty(t, txn.FailureReason)
	assert.Equal(t, 8.0, e.stock(t, plenty.ID))
	assert.Equal(t, 6.0, e.stock(t, scarce.ID))
}

func TestSubmit_FailedCorrectionKeepsCommittedMirror(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	p := e.product(t, "SKU1", 10)

	res, err := e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 3)))
	require.NoError(t, err)

	_, err = e.pipe.Submit(ctx, e.branch.ID, sale("A", item("SKU1", 50)))
	require.True(t, apperr.HasCode(err, apperr.CodeInsufficientStock))

	var txn models.Transaction
	require.NoError(t, e.db.Preload("Items").First(&txn, "id = ?", res.TransactionID).Error)
	assert.Equal(t, models.TxCompleted, txn.Status)
	assert.Empty(t, txn.FailureReason)
	require.Len(t, txn.Items, 1)
	assert.Equal(t, 3.0, txn.Items[0].Quantity)
	assert.Equal(t, 7.0, e.stock(t, p.ID))
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t, 0)
	e.product(t, "SKU1", 10)

	tests := []struct {
		name    string
		payload ingest.Payload
	}{
		{name: "no identifier", payload: ingest.Payload{Items: []ingest.ItemPayload{item("SKU1", 1)}}},
		{name: "zero quantity", payload: sale("A", item("SKU1", 0))},
		{name: "unknown status", payload: ingest.Payload{TransactionNumber: "A", Status: "lost"}},
		{name: "negative total", payload: ingest.Payload{TransactionNumber: "A", TotalAmount: decimal.NewFromInt(-1)}},
		{name: "item without token or name", payload: sale("A", ingest.ItemPayload{Quantity: 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.pipe.Submit(context.Background(), e.branch.ID, tt.payload)
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, apperr.CodeValidation), "got %v", err)
		})
	}

	var count int64
	require.NoError(t, e.db.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSubmit_UnresolvedItemIsKeptWithoutStockEffect(t *testing.T) {
	e := newEnv(t, 0)
	p := e.product(t, "SKU1", 10)

	res, err := e.pipe.Submit(context.Background(), e.branch.ID, sale("A",
		item("SKU1", 1),
		item("LOCAL-ONLY", 2),
		ingest.ItemPayload{Name: "gift wrap", Quantity: 1},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Movements)
	assert.Equal(t, 9.0, e.stock(t, p.ID))

	var items []models.TransactionItem
	require.NoError(t, e.db.Where("transaction_id = ?", res.TransactionID).Order("id").Find(&items).Error)
	require.Len(t, items, 3)
	assert.NotNil(t, items[0].ProductID)
	assert.Nil(t, items[1].ProductID)
	assert.Equal(t, "LOCAL-ONLY", items[1].ProductToken)
	assert.Nil(t, items[2].ProductID)
}

func TestSubmit_IdempotencyKeyFallsBackToReceipt(t *testing.T) {
	e := newEnv(t, 0)
	e.product(t, "SKU1", 10)

	res, err := e.pipe.Submit(context.Background(), e.branch.ID, ingest.Payload{
		ReceiptNumber: "R-9",
		Items:         []ingest.ItemPayload{item("SKU1", 1)},
	})
	require.NoError(t, err)

	var txn models.Transaction
	require.NoError(t, e.db.First(&txn, "id = ?", res.TransactionID).Error)
	assert.Equal(t, "rn:R-9", txn.IdempotencyKey)
}

func TestSubmit_ResolvesOrCreatesCustomer(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	e.product(t, "SKU1", 10)

	withPhone := sale("A", item("SKU1", 1))
	withPhone.CustomerPhone = "+90 555 000 11 22"
	withPhone.CustomerName = "Ayse"
	first, err := e.pipe.Submit(ctx, e.branch.ID, withPhone)
	require.NoError(t, err)

	again := sale("B", item("SKU1", 1))
	again.CustomerPhone = "+90 555 000 11 22"
	second, err := e.pipe.Submit(ctx, e.branch.ID, again)
	require.NoError(t, err)

	var a, b models.Transaction
	require.NoError(t, e.db.First(&a, "id = ?", first.TransactionID).Error)
	require.NoError(t, e.db.First(&b, "id = ?", second.TransactionID).Error)
	require.NotNil(t, a.CustomerID)
	assert.Equal(t, *a.CustomerID, *b.CustomerID)

	var customers int64
	require.NoError(t, e.db.Model(&models.Customer{}).Count(&customers).Error)
	assert.Equal(t, int64(1), customers)
}

func TestSubmitBulk_PartialSuccessAcrossBatches(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	p := e.product(t, "SKU1", 5)

	res, err := e.pipe.SubmitBulk(ctx, e.branch.ID, []ingest.Payload{
		sale("T1", item("SKU1", 1)),
		sale("T2", item("SKU1", 100)),
		{Items: []ingest.ItemPayload{item("SKU1", 1)}},
		sale("T4", item("SKU1", 2)),
		sale("T1", item("SKU1", 1)),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Results, 5)
	assert.Nil(t, res.Results[0].Error)
	assert.True(t, res.Results[0].Created)
	assert.Equal(t, apperr.CodeInsufficientStock, res.Results[1].Error.Code)
	assert.Equal(t, apperr.CodeValidation, res.Results[2].Error.Code)
	assert.Nil(t, res.Results[3].Error)
	assert.Equal(t, res.Results[0].TransactionID, res.Results[4].TransactionID)
	assert.False(t, res.Results[4].Created)

	assert.Equal(t, 2.0, e.stock(t, p.ID))

	log, err := e.logs.Get(ctx, res.SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPartial, log.Status)
	assert.Equal(t, 5, log.ExpectedRecords)
	assert.Equal(t, 3, log.RecordsProcessed)
	assert.Equal(t, 2, log.RecordsFailed)

	var failed models.Transaction
	require.NoError(t, e.db.Where("idempotency_key = ?", "tn:T2").First(&failed).Error)
	assert.Equal(t, models.TxFailed, failed.Status)
}

func TestSubmitBulk_Empty(t *testing.T) {
	e := newEnv(t, 0)
	_, err := e.pipe.SubmitBulk(context.Background(), e.branch.ID, nil)
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
}
