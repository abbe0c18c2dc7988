package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/events"
	"retail-hub/internal/identity"
	"retail-hub/internal/ingest"
	"retail-hub/internal/ledger"
	"retail-hub/internal/models"
	"retail-hub/internal/synclog"
	"retail-hub/internal/syncer"
	"retail-hub/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	orch   *syncer.Orchestrator
	ledger *ledger.Ledger
	logs   *synclog.Service
	pipe   *ingest.Pipeline
}

func newFixture(t *testing.T, opts syncer.Options) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	rec := &events.Recorder{}
	log := zap.NewNop()
	resolver := identity.NewResolver(db)
	l := ledger.New(db, resolver, rec, nil, log, ledger.Options{})
	logs := synclog.New(db, rec, nil, log)
	pipe := ingest.New(db, resolver, l, logs, rec, nil, log, ingest.Options{})
	client := syncer.NewBranchClient(syncer.ClientOptions{Timeout: 2 * time.Second}, nil, log)
	return &fixture{
		db:     db,
		orch:   syncer.New(db, logs, pipe, l, client, nil, log, opts),
		ledger: l,
		logs:   logs,
		pipe:   pipe,
	}
}

func (f *fixture) branch(t *testing.T, code, endpoint string) *models.Branch {
	t.Helper()
	b := testutil.CreateBranch(t, f.db, code)
	if endpoint != "" {
		require.NoError(t, f.db.Model(b).Updates(map[string]any{
			"api_endpoint": endpoint,
			"push_token":   "token-" + code,
		}).Error)
		b.APIEndpoint = endpoint
		b.PushToken = "token-" + code
	}
	return b
}

// branchServer records every envelope a fake branch receives.
type branchServer struct {
	*httptest.Server
	mu        sync.Mutex
	envelopes []syncer.Envelope
	auth      []string
	status    int
}

func newBranchServer(t *testing.T, status int) *branchServer {
	t.Helper()
	s := &branchServer{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/receive" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var env syncer.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)

		s.mu.Lock()
		s.envelopes = append(s.envelopes, env)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *branchServer) received() []syncer.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syncer.Envelope(nil), s.envelopes...)
}

func TestPush_DeliversChangesSinceLastPush(t *testing.T) {
	f := newFixture(t, syncer.Options{})
	srv := newBranchServer(t, http.StatusOK)
	branch := f.branch(t, "B1", srv.URL)
	ctx := context.Background()

	p1 := testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU1", Price: "1.00"})
	testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU2", Price: "2.00"})
	time.Sleep(5 * time.Millisecond)

	res, err := f.orch.Push(ctx, syncer.PushInput{BranchID: branch.ID, Type: models.SyncProducts})
	require.NoError(t, err)
	assert.Equal(t, string(models.SyncCompleted), res.Status)
	assert.Equal(t, 2, res.Records)

	got := srv.received()
	require.Len(t, got, 1)
	assert.Equal(t, res.SyncID, got[0].SyncID)
	assert.Len(t, got[0].Products, 2)
	assert.Nil(t, got[0].Since)
	assert.Equal(t, "Bearer token-B1", srv.auth[0])

	entry, err := f.logs.Get(ctx, res.SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, entry.Status)
	assert.Equal(t, 2, entry.ExpectedRecords)
	assert.Equal(t, 2, entry.RecordsProcessed)

	var reloaded models.Branch
	require.NoError(t, f.db.First(&reloaded, branch.ID).Error)
	assert.NotNil(t, reloaded.LastSyncAt)

	// only the deactivated product changed since the last completed push
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.db.Model(p1).Update("is_active", false).Error)

	res, err = f.orch.Push(ctx, syncer.PushInput{BranchID: branch.ID, Type: models.SyncPricing})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records, "pricing has its own watermark")

	res, err = f.orch.Push(ctx, syncer.PushInput{BranchID: branch.ID, Type: models.SyncProducts})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
	got = srv.received()
	require.Len(t, got, 3)
	require.Len(t, got[2].Products, 1)
	assert.Equal(t, p1.ID, got[2].Products[0].ID)
	assert.False(t, got[2].Products[0].IsActive)
	assert.NotNil(t, got[2].Since)

	res, err = f.orch.Push(ctx, syncer.PushInput{BranchID: branch.ID, Type: models.SyncProducts, Full: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
}

func TestPush_PricingSendsSlimRecords(t *testing.T) {
	f := newFixture(t, syncer.Options{})
	srv := newBranchServer(t, http.StatusOK)
	branch := f.branch(t, "B1", srv.URL)
	testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU1", Price: "4.20"})

	_, err := f.orch.Push(context.Background(), syncer.PushInput{BranchID: branch.ID, Type: models.SyncPricing})
	require.NoError(t, err)

	got := srv.received()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Products)
	require.Len(t, got[0].Prices, 1)
	assert.True(t, decimal.RequireFromString("4.20").Equal(got[0].Prices[0].Price))
}

func TestPush_FailureClosesLogAsFailed(t *testing.T) {
	tests := []struct {
		name     string
		endpoint func(t *testing.T) string
	}{
		{
			name:     "unreachable",
			endpoint: func(t *testing.T) string { return "http://127.0.0.1:1" },
		},
		{
			name:     "server error",
			endpoint: func(t *testing.T) string { return newBranchServer(t, http.StatusInternalServerError).URL },
		},
		{
			// the fixture client gives up after 2s
			name: "slow branch",
			endpoint: func(t *testing.T) string {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					select {
					case <-time.After(4 * time.Second):
					case <-r.Context().Done():
					}
					w.WriteHeader(http.StatusOK)
				}))
				t.Cleanup(srv.Close)
				return srv.URL
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, syncer.Options{})
			branch := f.branch(t, "B1", tt.endpoint(t))
			testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU1"})
			ctx := context.Background()

			res, err := f.orch.Push(ctx, syncer.PushInput{BranchID: branch.ID, Type: models.SyncProducts})
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, apperr.CodeSyncFailed))
			require.NotNil(t, res)
			assert.Equal(t, string(models.SyncFailed), res.Status)

			entry, err := f.logs.Get(ctx, res.SyncID)
			require.NoError(t, err)
			assert.Equal(t, models.SyncFailed, entry.Status)
			assert.Equal(t, 1, entry.RecordsFailed)
			assert.NotEmpty(t, entry.ErrorMessage)

			var open int64
			require.NoError(t, f.db.Model(&models.SyncLog{}).
				Where("status IN ?", []models.SyncStatus{models.SyncStarted, models.SyncInProgress}).
				Count(&open).Error)
			assert.Zero(t, open)

			var reloaded models.Branch
			require.NoError(t, f.db.First(&reloaded, branch.ID).Error)
			assert.Nil(t, reloaded.LastSyncAt)
		})
	}
}

func TestPush_Validation(t *testing.T) {
	f := newFixture(t, syncer.Options{})
	ctx := context.Background()
	noEndpoint := f.branch(t, "B1", "")
	inactive := f.branch(t, "B2", "http://127.0.0.1:1")
	require.NoError(t, f.db.Model(inactive).Update("is_active", false).Error)

	_, err := f.orch.Push(ctx, syncer.PushInput{BranchID: noEndpoint.ID, Type: models.SyncInventory})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	_, err = f.orch.Push(ctx, syncer.PushInput{BranchID: noEndpoint.ID, Type: models.SyncProducts})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	_, err = f.orch.Push(ctx, syncer.PushInput{BranchID: inactive.ID, Type: models.SyncProducts})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	_, err = f.orch.Push(ctx, syncer.PushInput{BranchID: 999, Type: models.SyncProducts})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestPushAll_BranchesAreIndependent(t *testing.T) {
	f := newFixture(t, syncer.Options{PushConcurrency: 2})
	ok := newBranchServer(t, http.StatusOK)
	broken := newBranchServer(t, http.StatusBadGateway)

	f.branch(t, "B1", ok.URL)
	f.branch(t, "B2", broken.URL)
	f.branch(t, "B3", "")
	off := f.branch(t, "B4", ok.URL)
	require.NoError(t, f.db.Model(off).Update("is_active", false).Error)
	testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU1"})

	results, err := f.orch.PushAll(context.Background(), models.SyncProducts, nil, false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "B1", results[0].BranchCode)
	assert.Equal(t, string(models.SyncCompleted), results[0].Status)
	assert.Empty(t, results[0].Error)

	assert.Equal(t, "B2", results[1].BranchCode)
	assert.Equal(t, string(models.SyncFailed), results[1].Status)
	assert.NotEmpty(t, results[1].Error)

	assert.True(t, syncer.Failed(results))
	assert.Len(t, ok.received(), 1)
}

func TestBranchClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := syncer.NewBranchClient(syncer.ClientOptions{
		Timeout:          time.Second,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}, nil, zap.NewNop())
	branch := models.Branch{Code: "B1", APIEndpoint: srv.URL}
	other := models.Branch{Code: "B2", APIEndpoint: srv.URL}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := client.Deliver(ctx, branch, map[string]int{"n": i})
		require.Error(t, err)
		assert.False(t, errors.Is(err, syncer.ErrCircuitOpen))
	}

	err := client.Deliver(ctx, branch, map[string]int{"n": 2})
	assert.ErrorIs(t, err, syncer.ErrCircuitOpen)

	err = client.Deliver(ctx, other, map[string]int{"n": 0})
	assert.False(t, errors.Is(err, syncer.ErrCircuitOpen), "breakers are per branch")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, hits)
}

func TestRequestSync_CooldownAndForce(t *testing.T) {
	f := newFixture(t, syncer.Options{Cooldown: time.Hour})
	branch := f.branch(t, "B1", "")
	testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU1"})
	ctx := context.Background()

	first, err := f.orch.RequestSync(ctx, syncer.RequestInput{BranchID: branch.ID, Type: models.SyncProducts})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Records)
	assert.Len(t, first.Products, 1)

	_, err = f.orch.RequestSync(ctx, syncer.RequestInput{BranchID: branch.ID, Type: models.SyncProducts})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeDuplicateSync))
	appErr, _ := apperr.As(err)
	assert.Equal(t, first.SyncID, appErr.Details["sync_id"])

	forced, err := f.orch.RequestSync(ctx, syncer.RequestInput{BranchID: branch.ID, Type: models.SyncProducts, Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.SyncID, forced.SyncID)

	entry, err := f.logs.Get(ctx, forced.SyncID)
	require.NoError(t, err)
	assert.True(t, entry.Forced)

	// other types keep their own cooldown
	_, err = f.orch.RequestSync(ctx, syncer.RequestInput{BranchID: branch.ID, Type: models.SyncPricing})
	require.NoError(t, err)
}

func TestRequestSync_ConcurrentRequestsServeOnce(t *testing.T) {
	f := newFixture(t, syncer.Options{Cooldown: time.Hour})
	branch := f.branch(t, "B1", "")
	testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU1"})

	const callers = 5
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		served     int
		duplicates int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.RequestSync(context.Background(), syncer.RequestInput{BranchID: branch.ID, Type: models.SyncProducts})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				served++
			case apperr.HasCode(err, apperr.CodeDuplicateSync):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, served)
	assert.Equal(t, callers-1, duplicates)

	var logs int64
	require.NoError(t, f.db.Model(&models.SyncLog{}).Where("branch_id = ?", branch.ID).Count(&logs).Error)
	assert.EqualValues(t, 1, logs)
}

func TestRequestSync_IngestionDoesNotThrottleTransactionPulls(t *testing.T) {
	f := newFixture(t, syncer.Options{Cooldown: time.Hour})
	branch := f.branch(t, "B1", "")
	product := testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU1"})
	ctx := context.Background()

	_, err := f.ledger.RecordMovement(ctx, ledger.MovementInput{
		BranchID: branch.ID, ProductToken: product.ID, Kind: models.MovementPurchase, Magnitude: 5,
	})
	require.NoError(t, err)
	_, err = f.pipe.Submit(ctx, branch.ID, ingest.Payload{
		TransactionNumber: "T-1",
		Items:             []ingest.ItemPayload{{ProductToken: "SKU1", Quantity: 2, UnitPrice: decimal.NewFromInt(3)}},
	})
	require.NoError(t, err)

	res, err := f.orch.RequestSync(ctx, syncer.RequestInput{BranchID: branch.ID, Type: models.SyncTransactions})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "tn:T-1", res.Transactions[0].IdempotencyKey)
	assert.Equal(t, models.TxCompleted, res.Transactions[0].Status)

	inv, err := f.orch.RequestSync(ctx, syncer.RequestInput{BranchID: branch.ID, Type: models.SyncInventory})
	require.NoError(t, err)
	require.Len(t, inv.Inventory, 1)
	assert.Equal(t, product.ID, inv.Inventory[0].ProductID)
	assert.InDelta(t, 3.0, inv.Inventory[0].QuantityInStock, 1e-9)
}

func TestRequestSync_UnknownType(t *testing.T) {
	f := newFixture(t, syncer.Options{})
	branch := f.branch(t, "B1", "")
	_, err := f.orch.RequestSync(context.Background(), syncer.RequestInput{BranchID: branch.ID, Type: "stock"})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
}

func TestRetryFailed_ReingestsStoredPayloads(t *testing.T) {
	f := newFixture(t, syncer.Options{})
	branch := f.branch(t, "B1", "")
	product := testutil.CreateProduct(t, f.db, testutil.ProductOpts{SKU: "SKU1"})
	ctx := context.Background()

	receive := func(qty float64) {
		_, err := f.ledger.RecordMovement(ctx, ledger.MovementInput{
			BranchID: branch.ID, ProductToken: product.ID, Kind: models.MovementPurchase, Magnitude: qty,
		})
		require.NoError(t, err)
	}
	receive(1)

	_, err := f.pipe.Submit(ctx, branch.ID, ingest.Payload{
		TransactionNumber: "T-1",
		Items:             []ingest.ItemPayload{{ProductToken: "SKU1", Quantity: 3, UnitPrice: decimal.NewFromInt(1)}},
	})
	require.True(t, apperr.HasCode(err, apperr.CodeInsufficientStock))

	broken := models.Transaction{
		ID:             uuid.NewString(),
		BranchID:       branch.ID,
		IdempotencyKey: "tn:T-2",
		Status:         models.TxFailed,
		Payload:        "{not json",
	}
	require.NoError(t, f.db.Create(&broken).Error)

	status, err := f.orch.Status(ctx, branch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.FailedTransactions)

	receive(5)
	res, err := f.orch.RetryFailed(ctx, branch.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Selected)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	var good models.Transaction
	require.NoError(t, f.db.First(&good, "branch_id = ? AND idempotency_key = ?", branch.ID, "tn:T-1").Error)
	assert.Equal(t, models.TxCompleted, good.Status)

	var bad models.Transaction
	require.NoError(t, f.db.First(&bad, "id = ?", broken.ID).Error)
	assert.Equal(t, models.TxFailed, bad.Status)
	assert.Contains(t, bad.FailureReason, apperr.CodeValidation)

	row, err := f.ledger.GetStock(ctx, branch.ID, product.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, row.QuantityInStock, 1e-9)

	entry, err := f.logs.Get(ctx, res.SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPartial, entry.Status)
	assert.Equal(t, models.FromBranch, entry.Direction)
	assert.Equal(t, 2, entry.ExpectedRecords)

	discrepancies, err := f.ledger.Verify(ctx, &branch.ID)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestRetryFailed_NothingToRetry(t *testing.T) {
	f := newFixture(t, syncer.Options{})
	branch := f.branch(t, "B1", "")

	res, err := f.orch.RetryFailed(context.Background(), branch.ID, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Selected)

	entry, err := f.logs.Get(context.Background(), res.SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, entry.Status)
}

func TestRetryFailed_LogOpenFailureKeepsRowsFailed(t *testing.T) {
	f := newFixture(t, syncer.Options{})
	branch := f.branch(t, "B1", "")
	ctx := context.Background()

	stored := models.Transaction{
		ID:             uuid.NewString(),
		BranchID:       branch.ID,
		IdempotencyKey: "tn:T-9",
		Status:         models.TxFailed,
		Payload:        `{"transaction_number":"T-9"}`,
	}
	require.NoError(t, f.db.Create(&stored).Error)
	require.NoError(t, f.db.Migrator().DropTable(&models.SyncLog{}))

	_, err := f.orch.RetryFailed(ctx, branch.ID, 0)
	require.Error(t, err)

	var reloaded models.Transaction
	require.NoError(t, f.db.First(&reloaded, "id = ?", stored.ID).Error)
	assert.Equal(t, models.TxFailed, reloaded.Status)
}

func TestPingAndHealth(t *testing.T) {
	f := newFixture(t, syncer.Options{})
	branch := f.branch(t, "B1", "")
	ctx := context.Background()

	b, err := f.orch.Ping(ctx, branch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NetworkOnline, b.NetworkStatus)
	require.NotNil(t, b.LastSeenAt)

	b, err = f.orch.ReportHealth(ctx, branch.ID, syncer.HealthReport{Status: models.NetworkDegraded, AppVersion: "2.4.1"})
	require.NoError(t, err)
	assert.Equal(t, models.NetworkDegraded, b.NetworkStatus)
	assert.Equal(t, "2.4.1", b.AppVersion)

	_, err = f.orch.ReportHealth(ctx, branch.ID, syncer.HealthReport{Status: "sleepy"})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	_, err = f.orch.Ping(ctx, 999)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}
