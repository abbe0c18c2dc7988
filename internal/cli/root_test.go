package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"retail-hub/internal/app"
	"retail-hub/internal/config"
	"retail-hub/internal/ledger"
	"retail-hub/internal/models"
	"retail-hub/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand(nil)

	assert.Equal(t, "hubctl", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
	require.NotNil(t, cmd.PersistentFlags().Lookup("verbose"))

	for _, name := range []string{"migrate", "push", "retry-failed", "verify-ledger"} {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "expected %s command", name)
	}
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand(nil)

	tests := []struct {
		command string
		flags   []string
	}{
		{"push", []string{"type", "branch", "since", "full"}},
		{"retry-failed", []string{"branch", "limit"}},
		{"verify-ledger", []string{"branch"}},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{tt.command})
			require.NoError(t, err)
			for _, f := range tt.flags {
				assert.NotNil(t, sub.Flags().Lookup(f), "expected --%s", f)
			}
		})
	}
}

func newTestApp(t *testing.T) (*gorm.DB, OpenFunc) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := &config.Config{IngestBatchSize: 50, PushConcurrency: 2, RetryLimit: 50}
	return db, func(ctx context.Context) (*app.App, error) {
		return app.New(cfg, db, zap.NewNop()), nil
	}
}

func run(t *testing.T, open OpenFunc, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func failingOpen(t *testing.T) OpenFunc {
	return func(ctx context.Context) (*app.App, error) {
		t.Fatal("hub must not be opened")
		return nil, nil
	}
}

func TestArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad format", []string{"--format", "yaml", "verify-ledger"}},
		{"bad push type", []string{"push", "--type", "inventory"}},
		{"bad since", []string{"push", "--type", "products", "--since", "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, failingOpen(t), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestPush_NoBranches(t *testing.T) {
	_, open := newTestApp(t)

	out, err := run(t, open, "push", "--type", "products")
	require.NoError(t, err)
	assert.Contains(t, out, "no branch to push to")
}

func TestPush_UnknownBranch(t *testing.T) {
	_, open := newTestApp(t)

	_, err := run(t, open, "push", "--type", "pricing", "--branch", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `"NOPE" not found`)
}

func TestPush_FailedBranchExitsNonZero(t *testing.T) {
	db, open := newTestApp(t)
	b := testutil.CreateBranch(t, db, "B1")
	require.NoError(t, db.Model(b).Update("api_endpoint", "http://127.0.0.1:1").Error)

	out, err := run(t, open, "--format", "json", "push", "--type", "products", "--branch", "b1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string `json:"status"`
		Data   []struct {
			BranchCode string `json:"branch_code"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "B1", resp.Data[0].BranchCode)
	assert.Equal(t, "failed", resp.Data[0].Status)
}

func TestVerifyLedger(t *testing.T) {
	t.Run("consistent", func(t *testing.T) {
		db, open := newTestApp(t)
		b := testutil.CreateBranch(t, db, "B1")
		p := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "SKU1"})
		a, _ := open(context.Background())
		_, err := a.Ledger.RecordMovement(context.Background(), ledger.MovementInput{
			BranchID: b.ID, ProductToken: p.ID, Kind: models.MovementPurchase, Magnitude: 4,
		})
		require.NoError(t, err)

		out, err := run(t, open, "verify-ledger", "--branch", "B1")
		require.NoError(t, err)
		assert.Contains(t, out, "ledger is consistent")
	})

	t.Run("drifted aggregate", func(t *testing.T) {
		db, open := newTestApp(t)
		b := testutil.CreateBranch(t, db, "B1")
		p := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "SKU1"})
		a, _ := open(context.Background())
		_, err := a.Ledger.RecordMovement(context.Background(), ledger.MovementInput{
			BranchID: b.ID, ProductToken: p.ID, Kind: models.MovementPurchase, Magnitude: 4,
		})
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.BranchInventory{}).
			Where("branch_id = ? AND product_id = ?", b.ID, p.ID).
			Update("quantity_in_stock", 9).Error)

		out, err := run(t, open, "--format", "json", "verify-ledger")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var resp struct {
			Status string               `json:"status"`
			Data   []ledger.Discrepancy `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "error", resp.Status)
		require.Len(t, resp.Data, 1)
		assert.Equal(t, p.ID, resp.Data[0].ProductID)
		assert.InDelta(t, 9, resp.Data[0].Aggregate, 1e-9)
		assert.InDelta(t, 4, resp.Data[0].Ledger, 1e-9)
	})
}

func TestRetryFailed_NothingToRetry(t *testing.T) {
	db, open := newTestApp(t)
	testutil.CreateBranch(t, db, "B1")

	out, err := run(t, open, "retry-failed", "--branch", "B1")
	require.NoError(t, err)
	assert.Contains(t, out, "0 selected, 0 succeeded, 0 failed")
}

func TestRetryFailed_RequiresBranch(t *testing.T) {
	_, err := run(t, failingOpen(t), "retry-failed")
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	_, open := newTestApp(t)

	out, err := run(t, open, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema is up to date")
}
