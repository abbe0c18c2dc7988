package testutil

import (
	"path/filepath"
	"testing"

	"retail-hub/internal/database"
	"retail-hub/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDB opens a migrated SQLite database in a temp dir. A single connection
// is used so concurrent transactions serialize the way row locks would.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hub.db")
	db, err := database.OpenDialector(
		sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"),
		database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1},
		nil,
	)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, zap.NewNop()))

	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func CreateBranch(t *testing.T, db *gorm.DB, code string) *models.Branch {
	t.Helper()
	b := &models.Branch{
		Code:          code,
		Name:          "Branch " + code,
		IsActive:      true,
		NetworkStatus: models.NetworkUnknown,
	}
	require.NoError(t, db.Create(b).Error)
	return b
}

type ProductOpts struct {
	SKU        string
	Barcode    string
	ExternalID string
	Name       string
	Price      string
}

func CreateProduct(t *testing.T, db *gorm.DB, opts ProductOpts) *models.Product {
	t.Helper()
	p := &models.Product{
		ID:       uuid.NewString(),
		Name:     opts.Name,
		Unit:     "pcs",
		IsActive: true,
	}
	if p.Name == "" {
		p.Name = "Product " + opts.SKU
	}
	if opts.SKU != "" {
		p.SKU = &opts.SKU
	}
	if opts.Barcode != "" {
		p.Barcode = &opts.Barcode
	}
	if opts.ExternalID != "" {
		p.ExternalID = &opts.ExternalID
	}
	if opts.Price != "" {
		p.Price = decimal.RequireFromString(opts.Price)
	}
	require.NoError(t, db.Create(p).Error)
	return p
}
