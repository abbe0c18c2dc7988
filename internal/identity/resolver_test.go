package identity_test

import (
	"context"
	"testing"

	"retail-hub/internal/apperr"
	"retail-hub/internal/identity"
	"retail-hub/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestResolve(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	cola := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "SKU1", Barcode: "4800001", ExternalID: "EXT-1"})
	water := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "SKU2", Barcode: "4800002"})
	// a barcode that collides with another product's SKU: SKU wins
	shadow := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "SKU3", Barcode: "SKU2"})

	r := identity.NewResolver(db)

	tests := []struct {
		name  string
		token string
		want  string
		code  string
	}{
		{name: "canonical id", token: cola.ID, want: cola.ID},
		{name: "external id", token: "EXT-1", want: cola.ID},
		{name: "sku", token: "SKU1", want: cola.ID},
		{name: "barcode", token: "4800002", want: water.ID},
		{name: "sku beats barcode", token: "SKU2", want: water.ID},
		{name: "sku of shadow", token: "SKU3", want: shadow.ID},
		{name: "trimmed", token: "  SKU1 ", want: cola.ID},
		{name: "unknown", token: "nope", code: apperr.CodeAmbiguousNotFound},
		{name: "unknown uuid", token: "6f1c2d7e-0000-4000-8000-000000000000", code: apperr.CodeAmbiguousNotFound},
		{name: "empty", token: "   ", code: apperr.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.token)
			if tt.code != "" {
				require.Error(t, err)
				assert.True(t, apperr.HasCode(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveBatch(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	a := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "A-1", Barcode: "1111"})
	b := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "B-1", ExternalID: "ERP-B"})
	c := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "C-1", Barcode: "B-1"})

	got, err := identity.NewResolver(db).ResolveBatch(ctx, []string{
		a.ID, "1111", "ERP-B", "B-1", "C-1", "missing", "", "A-1",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		a.ID:    a.ID,
		"1111":  a.ID,
		"A-1":   a.ID,
		"ERP-B": b.ID,
		"B-1":   b.ID,
		"C-1":   c.ID,
	}, got)
}

func TestResolveBatch_Empty(t *testing.T) {
	db := testutil.NewDB(t)

	got, err := identity.NewResolver(db).ResolveBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve_WithTx(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	r := identity.NewResolver(db)

	err := db.Transaction(func(tx *gorm.DB) error {
		p := testutil.CreateProduct(t, tx, testutil.ProductOpts{SKU: "TX-1"})
		id, err := r.WithTx(tx).Resolve(ctx, "TX-1")
		require.NoError(t, err)
		assert.Equal(t, p.ID, id)
		return nil
	})
	require.NoError(t, err)
}
