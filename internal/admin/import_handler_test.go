package admin

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"retail-hub/internal/httpx"
	"retail-hub/internal/models"
	"retail-hub/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func workbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func upload(t *testing.T, db *gorm.DB, filename string, content []byte) (int, map[string]any) {
	t.Helper()
	app := fiber.New(fiber.Config{ErrorHandler: httpx.ErrorHandler(zap.NewNop())})
	app.Post("/products/import", ImportProductsHandler(db))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/products/import", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestImportProducts(t *testing.T) {
	db := testutil.NewDB(t)
	existing := testutil.CreateProduct(t, db, testutil.ProductOpts{SKU: "SKU1", Name: "Old name"})

	content := workbook(t, [][]any{
		{"SKU", "Barcode", "Name", "Unit", "Price", "Tax Rate", "Notes"},
		{"SKU1", "", "Milk 1L", "l", "2,50", "8", "ignored"},
		{"SKU2", "869000000002", "Bread", "", "1.20", "", ""},
		{" "},
		{"SKU3", "", "", "", "3", "", ""},
		{"SKU4", "", "Eggs", "", "abc", "", ""},
		{"SKU5", "", "Butter", "", "-1", "", ""},
	})

	status, body := upload(t, db, "catalog.xlsx", content)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["created"])
	assert.EqualValues(t, 1, body["updated"])
	assert.EqualValues(t, 1, body["skipped"])

	errs := body["errors"].([]any)
	require.Len(t, errs, 3)
	rows := []float64{}
	for _, e := range errs {
		rows = append(rows, e.(map[string]any)["row"].(float64))
	}
	assert.Equal(t, []float64{5, 6, 7}, rows)

	var milk models.Product
	require.NoError(t, db.First(&milk, "id = ?", existing.ID).Error)
	assert.Equal(t, "Milk 1L", milk.Name)
	assert.Equal(t, "l", milk.Unit)
	assert.Equal(t, "2.5", milk.Price.String())
	assert.Equal(t, "8", milk.TaxRate.String())

	var bread models.Product
	require.NoError(t, db.First(&bread, "sku = ?", "SKU2").Error)
	require.NotNil(t, bread.Barcode)
	assert.Equal(t, "869000000002", *bread.Barcode)
	assert.Equal(t, "pcs", bread.Unit)
	assert.True(t, bread.IsActive)

	var audits int64
	require.NoError(t, db.Model(&models.AuditLog{}).Where("entity_type = ?", "product").Count(&audits).Error)
	assert.EqualValues(t, 2, audits)
}

func TestImportProducts_Rejects(t *testing.T) {
	db := testutil.NewDB(t)

	tests := []struct {
		name     string
		filename string
		content  []byte
	}{
		{"not xlsx", "catalog.csv", []byte("sku,name\nA,B\n")},
		{"corrupt", "catalog.xlsx", []byte("not a zip")},
		{"header only", "catalog.xlsx", workbook(t, [][]any{{"SKU", "Name"}})},
		{"no name column", "catalog.xlsx", workbook(t, [][]any{{"SKU", "Price"}, {"A", "1"}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := upload(t, db, tt.filename, tt.content)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "VALIDATION_ERROR", body["code"])
		})
	}
}
