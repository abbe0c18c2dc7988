package admin

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"retail-hub/internal/apperr"
	"retail-hub/internal/httpx"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const maxImportRows = 5000

// importColumns maps accepted header spellings to request fields.
var importColumns = map[string]string{
	"id":          "id",
	"sku":         "sku",
	"stock code":  "sku",
	"barcode":     "barcode",
	"ean":         "barcode",
	"external_id": "external_id",
	"external id": "external_id",
	"name":        "name",
	"product":     "name",
	"unit":        "unit",
	"price":       "price",
	"cost_price":  "cost_price",
	"cost price":  "cost_price",
	"tax_rate":    "tax_rate",
	"tax rate":    "tax_rate",
	"active":      "is_active",
	"is_active":   "is_active",
}

type ImportRowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type ImportResult struct {
	Created int              `json:"created"`
	Updated int              `json:"updated"`
	Skipped int              `json:"skipped"`
	Errors  []ImportRowError `json:"errors"`
}

// POST /api/v1/admin/products/import
// Upserts the catalog from the first sheet of an .xlsx upload. The first row
// is a header; each data row is saved on its own so one bad row does not
// reject the file.
func ImportProductsHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return apperr.Validation("file is required").Wrap(err)
		}
		if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".xlsx") {
			return apperr.Validation("only .xlsx files are accepted")
		}
		file, err := fileHeader.Open()
		if err != nil {
			return apperr.Internal("could not open upload").Wrap(err)
		}
		defer file.Close()

		rows, err := readSheet(file)
		if err != nil {
			return err
		}
		res, err := importRows(c.UserContext(), db, rows, actor(c, db))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

func readSheet(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperr.Validation("could not read spreadsheet").Wrap(err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, apperr.Validation("spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, apperr.Validation("could not read sheet").Wrap(err).WithDetail("sheet", sheets[0])
	}
	if len(rows) < 2 {
		return nil, apperr.Validation("spreadsheet needs a header row and at least one product")
	}
	if len(rows)-1 > maxImportRows {
		return nil, apperr.Validation(fmt.Sprintf("at most %d products per import", maxImportRows))
	}
	return rows, nil
}

func importRows(ctx context.Context, db *gorm.DB, rows [][]string, who actorInfo) (*ImportResult, error) {
	columns := make(map[int]string)
	hasName := false
	for i, h := range rows[0] {
		field, ok := importColumns[strings.ToLower(strings.TrimSpace(h))]
		if !ok {
			continue
		}
		columns[i] = field
		hasName = hasName || field == "name"
	}
	if !hasName {
		return nil, apperr.Validation("header row must contain a name column")
	}

	res := &ImportResult{Errors: []ImportRowError{}}
	for n, row := range rows[1:] {
		line := n + 2 // spreadsheet rows are 1-based and the header is row 1
		if blankRow(row) {
			res.Skipped++
			continue
		}

		body, err := rowRequest(row, columns)
		if err == nil {
			err = httpx.Validate(&body)
		}
		if err == nil {
			err = body.check()
		}
		if err != nil {
			res.Errors = append(res.Errors, ImportRowError{Row: line, Message: apperr.From(err).Message})
			continue
		}

		var created bool
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, c, err := upsertProduct(ctx, tx, body, who)
			created = c
			return err
		})
		switch {
		case err != nil:
			res.Errors = append(res.Errors, ImportRowError{Row: line, Message: apperr.From(err).Message})
		case created:
			res.Created++
		default:
			res.Updated++
		}
	}
	return res, nil
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func rowRequest(row []string, columns map[int]string) (UpsertProductRequest, error) {
	var body UpsertProductRequest
	for i, field := range columns {
		if i >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[i])
		if v == "" {
			continue
		}
		switch field {
		case "id":
			body.ID = v
		case "sku":
			body.SKU = &v
		case "barcode":
			body.Barcode = &v
		case "external_id":
			body.ExternalID = &v
		case "name":
			body.Name = v
		case "unit":
			body.Unit = v
		case "price", "cost_price", "tax_rate":
			if !strings.Contains(v, ".") {
				v = strings.Replace(v, ",", ".", 1)
			}
			d, err := decimal.NewFromString(v)
			if err != nil {
				return body, apperr.Validation(field + " is not a number: " + v)
			}
			switch field {
			case "price":
				body.Price = d
			case "cost_price":
				body.CostPrice = d
			default:
				body.TaxRate = &d
			}
		case "is_active":
			active, err := strconv.ParseBool(v)
			if err != nil {
				return body, apperr.Validation("active must be true or false: " + v)
			}
			body.IsActive = &active
		}
	}
	return body, nil
}
