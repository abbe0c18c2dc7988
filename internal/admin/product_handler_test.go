package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"retail-hub/internal/auth"
	"retail-hub/internal/httpx"
	"retail-hub/internal/models"
	"retail-hub/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// The test store has a single connection, so any query on the pool handle
// inside the upsert transaction would block forever.
func TestUpsertProduct_AuditsSignedInUser(t *testing.T) {
	db := testutil.NewDB(t)
	user := models.User{Name: "Ops", Email: "ops@example.com", PasswordHash: "x", Role: models.RoleSuperAdmin}
	require.NoError(t, db.Create(&user).Error)

	app := fiber.New(fiber.Config{ErrorHandler: httpx.ErrorHandler(zap.NewNop())})
	app.Put("/products", func(c *fiber.Ctx) error {
		c.Locals(auth.CtxUserIDKey, user.ID)
		return c.Next()
	}, UpsertProductHandler(db))

	send := func(body string) (int, map[string]any) {
		req := httptest.NewRequest(http.MethodPut, "/products", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, 5000)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]any{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	status, body := send(`{"sku":"SKU1","name":"Milk 1L","price":"2.50"}`)
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)

	status, body = send(`{"sku":"SKU1","name":"Milk 1L UHT","price":"2.70"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "Milk 1L UHT", body["name"])

	var logs []models.AuditLog
	require.NoError(t, db.Where("entity_type = ? AND entity_id = ?", "product", id).Order("id").Find(&logs).Error)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, user.ID, l.UserID)
		assert.Equal(t, "Ops", l.UserName)
	}
	assert.Equal(t, models.AuditActionCreate, logs[0].Action)
	assert.Equal(t, models.AuditActionUpdate, logs[1].Action)
}
