package audit

import (
	"retail-hub/internal/apperr"
	"retail-hub/internal/httpx"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// GET /api/v1/admin/audit-logs?entity_type=branch&entity_id=1&branch_id=1&user_id=
func ListAuditLogsHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		page, size := httpx.Page(c)
		f := Filter{
			UserID:     uint(c.QueryInt("user_id", 0)),
			EntityType: c.Query("entity_type"),
			EntityID:   c.Query("entity_id"),
			Page:       page,
			PageSize:   size,
		}
		if bid := c.QueryInt("branch_id", 0); bid > 0 {
			id := uint(bid)
			f.BranchID = &id
		}

		logs, total, err := List(c.UserContext(), db, f)
		if err != nil {
			return apperr.Internal("could not list audit logs").Wrap(err)
		}
		return c.JSON(fiber.Map{
			"data":      logs,
			"total":     total,
			"page":      page,
			"page_size": size,
		})
	}
}
