package synclog

import (
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/auth"
	"retail-hub/internal/httpx"
	"retail-hub/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GET /api/v1/sync/logs/:id
// Branches only see their own logs.
func BranchGetHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		entry, err := s.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		if entry.BranchID != branch.ID {
			return apperr.NotFound("sync log")
		}
		return c.JSON(entry)
	}
}

// GET /api/v1/admin/sync/logs?branch_id=&sync_type=&direction=&status=&since=
func AdminListHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		page, size := httpx.Page(c)
		f := Filter{
			BranchID:  uint(c.QueryInt("branch_id", 0)),
			Type:      models.SyncType(c.Query("sync_type")),
			Direction: models.SyncDirection(c.Query("direction")),
			Status:    models.SyncStatus(c.Query("status")),
			Page:      page,
			PageSize:  size,
		}
		if v := c.Query("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return apperr.Validation("since must be RFC3339")
			}
			f.Since = &t
		}

		rows, total, err := s.List(c.UserContext(), f)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"data":      rows,
			"total":     total,
			"page":      page,
			"page_size": size,
		})
	}
}

// GET /api/v1/admin/sync/logs/:id
func AdminGetHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entry, err := s.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(entry)
	}
}
