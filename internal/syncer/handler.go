package syncer

import (
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/auth"
	"retail-hub/internal/httpx"
	"retail-hub/internal/models"

	"github.com/gofiber/fiber/v2"
)

// POST /api/v1/sync/request
func RequestHandler(o *Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		var body RequestInput
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}
		body.BranchID = branch.ID

		res, err := o.RequestSync(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// GET /api/v1/sync/status
func StatusHandler(o *Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}
		res, err := o.Status(c.UserContext(), branch.ID)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// POST /api/v1/sync/ping
func PingHandler(o *Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}
		updated, err := o.Ping(c.UserContext(), branch.ID)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"status":      "ok",
			"server_time": time.Now().UTC(),
			"branch":      updated.Code,
		})
	}
}

// POST /api/v1/sync/health
func HealthHandler(o *Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		var body HealthReport
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}
		updated, err := o.ReportHealth(c.UserContext(), branch.ID, body)
		if err != nil {
			return err
		}
		return c.JSON(updated)
	}
}

type PushRequest struct {
	BranchID *uint           `json:"branch_id"`
	Type     models.SyncType `json:"sync_type" validate:"required,oneof=products pricing"`
	Since    *time.Time      `json:"since"`
	Full     bool            `json:"full"`
}

// POST /api/v1/admin/sync/push
// Without branch_id every active branch with an endpoint is pushed to.
func AdminPushHandler(o *Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body PushRequest
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}

		if body.BranchID != nil {
			res, err := o.Push(c.UserContext(), PushInput{
				BranchID: *body.BranchID,
				Type:     body.Type,
				Since:    body.Since,
				Full:     body.Full,
			})
			if err != nil {
				return err
			}
			return c.JSON(res)
		}

		results, err := o.PushAll(c.UserContext(), body.Type, body.Since, body.Full)
		if err != nil {
			return err
		}
		status := fiber.StatusOK
		if Failed(results) {
			status = fiber.StatusMultiStatus
		}
		return c.Status(status).JSON(fiber.Map{"results": results})
	}
}

type RetryRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=500"`
}

// POST /api/v1/admin/branches/:id/retry-failed
func AdminRetryHandler(o *Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid branch id")
		}

		var body RetryRequest
		if len(c.Body()) > 0 {
			if err := httpx.Bind(c, &body); err != nil {
				return err
			}
		}

		res, err := o.RetryFailed(c.UserContext(), uint(id), body.Limit)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// GET /api/v1/admin/branches/:id/status
func AdminStatusHandler(o *Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid branch id")
		}
		res, err := o.Status(c.UserContext(), uint(id))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}
