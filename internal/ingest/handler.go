package ingest

import (
	"retail-hub/internal/apperr"
	"retail-hub/internal/auth"
	"retail-hub/internal/httpx"

	"github.com/gofiber/fiber/v2"
)

type BulkRequest struct {
	Transactions []Payload `json:"transactions" validate:"required,min=1,max=5000"`
}

// POST /api/v1/transactions
func SubmitHandler(p *Pipeline) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		var body Payload
		if err := c.BodyParser(&body); err != nil {
			return apperr.Validation("invalid request body").Wrap(err)
		}

		res, err := p.Submit(c.UserContext(), branch.ID, body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	}
}

// POST /api/v1/transactions/bulk
// Per-item failures are reported in the body; the request itself succeeds.
func SubmitBulkHandler(p *Pipeline) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branch, err := auth.CurrentBranch(c)
		if err != nil {
			return err
		}

		var body BulkRequest
		if err := c.BodyParser(&body); err != nil {
			return apperr.Validation("invalid request body").Wrap(err)
		}
		// item shape is checked per submission so one bad entry cannot
		// reject the whole request
		if err := httpx.Validate(&body); err != nil {
			return err
		}

		res, err := p.SubmitBulk(c.UserContext(), branch.ID, body.Transactions)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	}
}
