package httpx

import (
	"fmt"
	"reflect"
	"strings"

	"retail-hub/internal/apperr"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names instead of Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate runs struct tag validation and converts failures into a
// VALIDATION_ERROR with per-field details.
func Validate(obj any) error {
	if err := validate.Struct(obj); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fieldMessage(fe)
			}
			return apperr.Validation("validation failed").WithDetails(fields)
		}
		return apperr.Validation(err.Error())
	}
	return nil
}

// Bind parses the JSON body into dst and validates it.
func Bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return apperr.Validation("invalid request body").Wrap(err)
	}
	return Validate(dst)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without_all":
		return "one of the identifiers is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed on %s", fe.Tag())
	}
}

// ErrorHandler renders every error as {code, message, details}. Internal
// errors are logged and replaced with a generic message.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if fe, ok := err.(*fiber.Error); ok {
			code := apperr.CodeInternal
			switch fe.Code {
			case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
				code = apperr.CodeValidation
			case fiber.StatusUnauthorized:
				code = apperr.CodeUnauthorized
			case fiber.StatusForbidden:
				code = apperr.CodeForbidden
			case fiber.StatusNotFound:
				code = apperr.CodeNotFound
			case fiber.StatusConflict:
				code = apperr.CodeConflict
			}
			return c.Status(fe.Code).JSON(fiber.Map{"code": code, "message": fe.Message})
		}

		appErr := apperr.From(err)
		if appErr.HTTPStatus >= fiber.StatusInternalServerError {
			log.Error("request failed",
				zap.String("path", c.Path()),
				zap.String("code", appErr.Code),
				zap.Error(err),
			)
		}

		body := fiber.Map{"code": appErr.Code, "message": appErr.Message}
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
		return c.Status(appErr.HTTPStatus).JSON(body)
	}
}

// Page reads page/page_size query parameters with sane bounds.
func Page(c *fiber.Ctx) (page, pageSize int) {
	page = c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize = c.QueryInt("page_size", 50)
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	return page, pageSize
}
