package auth

import (
	"errors"
	"fmt"
	"strings"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const (
	CtxUserIDKey   = "user_id"
	CtxUserRoleKey = "user_role"
	CtxBranchKey   = "branch"
)

func bearerToken(c *fiber.Ctx) (string, error) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return "", apperr.Unauthorized("missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", apperr.Unauthorized("Authorization must be 'Bearer <token>'")
	}
	return parts[1], nil
}

// JWTMiddleware authenticates hub administrators.
func JWTMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr, err := bearerToken(c)
		if err != nil {
			return err
		}

		token, err := jwt.ParseWithClaims(tokenStr, &JWTCustomClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return apperr.Unauthorized("invalid or expired token")
		}

		claims, ok := token.Claims.(*JWTCustomClaims)
		if !ok {
			return apperr.Unauthorized("invalid token claims")
		}

		c.Locals(CtxUserIDKey, claims.UserID)
		c.Locals(CtxUserRoleKey, claims.Role)

		return c.Next()
	}
}

func RequireRole(allowedRoles ...models.UserRole) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, ok := c.Locals(CtxUserRoleKey).(models.UserRole)
		if !ok {
			return apperr.Forbidden("role missing")
		}

		for _, r := range allowedRoles {
			if r == role {
				return c.Next()
			}
		}
		return apperr.Forbidden("")
	}
}

// BranchAPIKey authenticates a branch node by its <code>.<secret> key and
// stores the branch in locals. Deactivated branches are refused.
func BranchAPIKey(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := bearerToken(c)
		if err != nil {
			return err
		}

		code, secret, ok := splitAPIKey(key)
		if !ok {
			return apperr.Unauthorized("malformed api key")
		}

		var branch models.Branch
		err = db.WithContext(c.UserContext()).Where("code = ?", code).First(&branch).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Unauthorized("invalid api key")
		}
		if err != nil {
			return apperr.Internal("").Wrap(err)
		}

		if !checkAPIKey(branch.APIKeyHash, secret) {
			return apperr.Unauthorized("invalid api key")
		}
		if !branch.IsActive {
			return apperr.Forbidden("branch is deactivated")
		}

		c.Locals(CtxBranchKey, &branch)
		return c.Next()
	}
}

// CurrentBranch returns the branch authenticated by BranchAPIKey.
func CurrentBranch(c *fiber.Ctx) (*models.Branch, error) {
	b, ok := c.Locals(CtxBranchKey).(*models.Branch)
	if !ok || b == nil {
		return nil, apperr.Unauthorized("branch not authenticated")
	}
	return b, nil
}

// CurrentUserID returns the administrator authenticated by JWTMiddleware.
func CurrentUserID(c *fiber.Ctx) (uint, error) {
	id, ok := c.Locals(CtxUserIDKey).(uint)
	if !ok {
		return 0, apperr.Unauthorized("user not authenticated")
	}
	return id, nil
}
