package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"retail-hub/internal/models"

	"gorm.io/gorm"
)

// findBranch looks a branch up by its code, case-insensitively.
func findBranch(ctx context.Context, db *gorm.DB, code string) (*models.Branch, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var b models.Branch
	err := db.WithContext(ctx).Where("code = ?", code).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("branch %q not found", code))
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "branch lookup failed", err)
	}
	return &b, nil
}
