// Package identity maps any product token (canonical id, external id, SKU or
// barcode) to the canonical product id.
package identity

import (
	"context"
	"strings"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// lookup order; first column that yields exactly one product wins.
var columns = []string{"external_id", "sku", "barcode"}

type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// WithTx returns a resolver that reads through an open transaction.
func (r *Resolver) WithTx(tx *gorm.DB) *Resolver {
	return &Resolver{db: tx}
}

// Resolve returns the canonical id for token, or AMBIGUOUS_OR_NOT_FOUND.
func (r *Resolver) Resolve(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.Validation("product token is empty")
	}

	db := r.db.WithContext(ctx)

	if isCanonical(token) {
		id, found, err := matchOne(db, "id", token)
		if err != nil || found {
			return id, err
		}
	}
	for _, col := range columns {
		id, found, err := matchOne(db, col, token)
		if err != nil || found {
			return id, err
		}
	}
	return "", apperr.AmbiguousOrNotFound(token)
}

// ResolveBatch resolves many tokens with one query per identifier column.
// Tokens that resolve to nothing are absent from the result.
func (r *Resolver) ResolveBatch(ctx context.Context, tokens []string) (map[string]string, error) {
	out := make(map[string]string, len(tokens))

	pending := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t != "" {
			pending[t] = struct{}{}
		}
	}
	if len(pending) == 0 {
		return out, nil
	}

	db := r.db.WithContext(ctx)

	var canonical []string
	for t := range pending {
		if isCanonical(t) {
			canonical = append(canonical, t)
		}
	}
	if len(canonical) > 0 {
		if err := matchMany(db, "id", canonical, pending, out); err != nil {
			return nil, err
		}
	}

	for _, col := range columns {
		if len(pending) == 0 {
			break
		}
		remaining := make([]string, 0, len(pending))
		for t := range pending {
			remaining = append(remaining, t)
		}
		if err := matchMany(db, col, remaining, pending, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isCanonical(token string) bool {
	_, err := uuid.Parse(token)
	return err == nil
}

type idRow struct {
	ID    string
	Token string
}

func matchOne(db *gorm.DB, column, token string) (string, bool, error) {
	var ids []string
	err := db.Model(&models.Product{}).
		Where(column+" = ?", token).
		Limit(2).
		Pluck("id", &ids).Error
	if err != nil {
		return "", false, apperr.Internal("product lookup failed").Wrap(err)
	}
	switch len(ids) {
	case 0:
		return "", false, nil
	case 1:
		return ids[0], true, nil
	default:
		return "", false, apperr.AmbiguousOrNotFound(token).WithDetail("column", column)
	}
}

func matchMany(db *gorm.DB, column string, tokens []string, pending map[string]struct{}, out map[string]string) error {
	var rows []idRow
	err := db.Model(&models.Product{}).
		Select("id, "+column+" AS token").
		Where(column+" IN ?", tokens).
		Scan(&rows).Error
	if err != nil {
		return apperr.Internal("product batch lookup failed").Wrap(err)
	}

	seen := make(map[string]int, len(rows))
	for _, row := range rows {
		seen[row.Token]++
	}
	for _, row := range rows {
		if seen[row.Token] != 1 {
			return apperr.AmbiguousOrNotFound(row.Token).WithDetail("column", column)
		}
		out[row.Token] = row.ID
		delete(pending, row.Token)
	}
	return nil
}
