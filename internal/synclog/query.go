package synclog

import (
	"context"
	"errors"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"

	"gorm.io/gorm"
)

func (s *Service) Get(ctx context.Context, id string) (*models.SyncLog, error) {
	var entry models.SyncLog
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("sync log")
	}
	if err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	return &entry, nil
}

type Filter struct {
	BranchID  uint
	Type      models.SyncType
	Direction models.SyncDirection
	Status    models.SyncStatus
	Since     *time.Time
	Page      int
	PageSize  int
}

// List pages through logs newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]models.SyncLog, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.SyncLog{})
	if f.BranchID != 0 {
		q = q.Where("branch_id = ?", f.BranchID)
	}
	if f.Type != "" {
		q = q.Where("sync_type = ?", f.Type)
	}
	if f.Direction != "" {
		q = q.Where("direction = ?", f.Direction)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Since != nil {
		q = q.Where("started_at >= ?", f.Since.UTC())
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Internal("").Wrap(err)
	}

	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}

	var rows []models.SyncLog
	if err := q.Order("started_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&rows).Error; err != nil {
		return nil, 0, apperr.Internal("").Wrap(err)
	}
	return rows, total, nil
}

// LatestByType returns the most recent log of each sync type for a branch.
func (s *Service) LatestByType(ctx context.Context, branchID uint) (map[models.SyncType]models.SyncLog, error) {
	out := make(map[models.SyncType]models.SyncLog)
	for _, t := range []models.SyncType{models.SyncTransactions, models.SyncInventory, models.SyncProducts, models.SyncPricing} {
		var entry models.SyncLog
		err := s.db.WithContext(ctx).
			Where("branch_id = ? AND sync_type = ?", branchID, t).
			Order("started_at DESC").
			Limit(1).
			Find(&entry).Error
		if err != nil {
			return nil, apperr.Internal("").Wrap(err)
		}
		if entry.ID != "" {
			out[t] = entry
		}
	}
	return out, nil
}

// FindRecent returns the newest log of (branch, type, direction) in one of
// statuses that started at or after since, or nil. An empty direction or
// status list matches any.
func (s *Service) FindRecent(ctx context.Context, branchID uint, t models.SyncType, dir models.SyncDirection, statuses []models.SyncStatus, since time.Time) (*models.SyncLog, error) {
	q := s.db.WithContext(ctx).
		Where("branch_id = ? AND sync_type = ? AND started_at >= ?", branchID, t, since.UTC())
	if dir != "" {
		q = q.Where("direction = ?", dir)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var entry models.SyncLog
	if err := q.Order("started_at DESC").Limit(1).Find(&entry).Error; err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	if entry.ID == "" {
		return nil, nil
	}
	return &entry, nil
}

// LastCompleted returns the newest completed log of (branch, type, direction).
// Its StartedAt is the watermark for incremental syncs.
func (s *Service) LastCompleted(ctx context.Context, branchID uint, t models.SyncType, dir models.SyncDirection) (*models.SyncLog, error) {
	var entry models.SyncLog
	err := s.db.WithContext(ctx).
		Where("branch_id = ? AND sync_type = ? AND direction = ? AND status = ?", branchID, t, dir, models.SyncCompleted).
		Order("started_at DESC").
		Limit(1).
		Find(&entry).Error
	if err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	if entry.ID == "" {
		return nil, nil
	}
	return &entry, nil
}
