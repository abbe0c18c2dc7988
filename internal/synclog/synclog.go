// Package synclog records every synchronization attempt. A log is opened in
// started, may move to in_progress, and is closed exactly once into
// completed, failed or partial.
package synclog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/events"
	"retail-hub/internal/metrics"
	"retail-hub/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAlreadyClosed is returned when closing a log that reached a terminal state.
var ErrAlreadyClosed = errors.New("sync log already closed")

const maxErrorMessage = 2000

type Service struct {
	db      *gorm.DB
	events  events.Publisher
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(db *gorm.DB, pub events.Publisher, m *metrics.Metrics, log *zap.Logger) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{db: db, events: pub, metrics: m, log: log.Named("synclog")}
}

type OpenInput struct {
	BranchID  uint
	Type      models.SyncType
	Direction models.SyncDirection
	Expected  int
	Forced    bool
}

type Outcome struct {
	Processed int
	Failed    int
	Err       error
}

// Status derives the terminal status of an outcome.
func (o Outcome) Status() models.SyncStatus {
	switch {
	case o.Err != nil && o.Processed == 0:
		return models.SyncFailed
	case o.Processed == 0 && o.Failed > 0:
		return models.SyncFailed
	case o.Failed > 0 || o.Err != nil:
		return models.SyncPartial
	default:
		return models.SyncCompleted
	}
}

func (s *Service) Open(ctx context.Context, in OpenInput) (*models.SyncLog, error) {
	if in.BranchID == 0 {
		return nil, apperr.Validation("branch is required")
	}
	if !in.Type.Valid() {
		return nil, apperr.Validation("unknown sync type").WithDetail("sync_type", string(in.Type))
	}
	if in.Direction != models.ToBranch && in.Direction != models.FromBranch {
		return nil, apperr.Validation("unknown sync direction").WithDetail("direction", string(in.Direction))
	}

	entry := &models.SyncLog{
		ID:              uuid.NewString(),
		BranchID:        in.BranchID,
		SyncType:        in.Type,
		Direction:       in.Direction,
		Status:          models.SyncStarted,
		Forced:          in.Forced,
		ExpectedRecords: in.Expected,
		StartedAt:       time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, apperr.Internal("could not open sync log").Wrap(err)
	}
	return entry, nil
}

// MarkInProgress moves a started log to in_progress. Any other state is left
// untouched and reported as a conflict.
func (s *Service) MarkInProgress(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&models.SyncLog{}).
		Where("id = ? AND status = ?", id, models.SyncStarted).
		Update("status", models.SyncInProgress)
	if res.Error != nil {
		return apperr.Internal("could not update sync log").Wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("sync log is not in started state").WithDetail("sync_id", id)
	}
	return nil
}

// SetExpected records how many records the attempt will handle once known.
func (s *Service) SetExpected(ctx context.Context, id string, expected int) error {
	err := s.db.WithContext(ctx).
		Model(&models.SyncLog{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Update("expected_records", expected).Error
	if err != nil {
		return apperr.Internal("could not update sync log").Wrap(err)
	}
	return nil
}

var openStatuses = []models.SyncStatus{models.SyncStarted, models.SyncInProgress}

// Close moves an open log to its terminal status. It succeeds exactly once
// per log; later calls return ErrAlreadyClosed.
func (s *Service) Close(ctx context.Context, id string, out Outcome) (*models.SyncLog, error) {
	status := out.Status()
	now := time.Now().UTC()

	updates := map[string]any{
		"status":            status,
		"records_processed": out.Processed,
		"records_failed":    out.Failed,
		"completed_at":      now,
	}
	if out.Err != nil {
		msg := out.Err.Error()
		if len(msg) > maxErrorMessage {
			msg = msg[:maxErrorMessage]
		}
		updates["error_message"] = msg
	}

	// Close must land even when the request context is already cancelled.
	db := s.db.WithContext(context.WithoutCancel(ctx))

	res := db.Model(&models.SyncLog{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Updates(updates)
	if res.Error != nil {
		return nil, apperr.Internal("could not close sync log").Wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := db.Model(&models.SyncLog{}).Where("id = ?", id).Count(&exists).Error; err != nil {
			return nil, apperr.Internal("").Wrap(err)
		}
		if exists == 0 {
			return nil, apperr.NotFound("sync log")
		}
		return nil, ErrAlreadyClosed
	}

	var entry models.SyncLog
	if err := db.First(&entry, "id = ?", id).Error; err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}

	if status == models.SyncCompleted || status == models.SyncPartial {
		if err := db.Model(&models.Branch{}).
			Where("id = ?", entry.BranchID).
			Update("last_sync_at", now).Error; err != nil {
			s.log.Warn("could not stamp branch last sync", zap.Uint("branch_id", entry.BranchID), zap.Error(err))
		}
	}

	s.metrics.SyncLogClosed(string(entry.SyncType), string(entry.Direction), string(entry.Status))
	s.events.Publish(ctx, events.NewEvent(events.SyncLogClosed, entry.BranchID, entry.ID, entry))

	fields := []zap.Field{
		zap.String("sync_id", entry.ID),
		zap.Uint("branch_id", entry.BranchID),
		zap.String("sync_type", string(entry.SyncType)),
		zap.String("direction", string(entry.Direction)),
		zap.String("status", string(entry.Status)),
		zap.Int("processed", entry.RecordsProcessed),
		zap.Int("failed", entry.RecordsFailed),
	}
	if status == models.SyncCompleted {
		s.log.Info("sync closed", fields...)
	} else {
		s.log.Warn("sync closed", append(fields, zap.String("error", entry.ErrorMessage))...)
	}
	return &entry, nil
}

// Run opens a log, runs fn and always closes the log, also when fn panics.
// The panic is re-raised after the log is closed as failed.
func (s *Service) Run(ctx context.Context, in OpenInput, fn func(ctx context.Context, entry *models.SyncLog) (Outcome, error)) (entry *models.SyncLog, err error) {
	entry, err = s.Open(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.MarkInProgress(ctx, entry.ID); err != nil {
		_, _ = s.Close(ctx, entry.ID, Outcome{Err: err})
		return entry, err
	}

	var out Outcome
	defer func() {
		if r := recover(); r != nil {
			_, _ = s.Close(ctx, entry.ID, Outcome{Processed: out.Processed, Failed: out.Failed, Err: fmt.Errorf("panic: %v", r)})
			panic(r)
		}

		if err != nil && out.Err == nil {
			out.Err = err
		}
		closed, cerr := s.Close(ctx, entry.ID, out)
		if cerr != nil {
			s.log.Error("could not close sync log", zap.String("sync_id", entry.ID), zap.Error(cerr))
			if err == nil {
				err = cerr
			}
			return
		}
		entry = closed
	}()

	out, err = fn(ctx, entry)
	return entry, err
}
