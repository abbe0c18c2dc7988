package syncer

import (
	"context"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/models"
)

type HealthReport struct {
	Status     models.NetworkStatus `json:"network_status" validate:"required,oneof=online degraded offline"`
	AppVersion string               `json:"app_version" validate:"max=32"`
}

// Ping marks the branch as seen and online.
func (o *Orchestrator) Ping(ctx context.Context, branchID uint) (*models.Branch, error) {
	return o.touch(ctx, branchID, map[string]any{"network_status": models.NetworkOnline})
}

func (o *Orchestrator) ReportHealth(ctx context.Context, branchID uint, report HealthReport) (*models.Branch, error) {
	switch report.Status {
	case models.NetworkOnline, models.NetworkDegraded, models.NetworkOffline:
	default:
		return nil, apperr.Validation("unknown network status").WithDetail("network_status", string(report.Status))
	}
	fields := map[string]any{"network_status": report.Status}
	if report.AppVersion != "" {
		fields["app_version"] = report.AppVersion
	}
	return o.touch(ctx, branchID, fields)
}

func (o *Orchestrator) touch(ctx context.Context, branchID uint, fields map[string]any) (*models.Branch, error) {
	branch, err := o.loadBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	fields["last_seen_at"] = time.Now().UTC()
	if err := o.db.WithContext(ctx).Model(branch).Updates(fields).Error; err != nil {
		return nil, apperr.Internal("could not update branch").Wrap(err)
	}
	return o.loadBranch(ctx, branchID)
}

type StatusResult struct {
	Branch              models.Branch                      `json:"branch"`
	Latest              map[models.SyncType]models.SyncLog `json:"latest"`
	FailedTransactions  int64                              `json:"failed_transactions"`
	PendingTransactions int64                              `json:"pending_transactions"`
}

func (o *Orchestrator) Status(ctx context.Context, branchID uint) (*StatusResult, error) {
	branch, err := o.loadBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	latest, err := o.logs.LatestByType(ctx, branch.ID)
	if err != nil {
		return nil, err
	}

	res := &StatusResult{Branch: *branch, Latest: latest}
	db := o.db.WithContext(ctx).Model(&models.Transaction{})
	if err := db.Where("branch_id = ? AND status = ?", branch.ID, models.TxFailed).Count(&res.FailedTransactions).Error; err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	db = o.db.WithContext(ctx).Model(&models.Transaction{})
	if err := db.Where("branch_id = ? AND status = ?", branch.ID, models.TxPending).Count(&res.PendingTransactions).Error; err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	return res, nil
}
