package models

import "time"

type SyncType string

const (
	SyncTransactions SyncType = "transactions"
	SyncInventory    SyncType = "inventory"
	SyncProducts     SyncType = "products"
	SyncPricing      SyncType = "pricing"
)

func (t SyncType) Valid() bool {
	switch t {
	case SyncTransactions, SyncInventory, SyncProducts, SyncPricing:
		return true
	}
	return false
}

type SyncDirection string

const (
	ToBranch   SyncDirection = "to_branch"
	FromBranch SyncDirection = "from_branch"
)

type SyncStatus string

const (
	SyncStarted    SyncStatus = "started"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
	SyncPartial    SyncStatus = "partial"
)

func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed || s == SyncPartial
}

// SyncLog is the audit row for one synchronization attempt.
type SyncLog struct {
	ID               string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	BranchID         uint          `gorm:"not null;index:idx_sync_branch_type,priority:1" json:"branch_id"`
	SyncType         SyncType      `gorm:"size:20;not null;index:idx_sync_branch_type,priority:2" json:"sync_type"`
	Direction        SyncDirection `gorm:"size:16;not null" json:"direction"`
	Status           SyncStatus    `gorm:"size:16;not null;index" json:"status"`
	Forced           bool          `gorm:"not null;default:false" json:"forced"`
	ExpectedRecords  int           `gorm:"not null;default:0" json:"expected_records"`
	RecordsProcessed int           `gorm:"not null;default:0" json:"records_processed"`
	RecordsFailed    int           `gorm:"not null;default:0" json:"records_failed"`
	ErrorMessage     string        `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt        time.Time     `gorm:"not null;index:idx_sync_branch_type,priority:3" json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at"`
}
