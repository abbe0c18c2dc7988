package models

import "time"

type NetworkStatus string

const (
	NetworkUnknown  NetworkStatus = "unknown"
	NetworkOnline   NetworkStatus = "online"
	NetworkDegraded NetworkStatus = "degraded"
	NetworkOffline  NetworkStatus = "offline"
)

// Branch is a retail location. Branches are deactivated, never deleted.
type Branch struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	Code          string        `gorm:"size:32;not null;uniqueIndex" json:"code"`
	Name          string        `gorm:"size:100;not null" json:"name"`
	Address       string        `gorm:"size:255" json:"address"`
	Phone         string        `gorm:"size:50" json:"phone"`
	IsActive      bool          `gorm:"not null;default:true;index" json:"is_active"`
	NetworkStatus NetworkStatus `gorm:"size:16;not null;default:unknown" json:"network_status"`
	AppVersion    string        `gorm:"size:32" json:"app_version"`
	LastSeenAt    *time.Time    `json:"last_seen_at"`
	LastSyncAt    *time.Time    `json:"last_sync_at"`

	// Outbound: where the hub pushes catalog changes and the token it presents.
	APIEndpoint string `gorm:"size:255" json:"api_endpoint"`
	PushToken   string `gorm:"size:255" json:"-"`
	// Inbound: bcrypt hash of the key the branch presents to the hub.
	APIKeyHash string `gorm:"size:255" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
