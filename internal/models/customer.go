package models

import "time"

type Customer struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100" json:"name"`
	Phone       *string   `gorm:"size:32;uniqueIndex" json:"phone"`
	LoyaltyCard *string   `gorm:"size:64;uniqueIndex" json:"loyalty_card"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
