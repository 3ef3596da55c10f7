package models

import "time"

// SweepLease names the instance that runs a periodic sweep until ExpiresAt.
type SweepLease struct {
	Name       string    `gorm:"primaryKey;size:100" json:"name"`
	Owner      string    `gorm:"size:100;not null" json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}

func (SweepLease) TableName() string { return "sweep_leases" }
