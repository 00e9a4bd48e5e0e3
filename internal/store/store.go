// Package store persists ledger state. The ledger needs two tables,
// activated licenses and per-plugin consumption, and only loads them whole,
// upserts rows by id and counts them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row to delete does not exist.
var ErrNotFound = errors.New("record not found")

// ActivationRecord is a persisted activated license.
type ActivationRecord struct {
	ID             string `gorm:"primaryKey;size:128"`
	LicenseID      string `gorm:"index;size:36"`
	LicenseVersion string `gorm:"size:64"`
	KeyHash        string `gorm:"index;size:64"`
	Expiration     time.Time
	// KeyExpiration is zero for keys that do not expire.
	KeyExpiration time.Time
	Parameters    map[string]int `gorm:"serializer:json"`
	Removed       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StatusRecord is persisted consumption for one plugin and device type.
// Capacity is derived from activations and is not stored.
type StatusRecord struct {
	ID         string `gorm:"primaryKey;size:128"`
	PluginID   string `gorm:"index;size:36"`
	DeviceType string `gorm:"size:64"`
	Used       int
	GlobalUsed int
	UpdatedAt  time.Time
}

// ActivationID is the row id of the activation of licenseID by keyHash.
func ActivationID(licenseID, keyHash string) string {
	return licenseID + ":" + keyHash
}

// StatusID is the row id of the status of pluginID for deviceType.
func StatusID(pluginID, deviceType string) string {
	if deviceType == "" {
		deviceType = "*"
	}
	return pluginID + "/" + deviceType
}

// Store is the persistence the ledger depends on.
type Store interface {
	LoadActivations(ctx context.Context) ([]ActivationRecord, error)
	UpsertActivations(ctx context.Context, records ...ActivationRecord) error
	DeleteActivation(ctx context.Context, id string) error
	CountActivations(ctx context.Context) (int64, error)

	LoadStatuses(ctx context.Context) ([]StatusRecord, error)
	UpsertStatuses(ctx context.Context, records ...StatusRecord) error
	CountStatuses(ctx context.Context) (int64, error)

	Close() error
}
