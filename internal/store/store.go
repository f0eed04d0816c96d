// Package store defines the document-store adapter the license engine runs
// against, plus the two implementations: Firestore for production and an
// in-memory store for tests and local development.
//
// The store offers per-document atomicity only. The single cross-field
// guarantee the engine relies on is BindHwid, a compare-and-set on the
// license's hwid field being empty.
package store

import (
	"context"
	"errors"
	"time"

	"keygate/pkg/contracts/domain"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrPreconditionFailed is returned by conditional writes whose
	// precondition no longer holds (e.g. BindHwid on a bound license).
	ErrPreconditionFailed = errors.New("store: precondition failed")
)

// DeviceBinding carries the fields written when a device claims a license.
type DeviceBinding struct {
	Hwid       string
	DeviceName string
	DeviceInfo string
	IP         string
	At         time.Time
}

// ResetQuery filters reset-request lookups. Results are ordered by request
// time, newest first.
type ResetQuery struct {
	License  string
	Statuses []domain.ResetStatus
	Limit    int
}

// Store is the document CRUD contract consumed by the engine. All calls may
// fail with a generic I/O error; callers surface those uniformly as
// SERVER_ERROR and never leak detail.
type Store interface {
	// Licenses
	GetLicense(ctx context.Context, key string) (*domain.License, error)
	SaveLicense(ctx context.Context, lic *domain.License) error
	DeleteLicense(ctx context.Context, key string) error
	ListLicenses(ctx context.Context) ([]*domain.License, error)

	// BindHwid atomically claims an unregistered license for a device. It
	// fails with ErrPreconditionFailed when the license already carries a
	// hwid, and ErrNotFound when the license does not exist. On success the
	// updated record is returned.
	BindHwid(ctx context.Context, key string, bind DeviceBinding) (*domain.License, error)

	// HWID reverse index
	GetHwidIndex(ctx context.Context, hwid string) (*domain.HwidIndexEntry, error)
	SetHwidIndex(ctx context.Context, hwid, license string, now time.Time) error
	// DeleteHwidIndex removes the index entry only while it still points at
	// the given license, so a stale removal cannot unlink a reassigned
	// device. Deleting a missing entry is not an error.
	DeleteHwidIndex(ctx context.Context, hwid, license string) error

	// Settings and banlist
	GetSettings(ctx context.Context) (*domain.Settings, error)
	SaveSettings(ctx context.Context, s *domain.Settings) error
	GetBanlist(ctx context.Context) ([]string, error)
	AddToBanlist(ctx context.Context, hwid, reason string) error
	RemoveFromBanlist(ctx context.Context, hwid string) error

	// Activity log
	AppendActivityBatch(ctx context.Context, entries []domain.ActivityEntry) error
	RecentActivity(ctx context.Context, limit int) ([]domain.ActivityEntry, error)

	// Reset requests
	CreateResetRequest(ctx context.Context, req *domain.ResetRequest) error
	GetResetRequest(ctx context.Context, id string) (*domain.ResetRequest, error)
	SetResetStatus(ctx context.Context, id string, status domain.ResetStatus, processedBy, adminNote string, at time.Time) error
	QueryResetRequests(ctx context.Context, q ResetQuery) ([]*domain.ResetRequest, error)
}
