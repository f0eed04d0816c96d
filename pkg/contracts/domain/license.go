// Package domain contains the core document models for KeyGate. These types
// serve as the Single Source of Truth (SSOT) for the store, the cache layer
// and the HTTP transport.
package domain

import (
	"time"
)

// License is a single license document, keyed by the license string.
// A license binds to at most one device: Hwid is empty until a device
// registers, and the store only ever flips it from empty to non-empty.
type License struct {
	Key             string         `json:"license" firestore:"-"`
	Hwid            string         `json:"hwid" firestore:"hwid"`
	DeviceName      string         `json:"device_name" firestore:"deviceName"`
	DeviceInfo      string         `json:"device_info" firestore:"deviceInfo"`
	ActivatedAt     *time.Time     `json:"activated_at,omitempty" firestore:"activatedAt"`
	LastValidated   *time.Time     `json:"last_validated,omitempty" firestore:"lastValidated"`
	CreatedAt       time.Time      `json:"created_at" firestore:"createdAt"`
	CreatedBy       string         `json:"created_by,omitempty" firestore:"createdBy"`
	Expiry          *time.Time     `json:"expiry,omitempty" firestore:"expiry"`
	Banned          bool           `json:"banned" firestore:"banned"`
	BanReason       string         `json:"ban_reason,omitempty" firestore:"banReason"`
	BannedAt        *time.Time     `json:"banned_at,omitempty" firestore:"bannedAt"`
	BannedBy        string         `json:"banned_by,omitempty" firestore:"bannedBy"`
	BanUntil        *time.Time     `json:"ban_until,omitempty" firestore:"banUntil"`
	History         []HistoryEntry `json:"history" firestore:"history"`
	Notes           []Note         `json:"notes" firestore:"notes"`
	ValidationCount int64          `json:"validation_count" firestore:"validationCount"`
	Type            LicenseType    `json:"type" firestore:"type"`
	BatchID         string         `json:"batch_id,omitempty" firestore:"batchId"`
	RegistrationIP  string         `json:"-" firestore:"registrationIP"`
}

// LicenseType records how a license was created.
type LicenseType string

const (
	LicenseTypeStandard LicenseType = "standard"
	LicenseTypeBulk     LicenseType = "bulk"
)

// History actions appended to License.History. The history sequence is
// append-only; entries are never rewritten.
const (
	ActionDeviceRegistered  = "DEVICE_REGISTERED"
	ActionAutoUnbanned      = "AUTO_UNBANNED"
	ActionLicenseBanned     = "LICENSE_BANNED"
	ActionLicenseUnbanned   = "LICENSE_UNBANNED"
	ActionHwidReset         = "HWID_RESET_BY_ADMIN"
	ActionHwidResetApproved = "HWID_RESET_BY_ADMIN_APPROVAL"
)

// HistoryEntry is one element of a license audit trail.
type HistoryEntry struct {
	Action  string    `json:"action" firestore:"action"`
	Date    time.Time `json:"date" firestore:"date"`
	Actor   string    `json:"actor,omitempty" firestore:"actor"`
	Details string    `json:"details,omitempty" firestore:"details"`
}

// Note is a free-form admin annotation on a license.
type Note struct {
	Note    string    `json:"note" firestore:"note"`
	AddedBy string    `json:"added_by" firestore:"addedBy"`
	AddedAt time.Time `json:"added_at" firestore:"addedAt"`
}

// Registered reports whether a device has been bound to the license.
func (l *License) Registered() bool {
	return l.Hwid != ""
}

// Expired reports whether the license expiry has passed. A nil expiry
// means the license never expires.
func (l *License) Expired(now time.Time) bool {
	return l.Expiry != nil && l.Expiry.Before(now)
}

// BanExpired reports whether a temporary ban has lapsed. A nil BanUntil is
// a permanent ban and never expires; the unban transition itself is applied
// lazily by the engine on the next read.
func (l *License) BanExpired(now time.Time) bool {
	return l.Banned && l.BanUntil != nil && l.BanUntil.Before(now)
}

// DaysRemaining returns the number of whole days until expiry, rounded up,
// or nil for licenses that never expire.
func (l *License) DaysRemaining(now time.Time) *int {
	if l.Expiry == nil {
		return nil
	}
	days := int((l.Expiry.Sub(now) + 24*time.Hour - time.Nanosecond) / (24 * time.Hour))
	return &days
}

// HwidIndexEntry is the reverse-index document keyed by hardware id. It
// points at exactly one license and exists so hwid lookups are a single
// document read instead of a collection scan.
type HwidIndexEntry struct {
	License      string    `json:"license" firestore:"license"`
	RegisteredAt time.Time `json:"registered_at" firestore:"registeredAt"`
	LastUpdated  time.Time `json:"last_updated" firestore:"lastUpdated"`
}

// Settings is the singleton system configuration document.
type Settings struct {
	APIEnabled bool       `json:"api_enabled" firestore:"apiEnabled"`
	MaxDevices int        `json:"max_devices" firestore:"maxDevices"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty" firestore:"lastUpdated"`
	UpdatedBy  string     `json:"updated_by,omitempty" firestore:"updatedBy"`
}

// DefaultSettings are written on first read when no settings document exists.
func DefaultSettings() *Settings {
	return &Settings{APIEnabled: true, MaxDevices: 1}
}

// ActivitySeverity classifies activity-log entries.
type ActivitySeverity string

const (
	SeverityLow    ActivitySeverity = "low"
	SeverityMedium ActivitySeverity = "medium"
	SeverityHigh   ActivitySeverity = "high"
)

// ActivityEntry is one buffered activity-log event. Entries are batched in
// memory and written to the store in bulk.
type ActivityEntry struct {
	Action    string           `json:"action" firestore:"action"`
	Details   string           `json:"details" firestore:"details"`
	IP        string           `json:"ip" firestore:"ip"`
	UserAgent string           `json:"user_agent" firestore:"userAgent"`
	License   string           `json:"license,omitempty" firestore:"license"`
	Severity  ActivitySeverity `json:"severity" firestore:"severity"`
	Date      time.Time        `json:"date" firestore:"date"`
}

// ResetStatus is the lifecycle state of a HWID reset request. Requests are
// never re-opened once processed.
type ResetStatus string

const (
	ResetStatusPending  ResetStatus = "pending"
	ResetStatusApproved ResetStatus = "approved"
	ResetStatusDenied   ResetStatus = "denied"
)

// ResetRequest is a device holder's petition to unbind its hardware id,
// processed by an administrator.
type ResetRequest struct {
	ID          string      `json:"request_id" firestore:"-"`
	License     string      `json:"license" firestore:"license"`
	Hwid        string      `json:"hwid" firestore:"hwid"` // truncated for display
	FullHwid    string      `json:"-" firestore:"fullHwid"`
	Reason      string      `json:"reason" firestore:"reason"`
	Status      ResetStatus `json:"status" firestore:"status"`
	RequestedAt time.Time   `json:"requested_at" firestore:"requestedAt"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty" firestore:"processedAt"`
	ProcessedBy string      `json:"processed_by,omitempty" firestore:"processedBy"`
	AdminNote   string      `json:"admin_note,omitempty" firestore:"adminNote"`
	IP          string      `json:"-" firestore:"ip"`
	UserAgent   string      `json:"-" firestore:"userAgent"`
}

// TruncateHwid shortens a hardware id for logs, webhooks and stored display
// fields so full fingerprints do not leak into low-trust surfaces.
func TruncateHwid(hwid string) string {
	const keep = 20
	if len(hwid) <= keep {
		return hwid
	}
	return hwid[:keep] + "..."
}
