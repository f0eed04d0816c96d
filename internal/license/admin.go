package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"keygate/internal/config"
	apierrors "keygate/internal/errors"
	"keygate/internal/store"
	"keygate/internal/webhook"
	"keygate/pkg/contracts/domain"
)

// GenerateParams describes a single license to create. A zero DurationDays
// with a nil Expiry produces a license that never expires.
type GenerateParams struct {
	Key          string // optional; generated when empty
	DurationDays int
	Expiry       *time.Time
	CreatedBy    string
}

// Generate creates one license. Supplying an existing key fails with a
// conflict rather than overwriting.
func (e *Engine) Generate(ctx context.Context, p GenerateParams) (*domain.License, *apierrors.APIError) {
	now := e.now()

	key := p.Key
	if key == "" {
		generated, err := GenerateKey(config.LicenseKeyPrefix)
		if err != nil {
			e.logger.ErrorContext(ctx, "license key generation failed", slog.String("error", err.Error()))
			return nil, apierrors.ErrServer
		}
		key = generated
	} else {
		if _, err := e.store.GetLicense(ctx, key); err == nil {
			return nil, apierrors.ErrLicenseExists
		} else if !errors.Is(err, store.ErrNotFound) {
			e.logger.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
			return nil, apierrors.ErrServer
		}
	}

	lic := &domain.License{
		Key:       key,
		CreatedAt: now,
		CreatedBy: p.CreatedBy,
		Expiry:    expiryFrom(p, now),
		Type:      domain.LicenseTypeStandard,
		History:   []domain.HistoryEntry{},
		Notes:     []domain.Note{},
	}
	if err := e.store.SaveLicense(ctx, lic); err != nil {
		e.logger.ErrorContext(ctx, "license create failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}

	e.logActivity("LICENSE_GENERATED", "License: "+key+" by "+p.CreatedBy, RequestMeta{}, key, domain.SeverityMedium)
	e.notifier.Notify(webhook.EventLicenseGenerated, map[string]string{
		"license":   key,
		"expiry":    formatExpiry(lic.Expiry),
		"createdBy": p.CreatedBy,
	})
	return lic, nil
}

// BulkGenerate creates up to MaxBulkGenerate licenses sharing one batch id.
func (e *Engine) BulkGenerate(ctx context.Context, count, durationDays int, createdBy string) ([]*domain.License, string, *apierrors.APIError) {
	if count < 1 || count > config.MaxBulkGenerate {
		return nil, "", apierrors.ErrValidation("count",
			fmt.Sprintf("count must be between 1 and %d", config.MaxBulkGenerate))
	}

	now := e.now()
	batchID := uuid.NewString()
	var expiry *time.Time
	if durationDays > 0 {
		t := now.AddDate(0, 0, durationDays)
		expiry = &t
	}

	licenses := make([]*domain.License, 0, count)
	for i := 0; i < count; i++ {
		key, err := GenerateKey(config.LicenseKeyPrefix)
		if err != nil {
			e.logger.ErrorContext(ctx, "license key generation failed", slog.String("error", err.Error()))
			return nil, "", apierrors.ErrServer
		}
		lic := &domain.License{
			Key:       key,
			CreatedAt: now,
			CreatedBy: createdBy,
			Expiry:    expiry,
			Type:      domain.LicenseTypeBulk,
			BatchID:   batchID,
			History:   []domain.HistoryEntry{},
			Notes:     []domain.Note{},
		}
		if err := e.store.SaveLicense(ctx, lic); err != nil {
			e.logger.ErrorContext(ctx, "bulk license create failed",
				slog.String("batch_id", batchID),
				slog.Int("created", len(licenses)),
				slog.String("error", err.Error()))
			return nil, "", apierrors.ErrServer
		}
		licenses = append(licenses, lic)
	}

	e.logActivity("BULK_GENERATED",
		fmt.Sprintf("%d licenses, batch %s, by %s", count, batchID, createdBy),
		RequestMeta{}, "", domain.SeverityMedium)
	return licenses, batchID, nil
}

// Delete removes a license and its reverse-index entry. The index entry goes
// first so a failure cannot leave an index pointing at a missing license.
func (e *Engine) Delete(ctx context.Context, key, deletedBy string) *apierrors.APIError {
	unlock := e.locks.lock(key)
	defer unlock()

	lic, err := e.store.GetLicense(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ErrLicenseNotFound
		}
		e.logger.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}

	if lic.Registered() {
		if err := e.store.DeleteHwidIndex(ctx, lic.Hwid, key); err != nil {
			e.logger.ErrorContext(ctx, "hwid index delete failed", slog.String("error", err.Error()))
			return apierrors.ErrServer
		}
	}
	if err := e.store.DeleteLicense(ctx, key); err != nil {
		e.logger.ErrorContext(ctx, "license delete failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	e.caches.Invalidate(key)

	e.logActivity("LICENSE_DELETED", "License: "+key+" by "+deletedBy, RequestMeta{}, key, domain.SeverityHigh)
	e.notifier.Notify(webhook.EventLicenseDeleted, map[string]string{
		"license":   key,
		"deletedBy": deletedBy,
	})
	return nil
}

// ResetHwid unbinds the device from a license directly, without a pending
// request. Used by administrators for support cases.
func (e *Engine) ResetHwid(ctx context.Context, key, resetBy string) *apierrors.APIError {
	unlock := e.locks.lock(key)
	defer unlock()

	lic, err := e.store.GetLicense(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ErrLicenseNotFound
		}
		e.logger.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	if !lic.Registered() {
		return apierrors.New(http.StatusConflict, "NOT_REGISTERED", "License is not registered to any device")
	}

	if err := e.unbind(ctx, lic, domain.ActionHwidReset, resetBy); err != nil {
		e.logger.ErrorContext(ctx, "hwid reset failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}

	e.logActivity("HWID_RESET", "License: "+key+" by "+resetBy, RequestMeta{}, key, domain.SeverityMedium)
	return nil
}

// unbind clears the device binding and removes the reverse-index entry.
// Callers hold the per-license lock.
func (e *Engine) unbind(ctx context.Context, lic *domain.License, action, actor string) error {
	previousHwid := lic.Hwid

	lic.Hwid = ""
	lic.DeviceName = ""
	lic.DeviceInfo = ""
	lic.ActivatedAt = nil
	lic.History = append(lic.History, domain.HistoryEntry{
		Action:  action,
		Date:    e.now(),
		Actor:   actor,
		Details: "Previous HWID: " + domain.TruncateHwid(previousHwid),
	})
	if err := e.saveAndInvalidate(ctx, lic); err != nil {
		return err
	}
	if err := e.store.DeleteHwidIndex(ctx, previousHwid, lic.Key); err != nil {
		return err
	}
	e.caches.ClearSkip(lic.Key)
	return nil
}

// AddNote appends an admin annotation to a license.
func (e *Engine) AddNote(ctx context.Context, key, note, addedBy string) *apierrors.APIError {
	unlock := e.locks.lock(key)
	defer unlock()

	lic, err := e.store.GetLicense(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ErrLicenseNotFound
		}
		e.logger.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}

	lic.Notes = append(lic.Notes, domain.Note{
		Note:    Sanitize(note),
		AddedBy: addedBy,
		AddedAt: e.now(),
	})
	if err := e.saveAndInvalidate(ctx, lic); err != nil {
		e.logger.ErrorContext(ctx, "note append failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	return nil
}

// Ban bans a license. durationDays <= 0 bans permanently.
func (e *Engine) Ban(ctx context.Context, key, reason, bannedBy string, durationDays int) *apierrors.APIError {
	unlock := e.locks.lock(key)
	defer unlock()

	lic, err := e.store.GetLicense(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ErrLicenseNotFound
		}
		e.logger.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}

	now := e.now()
	lic.Banned = true
	lic.BanReason = Sanitize(reason)
	lic.BannedAt = &now
	lic.BannedBy = bannedBy
	lic.BanUntil = nil
	if durationDays > 0 {
		until := now.AddDate(0, 0, durationDays)
		lic.BanUntil = &until
	}
	lic.History = append(lic.History, domain.HistoryEntry{
		Action:  domain.ActionLicenseBanned,
		Date:    now,
		Actor:   bannedBy,
		Details: lic.BanReason,
	})
	if err := e.saveAndInvalidate(ctx, lic); err != nil {
		e.logger.ErrorContext(ctx, "license ban failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	e.caches.ClearSkip(key)

	e.logActivity("LICENSE_BANNED",
		fmt.Sprintf("License: %s, reason: %s, by %s", key, lic.BanReason, bannedBy),
		RequestMeta{}, key, domain.SeverityHigh)
	return nil
}

// Unban lifts a ban immediately.
func (e *Engine) Unban(ctx context.Context, key, unbannedBy string) *apierrors.APIError {
	unlock := e.locks.lock(key)
	defer unlock()

	lic, err := e.store.GetLicense(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ErrLicenseNotFound
		}
		e.logger.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	if !lic.Banned {
		return apierrors.New(http.StatusConflict, "NOT_BANNED", "License is not banned")
	}

	lic.Banned = false
	lic.BanReason = ""
	lic.BannedAt = nil
	lic.BannedBy = ""
	lic.BanUntil = nil
	lic.History = append(lic.History, domain.HistoryEntry{
		Action: domain.ActionLicenseUnbanned,
		Date:   e.now(),
		Actor:  unbannedBy,
	})
	if err := e.saveAndInvalidate(ctx, lic); err != nil {
		e.logger.ErrorContext(ctx, "license unban failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}

	e.logActivity("LICENSE_UNBANNED", "License: "+key+" by "+unbannedBy, RequestMeta{}, key, domain.SeverityMedium)
	return nil
}

// ListLicenses returns every license document.
func (e *Engine) ListLicenses(ctx context.Context) ([]*domain.License, *apierrors.APIError) {
	licenses, err := e.store.ListLicenses(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "license list failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}
	return licenses, nil
}

// GetLicense returns one license document, bypassing the cache so admins
// always see current state.
func (e *Engine) GetLicense(ctx context.Context, key string) (*domain.License, *apierrors.APIError) {
	lic, err := e.store.GetLicense(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.ErrLicenseNotFound
		}
		e.logger.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}
	return lic, nil
}

// Settings returns the current system settings.
func (e *Engine) Settings(ctx context.Context) (*domain.Settings, *apierrors.APIError) {
	settings, err := e.caches.Settings(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "settings load failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}
	return settings, nil
}

// UpdateSettings writes the settings document and clears every cache so the
// change takes effect on the next request rather than after TTL expiry.
func (e *Engine) UpdateSettings(ctx context.Context, apiEnabled bool, updatedBy string) (*domain.Settings, *apierrors.APIError) {
	now := e.now()
	settings := &domain.Settings{
		APIEnabled: apiEnabled,
		MaxDevices: config.MaxDevicesPerLicense,
		UpdatedAt:  &now,
		UpdatedBy:  updatedBy,
	}
	if err := e.store.SaveSettings(ctx, settings); err != nil {
		e.logger.ErrorContext(ctx, "settings save failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}
	e.caches.ClearAll()

	e.logActivity("SETTINGS_UPDATED",
		fmt.Sprintf("apiEnabled=%t by %s", apiEnabled, updatedBy),
		RequestMeta{}, "", domain.SeverityHigh)
	return settings, nil
}

// Banlist returns the global hwid banlist.
func (e *Engine) Banlist(ctx context.Context) ([]string, *apierrors.APIError) {
	banlist, err := e.caches.Banlist(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "banlist load failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}
	return banlist, nil
}

// BanHwid adds a hardware id to the global banlist and clears every cache so
// the ban is enforced immediately.
func (e *Engine) BanHwid(ctx context.Context, hwid, reason, bannedBy string) *apierrors.APIError {
	if !ValidHwid(hwid) {
		return apierrors.ErrInvalidHwid
	}
	if err := e.store.AddToBanlist(ctx, hwid, Sanitize(reason)); err != nil {
		e.logger.ErrorContext(ctx, "banlist add failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	e.caches.ClearAll()

	e.logActivity("HWID_BANNED",
		fmt.Sprintf("HWID: %s, reason: %s, by %s", domain.TruncateHwid(hwid), Sanitize(reason), bannedBy),
		RequestMeta{}, "", domain.SeverityHigh)
	e.notifier.Notify(webhook.EventHwidBanned, map[string]string{
		"hwid":     domain.TruncateHwid(hwid),
		"reason":   Sanitize(reason),
		"bannedBy": bannedBy,
	})
	return nil
}

// UnbanHwid removes a hardware id from the global banlist.
func (e *Engine) UnbanHwid(ctx context.Context, hwid, unbannedBy string) *apierrors.APIError {
	if err := e.store.RemoveFromBanlist(ctx, hwid); err != nil {
		e.logger.ErrorContext(ctx, "banlist remove failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	e.caches.ClearAll()

	e.logActivity("HWID_UNBANNED",
		fmt.Sprintf("HWID: %s by %s", domain.TruncateHwid(hwid), unbannedBy),
		RequestMeta{}, "", domain.SeverityMedium)
	return nil
}

// RecentActivity returns the newest persisted activity entries. Entries
// still buffered in the batcher are not included.
func (e *Engine) RecentActivity(ctx context.Context, limit int) ([]domain.ActivityEntry, *apierrors.APIError) {
	entries, err := e.store.RecentActivity(ctx, limit)
	if err != nil {
		e.logger.ErrorContext(ctx, "activity query failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}
	return entries, nil
}

// ClearCaches drops all cache layers. Exposed for the admin endpoint.
func (e *Engine) ClearCaches() {
	e.caches.ClearAll()
}

// CacheStats reports cache entry counts plus the pending activity buffer
// size, for the health endpoint.
func (e *Engine) CacheStats() map[string]int {
	stats := e.caches.Stats()
	stats["activity_pending"] = e.activity.Pending()
	return stats
}

func expiryFrom(p GenerateParams, now time.Time) *time.Time {
	if p.Expiry != nil {
		return p.Expiry
	}
	if p.DurationDays > 0 {
		t := now.AddDate(0, 0, p.DurationDays)
		return &t
	}
	return nil
}
