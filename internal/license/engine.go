// Package license implements the license state machine: the decision logic
// for register and validate, the reset-request lifecycle and the admin
// mutations, layered over the cache set and the document store.
package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"keygate/internal/activity"
	"keygate/internal/cache"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/store"
	"keygate/internal/webhook"
	"keygate/pkg/contracts/domain"
)

// RequestMeta carries per-request caller context used for audit entries and
// webhook payloads.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// ValidateRequest is the input to Validate.
type ValidateRequest struct {
	License string
	Hwid    string
	Meta    RequestMeta
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	License    string
	Hwid       string
	DeviceName string
	DeviceInfo string
	Meta       RequestMeta
}

// Engine evaluates license operations. All mutating paths for a given
// license are serialized by a per-key mutex; the device-binding write is
// additionally a compare-and-set at the store so concurrent registrations
// cannot both claim an unregistered license.
type Engine struct {
	store    store.Store
	caches   *cache.Set
	activity *activity.Batcher
	notifier *webhook.Notifier
	logger   *slog.Logger
	metrics  *infrastructure.EngineMetrics
	now      func() time.Time

	locks keyedMutex

	resetMu       sync.Mutex
	resetLimiters map[string]*rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches engine metrics instruments.
func WithMetrics(m *infrastructure.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates the license engine.
func NewEngine(st store.Store, caches *cache.Set, batcher *activity.Batcher, notifier *webhook.Notifier, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		caches:        caches,
		activity:      batcher,
		notifier:      notifier,
		logger:        logger.With(slog.String("component", "license_engine")),
		now:           time.Now,
		resetLimiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate evaluates a validation request. Checks run cheapest first: the
// skip cache short-circuits before any store read, then the global switch
// and banlist, then the license record itself.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) *Result {
	res := e.validate(ctx, req)
	if e.metrics != nil {
		e.metrics.Validations.Add(ctx, 1, metric.WithAttributes(attribute.String("code", res.Code)))
	}
	return res
}

func (e *Engine) validate(ctx context.Context, req ValidateRequest) *Result {
	now := e.now()

	// 1. Skip cache: the pair was confirmed valid inside the window. This
	// deliberately short-circuits before ban/expiry checks; staleness is
	// bounded by the skip TTL.
	if e.caches.WasRecentlyValidated(req.License, req.Hwid) {
		return ok(http.StatusOK, CodeValidCached, "License valid (cached)", map[string]any{
			"license":      req.License,
			"hwid":         req.Hwid,
			"cached":       true,
			"validated_at": now,
		})
	}

	e.logActivity("API_VALIDATE", "License: "+req.License, req.Meta, req.License, domain.SeverityLow)

	// 2. Global kill switch.
	settings, err := e.caches.Settings(ctx)
	if err != nil {
		return e.storeFailure(ctx, "validate", "load settings", err)
	}
	if !settings.APIEnabled {
		return fail(http.StatusServiceUnavailable, CodeAPIDisabled, "API currently disabled", nil)
	}

	// 3. Global hwid banlist, checked before any license-specific logic.
	banned, err := e.hwidBanned(ctx, req.Hwid)
	if err != nil {
		return e.storeFailure(ctx, "validate", "load banlist", err)
	}
	if banned {
		e.notifier.Notify(webhook.EventHwidBanAttempt, map[string]string{
			"license": req.License,
			"hwid":    domain.TruncateHwid(req.Hwid),
			"ip":      req.Meta.IP,
		})
		return fail(http.StatusForbidden, CodeBanned, "Hardware ID is banned", map[string]any{
			"hwid": domain.TruncateHwid(req.Hwid),
		})
	}

	// 4. License record.
	lic, err := e.caches.License(ctx, req.License)
	if err != nil {
		if cache.IsNotFound(err) {
			return fail(http.StatusNotFound, CodeInvalidLicense, "License not found", map[string]any{
				"license": req.License,
			})
		}
		return e.storeFailure(ctx, "validate", "load license", err)
	}

	// 5. Ban state, with lazy expiry of temporary bans.
	if lic.Banned {
		stillBanned, err := e.maybeAutoUnban(ctx, lic)
		if err != nil {
			return e.storeFailure(ctx, "validate", "auto unban", err)
		}
		if stillBanned {
			e.notifier.Notify(webhook.EventLicenseBanAttempt, map[string]string{
				"license":   req.License,
				"banReason": lic.BanReason,
				"banUntil":  formatBanUntil(lic.BanUntil),
				"hwid":      domain.TruncateHwid(req.Hwid),
				"ip":        req.Meta.IP,
			})
			return fail(http.StatusForbidden, CodeLicenseBanned, "License is banned", map[string]any{
				"license":    req.License,
				"ban_reason": lic.BanReason,
				"ban_until":  lic.BanUntil,
			})
		}
	}

	// 6. Expiry.
	if lic.Expired(now) {
		return fail(http.StatusGone, CodeExpired, "License expired", map[string]any{
			"license": req.License,
			"expiry":  lic.Expiry,
		})
	}

	// 7. Unregistered licenses cannot validate.
	if !lic.Registered() {
		return fail(http.StatusConflict, CodeNotRegistered, "License is not registered to any device", map[string]any{
			"license": req.License,
		})
	}

	// 8. Match.
	if lic.Hwid == req.Hwid {
		if err := e.recordValidation(ctx, lic); err != nil {
			return e.storeFailure(ctx, "validate", "record validation", err)
		}
		e.caches.MarkValidated(req.License, req.Hwid)
		return ok(http.StatusOK, CodeValid, "License valid", map[string]any{
			"license":        req.License,
			"hwid":           req.Hwid,
			"device_name":    lic.DeviceName,
			"expiry":         lic.Expiry,
			"days_remaining": lic.DaysRemaining(now),
			"cached":         false,
		})
	}

	// 9. Bound to a different device.
	e.notifier.Notify(webhook.EventHwidMismatch, map[string]string{
		"license":          req.License,
		"registeredHwid":   domain.TruncateHwid(lic.Hwid),
		"attemptingHwid":   domain.TruncateHwid(req.Hwid),
		"registeredDevice": lic.DeviceName,
		"ip":               req.Meta.IP,
	})
	return fail(http.StatusConflict, CodeHwidMismatch, "Device not registered to this license", map[string]any{
		"license": req.License,
		"hwid":    domain.TruncateHwid(req.Hwid),
	})
}

// Register evaluates a device registration. The final bind is a conditional
// write; if it loses a race the decision is re-evaluated once so the caller
// sees the true post-race outcome instead of a spurious success or error.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) *Result {
	unlock := e.locks.lock(req.License)
	defer unlock()

	res := e.register(ctx, req, true)
	if e.metrics != nil {
		e.metrics.Registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("code", res.Code)))
	}
	return res
}

func (e *Engine) register(ctx context.Context, req RegisterRequest, firstAttempt bool) *Result {
	now := e.now()

	if firstAttempt {
		e.logActivity("API_REGISTER", "License: "+req.License, req.Meta, req.License, domain.SeverityLow)
	}

	settings, err := e.caches.Settings(ctx)
	if err != nil {
		return e.storeFailure(ctx, "register", "load settings", err)
	}
	if !settings.APIEnabled {
		return fail(http.StatusServiceUnavailable, CodeAPIDisabled, "API currently disabled", nil)
	}

	banned, err := e.hwidBanned(ctx, req.Hwid)
	if err != nil {
		return e.storeFailure(ctx, "register", "load banlist", err)
	}
	if banned {
		e.notifier.Notify(webhook.EventHwidBanAttempt, map[string]string{
			"license": req.License,
			"hwid":    domain.TruncateHwid(req.Hwid),
			"ip":      req.Meta.IP,
		})
		return fail(http.StatusForbidden, CodeBanned, "Hardware ID is banned", map[string]any{
			"hwid": domain.TruncateHwid(req.Hwid),
		})
	}

	// 1. Reverse index: is this device already claimed by another license?
	entry, err := e.store.GetHwidIndex(ctx, req.Hwid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return e.storeFailure(ctx, "register", "hwid index lookup", err)
	}
	if entry != nil && entry.License != req.License {
		e.logActivity("HWID_CONFLICT",
			fmt.Sprintf("HWID tried %s, registered to %s", req.License, entry.License),
			req.Meta, "", domain.SeverityHigh)
		e.notifier.Notify(webhook.EventHwidConflict, map[string]string{
			"attemptedLicense": req.License,
			"registeredTo":     entry.License,
			"hwid":             domain.TruncateHwid(req.Hwid),
			"ip":               req.Meta.IP,
		})
		return fail(http.StatusConflict, CodeHwidAlreadyRegistered, "Device registered to another license", map[string]any{
			"hwid": domain.TruncateHwid(req.Hwid),
		})
	}

	// 2. License record.
	lic, err := e.caches.License(ctx, req.License)
	if err != nil {
		if cache.IsNotFound(err) {
			e.notifier.Notify(webhook.EventInvalidLicense, map[string]string{
				"license": req.License,
				"hwid":    domain.TruncateHwid(req.Hwid),
				"ip":      req.Meta.IP,
			})
			return fail(http.StatusNotFound, CodeInvalidLicense, "License not found", map[string]any{
				"license": req.License,
			})
		}
		return e.storeFailure(ctx, "register", "load license", err)
	}

	// 3. Ban state with lazy expiry. The per-license lock is already held.
	if lic.Banned {
		stillBanned, err := e.maybeAutoUnbanLocked(ctx, lic)
		if err != nil {
			return e.storeFailure(ctx, "register", "auto unban", err)
		}
		if stillBanned {
			message := "License permanently banned"
			if lic.BanUntil != nil {
				message = "License banned until " + lic.BanUntil.Format("2006-01-02")
			}
			e.notifier.Notify(webhook.EventLicenseBanAttempt, map[string]string{
				"license":   req.License,
				"banReason": lic.BanReason,
				"banUntil":  formatBanUntil(lic.BanUntil),
				"hwid":      domain.TruncateHwid(req.Hwid),
				"ip":        req.Meta.IP,
			})
			return fail(http.StatusForbidden, CodeLicenseBanned, message, map[string]any{
				"license":    req.License,
				"ban_reason": lic.BanReason,
				"banned_at":  lic.BannedAt,
				"ban_until":  lic.BanUntil,
			})
		}
	}

	// 4. Expiry.
	if lic.Expired(now) {
		e.notifier.Notify(webhook.EventExpiredLicense, map[string]string{
			"license": req.License,
			"expiry":  lic.Expiry.Format(time.RFC3339),
			"hwid":    domain.TruncateHwid(req.Hwid),
			"ip":      req.Meta.IP,
		})
		return fail(http.StatusGone, CodeExpired, "License expired", map[string]any{
			"license": req.License,
			"expiry":  lic.Expiry,
		})
	}

	// 5. Bound to a different device.
	if lic.Registered() && lic.Hwid != req.Hwid {
		e.notifier.Notify(webhook.EventActivationConflict, map[string]string{
			"license":          req.License,
			"registeredDevice": lic.DeviceName,
			"registeredHwid":   domain.TruncateHwid(lic.Hwid),
			"attemptingHwid":   domain.TruncateHwid(req.Hwid),
			"ip":               req.Meta.IP,
		})
		return fail(http.StatusConflict, CodeLicenseAlreadyActivated, "License registered to another device", map[string]any{
			"license": req.License,
		})
	}

	// 6. Idempotent re-registration.
	if lic.Hwid == req.Hwid && lic.Registered() {
		lic.LastValidated = &now
		e.caches.MarkValidated(req.License, req.Hwid)
		return ok(http.StatusOK, CodeAlreadyRegistered, "Device already registered", map[string]any{
			"license":       req.License,
			"hwid":          req.Hwid,
			"device_name":   lic.DeviceName,
			"registered_at": lic.ActivatedAt,
			"expiry":        lic.Expiry,
		})
	}

	// 7. Bind. The store enforces hwid-empty as a precondition.
	deviceName := Sanitize(req.DeviceName)
	if deviceName == "" {
		deviceName = "Unknown Device"
	}
	deviceInfo := Sanitize(req.DeviceInfo)
	if deviceInfo == "" {
		deviceInfo = req.Meta.UserAgent
	}

	bound, err := e.store.BindHwid(ctx, req.License, store.DeviceBinding{
		Hwid:       req.Hwid,
		DeviceName: deviceName,
		DeviceInfo: deviceInfo,
		IP:         req.Meta.IP,
		At:         now,
	})
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) && firstAttempt {
			// Lost a race for the binding; re-evaluate against fresh state.
			e.caches.Invalidate(req.License)
			return e.register(ctx, req, false)
		}
		if errors.Is(err, store.ErrNotFound) {
			return fail(http.StatusNotFound, CodeInvalidLicense, "License not found", map[string]any{
				"license": req.License,
			})
		}
		return e.storeFailure(ctx, "register", "bind hwid", err)
	}
	e.caches.Invalidate(req.License)

	if err := e.store.SetHwidIndex(ctx, req.Hwid, req.License, now); err != nil {
		// The license document is the binding's source of truth; an index
		// write failure leaves a lookup gap, not a wrong answer.
		e.logger.ErrorContext(ctx, "hwid index update failed after bind",
			slog.String("license", req.License),
			slog.String("error", err.Error()))
	}

	e.caches.MarkValidated(req.License, req.Hwid)
	e.notifier.Notify(webhook.EventDeviceRegistered, map[string]string{
		"license":    req.License,
		"deviceName": bound.DeviceName,
		"deviceInfo": bound.DeviceInfo,
		"expiry":     formatExpiry(bound.Expiry),
		"ip":         req.Meta.IP,
	})

	return ok(http.StatusCreated, CodeDeviceRegistered, "Device registered successfully", map[string]any{
		"license":       req.License,
		"hwid":          req.Hwid,
		"device_name":   bound.DeviceName,
		"registered_at": bound.ActivatedAt,
		"expiry":        bound.Expiry,
	})
}

// Info returns public license information for the info endpoint.
func (e *Engine) Info(ctx context.Context, key string) *Result {
	now := e.now()
	lic, err := e.caches.License(ctx, key)
	if err != nil {
		if cache.IsNotFound(err) {
			return fail(http.StatusNotFound, CodeInvalidLicense, "License not found", map[string]any{
				"license": key,
			})
		}
		return e.storeFailure(ctx, "info", "load license", err)
	}
	return ok(http.StatusOK, CodeLicenseInfo, "License information retrieved", map[string]any{
		"license":        key,
		"is_activated":   lic.Registered(),
		"is_banned":      lic.Banned,
		"expiry":         lic.Expiry,
		"is_expired":     lic.Expired(now),
		"created_at":     lic.CreatedAt,
		"days_remaining": lic.DaysRemaining(now),
	})
}

// CheckBan reports global banlist membership for a hardware id.
func (e *Engine) CheckBan(ctx context.Context, hwid string) *Result {
	banned, err := e.hwidBanned(ctx, hwid)
	if err != nil {
		return e.storeFailure(ctx, "check_ban", "load banlist", err)
	}
	code, message := CodeNotBanned, "HWID is not banned"
	if banned {
		code, message = CodeBanned, "HWID is banned"
	}
	return ok(http.StatusOK, code, message, map[string]any{
		"hwid":      domain.TruncateHwid(hwid),
		"is_banned": banned,
	})
}

// recordValidation bumps the validation counter and timestamp on the shared
// cached record, persisting only every Nth validation. Counts accumulated
// between persists live in the cache; evicting the entry early forfeits at
// most N-1 increments.
func (e *Engine) recordValidation(ctx context.Context, lic *domain.License) error {
	unlock := e.locks.lock(lic.Key)
	defer unlock()

	now := e.now()
	lic.ValidationCount++
	lic.LastValidated = &now
	if lic.ValidationCount%config.ValidationPersistEvery != 0 {
		return nil
	}
	return e.saveAndInvalidate(ctx, lic)
}

// maybeAutoUnban applies the lazy unban transition when a temporary ban has
// lapsed. Returns whether the license is still banned.
func (e *Engine) maybeAutoUnban(ctx context.Context, lic *domain.License) (bool, error) {
	if !lic.BanExpired(e.now()) {
		return lic.Banned, nil
	}
	unlock := e.locks.lock(lic.Key)
	defer unlock()
	return e.maybeAutoUnbanLocked(ctx, lic)
}

// maybeAutoUnbanLocked is maybeAutoUnban for callers already holding the
// per-license lock. The cached record is shared with concurrent validates
// that read ban state outside the lock, so the transition is written to a
// fresh copy from the store and the shared record is never mutated; readers
// holding the stale record converge here and see the ban already lifted.
func (e *Engine) maybeAutoUnbanLocked(ctx context.Context, lic *domain.License) (bool, error) {
	now := e.now()
	if !lic.BanExpired(now) {
		return lic.Banned, nil
	}

	fresh, err := e.store.GetLicense(ctx, lic.Key)
	if err != nil {
		return true, err
	}
	if !fresh.Banned {
		return false, nil
	}
	if !fresh.BanExpired(now) {
		return true, nil
	}

	previousReason := fresh.BanReason
	previousUntil := formatBanUntil(fresh.BanUntil)

	fresh.Banned = false
	fresh.BanReason = ""
	fresh.BannedAt = nil
	fresh.BannedBy = ""
	fresh.BanUntil = nil
	fresh.History = append(fresh.History, domain.HistoryEntry{
		Action: domain.ActionAutoUnbanned,
		Date:   now,
	})
	if err := e.saveAndInvalidate(ctx, fresh); err != nil {
		return true, err
	}

	e.notifier.Notify(webhook.EventAutoUnbanned, map[string]string{
		"license":           fresh.Key,
		"previousBanReason": previousReason,
		"bannedUntil":       previousUntil,
	})
	e.logger.InfoContext(ctx, "license auto-unbanned",
		slog.String("license", fresh.Key))
	return false, nil
}

// saveAndInvalidate writes the record through the store and drops the cache
// entry so the next read observes the write.
func (e *Engine) saveAndInvalidate(ctx context.Context, lic *domain.License) error {
	if err := e.store.SaveLicense(ctx, lic); err != nil {
		return err
	}
	e.caches.Invalidate(lic.Key)
	return nil
}

func (e *Engine) hwidBanned(ctx context.Context, hwid string) (bool, error) {
	banlist, err := e.caches.Banlist(ctx)
	if err != nil {
		return false, err
	}
	for _, banned := range banlist {
		if banned == hwid {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) logActivity(action, details string, meta RequestMeta, licenseKey string, severity domain.ActivitySeverity) {
	e.activity.Append(domain.ActivityEntry{
		Action:    action,
		Details:   details,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		License:   licenseKey,
		Severity:  severity,
		Date:      e.now(),
	})
}

// storeFailure logs a store error with context and converts it to the
// opaque SERVER_ERROR result.
func (e *Engine) storeFailure(ctx context.Context, op, step string, err error) *Result {
	e.logger.ErrorContext(ctx, "store operation failed",
		slog.String("operation", op),
		slog.String("step", step),
		slog.String("error", err.Error()))
	return serverError()
}

func formatBanUntil(t *time.Time) string {
	if t == nil {
		return "Permanent"
	}
	return t.Format(time.RFC3339)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "Never"
	}
	return t.Format(time.RFC3339)
}

// keyedMutex serializes mutating operations per license key. Entries are
// retained for the process lifetime; the key space is the set of licenses
// this instance has mutated, which stays small at this service's volume.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
