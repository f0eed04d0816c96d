package license

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"keygate/internal/cache"
	"keygate/internal/config"
	apierrors "keygate/internal/errors"
	"keygate/internal/store"
	"keygate/internal/webhook"
	"keygate/pkg/contracts/domain"
)

// ResetRequestInput is the input to RequestReset.
type ResetRequestInput struct {
	License string
	Hwid    string
	Reason  string
	Meta    RequestMeta
}

// RequestReset files a hwid reset request for a license. The caller must
// present the currently bound hwid; anyone else gets the same mismatch answer
// as a failed validation.
func (e *Engine) RequestReset(ctx context.Context, in ResetRequestInput) *Result {
	lic, err := e.caches.License(ctx, in.License)
	if err != nil {
		if cache.IsNotFound(err) {
			return fail(http.StatusNotFound, CodeInvalidLicense, "License not found", map[string]any{
				"license": in.License,
			})
		}
		return e.storeFailure(ctx, "reset_request", "load license", err)
	}

	if !lic.Registered() || lic.Hwid != in.Hwid {
		return fail(http.StatusForbidden, CodeHwidMismatch, "HWID does not match this license", map[string]any{
			"license": in.License,
		})
	}

	// Per-license throttle, enforced before any reset-collection reads.
	if !e.resetLimiter(in.License).Allow() {
		return fail(http.StatusTooManyRequests, CodeRateLimited, "Too many reset requests, try again later", map[string]any{
			"license": in.License,
		})
	}

	recent, err := e.store.QueryResetRequests(ctx, store.ResetQuery{
		License:  in.License,
		Statuses: []domain.ResetStatus{domain.ResetStatusPending, domain.ResetStatusDenied},
		Limit:    10,
	})
	if err != nil {
		return e.storeFailure(ctx, "reset_request", "query requests", err)
	}
	now := e.now()
	for _, r := range recent {
		if r.Status == domain.ResetStatusPending {
			return fail(http.StatusConflict, CodeRequestAlreadyExists, "A reset request is already pending", map[string]any{
				"request_id":   r.ID,
				"requested_at": r.RequestedAt,
			})
		}
		if r.Status == domain.ResetStatusDenied && r.ProcessedAt != nil &&
			now.Sub(*r.ProcessedAt) < config.ResetDeniedCooldown {
			return fail(http.StatusTooManyRequests, CodeResetRecentlyDenied, "A reset request was recently denied", map[string]any{
				"denied_at":  r.ProcessedAt,
				"admin_note": r.AdminNote,
			})
		}
	}

	req := &domain.ResetRequest{
		ID:          uuid.NewString(),
		License:     in.License,
		Hwid:        domain.TruncateHwid(in.Hwid),
		FullHwid:    in.Hwid,
		Reason:      Sanitize(in.Reason),
		Status:      domain.ResetStatusPending,
		RequestedAt: now,
		IP:          in.Meta.IP,
		UserAgent:   in.Meta.UserAgent,
	}
	if err := e.store.CreateResetRequest(ctx, req); err != nil {
		return e.storeFailure(ctx, "reset_request", "create request", err)
	}

	e.logActivity("RESET_REQUESTED", "License: "+in.License+", reason: "+req.Reason,
		in.Meta, in.License, domain.SeverityMedium)
	e.notifier.Notify(webhook.EventResetRequest, map[string]string{
		"license":   in.License,
		"hwid":      req.Hwid,
		"reason":    req.Reason,
		"requestId": req.ID,
		"ip":        in.Meta.IP,
	})

	return ok(http.StatusCreated, CodeRequestSubmitted, "Reset request submitted for review", map[string]any{
		"request_id":   req.ID,
		"license":      in.License,
		"status":       req.Status,
		"requested_at": req.RequestedAt,
	})
}

// ResetStatus reports the most recent reset request for a license. The
// caller must again present the bound hwid, or the full hwid of a pending
// request, so status is not an oracle for third parties.
func (e *Engine) ResetStatus(ctx context.Context, licenseKey, hwid string) *Result {
	requests, err := e.store.QueryResetRequests(ctx, store.ResetQuery{
		License: licenseKey,
		Limit:   1,
	})
	if err != nil {
		return e.storeFailure(ctx, "reset_status", "query requests", err)
	}
	if len(requests) == 0 {
		return ok(http.StatusOK, CodeNoRequest, "No reset request on file", map[string]any{
			"license": licenseKey,
		})
	}

	req := requests[0]
	if req.FullHwid != hwid {
		return fail(http.StatusForbidden, CodeHwidMismatch, "HWID does not match this request", map[string]any{
			"license": licenseKey,
		})
	}
	return ok(http.StatusOK, CodeRequestFound, "Reset request found", map[string]any{
		"request_id":   req.ID,
		"license":      req.License,
		"status":       req.Status,
		"requested_at": req.RequestedAt,
		"processed_at": req.ProcessedAt,
		"admin_note":   req.AdminNote,
	})
}

// ApproveReset grants a pending reset: the license is unbound and the
// request closed. Approving a processed request is a conflict.
func (e *Engine) ApproveReset(ctx context.Context, requestID, processedBy, adminNote string) *apierrors.APIError {
	req, err := e.store.GetResetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ErrRequestNotFound
		}
		e.logger.ErrorContext(ctx, "reset request lookup failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	if req.Status != domain.ResetStatusPending {
		return apierrors.New(http.StatusConflict, "REQUEST_PROCESSED", "Reset request already processed")
	}

	unlock := e.locks.lock(req.License)
	defer unlock()

	lic, err := e.store.GetLicense(ctx, req.License)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	// A deleted license or an already re-reset binding still lets the
	// request close; the unbind only applies while the binding the user
	// complained about is in place.
	if lic != nil && lic.Registered() && lic.Hwid == req.FullHwid {
		if err := e.unbindApproved(ctx, lic, processedBy); err != nil {
			e.logger.ErrorContext(ctx, "reset unbind failed", slog.String("error", err.Error()))
			return apierrors.ErrServer
		}
	}

	if err := e.store.SetResetStatus(ctx, requestID, domain.ResetStatusApproved, processedBy, Sanitize(adminNote), e.now()); err != nil {
		e.logger.ErrorContext(ctx, "reset status update failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}

	e.logActivity("RESET_APPROVED", "License: "+req.License+" by "+processedBy,
		RequestMeta{}, req.License, domain.SeverityMedium)
	e.notifier.Notify(webhook.EventResetApproved, map[string]string{
		"license":     req.License,
		"hwid":        req.Hwid,
		"processedBy": processedBy,
	})
	return nil
}

func (e *Engine) unbindApproved(ctx context.Context, lic *domain.License, actor string) error {
	return e.unbind(ctx, lic, domain.ActionHwidResetApproved, actor)
}

// DenyReset closes a pending request without touching the license. The
// denial starts the cooldown window for new requests.
func (e *Engine) DenyReset(ctx context.Context, requestID, processedBy, adminNote string) *apierrors.APIError {
	req, err := e.store.GetResetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ErrRequestNotFound
		}
		e.logger.ErrorContext(ctx, "reset request lookup failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}
	if req.Status != domain.ResetStatusPending {
		return apierrors.New(http.StatusConflict, "REQUEST_PROCESSED", "Reset request already processed")
	}

	if err := e.store.SetResetStatus(ctx, requestID, domain.ResetStatusDenied, processedBy, Sanitize(adminNote), e.now()); err != nil {
		e.logger.ErrorContext(ctx, "reset status update failed", slog.String("error", err.Error()))
		return apierrors.ErrServer
	}

	e.logActivity("RESET_DENIED", "License: "+req.License+" by "+processedBy,
		RequestMeta{}, req.License, domain.SeverityMedium)
	return nil
}

// PendingResets lists reset requests awaiting a decision.
func (e *Engine) PendingResets(ctx context.Context, limit int) ([]*domain.ResetRequest, *apierrors.APIError) {
	requests, err := e.store.QueryResetRequests(ctx, store.ResetQuery{
		Statuses: []domain.ResetStatus{domain.ResetStatusPending},
		Limit:    limit,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "reset query failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}
	return requests, nil
}

// ProcessedResets lists approved and denied requests, newest first.
func (e *Engine) ProcessedResets(ctx context.Context, limit int) ([]*domain.ResetRequest, *apierrors.APIError) {
	requests, err := e.store.QueryResetRequests(ctx, store.ResetQuery{
		Statuses: []domain.ResetStatus{domain.ResetStatusApproved, domain.ResetStatusDenied},
		Limit:    limit,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "reset query failed", slog.String("error", err.Error()))
		return nil, apierrors.ErrServer
	}
	return requests, nil
}

// resetLimiter returns the per-license limiter, allowing bursts of
// ResetRequestsPerHour with refill spread across the hour.
func (e *Engine) resetLimiter(licenseKey string) *rate.Limiter {
	e.resetMu.Lock()
	defer e.resetMu.Unlock()
	l, ok := e.resetLimiters[licenseKey]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Hour/config.ResetRequestsPerHour), config.ResetRequestsPerHour)
		e.resetLimiters[licenseKey] = l
	}
	return l
}
