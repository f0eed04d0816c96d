package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/auth"
	"keygate/internal/config"
	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/pkg/contracts/domain"
)

// AdminHandler serves the JWT-guarded management API.
type AdminHandler struct {
	engine *license.Engine
	issuer *auth.TokenIssuer
	auth   config.AuthConfig
	logger *slog.Logger
}

// NewAdminHandler creates the admin API handler.
func NewAdminHandler(engine *license.Engine, issuer *auth.TokenIssuer, authCfg config.AuthConfig, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		engine: engine,
		issuer: issuer,
		auth:   authCfg,
		logger: logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the admin router. Login sits outside the token guard with
// its own tighter rate limit; everything else requires a bearer token.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	loginLimiter := middleware.NewRateLimiter(config.LoginRateLimit, config.LoginRateLimit, h.logger)
	r.With(loginLimiter.Handler).Post("/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin(h.issuer, h.logger))

		r.Get("/licenses", h.ListLicenses)
		r.Post("/licenses", h.Generate)
		r.Post("/licenses/bulk", h.BulkGenerate)
		r.Get("/licenses/{key}", h.GetLicense)
		r.Delete("/licenses/{key}", h.DeleteLicense)
		r.Post("/licenses/{key}/ban", h.BanLicense)
		r.Post("/licenses/{key}/unban", h.UnbanLicense)
		r.Post("/licenses/{key}/reset-hwid", h.ResetHwid)
		r.Post("/licenses/{key}/notes", h.AddNote)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)

		r.Get("/banlist", h.GetBanlist)
		r.Post("/banlist/ban", h.BanHwid)
		r.Post("/banlist/unban", h.UnbanHwid)

		r.Get("/reset-requests", h.ListResetRequests)
		r.Post("/reset-requests/{id}/approve", h.ApproveReset)
		r.Post("/reset-requests/{id}/deny", h.DenyReset)

		r.Get("/activity", h.RecentActivity)
		r.Post("/cache/clear", h.ClearCaches)
	})
	return r
}

func respondOK(w http.ResponseWriter, r *http.Request, status int, code, message string, data map[string]any) {
	render.Render(w, r, &domain.Response{
		Success:    true,
		Code:       code,
		Message:    message,
		Data:       data,
		HTTPStatus: status,
	})
}

// Login handles POST /login, issuing a bearer token for valid credentials.
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	req := &LoginRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}

	// Constant response for wrong user and wrong password alike.
	if req.Username != h.auth.AdminUsername || !auth.CheckPassword(h.auth.AdminPasswordHash, req.Password) {
		h.logger.WarnContext(r.Context(), "admin login failed",
			"username", req.Username,
			"remote_addr", r.RemoteAddr,
		)
		render.Render(w, r, apierrors.ErrUnauthorized)
		return
	}

	token, expiry, err := h.issuer.Issue(req.Username)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "token issue failed", "error", err.Error())
		render.Render(w, r, apierrors.ErrServer)
		return
	}
	respondOK(w, r, http.StatusOK, "LOGIN_OK", "Authenticated", map[string]any{
		"token":      token,
		"expires_at": expiry,
	})
}

// ListLicenses handles GET /licenses.
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, apiErr := h.engine.ListLicenses(r.Context())
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "LICENSES_LISTED", "Licenses retrieved", map[string]any{
		"licenses": licenses,
		"count":    len(licenses),
	})
}

// Generate handles POST /licenses.
func (h *AdminHandler) Generate(w http.ResponseWriter, r *http.Request) {
	req := &GenerateRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}

	lic, apiErr := h.engine.Generate(r.Context(), license.GenerateParams{
		Key:          req.Key,
		DurationDays: req.DurationDays,
		Expiry:       req.Expiry,
		CreatedBy:    middleware.AdminUser(r.Context()),
	})
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusCreated, "LICENSE_GENERATED", "License created", map[string]any{
		"license": lic.Key,
		"expiry":  lic.Expiry,
	})
}

// BulkGenerate handles POST /licenses/bulk.
func (h *AdminHandler) BulkGenerate(w http.ResponseWriter, r *http.Request) {
	req := &BulkGenerateRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}

	licenses, batchID, apiErr := h.engine.BulkGenerate(r.Context(), req.Count, req.DurationDays, middleware.AdminUser(r.Context()))
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	keys := make([]string, 0, len(licenses))
	for _, lic := range licenses {
		keys = append(keys, lic.Key)
	}
	respondOK(w, r, http.StatusCreated, "BULK_GENERATED", "Licenses created", map[string]any{
		"batch_id": batchID,
		"licenses": keys,
		"count":    len(keys),
	})
}

// GetLicense handles GET /licenses/{key}.
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	lic, apiErr := h.engine.GetLicense(r.Context(), chi.URLParam(r, "key"))
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "LICENSE_FOUND", "License retrieved", map[string]any{
		"license": lic,
	})
}

// DeleteLicense handles DELETE /licenses/{key}.
func (h *AdminHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if apiErr := h.engine.Delete(r.Context(), key, middleware.AdminUser(r.Context())); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "LICENSE_DELETED", "License deleted", map[string]any{
		"license": key,
	})
}

// BanLicense handles POST /licenses/{key}/ban.
func (h *AdminHandler) BanLicense(w http.ResponseWriter, r *http.Request) {
	req := &BanRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}
	key := chi.URLParam(r, "key")
	if apiErr := h.engine.Ban(r.Context(), key, req.Reason, middleware.AdminUser(r.Context()), req.DurationDays); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "LICENSE_BANNED", "License banned", map[string]any{
		"license": key,
	})
}

// UnbanLicense handles POST /licenses/{key}/unban.
func (h *AdminHandler) UnbanLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if apiErr := h.engine.Unban(r.Context(), key, middleware.AdminUser(r.Context())); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "LICENSE_UNBANNED", "License unbanned", map[string]any{
		"license": key,
	})
}

// ResetHwid handles POST /licenses/{key}/reset-hwid.
func (h *AdminHandler) ResetHwid(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if apiErr := h.engine.ResetHwid(r.Context(), key, middleware.AdminUser(r.Context())); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "HWID_RESET", "Device binding cleared", map[string]any{
		"license": key,
	})
}

// AddNote handles POST /licenses/{key}/notes.
func (h *AdminHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	req := &NoteRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}
	key := chi.URLParam(r, "key")
	if apiErr := h.engine.AddNote(r.Context(), key, req.Note, middleware.AdminUser(r.Context())); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "NOTE_ADDED", "Note added", map[string]any{
		"license": key,
	})
}

// GetSettings handles GET /settings.
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, apiErr := h.engine.Settings(r.Context())
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "SETTINGS", "Settings retrieved", map[string]any{
		"settings": settings,
	})
}

// UpdateSettings handles PUT /settings.
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	req := &SettingsRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}
	settings, apiErr := h.engine.UpdateSettings(r.Context(), *req.APIEnabled, middleware.AdminUser(r.Context()))
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "SETTINGS_UPDATED", "Settings updated", map[string]any{
		"settings": settings,
	})
}

// GetBanlist handles GET /banlist.
func (h *AdminHandler) GetBanlist(w http.ResponseWriter, r *http.Request) {
	banlist, apiErr := h.engine.Banlist(r.Context())
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "BANLIST", "Banlist retrieved", map[string]any{
		"banlist": banlist,
		"count":   len(banlist),
	})
}

// BanHwid handles POST /banlist/ban.
func (h *AdminHandler) BanHwid(w http.ResponseWriter, r *http.Request) {
	req := &BanHwidRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}
	if apiErr := h.engine.BanHwid(r.Context(), req.Hwid, req.Reason, middleware.AdminUser(r.Context())); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "HWID_BANNED", "HWID banned", map[string]any{
		"hwid": domain.TruncateHwid(req.Hwid),
	})
}

// UnbanHwid handles POST /banlist/unban.
func (h *AdminHandler) UnbanHwid(w http.ResponseWriter, r *http.Request) {
	req := &BanHwidRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}
	if apiErr := h.engine.UnbanHwid(r.Context(), req.Hwid, middleware.AdminUser(r.Context())); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "HWID_UNBANNED", "HWID unbanned", map[string]any{
		"hwid": domain.TruncateHwid(req.Hwid),
	})
}

// ListResetRequests handles GET /reset-requests?status=pending|processed.
func (h *AdminHandler) ListResetRequests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	var requests []*domain.ResetRequest
	var apiErr *apierrors.APIError
	switch r.URL.Query().Get("status") {
	case "", "pending":
		requests, apiErr = h.engine.PendingResets(r.Context(), limit)
	case "processed":
		requests, apiErr = h.engine.ProcessedResets(r.Context(), limit)
	default:
		render.Render(w, r, apierrors.ErrValidation("status", "must be pending or processed"))
		return
	}
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "RESET_REQUESTS", "Reset requests retrieved", map[string]any{
		"requests": requests,
		"count":    len(requests),
	})
}

// ApproveReset handles POST /reset-requests/{id}/approve.
func (h *AdminHandler) ApproveReset(w http.ResponseWriter, r *http.Request) {
	req := &ProcessResetRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}
	id := chi.URLParam(r, "id")
	if apiErr := h.engine.ApproveReset(r.Context(), id, middleware.AdminUser(r.Context()), req.AdminNote); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "RESET_APPROVED", "Reset request approved", map[string]any{
		"request_id": id,
	})
}

// DenyReset handles POST /reset-requests/{id}/deny.
func (h *AdminHandler) DenyReset(w http.ResponseWriter, r *http.Request) {
	req := &ProcessResetRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("body", err.Error()))
		return
	}
	id := chi.URLParam(r, "id")
	if apiErr := h.engine.DenyReset(r.Context(), id, middleware.AdminUser(r.Context()), req.AdminNote); apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "RESET_DENIED", "Reset request denied", map[string]any{
		"request_id": id,
	})
}

// RecentActivity handles GET /activity?limit=...
func (h *AdminHandler) RecentActivity(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	entries, apiErr := h.engine.RecentActivity(r.Context(), limit)
	if apiErr != nil {
		render.Render(w, r, apiErr)
		return
	}
	respondOK(w, r, http.StatusOK, "ACTIVITY", "Activity retrieved", map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// ClearCaches handles POST /cache/clear.
func (h *AdminHandler) ClearCaches(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearCaches()
	h.logger.InfoContext(r.Context(), "caches cleared",
		"admin", middleware.AdminUser(r.Context()))
	respondOK(w, r, http.StatusOK, "CACHES_CLEARED", "All caches cleared", nil)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
