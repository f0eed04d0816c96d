package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"keygate/internal/license"
	"keygate/pkg/contracts/domain"
)

// Validation codes emitted by the transport before a request reaches the
// engine. Wire-visible; clients switch on them like the engine codes.
const (
	codeMissingParameters = "MISSING_PARAMETERS"
	codeInvalidHwid       = "INVALID_HWID"
)

// DeviceHandler serves the public device API: registration, validation and
// the reset-request surface.
type DeviceHandler struct {
	engine *license.Engine
	logger *slog.Logger
}

// NewDeviceHandler creates the device API handler.
func NewDeviceHandler(engine *license.Engine, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		engine: engine,
		logger: logger.With(slog.String("handler", "device")),
	}
}

// Routes returns the device API router.
func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.Register)
	r.Get("/validate", h.Validate)
	r.Get("/license-info", h.LicenseInfo)
	r.Post("/reset-request", h.ResetRequest)
	r.Get("/reset-request/status", h.ResetStatus)
	r.Get("/check-ban", h.CheckBan)
	return r
}

func meta(r *http.Request) license.RequestMeta {
	return license.RequestMeta{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

// deviceFail renders a device-API rejection in the same envelope the engine
// results use. The admin API keeps its own error shape.
func deviceFail(w http.ResponseWriter, r *http.Request, code, message string) {
	render.Render(w, r, &domain.Response{
		Success:    false,
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	})
}

// bindFail maps a body bind failure onto the device validation codes.
func bindFail(w http.ResponseWriter, r *http.Request, err error) {
	var fe validator.FieldError
	if errors.As(err, &fe) && fe.Tag() == "hwid" {
		deviceFail(w, r, codeInvalidHwid, "Invalid HWID format")
		return
	}
	deviceFail(w, r, codeMissingParameters, "Missing required parameters")
}

// Register handles POST /register.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	req := &RegisterRequest{}
	if err := render.Bind(r, req); err != nil {
		bindFail(w, r, err)
		return
	}

	res := h.engine.Register(r.Context(), license.RegisterRequest{
		License:    req.License,
		Hwid:       req.Hwid,
		DeviceName: req.DeviceName,
		DeviceInfo: req.DeviceInfo,
		Meta:       meta(r),
	})
	render.Render(w, r, res.Response())
}

// Validate handles GET /validate?license=...&hwid=...
func (h *DeviceHandler) Validate(w http.ResponseWriter, r *http.Request) {
	licenseKey := r.URL.Query().Get("license")
	hwid := r.URL.Query().Get("hwid")
	if licenseKey == "" || hwid == "" {
		deviceFail(w, r, codeMissingParameters, "Missing required parameters: license and hwid")
		return
	}
	if !license.ValidHwid(hwid) {
		deviceFail(w, r, codeInvalidHwid, "Invalid HWID format")
		return
	}

	res := h.engine.Validate(r.Context(), license.ValidateRequest{
		License: licenseKey,
		Hwid:    hwid,
		Meta:    meta(r),
	})
	render.Render(w, r, res.Response())
}

// LicenseInfo handles GET /license-info?license=...
func (h *DeviceHandler) LicenseInfo(w http.ResponseWriter, r *http.Request) {
	licenseKey := r.URL.Query().Get("license")
	if licenseKey == "" {
		deviceFail(w, r, codeMissingParameters, "Missing required parameter: license")
		return
	}
	render.Render(w, r, h.engine.Info(r.Context(), licenseKey).Response())
}

// ResetRequest handles POST /reset-request.
func (h *DeviceHandler) ResetRequest(w http.ResponseWriter, r *http.Request) {
	req := &ResetRequestBody{}
	if err := render.Bind(r, req); err != nil {
		bindFail(w, r, err)
		return
	}

	res := h.engine.RequestReset(r.Context(), license.ResetRequestInput{
		License: req.License,
		Hwid:    req.Hwid,
		Reason:  req.Reason,
		Meta:    meta(r),
	})
	render.Render(w, r, res.Response())
}

// ResetStatus handles GET /reset-request/status?license=...&hwid=...
func (h *DeviceHandler) ResetStatus(w http.ResponseWriter, r *http.Request) {
	licenseKey := r.URL.Query().Get("license")
	hwid := r.URL.Query().Get("hwid")
	if licenseKey == "" || hwid == "" {
		deviceFail(w, r, codeMissingParameters, "Missing required parameters: license and hwid")
		return
	}
	render.Render(w, r, h.engine.ResetStatus(r.Context(), licenseKey, hwid).Response())
}

// CheckBan handles GET /check-ban?hwid=...
func (h *DeviceHandler) CheckBan(w http.ResponseWriter, r *http.Request) {
	hwid := r.URL.Query().Get("hwid")
	if hwid == "" {
		deviceFail(w, r, codeMissingParameters, "Missing required parameter: hwid")
		return
	}
	render.Render(w, r, h.engine.CheckBan(r.Context(), hwid).Response())
}
