// Package http implements the HTTP transport: the device API consumed by
// installed clients and the JWT-guarded admin API.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"keygate/internal/config"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// hwid: opaque identifier, length-bounded only.
	v.RegisterValidation("hwid", func(fl validator.FieldLevel) bool {
		l := len(fl.Field().String())
		return l >= config.HwidMinLength && l <= config.HwidMaxLength
	})
	return v
}

func firstValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0]
	}
	return err
}

// RegisterRequest is the device registration payload.
type RegisterRequest struct {
	License    string `json:"license" validate:"required"`
	Hwid       string `json:"hwid" validate:"required,hwid"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceInfo string `json:"device_info,omitempty"`
}

// Bind implements render.Binder.
func (req *RegisterRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// ResetRequestBody is the device payload filing a hwid reset request. The
// reason is sanitized and truncated downstream rather than rejected.
type ResetRequestBody struct {
	License string `json:"license" validate:"required"`
	Hwid    string `json:"hwid" validate:"required,hwid"`
	Reason  string `json:"reason" validate:"required"`
}

// Bind implements render.Binder.
func (req *ResetRequestBody) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// LoginRequest is the admin login payload.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Bind implements render.Binder.
func (req *LoginRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// GenerateRequest creates a single license. Key is optional; Expiry wins
// over DurationDays when both are set.
type GenerateRequest struct {
	Key          string     `json:"key,omitempty"`
	DurationDays int        `json:"duration_days,omitempty" validate:"omitempty,min=1"`
	Expiry       *time.Time `json:"expiry,omitempty"`
}

// Bind implements render.Binder.
func (req *GenerateRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// BulkGenerateRequest creates a batch of licenses.
type BulkGenerateRequest struct {
	Count        int `json:"count" validate:"required,min=1"`
	DurationDays int `json:"duration_days,omitempty" validate:"omitempty,min=1"`
}

// Bind implements render.Binder.
func (req *BulkGenerateRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// BanRequest bans a license, permanently unless DurationDays is set.
type BanRequest struct {
	Reason       string `json:"reason" validate:"required,max=500"`
	DurationDays int    `json:"duration_days,omitempty" validate:"omitempty,min=1"`
}

// Bind implements render.Binder.
func (req *BanRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// NoteRequest appends an admin note to a license.
type NoteRequest struct {
	Note string `json:"note" validate:"required,max=500"`
}

// Bind implements render.Binder.
func (req *NoteRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// SettingsRequest updates the system settings document.
type SettingsRequest struct {
	APIEnabled *bool `json:"api_enabled" validate:"required"`
}

// Bind implements render.Binder.
func (req *SettingsRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// BanHwidRequest adds a hardware id to the global banlist.
type BanHwidRequest struct {
	Hwid   string `json:"hwid" validate:"required,hwid"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// Bind implements render.Binder.
func (req *BanHwidRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}

// ProcessResetRequest approves or denies a reset request.
type ProcessResetRequest struct {
	AdminNote string `json:"admin_note,omitempty" validate:"max=500"`
}

// Bind implements render.Binder.
func (req *ProcessResetRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return firstValidationError(err)
	}
	return nil
}
