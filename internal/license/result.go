package license

import (
	"net/http"

	"keygate/pkg/contracts/domain"
)

// Result codes emitted by the engine. These are wire-visible contract
// values; clients switch on them.
const (
	CodeValid                   = "VALID"
	CodeValidCached             = "VALID_CACHED"
	CodeAlreadyRegistered       = "ALREADY_REGISTERED"
	CodeDeviceRegistered        = "DEVICE_REGISTERED"
	CodeNotRegistered           = "NOT_REGISTERED"
	CodeInvalidLicense          = "INVALID_LICENSE"
	CodeLicenseBanned           = "LICENSE_BANNED"
	CodeExpired                 = "EXPIRED"
	CodeHwidMismatch            = "HWID_MISMATCH"
	CodeHwidAlreadyRegistered   = "HWID_ALREADY_REGISTERED"
	CodeLicenseAlreadyActivated = "LICENSE_ALREADY_ACTIVATED"
	CodeAPIDisabled             = "API_DISABLED"
	CodeBanned                  = "BANNED"
	CodeNotBanned               = "NOT_BANNED"
	CodeLicenseInfo             = "LICENSE_INFO"
	CodeRequestSubmitted        = "REQUEST_SUBMITTED"
	CodeRequestAlreadyExists    = "REQUEST_ALREADY_EXISTS"
	CodeRequestFound            = "REQUEST_FOUND"
	CodeNoRequest               = "NO_REQUEST"
	CodeResetRecentlyDenied     = "RESET_RECENTLY_DENIED"
	CodeRateLimited             = "RATE_LIMITED"
	CodeServerError             = "SERVER_ERROR"
)

// Result is the outcome of a state-machine evaluation: an HTTP status, a
// stable code, a human message and an optional data object.
type Result struct {
	Status  int
	Success bool
	Code    string
	Message string
	Data    map[string]any
}

// Response converts a Result into the wire envelope.
func (r *Result) Response() *domain.Response {
	return &domain.Response{
		Success:    r.Success,
		Code:       r.Code,
		Message:    r.Message,
		Data:       r.Data,
		HTTPStatus: r.Status,
	}
}

func ok(status int, code, message string, data map[string]any) *Result {
	return &Result{Status: status, Success: true, Code: code, Message: message, Data: data}
}

func fail(status int, code, message string, data map[string]any) *Result {
	return &Result{Status: status, Success: false, Code: code, Message: message, Data: data}
}

// serverError is the uniform surface for any store failure: opaque, logged
// at the operation boundary, never carrying store detail.
func serverError() *Result {
	return fail(http.StatusInternalServerError, CodeServerError, "Internal server error", nil)
}
