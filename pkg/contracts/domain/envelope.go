package domain

import (
	"net/http"

	"github.com/go-chi/render"
)

// Response is the wire envelope for every device-facing API reply.
type Response struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`

	HTTPStatus int `json:"-"`
}

// Render implements the render.Renderer interface.
func (r *Response) Render(w http.ResponseWriter, req *http.Request) error {
	status := r.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	render.Status(req, status)
	return nil
}
