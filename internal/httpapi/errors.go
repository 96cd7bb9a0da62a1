package httpapi

import (
	"errors"
	"net/http"

	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// problem RFC 7807 錯誤回應
type problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Code      *int   `json:"engine_code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

var problemKinds = []struct {
	kind   error
	status int
	typ    string
	title  string
}{
	{sdkerr.ErrNotInitialized, http.StatusServiceUnavailable, "/errors/not-initialized", "License engine not initialized"},
	{sdkerr.ErrNotFound, http.StatusNotFound, "/errors/not-found", "Not found"},
	{sdkerr.ErrRateLimited, http.StatusTooManyRequests, "/errors/rate-limit", "Too many requests"},
	{sdkerr.ErrActionRejected, http.StatusUnprocessableEntity, "/errors/action-rejected", "Action not accepted by license"},
	{sdkerr.ErrActionCreationFailed, http.StatusUnprocessableEntity, "/errors/action-failed", "Action could not be created"},
	{sdkerr.ErrTypeMismatch, http.StatusBadRequest, "/errors/validation", "Invalid request"},
	{sdkerr.ErrUnsupportedType, http.StatusBadRequest, "/errors/validation", "Invalid request"},
	{sdkerr.ErrInvalidValue, http.StatusBadRequest, "/errors/validation", "Invalid request"},
}

func problemFor(err error) problem {
	p := problem{Type: "/errors/internal", Title: "Internal error", Status: http.StatusInternalServerError}
	for _, k := range problemKinds {
		if errors.Is(err, k.kind) {
			p.Type, p.Title, p.Status = k.typ, k.title, k.status
			break
		}
	}
	p.Detail = err.Error()
	var engErr *sdkerr.EngineError
	if errors.As(err, &engErr) {
		code := engErr.Code
		p.Code = &code
	}
	return p
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err)
	p.RequestID = middleware.GetReqID(r.Context())
	if p.Status >= http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "request failed", "error", err, "path", r.URL.Path, "request_id", p.RequestID)
	} else {
		a.log.DebugContext(r.Context(), "request rejected", "error", err, "status", p.Status)
	}
	render.Status(r, p.Status)
	render.JSON(w, r, p)
}
