package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ChuLiYu/licensekit/internal/core"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// actionBody 單一動作；action 可為名稱（addAccessTime）或數值（100）
type actionBody struct {
	Action string         `json:"action" validate:"required"`
	Entity string         `json:"entity,omitempty" validate:"omitempty,max=128"`
	Params map[string]any `json:"params,omitempty"`
}

type requestBody struct {
	Actions []actionBody `json:"actions" validate:"required,min=1,max=32,dive"`
}

// Bind 實作 render.Binder
func (b *requestBody) Bind(*http.Request) error { return nil }

type requestResponse struct {
	Code      string `json:"code"`
	Actions   int    `json:"actions"`
	RequestID string `json:"request_id,omitempty"`
}

func parseAction(s string) (types.ActionID, error) {
	if id, ok := types.ParseActionID(s); ok {
		return id, nil
	}
	if n, err := strconv.Atoi(s); err == nil && types.ActionID(n).Known() {
		return types.ActionID(n), nil
	}
	return 0, fmt.Errorf("unknown action %q: %w", s, sdkerr.ErrInvalidValue)
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	body := new(requestBody)
	if err := render.Bind(r, body); err != nil {
		a.fail(w, r, fmt.Errorf("decode body: %v: %w", err, sdkerr.ErrInvalidValue))
		return
	}
	if err := a.validate.Struct(body); err != nil {
		a.fail(w, r, fmt.Errorf("%v: %w", err, sdkerr.ErrInvalidValue))
		return
	}

	specs := make([]core.ActionSpec, 0, len(body.Actions))
	for _, ab := range body.Actions {
		id, err := parseAction(ab.Action)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		specs = append(specs, core.ActionSpec{Action: id, Entity: ab.Entity, Params: ab.Params})
	}

	code, err := a.core.RequestCode(r.Context(), specs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, requestResponse{
		Code:      code,
		Actions:   len(specs),
		RequestID: middleware.GetReqID(r.Context()),
	})
}
