package core

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/internal/request"
	"github.com/ChuLiYu/licensekit/internal/variable"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// ActionSpec 描述一個待加入請求的動作，供 HTTP 與 CLI 使用
type ActionSpec struct {
	Action types.ActionID `json:"action" validate:"required"`
	// Entity 為空表示套用至所有實體
	Entity string         `json:"entity,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// RequestCode 依序加入動作並產生請求碼
func (c *Core) RequestCode(ctx context.Context, specs []ActionSpec) (code string, err error) {
	_, end := c.span(ctx, "core.RequestCode", attribute.Int("actions", len(specs)))
	defer end(&err)

	req, err := c.NewRequest()
	if err != nil {
		return "", err
	}
	defer req.Close()

	for i, spec := range specs {
		var target *license.Entity
		if spec.Entity != "" {
			if target, err = c.EntityByID(spec.Entity); err != nil {
				return "", fmt.Errorf("action #%d: %w", i, err)
			}
		}
		act, err := req.AddAction(spec.Action, target)
		if err != nil {
			return "", fmt.Errorf("action #%d: %w", i, err)
		}
		if err := bindParams(act, spec.Params); err != nil {
			return "", fmt.Errorf("action #%d (%s): %w", i, spec.Action, err)
		}
	}
	return req.Code()
}

// bindParams 依參數宣告的型別寫入外部輸入
func bindParams(act request.Action, params map[string]any) error {
	for name, raw := range params {
		v, err := act.Params().Get(name)
		if err != nil {
			return err
		}
		val, err := variable.Parse(v.Type(), raw)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		if err := v.Write(val); err != nil {
			return err
		}
	}
	return nil
}

// UnlockRequestCode 產生只含一個 UNLOCK 動作、目標為該實體的請求碼
func (c *Core) UnlockRequestCode(ctx context.Context, entityID string) (string, error) {
	return c.RequestCode(ctx, []ActionSpec{{Action: types.ActUnlock, Entity: entityID}})
}
