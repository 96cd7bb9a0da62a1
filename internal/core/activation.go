package core

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"go.opentelemetry.io/otel/attribute"
)

func (c *Core) timeoutMs() int { return int(c.timeout.Milliseconds()) }

func (c *Core) observeActivation(op string, err error) {
	if c.metrics != nil {
		c.metrics.ObserveActivation(op, err)
	}
}

// IsServerAlive 檢查啟用伺服器是否可達
func (c *Core) IsServerAlive(ctx context.Context) bool {
	_, end := c.span(ctx, "core.IsServerAlive")
	defer end(nil)
	return c.eng.IsServerAlive(c.timeoutMs())
}

// IsSNValid 向伺服器驗證序號
func (c *Core) IsSNValid(ctx context.Context, serial string) (err error) {
	_, end := c.span(ctx, "core.IsSNValid")
	defer end(&err)
	return c.try("isSNValid", sdkerr.ErrInvalidValue, func(e engine.Engine) bool {
		return e.IsSNValid(serial, c.timeoutMs())
	})
}

// ApplySN 以序號線上啟用；超過限流時回傳 ErrRateLimited
func (c *Core) ApplySN(ctx context.Context, serial string) (err error) {
	_, end := c.span(ctx, "core.ApplySN")
	defer end(&err)
	defer func() { c.observeActivation("applySN", err) }()

	if err := c.ready(); err != nil {
		return err
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return fmt.Errorf("serial activation: %w", sdkerr.ErrRateLimited)
	}
	if err := c.try("applySN", nil, func(e engine.Engine) bool {
		return e.ApplySN(serial, c.timeoutMs())
	}); err != nil {
		return err
	}
	c.log.Info("serial number applied")
	return nil
}

// ApplyLicenseCode 離線套用授權碼
func (c *Core) ApplyLicenseCode(ctx context.Context, code string) (err error) {
	_, end := c.span(ctx, "core.ApplyLicenseCode", attribute.Int("code.length", len(code)))
	defer end(&err)
	defer func() { c.observeActivation("applyLicenseCode", err) }()

	if err := c.ready(); err != nil {
		return err
	}
	if err := c.try("applyLicenseCode", sdkerr.ErrInvalidValue, func(e engine.Engine) bool {
		return e.ApplyLicenseCode(code)
	}); err != nil {
		return err
	}
	c.log.Info("license code applied")
	return nil
}
