package license

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/internal/variable"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// License belongs to exactly one Entity.
type License struct {
	eng    engine.Engine
	handle engine.Handle
	entity *Entity
	opts   Options
	log    *slog.Logger

	model    types.ModelID
	name     string
	desc     string
	accepted []types.ActionID // captured at open

	mu     sync.Mutex // guards params and insp
	params *variable.Params
	insp   Inspector

	closeOnce sync.Once
}

func openLicense(eng engine.Engine, e *Entity, opts Options) (*License, error) {
	var h engine.Handle
	st, ok := engine.Try(eng, func(in engine.Engine) bool {
		h = in.OpenLicense(e.handle)
		return h != engine.InvalidHandle
	})
	if !ok {
		return nil, sdkerr.FromEngine(st, "openLicense", sdkerr.ErrNotFound)
	}
	l := &License{
		eng:    eng,
		handle: h,
		entity: e,
		opts:   opts,
		log:    opts.Logger.With("component", "license", "entity", e.id),
		model:  types.ModelID(eng.LicenseID(h)),
		name:   eng.LicenseName(h),
		desc:   eng.LicenseDescription(h),
	}
	n := eng.ActionInfoCount(h)
	for i := 0; i < n; i++ {
		id, _ := eng.ActionInfoByIndex(h, i)
		l.accepted = append(l.accepted, types.ActionID(id))
	}
	return l, nil
}

func (l *License) Model() types.ModelID  { return l.model }
func (l *License) Name() string          { return l.name }
func (l *License) Description() string   { return l.desc }
func (l *License) Handle() engine.Handle { return l.handle }
func (l *License) Entity() *Entity       { return l.entity }

// Status queries the engine for the current license status.
func (l *License) Status() types.LicenseStatus {
	return types.LicenseStatus(l.eng.LicenseStatus(l.handle))
}

// Valid reports whether the license currently allows access.
func (l *License) Valid() bool { return l.eng.IsLicenseValid(l.handle) }

func (l *License) Locked() bool   { return l.Status() == types.StatusLocked }
func (l *License) Unlocked() bool { return l.Status() == types.StatusUnlocked }

// Expired reports a license the engine has locked, which is how an engine
// marks an expired trial, or an active trial whose own logic no longer
// allows access.
func (l *License) Expired() bool {
	switch l.Status() {
	case types.StatusLocked:
		return true
	case types.StatusActive:
		return !l.Valid()
	}
	return false
}

// Lock permanently locks the license.
func (l *License) Lock() error {
	st, ok := engine.Try(l.eng, func(e engine.Engine) bool { return e.LockLicense(l.handle) })
	if !ok {
		return sdkerr.FromEngine(st, "lockLicense", nil)
	}
	return nil
}

// AcceptsAction reports whether id was in the accepted set at open time.
func (l *License) AcceptsAction(id types.ActionID) bool {
	for _, a := range l.accepted {
		if a == id {
			return true
		}
	}
	return false
}

// AcceptedActions returns the accepted action ids in engine order.
func (l *License) AcceptedActions() []types.ActionID {
	return append([]types.ActionID(nil), l.accepted...)
}

// Params opens the license parameters on first use.
func (l *License) Params() (*variable.Params, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paramsLocked()
}

func (l *License) paramsLocked() (*variable.Params, error) {
	if l.params != nil {
		return l.params, nil
	}
	n := l.eng.LicenseParamCount(l.handle)
	p, err := variable.Collect(l.eng, n, func(e engine.Engine, i int) engine.Handle {
		return e.LicenseParamByIndex(l.handle, i)
	})
	if err != nil {
		return nil, fmt.Errorf("license %s: %w", l.model, err)
	}
	l.params = p
	return p, nil
}

// Param returns a single license parameter by name.
func (l *License) Param(name string) (*variable.Variable, error) {
	p, err := l.Params()
	if err != nil {
		return nil, err
	}
	return p.Get(name)
}

// Inspector returns the model's inspector, built on first successful call
// and cached for the license's lifetime. Failed constructions are retried.
func (l *License) Inspector() (Inspector, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insp != nil {
		return l.insp, nil
	}

	ctor, ok := inspectors[l.model]
	if !ok {
		return nil, fmt.Errorf("license model %q: %w", l.model, sdkerr.ErrUnknownModel)
	}
	p, err := l.paramsLocked()
	if err != nil {
		return nil, err
	}
	insp, err := ctor(p, l.opts)
	if err != nil {
		l.log.Warn("inspector construction failed", "model", l.model, "error", err)
		return nil, fmt.Errorf("license %s: %w", l.model, err)
	}
	l.insp = insp
	return insp, nil
}

// Close releases parameters and the license handle.
func (l *License) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		if l.params != nil {
			l.params.Close()
		}
		l.mu.Unlock()
		l.eng.CloseHandle(l.handle)
	})
}
