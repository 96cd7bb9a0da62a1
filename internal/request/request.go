// Package request composes ordered lists of license-changing actions and
// asks the engine to render them into an opaque request code.
package request

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/internal/variable"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/google/uuid"
)

// Observer is notified of request activity, typically a metrics collector.
type Observer interface {
	ObserveAction(kind types.ActionID, err error)
	ObserveCode(err error)
}

type nopObserver struct{}

func (nopObserver) ObserveAction(types.ActionID, error) {}
func (nopObserver) ObserveCode(error)                   {}

// Option configures a Request.
type Option func(*Request)

func WithObserver(o Observer) Option {
	return func(r *Request) {
		if o != nil {
			r.obs = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Request) {
		if l != nil {
			r.log = l
		}
	}
}

// Request is an ordered batch of actions.
type Request struct {
	eng    engine.Engine
	handle engine.Handle
	id     uuid.UUID
	obs    Observer
	log    *slog.Logger

	mu      sync.Mutex
	actions []Action
	closed  bool
}

// New creates an empty request.
func New(eng engine.Engine, opts ...Option) (*Request, error) {
	var h engine.Handle
	st, ok := engine.Try(eng, func(e engine.Engine) bool {
		h = e.CreateRequest()
		return h != engine.InvalidHandle
	})
	if !ok {
		return nil, sdkerr.FromEngine(st, "createRequest", nil)
	}
	r := &Request{
		eng:    eng,
		handle: h,
		id:     uuid.New(),
		obs:    nopObserver{},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "request", "request_id", r.id.String())
	return r, nil
}

// ID correlates log lines and API responses for this request.
func (r *Request) ID() uuid.UUID { return r.id }

func (r *Request) Handle() engine.Handle { return r.handle }

// AddAction appends an action of kind. With a target, the action is bound to
// the target's license and must be in its accepted set; without one it
// applies to every entity.
func (r *Request) AddAction(kind types.ActionID, target *license.Entity) (Action, error) {
	a, err := r.addAction(kind, target)
	r.obs.ObserveAction(kind, err)
	if err != nil {
		r.log.Debug("action not added", "action", kind, "error", err)
	}
	return a, err
}

func (r *Request) addAction(kind types.ActionID, target *license.Entity) (Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, sdkerr.ErrClosed
	}

	licHandle := engine.InvalidHandle
	if target != nil {
		if !target.License().AcceptsAction(kind) {
			return nil, fmt.Errorf("action %s on entity %q: %w", kind, target.ID(), sdkerr.ErrActionRejected)
		}
		licHandle = target.License().Handle()
	}

	build, ok := catalog[kind]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", kind, sdkerr.ErrActionCreationFailed)
	}

	var h engine.Handle
	st, ok := engine.Try(r.eng, func(e engine.Engine) bool {
		h = e.AddRequestAction(r.handle, int(kind), licHandle)
		return h != engine.InvalidHandle
	})
	if !ok {
		return nil, fmt.Errorf("action %s: %w", kind, sdkerr.FromEngine(st, "addRequestAction", sdkerr.ErrActionCreationFailed))
	}

	params, err := variable.Collect(r.eng, r.eng.ActionParamCount(h), func(e engine.Engine, i int) engine.Handle {
		return e.ActionParamByIndex(h, i)
	})
	if err != nil {
		r.eng.CloseHandle(h)
		return nil, fmt.Errorf("action %s: %w", kind, err)
	}

	a := build(base{
		eng:    r.eng,
		handle: h,
		kind:   kind,
		name:   r.eng.ActionName(h),
		target: target,
		params: params,
	})
	r.actions = append(r.actions, a)
	return a, nil
}

// Actions returns the actions in insertion order.
func (r *Request) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

// Code asks the engine to render the current action list.
func (r *Request) Code() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", sdkerr.ErrClosed
	}
	var code string
	st, ok := engine.Try(r.eng, func(e engine.Engine) bool {
		code = e.RequestCode(r.handle)
		return code != ""
	})
	if !ok {
		err := sdkerr.FromEngine(st, "getRequestCode", nil)
		r.obs.ObserveCode(err)
		return "", err
	}
	r.obs.ObserveCode(nil)
	r.log.Info("request code generated", "actions", len(r.actions))
	return code, nil
}

// Close releases every action and the request handle.
func (r *Request) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, a := range r.actions {
		a.close()
	}
	r.eng.CloseHandle(r.handle)
}
