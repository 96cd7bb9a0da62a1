package license

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// Entity is a protectable unit of functionality guarded by one License.
//
// Identity fields are fetched once at open and never change, so they are
// safe to read from event listeners running on the engine's goroutine.
type Entity struct {
	eng    engine.Engine
	handle engine.Handle
	id     string
	name   string
	desc   string
	lic    *License

	closeOnce sync.Once
}

// OpenEntity wraps an engine entity handle and opens its license.
// The Entity owns the handle.
func OpenEntity(eng engine.Engine, h engine.Handle, opts Options) (*Entity, error) {
	if h == engine.InvalidHandle {
		return nil, &sdkerr.EngineError{Op: "openEntity", Kind: sdkerr.ErrNotFound}
	}
	e := &Entity{
		eng:    eng,
		handle: h,
		id:     eng.EntityID(h),
		name:   eng.EntityName(h),
		desc:   eng.EntityDescription(h),
	}
	lic, err := openLicense(eng, e, opts.withDefaults())
	if err != nil {
		eng.CloseHandle(h)
		return nil, fmt.Errorf("entity %q: %w", e.id, err)
	}
	e.lic = lic
	return e, nil
}

// OpenEntityByID looks an entity up in the engine's entity table.
func OpenEntityByID(eng engine.Engine, id string, opts Options) (*Entity, error) {
	var h engine.Handle
	st, ok := engine.Try(eng, func(e engine.Engine) bool {
		h = e.OpenEntityByID(id)
		return h != engine.InvalidHandle
	})
	if !ok {
		return nil, fmt.Errorf("entity %q: %w", id, sdkerr.FromEngine(st, "openEntityById", sdkerr.ErrNotFound))
	}
	return OpenEntity(eng, h, opts)
}

func (e *Entity) ID() string            { return e.id }
func (e *Entity) Name() string          { return e.name }
func (e *Entity) Description() string   { return e.desc }
func (e *Entity) Handle() engine.Handle { return e.handle }
func (e *Entity) License() *License     { return e.lic }

// Attributes queries the engine for the current attribute bits.
func (e *Entity) Attributes() types.EntityAttr {
	return types.EntityAttr(e.eng.EntityAttributes(e.handle))
}

func (e *Entity) Accessible() bool { return e.Attributes().Has(types.EntityAccessible) }
func (e *Entity) Unlocked() bool   { return e.Attributes().Has(types.EntityUnlocked) }
func (e *Entity) Accessing() bool  { return e.Attributes().Has(types.EntityAccessing) }
func (e *Entity) Locked() bool     { return e.Attributes().Has(types.EntityLocked) }
func (e *Entity) AutoStart() bool  { return e.Attributes().Has(types.EntityAutoStart) }

// BeginAccess starts an access session. Sessions nest, and each successful
// BeginAccess must be paired with one EndAccess.
func (e *Entity) BeginAccess() bool { return e.eng.BeginAccess(e.handle) }

// EndAccess ends the innermost access session.
func (e *Entity) EndAccess() bool { return e.eng.EndAccess(e.handle) }

// Access runs fn inside an access session, ending it on every return path.
func (e *Entity) Access(fn func() error) error {
	st, ok := engine.Try(e.eng, func(in engine.Engine) bool { return in.BeginAccess(e.handle) })
	if !ok {
		return fmt.Errorf("entity %q: %w", e.id, sdkerr.FromEngine(st, "beginAccess", sdkerr.ErrAccessDenied))
	}
	defer e.EndAccess()
	return fn()
}

// Lock permanently locks the entity's license.
func (e *Entity) Lock() error { return e.lic.Lock() }

// Detach releases the license but leaves the entity handle open, for a
// duplicate wrapper around a handle another Entity owns.
func (e *Entity) Detach() {
	e.closeOnce.Do(func() { e.lic.Close() })
}

// Close releases the license and the entity handle.
func (e *Entity) Close() {
	e.closeOnce.Do(func() {
		e.lic.Close()
		e.eng.CloseHandle(e.handle)
	})
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s (%s)", e.id, e.name)
}
