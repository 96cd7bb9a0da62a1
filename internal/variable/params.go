package variable

import (
	"fmt"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
)

// Params is an ordered, name-indexed set of Variables.
type Params struct {
	order  []*Variable
	byName map[string]*Variable
}

// Collect opens count variables through byIndex, in index order. byIndex is
// handed the engine to query so a failed lookup keeps its last error.
func Collect(eng engine.Engine, count int, byIndex func(e engine.Engine, i int) engine.Handle) (*Params, error) {
	p := &Params{byName: make(map[string]*Variable, count)}
	for i := 0; i < count; i++ {
		var h engine.Handle
		st, ok := engine.Try(eng, func(e engine.Engine) bool {
			h = byIndex(e, i)
			return h != engine.InvalidHandle
		})
		if !ok {
			p.Close()
			return nil, fmt.Errorf("parameter %d: %w", i, sdkerr.FromEngine(st, "openVariable", sdkerr.ErrNotFound))
		}
		v, err := Open(eng, h)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		p.order = append(p.order, v)
		p.byName[v.Name()] = v
	}
	return p, nil
}

// Get returns the parameter named name.
func (p *Params) Get(name string) (*Variable, error) {
	if v, ok := p.byName[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("parameter %q: %w", name, sdkerr.ErrNotFound)
}

// Has reports whether a parameter exists.
func (p *Params) Has(name string) bool {
	_, ok := p.byName[name]
	return ok
}

// All returns the parameters in engine order.
func (p *Params) All() []*Variable { return p.order }

func (p *Params) Len() int { return len(p.order) }

// Close releases every parameter handle.
func (p *Params) Close() {
	for _, v := range p.order {
		v.Close()
	}
}
