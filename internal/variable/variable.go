// Package variable marshals typed values across the engine boundary.
//
// A Variable caches only its immutable name, type tag and attributes; every
// read and write goes to the engine.
package variable

import (
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// Variable is a named, typed, attribute-gated engine value.
type Variable struct {
	eng    engine.Engine
	handle engine.Handle
	name   string
	typ    types.VarType
	attr   types.VarAttr

	closeOnce sync.Once
}

// Open wraps an engine variable handle. The Variable owns the handle.
func Open(eng engine.Engine, h engine.Handle) (*Variable, error) {
	if h == engine.InvalidHandle {
		return nil, &sdkerr.EngineError{Op: "openVariable", Kind: sdkerr.ErrNotFound}
	}
	return &Variable{
		eng:    eng,
		handle: h,
		name:   eng.VariableName(h),
		typ:    types.VarType(eng.VariableType(h)),
		attr:   types.VarAttr(eng.VariableAttr(h)),
	}, nil
}

// Lookup opens a product-level variable by name.
func Lookup(eng engine.Engine, name string) (*Variable, error) {
	var h engine.Handle
	st, ok := engine.Try(eng, func(e engine.Engine) bool {
		h = e.Variable(name)
		return h != engine.InvalidHandle
	})
	if !ok {
		return nil, fmt.Errorf("variable %q: %w", name, sdkerr.FromEngine(st, "getVariable", sdkerr.ErrNotFound))
	}
	return Open(eng, h)
}

func (v *Variable) Name() string          { return v.name }
func (v *Variable) Type() types.VarType   { return v.typ }
func (v *Variable) Attr() types.VarAttr   { return v.attr }
func (v *Variable) Handle() engine.Handle { return v.handle }
func (v *Variable) Readable() bool        { return v.attr.Readable() }
func (v *Variable) Writable() bool        { return v.attr.Writable() }

// Valid asks the engine whether the variable currently holds a value.
func (v *Variable) Valid() bool { return v.eng.IsVariableValid(v.handle) }

// Close releases the engine handle. Safe to call more than once.
func (v *Variable) Close() {
	v.closeOnce.Do(func() { v.eng.CloseHandle(v.handle) })
}

func (v *Variable) marshalErr(st engine.Status, op string) error {
	return fmt.Errorf("variable %q: %w", v.name, sdkerr.FromEngine(st, op, sdkerr.ErrMarshalFailure))
}

// Read decodes the current value according to the type tag.
func (v *Variable) Read() (Value, error) {
	if !v.attr.Readable() {
		return nil, fmt.Errorf("variable %q: %w", v.name, sdkerr.ErrNotReadable)
	}
	if !v.eng.IsVariableValid(v.handle) {
		return nil, fmt.Errorf("variable %q: %w", v.name, sdkerr.ErrInvalidValue)
	}
	if !v.typ.Valid() {
		return nil, fmt.Errorf("variable %q has type %s: %w", v.name, v.typ, sdkerr.ErrUnsupportedType)
	}

	var (
		x  Value
		op string
	)
	st, ok := engine.Try(v.eng, func(e engine.Engine) bool {
		var ok bool
		x, op, ok = v.get(e)
		return ok
	})
	if !ok {
		return nil, v.marshalErr(st, op)
	}
	return x, nil
}

func (v *Variable) get(e engine.Engine) (Value, string, bool) {
	switch v.typ {
	case types.VarTypeInt32, types.VarTypeBool:
		n, ok := e.GetInt32(v.handle)
		if v.typ == types.VarTypeBool {
			return Bool(n != 0), "getInt32", ok
		}
		return Int32(n), "getInt32", ok
	case types.VarTypeUInt32, types.VarTypeInt64, types.VarTypeTime:
		n, ok := e.GetInt64(v.handle)
		switch v.typ {
		case types.VarTypeUInt32:
			return UInt32(uint32(n)), "getInt64", ok
		case types.VarTypeTime:
			return Time{time.Unix(n, 0).UTC()}, "getInt64", ok
		}
		return Int64(n), "getInt64", ok
	case types.VarTypeFloat32:
		f, ok := e.GetFloat32(v.handle)
		return Float32(f), "getFloat32", ok
	case types.VarTypeFloat64:
		f, ok := e.GetFloat64(v.handle)
		return Float64(f), "getFloat64", ok
	}
	s, ok := e.GetString(v.handle)
	return String(s), "getString", ok
}

// Write stores x. The kind of x must match the type tag exactly.
func (v *Variable) Write(x Value) error {
	if !v.attr.Writable() {
		return fmt.Errorf("variable %q: %w", v.name, sdkerr.ErrNotWritable)
	}
	if x == nil || x.Kind() != v.typ {
		return fmt.Errorf("variable %q is %s, got %T: %w", v.name, v.typ, x, sdkerr.ErrTypeMismatch)
	}

	op := "set"
	st, ok := engine.Try(v.eng, func(e engine.Engine) bool {
		var ok bool
		op, ok = v.set(e, x)
		return ok
	})
	if !ok {
		return v.marshalErr(st, op)
	}
	return nil
}

func (v *Variable) set(e engine.Engine, x Value) (string, bool) {
	switch val := x.(type) {
	case UInt32:
		return "setInt64", e.SetInt64(v.handle, int64(val))
	case Int32:
		return "setInt32", e.SetInt32(v.handle, int32(val))
	case Int64:
		return "setInt64", e.SetInt64(v.handle, int64(val))
	case Float32:
		return "setFloat32", e.SetFloat32(v.handle, float32(val))
	case Float64:
		return "setFloat64", e.SetFloat64(v.handle, float64(val))
	case Bool:
		var n int32
		if val {
			n = 1
		}
		return "setInt32", e.SetInt32(v.handle, n)
	case String:
		return "setString", e.SetString(v.handle, string(val))
	case Time:
		return "setInt64", e.SetInt64(v.handle, epochSeconds(val.Time))
	}
	return "set", false
}

// ReadInt reads any integer kind widened to int64.
func (v *Variable) ReadInt() (int64, error) {
	x, err := v.Read()
	if err != nil {
		return 0, err
	}
	switch n := x.(type) {
	case Int32:
		return int64(n), nil
	case UInt32:
		return int64(n), nil
	case Int64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("variable %q is %s, want integer: %w", v.name, v.typ, sdkerr.ErrTypeMismatch)
}

// ReadBool reads a Bool variable.
func (v *Variable) ReadBool() (bool, error) {
	x, err := v.Read()
	if err != nil {
		return false, err
	}
	b, ok := x.(Bool)
	if !ok {
		return false, fmt.Errorf("variable %q is %s, want bool: %w", v.name, v.typ, sdkerr.ErrTypeMismatch)
	}
	return bool(b), nil
}

// ReadTime reads a Time variable in UTC.
func (v *Variable) ReadTime() (time.Time, error) {
	x, err := v.Read()
	if err != nil {
		return time.Time{}, err
	}
	t, ok := x.(Time)
	if !ok {
		return time.Time{}, fmt.Errorf("variable %q is %s, want time: %w", v.name, v.typ, sdkerr.ErrTypeMismatch)
	}
	return t.Time, nil
}
