package variable

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/licensekit/pkg/types"
)

// Value is the closed set of kinds a Variable can hold.
type Value interface {
	Kind() types.VarType
	isValue()
}

type (
	UInt32  uint32
	Int32   int32
	Int64   int64
	Float32 float32
	Float64 float64
	Bool    bool
	String  string
	// Time is stored by the engine as whole epoch seconds.
	Time struct{ time.Time }
)

func (UInt32) Kind() types.VarType  { return types.VarTypeUInt32 }
func (Int32) Kind() types.VarType   { return types.VarTypeInt32 }
func (Int64) Kind() types.VarType   { return types.VarTypeInt64 }
func (Float32) Kind() types.VarType { return types.VarTypeFloat32 }
func (Float64) Kind() types.VarType { return types.VarTypeFloat64 }
func (Bool) Kind() types.VarType    { return types.VarTypeBool }
func (String) Kind() types.VarType  { return types.VarTypeString }
func (Time) Kind() types.VarType    { return types.VarTypeTime }

func (UInt32) isValue()  {}
func (Int32) isValue()   {}
func (Int64) isValue()   {}
func (Float32) isValue() {}
func (Float64) isValue() {}
func (Bool) isValue()    {}
func (String) isValue()  {}
func (Time) isValue()    {}

// TimeOf wraps t as a Time value.
func TimeOf(t time.Time) Time { return Time{t} }

// epochSeconds converts t to epoch seconds, truncating toward zero.
func epochSeconds(t time.Time) int64 {
	secs := t.Unix()
	if secs < 0 && t.Nanosecond() != 0 {
		secs++
	}
	return secs
}

// Format renders v for display.
func Format(v Value) string {
	switch x := v.(type) {
	case Time:
		return x.UTC().Format(time.RFC3339)
	case Bool:
		return fmt.Sprintf("%t", bool(x))
	case String:
		return string(x)
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Native returns v as a plain Go value, for encoders.
func Native(v Value) any {
	switch x := v.(type) {
	case UInt32:
		return uint32(x)
	case Int32:
		return int32(x)
	case Int64:
		return int64(x)
	case Float32:
		return float32(x)
	case Float64:
		return float64(x)
	case Bool:
		return bool(x)
	case String:
		return string(x)
	case Time:
		return x.UTC()
	}
	return nil
}
