package variable

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// Parse converts loosely typed input (JSON numbers, CLI strings) into a
// Value of kind typ. Write stays strict; Parse is for outer surfaces only.
func Parse(typ types.VarType, raw any) (Value, error) {
	if s, ok := raw.(string); ok {
		return parseString(typ, s)
	}
	switch typ {
	case types.VarTypeUInt32, types.VarTypeInt32, types.VarTypeInt64:
		n, err := integral(raw)
		if err != nil {
			return nil, err
		}
		return intValue(typ, n)
	case types.VarTypeFloat32, types.VarTypeFloat64:
		f, err := floating(raw)
		if err != nil {
			return nil, err
		}
		if typ == types.VarTypeFloat32 {
			return Float32(f), nil
		}
		return Float64(f), nil
	case types.VarTypeBool:
		if b, ok := raw.(bool); ok {
			return Bool(b), nil
		}
	case types.VarTypeString:
	case types.VarTypeTime:
		switch x := raw.(type) {
		case time.Time:
			return TimeOf(x.UTC()), nil
		default:
			n, err := integral(raw)
			if err != nil {
				return nil, err
			}
			return TimeOf(time.Unix(n, 0).UTC()), nil
		}
	default:
		return nil, fmt.Errorf("%s: %w", typ, sdkerr.ErrUnsupportedType)
	}
	return nil, fmt.Errorf("cannot use %T as %s: %w", raw, typ, sdkerr.ErrTypeMismatch)
}

func parseString(typ types.VarType, s string) (Value, error) {
	switch typ {
	case types.VarTypeString:
		return String(s), nil
	case types.VarTypeUInt32, types.VarTypeInt32, types.VarTypeInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q as %s: %w", s, typ, sdkerr.ErrTypeMismatch)
		}
		return intValue(typ, n)
	case types.VarTypeFloat32, types.VarTypeFloat64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q as %s: %w", s, typ, sdkerr.ErrTypeMismatch)
		}
		return Parse(typ, f)
	case types.VarTypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%q as %s: %w", s, typ, sdkerr.ErrTypeMismatch)
		}
		return Bool(b), nil
	case types.VarTypeTime:
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return TimeOf(t.UTC()), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q as %s: %w", s, typ, sdkerr.ErrTypeMismatch)
		}
		return TimeOf(time.Unix(n, 0).UTC()), nil
	}
	return nil, fmt.Errorf("%s: %w", typ, sdkerr.ErrUnsupportedType)
}

func intValue(typ types.VarType, n int64) (Value, error) {
	switch typ {
	case types.VarTypeUInt32:
		if n < 0 || n > math.MaxUint32 {
			return nil, fmt.Errorf("%d overflows %s: %w", n, typ, sdkerr.ErrInvalidValue)
		}
		return UInt32(n), nil
	case types.VarTypeInt32:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("%d overflows %s: %w", n, typ, sdkerr.ErrInvalidValue)
		}
		return Int32(n), nil
	}
	return Int64(n), nil
}

func integral(raw any) (int64, error) {
	switch x := raw.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer: %w", x, sdkerr.ErrTypeMismatch)
		}
		if x < -(1<<63) || x >= 1<<63 {
			return 0, fmt.Errorf("%v overflows int64: %w", x, sdkerr.ErrInvalidValue)
		}
		return int64(x), nil
	}
	return 0, fmt.Errorf("cannot use %T as integer: %w", raw, sdkerr.ErrTypeMismatch)
}

func floating(raw any) (float64, error) {
	switch x := raw.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("cannot use %T as float: %w", raw, sdkerr.ErrTypeMismatch)
}
