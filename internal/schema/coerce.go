package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/starford/recordsync/internal/apperr"
)

// Coerce converts a loosely typed value (YAML default, JSON body field) to the
// local Go type of kind: string, int16, int32, int64 or bool.
func Coerce(kind FieldKind, v any) (any, error) {
	switch kind {
	case KindString:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidValue, err)
		}
		return s, nil
	case KindInt16:
		n, err := coerceInt(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		return int16(n), nil
	case KindInt32:
		n, err := coerceInt(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case KindInt64:
		return coerceInt(v, math.MinInt64, math.MaxInt64)
	case KindBoolean:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidValue, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: no local type for kind %s", apperr.ErrInvalidValue, kind)
	}
}

func coerceInt(v any, lo, hi int64) (int64, error) {
	var (
		n   int64
		err error
	)
	switch x := v.(type) {
	case float32:
		n, err = floatInt(float64(x), lo, hi)
	case float64:
		n, err = floatInt(x, lo, hi)
	case string:
		n, err = parseInt(x)
	case json.Number:
		n, err = numberInt(x, lo, hi)
	case uint:
		n, err = uintInt(uint64(x))
	case uint64:
		n, err = uintInt(x)
	default:
		n, err = cast.ToInt64E(v)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperr.ErrInvalidValue, err)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d out of range [%d, %d]", apperr.ErrInvalidValue, n, lo, hi)
	}
	return n, nil
}

// floatInt accepts whole numbers inside [lo, hi]. Fractions are rejected
// rather than truncated.
func floatInt(f float64, lo, hi int64) (int64, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	// float64(hi)+1 rounds to 2^63 for MaxInt64, which is itself out of range.
	if f < float64(lo) || f >= float64(hi)+1 {
		return 0, fmt.Errorf("%v out of range [%d, %d]", f, lo, hi)
	}
	return int64(f), nil
}

// parseInt reads a base-10 integer; "010" is ten, not octal eight.
func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a base-10 integer", s)
	}
	return n, nil
}

// numberInt reads integers exactly and falls back to floatInt for forms like
// 3.0 or 1e3.
func numberInt(x json.Number, lo, hi int64) (int64, error) {
	if n, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
		return n, nil
	}
	f, err := x.Float64()
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", x.String())
	}
	return floatInt(f, lo, hi)
}

func uintInt(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("%d out of range", u)
	}
	return int64(u), nil
}
