package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/record"
	"github.com/starford/recordsync/internal/schema"
)

// ErrUnsupportedKind is returned for attribute kinds without a wire coercion rule.
var ErrUnsupportedKind = errors.New("codec: unsupported attribute kind")

// rule converts one attribute kind between its local Go type and the wire.
type rule struct {
	toWire   func(v any) (record.Value, bool)
	fromWire func(v record.Value) (any, error)
}

// rules is the complete coercion table. Kinds missing here are unsupported.
var rules = map[schema.FieldKind]rule{
	schema.KindString: {
		toWire: func(v any) (record.Value, bool) {
			s, ok := v.(string)
			return record.String(s), ok
		},
		fromWire: func(v record.Value) (any, error) {
			if s, ok := v.AsString(); ok {
				return s, nil
			}
			return nil, mismatch(schema.KindString, v)
		},
	},
	schema.KindInt16: {
		toWire: func(v any) (record.Value, bool) {
			n, ok := v.(int16)
			return record.Int(int64(n)), ok
		},
		fromWire: func(v record.Value) (any, error) {
			n, err := wireInt(v, schema.KindInt16, math.MinInt16, math.MaxInt16)
			return int16(n), err
		},
	},
	schema.KindInt32: {
		toWire: func(v any) (record.Value, bool) {
			n, ok := v.(int32)
			return record.Int(int64(n)), ok
		},
		fromWire: func(v record.Value) (any, error) {
			n, err := wireInt(v, schema.KindInt32, math.MinInt32, math.MaxInt32)
			return int32(n), err
		},
	},
	schema.KindInt64: {
		toWire: func(v any) (record.Value, bool) {
			n, ok := v.(int64)
			return record.Int(n), ok
		},
		fromWire: func(v record.Value) (any, error) {
			return wireInt(v, schema.KindInt64, math.MinInt64, math.MaxInt64)
		},
	},
	schema.KindBoolean: {
		toWire: func(v any) (record.Value, bool) {
			b, ok := v.(bool)
			return record.Bool(b), ok
		},
		fromWire: func(v record.Value) (any, error) {
			if b, ok := v.AsBool(); ok {
				return b, nil
			}
			// Stores without a boolean type send 0 or 1.
			if n, ok := v.AsInt(); ok && (n == 0 || n == 1) {
				return n == 1, nil
			}
			return nil, mismatch(schema.KindBoolean, v)
		},
	},
}

// Supported reports whether kind has a coercion rule.
func Supported(kind schema.FieldKind) bool {
	_, ok := rules[kind]
	return ok
}

// ToWire converts a local attribute value to its wire form.
func ToWire(kind schema.FieldKind, v any) (record.Value, error) {
	r, ok := rules[kind]
	if !ok {
		return record.Value{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	out, ok := r.toWire(v)
	if !ok {
		return record.Value{}, fmt.Errorf("%w: %T is not a %s", apperr.ErrInvalidValue, v, kind)
	}
	return out, nil
}

// FromWire converts a wire value to the local Go type of kind.
func FromWire(kind schema.FieldKind, v record.Value) (any, error) {
	r, ok := rules[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	out, err := r.fromWire(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func wireInt(v record.Value, kind schema.FieldKind, lo, hi int64) (int64, error) {
	n, ok := v.AsInt()
	if !ok {
		return 0, mismatch(kind, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d overflows %s", apperr.ErrInvalidValue, n, kind)
	}
	return n, nil
}

func mismatch(kind schema.FieldKind, v record.Value) error {
	return fmt.Errorf("%w: wire %s cannot be read as %s", apperr.ErrInvalidValue, v.Kind(), kind)
}
