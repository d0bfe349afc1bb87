package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/store"
)

// storedValue keeps the Go type of an attribute next to its JSON payload so
// integer widths and booleans survive the trip through the attrs column.
type storedValue struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

func encodeAttrs(e *store.Entity) (string, error) {
	out := make(map[string]storedValue)
	for _, name := range e.ValueNames() {
		v, _ := e.Value(name)
		var kind string
		switch x := v.(type) {
		case string:
			kind = "string"
		case int16:
			kind = "int16"
		case int32:
			kind = "int32"
		case int64:
			kind = "int64"
		case bool:
			kind = "boolean"
		case float64:
			kind = "double"
		case time.Time:
			kind = "date"
			v = x.UTC().Format(time.RFC3339Nano)
		case []byte:
			kind = "binary"
		default:
			return "", fmt.Errorf("sqlite: attribute %s.%s: unsupported Go type %T: %w", e.Type, name, v, apperr.ErrInvalidValue)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("sqlite: attribute %s.%s: %w", e.Type, name, err)
		}
		out[name] = storedValue{Kind: kind, Value: raw}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeAttrs(e *store.Entity, data string) error {
	var in map[string]storedValue
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return fmt.Errorf("sqlite: decode attrs of %d: %w", e.ID, err)
	}
	for name, sv := range in {
		v, err := decodeValue(sv)
		if err != nil {
			return fmt.Errorf("sqlite: decode %s.%s: %w", e.Type, name, err)
		}
		e.SetValue(name, v)
	}
	return nil
}

func decodeValue(sv storedValue) (any, error) {
	switch sv.Kind {
	case "string":
		return decodeAs[string](sv.Value)
	case "int16":
		return decodeAs[int16](sv.Value)
	case "int32":
		return decodeAs[int32](sv.Value)
	case "int64":
		return decodeAs[int64](sv.Value)
	case "boolean":
		return decodeAs[bool](sv.Value)
	case "double":
		return decodeAs[float64](sv.Value)
	case "binary":
		return decodeAs[[]byte](sv.Value)
	case "date":
		var s string
		if err := json.Unmarshal(sv.Value, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	return nil, fmt.Errorf("unknown stored kind %q", sv.Kind)
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
