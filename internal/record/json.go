package record

import (
	"encoding/json"
	"fmt"
	"time"
)

type jsonValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes v as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindNull:
		return []byte(`{"type":"null"}`), nil
	case KindString, KindReference:
		payload = v.str
	case KindInt:
		payload = v.num
	case KindBool:
		payload = v.num != 0
	case KindReferenceList:
		payload = v.refs
		if v.refs == nil {
			payload = []string{}
		}
	case KindDouble:
		payload = v.flt
	case KindDate:
		payload = v.tm.UTC().Format(time.RFC3339Nano)
	case KindBytes:
		payload = v.raw
	default:
		return nil, fmt.Errorf("record: marshal value of %s", v.kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonValue{Type: v.kind.String(), Value: raw})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	kind, ok := parseValueKind(jv.Type)
	if !ok {
		return fmt.Errorf("record: unknown value type %q", jv.Type)
	}
	out := Value{kind: kind}
	var err error
	switch kind {
	case KindNull:
	case KindString, KindReference:
		err = json.Unmarshal(jv.Value, &out.str)
	case KindInt:
		err = json.Unmarshal(jv.Value, &out.num)
	case KindBool:
		var b bool
		err = json.Unmarshal(jv.Value, &b)
		out = Bool(b)
	case KindReferenceList:
		out.refs = []string{}
		err = json.Unmarshal(jv.Value, &out.refs)
	case KindDouble:
		err = json.Unmarshal(jv.Value, &out.flt)
	case KindDate:
		var s string
		if err = json.Unmarshal(jv.Value, &s); err == nil {
			out.tm, err = time.Parse(time.RFC3339Nano, s)
		}
	case KindBytes:
		err = json.Unmarshal(jv.Value, &out.raw)
	}
	if err != nil {
		return fmt.Errorf("record: decode %s value: %w", kind, err)
	}
	*v = out
	return nil
}

type jsonRecord struct {
	Type       string           `json:"record_type"`
	Name       string           `json:"record_name"`
	ChangeTag  string           `json:"change_tag,omitempty"`
	CreatedAt  *time.Time       `json:"created_at,omitempty"`
	ModifiedAt *time.Time       `json:"modified_at,omitempty"`
	ModifiedBy string           `json:"modified_by,omitempty"`
	Fields     map[string]Value `json:"fields"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// MarshalJSON encodes the record with its user fields under "fields".
func (r *Record) MarshalJSON() ([]byte, error) {
	fields := r.fields
	if fields == nil {
		fields = map[string]Value{}
	}
	return json.Marshal(jsonRecord{
		Type:       r.Type,
		Name:       r.Name,
		ChangeTag:  r.ChangeTag,
		CreatedAt:  optionalTime(r.CreatedAt),
		ModifiedAt: optionalTime(r.ModifiedAt),
		ModifiedBy: r.ModifiedBy,
		Fields:     fields,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var jr jsonRecord
	if err := json.Unmarshal(data, &jr); err != nil {
		return err
	}
	out := Record{
		Type:       jr.Type,
		Name:       jr.Name,
		ChangeTag:  jr.ChangeTag,
		ModifiedBy: jr.ModifiedBy,
		fields:     make(map[string]Value, len(jr.Fields)),
	}
	if jr.CreatedAt != nil {
		out.CreatedAt = *jr.CreatedAt
	}
	if jr.ModifiedAt != nil {
		out.ModifiedAt = *jr.ModifiedAt
	}
	for k, v := range jr.Fields {
		out.Set(k, v)
	}
	*r = out
	return nil
}
