package record

import (
	"bytes"
	"fmt"
	"slices"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

// Wire value kinds. String, Int, Bool, Reference and ReferenceList are what the
// codec produces; Double, Date and Bytes only travel through records untouched.
const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindBool
	KindReference
	KindReferenceList
	KindDouble
	KindDate
	KindBytes
)

var valueKindNames = [...]string{
	KindNull:          "null",
	KindString:        "string",
	KindInt:           "int",
	KindBool:          "bool",
	KindReference:     "reference",
	KindReferenceList: "references",
	KindDouble:        "double",
	KindDate:          "date",
	KindBytes:         "bytes",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("valuekind(%d)", uint8(k))
}

func parseValueKind(s string) (ValueKind, bool) {
	for i, name := range valueKindNames {
		if name == s {
			return ValueKind(i), true
		}
	}
	return KindNull, false
}

// Value is a single field value of a remote record. The zero Value is null.
type Value struct {
	kind ValueKind
	str  string
	num  int64
	flt  float64
	tm   time.Time
	refs []string
	raw  []byte
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int returns the unified wire integer.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Reference points at another record by name.
func Reference(name string) Value { return Value{kind: KindReference, str: name} }

// References points at a set of records by name. The list is copied.
func References(names ...string) Value {
	return Value{kind: KindReferenceList, refs: append([]string{}, names...)}
}

// Double returns a floating point value.
func Double(f float64) Value { return Value{kind: KindDouble, flt: f} }

// Date returns a timestamp value.
func Date(t time.Time) Value { return Value{kind: KindDate, tm: t} }

// Bytes returns a binary value. The slice is copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: bytes.Clone(b)} }

// Kind reports the variant held by v.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsInt returns the integer payload.
func (v Value) AsInt() (int64, bool) { return v.num, v.kind == KindInt }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.num != 0, v.kind == KindBool }

// AsReference returns the referenced record name.
func (v Value) AsReference() (string, bool) { return v.str, v.kind == KindReference }

// AsReferences returns a copy of the referenced record names.
func (v Value) AsReferences() ([]string, bool) {
	if v.kind != KindReferenceList {
		return nil, false
	}
	return append([]string{}, v.refs...), true
}

// AsDouble returns the floating point payload.
func (v Value) AsDouble() (float64, bool) { return v.flt, v.kind == KindDouble }

// AsDate returns the timestamp payload.
func (v Value) AsDate() (time.Time, bool) { return v.tm, v.kind == KindDate }

// AsBytes returns a copy of the binary payload.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return bytes.Clone(v.raw), true
}

// Equal reports whether two values hold the same variant and payload.
// Reference lists compare element-wise, in order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString, KindReference:
		return v.str == o.str
	case KindInt, KindBool:
		return v.num == o.num
	case KindDouble:
		return v.flt == o.flt
	case KindDate:
		return v.tm.Equal(o.tm)
	case KindReferenceList:
		return slices.Equal(v.refs, o.refs)
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	}
	return false
}

// GoString renders the value for logs and test failures.
func (v Value) GoString() string {
	switch v.kind {
	case KindString:
		return fmt.Sprintf("String(%q)", v.str)
	case KindInt:
		return fmt.Sprintf("Int(%d)", v.num)
	case KindBool:
		return fmt.Sprintf("Bool(%t)", v.num != 0)
	case KindReference:
		return fmt.Sprintf("Reference(%q)", v.str)
	case KindReferenceList:
		return fmt.Sprintf("References(%q)", v.refs)
	case KindDouble:
		return fmt.Sprintf("Double(%g)", v.flt)
	case KindDate:
		return fmt.Sprintf("Date(%s)", v.tm.Format(time.RFC3339Nano))
	case KindBytes:
		return fmt.Sprintf("Bytes(%d)", len(v.raw))
	}
	return "Null"
}
