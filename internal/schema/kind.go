package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FieldKind is the primitive type of an attribute.
type FieldKind int

// Attribute kinds. Only the first five have a wire coercion rule; the rest can be
// declared on a local entity but are flagged by the codec.
const (
	KindInvalid FieldKind = iota
	KindString
	KindInt16
	KindInt32
	KindInt64
	KindBoolean
	KindDouble
	KindDate
	KindBinary
)

var kindNames = map[FieldKind]string{
	KindString:  "string",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindBoolean: "boolean",
	KindDouble:  "double",
	KindDate:    "date",
	KindBinary:  "binary",
}

// String returns the declaration name of the kind.
func (k FieldKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsInteger reports whether k is one of the integer widths.
func (k FieldKind) IsInteger() bool {
	return k == KindInt16 || k == KindInt32 || k == KindInt64
}

// ParseKind maps a declaration name ("string", "int32", ...) to its kind.
func ParseKind(s string) (FieldKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	switch s {
	case "bool":
		return KindBoolean, nil
	case "integer16":
		return KindInt16, nil
	case "integer32":
		return KindInt32, nil
	case "integer64":
		return KindInt64, nil
	}
	return KindInvalid, fmt.Errorf("schema: unknown attribute kind %q", s)
}

// UnmarshalYAML decodes a kind from its declaration name.
func (k *FieldKind) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML encodes a kind as its declaration name.
func (k FieldKind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// MarshalText lets kinds render by name in JSON output.
func (k FieldKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DeleteRule is what the local store does to a relationship's destination when
// the source entity is deleted.
type DeleteRule string

// Delete rules.
const (
	DeleteNullify  DeleteRule = "nullify"
	DeleteCascade  DeleteRule = "cascade"
	DeleteDeny     DeleteRule = "deny"
	DeleteNoAction DeleteRule = "noAction"
)
