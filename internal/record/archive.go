package record

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrMalformedArchive is returned when archived bytes cannot be decoded into a record.
var ErrMalformedArchive = errors.New("record: malformed archive")

// Archiver converts a full record, system fields included, to and from an
// opaque byte blob.
type Archiver interface {
	Archive(r *Record) ([]byte, error)
	Unarchive(data []byte) (*Record, error)
}

// BSONArchiver archives records as BSON documents. Timestamps are kept at
// millisecond precision.
type BSONArchiver struct{}

// Archive encodes r.
func (BSONArchiver) Archive(r *Record) ([]byte, error) {
	return r.MarshalBSON()
}

// Unarchive decodes data produced by Archive.
func (BSONArchiver) Unarchive(data []byte) (*Record, error) {
	r := &Record{}
	if err := r.UnmarshalBSON(data); err != nil {
		return nil, err
	}
	return r, nil
}

type bsonValue struct {
	Type   string    `bson:"t"`
	Str    string    `bson:"s,omitempty"`
	Num    int64     `bson:"i,omitempty"`
	Bool   bool      `bson:"b,omitempty"`
	Double float64   `bson:"f,omitempty"`
	Date   time.Time `bson:"d,omitempty"`
	Refs   []string  `bson:"r,omitempty"`
	Bytes  []byte    `bson:"x,omitempty"`
}

type bsonRecord struct {
	Name       string    `bson:"_id"`
	Type       string    `bson:"recordType"`
	ChangeTag  string    `bson:"changeTag,omitempty"`
	CreatedAt  time.Time `bson:"createdAt,omitempty"`
	ModifiedAt time.Time `bson:"modifiedAt,omitempty"`
	ModifiedBy string    `bson:"modifiedBy,omitempty"`
	Fields     bson.Raw  `bson:"fields"`
}

func toBSONValue(v Value) bsonValue {
	bv := bsonValue{Type: v.kind.String()}
	switch v.kind {
	case KindString, KindReference:
		bv.Str = v.str
	case KindInt:
		bv.Num = v.num
	case KindBool:
		bv.Bool = v.num != 0
	case KindDouble:
		bv.Double = v.flt
	case KindDate:
		bv.Date = v.tm
	case KindReferenceList:
		bv.Refs = v.refs
	case KindBytes:
		bv.Bytes = v.raw
	}
	return bv
}

func fromBSONValue(bv bsonValue) (Value, error) {
	kind, ok := parseValueKind(bv.Type)
	if !ok {
		return Value{}, fmt.Errorf("unknown value type %q", bv.Type)
	}
	switch kind {
	case KindString:
		return String(bv.Str), nil
	case KindReference:
		return Reference(bv.Str), nil
	case KindInt:
		return Int(bv.Num), nil
	case KindBool:
		return Bool(bv.Bool), nil
	case KindDouble:
		return Double(bv.Double), nil
	case KindDate:
		return Date(bv.Date), nil
	case KindReferenceList:
		return References(bv.Refs...), nil
	case KindBytes:
		return Bytes(bv.Bytes), nil
	}
	return Value{}, nil
}

// MarshalBSON encodes the record as a document keyed by its name. User fields
// are written in sorted order so equal records encode to identical bytes.
func (r *Record) MarshalBSON() ([]byte, error) {
	fields := make(bson.D, 0, len(r.fields))
	for _, k := range r.Keys() {
		fields = append(fields, bson.E{Key: k, Value: toBSONValue(r.fields[k])})
	}
	rawFields, err := bson.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("record: archive %s/%s: %w", r.Type, r.Name, err)
	}
	data, err := bson.Marshal(bsonRecord{
		Name:       r.Name,
		Type:       r.Type,
		ChangeTag:  r.ChangeTag,
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
		ModifiedBy: r.ModifiedBy,
		Fields:     rawFields,
	})
	if err != nil {
		return nil, fmt.Errorf("record: archive %s/%s: %w", r.Type, r.Name, err)
	}
	return data, nil
}

// UnmarshalBSON decodes the document written by MarshalBSON.
func (r *Record) UnmarshalBSON(data []byte) error {
	var br bsonRecord
	if err := bson.Unmarshal(data, &br); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	if br.Name == "" || br.Type == "" {
		return fmt.Errorf("%w: missing record identity", ErrMalformedArchive)
	}
	out := Record{
		Type:       br.Type,
		Name:       br.Name,
		ChangeTag:  br.ChangeTag,
		CreatedAt:  br.CreatedAt,
		ModifiedAt: br.ModifiedAt,
		ModifiedBy: br.ModifiedBy,
		fields:     make(map[string]Value),
	}
	if len(br.Fields) > 0 {
		elems, err := br.Fields.Elements()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
		}
		for _, el := range elems {
			var bv bsonValue
			if err := el.Value().Unmarshal(&bv); err != nil {
				return fmt.Errorf("%w: field %q: %v", ErrMalformedArchive, el.Key(), err)
			}
			v, err := fromBSONValue(bv)
			if err != nil {
				return fmt.Errorf("%w: field %q: %v", ErrMalformedArchive, el.Key(), err)
			}
			out.Set(el.Key(), v)
		}
	}
	*r = out
	return nil
}
