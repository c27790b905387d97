package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

var (
	ErrEmptyMeasurement = errors.New("record measurement is empty")
	ErrNoFields         = errors.New("record has no fields")
	ErrEmptyKey         = errors.New("record key is empty")
	ErrDuplicateKey     = errors.New("duplicate record key")
	ErrInvalidValue     = errors.New("invalid record value")
)

// Kind identifies the scalar type held by a Value
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindBool
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "invalid"
	}
}

// Value is a tagged scalar used for tag and field values
type Value struct {
	kind Kind
	s    string
	b    bool
	i    int64
	f    float64
}

func String(s string) Value { return Value{kind: KindString, s: s} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) Str() string { return v.s }
func (v Value) Bool() bool { return v.b }
func (v Value) Int() int64 { return v.i }
func (v Value) Float() float64 { return v.f }

// Interface returns the value as a plain Go scalar (string, bool, int64 or float64)
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	default:
		return nil
	}
}

// Literal renders the value as a plain scalar: strings verbatim, bools as
// true/false, ints in decimal and floats via FormatFloat.
func (v Value) Literal() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return FormatFloat(v.f)
	default:
		return ""
	}
}

// Tag is a single tag key/value pair. Tag values are non-empty strings,
// bools or ints.
type Tag struct {
	Key   string
	Value Value
}

// Field is a single field key/value pair. Field values are ints, floats or bools.
type Field struct {
	Key   string
	Value Value
}

// Timestamp is a nanosecond epoch timestamp that may be absent
type Timestamp struct {
	ns  int64
	set bool
}

// NoTimestamp marks a record whose time is assigned by the sink
var NoTimestamp = Timestamp{}

// At returns a timestamp of ns nanoseconds since the Unix epoch
func At(ns int64) Timestamp { return Timestamp{ns: ns, set: true} }

// AtTime converts t to a nanosecond timestamp
func AtTime(t time.Time) Timestamp { return At(t.UnixNano()) }

// Nanos returns the timestamp and whether it is present
func (t Timestamp) Nanos() (int64, bool) { return t.ns, t.set }

// Record is a single telemetry point: measurement, ordered tags, ordered
// fields and an optional timestamp. Records are immutable once built.
type Record struct {
	measurement string
	tags        []Tag
	fields      []Field
	ts          Timestamp
}

// NewRecord validates and builds a Record. The tag and field slices are copied.
func NewRecord(measurement string, tags []Tag, fields []Field, ts Timestamp) (Record, error) {
	if measurement == "" {
		return Record{}, ErrEmptyMeasurement
	}
	if len(fields) == 0 {
		return Record{}, ErrNoFields
	}

	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if err := checkKey(seen, t.Key); err != nil {
			return Record{}, fmt.Errorf("tag: %w", err)
		}
		switch t.Value.kind {
		case KindString:
			if t.Value.s == "" {
				return Record{}, fmt.Errorf("%w: tag %q is empty", ErrInvalidValue, t.Key)
			}
		case KindBool, KindInt:
		default:
			return Record{}, fmt.Errorf("%w: tag %q has kind %s", ErrInvalidValue, t.Key, t.Value.kind)
		}
	}

	seen = make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if err := checkKey(seen, f.Key); err != nil {
			return Record{}, fmt.Errorf("field: %w", err)
		}
		switch f.Value.kind {
		case KindBool, KindInt:
		case KindFloat:
			if math.IsNaN(f.Value.f) || math.IsInf(f.Value.f, 0) {
				return Record{}, fmt.Errorf("%w: field %q is not finite", ErrInvalidValue, f.Key)
			}
		default:
			return Record{}, fmt.Errorf("%w: field %q has kind %s", ErrInvalidValue, f.Key, f.Value.kind)
		}
	}

	return Record{
		measurement: measurement,
		tags:        append([]Tag(nil), tags...),
		fields:      append([]Field(nil), fields...),
		ts:          ts,
	}, nil
}

func checkKey(seen map[string]struct{}, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, dup := seen[key]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	seen[key] = struct{}{}
	return nil
}

func (r Record) Measurement() string { return r.measurement }

// Tags returns a copy of the record's tags in insertion order
func (r Record) Tags() []Tag { return append([]Tag(nil), r.tags...) }

// Fields returns a copy of the record's fields in insertion order
func (r Record) Fields() []Field { return append([]Field(nil), r.fields...) }

func (r Record) Timestamp() Timestamp { return r.ts }

// Field looks up a field value by key
func (r Record) Field(key string) (Value, bool) {
	for _, f := range r.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Tag looks up a tag value by key
func (r Record) Tag(key string) (Value, bool) {
	for _, t := range r.tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return Value{}, false
}

// Builder accumulates tags and fields for a record. Optional values that are
// nil are skipped, so sources can map partially-populated messages directly.
type Builder struct {
	measurement string
	tags        []Tag
	fields      []Field
	ts          Timestamp
}

func NewBuilder(measurement string) *Builder {
	return &Builder{measurement: measurement}
}

func (b *Builder) Tag(key string, v Value) *Builder {
	b.tags = append(b.tags, Tag{Key: key, Value: v})
	return b
}

func (b *Builder) Field(key string, v Value) *Builder {
	b.fields = append(b.fields, Field{Key: key, Value: v})
	return b
}

// OptFloat adds a float field when v is non-nil
func (b *Builder) OptFloat(key string, v *float64) *Builder {
	if v != nil {
		b.Field(key, Float(*v))
	}
	return b
}

// OptInt adds an int field when v is non-nil
func (b *Builder) OptInt(key string, v *int64) *Builder {
	if v != nil {
		b.Field(key, Int(*v))
	}
	return b
}

func (b *Builder) Time(ts Timestamp) *Builder {
	b.ts = ts
	return b
}

// NumFields reports how many fields have been added so far
func (b *Builder) NumFields() int { return len(b.fields) }

func (b *Builder) Build() (Record, error) {
	return NewRecord(b.measurement, b.tags, b.fields, b.ts)
}
