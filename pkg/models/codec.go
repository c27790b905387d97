package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MarshalJSON encodes the record as a self-describing object that preserves
// tag and field order:
//
//	{"m":"gnss","tags":{"mode":3},"fields":{"lat":51.5},"ts":1700000000000000000}
//
// Floats always carry a decimal point or exponent so int and float fields
// decode back to the same kind.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(64 + 16*(len(r.tags)+len(r.fields)))

	buf.WriteString(`{"m":`)
	writeJSONString(&buf, r.measurement)

	buf.WriteString(`,"tags":{`)
	for i, t := range r.tags {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, t.Key)
		buf.WriteByte(':')
		writeJSONValue(&buf, t.Value)
	}

	buf.WriteString(`},"fields":{`)
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, f.Key)
		buf.WriteByte(':')
		writeJSONValue(&buf, f.Value)
	}
	buf.WriteByte('}')

	if ns, ok := r.ts.Nanos(); ok {
		buf.WriteString(`,"ts":`)
		buf.WriteString(strconv.FormatInt(ns, 10))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func writeJSONValue(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindString:
		writeJSONString(buf, v.s)
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		buf.WriteString(FormatFloat(v.f))
	default:
		buf.WriteString("null")
	}
}

// FormatFloat renders f in its shortest form, always including a decimal
// point or exponent ("3.0", "0.5", "1e+21").
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// UnmarshalJSON decodes an object written by MarshalJSON and validates the
// result the same way NewRecord does. Unknown keys are ignored.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return err
	}

	var (
		measurement string
		tags        []Tag
		fields      []Field
		ts          Timestamp
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)

		switch key {
		case "m":
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			s, ok := tok.(string)
			if !ok {
				return fmt.Errorf("measurement must be a string, got %T", tok)
			}
			measurement = s
		case "tags":
			pairs, err := decodeObject(dec)
			if err != nil {
				return fmt.Errorf("tags: %w", err)
			}
			tags = make([]Tag, len(pairs))
			for i, p := range pairs {
				tags[i] = Tag(p)
			}
		case "fields":
			pairs, err := decodeObject(dec)
			if err != nil {
				return fmt.Errorf("fields: %w", err)
			}
			fields = make([]Field, len(pairs))
			for i, p := range pairs {
				fields[i] = Field(p)
			}
		case "ts":
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			switch n := tok.(type) {
			case nil:
			case json.Number:
				ns, err := n.Int64()
				if err != nil {
					return fmt.Errorf("ts: %w", err)
				}
				ts = At(ns)
			default:
				return fmt.Errorf("ts must be an integer, got %T", tok)
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return err
			}
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return err
	}

	rec, err := NewRecord(measurement, tags, fields, ts)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

type pair struct {
	Key   string
	Value Value
}

func decodeObject(dec *json.Decoder) ([]pair, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var pairs []pair
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)

		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		v, err := scalarFromToken(tok)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", key, err)
		}
		pairs = append(pairs, pair{Key: key, Value: v})
	}
	return pairs, expectDelim(dec, '}')
}

func scalarFromToken(tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			f, err := t.Float64()
			if err != nil {
				return Value{}, err
			}
			return Float(f), nil
		}
		i, err := t.Int64()
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported JSON token %v", ErrInvalidValue, tok)
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
