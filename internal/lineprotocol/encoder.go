// Package lineprotocol renders records in InfluxDB line protocol:
//
//	measurement,tag=val,... field=val,... timestamp_ns
package lineprotocol

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/friesr/pi5-ptp/pkg/models"
)

var (
	measurementEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, " ", `\ `, "\n", `\n`)
	keyEscaper         = strings.NewReplacer(`\`, `\\`, ",", `\,`, "=", `\=`, " ", `\ `, "\n", `\n`)
)

// Encoder converts records to line protocol. The zero value renders values
// as literal scalars; set IntegerSuffix to mark int fields with the "i" type
// suffix so the sink stores them as integers rather than floats.
type Encoder struct {
	IntegerSuffix bool
}

// Encode renders a single record without a trailing newline
func (e Encoder) Encode(rec models.Record) []byte {
	var buf bytes.Buffer
	e.appendRecord(&buf, rec)
	return buf.Bytes()
}

// EncodeBatch renders records joined by newlines
func (e Encoder) EncodeBatch(batch []models.Record) []byte {
	var buf bytes.Buffer
	buf.Grow(len(batch) * 96)
	for i, rec := range batch {
		if i > 0 {
			buf.WriteByte('\n')
		}
		e.appendRecord(&buf, rec)
	}
	return buf.Bytes()
}

func (e Encoder) appendRecord(buf *bytes.Buffer, rec models.Record) {
	buf.WriteString(measurementEscaper.Replace(rec.Measurement()))

	for _, t := range rec.Tags() {
		buf.WriteByte(',')
		buf.WriteString(keyEscaper.Replace(t.Key))
		buf.WriteByte('=')
		buf.WriteString(keyEscaper.Replace(t.Value.Literal()))
	}

	buf.WriteByte(' ')
	for i, f := range rec.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(keyEscaper.Replace(f.Key))
		buf.WriteByte('=')
		e.appendFieldValue(buf, f.Value)
	}

	if ns, ok := rec.Timestamp().Nanos(); ok {
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(ns, 10))
	}
}

func (e Encoder) appendFieldValue(buf *bytes.Buffer, v models.Value) {
	switch v.Kind() {
	case models.KindInt:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		if e.IntegerSuffix {
			buf.WriteByte('i')
		}
	case models.KindFloat:
		buf.WriteString(models.FormatFloat(v.Float()))
	case models.KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	}
}

// Encode renders rec with the default encoder
func Encode(rec models.Record) []byte { return Encoder{}.Encode(rec) }

// EncodeBatch renders batch with the default encoder
func EncodeBatch(batch []models.Record) []byte { return Encoder{}.EncodeBatch(batch) }
