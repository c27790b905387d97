package sink

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// msgpackRow is the msgpack row format (m, t, tags, fields) understood by
// time-series ingest endpoints that accept msgpack batches
type msgpackRow struct {
	M      string                 `msgpack:"m"`
	T      int64                  `msgpack:"t,omitempty"` // microseconds
	Tags   map[string]string      `msgpack:"tags,omitempty"`
	Fields map[string]interface{} `msgpack:"fields"`
}

type msgpackBatch struct {
	Batch []msgpackRow `msgpack:"batch"`
}

// RowError reports why one msgpack row was rejected. Row is 0-based.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

func (e RowError) Unwrap() error { return e.Err }

// ErrUnsupportedField is returned for msgpack field values that are not
// numbers or booleans
var ErrUnsupportedField = errors.New("unsupported field value")

// EncodeMsgPack encodes a batch as {"batch": [{m, t, tags, fields}, ...]}
func EncodeMsgPack(batch []models.Record) ([]byte, error) {
	rows := make([]msgpackRow, 0, len(batch))
	for _, rec := range batch {
		row := msgpackRow{
			M:      rec.Measurement(),
			Fields: make(map[string]interface{}),
		}
		if ns, ok := rec.Timestamp().Nanos(); ok {
			row.T = ns / int64(time.Microsecond)
		}
		if tags := rec.Tags(); len(tags) > 0 {
			row.Tags = make(map[string]string, len(tags))
			for _, t := range tags {
				row.Tags[t.Key] = t.Value.Literal()
			}
		}
		for _, f := range rec.Fields() {
			row.Fields[f.Key] = f.Value.Interface()
		}
		rows = append(rows, row)
	}

	b, err := msgpack.Marshal(msgpackBatch{Batch: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to encode msgpack batch: %w", err)
	}
	return b, nil
}

// DecodeMsgPack decodes a payload produced by EncodeMsgPack. A bare array of
// rows is accepted too. Rows that do not form a valid record are reported and
// skipped; an error is returned only when the payload itself is malformed.
// Tags and fields are ordered by key.
func DecodeMsgPack(data []byte) ([]models.Record, []RowError, error) {
	if len(data) == 0 {
		return nil, nil, errors.New("empty msgpack payload")
	}

	var rows []msgpackRow
	if c := data[0]; msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32 {
		if err := msgpack.Unmarshal(data, &rows); err != nil {
			return nil, nil, fmt.Errorf("invalid msgpack payload: %w", err)
		}
	} else {
		var b msgpackBatch
		if err := msgpack.Unmarshal(data, &b); err != nil {
			return nil, nil, fmt.Errorf("invalid msgpack payload: %w", err)
		}
		rows = b.Batch
	}

	records := make([]models.Record, 0, len(rows))
	var rejected []RowError
	for i, row := range rows {
		rec, err := row.record()
		if err != nil {
			rejected = append(rejected, RowError{Row: i, Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, rejected, nil
}

func (r msgpackRow) record() (models.Record, error) {
	tags := make([]models.Tag, 0, len(r.Tags))
	for _, k := range slices.Sorted(maps.Keys(r.Tags)) {
		tags = append(tags, models.Tag{Key: k, Value: models.String(r.Tags[k])})
	}

	fields := make([]models.Field, 0, len(r.Fields))
	for _, k := range slices.Sorted(maps.Keys(r.Fields)) {
		v, err := fieldValue(r.Fields[k])
		if err != nil {
			return models.Record{}, fmt.Errorf("field %q: %w", k, err)
		}
		fields = append(fields, models.Field{Key: k, Value: v})
	}

	ts := models.NoTimestamp
	if r.T != 0 {
		ts = models.At(r.T * int64(time.Microsecond))
	}
	return models.NewRecord(r.M, tags, fields, ts)
}

func fieldValue(v interface{}) (models.Value, error) {
	switch x := v.(type) {
	case bool:
		return models.Bool(x), nil
	case int8:
		return models.Int(int64(x)), nil
	case int16:
		return models.Int(int64(x)), nil
	case int32:
		return models.Int(int64(x)), nil
	case int64:
		return models.Int(x), nil
	case uint8:
		return models.Int(int64(x)), nil
	case uint16:
		return models.Int(int64(x)), nil
	case uint32:
		return models.Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return models.Value{}, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedField, x)
		}
		return models.Int(int64(x)), nil
	case float32:
		return models.Float(float64(x)), nil
	case float64:
		return models.Float(x), nil
	default:
		return models.Value{}, fmt.Errorf("%w: %T", ErrUnsupportedField, v)
	}
}
