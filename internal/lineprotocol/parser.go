package lineprotocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/friesr/pi5-ptp/pkg/models"
)

var (
	ErrMissingFields    = errors.New("line has no field set")
	ErrStringField      = errors.New("string field values are not supported")
	ErrInvalidField     = errors.New("invalid field value")
	ErrInvalidTime      = errors.New("invalid timestamp")
	ErrUnknownPrecision = errors.New("unknown timestamp precision")
)

// LineError reports why one input line was rejected. Line is 1-based.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e LineError) Unwrap() error { return e.Err }

// precisionMultiplier converts a raw timestamp to nanoseconds
func precisionMultiplier(precision string) (int64, error) {
	switch precision {
	case "", "ns":
		return 1, nil
	case "us":
		return 1_000, nil
	case "ms":
		return 1_000_000, nil
	case "s":
		return 1_000_000_000, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPrecision, precision)
	}
}

// Parse decodes a newline-separated line protocol body. Blank lines and
// comments are skipped. Each malformed line is reported and skipped; an
// error is returned only for an unknown precision.
//
// Numbers follow line protocol typing: "3i" is an int, "3u" an unsigned int
// (stored as int), "3" and "3.5" are floats.
func Parse(data []byte, precision string) ([]models.Record, []LineError, error) {
	mult, err := precisionMultiplier(precision)
	if err != nil {
		return nil, nil, err
	}

	lines := bytes.Split(data, []byte{'\n'})
	records := make([]models.Record, 0, len(lines))
	var rejected []LineError

	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		rec, err := parseLine(line, mult)
		if err != nil {
			rejected = append(rejected, LineError{Line: i + 1, Err: err})
			continue
		}
		records = append(records, rec)
	}

	return records, rejected, nil
}

func parseLine(line []byte, mult int64) (models.Record, error) {
	parts := splitOnDelimiter(line, ' ')
	if len(parts) < 2 {
		return models.Record{}, ErrMissingFields
	}
	if len(parts) > 3 {
		return models.Record{}, fmt.Errorf("unexpected content after timestamp: %q", parts[3])
	}

	measurement, tags := parseMeasurementTags(parts[0])

	fields, err := parseFields(parts[1])
	if err != nil {
		return models.Record{}, err
	}

	ts := models.NoTimestamp
	if len(parts) == 3 {
		raw, err := strconv.ParseInt(string(parts[2]), 10, 64)
		if err != nil {
			return models.Record{}, fmt.Errorf("%w: %q", ErrInvalidTime, parts[2])
		}
		ts = models.At(raw * mult)
	}

	return models.NewRecord(measurement, tags, fields, ts)
}

// splitOnDelimiter splits data on an unescaped delimiter, respecting escaped
// chars and quoted strings
func splitOnDelimiter(data []byte, delim byte) [][]byte {
	var parts [][]byte
	var current []byte
	inQuotes := false

	for i := 0; i < len(data); i++ {
		switch {
		case data[i] == '\\' && i+1 < len(data):
			current = append(current, data[i], data[i+1])
			i++
		case data[i] == '"':
			inQuotes = !inQuotes
			current = append(current, data[i])
		case data[i] == delim && !inQuotes:
			if len(current) > 0 {
				parts = append(parts, current)
				current = nil
			}
		default:
			current = append(current, data[i])
		}
	}

	if len(current) > 0 {
		parts = append(parts, current)
	}
	return parts
}

// parseMeasurementTags parses measurement[,tag=value,...]. Tags keep their
// input order.
func parseMeasurementTags(part []byte) (string, []models.Tag) {
	components := splitOnDelimiter(part, ',')
	if len(components) == 0 {
		return "", nil
	}

	measurement := unescape(components[0])
	tags := make([]models.Tag, 0, len(components)-1)
	for _, component := range components[1:] {
		idx := bytes.IndexByte(component, '=')
		if idx <= 0 {
			continue
		}
		tags = append(tags, models.Tag{
			Key:   unescape(component[:idx]),
			Value: models.String(unescape(component[idx+1:])),
		})
	}
	return measurement, tags
}

// parseFields parses field_key=field_value[,...]
func parseFields(part []byte) ([]models.Field, error) {
	fieldParts := splitOnDelimiter(part, ',')
	fields := make([]models.Field, 0, len(fieldParts))

	for _, fieldPart := range fieldParts {
		idx := bytes.IndexByte(fieldPart, '=')
		if idx <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidField, fieldPart)
		}
		key := unescape(fieldPart[:idx])
		value, err := parseFieldValue(fieldPart[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		fields = append(fields, models.Field{Key: key, Value: value})
	}
	return fields, nil
}

// parseFieldValue interprets line protocol type indicators: 'i' and 'u'
// suffixes, t/true/f/false, quoted strings and plain floats
func parseFieldValue(value []byte) (models.Value, error) {
	if len(value) == 0 {
		return models.Value{}, ErrInvalidField
	}
	s := string(value)

	switch strings.ToLower(s) {
	case "t", "true":
		return models.Bool(true), nil
	case "f", "false":
		return models.Bool(false), nil
	}

	if value[0] == '"' {
		return models.Value{}, ErrStringField
	}

	switch value[len(value)-1] {
	case 'i':
		i, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil {
			return models.Value{}, fmt.Errorf("%w: %q", ErrInvalidField, s)
		}
		return models.Int(i), nil
	case 'u':
		u, err := strconv.ParseUint(s[:len(s)-1], 10, 63)
		if err != nil {
			return models.Value{}, fmt.Errorf("%w: %q", ErrInvalidField, s)
		}
		return models.Int(int64(u)), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return models.Value{}, fmt.Errorf("%w: %q", ErrInvalidField, s)
	}
	return models.Float(f), nil
}

// unescape removes line protocol escapes (\, \space \=)
func unescape(data []byte) string {
	if !bytes.ContainsRune(data, '\\') {
		return string(data)
	}

	buf := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+1 < len(data) {
			next := data[i+1]
			if next == ',' || next == ' ' || next == '=' || next == '\\' {
				buf = append(buf, next)
				i++
				continue
			}
		}
		buf = append(buf, data[i])
	}
	return string(buf)
}
