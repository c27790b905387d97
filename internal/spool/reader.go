package spool

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/friesr/pi5-ptp/pkg/models"
)

// scanRecords decodes newline-delimited records from r and calls fn for each
// valid one. Lines that fail to decode are skipped and counted; a torn last
// line without a newline is treated the same way. An error from fn stops the
// scan and is returned unchanged.
func scanRecords(r io.Reader, fn func(models.Record) error) (corrupt int, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				var rec models.Record
				if err := json.Unmarshal(line, &rec); err != nil {
					corrupt++
				} else if err := fn(rec); err != nil {
					return corrupt, err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return corrupt, nil
			}
			return corrupt, fmt.Errorf("failed to read segment: %w", readErr)
		}
	}
}

// ReadSegment calls fn for every decodable record in the segment file at
// path, in order, and reports how many lines were skipped as corrupt.
func ReadSegment(path string, fn func(models.Record) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return scanRecords(f, fn)
}
