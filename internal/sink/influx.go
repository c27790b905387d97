package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/friesr/pi5-ptp/internal/lineprotocol"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// maxErrorBody bounds how much of an error response is kept in HTTPError
const maxErrorBody = 512

// InfluxConfig holds configuration for the InfluxDB v2 write sink
type InfluxConfig struct {
	URL           string        // Base URL, e.g. http://influx.local:8086
	Token         string        // API token, sent as "Authorization: Token <token>"
	Org           string        // Organization name
	Bucket        string        // Destination bucket
	Timeout       time.Duration // Per-request ceiling in addition to the caller's context (default: 3s)
	Gzip          bool          // Compress request bodies
	IntegerSuffix bool          // Write int fields as integers ("42i")
	Logger        zerolog.Logger
}

// InfluxSink writes batches to the InfluxDB v2 /api/v2/write endpoint.
// Only 204 No Content counts as success.
type InfluxSink struct {
	writeURL string
	token    string
	gzip     bool
	encoder  lineprotocol.Encoder
	client   *http.Client
	logger   zerolog.Logger
}

// NewInfluxSink validates cfg and builds the write URL
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx URL is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("influx bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid influx URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid influx URL scheme %q", base.Scheme)
	}

	q := url.Values{}
	q.Set("org", cfg.Org)
	q.Set("bucket", cfg.Bucket)
	q.Set("precision", "ns")
	writeURL := base.String() + "/api/v2/write?" + q.Encode()

	return &InfluxSink{
		writeURL: writeURL,
		token:    cfg.Token,
		gzip:     cfg.Gzip,
		encoder:  lineprotocol.Encoder{IntegerSuffix: cfg.IntegerSuffix},
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: cfg.Logger.With().Str("component", "influx-sink").Logger(),
	}, nil
}

// Deliver posts the batch as newline-joined line protocol
func (s *InfluxSink) Deliver(ctx context.Context, batch []models.Record) error {
	if len(batch) == 0 {
		return nil
	}

	body := s.encoder.EncodeBatch(batch)
	var reader io.Reader = bytes.NewReader(body)
	if s.gzip {
		compressed, err := gzipBody(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(compressed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.writeURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build write request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if s.token != "" {
		req.Header.Set("Authorization", "Token "+s.token)
	}
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("influx write failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	s.logger.Debug().
		Int("status", resp.StatusCode).
		Int("records", len(batch)).
		Msg("Influx write rejected")
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress write body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress write body: %w", err)
	}
	return buf.Bytes(), nil
}
