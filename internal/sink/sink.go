// Package sink delivers batches of records to the remote time-series store.
package sink

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/friesr/pi5-ptp/pkg/models"
)

// Sink accepts a batch of records. A nil error means the whole batch was
// stored. Implementations must tolerate the same batch being delivered more
// than once.
type Sink interface {
	Deliver(ctx context.Context, batch []models.Record) error
}

// Func adapts a function to the Sink interface
type Func func(ctx context.Context, batch []models.Record) error

func (f Func) Deliver(ctx context.Context, batch []models.Record) error { return f(ctx, batch) }

// HTTPError is returned when the sink answers with anything but 204
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sink returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("sink returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Ping checks that a TCP connection to the host behind rawURL can be opened.
// rawURL may be an http(s), tcp, ssl or mqtt URL; the scheme's default port
// is used when none is given.
func Ping(ctx context.Context, rawURL string, timeout time.Duration) error {
	addr, err := hostPort(rawURL)
	if err != nil {
		return err
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("sink unreachable at %s: %w", addr, err)
	}
	return conn.Close()
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid sink URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid sink URL %q: missing host", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}

	port := "80"
	switch u.Scheme {
	case "https":
		port = "443"
	case "ssl", "tls", "mqtts":
		port = "8883"
	case "tcp", "mqtt":
		port = "1883"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
