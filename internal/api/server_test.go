package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/internal/sink"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type fakeSpool struct {
	size, max int64
}

func (f *fakeSpool) Stats() map[string]interface{} {
	return map[string]interface{}{"bytes": f.size, "max_bytes": f.max}
}
func (f *fakeSpool) Size() int64     { return f.size }
func (f *fakeSpool) MaxBytes() int64 { return f.max }

type fakeBreaker struct{}

func (fakeBreaker) Stats() map[string]interface{} {
	return map[string]interface{}{"state": "open"}
}

type captureIngester struct {
	mu      sync.Mutex
	batches [][]models.Record
}

func (c *captureIngester) HandleBatch(_ context.Context, batch []models.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *captureIngester) records() []models.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Record
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(zerolog.Nop())
	s := NewServer(&ServerConfig{Host: "127.0.0.1", Port: 0}, m, zerolog.Nop())
	s.RegisterRoutes()
	return s, m
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body io.Reader) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	status, body := doJSON(t, s.GetApp(), "GET", "/health", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body["status"])
}

func TestReady(t *testing.T) {
	s, _ := newTestServer(t)

	status, body := doJSON(t, s.GetApp(), "GET", "/ready", nil)
	assert.Equal(t, 503, status, "no spool attached")
	assert.Equal(t, "spool not open", body["reason"])

	sp := &fakeSpool{size: 10, max: 100}
	s.SetSpool(sp)
	status, body = doJSON(t, s.GetApp(), "GET", "/ready", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "ready", body["status"])

	sp.size = 95
	status, body = doJSON(t, s.GetApp(), "GET", "/ready", nil)
	assert.Equal(t, 503, status)
	assert.InDelta(t, 0.95, body["spool_utilization"], 1e-9)
}

func TestMetricsEndpoints(t *testing.T) {
	s, m := newTestServer(t)
	s.SetBreaker(fakeBreaker{})
	m.AddRecordsReceived(3)
	m.IncDecodeErrors("gpsd")

	status, body := doJSON(t, s.GetApp(), "GET", "/api/v1/metrics", nil)
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 3, body["records_received_total"])
	assert.EqualValues(t, 1, body["decode_errors_total"])
	require.Contains(t, body, "circuit_breaker")

	req := httptest.NewRequest("GET", "/metrics", nil)
	resp, err := s.GetApp().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(raw), "ptp_records_received_total 3")
}

func TestTimeseriesEndpoint(t *testing.T) {
	s, m := newTestServer(t)

	status, _ := doJSON(t, s.GetApp(), "GET", "/api/v1/metrics/timeseries", nil)
	assert.Equal(t, 404, status, "history disabled")

	h := metrics.NewHistory(m, 10, time.Minute)
	h.Sample(time.Now())
	s.SetHistory(h)

	status, body := doJSON(t, s.GetApp(), "GET", "/api/v1/metrics/timeseries?duration_minutes=5", nil)
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 5, body["duration_minutes"])
	assert.EqualValues(t, 1, body["points_count"])
}

func TestSpoolEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	status, _ := doJSON(t, s.GetApp(), "GET", "/api/v1/spool", nil)
	assert.Equal(t, 503, status)

	s.SetSpool(&fakeSpool{size: 42, max: 100})
	status, body := doJSON(t, s.GetApp(), "GET", "/api/v1/spool", nil)
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 42, body["bytes"])
}

func TestLogsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	status, body := doJSON(t, s.GetApp(), "GET", "/api/v1/logs?limit=5&level=error", nil)
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 5, body["limit"])
	assert.Equal(t, "error", body["level_filter"])
}

func TestStartAndShutdown(t *testing.T) {
	s := NewServer(&ServerConfig{Host: "127.0.0.1", Port: freePort(t)}, nil, zerolog.Nop())
	s.RegisterRoutes()
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.Addr() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == 200
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newWriteApp(t *testing.T, maxPayload int) (*fiber.App, *captureIngester) {
	t.Helper()
	s, _ := newTestServer(t)
	ing := &captureIngester{}
	NewWriteHandler(ing, maxPayload, zerolog.Nop()).RegisterRoutes(s.GetApp())
	return s.GetApp(), ing
}

func TestWriteAccepted(t *testing.T) {
	app, ing := newWriteApp(t, 0)

	body := "ptp,host=pi5 offset=12i 1700000000\nptp,host=pi5 offset=-3i 1700000001\n"
	status, _ := doJSON(t, app, "POST", "/api/v1/write?precision=s", strings.NewReader(body))
	assert.Equal(t, 204, status)

	recs := ing.records()
	require.Len(t, recs, 2)
	ns, ok := recs[0].Timestamp().Nanos()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000)*1_000_000_000, ns)

	ing.mu.Lock()
	assert.Len(t, ing.batches, 1, "one request is one batch")
	ing.mu.Unlock()
}

func TestWriteRejectsBadLines(t *testing.T) {
	app, ing := newWriteApp(t, 0)

	body := "good v=1\nbad v=\"str\"\nalso v=2\n"
	status, resp := doJSON(t, app, "POST", "/api/v1/write", strings.NewReader(body))
	assert.Equal(t, 400, status)
	assert.EqualValues(t, 2, resp["accepted"])
	rejected, ok := resp["rejected"].([]interface{})
	require.True(t, ok)
	require.Len(t, rejected, 1)
	assert.EqualValues(t, 2, rejected[0].(map[string]interface{})["line"])

	assert.Len(t, ing.records(), 2, "valid lines are still ingested")
}

func TestWriteRejectsEmptyTagValue(t *testing.T) {
	app, ing := newWriteApp(t, 0)

	status, resp := doJSON(t, app, "POST", "/api/v1/write", strings.NewReader("m,host= v=1 1\nm,host=pi5 v=2 2\n"))
	assert.Equal(t, 400, status)
	assert.EqualValues(t, 1, resp["accepted"])

	recs := ing.records()
	require.Len(t, recs, 1)
	host, _ := recs[0].Tag("host")
	assert.Equal(t, "pi5", host.Str())
}

func TestWriteErrors(t *testing.T) {
	app, ing := newWriteApp(t, 0)

	status, _ := doJSON(t, app, "POST", "/api/v1/write", strings.NewReader("  \n"))
	assert.Equal(t, 400, status)

	status, resp := doJSON(t, app, "POST", "/api/v1/write?precision=h", strings.NewReader("m v=1"))
	assert.Equal(t, 400, status)
	assert.Contains(t, resp["error"], "precision")

	status, resp = doJSON(t, app, "POST", "/api/v1/write", bytes.NewReader([]byte{0x1f, 0x8b, 0x00}))
	assert.Equal(t, 400, status, "truncated gzip")
	assert.Contains(t, resp["error"], "decompress")

	status, resp = doJSON(t, app, "POST", "/api/v1/write/msgpack", strings.NewReader(""))
	assert.Equal(t, 400, status)
	assert.Equal(t, "Empty request body", resp["error"])

	assert.Empty(t, ing.records())

	status, resp = doJSON(t, app, "GET", "/api/v1/write/stats", nil)
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 4, resp["total_errors"])
	assert.EqualValues(t, 0, resp["total_records"])
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestWriteGzip(t *testing.T) {
	app, ing := newWriteApp(t, 0)

	for i := 0; i < 3; i++ {
		status, _ := doJSON(t, app, "POST", "/api/v1/write", bytes.NewReader(gzipped(t, "m v=1\n")))
		assert.Equal(t, 204, status)
	}
	assert.Len(t, ing.records(), 3)
}

func TestWriteGzipSizeLimit(t *testing.T) {
	app, ing := newWriteApp(t, 64)

	payload := strings.Repeat("m v=1\n", 100)
	status, resp := doJSON(t, app, "POST", "/api/v1/write", bytes.NewReader(gzipped(t, payload)))
	assert.Equal(t, 400, status)
	assert.Contains(t, resp["error"], "exceeds")
	assert.Empty(t, ing.records())

	status, _ = doJSON(t, app, "GET", "/api/v1/write/stats", nil)
	assert.Equal(t, 200, status)
}

func TestWriteMsgPackAccepted(t *testing.T) {
	app, ing := newWriteApp(t, 0)

	rec, err := models.NewRecord("gnss",
		[]models.Tag{{Key: "mode", Value: models.Int(3)}},
		[]models.Field{{Key: "lat", Value: models.Float(51.5)}},
		models.At(1700000000000000000))
	require.NoError(t, err)
	payload, err := sink.EncodeMsgPack([]models.Record{rec, rec})
	require.NoError(t, err)

	status, _ := doJSON(t, app, "POST", "/api/v1/write/msgpack", bytes.NewReader(payload))
	assert.Equal(t, 204, status)

	recs := ing.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "gnss", recs[0].Measurement())
	ns, ok := recs[1].Timestamp().Nanos()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000000000), ns)
}

func TestWriteMsgPackRejectsRows(t *testing.T) {
	app, ing := newWriteApp(t, 0)

	payload, err := msgpack.Marshal([]map[string]interface{}{
		{"m": "ok", "fields": map[string]interface{}{"v": 1}},
		{"m": "bad", "fields": map[string]interface{}{"v": "text"}},
	})
	require.NoError(t, err)

	status, resp := doJSON(t, app, "POST", "/api/v1/write/msgpack", bytes.NewReader(gzipped(t, string(payload))))
	assert.Equal(t, 400, status)
	assert.EqualValues(t, 1, resp["accepted"])
	rejected, ok := resp["rejected"].([]interface{})
	require.True(t, ok)
	require.Len(t, rejected, 1)
	assert.EqualValues(t, 1, rejected[0].(map[string]interface{})["row"])
	assert.Len(t, ing.records(), 1)
}

func TestWriteMsgPackMalformed(t *testing.T) {
	app, ing := newWriteApp(t, 0)

	status, resp := doJSON(t, app, "POST", "/api/v1/write/msgpack", bytes.NewReader([]byte{0x92, 0x01}))
	assert.Equal(t, 400, status)
	assert.Contains(t, resp["error"], "invalid msgpack payload")

	status, _ = doJSON(t, app, "GET", "/api/v1/write/stats", nil)
	assert.Equal(t, 200, status)
	assert.Empty(t, ing.records())
}
