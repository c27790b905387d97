package sink

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func fixRecord(t *testing.T, ts int64) models.Record {
	t.Helper()
	rec, err := models.NewBuilder("gnss").
		Tag("mode", models.Int(3)).
		Field("lat", models.Float(51.5)).
		Field("lon", models.Float(-0.125)).
		Time(models.At(ts)).
		Build()
	require.NoError(t, err)
	return rec
}

type capturedRequest struct {
	method  string
	path    string
	query   map[string]string
	headers http.Header
	body    string
}

func newInfluxServer(t *testing.T, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body = zr
		}
		data, _ := io.ReadAll(body)

		mu.Lock()
		reqs = append(reqs, capturedRequest{
			method:  r.Method,
			path:    r.URL.Path,
			query:   map[string]string{"org": r.URL.Query().Get("org"), "bucket": r.URL.Query().Get("bucket"), "precision": r.URL.Query().Get("precision")},
			headers: r.Header.Clone(),
			body:    string(data),
		})
		mu.Unlock()

		w.WriteHeader(status)
		if status != http.StatusNoContent {
			w.Write([]byte(`{"code":"invalid","message":"bucket not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestInfluxSinkDeliver(t *testing.T) {
	srv, reqs := newInfluxServer(t, http.StatusNoContent)

	s, err := NewInfluxSink(InfluxConfig{
		URL:    srv.URL + "/",
		Token:  "secret",
		Org:    "home",
		Bucket: "gnss",
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	batch := []models.Record{fixRecord(t, 1), fixRecord(t, 2)}
	require.NoError(t, s.Deliver(context.Background(), batch))

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/api/v2/write", req.path)
	assert.Equal(t, map[string]string{"org": "home", "bucket": "gnss", "precision": "ns"}, req.query)
	assert.Equal(t, "Token secret", req.headers.Get("Authorization"))
	assert.Equal(t, "gnss,mode=3 lat=51.5,lon=-0.125 1\ngnss,mode=3 lat=51.5,lon=-0.125 2", req.body)
}

func TestInfluxSinkGzip(t *testing.T) {
	srv, reqs := newInfluxServer(t, http.StatusNoContent)
	s, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Bucket: "gnss", Gzip: true, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, s.Deliver(context.Background(), []models.Record{fixRecord(t, 5)}))
	require.Len(t, *reqs, 1)
	assert.Equal(t, "gzip", (*reqs)[0].headers.Get("Content-Encoding"))
	assert.Equal(t, "gnss,mode=3 lat=51.5,lon=-0.125 5", (*reqs)[0].body)
	assert.Empty(t, (*reqs)[0].headers.Get("Authorization"))
}

func TestInfluxSinkOnlyNoContentIsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable} {
		srv, _ := newInfluxServer(t, status)
		s, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Bucket: "gnss", Logger: zerolog.Nop()})
		require.NoError(t, err)

		err = s.Deliver(context.Background(), []models.Record{fixRecord(t, 1)})
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr, "status %d", status)
		assert.Equal(t, status, httpErr.StatusCode)
	}
}

func TestInfluxSinkTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	defer close(release)

	s, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Bucket: "gnss", Timeout: 50 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)

	start := time.Now()
	err = s.Deliver(context.Background(), []models.Record{fixRecord(t, 1)})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInfluxSinkConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s, err := NewInfluxSink(InfluxConfig{URL: "http://" + addr, Bucket: "gnss", Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Error(t, s.Deliver(context.Background(), []models.Record{fixRecord(t, 1)}))
}

func TestNewInfluxSinkValidation(t *testing.T) {
	_, err := NewInfluxSink(InfluxConfig{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewInfluxSink(InfluxConfig{URL: "http://localhost:8086"})
	assert.Error(t, err)
	_, err = NewInfluxSink(InfluxConfig{URL: "ftp://localhost", Bucket: "b"})
	assert.Error(t, err)
}

func TestEncodeMsgPack(t *testing.T) {
	data, err := EncodeMsgPack([]models.Record{fixRecord(t, 1700000000123456789)})
	require.NoError(t, err)

	var decoded struct {
		Batch []map[string]interface{} `msgpack:"batch"`
	}
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	require.Len(t, decoded.Batch, 1)

	row := decoded.Batch[0]
	assert.Equal(t, "gnss", row["m"])
	assert.EqualValues(t, 1700000000123456, row["t"])
	assert.Equal(t, map[string]interface{}{"mode": "3"}, row["tags"])
	fields, ok := row["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 51.5, fields["lat"])
}

func TestInstrumentedRecordsOutcome(t *testing.T) {
	m := metrics.New(zerolog.Nop())
	failing := NewInstrumented("influx", Func(func(context.Context, []models.Record) error {
		return errors.New("down")
	}), m)
	ok := NewInstrumented("influx", Func(func(context.Context, []models.Record) error { return nil }), m)

	assert.Error(t, failing.Deliver(context.Background(), nil))
	assert.NoError(t, ok.Deliver(context.Background(), nil))
	assert.NoError(t, ok.Deliver(context.Background(), nil))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["sink_failure_total"])
	assert.Equal(t, int64(2), snap["sink_success_total"])
}

func TestPing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	assert.NoError(t, Ping(context.Background(), "http://"+ln.Addr().String(), time.Second))
	assert.Error(t, Ping(context.Background(), "not a url", time.Second))
}

func TestHostPort(t *testing.T) {
	tests := map[string]string{
		"http://influx.local":        "influx.local:80",
		"https://influx.local":       "influx.local:443",
		"http://influx.local:8086/x": "influx.local:8086",
		"tcp://broker":               "broker:1883",
		"ssl://broker":               "broker:8883",
	}
	for in, want := range tests {
		got, err := hostPort(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
