package main

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closedAddr returns a loopback address nothing listens on
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("PTP_ENV_FILE", "/nonexistent/streamer.env")
	t.Setenv("PTP_SPOOL_DIRECTORY", t.TempDir())
	t.Setenv("PTP_GPSD_ADDRESS", closedAddr(t))
	t.Setenv("PTP_CHRONY_COMMAND", "/nonexistent/chronyc")
	t.Setenv("PTP_SINK_URL", "http://"+closedAddr(t))
	t.Setenv("PTP_WATCHDOG_CHECK_TIMEOUT", "500ms")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckReportsUnhealthyNode(t *testing.T) {
	out, err := execute(t, "check", "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")

	assert.Contains(t, out, "gpsd:   FAIL")
	assert.Contains(t, out, "chrony: FAIL")
	assert.Contains(t, out, "sink:   FAIL")
	assert.Contains(t, out, "spool:  ok (0 of")
}

func TestCheckRejectsBadSchedule(t *testing.T) {
	t.Setenv("PTP_WATCHDOG_SCHEDULE", "every now and then")

	_, err := execute(t, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule")
}
