package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordRunIncrementsCounter(t *testing.T) {
	initial := testutil.ToFloat64(RunsTotal.WithLabelValues("research", "success"))

	RecordRun("research", "success", 2*time.Second)

	after := testutil.ToFloat64(RunsTotal.WithLabelValues("research", "success"))
	assert.Equal(t, initial+1.0, after)
}

func TestTimerRecordRun(t *testing.T) {
	timer := NewTimer()
	assert.False(t, timer.start.IsZero())

	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Elapsed(), 5*time.Millisecond)

	initial := testutil.ToFloat64(RunsTotal.WithLabelValues("plan", "failed"))
	timer.RecordRun("plan", "failed")
	final := testutil.ToFloat64(RunsTotal.WithLabelValues("plan", "failed"))
	assert.Equal(t, initial+1.0, final)
}

func TestServerServesMetricsAndHealthz(t *testing.T) {
	RecordRun("implement", "success", time.Second)

	server := NewServer("127.0.0.1:0", discardLogger())
	// Addr ":0" picks an ephemeral port in production; to make this
	// deterministic for the test, bind explicitly instead.
	server = NewServer("127.0.0.1:19237", discardLogger())
	server.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:19237/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19237/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "kiln_runs_total")
}
