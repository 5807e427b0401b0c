package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordSteps(10)
	m.RecordSteps(5)
	m.RecordTransaction(time.Second)
	m.RecordDetection("Reentrancy")
	m.RecordDetection("Reentrancy")
	m.RecordRetrieval(time.Millisecond, nil)
	m.RecordRetrieval(time.Millisecond, assert.AnError)

	assert.Equal(t, 15.0, testutil.ToFloat64(m.StepsAnalyzed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsAnalyzed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Detections.WithLabelValues("Reentrancy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalFailures))
}

func TestServer(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordSteps(3)

	srv, err := StartServer("127.0.0.1:0", registry)
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tracescan_steps_analyzed_total 3")
}
