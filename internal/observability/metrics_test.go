package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordTrace(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTrace(false, 2048, nil)
	m.RecordTrace(true, 61000, []string{"response_payload", "operation_log"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TracedRequests.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TracedRequests.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reductions.WithLabelValues("operation_log")))
}

func TestMetrics_RecordKVOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordKVOperation("get", time.Millisecond, nil)
	m.RecordKVOperation("get", time.Millisecond, errors.New("x"))

	assert.Equal(t, 2, testutil.CollectAndCount(m.KVOperationDuration))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordKVOperation("get", time.Millisecond, nil)
		m.RecordTrace(false, 10, nil)
		m.RecordPersistFailure()
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger, err = NewLogger("info", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLogger("loud", "json")
	assert.ErrorContains(t, err, "invalid log level")
}
