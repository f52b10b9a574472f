package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusSinkRecordsBatchCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := NewPrometheusSink(registry)

	sink.BatchProcessed("users", 100, 95, 5)

	assert.Equal(t, float64(100), testutil.ToFloat64(sink.batchExtracted.WithLabelValues("users")))
	assert.Equal(t, float64(95), testutil.ToFloat64(sink.batchLoaded.WithLabelValues("users")))
	assert.Equal(t, float64(5), testutil.ToFloat64(sink.batchFailed.WithLabelValues("users")))
}

func TestPrometheusSinkChecksAndFailures(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := NewPrometheusSink(registry)

	sink.CheckpointAdvanced("orders")
	sink.CheckpointAdvanced("orders")
	sink.FailureRecorded("orders", "validate")

	assert.Equal(t, float64(2), testutil.ToFloat64(sink.checkpointMoves.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.failuresTotal.WithLabelValues("orders", "validate")))
}

func TestNoopSinkDoesNotPanic(t *testing.T) {
	var sink Sink = NoopSink{}
	sink.BatchProcessed("t", 1, 1, 0)
	sink.RunCompleted("t", "completed", time.Second)
	sink.CheckpointAdvanced("t")
	sink.FailureRecorded("t", "load")
}
