package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Observations(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector("flowengine", reg)

	c.ObserveRun("def-1", "succeeded", 2*time.Second)
	c.ObserveStep("model.call", "succeeded", 500*time.Millisecond)
	c.ObserveStep("model.call", "failed", time.Second)
	c.ObserveRetry("model.call")
	c.ObserveTransition("tmpl-1", "applied")
	c.ObserveTransition("tmpl-1", "conflict")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("def-1", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("model.call", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("model.call", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepRetriesTotal.WithLabelValues("model.call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("tmpl-1", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("tmpl-1", "conflict")))
}

func TestCollector_DBStats(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector("flowengine", reg)

	c.SetDBStats(5, 2)
	assert.Equal(t, 5.0, testutil.ToFloat64(c.dbConnectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dbConnectionsIdle))
}
