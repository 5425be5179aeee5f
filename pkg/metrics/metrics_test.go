package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPostOutcomesTotal_Increments(t *testing.T) {
	PostOutcomesTotal.Reset()
	PostOutcomesTotal.WithLabelValues("posted").Inc()
	PostOutcomesTotal.WithLabelValues("posted").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(PostOutcomesTotal.WithLabelValues("posted")))
}

func TestQueueDepth_Gauge(t *testing.T) {
	QueueDepth.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(QueueDepth))
}
