package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAAAStageDuration_RecordsObservation(t *testing.T) {
	before := testutil.CollectAndCount(AAAStageDuration)
	AAAStageDuration.WithLabelValues("authenticate").Observe(0.01)
	after := testutil.CollectAndCount(AAAStageDuration)
	assert.GreaterOrEqual(t, after, before)
}

func TestAuditBufferGauges_TrackSetAndDrop(t *testing.T) {
	AuditBufferSize.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(AuditBufferSize))

	before := testutil.ToFloat64(AuditBufferDropped)
	AuditBufferDropped.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(AuditBufferDropped))
}

func TestUserpoolInstances_IncAndDecByMcp(t *testing.T) {
	UserpoolInstances.WithLabelValues("search").Inc()
	UserpoolInstances.WithLabelValues("search").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(UserpoolInstances.WithLabelValues("search")))

	UserpoolInstances.WithLabelValues("search").Dec()
	assert.Equal(t, float64(1), testutil.ToFloat64(UserpoolInstances.WithLabelValues("search")))
}

func TestRatelimitRejected_IncrementsByKey(t *testing.T) {
	before := testutil.ToFloat64(RatelimitRejected.WithLabelValues("1.2.3.4"))
	RatelimitRejected.WithLabelValues("1.2.3.4").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(RatelimitRejected.WithLabelValues("1.2.3.4")))
}
