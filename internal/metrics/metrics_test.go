package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetChannelState(2)
		m.Reconnect()
		m.Event("new_message")
		m.Dropped("bad_json")
		m.Send("acked")
		m.REST("send", "ok")
	})
}

func TestCountersRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Event("new_message")
	m.Event("new_message")
	m.Dropped("unknown_type")
	m.SetChannelState(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues("new_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("unknown_type")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChannelState))

	n, err := testutil.GatherAndCount(reg, "sync_events_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
