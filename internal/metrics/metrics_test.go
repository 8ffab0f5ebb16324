package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	// Calls before Init are no-ops.
	IncCommandEnqueued("START")

	reg := prometheus.NewRegistry()
	Init(reg)
	Init(reg)

	IncCommandEnqueued("START")
	IncCommandPush(false)
	AddCommandsAcknowledged(2)
	AddReconcileCorrections("offline", 3)
	TransportConnected(1)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["camwatch_commands_enqueued_total"])
	assert.Equal(t, 1.0, values["camwatch_command_pushes_total"])
	assert.Equal(t, 2.0, values["camwatch_commands_acknowledged_total"])
	assert.Equal(t, 3.0, values["camwatch_reconcile_corrections_total"])
	assert.Equal(t, 1.0, values["camwatch_transport_connections"])
}
