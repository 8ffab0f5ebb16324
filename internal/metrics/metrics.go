package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "camwatch_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	commandsEnqueued     *prometheus.CounterVec
	commandPushes        *prometheus.CounterVec
	commandsAcknowledged prometheus.Counter
	commandsPolled       prometheus.Counter

	presenceChanges    *prometheus.CounterVec
	reconcileRuns      *prometheus.CounterVec
	reconcileFixes     *prometheus.CounterVec
	transportConnected prometheus.Gauge

	pushNotifications *prometheus.CounterVec
)

// Init registers the service metrics with reg. Only the first call has an effect.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		commandsEnqueued = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_enqueued_total",
				Help: "Total commands persisted by command type",
			},
			[]string{"command"},
		)
		commandPushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_pushes_total",
				Help: "Total immediate push attempts by result",
			},
			[]string{"result"},
		)
		commandsAcknowledged = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_acknowledged_total",
				Help: "Total commands transitioned to acknowledged",
			},
		)
		commandsPolled = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_polled_total",
				Help: "Total pending commands returned to polling clients",
			},
		)
		presenceChanges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "presence_changes_total",
				Help: "Total persisted presence status changes by source and status",
			},
			[]string{"source", "status"},
		)
		reconcileRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_runs_total",
				Help: "Total reconciliation passes by result",
			},
			[]string{"result"},
		)
		reconcileFixes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_corrections_total",
				Help: "Total reconciliation corrections by kind",
			},
			[]string{"kind"},
		)
		transportConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "transport_connections",
				Help: "Open real-time transport connections",
			},
		)
		pushNotifications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "web_push_notifications_total",
				Help: "Total supervisor web push notifications by result",
			},
			[]string{"result"},
		)

		reg.MustRegister(
			commandsEnqueued,
			commandPushes,
			commandsAcknowledged,
			commandsPolled,
			presenceChanges,
			reconcileRuns,
			reconcileFixes,
			transportConnected,
			pushNotifications,
		)
	})
}

// IncCommandEnqueued counts a persisted command.
func IncCommandEnqueued(command string) {
	if commandsEnqueued != nil {
		commandsEnqueued.WithLabelValues(command).Inc()
	}
}

// IncCommandPush counts an immediate push attempt.
func IncCommandPush(ok bool) {
	if commandPushes != nil {
		commandPushes.WithLabelValues(result(ok)).Inc()
	}
}

// AddCommandsAcknowledged counts newly acknowledged commands.
func AddCommandsAcknowledged(n int) {
	if n > 0 && commandsAcknowledged != nil {
		commandsAcknowledged.Add(float64(n))
	}
}

// AddCommandsPolled counts commands handed to a polling client.
func AddCommandsPolled(n int) {
	if n > 0 && commandsPolled != nil {
		commandsPolled.Add(float64(n))
	}
}

// IncPresenceChange counts a persisted status change.
func IncPresenceChange(source, status string) {
	if presenceChanges != nil {
		presenceChanges.WithLabelValues(source, status).Inc()
	}
}

// IncReconcileRun counts a reconciliation pass.
func IncReconcileRun(ok bool) {
	if reconcileRuns != nil {
		reconcileRuns.WithLabelValues(result(ok)).Inc()
	}
}

// AddReconcileCorrections counts corrections of one kind.
func AddReconcileCorrections(kind string, n int) {
	if n > 0 && reconcileFixes != nil {
		reconcileFixes.WithLabelValues(kind).Add(float64(n))
	}
}

// TransportConnected adjusts the open connection gauge by delta.
func TransportConnected(delta int) {
	if transportConnected != nil {
		transportConnected.Add(float64(delta))
	}
}

// IncPushNotification counts a web push send.
func IncPushNotification(ok bool) {
	if pushNotifications != nil {
		pushNotifications.WithLabelValues(result(ok)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultError
}
