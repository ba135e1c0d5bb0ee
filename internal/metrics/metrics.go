// Package metrics exposes editing engine telemetry to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush kinds
const (
	FlushDelta   = "delta"
	FlushFull    = "full"
	FlushSkipped = "public"
)

// Persistence targets
const (
	TargetRemote = "remote"
	TargetLocal  = "local"
)

var (
	CommandsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "editcore_commands_pushed_total",
		Help: "Commands pushed onto the command stack",
	})

	UndoRedo = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "editcore_undo_redo_total",
		Help: "Undo and redo operations applied",
	}, []string{"op"})

	StackDivergence = promauto.NewCounter(prometheus.CounterOpts{
		Name: "editcore_command_stack_divergence_total",
		Help: "Remote acknowledgements whose stack position differs from the local one",
	})

	HandlerMissing = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "editcore_handler_missing_total",
		Help: "Undo or redo requests for a command kind without a handler",
	}, []string{"kind"})

	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "editcore_flushes_total",
		Help: "Persistence flushes by kind",
	}, []string{"kind"})

	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "editcore_persist_failures_total",
		Help: "Failed persistence calls by target",
	}, []string{"target"})

	TransactionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "editcore_transactions_open",
		Help: "Persistence transactions waiting for acknowledgement",
	})

	TransactionAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "editcore_transaction_anomalies_total",
		Help: "Transactions still open after the last timeout check",
	})

	TransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "editcore_transaction_duration_seconds",
		Help:    "Time between starting and ending a persistence transaction",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 3, 6, 12},
	})

	ModelDivergence = promauto.NewCounter(prometheus.CounterOpts{
		Name: "editcore_model_divergence_total",
		Help: "Local cached documents newer than the loaded document",
	})

	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "editcore_collab_events_broadcast_total",
		Help: "Collab events handed to the transport",
	})

	EventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "editcore_collab_events_applied_total",
		Help: "Remote collab events merged into the document",
	})

	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "editcore_hub_clients",
		Help: "Websocket clients connected to the collab hub",
	})

	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "editcore_subscriptions",
		Help: "Open document subscription streams",
	})
)

var (
	AppUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "editcore_server_app_updates_total",
		Help: "Partial document updates handled by the model service, by result",
	}, []string{"result"})

	RelayMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "editcore_hub_relay_messages_total",
		Help: "Collab messages published to the hub relay",
	})
)
