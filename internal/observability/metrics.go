// Package observability exposes Prometheus metrics for the orchestrator.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myloware_runs_started_total",
		Help: "Runs started.",
	})
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myloware_runs_terminal_total",
		Help: "Runs reaching a terminal state, by status.",
	}, []string{"status"})
	WebhooksAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myloware_webhooks_admitted_total",
		Help: "Webhook deliveries admitted for processing.",
	})
	WebhooksDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myloware_webhooks_duplicate_total",
		Help: "Webhook deliveries deduplicated by idempotency key.",
	})
	WebhooksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myloware_webhooks_rejected_total",
		Help: "Webhook deliveries rejected on signature or shape.",
	})
	GatesAutoApproved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myloware_gates_auto_approved_total",
		Help: "Soft gates resolved by timeout.",
	})
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myloware_dead_letters_total",
		Help: "Bus messages moved to the dead-letter store.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
