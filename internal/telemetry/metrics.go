package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_jobs_submitted_total", Help: "Jobs accepted by the substrate"}, []string{"queue"})
	JobsCollided    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_jobs_collided_total", Help: "Submissions rejected because the job id already exists"}, []string{"queue"})
	JobsCompleted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsRetried     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"queue"})
	JobsDeadLetter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_jobs_dead_letter_total", Help: "Jobs moved to a DLQ"}, []string{"queue"})
	RateLimitWaits  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_rate_limit_waits_total", Help: "Dequeues delayed by the queue rate cap"}, []string{"queue"})
	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "campaign_queue_depth", Help: "Ready queue depth"}, []string{"queue"})
	InFlightGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "campaign_jobs_inflight", Help: "Jobs currently executing"}, []string{"queue"})

	StageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_stage_outcomes_total", Help: "Stage handler outcomes"}, []string{"stage", "outcome"})

	BouncesClassified  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_bounces_classified_total", Help: "Bounce events classified per run"}, []string{"class"})
	ContactsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_contacts_suppressed_total", Help: "Contacts added to the suppression list"})
	ProviderCallErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_provider_call_errors_total", Help: "Failed list-mutation calls"}, []string{"call"})
	RebalanceMoves     = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_rebalance_moves_total", Help: "Contacts moved between round lists"})
	BalanceScore       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "campaign_balance_score", Help: "Last computed balance score (0-100)"}, []string{"campaign"})

	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_notifications_delivered_total", Help: "Notifications handed to a delivery sink"}, []string{"severity", "sink"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCollided,
			JobsCompleted,
			JobsRetried,
			JobsDeadLetter,
			RateLimitWaits,
			QueueDepthGauge,
			InFlightGauge,
			StageOutcomes,
			BouncesClassified,
			ContactsSuppressed,
			ProviderCallErrors,
			RebalanceMoves,
			BalanceScore,
			NotificationsDelivered,
		)
	})
	return promhttp.Handler()
}
