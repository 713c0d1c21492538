// Package metrics exposes prometheus collectors for sync runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailticket_sync_runs_total",
			Help: "Total number of mailbox sync runs by final status",
		},
		[]string{"provider", "status"}, // status: synced, failed
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailticket_sync_run_duration_seconds",
			Help:    "Duration of one mailbox sync run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		[]string{"provider"},
	)

	ConversationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailticket_conversations_processed_total",
			Help: "Conversations handled by the resolver",
		},
		[]string{"outcome"}, // created, appended, failed
	)

	TicketsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailticket_tickets_created_total",
			Help: "Tickets opened from new conversations",
		},
	)

	CommentsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailticket_comments_appended_total",
			Help: "Comments appended to tickets from mail replies",
		},
	)

	AttachmentsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailticket_attachments_total",
			Help: "Attachments seen by the materializer",
		},
		[]string{"result"}, // stored, duplicate, skipped, failed
	)

	UsersProvisioned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailticket_users_provisioned_total",
			Help: "Sender accounts provisioned on the fly",
		},
		[]string{"result"}, // created, fallback
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailticket_token_refresh_total",
			Help: "OAuth access token refresh attempts",
		},
		[]string{"provider", "result"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailticket_provider_requests_total",
			Help: "Calls made to mail provider APIs",
		},
		[]string{"provider", "operation", "result"},
	)

	QueuedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailticket_worker_queued_jobs",
			Help: "Jobs submitted to the worker pool and not yet finished",
		},
	)
)

// RecordSyncRun records the final status and duration of a run.
func RecordSyncRun(provider, status string, duration time.Duration) {
	SyncRuns.WithLabelValues(provider, status).Inc()
	SyncRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordConversation increments the conversation outcome counter.
func RecordConversation(outcome string) {
	ConversationsProcessed.WithLabelValues(outcome).Inc()
}

// RecordAttachment increments the attachment counter.
func RecordAttachment(result string) {
	AttachmentsStored.WithLabelValues(result).Inc()
}

// RecordUserProvisioning increments the provisioning counter.
func RecordUserProvisioning(result string) {
	UsersProvisioned.WithLabelValues(result).Inc()
}

// RecordTokenRefresh increments the refresh counter.
func RecordTokenRefresh(provider string, err error) {
	TokenRefreshes.WithLabelValues(provider, resultLabel(err)).Inc()
}

// RecordProviderRequest increments the provider request counter.
func RecordProviderRequest(provider, operation string, err error) {
	ProviderRequests.WithLabelValues(provider, operation, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
