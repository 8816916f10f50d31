// Package notify delivers operator notifications through the notify queue.
//
// Stage handlers never talk to the chat channel directly: a Notification is
// submitted as a job on the notify queue so a slow or unavailable channel only
// delays the message, never the stage that raised it.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/queue"
	"campaign-lifecycle/internal/telemetry"
)

// Kind is the job kind of a queued notification.
const Kind = "notify"

// Submitter is the part of the job queue the notifier needs.
type Submitter interface {
	Submit(ctx context.Context, p queue.SubmitParams) (bool, error)
}

// Publisher hands a notification to the chat bridge.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
}

// Queued submits notifications as notify jobs.
type Queued struct {
	sub         Submitter
	channel     string
	maxAttempts int
}

// NewQueued returns a notifier that enqueues onto the notify queue.
func NewQueued(sub Submitter, cfg config.Config) *Queued {
	return &Queued{sub: sub, channel: cfg.NotificationChannel, maxAttempts: cfg.MaxAttempts}
}

// Notify enqueues n for immediate delivery.
func (q *Queued) Notify(ctx context.Context, n models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Channel == "" {
		n.Channel = q.channel
	}
	if n.Title == "" {
		return errs.Validation("notification title is required")
	}
	created, err := q.sub.Submit(ctx, queue.SubmitParams{
		ID:          "notify-" + n.ID,
		Queue:       config.QueueNotify,
		Kind:        Kind,
		Payload:     n,
		MaxAttempts: q.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	if !created {
		telemetry.JobsCollided.WithLabelValues(config.QueueNotify).Inc()
		return nil
	}
	telemetry.JobsSubmitted.WithLabelValues(config.QueueNotify).Inc()
	return nil
}

// Dispatcher runs notify jobs.
type Dispatcher struct {
	pub Publisher
	log *zap.Logger
}

// NewDispatcher returns a handler for notify jobs. A nil publisher logs instead.
func NewDispatcher(pub Publisher, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{pub: pub, log: log}
}

// Handle decodes the queued notification and publishes it.
func (d *Dispatcher) Handle(ctx context.Context, job models.Job) error {
	var n models.Notification
	if err := job.Decode(&n); err != nil {
		return errs.Validation("decode notification %s: %v", job.ID, err)
	}
	if n.Title == "" {
		return errs.Validation("notification %s has no title", job.ID)
	}
	log := d.log.With(zap.String("notification_id", n.ID), zap.String("severity", n.Severity))
	if d.pub == nil {
		log.Info("notification", zap.String("channel", n.Channel), zap.String("title", n.Title),
			zap.String("body", n.Body), zap.Any("fields", n.Fields))
		telemetry.NotificationsDelivered.WithLabelValues(n.Severity, "log").Inc()
		return nil
	}
	if err := d.pub.Publish(ctx, n); err != nil {
		return errs.Transient("publish notification %s: %v", n.ID, err)
	}
	telemetry.NotificationsDelivered.WithLabelValues(n.Severity, "amqp").Inc()
	log.Debug("notification published")
	return nil
}
