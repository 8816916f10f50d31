// Package orchestrator executes round stages when their jobs fire and moves the
// round through its status machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/telemetry"
)

// RoundStore persists rounds. Status writes are compare-and-set on the expected
// current status and return errs.ErrStateConflict when it has moved on.
type RoundStore interface {
	GetRound(ctx context.Context, id string) (models.CampaignRound, error)
	TransitionRound(ctx context.Context, id string, from, to models.RoundStatus) error
	MarkSent(ctx context.Context, id string, from models.RoundStatus, res models.SendResult) error
	CompleteRound(ctx context.Context, id string, m models.DeliveryMetrics) error
	// SetRoundError records the last stage failure. final marks a failure that will not be retried.
	SetRoundError(ctx context.Context, id string, stage models.StageKind, msg string, final bool) error
	AppendAudit(ctx context.Context, entry models.AuditLog) error
}

// Sender triggers the irreversible send.
type Sender interface {
	SendRound(ctx context.Context, round models.CampaignRound) (models.SendResult, error)
}

// ReadinessChecker runs pre-flight checks.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context, round models.CampaignRound) (models.Readiness, error)
}

// MetricsFetcher reads delivery results for a sent round.
type MetricsFetcher interface {
	FetchDeliveryMetrics(ctx context.Context, providerCampaignID string) (models.DeliveryMetrics, error)
}

// Notifier posts to the operations channel. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// ListMaintainer runs bounce suppression and rebalancing for a sent round.
type ListMaintainer interface {
	MaintainLists(ctx context.Context, round models.CampaignRound) error
}

// Deps are the collaborators a stage may call.
type Deps struct {
	Rounds     RoundStore
	Sender     Sender
	Readiness  ReadinessChecker
	Metrics    MetricsFetcher
	Notifier   Notifier
	Maintainer ListMaintainer
}

// Orchestrator dispatches stage jobs to their handlers.
type Orchestrator struct {
	Deps
	channel string
	log     *zap.Logger
}

// New builds an orchestrator.
func New(cfg config.Config, deps Deps, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{Deps: deps, channel: cfg.NotificationChannel, log: log}
}

// Handle runs the stage named by the job payload. It is registered with the worker
// for every stage kind.
func (o *Orchestrator) Handle(ctx context.Context, job models.Job) error {
	var p models.StagePayload
	if err := job.Decode(&p); err != nil {
		return errs.Validation("decode stage payload of %s: %v", job.ID, err)
	}
	if p.RoundID == "" {
		return errs.Validation("job %s has no round id", job.ID)
	}
	if p.StageKind == "" {
		p.StageKind = models.StageKind(job.Kind)
	}
	log := o.log.With(
		zap.String("job_id", job.ID),
		zap.String("round_id", p.RoundID),
		zap.String("stage", string(p.StageKind)),
		zap.Int("attempt", job.Attempts),
	)

	round, err := o.Rounds.GetRound(ctx, p.RoundID)
	if errors.Is(err, errs.ErrNotFound) {
		err = errs.Validation("round %s does not exist", p.RoundID)
	}
	if err != nil {
		o.finish(job, p, "failed", err, log)
		return err
	}

	var outcome string
	switch p.StageKind {
	case models.StagePreLaunch:
		outcome, err = o.preLaunch(ctx, round, log)
	case models.StagePreFlight:
		outcome, err = o.preFlight(ctx, round, log)
	case models.StageLaunchWarning:
		outcome, err = o.launchWarning(ctx, round, log)
	case models.StageLaunch:
		outcome, err = o.launch(ctx, round, log)
	case models.StageWrapUp:
		outcome, err = o.wrapUp(ctx, round, log)
	case models.StageListMaintenance:
		outcome, err = o.listMaintenance(ctx, round, log)
	default:
		err = errs.Validation("unknown stage %q", p.StageKind)
	}

	final := errs.IsPermanent(err) || job.Attempts >= job.MaxAttempts
	// Waiting on an earlier stage is only a failure once the job has no attempts left.
	stillWaiting := errors.Is(err, errWaiting) && !final
	if err != nil && !errors.Is(err, errs.ErrStateConflict) && !stillWaiting {
		o.recordFailure(round.ID, p.StageKind, err, final, log)
	}
	o.finish(job, p, outcome, err, log)
	return err
}

// preLaunch only verifies the round is still live. The pre-launch notification
// itself goes out when the round is created.
// TODO: drop this stage once the creation-time notification carries the same check.
func (o *Orchestrator) preLaunch(_ context.Context, round models.CampaignRound, log *zap.Logger) (string, error) {
	if round.Status == models.RoundCancelled {
		return "noop", errs.Conflict("round %s is cancelled", round.ID)
	}
	log.Info("pre-launch verification passed", zap.String("status", string(round.Status)), zap.Time("launch_at", round.LaunchAt))
	return "verified", nil
}

func (o *Orchestrator) preFlight(ctx context.Context, round models.CampaignRound, log *zap.Logger) (string, error) {
	if round.Status != models.RoundScheduled && round.Status != models.RoundPreFlightBlocked {
		return "noop", errs.Conflict("round %s is %s, pre-flight already decided", round.ID, round.Status)
	}

	res, err := o.Readiness.CheckReadiness(ctx, round)
	if err != nil {
		return "retry", fmt.Errorf("readiness check: %w", err)
	}
	details := strings.Join(res.Details, "; ")

	switch res.Outcome {
	case models.ReadinessBlocked:
		if round.Status != models.RoundPreFlightBlocked {
			if err := o.Rounds.TransitionRound(ctx, round.ID, round.Status, models.RoundPreFlightBlocked); err != nil {
				return "retry", fmt.Errorf("mark blocked: %w", err)
			}
		}
		if err := o.Rounds.SetRoundError(ctx, round.ID, models.StagePreFlight, "pre-flight blocked: "+details, true); err != nil {
			log.Warn("record blocked reason failed", zap.Error(err))
		}
		o.notify(ctx, "critical", fmt.Sprintf("Round %d of %s is BLOCKED", round.RoundNumber, round.CampaignName), details, round, log)
		log.Warn("pre-flight blocked", zap.String("details", details))
		return "blocked", nil

	case models.ReadinessWarning:
		o.notify(ctx, "warning", fmt.Sprintf("Round %d of %s passed pre-flight with warnings", round.RoundNumber, round.CampaignName), details, round, log)
		fallthrough

	default:
		if err := o.Rounds.TransitionRound(ctx, round.ID, round.Status, models.RoundPreFlightPassed); err != nil {
			return "retry", fmt.Errorf("mark pre-flight passed: %w", err)
		}
		log.Info("pre-flight passed", zap.String("outcome", string(res.Outcome)))
		return string(res.Outcome), nil
	}
}

// launchWarning never fails the job: a missed warning must not hold up the send.
func (o *Orchestrator) launchWarning(ctx context.Context, round models.CampaignRound, log *zap.Logger) (string, error) {
	switch round.Status {
	case models.RoundCancelled, models.RoundPreFlightBlocked:
		return "noop", errs.Conflict("round %s is %s, no launch warning", round.ID, round.Status)
	case models.RoundScheduled, models.RoundPreFlightPassed:
	default:
		return "noop", errs.Conflict("round %s is already %s", round.ID, round.Status)
	}

	o.notify(ctx, "info",
		fmt.Sprintf("Round %d of %s launches in 15 minutes", round.RoundNumber, round.CampaignName),
		fmt.Sprintf("List %s, launch at %s", round.ListID, round.LaunchAt.UTC().Format(time.RFC1123)),
		round, log)

	// Before pre-flight has run the status stays put so pre-flight still gates the send.
	if round.Status != models.RoundPreFlightPassed {
		return "warned", nil
	}
	if err := o.Rounds.TransitionRound(ctx, round.ID, round.Status, models.RoundLaunchWarned); err != nil {
		log.Warn("mark launch warned failed", zap.Error(err))
	}
	return "warned", nil
}

func (o *Orchestrator) launch(ctx context.Context, round models.CampaignRound, log *zap.Logger) (string, error) {
	switch round.Status {
	case models.RoundCancelled:
		return "noop", errs.Conflict("round %s is cancelled", round.ID)
	case models.RoundSent, models.RoundCompleted:
		return "noop", errs.Conflict("round %s already sent", round.ID)
	case models.RoundScheduled:
		return "waiting", waiting("round %s has not passed pre-flight yet", round.ID)
	case models.RoundPreFlightBlocked:
		reason := "pre-flight blocked"
		if round.LastError != nil {
			reason = *round.LastError
		}
		if err := o.Rounds.SetRoundError(ctx, round.ID, models.StageLaunch, "launch refused: "+reason, true); err != nil {
			log.Warn("record launch refusal failed", zap.Error(err))
		}
		o.notify(ctx, "critical",
			fmt.Sprintf("Round %d of %s was NOT sent", round.RoundNumber, round.CampaignName),
			"Launch refused: "+reason, round, log)
		log.Warn("launch refused, pre-flight blocked", zap.String("reason", reason))
		return "refused", nil
	}

	if strings.TrimSpace(round.TemplateRef) == "" {
		return "failed", errs.Validation("round %s has no template reference", round.ID)
	}

	res, err := o.Sender.SendRound(ctx, round)
	if err != nil {
		return "retry", fmt.Errorf("send: %w", err)
	}
	if err := o.Rounds.MarkSent(ctx, round.ID, round.Status, res); err != nil {
		// The provider dedupes on round id, so a retried job will not send twice.
		return "retry", fmt.Errorf("record send %s: %w", res.ProviderMessageID, err)
	}
	log.Info("round sent", zap.String("provider_message_id", res.ProviderMessageID), zap.Int("recipients", res.Recipients))
	return "sent", nil
}

func (o *Orchestrator) wrapUp(ctx context.Context, round models.CampaignRound, log *zap.Logger) (string, error) {
	if err := awaitSent(round); err != nil {
		return outcomeOf(err), err
	}
	if round.Status == models.RoundCompleted {
		return "noop", errs.Conflict("round %s already completed", round.ID)
	}

	m, err := o.Metrics.FetchDeliveryMetrics(ctx, providerID(round))
	if err != nil {
		return "retry", fmt.Errorf("delivery metrics: %w", err)
	}
	if err := o.Rounds.CompleteRound(ctx, round.ID, m); err != nil {
		return "retry", fmt.Errorf("complete round: %w", err)
	}

	o.notify(ctx, "info",
		fmt.Sprintf("Round %d of %s completed", round.RoundNumber, round.CampaignName),
		fmt.Sprintf("sent=%d delivered=%d opens=%d clicks=%d bounces=%d unsubscribes=%d",
			m.Sent, m.Delivered, m.Opens, m.Clicks, m.Bounces, m.Unsubscribes),
		round, log)
	log.Info("round completed", zap.Int("delivered", m.Delivered), zap.Int("bounces", m.Bounces))
	return "completed", nil
}

func (o *Orchestrator) listMaintenance(ctx context.Context, round models.CampaignRound, log *zap.Logger) (string, error) {
	if err := awaitSent(round); err != nil {
		return outcomeOf(err), err
	}
	if err := o.Maintainer.MaintainLists(ctx, round); err != nil {
		return "retry", fmt.Errorf("list maintenance: %w", err)
	}
	log.Info("list maintenance finished")
	return "maintained", nil
}

// awaitSent gates post-send stages. A round that never reached SENT because its
// launch failed or was refused is skipped; otherwise the stage waits for launch.
func awaitSent(round models.CampaignRound) error {
	switch round.Status {
	case models.RoundSent, models.RoundCompleted:
		return nil
	case models.RoundCancelled, models.RoundPreFlightBlocked:
		return errs.Conflict("round %s is %s, nothing was sent", round.ID, round.Status)
	}
	if round.LastErrorFinal && round.LastErrorStage != nil && *round.LastErrorStage == string(models.StageLaunch) {
		msg := ""
		if round.LastError != nil {
			msg = *round.LastError
		}
		return errs.Conflict("round %s was not sent: %s", round.ID, msg)
	}
	return waiting("round %s is %s, waiting for launch", round.ID, round.Status)
}

// errWaiting marks a retry caused by stage ordering rather than a failure. Jobs
// clamped to fire immediately can run before the stage they depend on.
var errWaiting = errors.New("waiting for earlier stage")

func waiting(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", errs.ErrTransient, errWaiting, fmt.Sprintf(format, args...))
}

func outcomeOf(err error) string {
	if errors.Is(err, errs.ErrStateConflict) {
		return "noop"
	}
	return "waiting"
}

func providerID(round models.CampaignRound) string {
	if round.ProviderMessageID != nil {
		return *round.ProviderMessageID
	}
	return round.ID
}

func (o *Orchestrator) notify(ctx context.Context, severity, title, body string, round models.CampaignRound, log *zap.Logger) {
	if o.Notifier == nil {
		return
	}
	n := models.Notification{
		ID:       uuid.NewString(),
		Channel:  o.channel,
		Severity: severity,
		Title:    title,
		Body:     body,
		Fields: map[string]string{
			"campaign": round.CampaignName,
			"round":    fmt.Sprintf("%d", round.RoundNumber),
			"round_id": round.ID,
		},
	}
	if err := o.Notifier.Notify(ctx, n); err != nil {
		log.Warn("notification failed", zap.String("title", title), zap.Error(err))
	}
}

// recordFailure makes the failure visible on the round.
func (o *Orchestrator) recordFailure(roundID string, stage models.StageKind, err error, final bool, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := o.Rounds.SetRoundError(ctx, roundID, stage, err.Error(), final); serr != nil {
		log.Warn("record stage error failed", zap.Error(serr))
	}
}

func (o *Orchestrator) finish(job models.Job, p models.StagePayload, outcome string, err error, log *zap.Logger) {
	if outcome == "" {
		outcome = "failed"
	}
	if err != nil && errs.IsPermanent(err) {
		outcome = "failed"
	}
	telemetry.StageOutcomes.WithLabelValues(string(p.StageKind), outcome).Inc()

	detail := outcome
	if err != nil {
		detail = err.Error()
		if outcome != "noop" {
			log.Warn("stage did not complete", zap.String("outcome", outcome), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := models.AuditLog{
		JobID:    job.ID,
		RoundID:  p.RoundID,
		Stage:    string(p.StageKind),
		Event:    outcome,
		Detail:   detail,
		Recorded: time.Now().UTC(),
	}
	if aerr := o.Rounds.AppendAudit(ctx, entry); aerr != nil {
		log.Warn("append stage audit failed", zap.Error(aerr))
	}
}
