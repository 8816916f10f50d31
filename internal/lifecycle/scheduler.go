// Package lifecycle turns a round's launch time into its six stage jobs.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/queue"
	"campaign-lifecycle/internal/telemetry"
)

// Offsets are stage fire times relative to the round's launch time.
var Offsets = map[models.StageKind]time.Duration{
	models.StagePreLaunch:       -21 * time.Hour,
	models.StagePreFlight:       -(3*time.Hour + 15*time.Minute),
	models.StageLaunchWarning:   -15 * time.Minute,
	models.StageLaunch:          0,
	models.StageWrapUp:          30 * time.Minute,
	models.StageListMaintenance: 24 * time.Hour,
}

// Substrate is the part of the job queue the scheduler needs.
type Substrate interface {
	Submit(ctx context.Context, p queue.SubmitParams) (bool, error)
	Cancel(ctx context.Context, jobID string) (models.CancelOutcome, error)
	Purge(ctx context.Context, jobID string) (bool, error)
}

// StageFire is one computed stage job.
type StageFire struct {
	Stage  models.StageKind `json:"stage"`
	JobID  string           `json:"job_id"`
	Queue  string           `json:"queue"`
	FireAt time.Time        `json:"fire_at"`
}

// ScheduleResult reports which stage jobs were new and which already existed.
type ScheduleResult struct {
	Fires     []StageFire `json:"fires"`
	Submitted []string    `json:"submitted"`
	Existing  []string    `json:"existing"`
}

// CancelResult maps each stage job id to what cancel did to it.
type CancelResult map[string]models.CancelOutcome

// Scheduler submits and cancels the stage jobs of a round.
type Scheduler struct {
	substrate   Substrate
	maxAttempts int
	log         *zap.Logger
}

// NewScheduler builds a scheduler over the given substrate.
func NewScheduler(s Substrate, cfg config.Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{substrate: s, maxAttempts: cfg.MaxAttempts, log: log}
}

// JobID is the stable identifier of a round's stage job.
func JobID(stage models.StageKind, roundID string) string {
	return fmt.Sprintf("%s-%s", stage, roundID)
}

// QueueFor returns the queue a stage runs on. List maintenance mutates shared
// list state and goes to the serialized cleanup queue.
func QueueFor(stage models.StageKind) string {
	if stage == models.StageListMaintenance {
		return config.QueueCleanup
	}
	return config.QueueStages
}

// FireTimes computes the six stage jobs for a round launching at launchAt, in fire order.
func FireTimes(roundID string, launchAt time.Time) []StageFire {
	launchAt = launchAt.UTC()
	fires := make([]StageFire, 0, len(models.Stages))
	for _, stage := range models.Stages {
		fires = append(fires, StageFire{
			Stage:  stage,
			JobID:  JobID(stage, roundID),
			Queue:  QueueFor(stage),
			FireAt: launchAt.Add(Offsets[stage]),
		})
	}
	return fires
}

// Schedule submits every stage job for the round. Any submission error fails the
// whole call; resubmitting is safe because existing ids are left untouched.
func (s *Scheduler) Schedule(ctx context.Context, round models.CampaignRound) (ScheduleResult, error) {
	if err := round.Validate(); err != nil {
		return ScheduleResult{}, errs.Validation("%v", err)
	}

	res := ScheduleResult{Fires: FireTimes(round.ID, round.LaunchAt)}
	var failed error
	for _, f := range res.Fires {
		payload := models.StagePayload{
			RoundID:      round.ID,
			CampaignName: round.CampaignName,
			RoundNumber:  round.RoundNumber,
			StageKind:    f.Stage,
		}
		if f.Stage == models.StageListMaintenance {
			payload.ListID = round.ListID
		}

		accepted, err := s.substrate.Submit(ctx, queue.SubmitParams{
			ID:          f.JobID,
			Queue:       f.Queue,
			Kind:        string(f.Stage),
			Payload:     payload,
			FireAt:      f.FireAt,
			MaxAttempts: s.maxAttempts,
		})
		if err != nil {
			failed = errors.Join(failed, fmt.Errorf("submit %s: %w", f.JobID, err))
			continue
		}
		if accepted {
			telemetry.JobsSubmitted.WithLabelValues(f.Queue).Inc()
			res.Submitted = append(res.Submitted, f.JobID)
		} else {
			telemetry.JobsCollided.WithLabelValues(f.Queue).Inc()
			res.Existing = append(res.Existing, f.JobID)
		}
	}

	if failed != nil {
		s.log.Warn("round scheduling incomplete",
			zap.String("round_id", round.ID),
			zap.Strings("submitted", res.Submitted),
			zap.Error(failed),
		)
		return res, fmt.Errorf("schedule round %s: %w", round.ID, failed)
	}

	s.log.Info("round scheduled",
		zap.String("round_id", round.ID),
		zap.Time("launch_at", round.LaunchAt),
		zap.Int("submitted", len(res.Submitted)),
		zap.Int("existing", len(res.Existing)),
	)
	return res, nil
}

// Cancel removes the round's stage jobs that have not started. Jobs that already
// fired, are running, or never existed are reported but not treated as errors.
func (s *Scheduler) Cancel(ctx context.Context, roundID string) (CancelResult, error) {
	out := make(CancelResult, len(models.Stages))
	var failed error
	for _, stage := range models.Stages {
		id := JobID(stage, roundID)
		outcome, err := s.substrate.Cancel(ctx, id)
		if err != nil {
			failed = errors.Join(failed, fmt.Errorf("cancel %s: %w", id, err))
			continue
		}
		out[id] = outcome
	}
	if failed != nil {
		return out, fmt.Errorf("cancel round %s: %w", roundID, failed)
	}
	s.log.Info("round jobs cancelled", zap.String("round_id", roundID), zap.Any("outcomes", out))
	return out, nil
}

// Reschedule cancels the round's pending jobs and schedules them again from the
// round's current launch time. For a round that has not been sent yet, stages that
// already fired are forgotten so they run again before the new launch; once sent,
// fired stages keep their record and never run twice.
func (s *Scheduler) Reschedule(ctx context.Context, round models.CampaignRound) (ScheduleResult, error) {
	outcomes, err := s.Cancel(ctx, round.ID)
	if err != nil {
		return ScheduleResult{}, err
	}
	if !sentOrDone(round.Status) {
		for id, outcome := range outcomes {
			if outcome != models.CancelAlreadyFired {
				continue
			}
			if _, err := s.substrate.Purge(ctx, id); err != nil {
				return ScheduleResult{}, fmt.Errorf("reschedule round %s: %w", round.ID, err)
			}
		}
	}
	return s.Schedule(ctx, round)
}

func sentOrDone(st models.RoundStatus) bool {
	return st == models.RoundSent || st == models.RoundCompleted
}
