// Package maintenance runs the post-send list upkeep of a round: the bounce
// policy first, then rebalancing of the campaign's round lists when the bounce
// run removed anyone.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"campaign-lifecycle/internal/advisory"
	"campaign-lifecycle/internal/archive"
	"campaign-lifecycle/internal/bounce"
	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/rebalance"
	"campaign-lifecycle/internal/telemetry"
)

// Bouncer runs the suppression policy for one round.
type Bouncer interface {
	Run(ctx context.Context, in bounce.RunInput) (bounce.Summary, error)
}

// Lists reads and edits round lists at the provider.
type Lists interface {
	ListMembers(ctx context.Context, listID string) ([]models.ListMember, error)
	AddToList(ctx context.Context, listID, contactID string) error
	RemoveFromList(ctx context.Context, listID, contactID string) error
}

// RunStore finds sibling rounds and records finished runs.
type RunStore interface {
	ListCampaignRounds(ctx context.Context, campaign string) ([]models.CampaignRound, error)
	SaveMaintenanceRun(ctx context.Context, run models.MaintenanceRun) error
}

// Notifier queues an operator notification.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Deps are the collaborators of a Runner. Advisor, Archive and Notifier are optional.
type Deps struct {
	Bouncer  Bouncer
	Lists    Lists
	Runs     RunStore
	Advisor  advisory.Advisor
	Archive  archive.Store
	Notifier Notifier
}

// RebalanceReport records what the rebalancer decided and did.
type RebalanceReport struct {
	Plan           *rebalance.Plan `json:"plan,omitempty"`
	Applied        bool            `json:"applied"`
	ContactsMoved  int             `json:"contacts_moved"`
	Failures       int             `json:"failures"`
	FailureDetails []string        `json:"failure_details,omitempty"`
	AdvisoryError  string          `json:"advisory_error,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Report is the archived summary of one maintenance run.
type Report struct {
	RunID       string                     `json:"run_id"`
	RoundID     string                     `json:"round_id"`
	Campaign    string                     `json:"campaign"`
	RoundNumber int                        `json:"round_number"`
	Bounce      bounce.Summary             `json:"bounce"`
	Rebalance   *RebalanceReport           `json:"rebalance,omitempty"`
	Health      *advisory.HealthAssessment `json:"health,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	FinishedAt  time.Time                  `json:"finished_at"`
}

// Runner implements the list-maintenance stage.
type Runner struct {
	Deps
	tolerance float64
	callDelay time.Duration
	channel   string
	log       *zap.Logger
	now       func() time.Time
}

// NewRunner wires a Runner.
func NewRunner(cfg config.Config, deps Deps, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Advisor == nil {
		deps.Advisor = advisory.Disabled{}
	}
	tol := cfg.RebalanceTolerance
	if tol <= 0 {
		tol = rebalance.DefaultTolerance
	}
	return &Runner{
		Deps:      deps,
		tolerance: tol,
		callDelay: cfg.ProviderCallDelay,
		channel:   cfg.NotificationChannel,
		log:       log,
		now:       time.Now,
	}
}

// MaintainLists runs the bounce policy for the round and rebalances its campaign's
// lists if contacts were removed. Only a failed bounce run fails the stage; rebalance
// problems are reported and left for the next run.
func (r *Runner) MaintainLists(ctx context.Context, round models.CampaignRound) error {
	log := r.log.With(zap.String("round_id", round.ID), zap.String("campaign", round.CampaignName))
	report := Report{
		RunID:       uuid.NewString(),
		RoundID:     round.ID,
		Campaign:    round.CampaignName,
		RoundNumber: round.RoundNumber,
		StartedAt:   r.now().UTC(),
	}

	sum, err := r.Bouncer.Run(ctx, bounce.RunInput{
		RoundID:            round.ID,
		CampaignName:       round.CampaignName,
		ProviderCampaignID: providerCampaignID(round),
		ListID:             round.ListID,
		MasterListID:       round.MasterListID,
		NominalSize:        round.RecipientCount,
	})
	if err != nil {
		return fmt.Errorf("bounce run: %w", err)
	}
	report.Bounce = sum

	if sum.Removed > 0 || sum.Suppressed > 0 {
		report.Rebalance = r.rebalance(ctx, round, log)
	}

	if sum.HighBounceRate {
		report.Health = r.assessHealth(ctx, round, sum, log)
		r.notifyHighBounce(ctx, round, sum, report.Health, log)
	}

	report.FinishedAt = r.now().UTC()
	r.persist(ctx, report, log)
	return nil
}

func (r *Runner) rebalance(ctx context.Context, round models.CampaignRound, log *zap.Logger) *RebalanceReport {
	out := &RebalanceReport{}
	lists, err := r.listStates(ctx, round.CampaignName)
	if err != nil {
		out.Error = err.Error()
		log.Warn("rebalance skipped", zap.Error(err))
		return out
	}
	if len(lists) < 2 {
		return out
	}

	plan := r.plan(ctx, round.CampaignName, lists, out, log)
	out.Plan = &plan
	telemetry.BalanceScore.WithLabelValues(round.CampaignName).Set(plan.Before.Score)
	if !plan.ShouldApply || len(plan.Moves) == 0 {
		log.Info("lists balanced", zap.Float64("balance_score", plan.Before.Score))
		return out
	}

	r.apply(ctx, plan.Moves, out, log)
	out.Applied = out.ContactsMoved > 0
	if out.Failures == 0 {
		telemetry.BalanceScore.WithLabelValues(round.CampaignName).Set(plan.After.Score)
	}
	log.Info("lists rebalanced",
		zap.String("source", plan.Source),
		zap.Int("moved", out.ContactsMoved),
		zap.Int("failures", out.Failures),
		zap.Float64("score_before", plan.Before.Score),
		zap.Float64("score_after", plan.After.Score),
	)
	return out
}

// listStates snapshots the lists of every live round of the campaign, ordered by round number.
func (r *Runner) listStates(ctx context.Context, campaign string) ([]models.ListState, error) {
	rounds, err := r.Runs.ListCampaignRounds(ctx, campaign)
	if err != nil {
		return nil, fmt.Errorf("list campaign rounds: %w", err)
	}
	seen := make(map[string]bool, len(rounds))
	var lists []models.ListState
	for _, rd := range rounds {
		if rd.Status == models.RoundCancelled || rd.ListID == "" || seen[rd.ListID] {
			continue
		}
		seen[rd.ListID] = true
		members, err := r.Lists.ListMembers(ctx, rd.ListID)
		if err != nil {
			return nil, fmt.Errorf("list members of %s: %w", rd.ListID, err)
		}
		lists = append(lists, models.ListState{
			ListID:      rd.ListID,
			RoundNumber: rd.RoundNumber,
			Members:     members,
			Count:       len(members),
		})
	}
	return lists, nil
}

// plan prefers a validated advisory proposal and falls back to the rule-based plan.
func (r *Runner) plan(ctx context.Context, campaign string, lists []models.ListState, out *RebalanceReport, log *zap.Logger) rebalance.Plan {
	rules := rebalance.Compute(lists, r.tolerance)
	if rules.Before.IsBalanced {
		return rules
	}

	in := advisory.RebalanceInput{Campaign: campaign, Target: rules.Before.Target, Tolerance: r.tolerance}
	for _, l := range lists {
		in.Lists = append(in.Lists, advisory.ListSummary{ListID: l.ListID, RoundNumber: l.RoundNumber, Count: l.Count})
	}
	proposal, err := r.Advisor.ProposeRebalance(ctx, in)
	if err != nil {
		if !errors.Is(err, advisory.ErrUnavailable) {
			out.AdvisoryError = err.Error()
			log.Warn("advisory proposal rejected", zap.Error(err))
		}
		return rules
	}

	moves := make([]rebalance.Move, 0, len(proposal.Moves))
	for _, m := range proposal.Moves {
		moves = append(moves, rebalance.Move{FromListID: m.FromListID, ToListID: m.ToListID, Count: m.Count})
	}
	plan, err := rebalance.FromProposal(lists, moves, r.tolerance, "advisory", proposal.Rationale)
	if err != nil {
		out.AdvisoryError = err.Error()
		log.Warn("advisory plan failed validation", zap.Error(err))
		return rules
	}
	return plan
}

// apply copies each contact to its destination before removing it from the source,
// so a failure never drops a contact from every list.
func (r *Runner) apply(ctx context.Context, moves []rebalance.Move, out *RebalanceReport, log *zap.Logger) {
	limiter := r.pacer()
	for _, mv := range moves {
		for _, id := range mv.ContactIDs {
			if err := limiter.Wait(ctx); err != nil {
				out.fail("move interrupted: %v", err)
				return
			}
			if err := r.Lists.AddToList(ctx, mv.ToListID, id); err != nil {
				telemetry.ProviderCallErrors.WithLabelValues("add_to_list").Inc()
				out.fail("add %s to %s: %v", id, mv.ToListID, err)
				log.Warn("rebalance add failed", zap.String("contact_id", id), zap.Error(err))
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				out.fail("move interrupted: %v", err)
				return
			}
			if err := r.Lists.RemoveFromList(ctx, mv.FromListID, id); err != nil {
				telemetry.ProviderCallErrors.WithLabelValues("remove_from_list").Inc()
				out.fail("remove %s from %s: %v", id, mv.FromListID, err)
				log.Warn("rebalance remove failed", zap.String("contact_id", id), zap.Error(err))
				continue
			}
			out.ContactsMoved++
			telemetry.RebalanceMoves.Inc()
		}
	}
}

func (o *RebalanceReport) fail(format string, args ...any) {
	o.Failures++
	o.FailureDetails = append(o.FailureDetails, fmt.Sprintf(format, args...))
}

func (r *Runner) assessHealth(ctx context.Context, round models.CampaignRound, sum bounce.Summary, log *zap.Logger) *advisory.HealthAssessment {
	h, err := r.Advisor.AssessHealth(ctx, advisory.HealthInput{
		Campaign:    round.CampaignName,
		RoundNumber: round.RoundNumber,
		NominalSize: round.RecipientCount,
		Hard:        sum.Hard,
		Soft:        sum.Soft,
		Suppressed:  sum.Suppressed,
		BounceRate:  sum.BounceRate,
	})
	if err != nil {
		if !errors.Is(err, advisory.ErrUnavailable) {
			log.Warn("health assessment failed", zap.Error(err))
		}
		return nil
	}
	return &h
}

func (r *Runner) notifyHighBounce(ctx context.Context, round models.CampaignRound, sum bounce.Summary, h *advisory.HealthAssessment, log *zap.Logger) {
	if r.Notifier == nil {
		return
	}
	n := models.Notification{
		ID:       uuid.NewString(),
		Channel:  r.channel,
		Severity: "warning",
		Title:    fmt.Sprintf("High bounce rate on round %d of %s", round.RoundNumber, round.CampaignName),
		Body: fmt.Sprintf("%.1f%% of %d recipients bounced (%d hard, %d soft); %d suppressed.",
			sum.BounceRate*100, round.RecipientCount, sum.Hard, sum.Soft, sum.Suppressed),
		Fields: map[string]string{
			"campaign": round.CampaignName,
			"round":    fmt.Sprintf("%d", round.RoundNumber),
			"round_id": round.ID,
		},
	}
	if h != nil {
		n.Fields["health_score"] = fmt.Sprintf("%d", h.Score)
		n.Fields["risk"] = h.Risk
		n.Body += "\n" + h.Summary
	}
	if err := r.Notifier.Notify(ctx, n); err != nil {
		log.Warn("high bounce notification failed", zap.Error(err))
	}
}

// persist archives the report and records the run. Failures are logged only; the
// list work is already done and must not be repeated because of them.
func (r *Runner) persist(ctx context.Context, report Report, log *zap.Logger) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Error("encode maintenance report", zap.Error(err))
		return
	}

	run := models.MaintenanceRun{
		ID:           report.RunID,
		RoundID:      report.RoundID,
		CampaignName: report.Campaign,
		HardBounces:  report.Bounce.Hard,
		SoftBounces:  report.Bounce.Soft,
		Suppressed:   report.Bounce.Suppressed,
		Errors:       report.Bounce.Errors,
		BounceRate:   report.Bounce.BounceRate,
		Report:       body,
		StartedAt:    report.StartedAt,
		FinishedAt:   report.FinishedAt,
	}
	if rb := report.Rebalance; rb != nil {
		run.ContactsMoved = rb.ContactsMoved
		if rb.Plan != nil {
			run.BalanceScore = rb.Plan.Before.Score
			if rb.Applied {
				run.BalanceScore = rb.Plan.After.Score
			}
		}
	}

	if r.Archive != nil {
		key := fmt.Sprintf("maintenance/%s/%s.json", report.RoundID, report.RunID)
		loc, err := r.Archive.Put(ctx, key, body)
		if err != nil {
			log.Warn("archive maintenance report", zap.Error(err))
		} else {
			run.ReportLocation = loc
		}
	}
	if err := r.Runs.SaveMaintenanceRun(ctx, run); err != nil {
		log.Warn("save maintenance run", zap.Error(err))
	}
}

func (r *Runner) pacer() *rate.Limiter {
	if r.callDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(r.callDelay), 1)
}

func providerCampaignID(round models.CampaignRound) string {
	if round.ProviderMessageID != nil && *round.ProviderMessageID != "" {
		return *round.ProviderMessageID
	}
	return round.ID
}
