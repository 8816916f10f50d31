package bounce

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/telemetry"
)

// EventSource pages through a round's bounce events. A page shorter than limit is the last.
type EventSource interface {
	FetchBounceEvents(ctx context.Context, providerCampaignID string, offset, limit int) ([]models.BounceEvent, error)
}

// ListMutator is the provider's list and suppression-list API.
type ListMutator interface {
	RemoveFromList(ctx context.Context, listID, contactID string) error
	AddToSuppressionList(ctx context.Context, contactID string) error
}

// SuppressionStore holds one record per contact. Upserts increment the bounce count.
type SuppressionStore interface {
	GetSuppression(ctx context.Context, contactID string) (models.SuppressedContact, bool, error)
	UpsertSuppression(ctx context.Context, u models.SuppressionUpsert) (models.SuppressedContact, error)
}

// RunInput identifies the round whose bounces are processed.
type RunInput struct {
	RoundID            string
	CampaignName       string
	ProviderCampaignID string
	ListID             string
	MasterListID       string
	NominalSize        int
}

// Summary is the aggregate outcome of one run. Partial failures land in Errors.
type Summary struct {
	Events         int      `json:"events"`
	Contacts       int      `json:"contacts"`
	Hard           int      `json:"hard_bounces"`
	Soft           int      `json:"soft_bounces"`
	Removed        int      `json:"contacts_removed"`
	Suppressed     int      `json:"contacts_suppressed"`
	Recorded       int      `json:"contacts_recorded"`
	Skipped        int      `json:"contacts_skipped"`
	Errors         int      `json:"errors"`
	ErrorDetails   []string `json:"error_details,omitempty"`
	SuppressedIDs  []string `json:"suppressed_contact_ids,omitempty"`
	BounceRate     float64  `json:"bounce_rate"`
	HighBounceRate bool     `json:"high_bounce_rate"`
}

func (s *Summary) fail(format string, args ...any) {
	s.Errors++
	s.ErrorDetails = append(s.ErrorDetails, fmt.Sprintf(format, args...))
}

// Engine runs the suppression policy for one round at a time.
type Engine struct {
	classifier     *Classifier
	source         EventSource
	lists          ListMutator
	store          SuppressionStore
	pageSize       int
	callDelay      time.Duration
	suppressAfter  int
	revalidateIn   time.Duration
	highBounceRate float64
	log            *zap.Logger
	now            func() time.Time
}

// NewEngine wires the engine to its ports.
func NewEngine(cfg config.Config, c *Classifier, source EventSource, lists ListMutator, store SuppressionStore, log *zap.Logger) *Engine {
	if c == nil {
		c = DefaultClassifier()
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		classifier:     c,
		source:         source,
		lists:          lists,
		store:          store,
		pageSize:       cfg.BouncePageSize,
		callDelay:      cfg.ProviderCallDelay,
		suppressAfter:  cfg.SoftBounceSuppressAfter,
		revalidateIn:   cfg.SoftRevalidateAfter,
		highBounceRate: cfg.HighBounceRate,
		log:            log,
		now:            time.Now,
	}
	if e.pageSize <= 0 {
		e.pageSize = 100
	}
	if e.suppressAfter <= 0 {
		e.suppressAfter = 2
	}
	if e.revalidateIn <= 0 {
		e.revalidateIn = 180 * 24 * time.Hour
	}
	if e.highBounceRate <= 0 {
		e.highBounceRate = 0.05
	}
	return e
}

// Run fetches every bounce for the round, then classifies and acts on each contact once.
// A fetch failure is transient and nothing has been mutated yet. Failures on individual
// contacts are counted in the summary and do not stop the run.
func (e *Engine) Run(ctx context.Context, in RunInput) (Summary, error) {
	log := e.log.With(zap.String("round_id", in.RoundID), zap.String("campaign", in.CampaignName))

	events, err := e.fetchAll(ctx, in.ProviderCampaignID)
	if err != nil {
		return Summary{}, err
	}
	contacts := Dedupe(events)
	sum := Summary{Events: len(events), Contacts: len(contacts)}

	limiter := e.pacer()
	for _, ev := range contacts {
		if ctx.Err() != nil {
			return sum, errs.Transient("bounce run interrupted: %v", ctx.Err())
		}
		class := e.classifier.Classify(ev)
		telemetry.BouncesClassified.WithLabelValues(string(class)).Inc()

		switch class {
		case Hard:
			sum.Hard++
			e.handleHard(ctx, limiter, in, ev, &sum, log)
		default:
			sum.Soft++
			e.handleSoft(ctx, limiter, in, ev, &sum, log)
		}
	}

	if in.NominalSize > 0 {
		sum.BounceRate = float64(sum.Hard+sum.Soft) / float64(in.NominalSize)
		sum.HighBounceRate = sum.BounceRate > e.highBounceRate
	}

	if len(contacts) > 0 && sum.Errors > 0 && sum.Suppressed+sum.Recorded+sum.Skipped == 0 {
		return sum, errs.Transient("no bounce could be persisted (%d errors): %s", sum.Errors, sum.ErrorDetails[0])
	}

	log.Info("bounce run finished",
		zap.Int("events", sum.Events),
		zap.Int("hard", sum.Hard),
		zap.Int("soft", sum.Soft),
		zap.Int("removed", sum.Removed),
		zap.Int("suppressed", sum.Suppressed),
		zap.Int("recorded", sum.Recorded),
		zap.Int("errors", sum.Errors),
		zap.Bool("high_bounce_rate", sum.HighBounceRate),
	)
	return sum, nil
}

func (e *Engine) fetchAll(ctx context.Context, providerCampaignID string) ([]models.BounceEvent, error) {
	var all []models.BounceEvent
	for offset := 0; ; offset += e.pageSize {
		page, err := e.source.FetchBounceEvents(ctx, providerCampaignID, offset, e.pageSize)
		if err != nil {
			return nil, errs.Transient("fetch bounce events at offset %d: %v", offset, err)
		}
		all = append(all, page...)
		if len(page) < e.pageSize {
			return all, nil
		}
	}
}

// Dedupe folds repeated events for a contact into one, keeping the strongest flags
// and the latest reason. Output is ordered by contact id.
func Dedupe(events []models.BounceEvent) []models.BounceEvent {
	byContact := make(map[string]models.BounceEvent, len(events))
	for _, ev := range events {
		if ev.ContactID == "" {
			continue
		}
		cur, ok := byContact[ev.ContactID]
		if !ok {
			byContact[ev.ContactID] = ev
			continue
		}
		cur.Permanent = cur.Permanent || ev.Permanent
		cur.Blocked = cur.Blocked || ev.Blocked
		if ev.OccurredAt.After(cur.OccurredAt) {
			cur.OccurredAt = ev.OccurredAt
			if ev.Reason != "" {
				cur.Reason = ev.Reason
			}
		}
		if cur.Reason == "" {
			cur.Reason = ev.Reason
		}
		byContact[ev.ContactID] = cur
	}
	out := make([]models.BounceEvent, 0, len(byContact))
	for _, ev := range byContact {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out
}

func (e *Engine) handleHard(ctx context.Context, limiter *rate.Limiter, in RunInput, ev models.BounceEvent, sum *Summary, log *zap.Logger) {
	existing, found, err := e.store.GetSuppression(ctx, ev.ContactID)
	if err != nil {
		sum.fail("read suppression %s: %v", ev.ContactID, err)
		return
	}
	if found && alreadyCounted(existing, in, ev) {
		sum.Skipped++
		return
	}

	e.removeEverywhere(ctx, limiter, in, ev.ContactID, sum, log)

	_, err = e.store.UpsertSuppression(ctx, models.SuppressionUpsert{
		ContactID:      ev.ContactID,
		Type:           models.HardBounce,
		BouncedAt:      e.bouncedAt(ev),
		Suppress:       true,
		IsPermanent:    true,
		Reason:         ev.Reason,
		SourceRoundID:  in.RoundID,
		SourceCampaign: in.CampaignName,
	})
	if err != nil {
		sum.fail("persist hard bounce %s: %v", ev.ContactID, err)
		return
	}
	sum.Suppressed++
	sum.SuppressedIDs = append(sum.SuppressedIDs, ev.ContactID)
	telemetry.ContactsSuppressed.Inc()
}

func (e *Engine) handleSoft(ctx context.Context, limiter *rate.Limiter, in RunInput, ev models.BounceEvent, sum *Summary, log *zap.Logger) {
	existing, found, err := e.store.GetSuppression(ctx, ev.ContactID)
	if err != nil {
		sum.fail("read suppression %s: %v", ev.ContactID, err)
		return
	}
	if found && alreadyCounted(existing, in, ev) {
		sum.Skipped++
		return
	}

	prior := 0
	if found {
		prior = existing.BounceCount
	}
	u := models.SuppressionUpsert{
		ContactID:      ev.ContactID,
		Type:           models.SoftBounce,
		BouncedAt:      e.bouncedAt(ev),
		Reason:         ev.Reason,
		SourceRoundID:  in.RoundID,
		SourceCampaign: in.CampaignName,
	}

	// Contacts already suppressed only get their count bumped.
	if prior < e.suppressAfter || (found && existing.Suppressed()) {
		if _, err := e.store.UpsertSuppression(ctx, u); err != nil {
			sum.fail("record soft bounce %s: %v", ev.ContactID, err)
			return
		}
		sum.Recorded++
		return
	}

	e.removeEverywhere(ctx, limiter, in, ev.ContactID, sum, log)

	revalidate := e.now().Add(e.revalidateIn)
	u.Suppress = true
	u.RevalidateAt = &revalidate
	if _, err := e.store.UpsertSuppression(ctx, u); err != nil {
		sum.fail("persist soft suppression %s: %v", ev.ContactID, err)
		return
	}
	sum.Suppressed++
	sum.SuppressedIDs = append(sum.SuppressedIDs, ev.ContactID)
	telemetry.ContactsSuppressed.Inc()
	log.Info("soft bounce threshold reached", zap.String("contact_id", ev.ContactID), zap.Int("prior_bounces", prior))
}

// removeEverywhere takes the contact off the round list and the master list and adds it
// to the provider suppression list. Each call is paced and failures are only counted.
func (e *Engine) removeEverywhere(ctx context.Context, limiter *rate.Limiter, in RunInput, contactID string, sum *Summary, log *zap.Logger) {
	removed := false
	for _, listID := range []string{in.ListID, in.MasterListID} {
		if listID == "" {
			continue
		}
		if err := e.call(ctx, limiter, "remove_from_list", func() error {
			return e.lists.RemoveFromList(ctx, listID, contactID)
		}); err != nil {
			sum.fail("remove %s from %s: %v", contactID, listID, err)
			log.Warn("list removal failed", zap.String("contact_id", contactID), zap.String("list_id", listID), zap.Error(err))
			continue
		}
		removed = true
	}
	if removed {
		sum.Removed++
	}
	if err := e.call(ctx, limiter, "add_to_suppression_list", func() error {
		return e.lists.AddToSuppressionList(ctx, contactID)
	}); err != nil {
		sum.fail("suppress %s at provider: %v", contactID, err)
		log.Warn("provider suppression failed", zap.String("contact_id", contactID), zap.Error(err))
	}
}

func (e *Engine) call(ctx context.Context, limiter *rate.Limiter, name string, fn func() error) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		telemetry.ProviderCallErrors.WithLabelValues(name).Inc()
		return err
	}
	return nil
}

func (e *Engine) pacer() *rate.Limiter {
	if e.callDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(e.callDelay), 1)
}

func (e *Engine) bouncedAt(ev models.BounceEvent) time.Time {
	if ev.OccurredAt.IsZero() {
		return e.now()
	}
	return ev.OccurredAt
}

// alreadyCounted reports whether this round's bounce was persisted by an earlier
// attempt of the same run, so a retried job does not count it twice.
func alreadyCounted(existing models.SuppressedContact, in RunInput, ev models.BounceEvent) bool {
	if existing.SourceRoundID != in.RoundID || ev.OccurredAt.IsZero() {
		return false
	}
	return !existing.LastBounceAt.Before(ev.OccurredAt)
}
