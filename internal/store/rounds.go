package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
)

const roundColumns = `id, campaign_name, round_number, launch_at, list_id, master_list_id, template_ref, status,
	provider_message_id, recipient_count, last_error, last_error_stage, last_error_final, created_at, updated_at`

// CreateRound inserts a new round in SCHEDULED. A duplicate id or campaign round is a conflict.
func (s *Store) CreateRound(ctx context.Context, r models.CampaignRound) (models.CampaignRound, error) {
	if err := r.Validate(); err != nil {
		return models.CampaignRound{}, errs.Validation("%v", err)
	}
	now := time.Now().UTC()
	r.Status = models.RoundScheduled
	r.LaunchAt = r.LaunchAt.UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	r.LastError, r.LastErrorStage, r.LastErrorFinal = nil, nil, false

	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaign_rounds (id, campaign_name, round_number, launch_at, list_id, master_list_id, template_ref,
			status, recipient_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, r.ID, r.CampaignName, r.RoundNumber, r.LaunchAt, r.ListID, r.MasterListID, r.TemplateRef,
		r.Status, r.RecipientCount, now)
	if err := createRoundError(err, r); err != nil {
		return models.CampaignRound{}, err
	}
	return r, nil
}

// createRoundError maps insert failures. A duplicate id and a second live round
// with the same campaign and round number are both conflicts.
func createRoundError(err error, r models.CampaignRound) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return errs.Conflict("round %s or a live round %d of %s already exists", r.ID, r.RoundNumber, r.CampaignName)
	}
	return fmt.Errorf("insert round: %w", err)
}

// GetRound fetches a round by id.
func (s *Store) GetRound(ctx context.Context, id string) (models.CampaignRound, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM campaign_rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CampaignRound{}, fmt.Errorf("round %s: %w", id, errs.ErrNotFound)
	}
	return r, err
}

// ListCampaignRounds returns every round of a campaign ordered by round number.
func (s *Store) ListCampaignRounds(ctx context.Context, campaign string) ([]models.CampaignRound, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+` FROM campaign_rounds WHERE campaign_name = $1 ORDER BY round_number
	`, campaign)
	if err != nil {
		return nil, fmt.Errorf("query campaign rounds: %w", err)
	}
	defer rows.Close()

	var out []models.CampaignRound
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionRound moves a round from one status to the next and clears its last
// error. It is a compare-and-set: if the round is no longer in from, or the move
// is not a forward transition, it returns errs.ErrStateConflict.
func (s *Store) TransitionRound(ctx context.Context, id string, from, to models.RoundStatus) error {
	if !from.CanTransition(to) {
		return errs.Conflict("round %s cannot move from %s to %s", id, from, to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_rounds
		SET status = $3, last_error = NULL, last_error_stage = NULL, last_error_final = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("transition round %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.casMiss(ctx, id, from)
	}
	return nil
}

// MarkSent records the send result and moves the round to SENT.
func (s *Store) MarkSent(ctx context.Context, id string, from models.RoundStatus, res models.SendResult) error {
	if !from.CanTransition(models.RoundSent) {
		return errs.Conflict("round %s cannot be sent from %s", id, from)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_rounds
		SET status = $3, provider_message_id = $4, recipient_count = $5,
			last_error = NULL, last_error_stage = NULL, last_error_final = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, models.RoundSent, res.ProviderMessageID, res.Recipients)
	if err != nil {
		return fmt.Errorf("mark round %s sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.casMiss(ctx, id, from)
	}
	return nil
}

// CompleteRound stores delivery metrics and moves a SENT round to COMPLETED.
func (s *Store) CompleteRound(ctx context.Context, id string, m models.DeliveryMetrics) error {
	metrics, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_rounds
		SET status = $3, delivery_metrics = $4,
			last_error = NULL, last_error_stage = NULL, last_error_final = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, models.RoundSent, models.RoundCompleted, metrics)
	if err != nil {
		return fmt.Errorf("complete round %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.casMiss(ctx, id, models.RoundSent)
	}
	return nil
}

// SetRoundError records the latest stage failure on the round.
func (s *Store) SetRoundError(ctx context.Context, id string, stage models.StageKind, msg string, final bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_rounds
		SET last_error = $2, last_error_stage = $3, last_error_final = $4, updated_at = NOW()
		WHERE id = $1
	`, id, msg, string(stage), final)
	if err != nil {
		return fmt.Errorf("set round %s error: %w", id, err)
	}
	return nil
}

// CancelRound moves any non-terminal round to CANCELLED.
func (s *Store) CancelRound(ctx context.Context, id string) (models.CampaignRound, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_rounds SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $2)
	`, id, models.RoundCancelled, models.RoundCompleted)
	if err != nil {
		return models.CampaignRound{}, fmt.Errorf("cancel round %s: %w", id, err)
	}
	r, err := s.GetRound(ctx, id)
	if err != nil {
		return models.CampaignRound{}, err
	}
	if tag.RowsAffected() == 0 {
		return r, errs.Conflict("round %s is already %s", id, r.Status)
	}
	return r, nil
}

// UpdateLaunchAt moves an unsent round to a new launch time. The round returns to
// SCHEDULED with its error cleared so every pre-send stage runs again.
func (s *Store) UpdateLaunchAt(ctx context.Context, id string, launchAt time.Time) (models.CampaignRound, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_rounds
		SET launch_at = $2, status = $3,
			last_error = NULL, last_error_stage = NULL, last_error_final = FALSE, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4, $5, $6)
	`, id, launchAt.UTC(), models.RoundScheduled, models.RoundPreFlightPassed, models.RoundPreFlightBlocked, models.RoundLaunchWarned)
	if err != nil {
		return models.CampaignRound{}, fmt.Errorf("update launch time of %s: %w", id, err)
	}
	r, err := s.GetRound(ctx, id)
	if err != nil {
		return models.CampaignRound{}, err
	}
	if tag.RowsAffected() == 0 {
		return r, errs.Conflict("round %s is %s and can no longer be rescheduled", id, r.Status)
	}
	return r, nil
}

// casMiss explains why a compare-and-set matched no row.
func (s *Store) casMiss(ctx context.Context, id string, from models.RoundStatus) error {
	r, err := s.GetRound(ctx, id)
	if err != nil {
		return err
	}
	return errs.Conflict("round %s is %s, expected %s", id, r.Status, from)
}

func scanRound(row pgx.Row) (models.CampaignRound, error) {
	var (
		r          models.CampaignRound
		status     string
		providerID pgtype.Text
		lastErr    pgtype.Text
		lastStage  pgtype.Text
	)
	err := row.Scan(&r.ID, &r.CampaignName, &r.RoundNumber, &r.LaunchAt, &r.ListID, &r.MasterListID, &r.TemplateRef,
		&status, &providerID, &r.RecipientCount, &lastErr, &lastStage, &r.LastErrorFinal, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CampaignRound{}, err
		}
		return models.CampaignRound{}, fmt.Errorf("scan round: %w", err)
	}
	if r.Status, err = models.ParseRoundStatus(status); err != nil {
		return models.CampaignRound{}, err
	}
	r.ProviderMessageID = textPtr(providerID)
	r.LastError = textPtr(lastErr)
	r.LastErrorStage = textPtr(lastStage)
	return r, nil
}
