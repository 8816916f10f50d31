package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"campaign-lifecycle/internal/models"
)

const suppressionColumns = `contact_id, suppression_type, bounce_count, first_bounce_at, last_bounce_at, is_permanent,
	revalidate_at, suppressed_at, last_reason, source_round_id, source_campaign`

// GetSuppression returns the bounce record of a contact, if any.
func (s *Store) GetSuppression(ctx context.Context, contactID string) (models.SuppressedContact, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+suppressionColumns+` FROM suppressed_contacts WHERE contact_id = $1`, contactID)
	rec, err := scanSuppression(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SuppressedContact{}, false, nil
	}
	if err != nil {
		return models.SuppressedContact{}, false, err
	}
	return rec, true, nil
}

// UpsertSuppression creates the record or increments its bounce count in one
// statement. A suppressed contact is never un-suppressed here. The first
// suppression decides type, permanence and revalidation date, except that a
// permanent suppression always upgrades the record and clears its revalidation date.
func (s *Store) UpsertSuppression(ctx context.Context, u models.SuppressionUpsert) (models.SuppressedContact, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO suppressed_contacts AS sc (contact_id, suppression_type, bounce_count, first_bounce_at, last_bounce_at,
			is_permanent, revalidate_at, suppressed_at, last_reason, source_round_id, source_campaign)
		VALUES ($1, $2, 1, $3, $3,
			$4 AND $5, CASE WHEN $4 THEN $6::timestamptz END, CASE WHEN $4 THEN $3::timestamptz END, $7, $8, $9)
		ON CONFLICT (contact_id) DO UPDATE SET
			bounce_count     = sc.bounce_count + 1,
			last_bounce_at   = GREATEST(sc.last_bounce_at, EXCLUDED.last_bounce_at),
			last_reason      = EXCLUDED.last_reason,
			source_round_id  = EXCLUDED.source_round_id,
			source_campaign  = EXCLUDED.source_campaign,
			suppression_type = CASE
				WHEN $4 AND $5 THEN EXCLUDED.suppression_type
				WHEN sc.suppressed_at IS NULL AND $4 THEN EXCLUDED.suppression_type
				ELSE sc.suppression_type END,
			is_permanent     = CASE
				WHEN $4 AND $5 THEN TRUE
				WHEN sc.suppressed_at IS NULL AND $4 THEN EXCLUDED.is_permanent
				ELSE sc.is_permanent END,
			revalidate_at    = CASE
				WHEN $4 AND $5 THEN NULL
				WHEN sc.suppressed_at IS NULL AND $4 THEN EXCLUDED.revalidate_at
				ELSE sc.revalidate_at END,
			suppressed_at    = COALESCE(sc.suppressed_at, EXCLUDED.suppressed_at)
		RETURNING `+suppressionColumns,
		u.ContactID, u.Type, u.BouncedAt.UTC(), u.Suppress, u.IsPermanent, u.RevalidateAt, u.Reason, u.SourceRoundID, u.SourceCampaign)
	rec, err := scanSuppression(row)
	if err != nil {
		return models.SuppressedContact{}, fmt.Errorf("upsert suppression %s: %w", u.ContactID, err)
	}
	return rec, nil
}

func scanSuppression(row pgx.Row) (models.SuppressedContact, error) {
	var (
		rec          models.SuppressedContact
		typ          string
		revalidateAt pgtype.Timestamptz
		suppressedAt pgtype.Timestamptz
	)
	err := row.Scan(&rec.ContactID, &typ, &rec.BounceCount, &rec.FirstBounceAt, &rec.LastBounceAt, &rec.IsPermanent,
		&revalidateAt, &suppressedAt, &rec.LastReason, &rec.SourceRoundID, &rec.SourceCampaign)
	if err != nil {
		return models.SuppressedContact{}, err
	}
	rec.Type = models.SuppressionType(typ)
	rec.RevalidateAt = timePtr(revalidateAt)
	rec.SuppressedAt = timePtr(suppressedAt)
	return rec, nil
}
