// Package store persists rounds, suppression records, stage audit rows and
// maintenance runs in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaign-lifecycle/internal/lifecycle"
	"campaign-lifecycle/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendAudit adds a stage audit row.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stage_audit (job_id, round_id, stage, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.JobID, e.RoundID, e.Stage, e.Event, e.Detail)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns a round's audit rows, oldest first: the stage outcomes and the
// worker's settle events for the round's stage jobs.
func (s *Store) ListAudit(ctx context.Context, roundID string) ([]models.AuditLog, error) {
	jobIDs := make([]string, 0, len(models.Stages))
	for _, stage := range models.Stages {
		jobIDs = append(jobIDs, lifecycle.JobID(stage, roundID))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, round_id, stage, event, detail, recorded_at
		FROM stage_audit WHERE round_id = $1 OR job_id = ANY($2) ORDER BY recorded_at, id
	`, roundID, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var e models.AuditLog
		if err := rows.Scan(&e.JobID, &e.RoundID, &e.Stage, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveMaintenanceRun records a finished maintenance run. Saving the same run twice is a no-op.
func (s *Store) SaveMaintenanceRun(ctx context.Context, r models.MaintenanceRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maintenance_runs (id, round_id, campaign_name, hard_bounces, soft_bounces, suppressed, errors,
			bounce_rate, contacts_moved, balance_score, report_location, report, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.RoundID, r.CampaignName, r.HardBounces, r.SoftBounces, r.Suppressed, r.Errors,
		r.BounceRate, r.ContactsMoved, r.BalanceScore, r.ReportLocation, r.Report, r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert maintenance run: %w", err)
	}
	return nil
}

// ListMaintenanceRuns returns the runs recorded for a round, newest first.
func (s *Store) ListMaintenanceRuns(ctx context.Context, roundID string) ([]models.MaintenanceRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, campaign_name, hard_bounces, soft_bounces, suppressed, errors,
			bounce_rate, contacts_moved, balance_score, report_location, report, started_at, finished_at
		FROM maintenance_runs WHERE round_id = $1 ORDER BY started_at DESC
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("query maintenance runs: %w", err)
	}
	defer rows.Close()

	var out []models.MaintenanceRun
	for rows.Next() {
		var r models.MaintenanceRun
		if err := rows.Scan(&r.ID, &r.RoundID, &r.CampaignName, &r.HardBounces, &r.SoftBounces, &r.Suppressed, &r.Errors,
			&r.BounceRate, &r.ContactsMoved, &r.BalanceScore, &r.ReportLocation, &r.Report, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan maintenance run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
