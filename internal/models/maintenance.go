package models

import (
	"encoding/json"
	"time"
)

// MaintenanceRun is the persisted summary of one list-maintenance execution.
type MaintenanceRun struct {
	ID             string          `json:"id"`
	RoundID        string          `json:"round_id"`
	CampaignName   string          `json:"campaign_name"`
	HardBounces    int             `json:"hard_bounces"`
	SoftBounces    int             `json:"soft_bounces"`
	Suppressed     int             `json:"suppressed"`
	Errors         int             `json:"errors"`
	BounceRate     float64         `json:"bounce_rate"`
	ContactsMoved  int             `json:"contacts_moved"`
	BalanceScore   float64         `json:"balance_score"`
	ReportLocation string          `json:"report_location,omitempty"`
	Report         json.RawMessage `json:"report"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}
