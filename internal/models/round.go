package models

import (
	"fmt"
	"time"
)

// RoundStatus is the lifecycle state of one campaign round.
//
//	SCHEDULED -> PRE_FLIGHT_PASSED | PRE_FLIGHT_BLOCKED -> LAUNCH_WARNED -> SENT -> COMPLETED
//	CANCELLED is reachable from any non-terminal state.
type RoundStatus string

const (
	RoundScheduled        RoundStatus = "SCHEDULED"
	RoundPreFlightPassed  RoundStatus = "PRE_FLIGHT_PASSED"
	RoundPreFlightBlocked RoundStatus = "PRE_FLIGHT_BLOCKED"
	RoundLaunchWarned     RoundStatus = "LAUNCH_WARNED"
	RoundSent             RoundStatus = "SENT"
	RoundCompleted        RoundStatus = "COMPLETED"
	RoundCancelled        RoundStatus = "CANCELLED"
)

// rank orders statuses along the forward path. Both pre-flight outcomes share a rank.
func (s RoundStatus) rank() int {
	switch s {
	case RoundScheduled:
		return 0
	case RoundPreFlightPassed, RoundPreFlightBlocked:
		return 1
	case RoundLaunchWarned:
		return 2
	case RoundSent:
		return 3
	case RoundCompleted:
		return 4
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is possible.
func (s RoundStatus) IsTerminal() bool {
	return s == RoundCompleted || s == RoundCancelled
}

// Valid reports whether s is a known status.
func (s RoundStatus) Valid() bool {
	return s == RoundCancelled || s.rank() >= 0
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
// A blocked pre-flight may be re-checked and pass once the operator fixes the round.
func (s RoundStatus) CanTransition(next RoundStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	if next == RoundCancelled {
		return true
	}
	if s == RoundPreFlightBlocked && next == RoundPreFlightPassed {
		return true
	}
	if s == RoundPreFlightBlocked {
		// Nothing downstream of a blocked pre-flight may run.
		return false
	}
	return next.rank() > s.rank()
}

// ParseRoundStatus validates a stored status string.
func ParseRoundStatus(v string) (RoundStatus, error) {
	s := RoundStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown round status %q", v)
	}
	return s, nil
}

// StageKind names one independently scheduled step of a round.
type StageKind string

const (
	StagePreLaunch       StageKind = "pre-launch"
	StagePreFlight       StageKind = "pre-flight"
	StageLaunchWarning   StageKind = "launch-warning"
	StageLaunch          StageKind = "launch"
	StageWrapUp          StageKind = "wrap-up"
	StageListMaintenance StageKind = "list-maintenance"
)

// Stages lists every stage in fire order.
var Stages = []StageKind{
	StagePreLaunch,
	StagePreFlight,
	StageLaunchWarning,
	StageLaunch,
	StageWrapUp,
	StageListMaintenance,
}

// ParseStageKind validates a stage name.
func ParseStageKind(v string) (StageKind, error) {
	for _, s := range Stages {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage kind %q", v)
}

// RoundsPerCampaign is the fixed number of rounds a campaign is split into.
const RoundsPerCampaign = 3

// CampaignRound is one of the three scheduled sends of a named campaign.
type CampaignRound struct {
	ID                string      `json:"id"`
	CampaignName      string      `json:"campaign_name"`
	RoundNumber       int         `json:"round_number"`
	LaunchAt          time.Time   `json:"launch_at"`
	ListID            string      `json:"list_id"`
	MasterListID      string      `json:"master_list_id"`
	TemplateRef       string      `json:"template_ref"`
	Status            RoundStatus `json:"status"`
	ProviderMessageID *string     `json:"provider_message_id,omitempty"`
	RecipientCount    int         `json:"recipient_count"`
	LastError         *string     `json:"last_error,omitempty"`
	LastErrorStage    *string     `json:"last_error_stage,omitempty"`
	LastErrorFinal    bool        `json:"last_error_final"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Validate checks the attributes required before a round can be scheduled.
func (r CampaignRound) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("round id is required")
	}
	if r.CampaignName == "" {
		return fmt.Errorf("campaign name is required")
	}
	if r.RoundNumber < 1 || r.RoundNumber > RoundsPerCampaign {
		return fmt.Errorf("round number %d out of range 1..%d", r.RoundNumber, RoundsPerCampaign)
	}
	if r.LaunchAt.IsZero() {
		return fmt.Errorf("launch time is required")
	}
	if r.ListID == "" {
		return fmt.Errorf("list id is required")
	}
	return nil
}

// DisplayStatus is the status a human-facing view shows: BLOCKED and FAILED
// override the lifecycle status so a round never looks silently stuck.
func (r CampaignRound) DisplayStatus() string {
	switch {
	case r.Status == RoundPreFlightBlocked:
		return "BLOCKED"
	case r.LastError != nil && !r.Status.IsTerminal():
		return "FAILED"
	default:
		return string(r.Status)
	}
}

// StagePayload is the job payload carried by every stage job.
type StagePayload struct {
	RoundID      string    `json:"roundId"`
	CampaignName string    `json:"campaignName"`
	RoundNumber  int       `json:"roundNumber"`
	StageKind    StageKind `json:"stageKind"`
	ListID       string    `json:"listId,omitempty"`
}

// DeliveryMetrics are the provider's aggregate results for a sent round.
type DeliveryMetrics struct {
	Sent         int `json:"sent"`
	Delivered    int `json:"delivered"`
	Opens        int `json:"opens"`
	Clicks       int `json:"clicks"`
	Bounces      int `json:"bounces"`
	Unsubscribes int `json:"unsubscribes"`
}
