package models

import "time"

// BounceEvent is a raw delivery failure for one contact within one round.
type BounceEvent struct {
	ContactID  string    `json:"contact_id"`
	Email      string    `json:"email,omitempty"`
	Reason     string    `json:"reason"`
	Permanent  bool      `json:"permanent"`
	Blocked    bool      `json:"blocked"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SuppressionType classifies why a contact was recorded.
type SuppressionType string

const (
	HardBounce SuppressionType = "hard_bounce"
	SoftBounce SuppressionType = "soft_bounce"
)

// SuppressedContact is the durable per-contact bounce record. A record with a nil
// SuppressedAt has only been counted and is still eligible for sends.
type SuppressedContact struct {
	ContactID      string          `json:"contact_id"`
	Type           SuppressionType `json:"suppression_type"`
	BounceCount    int             `json:"bounce_count"`
	FirstBounceAt  time.Time       `json:"first_bounce_at"`
	LastBounceAt   time.Time       `json:"last_bounce_at"`
	IsPermanent    bool            `json:"is_permanent"`
	RevalidateAt   *time.Time      `json:"revalidate_at,omitempty"`
	SuppressedAt   *time.Time      `json:"suppressed_at,omitempty"`
	LastReason     string          `json:"last_reason"`
	SourceRoundID  string          `json:"source_round_id"`
	SourceCampaign string          `json:"source_campaign"`
}

// Suppressed reports whether the contact is ineligible for sends.
func (c SuppressedContact) Suppressed() bool {
	return c.SuppressedAt != nil
}

// SuppressionUpsert is a create-or-increment write keyed by contact id.
type SuppressionUpsert struct {
	ContactID      string
	Type           SuppressionType
	BouncedAt      time.Time
	Suppress       bool
	IsPermanent    bool
	RevalidateAt   *time.Time
	Reason         string
	SourceRoundID  string
	SourceCampaign string
}

// ListMember is one contact in a round list, in insertion order.
type ListMember struct {
	ContactID string    `json:"contact_id"`
	AddedAt   time.Time `json:"added_at"`
}

// ListState is a per-round snapshot used only while rebalancing.
type ListState struct {
	ListID      string       `json:"list_id"`
	RoundNumber int          `json:"round_number"`
	Members     []ListMember `json:"-"`
	Count       int          `json:"count"`
}
