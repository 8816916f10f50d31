// Package advisory asks an external model for recommendations and validates the
// structured answer before anything acts on it.
package advisory

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"campaign-lifecycle/internal/errs"
)

// ErrUnavailable means no advisor is configured; callers use their rule-based path.
var ErrUnavailable = errors.New("advisory unavailable")

// ListSummary is one round list as shown to the advisor.
type ListSummary struct {
	ListID      string `json:"list_id"`
	RoundNumber int    `json:"round_number"`
	Count       int    `json:"count"`
}

// RebalanceInput describes the current distribution of a campaign's lists.
type RebalanceInput struct {
	Campaign  string        `json:"campaign"`
	Lists     []ListSummary `json:"lists"`
	Target    int           `json:"target"`
	Tolerance float64       `json:"tolerance"`
}

// ProposedMove is a count-only move; contacts are chosen by the rebalancer.
type ProposedMove struct {
	FromListID string `json:"from_list_id" validate:"required"`
	ToListID   string `json:"to_list_id" validate:"required,nefield=FromListID"`
	Count      int    `json:"count" validate:"gt=0"`
}

// RebalanceProposal is the advisor's plan with its reasoning.
type RebalanceProposal struct {
	Moves      []ProposedMove `json:"moves" validate:"max=6,dive"`
	Rationale  string         `json:"rationale" validate:"required,max=2000"`
	Confidence float64        `json:"confidence" validate:"gte=0,lte=1"`
}

// HealthInput summarises a finished bounce run.
type HealthInput struct {
	Campaign    string  `json:"campaign"`
	RoundNumber int     `json:"round_number"`
	NominalSize int     `json:"nominal_size"`
	Hard        int     `json:"hard_bounces"`
	Soft        int     `json:"soft_bounces"`
	Suppressed  int     `json:"suppressed"`
	BounceRate  float64 `json:"bounce_rate"`
}

// HealthAssessment is the advisor's view of list health.
type HealthAssessment struct {
	Score           int      `json:"score" validate:"gte=0,lte=100"`
	Risk            string   `json:"risk" validate:"required,oneof=low medium high critical"`
	Summary         string   `json:"summary" validate:"required,max=1000"`
	Recommendations []string `json:"recommendations" validate:"max=10,dive,required,max=300"`
}

// Advisor produces recommendations. Every result has already passed Validate.
type Advisor interface {
	ProposeRebalance(ctx context.Context, in RebalanceInput) (RebalanceProposal, error)
	AssessHealth(ctx context.Context, in HealthInput) (HealthAssessment, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field presence and numeric ranges of an advisor answer.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errs.Validation("advisory answer rejected: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return errs.Validation("advisory answer rejected: %v", err)
	}
	return nil
}

// Disabled is the advisor used when no model is configured.
type Disabled struct{}

func (Disabled) ProposeRebalance(context.Context, RebalanceInput) (RebalanceProposal, error) {
	return RebalanceProposal{}, ErrUnavailable
}

func (Disabled) AssessHealth(context.Context, HealthInput) (HealthAssessment, error) {
	return HealthAssessment{}, ErrUnavailable
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
