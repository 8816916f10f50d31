package advisory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campaign-lifecycle/internal/errs"
)

func fakeGemini(answer string, err error) *Gemini {
	return &Gemini{
		generate: func(context.Context, string) (string, error) { return answer, err },
		log:      zap.NewNop(),
	}
}

func TestProposeRebalanceAcceptsFencedJSON(t *testing.T) {
	g := fakeGemini("```json\n{\"moves\":[{\"from_list_id\":\"list-1\",\"to_list_id\":\"list-3\",\"count\":80}],\"rationale\":\"list-1 is 10% over\",\"confidence\":0.8}\n```", nil)

	p, err := g.ProposeRebalance(context.Background(), RebalanceInput{Target: 1000, Tolerance: 0.05})
	require.NoError(t, err)
	require.Len(t, p.Moves, 1)
	assert.Equal(t, 80, p.Moves[0].Count)
}

func TestProposalOutOfRangeIsRejected(t *testing.T) {
	cases := map[string]string{
		"confidence above one": `{"moves":[],"rationale":"ok","confidence":1.5}`,
		"negative count":       `{"moves":[{"from_list_id":"a","to_list_id":"b","count":-3}],"rationale":"ok","confidence":0.5}`,
		"same list":            `{"moves":[{"from_list_id":"a","to_list_id":"a","count":3}],"rationale":"ok","confidence":0.5}`,
		"missing rationale":    `{"moves":[],"confidence":0.5}`,
		"not json":             `I would move some contacts.`,
	}
	for name, answer := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fakeGemini(answer, nil).ProposeRebalance(context.Background(), RebalanceInput{})
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestAssessHealthValidatesRisk(t *testing.T) {
	ok := fakeGemini(`{"score":62,"risk":"high","summary":"bounce rate doubled","recommendations":["re-verify list-2"]}`, nil)
	h, err := ok.AssessHealth(context.Background(), HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "high", h.Risk)

	bad := fakeGemini(`{"score":62,"risk":"meh","summary":"x"}`, nil)
	_, err = bad.AssessHealth(context.Background(), HealthInput{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	_, err := fakeGemini("", errors.New("quota exceeded")).AssessHealth(context.Background(), HealthInput{})
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Disabled{}.ProposeRebalance(context.Background(), RebalanceInput{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
