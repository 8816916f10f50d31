package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"campaign-lifecycle/internal/errs"
)

const rebalancePrompt = `You balance email recipient lists for a campaign sent in three rounds.
Lists are sent oldest contact first, so contacts can only be moved from lists above the
target to lists below it and are appended to the end of the destination.
Target per list: %d. Allowed deviation: %.0f%% of target.
Current lists (JSON): %s
Answer with JSON only: {"moves":[{"from_list_id":"","to_list_id":"","count":0}],"rationale":"","confidence":0.0}.
Return an empty moves array if every list is within the allowed deviation.`

const healthPrompt = `You review the health of an email list after a campaign round.
Bounce run (JSON): %s
Answer with JSON only: {"score":0,"risk":"low|medium|high|critical","summary":"","recommendations":[""]}.
score is 0-100 where 100 is a perfectly healthy list.`

// Gemini asks a Gemini model for JSON recommendations.
type Gemini struct {
	generate func(ctx context.Context, prompt string) (string, error)
	log      *zap.Logger
}

// NewGemini connects to the Gemini API.
func NewGemini(ctx context.Context, apiKey, model string, log *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	return &Gemini{
		generate: func(ctx context.Context, prompt string) (string, error) {
			resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
			if err != nil {
				return "", err
			}
			return resp.Text(), nil
		},
		log: log.With(zap.String("model", model)),
	}, nil
}

// ProposeRebalance asks for a count-only move plan.
func (g *Gemini) ProposeRebalance(ctx context.Context, in RebalanceInput) (RebalanceProposal, error) {
	lists, err := json.Marshal(in.Lists)
	if err != nil {
		return RebalanceProposal{}, err
	}
	var out RebalanceProposal
	if err := g.ask(ctx, "rebalance", fmt.Sprintf(rebalancePrompt, in.Target, in.Tolerance*100, lists), &out); err != nil {
		return RebalanceProposal{}, err
	}
	return out, nil
}

// AssessHealth asks for a list-health score and recommendations.
func (g *Gemini) AssessHealth(ctx context.Context, in HealthInput) (HealthAssessment, error) {
	run, err := json.Marshal(in)
	if err != nil {
		return HealthAssessment{}, err
	}
	var out HealthAssessment
	if err := g.ask(ctx, "health", fmt.Sprintf(healthPrompt, run), &out); err != nil {
		return HealthAssessment{}, err
	}
	return out, nil
}

func (g *Gemini) ask(ctx context.Context, op, prompt string, out any) error {
	text, err := g.generate(ctx, prompt)
	if err != nil {
		return wrapUnavailable(op, err)
	}
	if err := json.Unmarshal([]byte(stripFences(text)), out); err != nil {
		g.log.Warn("advisory answer is not valid JSON", zap.String("op", op), zap.Error(err))
		return errs.Validation("%s: decode answer: %v", op, err)
	}
	return Validate(out)
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
