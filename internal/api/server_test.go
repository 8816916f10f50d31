package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/lifecycle"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/queue"
)

type memRounds struct {
	mu     sync.Mutex
	rounds map[string]models.CampaignRound
}

func (m *memRounds) CreateRound(_ context.Context, r models.CampaignRound) (models.CampaignRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := r.Validate(); err != nil {
		return models.CampaignRound{}, errs.Validation("%v", err)
	}
	if _, ok := m.rounds[r.ID]; ok {
		return models.CampaignRound{}, errs.Conflict("round %s already exists", r.ID)
	}
	for _, other := range m.rounds {
		if other.CampaignName == r.CampaignName && other.RoundNumber == r.RoundNumber && other.Status != models.RoundCancelled {
			return models.CampaignRound{}, errs.Conflict("live round %d of %s already exists", r.RoundNumber, r.CampaignName)
		}
	}
	r.Status = models.RoundScheduled
	m.rounds[r.ID] = r
	return r, nil
}

func (m *memRounds) GetRound(_ context.Context, id string) (models.CampaignRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return models.CampaignRound{}, errs.ErrNotFound
	}
	return r, nil
}

func (m *memRounds) ListCampaignRounds(_ context.Context, campaign string) ([]models.CampaignRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CampaignRound
	for _, r := range m.rounds {
		if r.CampaignName == campaign {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRounds) CancelRound(_ context.Context, id string) (models.CampaignRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return r, errs.ErrNotFound
	}
	if r.Status.IsTerminal() {
		return r, errs.Conflict("round %s is already %s", id, r.Status)
	}
	r.Status = models.RoundCancelled
	m.rounds[id] = r
	return r, nil
}

func (m *memRounds) UpdateLaunchAt(_ context.Context, id string, launchAt time.Time) (models.CampaignRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return r, errs.ErrNotFound
	}
	if r.Status.IsTerminal() || r.Status == models.RoundSent {
		return r, errs.Conflict("round %s is %s", id, r.Status)
	}
	r.LaunchAt = launchAt
	r.Status = models.RoundScheduled
	m.rounds[id] = r
	return r, nil
}

func (m *memRounds) ListAudit(context.Context, string) ([]models.AuditLog, error) {
	return []models.AuditLog{{JobID: "pre-launch-r1", RoundID: "r1", Stage: "pre-launch", Event: "noop"}}, nil
}

func (m *memRounds) ListMaintenanceRuns(context.Context, string) ([]models.MaintenanceRun, error) {
	return nil, nil
}

type harness struct {
	mr     *miniredis.Miniredis
	rounds *memRounds
	queue  *queue.RedisQueue
	srv    http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{VisibilityTimeout: time.Minute, MaxAttempts: 3}
	q := queue.NewRedisQueue(client, cfg)
	rounds := &memRounds{rounds: map[string]models.CampaignRound{}}
	srv := New(cfg, rounds, lifecycle.NewScheduler(q, cfg, nil), q, nil)
	return &harness{mr: mr, rounds: rounds, queue: q, srv: srv.Router()}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func roundBody(launch time.Time) map[string]any {
	return map[string]any{
		"id":            "r1",
		"campaign_name": "spring",
		"round_number":  1,
		"launch_at":     launch.Format(time.RFC3339),
		"list_id":       "list-1",
		"template_ref":  "tpl-1",
	}
}

func TestCreateRoundSchedulesSixJobs(t *testing.T) {
	h := newHarness(t)
	launch := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)

	rec, out := h.do(t, http.MethodPost, "/rounds", roundBody(launch))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "SCHEDULED", out["display_status"])
	schedule := out["schedule"].(map[string]any)
	assert.Len(t, schedule["submitted"], 6)

	job, err := h.queue.Status(context.Background(), "launch-r1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.State)
	assert.True(t, job.FireAt.Equal(launch))

	// Posting the same round again only re-submits, which collides.
	rec, out = h.do(t, http.MethodPost, "/rounds", roundBody(launch))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["schedule"].(map[string]any)["existing"], 6)
}

func TestCreateRoundValidation(t *testing.T) {
	h := newHarness(t)
	body := roundBody(time.Now().Add(time.Hour))
	delete(body, "template_ref")

	rec, _ := h.do(t, http.MethodPost, "/rounds", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = roundBody(time.Now().Add(time.Hour))
	body["round_number"] = 4
	rec, _ = h.do(t, http.MethodPost, "/rounds", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRoundReportsSchedulingFailure(t *testing.T) {
	h := newHarness(t)
	h.mr.Close()

	rec, out := h.do(t, http.MethodPost, "/rounds", roundBody(time.Now().Add(48*time.Hour)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, out["error"], "retry")
}

func TestGetRoundShowsBlocked(t *testing.T) {
	h := newHarness(t)
	msg, stage := "list empty", "pre-flight"
	h.rounds.rounds["r9"] = models.CampaignRound{ID: "r9", Status: models.RoundPreFlightBlocked, LastError: &msg, LastErrorStage: &stage}

	rec, out := h.do(t, http.MethodGet, "/rounds/r9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BLOCKED", out["display_status"])
	assert.Len(t, out["audit"], 1)

	rec, _ = h.do(t, http.MethodGet, "/rounds/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRoundRemovesPendingJobs(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/rounds", roundBody(time.Now().Add(48*time.Hour)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, out := h.do(t, http.MethodPost, "/rounds/r1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", out["display_status"])
	cancelled := out["cancelled"].(map[string]any)
	assert.Len(t, cancelled, 6)
	assert.Equal(t, string(models.CancelRemoved), cancelled["launch-r1"])

	// Cancelling again is tolerated.
	rec, out = h.do(t, http.MethodPost, "/rounds/r1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(models.CancelNotFound), out["cancelled"].(map[string]any)["launch-r1"])
}

func TestCancelledRoundCanBeReplaced(t *testing.T) {
	h := newHarness(t)
	launch := time.Now().Add(48 * time.Hour)
	rec, _ := h.do(t, http.MethodPost, "/rounds", roundBody(launch))
	require.Equal(t, http.StatusCreated, rec.Code)

	second := roundBody(launch)
	second["id"] = "r2"
	rec, _ = h.do(t, http.MethodPost, "/rounds", second)
	assert.Equal(t, http.StatusConflict, rec.Code, "round 1 of spring is still live")

	rec, _ = h.do(t, http.MethodPost, "/rounds/r1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out := h.do(t, http.MethodPost, "/rounds", second)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "SCHEDULED", out["display_status"])
}

func TestCancelCompletedRoundConflicts(t *testing.T) {
	h := newHarness(t)
	h.rounds.rounds["done"] = models.CampaignRound{ID: "done", Status: models.RoundCompleted}

	rec, _ := h.do(t, http.MethodPost, "/rounds/done/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRescheduleMovesFireTimes(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/rounds", roundBody(time.Now().Add(48*time.Hour)))
	require.Equal(t, http.StatusCreated, rec.Code)

	later := time.Now().Add(96 * time.Hour).UTC().Truncate(time.Second)
	rec, _ = h.do(t, http.MethodPost, "/rounds/r1/reschedule", map[string]any{"launch_at": later.Format(time.RFC3339)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	job, err := h.queue.Status(context.Background(), "launch-r1")
	require.NoError(t, err)
	assert.True(t, job.FireAt.Equal(later))

	rec, _ = h.do(t, http.MethodPost, "/rounds/r1/reschedule", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/rounds", roundBody(time.Now().Add(48*time.Hour)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, out := h.do(t, http.MethodGet, "/jobs/wrap-up-r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, config.QueueStages, out["queue"])

	rec, _ = h.do(t, http.MethodGet, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/jobs/wrap-up-r1/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "only failed jobs can be retried")

	rec, out = h.do(t, http.MethodGet, "/queues/cleanup/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cleanup", out["queue"])

	rec, _ = h.do(t, http.MethodGet, "/queues/bogus/dlq", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
