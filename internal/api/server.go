// Package api exposes the operator HTTP API for scheduling rounds and
// inspecting substrate jobs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/lifecycle"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/telemetry"
)

// Rounds is the round persistence the API needs.
type Rounds interface {
	CreateRound(ctx context.Context, r models.CampaignRound) (models.CampaignRound, error)
	GetRound(ctx context.Context, id string) (models.CampaignRound, error)
	ListCampaignRounds(ctx context.Context, campaign string) ([]models.CampaignRound, error)
	CancelRound(ctx context.Context, id string) (models.CampaignRound, error)
	UpdateLaunchAt(ctx context.Context, id string, launchAt time.Time) (models.CampaignRound, error)
	ListAudit(ctx context.Context, roundID string) ([]models.AuditLog, error)
	ListMaintenanceRuns(ctx context.Context, roundID string) ([]models.MaintenanceRun, error)
}

// Scheduler submits and cancels a round's stage jobs.
type Scheduler interface {
	Schedule(ctx context.Context, round models.CampaignRound) (lifecycle.ScheduleResult, error)
	Cancel(ctx context.Context, roundID string) (lifecycle.CancelResult, error)
	Reschedule(ctx context.Context, round models.CampaignRound) (lifecycle.ScheduleResult, error)
}

// Jobs reads and repairs substrate jobs.
type Jobs interface {
	Status(ctx context.Context, jobID string) (models.Job, error)
	RequeueFailed(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, queue string, count int64) ([]string, error)
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	cfg       config.Config
	rounds    Rounds
	scheduler Scheduler
	jobs      Jobs
	validate  *validator.Validate
	log       *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, rounds Rounds, scheduler Scheduler, jobs Jobs, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		rounds:    rounds,
		scheduler: scheduler,
		jobs:      jobs,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/rounds", s.handleCreateRound)
	r.Get("/rounds/{id}", s.handleGetRound)
	r.Post("/rounds/{id}/cancel", s.handleCancelRound)
	r.Post("/rounds/{id}/reschedule", s.handleReschedule)
	r.Get("/rounds/{id}/maintenance", s.handleMaintenanceRuns)
	r.Get("/campaigns/{name}/rounds", s.handleCampaignRounds)

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/retry", s.handleRetryJob)
	r.Get("/queues/{name}/dlq", s.handleDLQ)
	return r
}

type createRoundRequest struct {
	ID           string    `json:"id" validate:"omitempty,max=64,excludesall=/"`
	CampaignName string    `json:"campaign_name" validate:"required,max=200"`
	RoundNumber  int       `json:"round_number" validate:"required,min=1,max=3"`
	LaunchAt     time.Time `json:"launch_at" validate:"required"`
	ListID       string    `json:"list_id" validate:"required"`
	MasterListID string    `json:"master_list_id"`
	TemplateRef  string    `json:"template_ref" validate:"required"`
}

type roundResponse struct {
	Round         models.CampaignRound      `json:"round"`
	DisplayStatus string                    `json:"display_status"`
	Schedule      *lifecycle.ScheduleResult `json:"schedule,omitempty"`
	Cancelled     lifecycle.CancelResult    `json:"cancelled,omitempty"`
	Audit         []models.AuditLog         `json:"audit,omitempty"`
}

func newRoundResponse(r models.CampaignRound) roundResponse {
	return roundResponse{Round: r, DisplayStatus: r.DisplayStatus()}
}

// handleCreateRound stores the round and submits its six stage jobs. Posting the
// same round id again re-submits the jobs, which is how a failed batch is retried.
func (s *Server) handleCreateRound(w http.ResponseWriter, r *http.Request) {
	var req createRoundRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	round, err := s.rounds.CreateRound(r.Context(), models.CampaignRound{
		ID:           req.ID,
		CampaignName: req.CampaignName,
		RoundNumber:  req.RoundNumber,
		LaunchAt:     req.LaunchAt,
		ListID:       req.ListID,
		MasterListID: req.MasterListID,
		TemplateRef:  req.TemplateRef,
	})
	status := http.StatusCreated
	if errors.Is(err, errs.ErrStateConflict) {
		existing, gerr := s.rounds.GetRound(r.Context(), req.ID)
		if gerr != nil {
			s.writeError(w, err)
			return
		}
		round, err, status = existing, nil, http.StatusOK
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if round.Status.IsTerminal() {
		s.writeError(w, errs.Conflict("round %s is %s", round.ID, round.Status))
		return
	}

	res, err := s.scheduler.Schedule(r.Context(), round)
	if err != nil {
		s.log.Error("schedule round failed", zap.String("round_id", round.ID), zap.Error(err))
		s.writeError(w, errs.Transient("round %s saved but scheduling failed, retry the request: %v", round.ID, err))
		return
	}
	resp := newRoundResponse(round)
	resp.Schedule = &res
	writeJSON(w, status, resp)
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	round, err := s.rounds.GetRound(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := newRoundResponse(round)
	if resp.Audit, err = s.rounds.ListAudit(r.Context(), id); err != nil {
		s.log.Warn("read audit failed", zap.String("round_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCampaignRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.rounds.ListCampaignRounds(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]roundResponse, 0, len(rounds))
	for _, rd := range rounds {
		out = append(out, newRoundResponse(rd))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": out})
}

// handleCancelRound marks the round cancelled first so a stage firing meanwhile
// sees it, then removes the jobs that have not started.
func (s *Server) handleCancelRound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	round, err := s.rounds.CancelRound(r.Context(), id)
	if err != nil && !(errors.Is(err, errs.ErrStateConflict) && round.Status == models.RoundCancelled) {
		s.writeError(w, err)
		return
	}
	outcomes, err := s.scheduler.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, errs.Transient("round %s cancelled but job removal failed, retry the request: %v", id, err))
		return
	}
	resp := newRoundResponse(round)
	resp.Cancelled = outcomes
	writeJSON(w, http.StatusOK, resp)
}

type rescheduleRequest struct {
	LaunchAt time.Time `json:"launch_at" validate:"required"`
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rescheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	round, err := s.rounds.UpdateLaunchAt(r.Context(), id, req.LaunchAt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.scheduler.Reschedule(r.Context(), round)
	if err != nil {
		s.log.Error("reschedule round failed", zap.String("round_id", id), zap.Error(err))
		s.writeError(w, errs.Transient("round %s moved but rescheduling failed, retry the request: %v", id, err))
		return
	}
	resp := newRoundResponse(round)
	resp.Schedule = &res
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMaintenanceRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.rounds.ListMaintenanceRuns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.RequeueFailed(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("dead-lettered job requeued", zap.String("job_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "job_id": id})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != config.QueueStages && name != config.QueueCleanup && name != config.QueueNotify {
		s.writeError(w, errs.ErrNotFound)
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	items, err := s.jobs.DLQPeek(r.Context(), name, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "items": items})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, errs.Validation("invalid json: %v", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			s.writeError(w, errs.Validation("%s failed %q", verrs[0].Field(), verrs[0].Tag()))
			return false
		}
		s.writeError(w, errs.Validation("%v", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errs.ErrStateConflict):
		code = http.StatusConflict
	case errors.Is(err, errs.ErrTransient):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
