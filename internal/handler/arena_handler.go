// Package handler provides HTTP handlers for the Agora API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/agoralabs/agora/internal/arena"
	"github.com/agoralabs/agora/internal/models"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
	"github.com/agoralabs/agora/internal/pkg/response"
	"github.com/agoralabs/agora/internal/repository"
)

// ArenaHandler handles round orchestration HTTP requests.
type ArenaHandler struct {
	orchestrator *arena.Orchestrator
	repo         repository.ArenaRepository
	difficulty   *arena.DifficultyController
	validate     *validator.Validate
}

// NewArenaHandler creates a new arena handler.
func NewArenaHandler(orchestrator *arena.Orchestrator, repo repository.ArenaRepository, difficulty *arena.DifficultyController) *ArenaHandler {
	return &ArenaHandler{
		orchestrator: orchestrator,
		repo:         repo,
		difficulty:   difficulty,
		validate:     validator.New(),
	}
}

// Routes returns a chi router with arena routes.
func (h *ArenaHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/start", h.Start)
	r.Post("/commit", h.Commit)
	r.Post("/reveal", h.Reveal)
	r.Post("/close/{roundId}", h.Close)
	r.Get("/status/{roundId}", h.Status)
	r.Get("/scoreboard", h.Scoreboard)
	r.Get("/difficulty", h.Difficulty)

	return r
}

// StartRoundRequest is the HTTP request body for starting a round.
type StartRoundRequest struct {
	Contestants           []string        `json:"contestants" validate:"required,min=1,dive,required"`
	Validators            []string        `json:"validators" validate:"required,min=1,dive,required"`
	TargetDurationSeconds int             `json:"targetDurationSeconds,omitempty" validate:"gte=0"`
	Metadata              json.RawMessage `json:"metadata,omitempty"`
}

// StartRoundResponse returns the opened round with its committee.
type StartRoundResponse struct {
	Round   *models.Round             `json:"round"`
	Members []*models.CommitteeMember `json:"members"`
}

// Start handles POST /arena/start
func (h *ArenaHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrSchemaViolation.WithDetails(err.Error()))
		return
	}

	round, members, err := h.orchestrator.StartRound(r.Context(), req.Contestants, req.Validators, req.TargetDurationSeconds, req.Metadata)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, StartRoundResponse{Round: round, Members: members})
}

// CommitRequest is the HTTP request body for a commit submission.
type CommitRequest struct {
	RoundID    string `json:"roundId" validate:"required"`
	AgentID    string `json:"agentId" validate:"required"`
	CommitHash string `json:"commitHash" validate:"required"`
}

// Commit handles POST /arena/commit
func (h *ArenaHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrSchemaViolation.WithDetails(err.Error()))
		return
	}

	member, err := h.orchestrator.CommitSubmission(r.Context(), req.RoundID, req.AgentID, req.CommitHash)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, member)
}

// RevealRequest is the HTTP request body for a reveal submission.
type RevealRequest struct {
	RoundID    string          `json:"roundId" validate:"required"`
	AgentID    string          `json:"agentId" validate:"required"`
	Submission json.RawMessage `json:"submission" validate:"required"`
	Proof      json.RawMessage `json:"proof,omitempty"`
}

// Reveal handles POST /arena/reveal
func (h *ArenaHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrSchemaViolation.WithDetails(err.Error()))
		return
	}

	member, err := h.orchestrator.RevealSubmission(r.Context(), req.RoundID, req.AgentID, req.Submission)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, member)
}

// Close handles POST /arena/close/{roundId}
func (h *ArenaHandler) Close(w http.ResponseWriter, r *http.Request) {
	roundID := chi.URLParam(r, "roundId")
	if roundID == "" {
		response.ValidationError(w, "roundId", "roundId is required")
		return
	}

	round, err := h.orchestrator.CloseRound(r.Context(), roundID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, round)
}

// StatusResponse returns a round with its committee.
type StatusResponse struct {
	Round   *models.Round             `json:"round"`
	Members []*models.CommitteeMember `json:"members"`
}

// Status handles GET /arena/status/{roundId}
func (h *ArenaHandler) Status(w http.ResponseWriter, r *http.Request) {
	roundID := chi.URLParam(r, "roundId")

	round, members, err := h.orchestrator.RoundStatus(r.Context(), roundID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, StatusResponse{Round: round, Members: members})
}

// Scoreboard handles GET /arena/scoreboard?limit=
func (h *ArenaHandler) Scoreboard(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 100)

	agents, err := h.repo.TopAgents(r.Context(), limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, agents)
}

// DifficultyResponse exposes the controller state.
type DifficultyResponse struct {
	Difficulty float64        `json:"difficulty"`
	History    []arena.Sample `json:"history"`
}

// Difficulty handles GET /arena/difficulty
func (h *ArenaHandler) Difficulty(w http.ResponseWriter, r *http.Request) {
	response.OK(w, DifficultyResponse{
		Difficulty: h.difficulty.Difficulty(),
		History:    h.difficulty.History(),
	})
}

func parseLimit(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
