package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agoralabs/agora/internal/models"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
	"github.com/agoralabs/agora/internal/pkg/response"
	"github.com/agoralabs/agora/internal/repository"
)

// GraphHandler serves the indexed culture graph.
type GraphHandler struct {
	repo repository.GraphRepository
}

// NewGraphHandler creates a new graph handler.
func NewGraphHandler(repo repository.GraphRepository) *GraphHandler {
	return &GraphHandler{repo: repo}
}

// Routes returns a chi router with graph routes.
func (h *GraphHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/artifacts/{id}", h.GetArtifact)
	r.Get("/top", h.Top)
	r.Get("/cursor", h.Cursor)

	return r
}

// ArtifactResponse pairs an artifact with its influence metric, when one
// has been computed.
type ArtifactResponse struct {
	Artifact *models.Artifact        `json:"artifact"`
	Metric   *models.InfluenceMetric `json:"metric,omitempty"`
}

// GetArtifact handles GET /graph/artifacts/{id}
func (h *GraphHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	artifact, err := h.repo.GetArtifact(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	if artifact == nil {
		response.Error(w, apierrors.ErrArtifactNotFound.WithDetails(map[string]string{"id": id}))
		return
	}

	metric, err := h.repo.GetMetric(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, ArtifactResponse{Artifact: artifact, Metric: metric})
}

// Top handles GET /graph/top?limit=
func (h *GraphHandler) Top(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 100)

	metrics, err := h.repo.TopByInfluence(r.Context(), limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, metrics)
}

// Cursor handles GET /graph/cursor
func (h *GraphHandler) Cursor(w http.ResponseWriter, r *http.Request) {
	cursor, err := h.repo.ReadCursor(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, cursor)
}
