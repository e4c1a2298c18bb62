package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoralabs/agora/internal/models"
	"github.com/agoralabs/agora/internal/repository"
)

// stubGraphRepo serves canned artifacts and metrics.
type stubGraphRepo struct {
	artifacts map[string]*models.Artifact
	metrics   map[string]*models.InfluenceMetric
	cursor    *models.EventCursor
}

func (s *stubGraphRepo) ReadCursor(context.Context) (*models.EventCursor, error) {
	return s.cursor, nil
}

func (s *stubGraphRepo) ApplyArtifact(context.Context, *models.Artifact, models.EventCursor) error {
	return nil
}

func (s *stubGraphRepo) ApplyCitation(context.Context, *models.Citation, models.EventCursor) error {
	return nil
}

func (s *stubGraphRepo) ApplyRoundFinalization(context.Context, *models.RoundFinalization, models.EventCursor) error {
	return nil
}

func (s *stubGraphRepo) PurgeFromBlock(context.Context, uint64) error { return nil }

func (s *stubGraphRepo) GetArtifact(_ context.Context, id string) (*models.Artifact, error) {
	return s.artifacts[id], nil
}

func (s *stubGraphRepo) ListArtifacts(context.Context) ([]*models.Artifact, error) {
	return nil, nil
}

func (s *stubGraphRepo) ListCitations(context.Context) ([]*models.Citation, error) {
	return nil, nil
}

func (s *stubGraphRepo) GetMetric(_ context.Context, artifactID string) (*models.InfluenceMetric, error) {
	return s.metrics[artifactID], nil
}

func (s *stubGraphRepo) SaveMetrics(context.Context, []*models.InfluenceMetric) error { return nil }

func (s *stubGraphRepo) TopByInfluence(_ context.Context, limit int) ([]*models.InfluenceMetric, error) {
	var out []*models.InfluenceMetric
	for _, m := range s.metrics {
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ repository.GraphRepository = (*stubGraphRepo)(nil)

func newGraphServer(repo *stubGraphRepo) *httptest.Server {
	return httptest.NewServer(NewGraphHandler(repo).Routes())
}

func TestGetArtifactReturnsMetric(t *testing.T) {
	repo := &stubGraphRepo{
		artifacts: map[string]*models.Artifact{
			"art-1": {
				ID:        "art-1",
				Author:    "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
				Kind:      "essay",
				CID:       "bafyessay",
				Timestamp: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		metrics: map[string]*models.InfluenceMetric{
			"art-1": {ArtifactID: "art-1", Score: 0.42, CitationCount: 3, LineageDepth: 2},
		},
	}
	srv := newGraphServer(repo)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/artifacts/art-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data ArtifactResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "art-1", body.Data.Artifact.ID)
	require.NotNil(t, body.Data.Metric)
	assert.Equal(t, 0.42, body.Data.Metric.Score)
}

func TestGetArtifactMissingIsNotFound(t *testing.T) {
	srv := newGraphServer(&stubGraphRepo{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/artifacts/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "artifact_not_found", body.Error.Code)
	assert.Equal(t, "missing", body.Error.Details["id"])
}

func TestCursorEndpoint(t *testing.T) {
	repo := &stubGraphRepo{cursor: &models.EventCursor{BlockNumber: 11, LogIndex: 0}}
	srv := newGraphServer(repo)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cursor")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data models.EventCursor `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, uint64(11), body.Data.BlockNumber)
}
