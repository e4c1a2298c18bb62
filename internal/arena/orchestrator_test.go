package arena

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoralabs/agora/internal/models"
	"github.com/agoralabs/agora/internal/moderation"
	"github.com/agoralabs/agora/internal/monitor"
	"github.com/agoralabs/agora/internal/pkg/canonical"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
	"github.com/agoralabs/agora/internal/repository"
)

// mockArenaRepo is an in-memory ArenaRepository.
type mockArenaRepo struct {
	rounds  map[string]*models.Round
	members map[string]*models.CommitteeMember
	agents  map[string]*models.Agent
}

func newMockArenaRepo() *mockArenaRepo {
	return &mockArenaRepo{
		rounds:  map[string]*models.Round{},
		members: map[string]*models.CommitteeMember{},
		agents:  map[string]*models.Agent{},
	}
}

func (m *mockArenaRepo) CreateRound(_ context.Context, round *models.Round, members []*models.CommitteeMember) error {
	m.rounds[round.ID] = round
	for _, member := range members {
		m.members[member.ID] = member
		if _, ok := m.agents[member.AgentID]; !ok {
			m.agents[member.AgentID] = &models.Agent{ID: member.AgentID, Rating: models.DefaultRating}
		}
	}
	return nil
}

func (m *mockArenaRepo) GetRound(_ context.Context, id string) (*models.Round, error) {
	return m.rounds[id], nil
}

func (m *mockArenaRepo) GetMember(_ context.Context, roundID, agentID string, role models.MemberRole) (*models.CommitteeMember, error) {
	for _, member := range m.members {
		if member.RoundID == roundID && member.AgentID == agentID && member.Role == role {
			return member, nil
		}
	}
	return nil, nil
}

func (m *mockArenaRepo) ListMembers(_ context.Context, roundID string) ([]*models.CommitteeMember, error) {
	var out []*models.CommitteeMember
	for _, member := range m.members {
		if member.RoundID == roundID {
			out = append(out, member)
		}
	}
	return out, nil
}

func (m *mockArenaRepo) SetCommit(_ context.Context, memberID, commitHash string, at time.Time) error {
	member := m.members[memberID]
	member.CommitHash = &commitHash
	member.CommitAt = &at
	return nil
}

func (m *mockArenaRepo) SetReveal(_ context.Context, memberID string, payload json.RawMessage, at time.Time) error {
	member := m.members[memberID]
	member.RevealPayload = payload
	member.RevealAt = &at
	return nil
}

func (m *mockArenaRepo) SlashOnModeration(_ context.Context, memberID string, payload json.RawMessage, note string, at time.Time) error {
	member := m.members[memberID]
	member.RevealPayload = payload
	member.RevealAt = &at
	member.Slashed = true
	member.ModerationNote = &note
	return nil
}

func (m *mockArenaRepo) CloseRound(_ context.Context, round *models.Round, slashedMemberIDs []string, ratings map[string]float64) error {
	for _, id := range slashedMemberIDs {
		m.members[id].Slashed = true
	}
	for agentID, rating := range ratings {
		m.agents[agentID].Rating = rating
	}
	stored := m.rounds[round.ID]
	stored.State = models.RoundStateClosed
	stored.ClosedAt = round.ClosedAt
	stored.SnapshotCID = round.SnapshotCID
	return nil
}

func (m *mockArenaRepo) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	return m.agents[id], nil
}

func (m *mockArenaRepo) TopAgents(_ context.Context, limit int) ([]*models.Agent, error) {
	var out []*models.Agent
	for _, a := range m.agents {
		out = append(out, a)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ repository.ArenaRepository = (*mockArenaRepo)(nil)

// fixedScoreSource pins quality and novelty for reproducible assertions.
type fixedScoreSource struct {
	quality, novelty float64
}

func (s fixedScoreSource) Score([]byte) (float64, float64) {
	return s.quality, s.novelty
}

// countingSnapshotter records how many snapshots were taken.
type countingSnapshotter struct {
	puts int
}

func (s *countingSnapshotter) Put(any) (string, error) {
	s.puts++
	return "bAFybEicid", nil
}

type recordingFinalizer struct {
	roundID   string
	aggregate QDScore
	calls     int
}

func (f *recordingFinalizer) FinalizeRound(_ context.Context, roundID string, aggregate QDScore) error {
	f.roundID = roundID
	f.aggregate = aggregate
	f.calls++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	repo       *mockArenaRepo
	orch       *Orchestrator
	snapshots  *countingSnapshotter
	finalizer  *recordingFinalizer
	difficulty *DifficultyController
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:       newMockArenaRepo(),
		snapshots:  &countingSnapshotter{},
		finalizer:  &recordingFinalizer{},
		difficulty: NewDifficultyController(DefaultDifficultyOptions()),
		clock:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := testLogger()
	f.orch = NewOrchestrator(
		f.repo,
		moderation.New("", 0, logger),
		f.snapshots,
		f.difficulty,
		fixedScoreSource{quality: 0.5, novelty: 0.25},
		f.finalizer,
		monitor.New(logger, 3, time.Minute),
		logger,
		DefaultOptions(),
	)
	f.orch.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func mustHash(t *testing.T, v any) string {
	t.Helper()
	h, err := canonical.Hash(v)
	require.NoError(t, err)
	return h
}

func TestStartRoundOpensCommitWindow(t *testing.T) {
	f := newFixture(t)

	round, members, err := f.orch.StartRound(context.Background(), []string{"a", "b"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RoundStateCommit, round.State)
	assert.Equal(t, f.clock.Add(5*time.Minute), round.CommitDeadline)
	assert.Equal(t, f.clock.Add(10*time.Minute), round.RevealDeadline)
	assert.Equal(t, 1.0, round.DifficultyScore)
	assert.Len(t, members, 3)

	roles := map[models.MemberRole]int{}
	for _, m := range members {
		roles[m.Role]++
	}
	assert.Equal(t, 2, roles[models.RoleContestant])
	assert.Equal(t, 1, roles[models.RoleValidator])
}

func TestStartRoundRequiresBothRoles(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.orch.StartRound(context.Background(), nil, []string{"v"}, 0, nil)
	assert.Error(t, err)

	_, _, err = f.orch.StartRound(context.Background(), []string{"a"}, nil, 0, nil)
	assert.Error(t, err)
}

func TestSeededShuffleIsPure(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	first := seededShuffle(ids, 42)
	second := seededShuffle(ids, 42)
	assert.Equal(t, first, second)
	assert.ElementsMatch(t, ids, first)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestCommitRevealCloseHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a", "b"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	payloadA := json.RawMessage(`{"x":1}`)
	payloadB := json.RawMessage(`{"x":2}`)

	_, err = f.orch.CommitSubmission(ctx, round.ID, "a", mustHash(t, payloadA))
	require.NoError(t, err)
	_, err = f.orch.CommitSubmission(ctx, round.ID, "b", mustHash(t, payloadB))
	require.NoError(t, err)

	f.advance(6 * time.Minute) // into the reveal window

	_, err = f.orch.RevealSubmission(ctx, round.ID, "a", payloadA)
	require.NoError(t, err)
	_, err = f.orch.RevealSubmission(ctx, round.ID, "b", payloadB)
	require.NoError(t, err)

	f.advance(5 * time.Minute)

	closed, err := f.orch.CloseRound(ctx, round.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RoundStateClosed, closed.State)
	require.NotNil(t, closed.ClosedAt)
	require.NotNil(t, closed.SnapshotCID)
	assert.Equal(t, "bAFybEicid", *closed.SnapshotCID)

	members, _ := f.repo.ListMembers(ctx, round.ID)
	for _, m := range members {
		assert.False(t, m.Slashed, "member %s/%s should not be slashed", m.AgentID, m.Role)
	}

	// Contestants beat the mean validator rating (1500) with score 1.
	a, _ := f.repo.GetAgent(ctx, "a")
	assert.Equal(t, 1516.0, a.Rating)

	// Aggregate: fitness 0.5*0.6 = 0.3, diversity 0.25*0.4 = 0.1.
	assert.Equal(t, 1, f.finalizer.calls)
	assert.Equal(t, round.ID, f.finalizer.roundID)
	assert.Equal(t, QDScore{Fitness: 0.3, Diversity: 0.1}, f.finalizer.aggregate)

	// 11 minutes of round time fed into the controller.
	assert.NotEqual(t, 1.0, f.difficulty.Difficulty())
	assert.Equal(t, 1, f.snapshots.puts)
}

func TestCommitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	_, err = f.orch.CommitSubmission(ctx, round.ID, "a", "not-a-hash")
	assert.ErrorIs(t, err, apierrors.ErrInvalidCommitHash)

	_, err = f.orch.CommitSubmission(ctx, "missing", "a", "0xabc123")
	assert.ErrorIs(t, err, apierrors.ErrRoundNotFound)

	_, err = f.orch.CommitSubmission(ctx, round.ID, "stranger", "0xabc123")
	assert.ErrorIs(t, err, apierrors.ErrNotEnrolled)

	f.advance(6 * time.Minute)
	_, err = f.orch.CommitSubmission(ctx, round.ID, "a", "0xabc123")
	assert.ErrorIs(t, err, apierrors.ErrCommitClosed)
}

func TestCommitLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	_, err = f.orch.CommitSubmission(ctx, round.ID, "a", "0xaaaa")
	require.NoError(t, err)
	member, err := f.orch.CommitSubmission(ctx, round.ID, "a", "0xbbbb")
	require.NoError(t, err)
	assert.Equal(t, "0xbbbb", *member.CommitHash)
}

func TestRevealMismatchLeavesMemberUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	_, err = f.orch.CommitSubmission(ctx, round.ID, "a", mustHash(t, json.RawMessage(`{"x":1}`)))
	require.NoError(t, err)

	_, err = f.orch.RevealSubmission(ctx, round.ID, "a", json.RawMessage(`{"x":999}`))
	assert.ErrorIs(t, err, apierrors.ErrCommitmentMismatch)

	member, _ := f.repo.GetMember(ctx, round.ID, "a", models.RoleContestant)
	assert.Nil(t, member.RevealPayload)
	assert.False(t, member.Slashed)
}

func TestRevealRequiresCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	_, err = f.orch.RevealSubmission(ctx, round.ID, "a", json.RawMessage(`{"x":1}`))
	assert.ErrorIs(t, err, apierrors.ErrMissingCommit)
}

func TestRevealAfterDeadlineRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	payload := json.RawMessage(`{"x":1}`)
	_, err = f.orch.CommitSubmission(ctx, round.ID, "a", mustHash(t, payload))
	require.NoError(t, err)

	f.advance(11 * time.Minute)
	_, err = f.orch.RevealSubmission(ctx, round.ID, "a", payload)
	assert.ErrorIs(t, err, apierrors.ErrRevealClosed)
}

func TestRevealFlaggedByModeration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	payload := json.RawMessage(`{"text":"this ships malware"}`)
	_, err = f.orch.CommitSubmission(ctx, round.ID, "a", mustHash(t, payload))
	require.NoError(t, err)

	_, err = f.orch.RevealSubmission(ctx, round.ID, "a", payload)
	assert.ErrorIs(t, err, apierrors.ErrModerationRejected)

	member, _ := f.repo.GetMember(ctx, round.ID, "a", models.RoleContestant)
	assert.True(t, member.Slashed)
	require.NotNil(t, member.ModerationNote)
	assert.Contains(t, *member.ModerationNote, "malware")
	assert.JSONEq(t, string(payload), string(member.RevealPayload))
}

func TestCloseSlashesContestantsWithoutReveal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a", "b"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	payload := json.RawMessage(`{"x":1}`)
	_, err = f.orch.CommitSubmission(ctx, round.ID, "a", mustHash(t, payload))
	require.NoError(t, err)
	_, err = f.orch.RevealSubmission(ctx, round.ID, "a", payload)
	require.NoError(t, err)

	_, err = f.orch.CloseRound(ctx, round.ID)
	require.NoError(t, err)

	a, _ := f.repo.GetMember(ctx, round.ID, "a", models.RoleContestant)
	b, _ := f.repo.GetMember(ctx, round.ID, "b", models.RoleContestant)
	assert.False(t, a.Slashed)
	assert.True(t, b.Slashed)

	// Slashed contestant loses against the mean validator rating.
	agentB, _ := f.repo.GetAgent(ctx, "b")
	assert.Equal(t, 1484.0, agentB.Rating)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	first, err := f.orch.CloseRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStateClosed, first.State)

	second, err := f.orch.CloseRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStateClosed, second.State)
	assert.Equal(t, 1, f.snapshots.puts)
	assert.Equal(t, 1, f.finalizer.calls)
}

func TestCloseUnknownRound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CloseRound(context.Background(), "missing")
	assert.ErrorIs(t, err, apierrors.ErrRoundNotFound)
}

func TestRoundStatusReportsDerivedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round, _, err := f.orch.StartRound(ctx, []string{"a"}, []string{"v"}, 0, nil)
	require.NoError(t, err)

	got, members, err := f.orch.RoundStatus(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStateCommit, got.State)
	assert.Len(t, members, 2)

	// One second past the commit deadline the round is observably in
	// REVEAL even though the store still holds COMMIT.
	f.advance(5*time.Minute + time.Second)
	got, _, err = f.orch.RoundStatus(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStateReveal, got.State)

	stored, err := f.repo.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStateCommit, stored.State)

	f.advance(5 * time.Minute)
	_, err = f.orch.CloseRound(ctx, round.ID)
	require.NoError(t, err)

	got, _, err = f.orch.RoundStatus(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStateClosed, got.State)
}

func TestRoundStatusUnknownRound(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.orch.RoundStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, apierrors.ErrRoundNotFound)
}
