// Package arena implements the commit-reveal round lifecycle: round
// orchestration, Elo and quality-diversity scoring, and PID difficulty
// control.
package arena

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/agoralabs/agora/internal/models"
	"github.com/agoralabs/agora/internal/moderation"
	"github.com/agoralabs/agora/internal/monitor"
	"github.com/agoralabs/agora/internal/pkg/canonical"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
	"github.com/agoralabs/agora/internal/pkg/ulid"
	"github.com/agoralabs/agora/internal/repository"
)

var commitHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// Moderator classifies reveal payloads. Satisfied by *moderation.Gateway.
type Moderator interface {
	Check(ctx context.Context, text string) moderation.Result
}

// Snapshotter persists a close snapshot and returns its content id.
// Satisfied by *cas.Snapshotter.
type Snapshotter interface {
	Put(v any) (string, error)
}

// Finalizer receives the close notification destined for the on-chain
// finalizer contract. Failures are logged, never propagated.
type Finalizer interface {
	FinalizeRound(ctx context.Context, roundID string, aggregate QDScore) error
}

// Options tune round orchestration.
type Options struct {
	CommitWindow time.Duration
	RevealWindow time.Duration
	EloK         float64
	Weights      QDWeights
}

// DefaultOptions returns the standard round parameters.
func DefaultOptions() Options {
	return Options{
		CommitWindow: 5 * time.Minute,
		RevealWindow: 5 * time.Minute,
		EloK:         32,
		Weights:      DefaultQDWeights(),
	}
}

// Orchestrator drives rounds through COMMIT, REVEAL and CLOSED. All state
// transitions happen inside store transactions; CLOSED is terminal.
type Orchestrator struct {
	repo       repository.ArenaRepository
	moderator  Moderator
	snapshots  Snapshotter
	difficulty *DifficultyController
	scores     ScoreSource
	finalizer  Finalizer
	monitor    *monitor.Monitor
	logger     *slog.Logger
	opts       Options

	now func() time.Time
}

// NewOrchestrator wires the round state machine. finalizer may be nil when
// no on-chain finalizer is configured.
func NewOrchestrator(
	repo repository.ArenaRepository,
	moderator Moderator,
	snapshots Snapshotter,
	difficulty *DifficultyController,
	scores ScoreSource,
	finalizer Finalizer,
	mon *monitor.Monitor,
	logger *slog.Logger,
	opts Options,
) *Orchestrator {
	if opts.CommitWindow <= 0 {
		opts.CommitWindow = 5 * time.Minute
	}
	if opts.RevealWindow <= 0 {
		opts.RevealWindow = 5 * time.Minute
	}
	if opts.EloK <= 0 {
		opts.EloK = 32
	}
	if opts.Weights.Quality == 0 && opts.Weights.Novelty == 0 {
		opts.Weights = DefaultQDWeights()
	}
	return &Orchestrator{
		repo:       repo,
		moderator:  moderator,
		snapshots:  snapshots,
		difficulty: difficulty,
		scores:     scores,
		finalizer:  finalizer,
		monitor:    mon,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// seededShuffle returns a Fisher-Yates permutation of ids that is a pure
// function of (ids, seed).
func seededShuffle(ids []string, seed int64) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	rng := rand.New(rand.NewSource(seed))
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// StartRound opens a new round in COMMIT with the given committee. Both
// lists are deterministically shuffled so enrollment order does not leak
// submission order.
func (o *Orchestrator) StartRound(ctx context.Context, contestantIDs, validatorIDs []string, targetDuration int, metadata json.RawMessage) (*models.Round, []*models.CommitteeMember, error) {
	if len(contestantIDs) == 0 {
		return nil, nil, apierrors.ErrBadRequest.WithMessage("at least one contestant is required")
	}
	if len(validatorIDs) == 0 {
		return nil, nil, apierrors.ErrBadRequest.WithMessage("at least one validator is required")
	}

	now := o.now().UTC()
	commitDeadline := now.Add(o.opts.CommitWindow)
	revealDeadline := commitDeadline.Add(o.opts.RevealWindow)
	if targetDuration <= 0 {
		targetDuration = int(o.opts.CommitWindow.Seconds() + o.opts.RevealWindow.Seconds())
	}

	round := &models.Round{
		ID:              ulid.New(),
		State:           models.RoundStateCommit,
		StartedAt:       now,
		CommitDeadline:  commitDeadline,
		RevealDeadline:  revealDeadline,
		TargetDuration:  targetDuration,
		DifficultyScore: o.difficulty.Difficulty(),
		Metadata:        metadata,
	}

	var members []*models.CommitteeMember
	for _, agentID := range seededShuffle(contestantIDs, now.UnixNano()) {
		members = append(members, &models.CommitteeMember{
			ID:      ulid.New(),
			RoundID: round.ID,
			AgentID: agentID,
			Role:    models.RoleContestant,
		})
	}
	for _, agentID := range seededShuffle(validatorIDs, commitDeadline.UnixNano()) {
		members = append(members, &models.CommitteeMember{
			ID:      ulid.New(),
			RoundID: round.ID,
			AgentID: agentID,
			Role:    models.RoleValidator,
		})
	}

	if err := o.repo.CreateRound(ctx, round, members); err != nil {
		return nil, nil, err
	}

	o.logger.Info("round started",
		slog.String("round_id", round.ID),
		slog.Int("contestants", len(contestantIDs)),
		slog.Int("validators", len(validatorIDs)),
		slog.Float64("difficulty", round.DifficultyScore),
		slog.Time("commit_deadline", commitDeadline),
	)
	return round, members, nil
}

// RoundStatus returns a round with its committee. The reported state is
// resolved against the orchestrator clock so a round past its commit
// deadline reads REVEAL even though the store still holds COMMIT.
func (o *Orchestrator) RoundStatus(ctx context.Context, roundID string) (*models.Round, []*models.CommitteeMember, error) {
	round, err := o.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, nil, err
	}
	if round == nil {
		return nil, nil, apierrors.ErrRoundNotFound
	}
	view := *round
	view.State = round.StateAt(o.now())

	members, err := o.repo.ListMembers(ctx, roundID)
	if err != nil {
		return nil, nil, err
	}
	return &view, members, nil
}

// CommitSubmission records a commitment hash for an enrolled agent.
// Last write wins within the commit window.
func (o *Orchestrator) CommitSubmission(ctx context.Context, roundID, agentID, commitHash string) (*models.CommitteeMember, error) {
	if !commitHashPattern.MatchString(commitHash) {
		return nil, apierrors.ErrInvalidCommitHash
	}

	round, err := o.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, apierrors.ErrRoundNotFound
	}
	if round.State == models.RoundStateClosed || o.now().After(round.CommitDeadline) {
		return nil, apierrors.ErrCommitClosed
	}

	member, err := o.lookupMember(ctx, roundID, agentID)
	if err != nil {
		return nil, err
	}

	at := o.now().UTC()
	if err := o.repo.SetCommit(ctx, member.ID, commitHash, at); err != nil {
		return nil, err
	}
	member.CommitHash = &commitHash
	member.CommitAt = &at
	return member, nil
}

// RevealSubmission verifies a reveal against the prior commitment and runs
// it through moderation. A flagged payload slashes the member and is kept
// on record for audit.
func (o *Orchestrator) RevealSubmission(ctx context.Context, roundID, agentID string, submission json.RawMessage) (*models.CommitteeMember, error) {
	round, err := o.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, apierrors.ErrRoundNotFound
	}
	if round.State == models.RoundStateClosed || o.now().After(round.RevealDeadline) {
		return nil, apierrors.ErrRevealClosed
	}

	member, err := o.repo.GetMember(ctx, roundID, agentID, models.RoleContestant)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, apierrors.ErrNotEnrolled
	}
	if member.CommitHash == nil {
		return nil, apierrors.ErrMissingCommit
	}

	canonicalBody, err := canonical.Marshal(submission)
	if err != nil {
		return nil, apierrors.ErrBadRequest.Wrap(err)
	}
	computed, err := canonical.Hash(submission)
	if err != nil {
		return nil, apierrors.ErrBadRequest.Wrap(err)
	}
	if !strings.EqualFold(computed, *member.CommitHash) {
		return nil, apierrors.ErrCommitmentMismatch
	}

	at := o.now().UTC()
	if verdict := o.moderator.Check(ctx, string(canonicalBody)); verdict.Flagged {
		if err := o.repo.SlashOnModeration(ctx, member.ID, submission, verdict.Reason, at); err != nil {
			return nil, err
		}
		o.monitor.RecordFailure("moderation", apierrors.ErrModerationRejected)
		o.logger.Warn("reveal rejected by moderation",
			slog.String("round_id", roundID),
			slog.String("agent_id", agentID),
			slog.String("reason", verdict.Reason),
		)
		return nil, apierrors.ErrModerationRejected.WithDetails(map[string]string{"reason": verdict.Reason})
	}

	if err := o.repo.SetReveal(ctx, member.ID, submission, at); err != nil {
		return nil, err
	}
	member.RevealPayload = submission
	member.RevealAt = &at
	return member, nil
}

// lookupMember resolves an agent's enrollment, preferring the contestant
// seat when the agent holds both roles.
func (o *Orchestrator) lookupMember(ctx context.Context, roundID, agentID string) (*models.CommitteeMember, error) {
	member, err := o.repo.GetMember(ctx, roundID, agentID, models.RoleContestant)
	if err != nil {
		return nil, err
	}
	if member == nil {
		member, err = o.repo.GetMember(ctx, roundID, agentID, models.RoleValidator)
		if err != nil {
			return nil, err
		}
	}
	if member == nil {
		return nil, apierrors.ErrNotEnrolled
	}
	return member, nil
}

type closeSnapshot struct {
	Round     *models.Round `json:"round"`
	Aggregate QDScore       `json:"aggregate"`
	ClosedAt  time.Time     `json:"closedAt"`
}

// CloseRound settles the round: slashes no-shows, scores reveals, updates
// Elo ratings, snapshots the result to CAS, and transitions to CLOSED.
// Idempotent when the round is already closed.
func (o *Orchestrator) CloseRound(ctx context.Context, roundID string) (*models.Round, error) {
	round, err := o.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, apierrors.ErrRoundNotFound
	}
	if round.State == models.RoundStateClosed {
		return round, nil
	}

	members, err := o.repo.ListMembers(ctx, roundID)
	if err != nil {
		return nil, err
	}

	var (
		contestants        []*models.CommitteeMember
		validators         []*models.CommitteeMember
		slashedIDs         []string
		slashed            = map[string]bool{}
		validatorCommitted bool
	)
	for _, m := range members {
		switch m.Role {
		case models.RoleContestant:
			contestants = append(contestants, m)
		case models.RoleValidator:
			validators = append(validators, m)
			if m.CommitHash != nil {
				validatorCommitted = true
			}
		}
	}

	for _, m := range contestants {
		if m.RevealPayload == nil && !m.Slashed {
			slashedIDs = append(slashedIDs, m.ID)
			slashed[m.ID] = true
		}
	}
	// Validator commitments are only mandatory once any validator in the
	// round has made one; a round run without validator commitments does
	// not slash its validators.
	if validatorCommitted {
		for _, m := range validators {
			if m.CommitHash == nil && !m.Slashed {
				slashedIDs = append(slashedIDs, m.ID)
				slashed[m.ID] = true
			}
		}
	}

	var scores []QDScore
	for _, m := range contestants {
		if m.Slashed || slashed[m.ID] || m.RevealPayload == nil {
			continue
		}
		quality, novelty := o.scores.Score(m.RevealPayload)
		scores = append(scores, NewQDScore(quality, novelty, o.opts.Weights))
	}
	aggregate := AggregateQD(scores)

	ratings, err := o.updateRatings(ctx, contestants, validators, slashed, aggregate)
	if err != nil {
		return nil, err
	}

	closedAt := o.now().UTC()
	round.State = models.RoundStateClosed
	round.ClosedAt = &closedAt

	cid, err := o.snapshots.Put(closeSnapshot{Round: round, Aggregate: aggregate, ClosedAt: closedAt})
	if err != nil {
		return nil, apierrors.ErrInternal.Wrap(err)
	}
	round.SnapshotCID = &cid

	if err := o.repo.CloseRound(ctx, round, slashedIDs, ratings); err != nil {
		return nil, err
	}

	if o.finalizer != nil {
		if err := o.finalizer.FinalizeRound(ctx, round.ID, aggregate); err != nil {
			o.monitor.RecordFailure("finalizer", err)
			o.logger.Error("finalizer notification failed",
				slog.String("round_id", round.ID),
				slog.Any("error", err),
			)
		}
	}

	actual := closedAt.Sub(round.StartedAt).Seconds()
	difficulty := o.difficulty.Update(actual)

	o.logger.Info("round closed",
		slog.String("round_id", round.ID),
		slog.Int("slashed", len(slashedIDs)),
		slog.Float64("aggregate_fitness", aggregate.Fitness),
		slog.String("snapshot_cid", cid),
		slog.Float64("next_difficulty", difficulty),
	)
	return round, nil
}

// updateRatings computes the post-round Elo table. Contestants play the
// mean validator rating; validators play a pseudo-opponent derived from
// the aggregate fitness. Slashed members score 0.
func (o *Orchestrator) updateRatings(
	ctx context.Context,
	contestants, validators []*models.CommitteeMember,
	slashed map[string]bool,
	aggregate QDScore,
) (map[string]float64, error) {
	current := map[string]float64{}
	lookup := func(agentID string) (float64, error) {
		if r, ok := current[agentID]; ok {
			return r, nil
		}
		agent, err := o.repo.GetAgent(ctx, agentID)
		if err != nil {
			return 0, err
		}
		rating := float64(models.DefaultRating)
		if agent != nil {
			rating = agent.Rating
		}
		current[agentID] = rating
		return rating, nil
	}

	var validatorSum float64
	for _, m := range validators {
		r, err := lookup(m.AgentID)
		if err != nil {
			return nil, err
		}
		validatorSum += r
	}
	meanValidator := float64(models.DefaultRating)
	if len(validators) > 0 {
		meanValidator = validatorSum / float64(len(validators))
	}

	updated := map[string]float64{}
	for _, m := range contestants {
		r, err := lookup(m.AgentID)
		if err != nil {
			return nil, err
		}
		score := 1.0
		if m.Slashed || slashed[m.ID] {
			score = 0
		}
		next := EloUpdate(r, meanValidator, score, o.opts.EloK)
		current[m.AgentID] = next
		updated[m.AgentID] = next
	}

	pseudoOpponent := aggregate.Fitness*1000 + 1000
	for _, m := range validators {
		r, err := lookup(m.AgentID)
		if err != nil {
			return nil, err
		}
		score := 1.0
		if m.Slashed || slashed[m.ID] {
			score = 0
		}
		next := EloUpdate(r, pseudoOpponent, score, o.opts.EloK)
		current[m.AgentID] = next
		updated[m.AgentID] = next
	}
	return updated, nil
}
