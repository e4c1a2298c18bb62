package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agoralabs/agora/internal/models"
)

// ArenaRepository defines the store surface for rounds, committee members
// and agent ratings. Round state transitions happen inside transactions.
type ArenaRepository interface {
	CreateRound(ctx context.Context, round *models.Round, members []*models.CommitteeMember) error
	GetRound(ctx context.Context, id string) (*models.Round, error)
	GetMember(ctx context.Context, roundID, agentID string, role models.MemberRole) (*models.CommitteeMember, error)
	ListMembers(ctx context.Context, roundID string) ([]*models.CommitteeMember, error)
	SetCommit(ctx context.Context, memberID, commitHash string, at time.Time) error
	SetReveal(ctx context.Context, memberID string, payload json.RawMessage, at time.Time) error
	SlashOnModeration(ctx context.Context, memberID string, payload json.RawMessage, note string, at time.Time) error

	// CloseRound applies the whole close pass atomically: member slashes,
	// agent rating updates, and the round's terminal state.
	CloseRound(ctx context.Context, round *models.Round, slashedMemberIDs []string, ratings map[string]float64) error

	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	TopAgents(ctx context.Context, limit int) ([]*models.Agent, error)
}

type arenaRepo struct {
	pool *pgxpool.Pool
}

// NewArenaRepository creates a new arena repository.
func NewArenaRepository(pool *pgxpool.Pool) ArenaRepository {
	return &arenaRepo{pool: pool}
}

// CreateRound persists the round, its committee, and any missing agent rows
// in one transaction. Existing agents keep their ratings.
func (r *arenaRepo) CreateRound(ctx context.Context, round *models.Round, members []*models.CommitteeMember) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		agentQuery := `
			INSERT INTO agents (id, rating) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING`
		for _, m := range members {
			if _, err := tx.Exec(ctx, agentQuery, m.AgentID, models.DefaultRating); err != nil {
				return mapErr(err)
			}
		}

		roundQuery := `
			INSERT INTO rounds (id, state, started_at, commit_deadline, reveal_deadline, target_duration, difficulty_score, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := tx.Exec(ctx, roundQuery,
			round.ID, round.State, round.StartedAt, round.CommitDeadline,
			round.RevealDeadline, round.TargetDuration, round.DifficultyScore, round.Metadata,
		); err != nil {
			return mapErr(err)
		}

		memberQuery := `
			INSERT INTO committee_members (id, round_id, agent_id, role)
			VALUES ($1, $2, $3, $4)`
		for _, m := range members {
			if _, err := tx.Exec(ctx, memberQuery, m.ID, m.RoundID, m.AgentID, m.Role); err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

// GetRound retrieves a round by id.
func (r *arenaRepo) GetRound(ctx context.Context, id string) (*models.Round, error) {
	query := `
		SELECT id, state, started_at, commit_deadline, reveal_deadline, closed_at,
		       target_duration, snapshot_cid, difficulty_score, metadata
		FROM rounds WHERE id = $1`

	var round models.Round
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&round.ID, &round.State, &round.StartedAt, &round.CommitDeadline,
		&round.RevealDeadline, &round.ClosedAt, &round.TargetDuration,
		&round.SnapshotCID, &round.DifficultyScore, &round.Metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &round, nil
}

const memberColumns = `id, round_id, agent_id, role, commit_hash, commit_at, reveal_payload, reveal_at, slashed, moderation_note`

func scanMember(row pgx.Row) (*models.CommitteeMember, error) {
	var m models.CommitteeMember
	err := row.Scan(
		&m.ID, &m.RoundID, &m.AgentID, &m.Role, &m.CommitHash, &m.CommitAt,
		&m.RevealPayload, &m.RevealAt, &m.Slashed, &m.ModerationNote,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMember retrieves one committee member by its unique enrollment key.
func (r *arenaRepo) GetMember(ctx context.Context, roundID, agentID string, role models.MemberRole) (*models.CommitteeMember, error) {
	query := `SELECT ` + memberColumns + ` FROM committee_members WHERE round_id = $1 AND agent_id = $2 AND role = $3`

	m, err := scanMember(r.pool.QueryRow(ctx, query, roundID, agentID, role))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

// ListMembers retrieves the full committee for a round.
func (r *arenaRepo) ListMembers(ctx context.Context, roundID string) ([]*models.CommitteeMember, error) {
	query := `SELECT ` + memberColumns + ` FROM committee_members WHERE round_id = $1 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, roundID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var members []*models.CommitteeMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		members = append(members, m)
	}
	return members, mapErr(rows.Err())
}

// SetCommit stores a commitment hash. Last write wins within the window.
func (r *arenaRepo) SetCommit(ctx context.Context, memberID, commitHash string, at time.Time) error {
	query := `UPDATE committee_members SET commit_hash = $2, commit_at = $3 WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, memberID, commitHash, at)
	if err != nil {
		return mapErr(err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetReveal stores an accepted reveal payload.
func (r *arenaRepo) SetReveal(ctx context.Context, memberID string, payload json.RawMessage, at time.Time) error {
	query := `UPDATE committee_members SET reveal_payload = $2, reveal_at = $3 WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, memberID, payload, at)
	if err != nil {
		return mapErr(err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SlashOnModeration records a moderation rejection: the payload is kept for
// audit, the member is slashed, and the note carries the reason.
func (r *arenaRepo) SlashOnModeration(ctx context.Context, memberID string, payload json.RawMessage, note string, at time.Time) error {
	query := `
		UPDATE committee_members
		SET reveal_payload = $2, reveal_at = $3, slashed = TRUE, moderation_note = $4
		WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, memberID, payload, at, note)
	if err != nil {
		return mapErr(err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CloseRound transitions the round to CLOSED together with all its side
// effects. Once committed the round is terminal.
func (r *arenaRepo) CloseRound(ctx context.Context, round *models.Round, slashedMemberIDs []string, ratings map[string]float64) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		slashQuery := `UPDATE committee_members SET slashed = TRUE WHERE id = $1`
		for _, id := range slashedMemberIDs {
			if _, err := tx.Exec(ctx, slashQuery, id); err != nil {
				return mapErr(err)
			}
		}

		ratingQuery := `UPDATE agents SET rating = $2 WHERE id = $1`
		for agentID, rating := range ratings {
			if _, err := tx.Exec(ctx, ratingQuery, agentID, rating); err != nil {
				return mapErr(err)
			}
		}

		roundQuery := `
			UPDATE rounds
			SET state = $2, closed_at = $3, snapshot_cid = $4
			WHERE id = $1 AND state != 'CLOSED'`
		result, err := tx.Exec(ctx, roundQuery, round.ID, models.RoundStateClosed, round.ClosedAt, round.SnapshotCID)
		if err != nil {
			return mapErr(err)
		}
		if result.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// GetAgent retrieves one agent's rating row.
func (r *arenaRepo) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	query := `SELECT id, rating, k_factor FROM agents WHERE id = $1`

	var a models.Agent
	err := r.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.Rating, &a.KFactor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// TopAgents returns the scoreboard ordered by rating.
func (r *arenaRepo) TopAgents(ctx context.Context, limit int) ([]*models.Agent, error) {
	query := `SELECT id, rating, k_factor FROM agents ORDER BY rating DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Rating, &a.KFactor); err != nil {
			return nil, mapErr(err)
		}
		agents = append(agents, &a)
	}
	return agents, mapErr(rows.Err())
}

// Compile-time check to ensure arenaRepo implements ArenaRepository.
var _ ArenaRepository = (*arenaRepo)(nil)
