package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agoralabs/agora/internal/models"
)

// GraphRepository defines the persistent store surface shared by the event
// ingestor and the influence engine. Every Apply* method writes the entity
// and advances the cursor in one transaction.
type GraphRepository interface {
	ReadCursor(ctx context.Context) (*models.EventCursor, error)
	ApplyArtifact(ctx context.Context, a *models.Artifact, cursor models.EventCursor) error
	ApplyCitation(ctx context.Context, c *models.Citation, cursor models.EventCursor) error
	ApplyRoundFinalization(ctx context.Context, f *models.RoundFinalization, cursor models.EventCursor) error

	// PurgeFromBlock deletes all rows with block_number >= n and rewinds the
	// cursor to (n, -1) in a single transaction. Reorg recovery path.
	PurgeFromBlock(ctx context.Context, n uint64) error

	GetArtifact(ctx context.Context, id string) (*models.Artifact, error)
	ListArtifacts(ctx context.Context) ([]*models.Artifact, error)
	ListCitations(ctx context.Context) ([]*models.Citation, error)
	GetMetric(ctx context.Context, artifactID string) (*models.InfluenceMetric, error)
	SaveMetrics(ctx context.Context, metrics []*models.InfluenceMetric) error
	TopByInfluence(ctx context.Context, limit int) ([]*models.InfluenceMetric, error)
}

type graphRepo struct {
	pool *pgxpool.Pool
}

// NewGraphRepository creates a new culture-graph repository.
func NewGraphRepository(pool *pgxpool.Pool) GraphRepository {
	return &graphRepo{pool: pool}
}

// ReadCursor returns the singleton ingestion cursor, or nil if ingestion has
// never run.
func (r *graphRepo) ReadCursor(ctx context.Context) (*models.EventCursor, error) {
	query := `SELECT block_number, log_index FROM event_cursor WHERE singleton`

	var c models.EventCursor
	err := r.pool.QueryRow(ctx, query).Scan(&c.BlockNumber, &c.LogIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// writeCursorTx upserts the singleton cursor row. There is no monotonicity
// guard here: the ingestor is the only writer and its Run loop serializes
// backfill and tail, so the cursor only ever moves forward or is rewound
// deliberately by PurgeFromBlock.
func writeCursorTx(ctx context.Context, tx pgx.Tx, cursor models.EventCursor) error {
	query := `
		INSERT INTO event_cursor (singleton, block_number, log_index)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO UPDATE
		SET block_number = EXCLUDED.block_number, log_index = EXCLUDED.log_index`

	_, err := tx.Exec(ctx, query, cursor.BlockNumber, cursor.LogIndex)
	return err
}

// ApplyArtifact upserts an artifact and advances the cursor atomically.
func (r *graphRepo) ApplyArtifact(ctx context.Context, a *models.Artifact, cursor models.EventCursor) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO artifacts (id, author, kind, cid, parent_id, block_number, block_hash, log_index, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE
			SET author = EXCLUDED.author, kind = EXCLUDED.kind, cid = EXCLUDED.cid,
			    parent_id = EXCLUDED.parent_id, block_number = EXCLUDED.block_number,
			    block_hash = EXCLUDED.block_hash, log_index = EXCLUDED.log_index,
			    timestamp = EXCLUDED.timestamp`

		if _, err := tx.Exec(ctx, query,
			a.ID, a.Author, a.Kind, a.CID, a.ParentID,
			a.BlockNumber, a.BlockHash, a.LogIndex, a.Timestamp,
		); err != nil {
			return mapErr(err)
		}
		return writeCursorTx(ctx, tx, cursor)
	})
}

// ApplyCitation upserts a citation edge and advances the cursor atomically.
func (r *graphRepo) ApplyCitation(ctx context.Context, c *models.Citation, cursor models.EventCursor) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO citations (from_id, to_id, block_number, block_hash, log_index)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (from_id, to_id, block_number, log_index) DO NOTHING`

		if _, err := tx.Exec(ctx, query,
			c.FromID, c.ToID, c.BlockNumber, c.BlockHash, c.LogIndex,
		); err != nil {
			return mapErr(err)
		}
		return writeCursorTx(ctx, tx, cursor)
	})
}

// ApplyRoundFinalization upserts a finalization record and advances the
// cursor atomically.
func (r *graphRepo) ApplyRoundFinalization(ctx context.Context, f *models.RoundFinalization, cursor models.EventCursor) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO round_finalizations
			    (round_id, previous_difficulty, difficulty_delta, new_difficulty, finalized_at, block_number, block_hash, log_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (round_id) DO UPDATE
			SET previous_difficulty = EXCLUDED.previous_difficulty,
			    difficulty_delta = EXCLUDED.difficulty_delta,
			    new_difficulty = EXCLUDED.new_difficulty,
			    finalized_at = EXCLUDED.finalized_at,
			    block_number = EXCLUDED.block_number,
			    block_hash = EXCLUDED.block_hash,
			    log_index = EXCLUDED.log_index`

		if _, err := tx.Exec(ctx, query,
			f.RoundID, f.PreviousDifficulty, f.DifficultyDelta, f.NewDifficulty,
			f.FinalizedAt, f.BlockNumber, f.BlockHash, f.LogIndex,
		); err != nil {
			return mapErr(err)
		}
		return writeCursorTx(ctx, tx, cursor)
	})
}

// PurgeFromBlock implements reorg recovery: delete everything at or above
// block n and rewind the cursor to (n, -1).
func (r *graphRepo) PurgeFromBlock(ctx context.Context, n uint64) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, query := range []string{
			`DELETE FROM citations WHERE block_number >= $1`,
			`DELETE FROM artifacts WHERE block_number >= $1`,
			`DELETE FROM round_finalizations WHERE block_number >= $1`,
		} {
			if _, err := tx.Exec(ctx, query, n); err != nil {
				return mapErr(err)
			}
		}
		return writeCursorTx(ctx, tx, models.EventCursor{BlockNumber: n, LogIndex: -1})
	})
}

// GetArtifact retrieves one artifact by id.
func (r *graphRepo) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	query := `
		SELECT id, author, kind, cid, parent_id, block_number, block_hash, log_index, timestamp
		FROM artifacts WHERE id = $1`

	var a models.Artifact
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Author, &a.Kind, &a.CID, &a.ParentID,
		&a.BlockNumber, &a.BlockHash, &a.LogIndex, &a.Timestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// ListArtifacts returns every artifact, ordered by event position.
func (r *graphRepo) ListArtifacts(ctx context.Context) ([]*models.Artifact, error) {
	query := `
		SELECT id, author, kind, cid, parent_id, block_number, block_hash, log_index, timestamp
		FROM artifacts ORDER BY block_number, log_index`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(
			&a.ID, &a.Author, &a.Kind, &a.CID, &a.ParentID,
			&a.BlockNumber, &a.BlockHash, &a.LogIndex, &a.Timestamp,
		); err != nil {
			return nil, mapErr(err)
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, mapErr(rows.Err())
}

// ListCitations returns every citation edge.
func (r *graphRepo) ListCitations(ctx context.Context) ([]*models.Citation, error) {
	query := `SELECT from_id, to_id, block_number, block_hash, log_index FROM citations`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var citations []*models.Citation
	for rows.Next() {
		var c models.Citation
		if err := rows.Scan(&c.FromID, &c.ToID, &c.BlockNumber, &c.BlockHash, &c.LogIndex); err != nil {
			return nil, mapErr(err)
		}
		citations = append(citations, &c)
	}
	return citations, mapErr(rows.Err())
}

// GetMetric retrieves the influence metric for one artifact.
func (r *graphRepo) GetMetric(ctx context.Context, artifactID string) (*models.InfluenceMetric, error) {
	query := `SELECT artifact_id, score, citation_count, lineage_depth FROM influence_metrics WHERE artifact_id = $1`

	var m models.InfluenceMetric
	err := r.pool.QueryRow(ctx, query, artifactID).Scan(&m.ArtifactID, &m.Score, &m.CitationCount, &m.LineageDepth)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// SaveMetrics persists a full recompute result in one transaction.
func (r *graphRepo) SaveMetrics(ctx context.Context, metrics []*models.InfluenceMetric) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO influence_metrics (artifact_id, score, citation_count, lineage_depth)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (artifact_id) DO UPDATE
			SET score = EXCLUDED.score, citation_count = EXCLUDED.citation_count,
			    lineage_depth = EXCLUDED.lineage_depth`

		for _, m := range metrics {
			if _, err := tx.Exec(ctx, query, m.ArtifactID, m.Score, m.CitationCount, m.LineageDepth); err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

// TopByInfluence returns the highest-scoring artifacts.
func (r *graphRepo) TopByInfluence(ctx context.Context, limit int) ([]*models.InfluenceMetric, error) {
	query := `
		SELECT artifact_id, score, citation_count, lineage_depth
		FROM influence_metrics ORDER BY score DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var metrics []*models.InfluenceMetric
	for rows.Next() {
		var m models.InfluenceMetric
		if err := rows.Scan(&m.ArtifactID, &m.Score, &m.CitationCount, &m.LineageDepth); err != nil {
			return nil, mapErr(err)
		}
		metrics = append(metrics, &m)
	}
	return metrics, mapErr(rows.Err())
}

// Compile-time check to ensure graphRepo implements GraphRepository.
var _ GraphRepository = (*graphRepo)(nil)
