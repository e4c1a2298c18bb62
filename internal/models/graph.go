package models

import (
	"time"
)

// Artifact is a minted creative work observed on the ledger.
// Immutable once the mint event is seen at a finalized depth.
type Artifact struct {
	ID          string    `json:"id" db:"id"`
	Author      string    `json:"author" db:"author"`
	Kind        string    `json:"kind" db:"kind"`
	CID         string    `json:"cid" db:"cid"`
	ParentID    *string   `json:"parent_id,omitempty" db:"parent_id"`
	BlockNumber uint64    `json:"block_number" db:"block_number"`
	BlockHash   string    `json:"block_hash" db:"block_hash"`
	LogIndex    uint      `json:"log_index" db:"log_index"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// Citation is a directed edge in the culture graph.
// Composite unique key (from_id, to_id, block_number, log_index).
type Citation struct {
	FromID      string `json:"from_id" db:"from_id"`
	ToID        string `json:"to_id" db:"to_id"`
	BlockNumber uint64 `json:"block_number" db:"block_number"`
	BlockHash   string `json:"block_hash" db:"block_hash"`
	LogIndex    uint   `json:"log_index" db:"log_index"`
}

// InfluenceMetric is the derived influence record for one artifact.
// Recomputed transactionally; never edited in place by callers.
type InfluenceMetric struct {
	ArtifactID    string  `json:"artifact_id" db:"artifact_id"`
	Score         float64 `json:"score" db:"score"`
	CitationCount int     `json:"citation_count" db:"citation_count"`
	LineageDepth  int     `json:"lineage_depth" db:"lineage_depth"`
}

// RoundFinalization records an on-chain RoundFinalized event.
type RoundFinalization struct {
	RoundID            string    `json:"round_id" db:"round_id"`
	PreviousDifficulty float64   `json:"previous_difficulty" db:"previous_difficulty"`
	DifficultyDelta    float64   `json:"difficulty_delta" db:"difficulty_delta"`
	NewDifficulty      float64   `json:"new_difficulty" db:"new_difficulty"`
	FinalizedAt        time.Time `json:"finalized_at" db:"finalized_at"`
	BlockNumber        uint64    `json:"block_number" db:"block_number"`
	BlockHash          string    `json:"block_hash" db:"block_hash"`
	LogIndex           uint      `json:"log_index" db:"log_index"`
}

// EventCursor is the singleton ingestion position. LogIndex is signed so a
// reorg purge can rewind to (n, -1), strictly before any log in block n.
type EventCursor struct {
	BlockNumber uint64 `json:"block_number" db:"block_number"`
	LogIndex    int64  `json:"log_index" db:"log_index"`
}

// Before reports whether c is strictly less than (block, logIndex) in the
// lexicographic event order.
func (c EventCursor) Before(block uint64, logIndex uint) bool {
	if c.BlockNumber != block {
		return c.BlockNumber < block
	}
	return c.LogIndex < int64(logIndex)
}
