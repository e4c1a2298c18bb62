package models

import (
	"encoding/json"
	"time"
)

// RoundState represents the lifecycle phase of an arena round.
type RoundState string

const (
	RoundStateCommit RoundState = "COMMIT"
	RoundStateReveal RoundState = "REVEAL"
	RoundStateClosed RoundState = "CLOSED"
)

// Valid returns true if the round state is a known phase.
func (s RoundState) Valid() bool {
	switch s {
	case RoundStateCommit, RoundStateReveal, RoundStateClosed:
		return true
	default:
		return false
	}
}

// MemberRole distinguishes contestants from validators within a round.
type MemberRole string

const (
	RoleContestant MemberRole = "CONTESTANT"
	RoleValidator  MemberRole = "VALIDATOR"
)

// StateAt derives the observable phase at a point in time. The store only
// records COMMIT and CLOSED; the REVEAL window is a function of the
// deadlines, so reads must resolve it against a clock.
func (r *Round) StateAt(now time.Time) RoundState {
	if r.State == RoundStateClosed {
		return RoundStateClosed
	}
	if now.After(r.CommitDeadline) {
		return RoundStateReveal
	}
	return RoundStateCommit
}

// Round is one commit-reveal competition.
type Round struct {
	ID              string          `json:"id" db:"id"`
	State           RoundState      `json:"state" db:"state"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	CommitDeadline  time.Time       `json:"commit_deadline" db:"commit_deadline"`
	RevealDeadline  time.Time       `json:"reveal_deadline" db:"reveal_deadline"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	TargetDuration  int             `json:"target_duration" db:"target_duration"`
	SnapshotCID     *string         `json:"snapshot_cid,omitempty" db:"snapshot_cid"`
	DifficultyScore float64         `json:"difficulty_score" db:"difficulty_score"`
	Metadata        json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// CommitteeMember is one agent's enrollment in a round under a role.
// Unique (round_id, agent_id, role).
type CommitteeMember struct {
	ID             string          `json:"id" db:"id"`
	RoundID        string          `json:"round_id" db:"round_id"`
	AgentID        string          `json:"agent_id" db:"agent_id"`
	Role           MemberRole      `json:"role" db:"role"`
	CommitHash     *string         `json:"commit_hash,omitempty" db:"commit_hash"`
	CommitAt       *time.Time      `json:"commit_at,omitempty" db:"commit_at"`
	RevealPayload  json.RawMessage `json:"reveal_payload,omitempty" db:"reveal_payload"`
	RevealAt       *time.Time      `json:"reveal_at,omitempty" db:"reveal_at"`
	Slashed        bool            `json:"slashed" db:"slashed"`
	ModerationNote *string         `json:"moderation_note,omitempty" db:"moderation_note"`
}

// Agent is a rated participant. New agents start at 1500 Elo.
type Agent struct {
	ID      string   `json:"id" db:"id"`
	Rating  float64  `json:"rating" db:"rating"`
	KFactor *float64 `json:"k_factor,omitempty" db:"k_factor"`
}

// DefaultRating is the Elo rating assigned to newly enrolled agents.
const DefaultRating = 1500
