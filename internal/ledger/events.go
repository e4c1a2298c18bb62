package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agoralabs/agora/internal/models"
)

// Difficulty values are carried on-chain as basis points of 1e4 so the
// 4-decimal rounding of the controller survives the round trip.
const difficultyScale = 10000

const eventsABIJSON = `[
	{"type":"event","name":"ArtifactMinted","inputs":[
		{"name":"id","type":"string"},
		{"name":"author","type":"string"},
		{"name":"kind","type":"string"},
		{"name":"cid","type":"string"},
		{"name":"parentId","type":"string"}]},
	{"type":"event","name":"ArtifactCited","inputs":[
		{"name":"fromId","type":"string"},
		{"name":"toId","type":"string"}]},
	{"type":"event","name":"RoundFinalized","inputs":[
		{"name":"roundId","type":"string"},
		{"name":"previousDifficulty","type":"int256"},
		{"name":"difficultyDelta","type":"int256"},
		{"name":"newDifficulty","type":"int256"},
		{"name":"finalizedAt","type":"uint256"}]}
]`

// EventsABI is the parsed log schema for the two watched contracts.
var EventsABI = mustParseABI(eventsABIJSON)

// Topic hashes for filter construction.
var (
	TopicArtifactMinted = EventsABI.Events["ArtifactMinted"].ID
	TopicArtifactCited  = EventsABI.Events["ArtifactCited"].ID
	TopicRoundFinalized = EventsABI.Events["RoundFinalized"].ID
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Event is one decoded ledger log, positioned by (BlockNumber, LogIndex).
type Event struct {
	Name        string
	BlockNumber uint64
	BlockHash   common.Hash
	LogIndex    uint

	Artifact     *models.Artifact
	Citation     *models.Citation
	Finalization *models.RoundFinalization
}

// DecodeLog parses a raw log into an Event. The artifact timestamp is left
// zero here; the ingestor hydrates it from the block header before any
// durable persistence.
func DecodeLog(log types.Log) (*Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log %d/%d has no topics", log.BlockNumber, log.Index)
	}

	ev := &Event{
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
		LogIndex:    log.Index,
	}

	switch log.Topics[0] {
	case TopicArtifactMinted:
		ev.Name = "ArtifactMinted"
		values, err := EventsABI.Events["ArtifactMinted"].Inputs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack ArtifactMinted: %w", err)
		}
		artifact := &models.Artifact{
			ID:          values[0].(string),
			Author:      values[1].(string),
			Kind:        values[2].(string),
			CID:         values[3].(string),
			BlockNumber: log.BlockNumber,
			BlockHash:   log.BlockHash.Hex(),
			LogIndex:    log.Index,
		}
		if parent := values[4].(string); parent != "" {
			artifact.ParentID = &parent
		}
		ev.Artifact = artifact

	case TopicArtifactCited:
		ev.Name = "ArtifactCited"
		values, err := EventsABI.Events["ArtifactCited"].Inputs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack ArtifactCited: %w", err)
		}
		ev.Citation = &models.Citation{
			FromID:      values[0].(string),
			ToID:        values[1].(string),
			BlockNumber: log.BlockNumber,
			BlockHash:   log.BlockHash.Hex(),
			LogIndex:    log.Index,
		}

	case TopicRoundFinalized:
		ev.Name = "RoundFinalized"
		values, err := EventsABI.Events["RoundFinalized"].Inputs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack RoundFinalized: %w", err)
		}
		ev.Finalization = &models.RoundFinalization{
			RoundID:            values[0].(string),
			PreviousDifficulty: scaledDifficulty(values[1].(*big.Int)),
			DifficultyDelta:    scaledDifficulty(values[2].(*big.Int)),
			NewDifficulty:      scaledDifficulty(values[3].(*big.Int)),
			FinalizedAt:        time.Unix(values[4].(*big.Int).Int64(), 0).UTC(),
			BlockNumber:        log.BlockNumber,
			BlockHash:          log.BlockHash.Hex(),
			LogIndex:           log.Index,
		}

	default:
		return nil, fmt.Errorf("unknown topic %s at %d/%d", log.Topics[0].Hex(), log.BlockNumber, log.Index)
	}

	return ev, nil
}

func scaledDifficulty(v *big.Int) float64 {
	return float64(v.Int64()) / difficultyScale
}
