package arena

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/ethereum/go-ethereum/crypto"
)

// EloExpected returns the expected score of a against b.
func EloExpected(a, b float64) float64 {
	return 1 / (1 + math.Pow(10, (b-a)/400))
}

// EloUpdate returns a's new rating after scoring `score` against b,
// rounded to 2 decimals.
func EloUpdate(a, b, score, k float64) float64 {
	next := a + k*(score-EloExpected(a, b))
	return math.Round(next*100) / 100
}

// QDScore is the two-dimensional contestant metric.
type QDScore struct {
	Fitness   float64 `json:"fitness"`
	Diversity float64 `json:"diversity"`
}

// QDWeights hold the quality/novelty mixing weights.
type QDWeights struct {
	Quality float64
	Novelty float64
}

// DefaultQDWeights returns the standard 0.6/0.4 split.
func DefaultQDWeights() QDWeights {
	return QDWeights{Quality: 0.6, Novelty: 0.4}
}

// NewQDScore combines raw quality and novelty under the weights.
func NewQDScore(quality, novelty float64, w QDWeights) QDScore {
	return QDScore{
		Fitness:   round4(quality * w.Quality),
		Diversity: round4(novelty * w.Novelty),
	}
}

// AggregateQD is the per-component arithmetic mean, rounded to 4 decimals.
func AggregateQD(scores []QDScore) QDScore {
	if len(scores) == 0 {
		return QDScore{}
	}
	var fitness, diversity float64
	for _, s := range scores {
		fitness += s.Fitness
		diversity += s.Diversity
	}
	n := float64(len(scores))
	return QDScore{Fitness: round4(fitness / n), Diversity: round4(diversity / n)}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ScoreSource yields the raw quality and novelty of one revealed payload.
// Injected so tests can pin scores while production stays pseudo-random.
type ScoreSource interface {
	Score(revealPayload []byte) (quality, novelty float64)
}

// SeededScoreSource derives scores from the payload digest, so a given
// reveal always scores the same.
type SeededScoreSource struct{}

// Score returns quality and novelty in [0, 1) seeded by the payload hash.
func (SeededScoreSource) Score(revealPayload []byte) (float64, float64) {
	digest := crypto.Keccak256(revealPayload)
	seed := int64(binary.BigEndian.Uint64(digest[:8]))
	rng := rand.New(rand.NewSource(seed))
	return rng.Float64(), rng.Float64()
}
