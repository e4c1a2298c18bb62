package arena

import (
	"math"
	"sync"
)

// DifficultyOptions tune the PID controller.
type DifficultyOptions struct {
	TargetSeconds float64
	Min           float64
	Max           float64
	Kp            float64
	Ki            float64
	Kd            float64
}

// DefaultDifficultyOptions returns the standard controller gains.
func DefaultDifficultyOptions() DifficultyOptions {
	return DifficultyOptions{
		TargetSeconds: 600,
		Min:           0.25,
		Max:           4,
		Kp:            0.4,
		Ki:            0.05,
		Kd:            0.1,
	}
}

const difficultyHistorySize = 20

// DifficultyController keeps round difficulty near the duration target with
// a PID loop. Safe for concurrent use.
type DifficultyController struct {
	opts DifficultyOptions

	mu            sync.Mutex
	difficulty    float64
	integral      float64
	previousError float64
	history       []Sample
}

// Sample records one controller update for inspection.
type Sample struct {
	ActualSeconds float64 `json:"actual_seconds"`
	Error         float64 `json:"error"`
	Adjustment    float64 `json:"adjustment"`
	Difficulty    float64 `json:"difficulty"`
}

// NewDifficultyController creates a controller starting at difficulty 1.
func NewDifficultyController(opts DifficultyOptions) *DifficultyController {
	if opts.TargetSeconds <= 0 {
		opts.TargetSeconds = 600
	}
	if opts.Max <= opts.Min {
		opts.Min, opts.Max = 0.25, 4
	}
	return &DifficultyController{opts: opts, difficulty: 1}
}

// Difficulty returns the current difficulty score.
func (c *DifficultyController) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// Update feeds one observed round duration into the loop and returns the
// new difficulty, clamped to [min, max] and rounded to 4 decimals.
func (c *DifficultyController) Update(actualSeconds float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.opts.TargetSeconds - actualSeconds
	c.integral += err
	derivative := err - c.previousError
	c.previousError = err

	adjustment := c.opts.Kp*err + c.opts.Ki*c.integral + c.opts.Kd*derivative

	d := c.difficulty + adjustment/c.opts.TargetSeconds
	d = math.Min(math.Max(d, c.opts.Min), c.opts.Max)
	c.difficulty = math.Round(d*10000) / 10000

	c.history = append(c.history, Sample{
		ActualSeconds: actualSeconds,
		Error:         err,
		Adjustment:    adjustment,
		Difficulty:    c.difficulty,
	})
	if len(c.history) > difficultyHistorySize {
		c.history = c.history[len(c.history)-difficultyHistorySize:]
	}

	return c.difficulty
}

// History returns a copy of the recent update samples.
func (c *DifficultyController) History() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, len(c.history))
	copy(out, c.history)
	return out
}
