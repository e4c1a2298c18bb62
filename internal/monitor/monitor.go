// Package monitor tracks recurring failures and escalates past a threshold.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_monitor_failures_total",
			Help: "Total recorded component failures",
		},
		[]string{"component"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_monitor_escalations_total",
			Help: "Total failure escalations past the threshold",
		},
		[]string{"component"},
	)
)

// Monitor counts per-component failures and escalates once a component
// crosses the threshold, then stays quiet for the cooldown period.
type Monitor struct {
	logger    *slog.Logger
	threshold int
	cooldown  time.Duration

	mu            sync.Mutex
	counts        map[string]int
	lastEscalated map[string]time.Time
	now           func() time.Time
}

// New creates a monitor with the given escalation threshold and cooldown.
func New(logger *slog.Logger, threshold int, cooldown time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Monitor{
		logger:        logger,
		threshold:     threshold,
		cooldown:      cooldown,
		counts:        make(map[string]int),
		lastEscalated: make(map[string]time.Time),
		now:           time.Now,
	}
}

// RecordFailure registers one failure for a component. Returns true when
// this failure triggered an escalation.
func (m *Monitor) RecordFailure(component string, err error) bool {
	failuresTotal.WithLabelValues(component).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[component]++
	if m.counts[component] < m.threshold {
		m.logger.Warn("component failure",
			slog.String("component", component),
			slog.Int("count", m.counts[component]),
			slog.Any("error", err),
		)
		return false
	}

	now := m.now()
	if last, ok := m.lastEscalated[component]; ok && now.Sub(last) < m.cooldown {
		return false
	}

	m.lastEscalated[component] = now
	m.counts[component] = 0
	escalationsTotal.WithLabelValues(component).Inc()
	// Incident id correlates this escalation across log pipelines.
	m.logger.Error("component failure escalated",
		slog.String("incident_id", uuid.NewString()),
		slog.String("component", component),
		slog.Int("threshold", m.threshold),
		slog.Any("error", err),
	)
	return true
}

// RecordSuccess resets the failure streak for a component.
func (m *Monitor) RecordSuccess(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[component] = 0
}
