// Package influence computes PageRank-based influence over the culture graph.
package influence

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agoralabs/agora/internal/models"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
	"github.com/agoralabs/agora/internal/repository"
)

var (
	recomputesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_influence_recomputes_total",
		Help: "Total influence recompute runs",
	})

	recomputeIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agora_influence_iterations",
		Help:    "PageRank iterations until convergence",
		Buckets: prometheus.LinearBuckets(1, 2, 15),
	})
)

// Options tune the PageRank computation.
type Options struct {
	Damping       float64
	MaxIterations int
	Tolerance     float64
}

// DefaultOptions returns the standard engine parameters.
func DefaultOptions() Options {
	return Options{Damping: 0.85, MaxIterations: 25, Tolerance: 1e-6}
}

// Engine recomputes influence metrics after graph mutations. Each run loads
// a snapshot, computes, and persists atomically; overlapping triggers are
// safe because isolation comes from the store transaction.
type Engine struct {
	repo      repository.GraphRepository
	validator Validator
	opts      Options
	logger    *slog.Logger
}

// Validator cross-checks PageRank scores against an external reference.
// A nil validator skips cross-validation.
type Validator interface {
	Validate(ctx context.Context, graph ReferenceGraph) (map[string]float64, error)
}

// ReferenceGraph is the payload handed to the reference validator.
type ReferenceGraph struct {
	Nodes         []string    `json:"nodes"`
	Edges         [][2]string `json:"edges"`
	Damping       float64     `json:"alpha"`
	MaxIterations int         `json:"maxIterations"`
	Tolerance     float64     `json:"tolerance"`
}

// ValidationStatus classifies the cross-validation outcome of a recompute.
type ValidationStatus string

const (
	ValidationOK      ValidationStatus = "ok"
	ValidationSkipped ValidationStatus = "skipped"
	ValidationFailed  ValidationStatus = "failed"
)

// Report summarizes one recompute run.
type Report struct {
	Nodes      int
	Iterations int
	Validation ValidationStatus
	MaxDelta   float64
}

// NewEngine creates an influence engine. validator may be nil.
func NewEngine(repo repository.GraphRepository, validator Validator, opts Options, logger *slog.Logger) *Engine {
	if opts.Damping <= 0 || opts.Damping >= 1 {
		opts.Damping = 0.85
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 25
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 1e-6
	}
	return &Engine{repo: repo, validator: validator, opts: opts, logger: logger}
}

// Recompute loads the full graph, recomputes all three metrics, persists
// them in one transaction, and cross-validates when a validator is set.
func (e *Engine) Recompute(ctx context.Context) (*Report, error) {
	recomputesTotal.Inc()

	artifacts, err := e.repo.ListArtifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	citations, err := e.repo.ListCitations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load citations: %w", err)
	}

	g := buildGraph(artifacts, citations)
	scores, iterations := g.pagerank(e.opts)
	recomputeIterations.Observe(float64(iterations))

	metrics := make([]*models.InfluenceMetric, 0, len(g.nodes))
	for _, id := range g.nodes {
		metrics = append(metrics, &models.InfluenceMetric{
			ArtifactID:    id,
			Score:         scores[id],
			CitationCount: len(g.inbound[id]),
			LineageDepth:  g.lineageDepth(id),
		})
	}

	if err := e.repo.SaveMetrics(ctx, metrics); err != nil {
		return nil, fmt.Errorf("persist metrics: %w", err)
	}

	report := &Report{Nodes: len(g.nodes), Iterations: iterations, Validation: ValidationSkipped}
	if e.validator != nil {
		report.Validation, report.MaxDelta, err = e.crossValidate(ctx, g, scores)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (e *Engine) crossValidate(ctx context.Context, g *graph, scores map[string]float64) (ValidationStatus, float64, error) {
	edges := make([][2]string, 0, len(g.edges))
	for _, edge := range g.edges {
		edges = append(edges, edge)
	}

	reference, err := e.validator.Validate(ctx, ReferenceGraph{
		Nodes:         g.nodes,
		Edges:         edges,
		Damping:       e.opts.Damping,
		MaxIterations: e.opts.MaxIterations,
		Tolerance:     e.opts.Tolerance,
	})
	if err != nil {
		// Validator downtime must not fail the recompute.
		e.logger.Warn("reference validator unavailable, skipping cross-validation", slog.Any("error", err))
		return ValidationSkipped, 0, nil
	}

	var maxDelta float64
	for id, score := range scores {
		delta := math.Abs(score - reference[id])
		if delta > maxDelta {
			maxDelta = delta
		}
	}

	if maxDelta > 5*e.opts.Tolerance {
		return ValidationFailed, maxDelta, apierrors.ErrInfluenceValidationFailed.WithDetails(map[string]float64{
			"max_delta": maxDelta,
			"tolerance": e.opts.Tolerance,
		})
	}
	return ValidationOK, maxDelta, nil
}

// graph is the in-memory adjacency view of one recompute snapshot.
type graph struct {
	nodes    []string
	index    map[string]int
	outbound map[string][]string
	inbound  map[string][]string
	parents  map[string]string
	edges    [][2]string
}

func buildGraph(artifacts []*models.Artifact, citations []*models.Citation) *graph {
	g := &graph{
		index:    make(map[string]int),
		outbound: make(map[string][]string),
		inbound:  make(map[string][]string),
		parents:  make(map[string]string),
	}
	for _, a := range artifacts {
		g.index[a.ID] = len(g.nodes)
		g.nodes = append(g.nodes, a.ID)
		if a.ParentID != nil {
			g.parents[a.ID] = *a.ParentID
		}
	}
	for _, c := range citations {
		// Edges referencing unknown artifacts are dropped; ingest ordering
		// makes this transient at worst.
		if _, ok := g.index[c.FromID]; !ok {
			continue
		}
		if _, ok := g.index[c.ToID]; !ok {
			continue
		}
		g.outbound[c.FromID] = append(g.outbound[c.FromID], c.ToID)
		g.inbound[c.ToID] = append(g.inbound[c.ToID], c.FromID)
		g.edges = append(g.edges, [2]string{c.FromID, c.ToID})
	}
	return g
}

// pagerank iterates the power method with uniform dangling-mass
// redistribution until the L1 delta drops below tolerance.
func (g *graph) pagerank(opts Options) (map[string]float64, int) {
	n := len(g.nodes)
	if n == 0 {
		return map[string]float64{}, 0
	}

	scores := make(map[string]float64, n)
	for _, id := range g.nodes {
		scores[id] = 1.0 / float64(n)
	}

	teleport := (1 - opts.Damping) / float64(n)
	iterations := 0

	for ; iterations < opts.MaxIterations; iterations++ {
		var danglingSum float64
		for _, id := range g.nodes {
			if len(g.outbound[id]) == 0 {
				danglingSum += scores[id]
			}
		}

		next := make(map[string]float64, n)
		var l1 float64
		for _, id := range g.nodes {
			inbound := 0.0
			for _, from := range g.inbound[id] {
				inbound += scores[from] / float64(len(g.outbound[from]))
			}
			value := teleport + opts.Damping*(inbound+danglingSum/float64(n))
			next[id] = value
			l1 += math.Abs(value - scores[id])
		}

		scores = next
		if l1 < opts.Tolerance {
			iterations++
			break
		}
	}
	return scores, iterations
}

// lineageDepth walks the parent chain with cycle detection. The node that
// closes a cycle contributes depth 0.
func (g *graph) lineageDepth(id string) int {
	depth := 0
	visiting := map[string]bool{id: true}
	current := id
	for {
		parent, ok := g.parents[current]
		if !ok {
			return depth
		}
		if _, known := g.index[parent]; !known {
			return depth
		}
		if visiting[parent] {
			return depth
		}
		visiting[parent] = true
		depth++
		current = parent
	}
}
