package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agoralabs/agora/internal/models"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_telemetry_submissions_total",
			Help: "Attestation submissions by result",
		},
		[]string{"result"},
	)

	skippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_telemetry_skipped_total",
			Help: "Energy logs skipped before submission",
		},
		[]string{"reason"},
	)
)

// SubmitterOptions tune the polling loop.
type SubmitterOptions struct {
	EnergyLogDir string
	PollInterval time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	MaxBatch     int
}

// Submitter is the single long-lived loop that turns energy logs into
// signed attestations. Logs are processed sequentially within a cycle so
// per-signer nonces stay ordered; parallel fan-out is deliberately absent.
type Submitter struct {
	opts    SubmitterOptions
	builder *Builder
	nonces  NonceManager
	sender  Sender
	state   *StateStore
	logger  *slog.Logger

	kick chan struct{}
}

// NewSubmitter wires the loop.
func NewSubmitter(
	opts SubmitterOptions,
	builder *Builder,
	nonces NonceManager,
	sender Sender,
	state *StateStore,
	logger *slog.Logger,
) *Submitter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 20
	}
	return &Submitter{
		opts:    opts,
		builder: builder,
		nonces:  nonces,
		sender:  sender,
		state:   state,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// RequestImmediate asks the loop to run a cycle at the next boundary
// instead of waiting out the poll interval.
func (s *Submitter) RequestImmediate() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run executes cycles until the context is cancelled.
func (s *Submitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.kick:
			s.runCycle(ctx)
		}
	}
}

func (s *Submitter) runCycle(ctx context.Context) {
	logs := s.collectLogs()
	if len(logs) == 0 {
		return
	}

	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].Summary.LastUpdated < logs[j].Summary.LastUpdated
	})
	if len(logs) > s.opts.MaxBatch {
		logs = logs[:s.opts.MaxBatch]
	}

	for _, log := range logs {
		if ctx.Err() != nil {
			return
		}
		s.processLog(ctx, log)
	}
}

// collectLogs walks energyLogDir/<agent>/*.json. Malformed files are
// skipped with a warning.
func (s *Submitter) collectLogs() []*models.EnergyLog {
	agents, err := os.ReadDir(s.opts.EnergyLogDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("energy log dir unreadable", slog.Any("error", err))
		}
		return nil
	}

	var logs []*models.EnergyLog
	for _, agent := range agents {
		if !agent.IsDir() {
			continue
		}
		pattern := filepath.Join(s.opts.EnergyLogDir, agent.Name(), "*.json")
		files, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, file := range files {
			log, err := parseLogFile(file, agent.Name())
			if err != nil {
				skippedTotal.WithLabelValues("malformed").Inc()
				s.logger.Warn("skipping malformed energy log",
					slog.String("file", file),
					slog.Any("error", err),
				)
				continue
			}
			logs = append(logs, log)
		}
	}
	return logs
}

func parseLogFile(path, agentDir string) (*models.EnergyLog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var log models.EnergyLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, err
	}
	if log.Agent == "" {
		log.Agent = agentDir
	}
	if log.JobID == "" {
		return nil, apierrors.ErrInvalidJobID
	}
	if log.Summary.LastUpdated == "" {
		return nil, apierrors.ErrSchemaViolation.WithMessage("missing summary.lastUpdated")
	}
	return &log, nil
}

func (s *Submitter) processLog(ctx context.Context, log *models.EnergyLog) {
	key := strings.ToLower(log.Agent + ":" + log.JobID)
	if s.state.AlreadyProcessed(key, log.Summary.LastUpdated) {
		skippedTotal.WithLabelValues("replay").Inc()
		return
	}

	att, err := s.buildUnsigned(log)
	if err != nil {
		skippedTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("skipping energy log",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return
	}

	reservation, err := s.nonces.Reserve(ctx, att.User)
	if err != nil {
		s.logger.Error("nonce reservation failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	if reservation == nil {
		skippedTotal.WithLabelValues("no_nonce").Inc()
		return
	}
	att.Nonce = reservation.Nonce

	signature, err := s.builder.Sign(att)
	if err != nil {
		s.nonces.Release(reservation)
		s.logger.Error("attestation signing failed", slog.String("key", key), slog.Any("error", err))
		return
	}

	ref, err := s.sendWithRetry(ctx, att, signature)
	if err != nil {
		s.nonces.Release(reservation)
		submissionsTotal.WithLabelValues("failure").Inc()
		s.logger.Error("attestation submission failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
		s.persistState(key)
		return
	}

	s.nonces.Confirm(reservation)
	s.state.MarkProcessed(key, log.Summary.LastUpdated)
	s.persistState(key)
	submissionsTotal.WithLabelValues("success").Inc()
	s.logger.Info("attestation submitted",
		slog.String("key", key),
		slog.String("nonce", att.Nonce.String()),
		slog.String("reference", ref),
	)
}

func (s *Submitter) buildUnsigned(log *models.EnergyLog) (*models.Attestation, error) {
	// Nonce is attached after reservation; the builder fills the rest.
	return s.builder.Build(log, nil)
}

// sendWithRetry makes the initial send plus up to maxRetries retries of
// retriable failures, backing off retryDelay, 2x, 4x between attempts.
func (s *Submitter) sendWithRetry(ctx context.Context, att *models.Attestation, signature []byte) (string, error) {
	var lastErr error
	delay := s.opts.RetryDelay
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		ref, err := s.sender.Send(ctx, att, signature)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if !apierrors.IsRetriable(err) {
			return "", err
		}
		if attempt == s.opts.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}

func (s *Submitter) persistState(key string) {
	if err := s.state.Save(); err != nil {
		s.logger.Error("state persist failed", slog.String("key", key), slog.Any("error", err))
	}
}
