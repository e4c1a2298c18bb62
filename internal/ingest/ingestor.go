// Package ingest consumes ledger logs into the culture graph.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/agoralabs/agora/internal/ledger"
	"github.com/agoralabs/agora/internal/models"
	"github.com/agoralabs/agora/internal/repository"
)

var (
	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_ingest_events_total",
			Help: "Total ledger events applied, by name",
		},
		[]string{"event"},
	)

	parseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_ingest_parse_failures_total",
		Help: "Total logs skipped due to parse failures",
	})

	backfillRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_ingest_backfill_runs_total",
		Help: "Total backfill passes",
	})
)

// Notifier is told when the graph changed so influence can be recomputed.
type Notifier interface {
	GraphChanged()
}

// Options configure the ingestor.
type Options struct {
	ArtifactAddress common.Address
	ArenaAddress    common.Address
	FinalityDepth   uint64
	BlockBatchSize  uint64
	TailRetryDelay  time.Duration
}

// Ingestor drives backfill and tail ingestion against one cursor. Backfill
// and tail may run concurrently; both funnel through the same repository
// and the cursor only moves forward outside of reorg purges.
type Ingestor struct {
	client   ledger.Client
	repo     repository.GraphRepository
	notifier Notifier
	opts     Options
	logger   *slog.Logger

	backfills singleflight.Group

	// Per-batch header timestamp cache; artifacts are only persisted with
	// hydrated timestamps.
	blockTimes map[uint64]time.Time
}

// New creates an ingestor.
func New(client ledger.Client, repo repository.GraphRepository, notifier Notifier, opts Options, logger *slog.Logger) *Ingestor {
	if opts.BlockBatchSize == 0 {
		opts.BlockBatchSize = 2000
	}
	if opts.TailRetryDelay == 0 {
		opts.TailRetryDelay = 5 * time.Second
	}
	return &Ingestor{
		client:     client,
		repo:       repo,
		notifier:   notifier,
		opts:       opts,
		logger:     logger,
		blockTimes: make(map[uint64]time.Time),
	}
}

func (i *Ingestor) filterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{i.opts.ArtifactAddress, i.opts.ArenaAddress},
		Topics: [][]common.Hash{{
			ledger.TopicArtifactMinted,
			ledger.TopicArtifactCited,
			ledger.TopicRoundFinalized,
		}},
		FromBlock: from,
		ToBlock:   to,
	}
}

// Backfill scans from the committed cursor to the finalized target.
// Concurrent calls coalesce onto a single in-flight pass.
func (i *Ingestor) Backfill(ctx context.Context, force bool) error {
	_, err, _ := i.backfills.Do("backfill", func() (interface{}, error) {
		return nil, i.backfill(ctx, force)
	})
	return err
}

func (i *Ingestor) backfill(ctx context.Context, force bool) error {
	backfillRuns.Inc()

	cursor, err := i.repo.ReadCursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	latest, err := i.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}

	var target uint64
	if latest > i.opts.FinalityDepth {
		target = latest - i.opts.FinalityDepth
	}

	var start uint64
	if cursor != nil {
		start = cursor.BlockNumber
		if i.opts.FinalityDepth > 0 || force {
			// Reorg recovery: rewind past anything that may not be final.
			base := uint64(0)
			if cursor.BlockNumber > i.opts.FinalityDepth {
				base = cursor.BlockNumber - i.opts.FinalityDepth
			}
			if err := i.repo.PurgeFromBlock(ctx, base); err != nil {
				return fmt.Errorf("purge from block %d: %w", base, err)
			}
			cursor = &models.EventCursor{BlockNumber: base, LogIndex: -1}
			start = base
		}
	}

	if start > target {
		return nil
	}

	i.logger.Info("backfill starting",
		slog.Uint64("from", start),
		slog.Uint64("to", target),
		slog.Bool("force", force),
	)

	for from := start; from <= target; from += i.opts.BlockBatchSize {
		to := from + i.opts.BlockBatchSize - 1
		if to > target {
			to = target
		}

		logs, err := i.client.FilterLogs(ctx, i.filterQuery(
			new(big.Int).SetUint64(from), new(big.Int).SetUint64(to),
		))
		if err != nil {
			return fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
		}

		sort.Slice(logs, func(a, b int) bool {
			if logs[a].BlockNumber != logs[b].BlockNumber {
				return logs[a].BlockNumber < logs[b].BlockNumber
			}
			return logs[a].Index < logs[b].Index
		})

		for idx := range logs {
			log := logs[idx]
			if cursor != nil && !force && !cursor.Before(log.BlockNumber, log.Index) {
				continue
			}
			applied, err := i.Apply(ctx, log)
			if err != nil {
				return err
			}
			if applied {
				cursor = &models.EventCursor{BlockNumber: log.BlockNumber, LogIndex: int64(log.Index)}
			}
		}
		i.blockTimes = make(map[uint64]time.Time)
	}

	i.logger.Info("backfill complete", slog.Uint64("target", target))
	return nil
}

// Apply decodes and persists one log with its cursor advance in a single
// store transaction. Parse failures are logged and skipped without moving
// the cursor; transport failures abort so the outer loop can retry.
func (i *Ingestor) Apply(ctx context.Context, log types.Log) (bool, error) {
	event, err := ledger.DecodeLog(log)
	if err != nil {
		parseFailures.Inc()
		i.logger.Warn("skipping unparseable log",
			slog.Uint64("block", log.BlockNumber),
			slog.Uint64("index", uint64(log.Index)),
			slog.Any("error", err),
		)
		return false, nil
	}

	cursor := models.EventCursor{BlockNumber: event.BlockNumber, LogIndex: int64(event.LogIndex)}

	switch {
	case event.Artifact != nil:
		ts, err := i.blockTimestamp(ctx, event.BlockNumber)
		if err != nil {
			return false, err
		}
		event.Artifact.Timestamp = ts
		if err := i.repo.ApplyArtifact(ctx, event.Artifact, cursor); err != nil {
			return false, fmt.Errorf("apply artifact %s: %w", event.Artifact.ID, err)
		}
		i.notifyChanged()

	case event.Citation != nil:
		if err := i.repo.ApplyCitation(ctx, event.Citation, cursor); err != nil {
			return false, fmt.Errorf("apply citation %s->%s: %w", event.Citation.FromID, event.Citation.ToID, err)
		}
		i.notifyChanged()

	case event.Finalization != nil:
		if err := i.repo.ApplyRoundFinalization(ctx, event.Finalization, cursor); err != nil {
			return false, fmt.Errorf("apply finalization %s: %w", event.Finalization.RoundID, err)
		}
	}

	eventsIngested.WithLabelValues(event.Name).Inc()
	return true, nil
}

func (i *Ingestor) notifyChanged() {
	if i.notifier != nil {
		i.notifier.GraphChanged()
	}
}

func (i *Ingestor) blockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	if ts, ok := i.blockTimes[number]; ok {
		return ts, nil
	}
	ts, err := i.client.BlockTimestamp(ctx, number)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d timestamp: %w", number, err)
	}
	i.blockTimes[number] = ts
	return ts, nil
}

// Run performs the startup backfill and then tails live logs until the
// context is cancelled. Subscription drops trigger a catch-up backfill.
func (i *Ingestor) Run(ctx context.Context) error {
	if err := i.Backfill(ctx, false); err != nil {
		return err
	}

	for {
		if err := i.tail(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.logger.Warn("tail subscription lost, catching up", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.opts.TailRetryDelay):
		}

		if err := i.Backfill(ctx, false); err != nil {
			i.logger.Warn("catch-up backfill failed", slog.Any("error", err))
		}
	}
}

func (i *Ingestor) tail(ctx context.Context) error {
	logs := make(chan types.Log, 64)
	sub, err := i.client.SubscribeFilterLogs(ctx, i.filterQuery(nil, nil), logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case log := <-logs:
			if _, err := i.Apply(ctx, log); err != nil {
				i.logger.Warn("tail apply failed",
					slog.Uint64("block", log.BlockNumber),
					slog.Any("error", err),
				)
			}
		}
	}
}
