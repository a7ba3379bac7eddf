// Package reconcile detects divergence between the local mirror and the
// chain and drives bounded re-syncs: discard local state above the
// diverging height, replay from the last confirmed-consistent height,
// back off exponentially, and degrade the auction once the attempt
// ceiling is exhausted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainbid/sealedauction/chain"
	"github.com/chainbid/sealedauction/config"
	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/mirror"
)

// AlertSink receives operator-visible alerts. The default sink only
// logs; deployments wire paging here.
type AlertSink interface {
	DegradedAuction(auctionID string, attempts int)
}

type logAlertSink struct {
	logger *slog.Logger
}

func (s *logAlertSink) DegradedAuction(auctionID string, attempts int) {
	s.logger.Error("ALERT: auction degraded after exhausted re-sync attempts",
		"auction_id", auctionID, "attempts", attempts)
}

// Supervisor owns re-sync jobs. It implements mirror.AnomalyReporter so
// the mirror can escalate ordering and protocol anomalies directly.
type Supervisor struct {
	mirror *mirror.Mirror
	client chain.Client
	cfg    *config.Service
	logger *slog.Logger
	alerts AlertSink

	mu   sync.Mutex
	jobs map[string]*resyncJob
	wg   sync.WaitGroup

	// baseCtx bounds all re-sync work; set by Start.
	baseCtx context.Context
}

type resyncJob struct {
	id         uuid.UUID
	fromHeight uint64
	cancel     context.CancelFunc
}

// NewSupervisor creates a supervisor over the mirror and chain client.
func NewSupervisor(m *mirror.Mirror, client chain.Client, cfg *config.Service, logger *slog.Logger) *Supervisor {
	l := logger.With("component", "reconcile")
	return &Supervisor{
		mirror:  m,
		client:  client,
		cfg:     cfg,
		logger:  l,
		alerts:  &logAlertSink{logger: l},
		jobs:    make(map[string]*resyncJob),
		baseCtx: context.Background(),
	}
}

// SetAlertSink replaces the default log-only alert sink.
func (s *Supervisor) SetAlertSink(a AlertSink) { s.alerts = a }

// Start binds re-sync work to ctx. Jobs scheduled after ctx is done are
// cancelled immediately.
func (s *Supervisor) Start(ctx context.Context) { s.baseCtx = ctx }

// Wait blocks until all in-flight re-sync jobs finish.
func (s *Supervisor) Wait() { s.wg.Wait() }

// OrderingAnomaly implements mirror.AnomalyReporter: a height/sequence
// inconsistency triggers a re-sync from the last consistent height.
func (s *Supervisor) OrderingAnomaly(auctionID string, resyncFrom uint64) {
	s.logger.Warn("ordering anomaly, scheduling re-sync",
		"auction_id", auctionID, "from_height", resyncFrom)
	s.Schedule(auctionID, resyncFrom)
}

// ProtocolAnomaly implements mirror.AnomalyReporter: bid events for
// terminal auctions are surfaced for investigation. They do not trigger
// replay by themselves; a stale local terminal status would also show up
// as an ordering anomaly.
func (s *Supervisor) ProtocolAnomaly(auctionID string, key core.EventKey, status core.AuctionStatus) {
	s.logger.Warn("protocol anomaly under investigation",
		"auction_id", auctionID, "event", key.String(), "status", status.String())
}

// SubmitHint accepts an external monitor's suspicion of divergence at
// suspectedHeight and schedules a re-sync from just below it.
func (s *Supervisor) SubmitHint(auctionID string, suspectedHeight uint64) {
	from := suspectedHeight
	if from > 0 {
		from--
	}
	s.logger.Info("reconciliation hint received",
		"auction_id", auctionID, "suspected_height", suspectedHeight)
	s.Schedule(auctionID, from)
}

// Schedule starts a re-sync job for the auction. A newer request for the
// same auction supersedes and cancels any job already in flight
// (last-request-wins), avoiding redundant replay work under repeated
// reorg detection.
func (s *Supervisor) Schedule(auctionID string, fromHeight uint64) {
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	job := &resyncJob{id: uuid.New(), fromHeight: fromHeight, cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.jobs[auctionID]; ok {
		prev.cancel()
	}
	s.jobs[auctionID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runJob(jobCtx, job, auctionID)
	}()
}

func (s *Supervisor) runJob(ctx context.Context, job *resyncJob, auctionID string) {
	defer s.finishJob(auctionID, job)

	maxAttempts := s.cfg.ResyncMaxAttempts(ctx)
	backoff := s.cfg.ResyncBackoffBase(ctx)

	logger := s.logger.With("auction_id", auctionID, "job_id", job.id.String())
	logger.Info("re-sync started", "from_height", job.fromHeight)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.resyncOnce(ctx, auctionID, job.fromHeight)
		if err == nil {
			logger.Info("re-sync complete", "attempts", attempt)
			return
		}
		if ctx.Err() != nil {
			// Superseded by a newer request or shutting down.
			logger.Info("re-sync cancelled", "attempts", attempt)
			return
		}
		logger.Warn("re-sync attempt failed", "attempt", attempt, "err", err)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			logger.Info("re-sync cancelled during backoff")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	// Attempt ceiling exhausted: degrade rather than serve stale data
	// as if it were consistent.
	s.mirror.MarkDegraded(auctionID)
	s.alerts.DegradedAuction(auctionID, maxAttempts)
}

func (s *Supervisor) finishJob(auctionID string, job *resyncJob) {
	s.mu.Lock()
	if cur, ok := s.jobs[auctionID]; ok && cur.id == job.id {
		delete(s.jobs, auctionID)
	}
	s.mu.Unlock()
}

// resyncOnce discards local state at or above fromHeight and re-applies
// the replayed event range.
func (s *Supervisor) resyncOnce(ctx context.Context, auctionID string, fromHeight uint64) error {
	tip, err := s.client.BlockTip(ctx)
	if err != nil {
		return fmt.Errorf("failed to query chain tip: %w", err)
	}
	if fromHeight > tip {
		// A divergence hint above the live tip is itself suspect; replay
		// from the tip instead of asking for blocks that do not exist.
		s.logger.Warn("re-sync target above chain tip, clamped",
			"auction_id", auctionID, "from_height", fromHeight, "tip", tip)
		fromHeight = tip
	}

	events, err := s.client.Replay(ctx, auctionID, fromHeight)
	if err != nil {
		return fmt.Errorf("failed to fetch replay: %w", err)
	}

	if err := s.mirror.Reset(ctx, auctionID, fromHeight); err != nil {
		return fmt.Errorf("failed to reset mirror state: %w", err)
	}

	for i := range events {
		if err := s.mirror.Apply(ctx, &events[i]); err != nil {
			// Format-level rejects in a replay are skips, same as on the
			// live stream; anything else aborts the attempt.
			var vErr *mirror.ValidationError
			if errors.As(err, &vErr) {
				s.logger.Warn("replayed event rejected at ingestion",
					"auction_id", auctionID, "event", events[i].EventKey.String(), "err", err)
				continue
			}
			return fmt.Errorf("failed to re-apply event %s: %w", events[i].EventKey, err)
		}
	}
	return nil
}

// InFlight reports whether a re-sync is currently running for the
// auction.
func (s *Supervisor) InFlight(auctionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[auctionID]
	return ok
}
