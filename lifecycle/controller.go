// Package lifecycle drives auctions through their phases:
// Pending → Open → Reveal → Settled, with Failed reachable from Open
// (zero sealed bids by close) and from Reveal (zero successful reveals).
//
// Time-driven transitions come from a periodic wall-clock sweep, not from
// per-auction timers, so arbitrarily delayed event delivery never makes
// the controller miss a deadline.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/chainbid/sealedauction/config"
	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/store"
)

// Phase is the runtime lifecycle phase of an auction. Settled and Failed
// map onto the durable statuses; Pending, Open and Reveal exist only
// here.
type Phase int

const (
	PhasePending Phase = iota
	PhaseOpen
	PhaseReveal
	PhaseSettled
	PhaseFailed
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseOpen:
		return "open"
	case PhaseReveal:
		return "reveal"
	case PhaseSettled:
		return "settled"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PhaseError rejects an event that is inadmissible in the auction's
// current phase, such as a seal arriving during reveal.
type PhaseError struct {
	Key   core.EventKey
	Phase Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("event %s not admissible in phase %s", e.Key, e.Phase)
}

// ReceiptEmitter produces a verifiable settlement receipt at
// finalization. Emission failures are logged, never block settlement.
type ReceiptEmitter interface {
	EmitSettlement(ctx context.Context, a *core.Auction, price *big.Int) error
}

// Controller owns phase transitions and Vickrey finalization.
type Controller struct {
	records *store.Records
	ranking *core.RankingBook
	cfg     *config.Service
	logger  *slog.Logger
	emitter ReceiptEmitter

	// clock is injectable for deterministic sweep tests.
	clock func() time.Time

	mu     sync.Mutex
	phases map[string]Phase
}

// NewController creates a lifecycle controller.
func NewController(records *store.Records, ranking *core.RankingBook, cfg *config.Service, logger *slog.Logger) *Controller {
	return &Controller{
		records: records,
		ranking: ranking,
		cfg:     cfg,
		logger:  logger.With("component", "lifecycle"),
		clock:   time.Now,
		phases:  make(map[string]Phase),
	}
}

// SetReceiptEmitter attaches the settlement receipt signer.
func (c *Controller) SetReceiptEmitter(e ReceiptEmitter) { c.emitter = e }

// SetClock overrides the wall clock. Only used in tests.
func (c *Controller) SetClock(clock func() time.Time) { c.clock = clock }

// phaseOf derives the current phase of an auction from its scheduling
// window. A finished reveal window still reports Reveal until the sweep
// finalizes it.
func (c *Controller) phaseOf(a *core.Auction, now time.Time) Phase {
	switch a.Status {
	case core.StatusSettled:
		return PhaseSettled
	case core.StatusFailed:
		return PhaseFailed
	}
	switch {
	case now.Before(a.StartTime):
		return PhasePending
	case now.Before(a.EndTime):
		return PhaseOpen
	default:
		return PhaseReveal
	}
}

// Phase reports the auction's current phase.
func (c *Controller) Phase(ctx context.Context, auctionID string) (Phase, error) {
	a, err := c.records.GetAuction(ctx, auctionID)
	if err != nil {
		return 0, err
	}
	return c.phaseOf(a, c.clock()), nil
}

// Admit gates bid events by phase: seals only while Open, reveals only
// during the reveal window. The mirror already filtered terminal
// auctions.
func (c *Controller) Admit(ctx context.Context, a *core.Auction, ev *core.ChainEvent) error {
	now := c.clock()
	revealWindow := c.cfg.RevealWindow(ctx)
	phase := c.phaseOf(a, now)

	switch ev.Type {
	case core.EventBidSealed:
		if phase != PhaseOpen {
			return &PhaseError{Key: ev.EventKey, Phase: phase}
		}
	case core.EventBidRevealed:
		if phase != PhaseReveal {
			return &PhaseError{Key: ev.EventKey, Phase: phase}
		}
		if now.After(a.EndTime.Add(revealWindow)) {
			return &PhaseError{Key: ev.EventKey, Phase: phase}
		}
	}
	return nil
}

// EventApplied tracks phase-relevant deltas from the mirror.
func (c *Controller) EventApplied(ev *core.ChainEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case core.EventAuctionCreated:
		if _, ok := c.phases[ev.AuctionID]; !ok {
			c.phases[ev.AuctionID] = PhasePending
		}
	case core.EventAuctionSettled:
		c.phases[ev.AuctionID] = PhaseSettled
	case core.EventAuctionFailed:
		c.phases[ev.AuctionID] = PhaseFailed
	}
}

// Sweep checks every non-terminal auction against the wall clock and
// performs due transitions. Failures are collected per auction; one
// broken auction never stops the others.
func (c *Controller) Sweep(ctx context.Context) error {
	auctions, err := c.records.ListAuctions(ctx)
	if err != nil {
		return err
	}
	revealWindow := c.cfg.RevealWindow(ctx)

	var merr *multierror.Error
	for i := range auctions {
		if auctions[i].Terminal() {
			continue
		}
		if err := c.sweepAuction(ctx, auctions[i].ID, revealWindow); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("auction %s: %w", auctions[i].ID, err))
		}
	}
	return merr.ErrorOrNil()
}

func (c *Controller) sweepAuction(ctx context.Context, auctionID string, revealWindow time.Duration) error {
	release, err := c.records.Acquire(ctx, auctionID)
	if err != nil {
		return err
	}
	defer release()

	// Reload under the lock; the mirror may have applied events since
	// the scan.
	a, err := c.records.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	if a.Terminal() {
		return nil
	}

	now := c.clock()
	switch {
	case now.Before(a.StartTime):
		c.notePhase(a.ID, PhasePending)
	case now.Before(a.EndTime):
		c.notePhase(a.ID, PhaseOpen)
	case a.TotalBids == 0:
		// Bidding window closed with zero sealed bids.
		return c.fail(ctx, a, now, "no sealed bids by close")
	case now.Before(a.EndTime.Add(revealWindow)):
		c.notePhase(a.ID, PhaseReveal)
	default:
		return c.finalize(ctx, a, now)
	}
	return nil
}

func (c *Controller) notePhase(auctionID string, phase Phase) {
	c.mu.Lock()
	prev, ok := c.phases[auctionID]
	c.phases[auctionID] = phase
	c.mu.Unlock()
	if !ok || prev != phase {
		c.logger.Info("auction phase transition", "auction_id", auctionID, "phase", phase.String())
	}
}

// finalize closes the reveal window: Vickrey settlement when at least one
// bid was successfully revealed, failure otherwise.
func (c *Controller) finalize(ctx context.Context, a *core.Auction, now time.Time) error {
	highest, second := c.ranking.Top(a.ID)
	if highest == nil {
		return c.fail(ctx, a, now, "no successful reveals by end of reveal window")
	}

	// Winner pays the second-highest revealed amount; a sole bidder pays
	// their own bid, never zero.
	price := highest.Amount
	if second != nil {
		price = second.Amount
		a.SecondHighestBid = second.Amount
	}

	a.Status = core.StatusSettled
	a.HighestBidder = highest.Bidder
	a.HighestBid = highest.Amount
	a.UpdateTime = now.UTC()
	if err := c.records.PutAuction(ctx, a); err != nil {
		return err
	}
	c.notePhase(a.ID, PhaseSettled)
	c.logger.Info("auction tentatively settled, awaiting on-chain confirmation",
		"auction_id", a.ID,
		"winner", a.HighestBidder,
		"highest_bid", core.FormatWei(a.HighestBid),
		"settlement_price", core.FormatWei(price))

	if c.emitter != nil {
		if err := c.emitter.EmitSettlement(ctx, a, price); err != nil {
			c.logger.Error("settlement receipt emission failed", "auction_id", a.ID, "err", err)
		}
	}
	return nil
}

func (c *Controller) fail(ctx context.Context, a *core.Auction, now time.Time, reason string) error {
	a.Status = core.StatusFailed
	a.UpdateTime = now.UTC()
	if err := c.records.PutAuction(ctx, a); err != nil {
		return err
	}
	c.notePhase(a.ID, PhaseFailed)
	c.logger.Info("auction failed", "auction_id", a.ID, "reason", reason)
	return nil
}

// Run drives the sweep on the configured interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval(ctx))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Error("sweep completed with errors", "err", err)
			}
		}
	}
}
