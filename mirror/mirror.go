// Package mirror transforms the ordered chain-event stream into
// authoritative local auction and bid records. Application is idempotent
// per (auction id, block height, sequence index), reveals are verified
// against stored commitments, and ordering anomalies are escalated to the
// reconciliation supervisor.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chainbid/sealedauction/chain"
	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/store"
	"github.com/chainbid/sealedauction/validation"
)

// Gate decides whether an event is admissible given the auction's current
// lifecycle phase. The lifecycle controller implements it; a nil gate
// admits everything.
type Gate interface {
	Admit(ctx context.Context, a *core.Auction, ev *core.ChainEvent) error
}

// AnomalyReporter receives escalations from event application. The
// reconciliation supervisor implements it.
type AnomalyReporter interface {
	// OrderingAnomaly asks for a bounded re-sync of the auction starting
	// at resyncFrom.
	OrderingAnomaly(auctionID string, resyncFrom uint64)

	// ProtocolAnomaly reports a bid-related event for a terminal auction.
	ProtocolAnomaly(auctionID string, key core.EventKey, status core.AuctionStatus)
}

// Sink observes successfully applied events. The lifecycle controller
// subscribes to learn about created auctions and on-chain confirmations.
type Sink interface {
	EventApplied(ev *core.ChainEvent)
}

// RevealPolicy decides whether a verified reveal participates in ranking.
// The bid stays a revealed historical record either way; an ineligible
// amount is only excluded from the top-2 index. With no policy attached
// the floor is the auction's start price.
type RevealPolicy interface {
	EligibleReveal(ctx context.Context, a *core.Auction, amount *big.Int) (ok bool, reason string)
}

// ExcludedReveal records a verified reveal kept out of ranking by policy,
// such as an amount below the start price.
type ExcludedReveal struct {
	Key    core.EventKey
	Bidder string
	Reason string
}

// RejectedReveal records a reveal that failed commitment verification.
// The bid stays unrevealed; the rejection is reported, not fatal.
type RejectedReveal struct {
	Key    core.EventKey
	Bidder string
	Reason string
	When   time.Time
}

// tipState is per-auction stream bookkeeping. It is a rebuildable cache,
// never the source of truth.
type tipState struct {
	height   uint64
	seq      uint32
	tipRef   uint64
	applied  map[appliedKey]struct{}
	rejected []RejectedReveal
	excluded []ExcludedReveal
	degraded bool
}

type appliedKey struct {
	height uint64
	seq    uint32
}

// Mirror applies chain events to local records.
type Mirror struct {
	records *store.Records
	ranking *core.RankingBook
	logger  *slog.Logger

	gate     Gate
	reporter AnomalyReporter
	sinks    []Sink
	policy   RevealPolicy

	mu   sync.Mutex
	tips map[string]*tipState

	ulidMu  sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a mirror over the record store. Gate, reporter and sinks
// are attached by the wiring code before the stream starts.
func New(records *store.Records, ranking *core.RankingBook, logger *slog.Logger) *Mirror {
	return &Mirror{
		records: records,
		ranking: ranking,
		logger:  logger.With("component", "mirror"),
		tips:    make(map[string]*tipState),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetGate attaches the lifecycle admission gate.
func (m *Mirror) SetGate(g Gate) { m.gate = g }

// SetAnomalyReporter attaches the reconciliation supervisor.
func (m *Mirror) SetAnomalyReporter(r AnomalyReporter) { m.reporter = r }

// AddSink subscribes an observer to applied events.
func (m *Mirror) AddSink(s Sink) { m.sinks = append(m.sinks, s) }

// SetRevealPolicy attaches the ranking-eligibility policy.
func (m *Mirror) SetRevealPolicy(p RevealPolicy) { m.policy = p }

// Ranking exposes the derived top-2 index.
func (m *Mirror) Ranking() *core.RankingBook { return m.ranking }

// Records exposes the underlying record store.
func (m *Mirror) Records() *store.Records { return m.records }

func (m *Mirror) newBidID() string {
	m.ulidMu.Lock()
	defer m.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

func (m *Mirror) tip(auctionID string) *tipState {
	t, ok := m.tips[auctionID]
	if !ok {
		t = &tipState{applied: make(map[appliedKey]struct{})}
		m.tips[auctionID] = t
	}
	return t
}

// Tip returns the locally recorded chain tip for an auction: the highest
// applied event height and the highest confirmed tip reference.
func (m *Mirror) Tip(auctionID string) (height, tipRef uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tip(auctionID)
	return t.height, t.tipRef
}

// Degraded reports whether the auction's mirror state is marked degraded.
func (m *Mirror) Degraded(auctionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip(auctionID).degraded
}

// MarkDegraded refuses further writes for the auction until cleared.
func (m *Mirror) MarkDegraded(auctionID string) {
	m.mu.Lock()
	m.tip(auctionID).degraded = true
	m.mu.Unlock()
	m.logger.Error("auction mirror state degraded", "auction_id", auctionID)
}

// ClearDegraded re-enables writes for the auction. Operator action only.
func (m *Mirror) ClearDegraded(auctionID string) {
	m.mu.Lock()
	m.tip(auctionID).degraded = false
	m.mu.Unlock()
}

// RejectedReveals returns the recorded failed reveals for an auction.
func (m *Mirror) RejectedReveals(auctionID string) []RejectedReveal {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tip(auctionID)
	out := make([]RejectedReveal, len(t.rejected))
	copy(out, t.rejected)
	return out
}

// ExcludedReveals returns reveals kept out of ranking by policy.
func (m *Mirror) ExcludedReveals(auctionID string) []ExcludedReveal {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tip(auctionID)
	out := make([]ExcludedReveal, len(t.excluded))
	copy(out, t.excluded)
	return out
}

func (m *Mirror) eligibleReveal(ctx context.Context, a *core.Auction, amount *big.Int) (bool, string) {
	if m.policy != nil {
		return m.policy.EligibleReveal(ctx, a, amount)
	}
	if a.StartPrice != nil && amount.Cmp(a.StartPrice) < 0 {
		return false, "below start price"
	}
	return true, ""
}

// Apply folds one chain event into local state.
//
// Re-applying an already-applied event is a no-op, not an error, to
// tolerate at-least-once delivery. Failures are scoped to the single
// auction: the caller logs typed errors and keeps consuming the stream.
func (m *Mirror) Apply(ctx context.Context, ev *core.ChainEvent) error {
	if err := validation.Event(ev); err != nil {
		return &ValidationError{Key: ev.EventKey, Err: err}
	}

	// Reveal verification is pure hashing; run it before any lock is
	// taken and only carry the verdict into the serialized section.
	revealVerdict := false
	if ev.Type == core.EventBidRevealed {
		revealVerdict = m.precomputeRevealVerdict(ctx, ev)
	}

	m.mu.Lock()
	t := m.tip(ev.AuctionID)
	if t.degraded {
		m.mu.Unlock()
		return &DegradedError{AuctionID: ev.AuctionID}
	}
	if _, done := t.applied[appliedKey{ev.BlockHeight, ev.SeqIndex}]; done {
		m.mu.Unlock()
		m.logger.Debug("event replay ignored", "event", ev.EventKey.String())
		return nil
	}
	if t.tipRef > 0 && ev.BlockHeight < t.tipRef {
		resyncFrom := t.tipRef - 1
		m.mu.Unlock()
		if m.reporter != nil {
			m.reporter.OrderingAnomaly(ev.AuctionID, resyncFrom)
		}
		return &OrderingAnomalyError{Key: ev.EventKey, TipRef: t.tipRef, ResyncFrom: resyncFrom}
	}
	m.mu.Unlock()

	release, err := m.records.Acquire(ctx, ev.AuctionID)
	if err != nil {
		return err
	}
	defer release()

	if err := m.applyLocked(ctx, ev, revealVerdict); err != nil {
		return err
	}

	m.mu.Lock()
	t = m.tip(ev.AuctionID)
	t.applied[appliedKey{ev.BlockHeight, ev.SeqIndex}] = struct{}{}
	if ev.BlockHeight > t.height || (ev.BlockHeight == t.height && ev.SeqIndex > t.seq) {
		t.height = ev.BlockHeight
		t.seq = ev.SeqIndex
	}
	if ev.TipRef > t.tipRef {
		t.tipRef = ev.TipRef
	}
	m.mu.Unlock()

	for _, s := range m.sinks {
		s.EventApplied(ev)
	}
	return nil
}

// precomputeRevealVerdict verifies the reveal against the stored
// commitment without holding the auction lock. The bid record is re-read
// under the lock in applyLocked; the commitment is immutable once
// recorded, so the verdict cannot go stale.
func (m *Mirror) precomputeRevealVerdict(ctx context.Context, ev *core.ChainEvent) bool {
	bid, err := m.records.GetBid(ctx, ev.AuctionID, ev.Revealed.Bidder)
	if err != nil {
		return false
	}
	return core.VerifySeal(bid.SealedBid, ev.Revealed.Amount, ev.Revealed.Bidder, ev.Revealed.Nonce)
}

func (m *Mirror) applyLocked(ctx context.Context, ev *core.ChainEvent, revealVerdict bool) error {
	switch ev.Type {
	case core.EventAuctionCreated:
		return m.applyCreated(ctx, ev)
	case core.EventBidSealed:
		return m.applySealed(ctx, ev)
	case core.EventBidRevealed:
		return m.applyRevealed(ctx, ev, revealVerdict)
	case core.EventAuctionSettled:
		return m.applySettledConfirmation(ctx, ev)
	case core.EventAuctionFailed:
		return m.applyFailedConfirmation(ctx, ev)
	}
	return nil
}

func (m *Mirror) applyCreated(ctx context.Context, ev *core.ChainEvent) error {
	if _, err := m.records.GetAuction(ctx, ev.AuctionID); err == nil {
		// Listing already mirrored; at-least-once delivery.
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	p := ev.Created
	a := &core.Auction{
		ID:            ev.AuctionID,
		Name:          p.Name,
		Category:      p.Category,
		ImageLink:     p.ImageLink,
		DescLink:      p.DescLink,
		StartTime:     p.StartTime,
		EndTime:       p.EndTime,
		StartPrice:    p.StartPrice,
		Status:        core.StatusOpen,
		ItemCondition: p.ItemCondition,
		Seller:        p.Seller,
		CreateTime:    now,
		UpdateTime:    now,
	}
	if err := m.records.PutAuction(ctx, a); err != nil {
		return err
	}
	m.logger.Info("auction mirrored from chain", "auction_id", a.ID, "seller", a.Seller,
		"start_price", core.FormatWei(a.StartPrice))
	return nil
}

func (m *Mirror) loadOpenAuction(ctx context.Context, ev *core.ChainEvent) (*core.Auction, error) {
	a, err := m.records.GetAuction(ctx, ev.AuctionID)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		if m.reporter != nil {
			m.reporter.ProtocolAnomaly(ev.AuctionID, ev.EventKey, a.Status)
		}
		return nil, &ProtocolAnomalyError{Key: ev.EventKey, Status: a.Status}
	}
	if m.gate != nil {
		if err := m.gate.Admit(ctx, a, ev); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (m *Mirror) applySealed(ctx context.Context, ev *core.ChainEvent) error {
	a, err := m.loadOpenAuction(ctx, ev)
	if err != nil {
		return err
	}

	p := ev.Sealed
	if existing, err := m.records.GetBid(ctx, ev.AuctionID, p.Bidder); err == nil {
		// The commitment is immutable once recorded; a replayed seal for
		// the same bidder must not overwrite it.
		if existing.SealedBid != p.Commitment {
			m.logger.Warn("conflicting seal for bidder ignored",
				"auction_id", ev.AuctionID, "bidder", p.Bidder)
		}
		// A bid record can exist while the count write from the same event
		// failed mid-apply; the retry lands here, so repair the count from
		// the bid records instead of trusting it.
		return m.reconcileBidCount(ctx, a)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	bid := &core.Bid{
		ID:          m.newBidID(),
		AuctionID:   ev.AuctionID,
		Bidder:      p.Bidder,
		SealedBid:   p.Commitment,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockHeight,
		CreateTime:  now,
		UpdateTime:  now,
	}
	if err := m.records.PutBid(ctx, bid); err != nil {
		return err
	}

	a.TotalBids++
	a.UpdateTime = now
	if err := m.records.PutAuction(ctx, a); err != nil {
		return err
	}
	m.logger.Info("sealed bid mirrored", "auction_id", ev.AuctionID, "bidder", p.Bidder,
		"total_bids", a.TotalBids)
	return nil
}

func (m *Mirror) reconcileBidCount(ctx context.Context, a *core.Auction) error {
	bids, err := m.records.ListBids(ctx, a.ID)
	if err != nil {
		return err
	}
	if a.TotalBids >= len(bids) {
		return nil
	}
	a.TotalBids = len(bids)
	a.UpdateTime = time.Now().UTC()
	if err := m.records.PutAuction(ctx, a); err != nil {
		return err
	}
	m.logger.Warn("bid count repaired from bid records",
		"auction_id", a.ID, "total_bids", a.TotalBids)
	return nil
}

func (m *Mirror) applyRevealed(ctx context.Context, ev *core.ChainEvent, verdict bool) error {
	a, err := m.loadOpenAuction(ctx, ev)
	if err != nil {
		return err
	}

	p := ev.Revealed
	reject := func(reason string) {
		m.mu.Lock()
		t := m.tip(ev.AuctionID)
		t.rejected = append(t.rejected, RejectedReveal{
			Key:    ev.EventKey,
			Bidder: p.Bidder,
			Reason: reason,
			When:   time.Now().UTC(),
		})
		m.mu.Unlock()
		m.logger.Warn("reveal rejected", "auction_id", ev.AuctionID, "bidder", p.Bidder, "reason", reason)
	}

	bid, err := m.records.GetBid(ctx, ev.AuctionID, p.Bidder)
	if errors.Is(err, store.ErrNotFound) {
		reject("no sealed bid for bidder")
		return nil
	}
	if err != nil {
		return err
	}
	if bid.Revealed {
		// Amount may be set at most once; a replayed reveal is a no-op.
		return nil
	}
	if !verdict {
		reject("commitment verification failed")
		return nil
	}

	now := time.Now().UTC()
	bid.Amount = new(big.Int).Set(p.Amount)
	bid.Revealed = true
	bid.RevealTime = now
	bid.RevealBlock = ev.BlockHeight
	bid.UpdateTime = now
	if err := m.records.PutBid(ctx, bid); err != nil {
		return err
	}

	if ok, reason := m.eligibleReveal(ctx, a, p.Amount); !ok {
		m.mu.Lock()
		t := m.tip(ev.AuctionID)
		t.excluded = append(t.excluded, ExcludedReveal{Key: ev.EventKey, Bidder: p.Bidder, Reason: reason})
		m.mu.Unlock()
		m.logger.Info("reveal excluded from ranking", "auction_id", ev.AuctionID,
			"bidder", p.Bidder, "reason", reason)
	} else {
		m.ranking.ApplyReveal(ev.AuctionID, p.Bidder, p.Amount)
	}

	a.UpdateTime = now
	if err := m.records.PutAuction(ctx, a); err != nil {
		return err
	}
	m.logger.Info("bid revealed", "auction_id", ev.AuctionID, "bidder", p.Bidder,
		"amount", core.FormatWei(p.Amount))
	return nil
}

// applySettledConfirmation records the on-chain settlement reference.
// Confirmation of an already locally settled auction completes the
// tentative settlement; confirmation ahead of the local sweep adopts the
// chain's outcome directly, since the chain is authoritative.
func (m *Mirror) applySettledConfirmation(ctx context.Context, ev *core.ChainEvent) error {
	a, err := m.records.GetAuction(ctx, ev.AuctionID)
	if err != nil {
		return err
	}
	if a.Status == core.StatusFailed {
		if m.reporter != nil {
			m.reporter.ProtocolAnomaly(ev.AuctionID, ev.EventKey, a.Status)
		}
		return &ProtocolAnomalyError{Key: ev.EventKey, Status: a.Status}
	}

	now := time.Now().UTC()
	if a.Status != core.StatusSettled {
		a.Status = core.StatusSettled
		a.HighestBidder = ev.Settled.Winner
		if a.HighestBid == nil {
			a.HighestBid = ev.Settled.Amount
		}
	}
	a.TxHash = ev.TxHash
	a.BlockNumber = ev.BlockHeight
	a.UpdateTime = now
	if err := m.records.PutAuction(ctx, a); err != nil {
		return err
	}
	m.logger.Info("settlement confirmed on chain", "auction_id", ev.AuctionID,
		"winner", ev.Settled.Winner, "tx_hash", ev.TxHash)
	return nil
}

func (m *Mirror) applyFailedConfirmation(ctx context.Context, ev *core.ChainEvent) error {
	a, err := m.records.GetAuction(ctx, ev.AuctionID)
	if err != nil {
		return err
	}
	if a.Status == core.StatusSettled {
		if m.reporter != nil {
			m.reporter.ProtocolAnomaly(ev.AuctionID, ev.EventKey, a.Status)
		}
		return &ProtocolAnomalyError{Key: ev.EventKey, Status: a.Status}
	}

	now := time.Now().UTC()
	a.Status = core.StatusFailed
	a.TxHash = ev.TxHash
	a.BlockNumber = ev.BlockHeight
	a.UpdateTime = now
	if err := m.records.PutAuction(ctx, a); err != nil {
		return err
	}
	m.logger.Info("auction failure confirmed on chain", "auction_id", ev.AuctionID)
	return nil
}

// Reset discards mirror state derived from events at or above fromHeight
// so a replay can rebuild it. Revealed bids from discarded heights revert
// to unrevealed; a terminal status recorded at or above fromHeight
// reopens. The ranking index is rebuilt from the surviving reveals.
func (m *Mirror) Reset(ctx context.Context, auctionID string, fromHeight uint64) error {
	release, err := m.records.Acquire(ctx, auctionID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	t := m.tip(auctionID)
	for k := range t.applied {
		if k.height >= fromHeight {
			delete(t.applied, k)
		}
	}
	if t.height >= fromHeight {
		t.height = 0
		t.seq = 0
		for k := range t.applied {
			if k.height > t.height || (k.height == t.height && k.seq > t.seq) {
				t.height = k.height
				t.seq = k.seq
			}
		}
	}
	if t.tipRef >= fromHeight {
		t.tipRef = 0
	}
	// The degraded marker and the anomaly records refer to state this
	// reset discards; the replay rebuilds them from the canonical chain.
	t.degraded = false
	t.rejected = nil
	t.excluded = nil
	m.mu.Unlock()

	m.ranking.Reset(auctionID)

	a, err := m.records.GetAuction(ctx, auctionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	bids, err2 := m.records.ListBids(ctx, auctionID)
	if err2 != nil {
		return err2
	}
	now := time.Now().UTC()
	for i := range bids {
		b := &bids[i]
		if b.Revealed && b.RevealBlock >= fromHeight {
			b.Revealed = false
			b.Amount = nil
			b.RevealTime = time.Time{}
			b.RevealBlock = 0
			b.UpdateTime = now
			if err := m.records.PutBid(ctx, b); err != nil {
				return err
			}
			continue
		}
		if b.Revealed && a != nil {
			if ok, reason := m.eligibleReveal(ctx, a, b.Amount); ok {
				m.ranking.ApplyReveal(auctionID, b.Bidder, b.Amount)
			} else {
				// Surviving reveals are not re-delivered by the replay, so
				// their exclusion is re-recorded here.
				m.mu.Lock()
				t := m.tip(auctionID)
				t.excluded = append(t.excluded, ExcludedReveal{
					Key:    core.EventKey{AuctionID: auctionID, BlockHeight: b.RevealBlock},
					Bidder: b.Bidder,
					Reason: reason,
				})
				m.mu.Unlock()
			}
		}
	}

	if a == nil {
		return nil
	}
	if a.Terminal() && a.BlockNumber >= fromHeight {
		a.Status = core.StatusOpen
		a.TxHash = ""
		a.BlockNumber = 0
		a.UpdateTime = now
		if err := m.records.PutAuction(ctx, a); err != nil {
			return err
		}
	}
	m.logger.Info("mirror state reset for replay", "auction_id", auctionID, "from_height", fromHeight)
	return nil
}

// Run consumes the live chain stream until ctx is done. No auction lock
// is held while blocked on the source. Per-event failures are logged and
// the stream continues; only a dead stream ends the loop.
func (m *Mirror) Run(ctx context.Context, client chain.Client) error {
	events, err := client.Events(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.Apply(ctx, &ev); err != nil {
				m.logApplyError(&ev, err)
			}
		}
	}
}

func (m *Mirror) logApplyError(ev *core.ChainEvent, err error) {
	var (
		vErr *ValidationError
		oErr *OrderingAnomalyError
		pErr *ProtocolAnomalyError
		dErr *DegradedError
	)
	switch {
	case errors.As(err, &vErr):
		m.logger.Warn("event rejected at ingestion", "event", ev.EventKey.String(), "err", err)
	case errors.As(err, &oErr):
		m.logger.Warn("ordering anomaly escalated", "event", ev.EventKey.String(),
			"resync_from", oErr.ResyncFrom)
	case errors.As(err, &pErr):
		m.logger.Warn("protocol anomaly reported", "event", ev.EventKey.String(),
			"status", pErr.Status.String())
	case errors.As(err, &dErr):
		m.logger.Warn("write refused for degraded auction", "event", ev.EventKey.String())
	default:
		m.logger.Error("event application failed", "event", ev.EventKey.String(), "err", err)
	}
}
