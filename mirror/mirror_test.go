package mirror

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/obs"
	"github.com/chainbid/sealedauction/store"
)

const (
	seller  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bidderX = "0x1111111111111111111111111111111111111111"
	bidderY = "0x2222222222222222222222222222222222222222"
	bidderZ = "0x3333333333333333333333333333333333333333"
	txHash  = "0xab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"
)

type recordingReporter struct {
	mu       sync.Mutex
	ordering []uint64
	protocol []core.EventKey
}

func (r *recordingReporter) OrderingAnomaly(_ string, resyncFrom uint64) {
	r.mu.Lock()
	r.ordering = append(r.ordering, resyncFrom)
	r.mu.Unlock()
}

func (r *recordingReporter) ProtocolAnomaly(_ string, key core.EventKey, _ core.AuctionStatus) {
	r.mu.Lock()
	r.protocol = append(r.protocol, key)
	r.mu.Unlock()
}

func newTestMirror(t *testing.T) (*Mirror, *store.Records, *recordingReporter) {
	t.Helper()
	records := store.NewRecords(store.NewMemKV())
	m := New(records, core.NewRankingBook(), obs.Discard())
	reporter := &recordingReporter{}
	m.SetAnomalyReporter(reporter)
	return m, records, reporter
}

func createdEvent(auctionID string, height uint64, seq uint32) *core.ChainEvent {
	now := time.Unix(1700000000, 0).UTC()
	return &core.ChainEvent{
		Type:     core.EventAuctionCreated,
		EventKey: core.EventKey{AuctionID: auctionID, BlockHeight: height, SeqIndex: seq},
		TxHash:   txHash,
		Created: &core.AuctionCreatedPayload{
			Name:       "painting",
			Category:   "art",
			StartTime:  now,
			EndTime:    now.Add(time.Hour),
			StartPrice: big.NewInt(100),
			Seller:     seller,
		},
	}
}

func sealedEvent(auctionID, bidder string, amount int64, nonce string, height uint64, seq uint32) *core.ChainEvent {
	return &core.ChainEvent{
		Type:     core.EventBidSealed,
		EventKey: core.EventKey{AuctionID: auctionID, BlockHeight: height, SeqIndex: seq},
		TxHash:   txHash,
		Sealed: &core.BidSealedPayload{
			Bidder:     bidder,
			Commitment: core.SealBid(big.NewInt(amount), bidder, nonce),
		},
	}
}

func revealedEvent(auctionID, bidder string, amount int64, nonce string, height uint64, seq uint32) *core.ChainEvent {
	return &core.ChainEvent{
		Type:     core.EventBidRevealed,
		EventKey: core.EventKey{AuctionID: auctionID, BlockHeight: height, SeqIndex: seq},
		TxHash:   txHash,
		Revealed: &core.BidRevealedPayload{
			Bidder: bidder,
			Amount: big.NewInt(amount),
			Nonce:  nonce,
		},
	}
}

func TestApply_CreateSealReveal(t *testing.T) {
	ctx := context.Background()
	m, records, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderX, 500, "nx", 11, 0)))
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderX, 500, "nx", 12, 0)))

	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 1, a.TotalBids)
	check.Equal(t, core.StatusOpen, a.Status)

	bid, err := records.GetBid(ctx, "a1", bidderX)
	assert.NoError(t, err)
	check.True(t, bid.Revealed)
	check.Equal(t, "500", bid.Amount.String())
	check.NotEqual(t, "", bid.ID)

	highest, second := m.Ranking().Top("a1")
	check.Equal(t, bidderX, highest.Bidder)
	check.Nil(t, second)
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, records, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	seal := sealedEvent("a1", bidderX, 500, "nx", 11, 0)
	assert.NoError(t, m.Apply(ctx, seal))
	// Same (auction id, height, seq) again: no-op, not an error.
	assert.NoError(t, m.Apply(ctx, seal))

	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 1, a.TotalBids)
}

func TestApply_FailedVerificationRecordedNotFatal(t *testing.T) {
	ctx := context.Background()
	m, records, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderX, 500, "nx", 11, 0)))

	// Wrong amount: commitment does not verify.
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderX, 501, "nx", 12, 0)))

	bid, err := records.GetBid(ctx, "a1", bidderX)
	assert.NoError(t, err)
	check.False(t, bid.Revealed)
	check.Nil(t, bid.Amount)

	rejected := m.RejectedReveals("a1")
	check.Equal(t, 1, len(rejected))
	check.Equal(t, bidderX, rejected[0].Bidder)
	check.False(t, m.Ranking().HasReveals("a1"))
}

func TestApply_RevealWithoutSealRejected(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderY, 300, "ny", 11, 0)))

	rejected := m.RejectedReveals("a1")
	check.Equal(t, 1, len(rejected))
	check.Equal(t, "no sealed bid for bidder", rejected[0].Reason)
}

func TestApply_ValidationErrorSkipsEvent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMirror(t)

	ev := sealedEvent("a1", "not-an-address", 500, "nx", 11, 0)
	err := m.Apply(ctx, ev)
	var vErr *ValidationError
	check.True(t, errors.As(err, &vErr))
}

func TestApply_OrderingAnomalyTriggersResync(t *testing.T) {
	ctx := context.Background()
	m, _, reporter := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))

	// Height 150 confirms 140 as tip reference.
	seal := sealedEvent("a1", bidderX, 500, "nx", 150, 0)
	seal.TipRef = 140
	assert.NoError(t, m.Apply(ctx, seal))

	// A later event for height 120 is inconsistent with the confirmed
	// tip: escalate and request replay from 139.
	late := sealedEvent("a1", bidderY, 300, "ny", 120, 0)
	err := m.Apply(ctx, late)

	var oErr *OrderingAnomalyError
	check.True(t, errors.As(err, &oErr))
	check.Equal(t, uint64(139), oErr.ResyncFrom)
	check.Equal(t, []uint64{139}, reporter.ordering)
}

func TestApply_TerminalAuctionRejectsBidEvents(t *testing.T) {
	ctx := context.Background()
	m, records, reporter := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))

	failed := &core.ChainEvent{
		Type:     core.EventAuctionFailed,
		EventKey: core.EventKey{AuctionID: "a1", BlockHeight: 20, SeqIndex: 0},
		TxHash:   txHash,
		Failed:   &core.AuctionFailedPayload{},
	}
	assert.NoError(t, m.Apply(ctx, failed))

	err := m.Apply(ctx, sealedEvent("a1", bidderX, 500, "nx", 21, 0))
	var pErr *ProtocolAnomalyError
	check.True(t, errors.As(err, &pErr))
	check.Equal(t, 1, len(reporter.protocol))

	// State unchanged.
	a, err2 := records.GetAuction(ctx, "a1")
	assert.NoError(t, err2)
	check.Equal(t, core.StatusFailed, a.Status)
	check.Equal(t, 0, a.TotalBids)
}

func TestApply_DegradedRefusesWrites(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	m.MarkDegraded("a1")

	err := m.Apply(ctx, sealedEvent("a1", bidderX, 500, "nx", 11, 0))
	var dErr *DegradedError
	check.True(t, errors.As(err, &dErr))

	m.ClearDegraded("a1")
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderX, 500, "nx", 11, 0)))
}

func TestApply_SettledConfirmationCompletesTentativeSettlement(t *testing.T) {
	ctx := context.Background()
	m, records, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderX, 500, "nx", 11, 0)))
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderX, 500, "nx", 12, 0)))

	// Local settlement happens first (normally via the lifecycle sweep).
	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	a.Status = core.StatusSettled
	a.HighestBidder = bidderX
	a.HighestBid = big.NewInt(500)
	assert.NoError(t, records.PutAuction(ctx, a))
	check.True(t, a.TentativelySettled())

	settled := &core.ChainEvent{
		Type:     core.EventAuctionSettled,
		EventKey: core.EventKey{AuctionID: "a1", BlockHeight: 30, SeqIndex: 0},
		TxHash:   txHash,
		Settled:  &core.AuctionSettledPayload{Winner: bidderX, Amount: big.NewInt(500)},
	}
	assert.NoError(t, m.Apply(ctx, settled))

	a, err = records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, core.StatusSettled, a.Status)
	check.Equal(t, txHash, a.TxHash)
	check.Equal(t, uint64(30), a.BlockNumber)
	check.False(t, a.TentativelySettled())
}

func TestApply_ReplayOrderToleranceForReveals(t *testing.T) {
	ctx := context.Background()

	type reveal struct {
		bidder string
		amount int64
		nonce  string
	}
	reveals := []reveal{
		{bidderX, 500, "nx"},
		{bidderY, 300, "ny"},
		{bidderZ, 430, "nz"},
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}

	for _, order := range orders {
		m, _, _ := newTestMirror(t)
		assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
		for i, r := range reveals {
			assert.NoError(t, m.Apply(ctx, sealedEvent("a1", r.bidder, r.amount, r.nonce, 11, uint32(i))))
		}
		for i, idx := range order {
			r := reveals[idx]
			assert.NoError(t, m.Apply(ctx, revealedEvent("a1", r.bidder, r.amount, r.nonce, 12, uint32(i))))
		}
		highest, second := m.Ranking().Top("a1")
		check.Equal(t, bidderX, highest.Bidder)
		check.Equal(t, "500", highest.Amount.String())
		check.Equal(t, bidderZ, second.Bidder)
		check.Equal(t, "430", second.Amount.String())
	}
}

// flakyKV fails the next Put against keys with the given prefix, to
// simulate a transient store error between the two writes of one event.
type flakyKV struct {
	store.KV
	mu       sync.Mutex
	failPuts int
	prefix   string
}

func (f *flakyKV) failNextPut(prefix string) {
	f.mu.Lock()
	f.failPuts++
	f.prefix = prefix
	f.mu.Unlock()
}

func (f *flakyKV) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	if f.failPuts > 0 && strings.HasPrefix(key, f.prefix) {
		f.failPuts--
		f.mu.Unlock()
		return errors.New("transient store failure")
	}
	f.mu.Unlock()
	return f.KV.Put(ctx, key, value)
}

func TestApply_SealRetryRepairsBidCount(t *testing.T) {
	ctx := context.Background()
	kv := &flakyKV{KV: store.NewMemKV()}
	records := store.NewRecords(kv)
	m := New(records, core.NewRankingBook(), obs.Discard())

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))

	// The bid record write succeeds, the auction count write fails; the
	// event stays unapplied.
	seal := sealedEvent("a1", bidderX, 500, "nx", 11, 0)
	kv.failNextPut("auction/")
	check.Error(t, m.Apply(ctx, seal))

	bid, err := records.GetBid(ctx, "a1", bidderX)
	assert.NoError(t, err)
	check.Equal(t, bidderX, bid.Bidder)

	// At-least-once delivery retries the same event; the retry must not
	// leave the count behind the bid records.
	assert.NoError(t, m.Apply(ctx, seal))

	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 1, a.TotalBids)

	// A further replay of the now-applied event stays a no-op.
	assert.NoError(t, m.Apply(ctx, seal))
	a, err = records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 1, a.TotalBids)
}

func TestReset_ClearsAnomalyRecords(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderX, 500, "nx", 11, 0)))
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderY, 50, "ny", 11, 1)))

	// Wrong amount: rejected. Verified but below start price: excluded.
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderX, 501, "nx", 12, 0)))
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderY, 50, "ny", 13, 0)))
	check.Equal(t, 1, len(m.RejectedReveals("a1")))
	check.Equal(t, 1, len(m.ExcludedReveals("a1")))

	assert.NoError(t, m.Reset(ctx, "a1", 11))

	// The replay rebuilds anomaly records from the canonical chain; stale
	// ones must not survive the reset and double up.
	check.Equal(t, 0, len(m.RejectedReveals("a1")))
	check.Equal(t, 0, len(m.ExcludedReveals("a1")))

	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderX, 501, "nx", 12, 0)))
	check.Equal(t, 1, len(m.RejectedReveals("a1")))
}

func TestReset_KeepsExclusionForSurvivingReveal(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderY, 50, "ny", 11, 0)))
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderY, 50, "ny", 13, 0)))
	check.Equal(t, 1, len(m.ExcludedReveals("a1")))

	// The reveal is below the reset height, so the replay will not
	// re-deliver it; its exclusion must survive without duplicating.
	assert.NoError(t, m.Reset(ctx, "a1", 20))

	excluded := m.ExcludedReveals("a1")
	assert.Equal(t, 1, len(excluded))
	check.Equal(t, bidderY, excluded[0].Bidder)
}

func TestReset_DiscardsStateAboveHeight(t *testing.T) {
	ctx := context.Background()
	m, records, _ := newTestMirror(t)

	assert.NoError(t, m.Apply(ctx, createdEvent("a1", 10, 0)))
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderX, 500, "nx", 11, 0)))
	assert.NoError(t, m.Apply(ctx, sealedEvent("a1", bidderY, 300, "ny", 11, 1)))
	// Reveal below the reset height survives; the one above reverts.
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderY, 300, "ny", 12, 0)))
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderX, 500, "nx", 20, 0)))

	assert.NoError(t, m.Reset(ctx, "a1", 15))

	bidX, err := records.GetBid(ctx, "a1", bidderX)
	assert.NoError(t, err)
	check.False(t, bidX.Revealed)
	check.Nil(t, bidX.Amount)

	bidY, err := records.GetBid(ctx, "a1", bidderY)
	assert.NoError(t, err)
	check.True(t, bidY.Revealed)

	highest, second := m.Ranking().Top("a1")
	check.Equal(t, bidderY, highest.Bidder)
	check.Nil(t, second)

	height, _ := m.Tip("a1")
	check.Equal(t, uint64(12), height)

	// The discarded reveal can be re-applied by replay.
	assert.NoError(t, m.Apply(ctx, revealedEvent("a1", bidderX, 500, "nx", 20, 0)))
	highest, second = m.Ranking().Top("a1")
	check.Equal(t, bidderX, highest.Bidder)
	check.Equal(t, bidderY, second.Bidder)
}
