package lifecycle

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/chainbid/sealedauction/config"
	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/obs"
	"github.com/chainbid/sealedauction/store"
)

const (
	bidderX = "0x1111111111111111111111111111111111111111"
	bidderY = "0x2222222222222222222222222222222222222222"
	bidderZ = "0x3333333333333333333333333333333333333333"
)

var (
	auctionStart = time.Unix(1700000000, 0).UTC()
	auctionEnd   = auctionStart.Add(time.Hour)
	revealClose  = auctionEnd.Add(time.Hour) // default reveal window
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fixedClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixedClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

type recordingEmitter struct {
	mu     sync.Mutex
	prices []string
}

func (r *recordingEmitter) EmitSettlement(_ context.Context, _ *core.Auction, price *big.Int) error {
	r.mu.Lock()
	r.prices = append(r.prices, price.String())
	r.mu.Unlock()
	return nil
}

func newFixture(t *testing.T) (*Controller, *store.Records, *core.RankingBook, *fixedClock) {
	t.Helper()
	records := store.NewRecords(store.NewMemKV())
	ranking := core.NewRankingBook()
	cfg := config.NewService(records, obs.Discard())
	clock := &fixedClock{now: auctionStart.Add(-time.Minute)}
	c := NewController(records, ranking, cfg, obs.Discard())
	c.SetClock(clock.Now)
	return c, records, ranking, clock
}

func putAuction(t *testing.T, records *store.Records, id string, totalBids int) *core.Auction {
	t.Helper()
	a := &core.Auction{
		ID:         id,
		Name:       "lot",
		StartTime:  auctionStart,
		EndTime:    auctionEnd,
		StartPrice: big.NewInt(100),
		TotalBids:  totalBids,
		Status:     core.StatusOpen,
	}
	assert.NoError(t, records.PutAuction(context.Background(), a))
	return a
}

func TestSweep_PendingToOpenToReveal(t *testing.T) {
	ctx := context.Background()
	c, records, _, clock := newFixture(t)
	putAuction(t, records, "a1", 1)

	phase, err := c.Phase(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, PhasePending, phase)

	clock.Set(auctionStart.Add(time.Minute))
	assert.NoError(t, c.Sweep(ctx))
	phase, _ = c.Phase(ctx, "a1")
	check.Equal(t, PhaseOpen, phase)

	clock.Set(auctionEnd.Add(time.Minute))
	assert.NoError(t, c.Sweep(ctx))
	phase, _ = c.Phase(ctx, "a1")
	check.Equal(t, PhaseReveal, phase)

	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, core.StatusOpen, a.Status) // not terminal yet
}

func TestSweep_ZeroSealedBidsFailsAtClose(t *testing.T) {
	ctx := context.Background()
	c, records, _, clock := newFixture(t)
	putAuction(t, records, "a1", 0)

	clock.Set(auctionEnd.Add(time.Second))
	assert.NoError(t, c.Sweep(ctx))

	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, core.StatusFailed, a.Status)
	check.Equal(t, "", a.HighestBidder)
}

func TestSweep_ZeroRevealsFailsAfterWindow(t *testing.T) {
	ctx := context.Background()
	c, records, _, clock := newFixture(t)
	putAuction(t, records, "a1", 2) // sealed but never revealed

	clock.Set(revealClose.Add(time.Second))
	assert.NoError(t, c.Sweep(ctx))

	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, core.StatusFailed, a.Status)
}

func TestSweep_SoleBidderPaysOwnBid(t *testing.T) {
	ctx := context.Background()
	c, records, ranking, clock := newFixture(t)
	putAuction(t, records, "a1", 1)
	ranking.ApplyReveal("a1", bidderX, big.NewInt(777))

	emitter := &recordingEmitter{}
	c.SetReceiptEmitter(emitter)

	clock.Set(revealClose.Add(time.Second))
	assert.NoError(t, c.Sweep(ctx))

	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, core.StatusSettled, a.Status)
	check.Equal(t, bidderX, a.HighestBidder)
	check.Equal(t, "777", a.HighestBid.String())
	check.Nil(t, a.SecondHighestBid)
	check.True(t, a.TentativelySettled())

	// Sole bidder pays their own bid, never zero.
	check.Equal(t, []string{"777"}, emitter.prices)
}

func TestSweep_VickreySecondPriceWithTie(t *testing.T) {
	// X seals 500, Y and Z seal 300; revealed in order Y, Z, X.
	// Winner X, settlement price 300 held by Y (first of the tie).
	ctx := context.Background()
	c, records, ranking, clock := newFixture(t)
	putAuction(t, records, "a1", 3)
	ranking.ApplyReveal("a1", bidderY, big.NewInt(300))
	ranking.ApplyReveal("a1", bidderZ, big.NewInt(300))
	ranking.ApplyReveal("a1", bidderX, big.NewInt(500))

	emitter := &recordingEmitter{}
	c.SetReceiptEmitter(emitter)

	clock.Set(revealClose.Add(time.Second))
	assert.NoError(t, c.Sweep(ctx))

	a, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, core.StatusSettled, a.Status)
	check.Equal(t, bidderX, a.HighestBidder)
	check.Equal(t, "500", a.HighestBid.String())
	check.Equal(t, "300", a.SecondHighestBid.String())
	check.Equal(t, []string{"300"}, emitter.prices)

	// highestBid >= secondHighestBid >= 0, both >= startPrice
	check.True(t, a.HighestBid.Cmp(a.SecondHighestBid) >= 0)
	check.True(t, a.SecondHighestBid.Cmp(a.StartPrice) >= 0)
}

func TestSweep_TerminalAuctionsUntouched(t *testing.T) {
	ctx := context.Background()
	c, records, _, clock := newFixture(t)
	a := putAuction(t, records, "a1", 0)
	a.Status = core.StatusSettled
	a.HighestBidder = bidderX
	assert.NoError(t, records.PutAuction(ctx, a))

	clock.Set(revealClose.Add(time.Hour))
	assert.NoError(t, c.Sweep(ctx))

	got, err := records.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, core.StatusSettled, got.Status)
	check.Equal(t, bidderX, got.HighestBidder)
}

func TestAdmit_SealOnlyWhileOpen(t *testing.T) {
	ctx := context.Background()
	c, records, _, clock := newFixture(t)
	a := putAuction(t, records, "a1", 0)

	seal := &core.ChainEvent{
		Type:     core.EventBidSealed,
		EventKey: core.EventKey{AuctionID: "a1", BlockHeight: 5, SeqIndex: 0},
		Sealed:   &core.BidSealedPayload{Bidder: bidderX, Commitment: "c"},
	}

	// Before start: pending, rejected.
	check.Error(t, c.Admit(ctx, a, seal))

	clock.Set(auctionStart.Add(time.Minute))
	check.NoError(t, c.Admit(ctx, a, seal))

	// After end: seals frozen.
	clock.Set(auctionEnd.Add(time.Minute))
	check.Error(t, c.Admit(ctx, a, seal))
}

func TestAdmit_RevealOnlyDuringRevealWindow(t *testing.T) {
	ctx := context.Background()
	c, records, _, clock := newFixture(t)
	a := putAuction(t, records, "a1", 1)

	reveal := &core.ChainEvent{
		Type:     core.EventBidRevealed,
		EventKey: core.EventKey{AuctionID: "a1", BlockHeight: 6, SeqIndex: 0},
		Revealed: &core.BidRevealedPayload{Bidder: bidderX, Amount: big.NewInt(200), Nonce: "n"},
	}

	clock.Set(auctionStart.Add(time.Minute))
	check.Error(t, c.Admit(ctx, a, reveal)) // still open, reveals not accepted

	clock.Set(auctionEnd.Add(time.Minute))
	check.NoError(t, c.Admit(ctx, a, reveal))

	clock.Set(revealClose.Add(time.Minute))
	check.Error(t, c.Admit(ctx, a, reveal)) // window elapsed
}

func TestFloorPolicy(t *testing.T) {
	ctx := context.Background()
	records := store.NewRecords(store.NewMemKV())
	cfg := config.NewService(records, obs.Discard())
	policy := NewFloorPolicy(cfg)

	a := &core.Auction{ID: "a1", StartPrice: big.NewInt(100)}

	ok, _ := policy.EligibleReveal(ctx, a, big.NewInt(99))
	check.False(t, ok)
	ok, _ = policy.EligibleReveal(ctx, a, big.NewInt(100))
	check.True(t, ok)
	ok, _ = policy.EligibleReveal(ctx, a, big.NewInt(101))
	check.True(t, ok)

	// With a configured increment, amounts above start must clear it.
	assert.NoError(t, records.PutConfig(ctx, &core.ConfigEntry{
		Key: config.KeyMinBidIncrement, Value: "10", Type: "wei",
	}))
	ok, _ = policy.EligibleReveal(ctx, a, big.NewInt(105))
	check.False(t, ok)
	ok, _ = policy.EligibleReveal(ctx, a, big.NewInt(110))
	check.True(t, ok)
	ok, _ = policy.EligibleReveal(ctx, a, big.NewInt(100))
	check.True(t, ok) // matching start price exactly is always allowed
}
