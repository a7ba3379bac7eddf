package core

import (
	"math/big"
	"sync"
)

// RankedBid is one slot of the top-2 ranking: the bidder and their
// revealed amount.
type RankedBid struct {
	Bidder string
	Amount *big.Int
}

// clone returns a defensive copy so callers never alias book-internal
// big.Int values.
func (r *RankedBid) clone() *RankedBid {
	if r == nil {
		return nil
	}
	return &RankedBid{Bidder: r.Bidder, Amount: new(big.Int).Set(r.Amount)}
}

// RankingBook maintains, per auction, the highest and second-highest
// revealed bid under an incremental stream of reveals. Sealed-but-
// unrevealed bids never participate.
//
// The reduction is a two-slot running maximum: strictly-greater
// comparisons only, so equal amounts never displace an existing holder
// (first-revealed-wins on ties). Only top-2 is ever needed, so no sort:
// O(1) per reveal, and reveals for the same auction may arrive in any
// order within the reveal window and converge to the same result.
//
// The book is a rebuildable derived index, never the source of truth for
// bid data.
type RankingBook struct {
	mu       sync.Mutex
	auctions map[string]*rankingSlots
}

type rankingSlots struct {
	highest *RankedBid
	second  *RankedBid
}

// NewRankingBook creates an empty ranking book.
func NewRankingBook() *RankingBook {
	return &RankingBook{auctions: make(map[string]*rankingSlots)}
}

// ApplyReveal folds one verified reveal into the auction's top-2 slots.
func (b *RankingBook) ApplyReveal(auctionID, bidder string, amount *big.Int) {
	if amount == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	slots, ok := b.auctions[auctionID]
	if !ok {
		slots = &rankingSlots{}
		b.auctions[auctionID] = slots
	}

	entry := &RankedBid{Bidder: bidder, Amount: new(big.Int).Set(amount)}

	switch {
	case slots.highest == nil:
		slots.highest = entry
	case amount.Cmp(slots.highest.Amount) > 0:
		// Displaced leader becomes the second-place holder.
		slots.second = slots.highest
		slots.highest = entry
	case slots.second == nil || amount.Cmp(slots.second.Amount) > 0:
		slots.second = entry
	}
}

// Top returns copies of the current highest and second-highest revealed
// bids for the auction. Either may be nil if fewer than one or two bids
// have been revealed.
func (b *RankingBook) Top(auctionID string) (highest, second *RankedBid) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slots, ok := b.auctions[auctionID]
	if !ok {
		return nil, nil
	}
	return slots.highest.clone(), slots.second.clone()
}

// HasReveals reports whether at least one reveal has been applied for
// the auction.
func (b *RankingBook) HasReveals(auctionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	slots, ok := b.auctions[auctionID]
	return ok && slots.highest != nil
}

// Reset discards the derived ranking for an auction. The reconciliation
// supervisor calls this before a replay rebuilds the index.
func (b *RankingBook) Reset(auctionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.auctions, auctionID)
}
