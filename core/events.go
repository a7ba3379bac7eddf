package core

import (
	"fmt"
	"math/big"
	"time"
)

// EventType tags the chain-event variant dispatched by the ledger mirror.
type EventType int

const (
	EventAuctionCreated EventType = iota
	EventBidSealed
	EventBidRevealed
	EventAuctionSettled
	EventAuctionFailed
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAuctionCreated:
		return "auction_created"
	case EventBidSealed:
		return "bid_sealed"
	case EventBidRevealed:
		return "bid_revealed"
	case EventAuctionSettled:
		return "auction_settled"
	case EventAuctionFailed:
		return "auction_failed"
	default:
		return "unknown"
	}
}

// EventKey identifies one chain event in the per-auction total order.
// BlockHeight is monotonically increasing; SeqIndex orders events within
// a block.
type EventKey struct {
	AuctionID   string
	BlockHeight uint64
	SeqIndex    uint32
}

// String renders the key for logs.
func (k EventKey) String() string {
	return fmt.Sprintf("%s@%d.%d", k.AuctionID, k.BlockHeight, k.SeqIndex)
}

// ChainEvent is one observed on-chain event. Exactly one payload pointer
// matching Type is set; the others are nil. Payloads are kept as pointers
// rather than a type hierarchy so the mirror can dispatch on Type.
type ChainEvent struct {
	Type EventType
	EventKey

	// TipRef is the chain height this event's block extends. The
	// reconciliation supervisor uses it to detect reorgs: an event
	// arriving below an already-confirmed TipRef means the local view
	// and the chain have diverged.
	TipRef uint64

	TxHash string

	Created  *AuctionCreatedPayload
	Sealed   *BidSealedPayload
	Revealed *BidRevealedPayload
	Settled  *AuctionSettledPayload
	Failed   *AuctionFailedPayload
}

// AuctionCreatedPayload carries a seller's listing observed on-chain.
type AuctionCreatedPayload struct {
	Name          string
	Category      string
	ImageLink     string
	DescLink      string
	StartTime     time.Time
	EndTime       time.Time
	StartPrice    *big.Int
	ItemCondition ItemCondition
	Seller        string
}

// BidSealedPayload carries a sealed-bid submission.
type BidSealedPayload struct {
	Bidder     string
	Commitment string
}

// BidRevealedPayload carries a bid reveal: the claimed amount and the
// nonce used to produce the earlier commitment.
type BidRevealedPayload struct {
	Bidder string
	Amount *big.Int
	Nonce  string
}

// AuctionSettledPayload carries the on-chain settlement confirmation.
type AuctionSettledPayload struct {
	Winner string
	Amount *big.Int
}

// AuctionFailedPayload carries the on-chain failure confirmation.
type AuctionFailedPayload struct{}

// Validate checks that the event is structurally sound: key fields are
// present and the payload matches the type tag. It does not validate
// address or hash formats; that happens at the ingestion boundary.
func (e *ChainEvent) Validate() error {
	if e.AuctionID == "" {
		return fmt.Errorf("event %s: missing auction id", e.Type)
	}
	switch e.Type {
	case EventAuctionCreated:
		if e.Created == nil {
			return fmt.Errorf("event %s: missing payload", e.Type)
		}
		if e.Created.StartPrice == nil || e.Created.StartPrice.Sign() < 0 {
			return fmt.Errorf("event %s: start price must be a non-negative integer", e.Type)
		}
		if !e.Created.StartTime.Before(e.Created.EndTime) {
			return fmt.Errorf("event %s: start time must precede end time", e.Type)
		}
	case EventBidSealed:
		if e.Sealed == nil {
			return fmt.Errorf("event %s: missing payload", e.Type)
		}
		if e.Sealed.Commitment == "" {
			return fmt.Errorf("event %s: missing commitment", e.Type)
		}
	case EventBidRevealed:
		if e.Revealed == nil {
			return fmt.Errorf("event %s: missing payload", e.Type)
		}
		if e.Revealed.Amount == nil {
			return fmt.Errorf("event %s: missing amount", e.Type)
		}
	case EventAuctionSettled:
		if e.Settled == nil {
			return fmt.Errorf("event %s: missing payload", e.Type)
		}
	case EventAuctionFailed:
		if e.Failed == nil {
			return fmt.Errorf("event %s: missing payload", e.Type)
		}
	default:
		return fmt.Errorf("unknown event type %d", e.Type)
	}
	return nil
}
