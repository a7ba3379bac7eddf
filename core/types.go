package core

import (
	"math/big"
	"time"
)

// AuctionStatus is the durable status of an auction record.
// Pending and Reveal are runtime phases tracked by the lifecycle
// controller; the store only ever sees Open, Settled or Failed.
type AuctionStatus int

const (
	StatusOpen AuctionStatus = iota
	StatusSettled
	StatusFailed
)

// String returns a human-readable status name.
func (s AuctionStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSettled:
		return "settled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemCondition describes the catalog condition of the auctioned item.
type ItemCondition int

const (
	ConditionNew ItemCondition = iota
	ConditionUsed
)

// String returns a human-readable condition name.
func (c ItemCondition) String() string {
	switch c {
	case ConditionNew:
		return "new"
	case ConditionUsed:
		return "used"
	default:
		return "unknown"
	}
}

// Auction is the local mirror of an on-chain auction.
//
// Monetary amounts are wei and always *big.Int; they are never coerced to
// fixed-width numerics. Catalog metadata (Name, Category, ImageLink,
// DescLink) is opaque to the engine and flows through creation events
// untouched.
type Auction struct {
	ID        string `cbor:"id" json:"id"`
	Name      string `cbor:"name" json:"name"`
	Category  string `cbor:"category" json:"category"`
	ImageLink string `cbor:"image_link" json:"image_link"`
	DescLink  string `cbor:"desc_link" json:"desc_link"`

	StartTime time.Time `cbor:"start_time" json:"start_time"`
	EndTime   time.Time `cbor:"end_time" json:"end_time"`

	StartPrice       *big.Int `cbor:"start_price" json:"start_price"`
	HighestBid       *big.Int `cbor:"highest_bid,omitempty" json:"highest_bid,omitempty"`
	SecondHighestBid *big.Int `cbor:"second_highest_bid,omitempty" json:"second_highest_bid,omitempty"`

	TotalBids     int           `cbor:"total_bids" json:"total_bids"`
	Status        AuctionStatus `cbor:"status" json:"status"`
	ItemCondition ItemCondition `cbor:"item_condition" json:"item_condition"`

	Seller        string `cbor:"seller" json:"seller"`
	HighestBidder string `cbor:"highest_bidder,omitempty" json:"highest_bidder,omitempty"`

	// Settlement transaction reference, set only after on-chain
	// confirmation. While Status is Settled and TxHash is empty the
	// settlement is tentative.
	TxHash      string `cbor:"tx_hash,omitempty" json:"tx_hash,omitempty"`
	BlockNumber uint64 `cbor:"block_number,omitempty" json:"block_number,omitempty"`

	CreateTime time.Time `cbor:"create_time" json:"create_time"`
	UpdateTime time.Time `cbor:"update_time" json:"update_time"`
}

// Terminal reports whether the auction reached a terminal status.
func (a *Auction) Terminal() bool {
	return a.Status == StatusSettled || a.Status == StatusFailed
}

// TentativelySettled reports a settled auction still waiting for its
// on-chain confirmation event.
func (a *Auction) TentativelySettled() bool {
	return a.Status == StatusSettled && a.TxHash == ""
}

// Bid is the local record of a sealed (and possibly revealed) bid.
// Bid records are historical: created at seal submission, mutated once at
// reveal, never deleted. Losing bids are kept.
type Bid struct {
	ID        string `cbor:"id" json:"id"`
	AuctionID string `cbor:"auction_id" json:"auction_id"`
	Bidder    string `cbor:"bidder" json:"bidder"`

	// Amount is present only after a successful reveal.
	Amount *big.Int `cbor:"amount,omitempty" json:"amount,omitempty"`

	// SealedBid is the commitment hash, immutable once recorded.
	SealedBid string `cbor:"sealed_bid" json:"sealed_bid"`

	Revealed   bool      `cbor:"revealed" json:"revealed"`
	RevealTime time.Time `cbor:"reveal_time,omitempty" json:"reveal_time,omitempty"`

	// RevealBlock is the chain height of the reveal event, used by the
	// reconciliation supervisor to roll reveals back across a reorg.
	RevealBlock uint64 `cbor:"reveal_block,omitempty" json:"reveal_block,omitempty"`

	TxHash      string `cbor:"tx_hash" json:"tx_hash"`
	BlockNumber uint64 `cbor:"block_number" json:"block_number"`

	CreateTime time.Time `cbor:"create_time" json:"create_time"`
	UpdateTime time.Time `cbor:"update_time" json:"update_time"`
}

// ConfigEntry is an administrative configuration knob. The engine reads
// these; they are mutated only through an administrative channel outside
// this core.
type ConfigEntry struct {
	Key    string `cbor:"config_key" json:"config_key"`
	Value  string `cbor:"config_value" json:"config_value"`
	Type   string `cbor:"config_type" json:"config_type"`
	Remark string `cbor:"remark,omitempty" json:"remark,omitempty"`
}
