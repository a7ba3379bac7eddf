// Package api is the read-only presentation boundary of the settlement
// engine. It serves auction and bid views from the local mirror and
// accepts reconciliation hints from external monitors. Wei amounts are
// exchanged as decimal strings.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/lifecycle"
	"github.com/chainbid/sealedauction/mirror"
	"github.com/chainbid/sealedauction/store"
	"github.com/chainbid/sealedauction/validation"
)

// ErrNotFound is returned for unknown auction or bid ids.
var ErrNotFound = errors.New("not found")

// Hinter accepts externally observed divergence suspicions. Implemented
// by the reconciliation supervisor.
type Hinter interface {
	SubmitHint(auctionID string, suspectedHeight uint64)
}

// AuctionView is the external representation of an auction. Wei fields
// are decimal strings; empty string means unset.
type AuctionView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Category      string    `json:"category,omitempty"`
	ImageLink     string    `json:"image_link,omitempty"`
	DescLink      string    `json:"desc_link,omitempty"`
	ItemCondition string    `json:"item_condition"`
	Seller        string    `json:"seller"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`

	StartPrice       string `json:"start_price"`
	HighestBid       string `json:"highest_bid,omitempty"`
	SecondHighestBid string `json:"second_highest_bid,omitempty"`
	HighestBidder    string `json:"highest_bidder,omitempty"`

	TotalBids   int    `json:"total_bids"`
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
}

// BidView is the external representation of a bid record. The amount is
// present only for revealed bids.
type BidView struct {
	ID          string    `json:"id"`
	AuctionID   string    `json:"auction_id"`
	Bidder      string    `json:"bidder"`
	SealedBid   string    `json:"sealed_bid"`
	Revealed    bool      `json:"revealed"`
	Amount      string    `json:"amount,omitempty"`
	RevealTime  time.Time `json:"reveal_time,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
}

// StatusView is the operational status of an auction: lifecycle phase
// plus the mirror health flags a consumer needs to judge whether the
// reported outcome is final.
type StatusView struct {
	ID    string `json:"id"`
	Phase string `json:"phase"`

	// Tentative is set while a settled outcome still awaits its
	// on-chain confirmation event.
	Tentative bool `json:"tentative"`

	// Degraded is set when reconciliation gave up on this auction; the
	// view may be stale until an operator intervenes.
	Degraded bool `json:"degraded"`

	TipHeight       uint64 `json:"tip_height"`
	RejectedReveals int    `json:"rejected_reveals"`
	ExcludedReveals int    `json:"excluded_reveals"`
}

// Service answers read queries against the mirror's records.
type Service struct {
	records    *store.Records
	mirror     *mirror.Mirror
	controller *lifecycle.Controller
	hinter     Hinter
	logger     *slog.Logger
}

// NewService creates the read API over the engine's components.
func NewService(records *store.Records, m *mirror.Mirror, c *lifecycle.Controller, hinter Hinter, logger *slog.Logger) *Service {
	return &Service{
		records:    records,
		mirror:     m,
		controller: c,
		hinter:     hinter,
		logger:     logger.With("component", "api"),
	}
}

// GetAuction returns the auction view for an id.
func (s *Service) GetAuction(ctx context.Context, auctionID string) (*AuctionView, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("auction id must not be empty")
	}
	a, err := s.records.GetAuction(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("auction %s: %w", auctionID, ErrNotFound)
		}
		return nil, err
	}
	return auctionView(a), nil
}

// ListBidsForAuction returns all bid records of an auction, losing bids
// included. Unrevealed bids expose only the commitment.
func (s *Service) ListBidsForAuction(ctx context.Context, auctionID string) ([]BidView, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("auction id must not be empty")
	}
	if _, err := s.records.GetAuction(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("auction %s: %w", auctionID, ErrNotFound)
		}
		return nil, err
	}
	bids, err := s.records.ListBids(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	views := make([]BidView, 0, len(bids))
	for i := range bids {
		views = append(views, bidView(&bids[i]))
	}
	return views, nil
}

// GetAuctionStatus returns the lifecycle phase and mirror health for an
// auction.
func (s *Service) GetAuctionStatus(ctx context.Context, auctionID string) (*StatusView, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("auction id must not be empty")
	}
	a, err := s.records.GetAuction(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("auction %s: %w", auctionID, ErrNotFound)
		}
		return nil, err
	}
	phase, err := s.controller.Phase(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	height, _ := s.mirror.Tip(auctionID)
	return &StatusView{
		ID:              auctionID,
		Phase:           phase.String(),
		Tentative:       a.TentativelySettled(),
		Degraded:        s.mirror.Degraded(auctionID),
		TipHeight:       height,
		RejectedReveals: len(s.mirror.RejectedReveals(auctionID)),
		ExcludedReveals: len(s.mirror.ExcludedReveals(auctionID)),
	}, nil
}

// SubmitReconciliationHint forwards an external monitor's divergence
// suspicion to the reconciliation supervisor. The auction must exist;
// the hint itself is fire-and-forget.
func (s *Service) SubmitReconciliationHint(ctx context.Context, auctionID string, suspectedHeight uint64) error {
	if auctionID == "" {
		return fmt.Errorf("auction id must not be empty")
	}
	if _, err := s.records.GetAuction(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("auction %s: %w", auctionID, ErrNotFound)
		}
		return err
	}
	s.logger.Info("reconciliation hint accepted",
		"auction_id", auctionID, "suspected_height", suspectedHeight)
	s.hinter.SubmitHint(auctionID, suspectedHeight)
	return nil
}

// GetBid returns one bidder's bid record for an auction.
func (s *Service) GetBid(ctx context.Context, auctionID, bidder string) (*BidView, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("auction id must not be empty")
	}
	if err := validation.Address(bidder); err != nil {
		return nil, fmt.Errorf("invalid bidder address: %w", err)
	}
	b, err := s.records.GetBid(ctx, auctionID, bidder)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("bid %s/%s: %w", auctionID, bidder, ErrNotFound)
		}
		return nil, err
	}
	v := bidView(b)
	return &v, nil
}

func auctionView(a *core.Auction) *AuctionView {
	v := &AuctionView{
		ID:            a.ID,
		Name:          a.Name,
		Category:      a.Category,
		ImageLink:     a.ImageLink,
		DescLink:      a.DescLink,
		ItemCondition: a.ItemCondition.String(),
		Seller:        a.Seller,
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		StartPrice:    core.FormatWei(a.StartPrice),
		HighestBidder: a.HighestBidder,
		TotalBids:     a.TotalBids,
		Status:        a.Status.String(),
		TxHash:        a.TxHash,
		BlockNumber:   a.BlockNumber,
	}
	if a.HighestBid != nil {
		v.HighestBid = core.FormatWei(a.HighestBid)
	}
	if a.SecondHighestBid != nil {
		v.SecondHighestBid = core.FormatWei(a.SecondHighestBid)
	}
	return v
}

func bidView(b *core.Bid) BidView {
	v := BidView{
		ID:          b.ID,
		AuctionID:   b.AuctionID,
		Bidder:      b.Bidder,
		SealedBid:   b.SealedBid,
		Revealed:    b.Revealed,
		RevealTime:  b.RevealTime,
		TxHash:      b.TxHash,
		BlockNumber: b.BlockNumber,
	}
	if b.Revealed && b.Amount != nil {
		v.Amount = core.FormatWei(b.Amount)
	}
	return v
}
