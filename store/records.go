package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chainbid/sealedauction/core"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Key prefixes. Bids are keyed by (auction id, bidder) because the mirror
// verifies reveals against the commitment previously stored for that
// bidder/auction pair.
const (
	auctionPrefix = "auction/"
	bidPrefix     = "bid/"
	configPrefix  = "config/"
	receiptPrefix = "receipt/"
)

func auctionKey(id string) string { return auctionPrefix + id }

func bidKey(auctionID, bidder string) string {
	return bidPrefix + auctionID + "/" + bidder
}

func bidScanPrefix(auctionID string) string { return bidPrefix + auctionID + "/" }

func configKey(key string) string { return configPrefix + key }

func receiptKey(auctionID string) string { return receiptPrefix + auctionID }

// Records is the typed record layer over a generic KV store. All records
// are encoded as CBOR.
type Records struct {
	kv KV
}

// NewRecords wraps a KV store with the typed record layer.
func NewRecords(kv KV) *Records {
	return &Records{kv: kv}
}

// Acquire takes the exclusive per-auction lock. All mutations of an
// auction and its bids happen under this lock.
func (r *Records) Acquire(ctx context.Context, auctionID string) (func(), error) {
	return r.kv.Acquire(ctx, auctionKey(auctionID))
}

// GetAuction loads one auction record.
func (r *Records) GetAuction(ctx context.Context, id string) (*core.Auction, error) {
	raw, found, err := r.kv.Get(ctx, auctionKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load auction %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	var a core.Auction
	if err := cbor.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to decode auction %s: %w", id, err)
	}
	return &a, nil
}

// PutAuction stores one auction record.
func (r *Records) PutAuction(ctx context.Context, a *core.Auction) error {
	raw, err := cbor.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode auction %s: %w", a.ID, err)
	}
	if err := r.kv.Put(ctx, auctionKey(a.ID), raw); err != nil {
		return fmt.Errorf("failed to store auction %s: %w", a.ID, err)
	}
	return nil
}

// GetBid loads the bid record for a bidder/auction pair.
func (r *Records) GetBid(ctx context.Context, auctionID, bidder string) (*core.Bid, error) {
	raw, found, err := r.kv.Get(ctx, bidKey(auctionID, bidder))
	if err != nil {
		return nil, fmt.Errorf("failed to load bid %s/%s: %w", auctionID, bidder, err)
	}
	if !found {
		return nil, fmt.Errorf("bid %s/%s: %w", auctionID, bidder, ErrNotFound)
	}
	var b core.Bid
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bid %s/%s: %w", auctionID, bidder, err)
	}
	return &b, nil
}

// PutBid stores one bid record.
func (r *Records) PutBid(ctx context.Context, b *core.Bid) error {
	raw, err := cbor.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode bid %s: %w", b.ID, err)
	}
	if err := r.kv.Put(ctx, bidKey(b.AuctionID, b.Bidder), raw); err != nil {
		return fmt.Errorf("failed to store bid %s: %w", b.ID, err)
	}
	return nil
}

// ListBids returns all bid records for an auction, ordered by bidder key.
func (r *Records) ListBids(ctx context.Context, auctionID string) ([]core.Bid, error) {
	pairs, err := r.kv.Scan(ctx, bidScanPrefix(auctionID))
	if err != nil {
		return nil, fmt.Errorf("failed to scan bids for auction %s: %w", auctionID, err)
	}
	bids := make([]core.Bid, 0, len(pairs))
	for _, p := range pairs {
		var b core.Bid
		if err := cbor.Unmarshal(p.Value, &b); err != nil {
			return nil, fmt.Errorf("failed to decode bid record %s: %w", p.Key, err)
		}
		bids = append(bids, b)
	}
	return bids, nil
}

// ListAuctions returns all auction records, ordered by id. The lifecycle
// sweep uses this to find deadline-driven transitions.
func (r *Records) ListAuctions(ctx context.Context) ([]core.Auction, error) {
	pairs, err := r.kv.Scan(ctx, auctionPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan auctions: %w", err)
	}
	auctions := make([]core.Auction, 0, len(pairs))
	for _, p := range pairs {
		var a core.Auction
		if err := cbor.Unmarshal(p.Value, &a); err != nil {
			return nil, fmt.Errorf("failed to decode auction record %s: %w", p.Key, err)
		}
		auctions = append(auctions, a)
	}
	return auctions, nil
}

// GetReceipt loads the raw signed settlement receipt for an auction.
func (r *Records) GetReceipt(ctx context.Context, auctionID string) ([]byte, error) {
	raw, found, err := r.kv.Get(ctx, receiptKey(auctionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt for auction %s: %w", auctionID, err)
	}
	if !found {
		return nil, fmt.Errorf("receipt for auction %s: %w", auctionID, ErrNotFound)
	}
	return raw, nil
}

// PutReceipt stores the raw signed settlement receipt for an auction.
func (r *Records) PutReceipt(ctx context.Context, auctionID string, raw []byte) error {
	if err := r.kv.Put(ctx, receiptKey(auctionID), raw); err != nil {
		return fmt.Errorf("failed to store receipt for auction %s: %w", auctionID, err)
	}
	return nil
}

// GetConfig loads one configuration entry.
func (r *Records) GetConfig(ctx context.Context, key string) (*core.ConfigEntry, error) {
	raw, found, err := r.kv.Get(ctx, configKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", key, err)
	}
	if !found {
		return nil, fmt.Errorf("config %s: %w", key, ErrNotFound)
	}
	var e core.ConfigEntry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", key, err)
	}
	return &e, nil
}

// PutConfig stores one configuration entry. The engine itself only reads
// config; this exists for the administrative channel and tests.
func (r *Records) PutConfig(ctx context.Context, e *core.ConfigEntry) error {
	raw, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode config %s: %w", e.Key, err)
	}
	if err := r.kv.Put(ctx, configKey(e.Key), raw); err != nil {
		return fmt.Errorf("failed to store config %s: %w", e.Key, err)
	}
	return nil
}
