// Package chain defines the external chain-node boundary. The engine
// treats the chain as an ordered, at-least-once event source and a query
// surface; it never implements node logic itself.
package chain

import (
	"context"

	"github.com/chainbid/sealedauction/core"
)

// Client is the chain-node interface consumed by the settlement engine.
type Client interface {
	// Events returns the live event stream. Delivery is at-least-once:
	// consumers must tolerate replays of already-applied events. The
	// channel is closed when ctx is done or the source ends.
	Events(ctx context.Context) (<-chan core.ChainEvent, error)

	// BlockTip returns the current chain tip height.
	BlockTip(ctx context.Context) (uint64, error)

	// Replay streams historical events for one auction starting at
	// fromHeight, in total order. Used by the reconciliation supervisor
	// to rebuild local state after a detected divergence.
	Replay(ctx context.Context, auctionID string, fromHeight uint64) ([]core.ChainEvent, error)
}
