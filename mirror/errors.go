package mirror

import (
	"fmt"

	"github.com/chainbid/sealedauction/core"
)

// ValidationError marks a malformed event payload rejected at ingestion.
// The event is skipped and logged; the stream is not halted.
type ValidationError struct {
	Key core.EventKey
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for event %s: %v", e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// OrderingAnomalyError marks an event whose height is inconsistent with
// the locally confirmed chain tip for its auction: a reorg or a gap. It
// is escalated to the reconciliation supervisor, never silently ignored.
type OrderingAnomalyError struct {
	Key core.EventKey

	// TipRef is the last confirmed-consistent height reference.
	TipRef uint64

	// ResyncFrom is the height replay should restart at.
	ResyncFrom uint64
}

func (e *OrderingAnomalyError) Error() string {
	return fmt.Sprintf("ordering anomaly at event %s: height below confirmed tip ref %d, resync from %d",
		e.Key, e.TipRef, e.ResyncFrom)
}

// ProtocolAnomalyError marks a bid-related event received for an auction
// already in a terminal state. The auction is unchanged; the anomaly is
// reported for investigation.
type ProtocolAnomalyError struct {
	Key    core.EventKey
	Status core.AuctionStatus
}

func (e *ProtocolAnomalyError) Error() string {
	return fmt.Sprintf("protocol anomaly: event %s for terminal auction (status %s)", e.Key, e.Status)
}

// DegradedError marks a write refused because the auction's mirror state
// is degraded after exhausted re-sync attempts. Reads stay available but
// are flagged as potentially stale; writes are refused until the degraded
// mark is manually cleared.
type DegradedError struct {
	AuctionID string
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("auction %s mirror state is degraded, writes refused", e.AuctionID)
}
