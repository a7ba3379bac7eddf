package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainbid/sealedauction/core"
)

// MockClient is a scriptable chain client for tests and local runs.
// Events pushed with Push are delivered to the live stream; ScriptReplay
// installs the response for a Replay call.
type MockClient struct {
	mu          sync.Mutex
	tip         uint64
	events      chan core.ChainEvent
	replays     map[string][]core.ChainEvent
	replayCalls []ReplayCall
	replayErr   error
}

// ReplayCall records one Replay invocation for assertions.
type ReplayCall struct {
	AuctionID  string
	FromHeight uint64
}

// NewMockClient creates a mock with a buffered live stream.
func NewMockClient() *MockClient {
	return &MockClient{
		events:  make(chan core.ChainEvent, 256),
		replays: make(map[string][]core.ChainEvent),
	}
}

// Events returns the live stream channel.
func (m *MockClient) Events(ctx context.Context) (<-chan core.ChainEvent, error) {
	out := make(chan core.ChainEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-m.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Push delivers an event to the live stream and advances the mock tip.
func (m *MockClient) Push(ev core.ChainEvent) {
	m.mu.Lock()
	if ev.BlockHeight > m.tip {
		m.tip = ev.BlockHeight
	}
	m.mu.Unlock()
	m.events <- ev
}

// CloseStream ends the live stream.
func (m *MockClient) CloseStream() { close(m.events) }

// SetTip overrides the reported chain tip.
func (m *MockClient) SetTip(height uint64) {
	m.mu.Lock()
	m.tip = height
	m.mu.Unlock()
}

// BlockTip returns the scripted tip height.
func (m *MockClient) BlockTip(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip, nil
}

// ScriptReplay installs the events returned by the next Replay call for
// the auction.
func (m *MockClient) ScriptReplay(auctionID string, events []core.ChainEvent) {
	m.mu.Lock()
	m.replays[auctionID] = events
	m.mu.Unlock()
}

// FailReplays makes every Replay call return err until cleared with nil.
func (m *MockClient) FailReplays(err error) {
	m.mu.Lock()
	m.replayErr = err
	m.mu.Unlock()
}

// Replay returns the scripted replay for the auction, filtered to events
// at or above fromHeight.
func (m *MockClient) Replay(ctx context.Context, auctionID string, fromHeight uint64) ([]core.ChainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayCalls = append(m.replayCalls, ReplayCall{AuctionID: auctionID, FromHeight: fromHeight})
	if m.replayErr != nil {
		return nil, m.replayErr
	}
	scripted, ok := m.replays[auctionID]
	if !ok {
		return nil, fmt.Errorf("no scripted replay for auction %s", auctionID)
	}
	out := make([]core.ChainEvent, 0, len(scripted))
	for _, ev := range scripted {
		if ev.BlockHeight >= fromHeight {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReplayCalls returns a copy of all recorded Replay invocations.
func (m *MockClient) ReplayCalls() []ReplayCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReplayCall, len(m.replayCalls))
	copy(out, m.replayCalls)
	return out
}
