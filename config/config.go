// Package config provides typed, read-only access to the engine's
// administrative configuration entries. Entries are plain key/value/type
// records in the durable store, mutated only through an administrative
// channel outside this core; the engine never writes them.
package config

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/store"
)

// Well-known configuration keys.
const (
	KeyRevealWindow      = "auction.reveal_window_seconds"
	KeyMinBidIncrement   = "auction.min_bid_increment_wei"
	KeySweepInterval     = "auction.sweep_interval_seconds"
	KeyResyncMaxAttempts = "reconcile.max_attempts"
	KeyResyncBackoffBase = "reconcile.backoff_base_ms"
	KeySettlementFeeRate = "settlement.fee_rate"
)

// Defaults applied when an entry is missing or malformed.
var (
	DefaultRevealWindow      = time.Hour
	DefaultSweepInterval     = 5 * time.Second
	DefaultResyncMaxAttempts = 5
	DefaultResyncBackoffBase = 500 * time.Millisecond
	DefaultMinBidIncrement   = big.NewInt(0)
	DefaultSettlementFeeRate = decimal.Zero
)

// Service reads configuration entries with per-type parsing and defaults.
// A missing entry is normal (the default applies); a malformed one is
// logged and the default applies as well.
type Service struct {
	records *store.Records
	logger  *slog.Logger
}

// NewService creates a config reader over the record store.
func NewService(records *store.Records, logger *slog.Logger) *Service {
	return &Service{records: records, logger: logger.With("component", "config")}
}

func (s *Service) lookup(ctx context.Context, key string) (string, bool) {
	entry, err := s.records.GetConfig(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("config lookup failed", "key", key, "err", err)
		}
		return "", false
	}
	return entry.Value, true
}

// Seconds reads a duration entry stored as a whole number of seconds.
func (s *Service) Seconds(ctx context.Context, key string, def time.Duration) time.Duration {
	raw, ok := s.lookup(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		s.logger.Warn("malformed duration config, using default", "key", key, "value", raw)
		return def
	}
	return time.Duration(n) * time.Second
}

// Millis reads a duration entry stored as a whole number of milliseconds.
func (s *Service) Millis(ctx context.Context, key string, def time.Duration) time.Duration {
	raw, ok := s.lookup(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		s.logger.Warn("malformed duration config, using default", "key", key, "value", raw)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// Int reads an integer entry.
func (s *Service) Int(ctx context.Context, key string, def int) int {
	raw, ok := s.lookup(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warn("malformed int config, using default", "key", key, "value", raw)
		return def
	}
	return n
}

// Wei reads an arbitrary-precision wei amount entry.
func (s *Service) Wei(ctx context.Context, key string, def *big.Int) *big.Int {
	raw, ok := s.lookup(ctx, key)
	if !ok {
		return def
	}
	v, err := core.ParseWei(raw)
	if err != nil {
		s.logger.Warn("malformed wei config, using default", "key", key, "value", raw)
		return def
	}
	return v
}

// Decimal reads an exact decimal entry such as a fee rate.
func (s *Service) Decimal(ctx context.Context, key string, def decimal.Decimal) decimal.Decimal {
	raw, ok := s.lookup(ctx, key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		s.logger.Warn("malformed decimal config, using default", "key", key, "value", raw)
		return def
	}
	return d
}

// RevealWindow returns the configured reveal-window duration.
func (s *Service) RevealWindow(ctx context.Context) time.Duration {
	return s.Seconds(ctx, KeyRevealWindow, DefaultRevealWindow)
}

// MinBidIncrement returns the configured minimum bid increment in wei.
// Enforcement is a policy decision of the lifecycle controller.
func (s *Service) MinBidIncrement(ctx context.Context) *big.Int {
	return s.Wei(ctx, KeyMinBidIncrement, DefaultMinBidIncrement)
}

// SweepInterval returns the deadline-sweep period.
func (s *Service) SweepInterval(ctx context.Context) time.Duration {
	return s.Seconds(ctx, KeySweepInterval, DefaultSweepInterval)
}

// ResyncMaxAttempts returns the re-sync attempt ceiling.
func (s *Service) ResyncMaxAttempts(ctx context.Context) int {
	return s.Int(ctx, KeyResyncMaxAttempts, DefaultResyncMaxAttempts)
}

// ResyncBackoffBase returns the first re-sync backoff delay; subsequent
// attempts double it.
func (s *Service) ResyncBackoffBase(ctx context.Context) time.Duration {
	return s.Millis(ctx, KeyResyncBackoffBase, DefaultResyncBackoffBase)
}

// SettlementFeeRate returns the fee rate applied to settlement prices in
// reporting. The engine itself never deducts fees from wei amounts.
func (s *Service) SettlementFeeRate(ctx context.Context) decimal.Decimal {
	return s.Decimal(ctx, KeySettlementFeeRate, DefaultSettlementFeeRate)
}
