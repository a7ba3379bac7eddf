package lifecycle

import (
	"context"
	"math/big"

	"github.com/chainbid/sealedauction/config"
	"github.com/chainbid/sealedauction/core"
)

// FloorPolicy is the configurable ranking-eligibility rule for verified
// reveals. The floor is the auction's start price; when a positive
// minimum increment is configured, any amount above the start price must
// clear it by at least the increment. Matching the start price exactly
// is always allowed.
type FloorPolicy struct {
	cfg *config.Service
}

// NewFloorPolicy creates the config-driven reveal policy.
func NewFloorPolicy(cfg *config.Service) *FloorPolicy {
	return &FloorPolicy{cfg: cfg}
}

// EligibleReveal implements mirror.RevealPolicy.
func (p *FloorPolicy) EligibleReveal(ctx context.Context, a *core.Auction, amount *big.Int) (bool, string) {
	if a.StartPrice == nil {
		return true, ""
	}
	if amount.Cmp(a.StartPrice) < 0 {
		return false, "below start price"
	}
	increment := p.cfg.MinBidIncrement(ctx)
	if increment.Sign() > 0 && amount.Cmp(a.StartPrice) > 0 {
		over := new(big.Int).Sub(amount, a.StartPrice)
		if over.Cmp(increment) < 0 {
			return false, "below minimum increment over start price"
		}
	}
	return true, ""
}
