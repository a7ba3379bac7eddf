// Package validation checks wire formats at the ingestion and API
// boundaries: addresses, transaction and commitment hashes, wei amounts.
// Malformed input is rejected as a validation error, never a crash; a
// skipped event does not halt the stream.
package validation

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/chainbid/sealedauction/core"
)

var (
	validate = newValidator()

	// Transaction and commitment hashes are 32-byte hex, 0x optional.
	hashPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	// eth_addr is built in; hash32 covers tx hashes and commitments.
	_ = v.RegisterValidation("hash32", func(fl validator.FieldLevel) bool {
		return hashPattern.MatchString(fl.Field().String())
	})
	return v
}

// Address validates a fixed-length hexadecimal account address.
func Address(s string) error {
	if err := validate.Var(s, "required,eth_addr"); err != nil {
		return fmt.Errorf("invalid address %q", s)
	}
	return nil
}

// TxHash validates a transaction hash.
func TxHash(s string) error {
	if err := validate.Var(s, "required,hash32"); err != nil {
		return fmt.Errorf("invalid transaction hash %q", s)
	}
	return nil
}

// Commitment validates a sealed-bid commitment hash.
func Commitment(s string) error {
	if err := validate.Var(s, "required,hash32"); err != nil {
		return fmt.Errorf("invalid commitment %q", s)
	}
	return nil
}

// WeiString validates a decimal-string wei amount without parsing it into
// the caller's model.
func WeiString(s string) error {
	if _, err := core.ParseWei(s); err != nil {
		return err
	}
	return nil
}

// Event validates the format of every address and hash an event carries.
// Structural validation (payload presence, start < end) is the event's
// own Validate; this layer only vets the hex surfaces.
func Event(ev *core.ChainEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.TxHash != "" {
		if err := TxHash(ev.TxHash); err != nil {
			return fmt.Errorf("event %s: %w", ev.EventKey, err)
		}
	}
	switch ev.Type {
	case core.EventAuctionCreated:
		if err := Address(ev.Created.Seller); err != nil {
			return fmt.Errorf("event %s: seller: %w", ev.EventKey, err)
		}
	case core.EventBidSealed:
		if err := Address(ev.Sealed.Bidder); err != nil {
			return fmt.Errorf("event %s: bidder: %w", ev.EventKey, err)
		}
		if err := Commitment(ev.Sealed.Commitment); err != nil {
			return fmt.Errorf("event %s: %w", ev.EventKey, err)
		}
	case core.EventBidRevealed:
		if err := Address(ev.Revealed.Bidder); err != nil {
			return fmt.Errorf("event %s: bidder: %w", ev.EventKey, err)
		}
	case core.EventAuctionSettled:
		if err := Address(ev.Settled.Winner); err != nil {
			return fmt.Errorf("event %s: winner: %w", ev.EventKey, err)
		}
	}
	return nil
}
