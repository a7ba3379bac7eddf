// Package receipt produces signed settlement receipts. A receipt is a
// COSE_Sign1 envelope over a CBOR payload describing the settlement
// outcome, so downstream consumers can verify a result without trusting
// the engine's read API.
package receipt

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/store"
)

// Payload is the CBOR-encoded body of a settlement receipt. Wei amounts
// are decimal strings so verifiers never deal with big-integer encoding
// differences.
type Payload struct {
	AuctionID       string    `cbor:"auction_id"`
	Winner          string    `cbor:"winner"`
	HighestBid      string    `cbor:"highest_bid"`
	SettlementPrice string    `cbor:"settlement_price"`
	Seller          string    `cbor:"seller"`
	SettledAt       time.Time `cbor:"settled_at"`
	TotalBids       int       `cbor:"total_bids"`
}

// Signer signs settlement receipts and persists them alongside the
// auction record. It implements lifecycle.ReceiptEmitter.
type Signer struct {
	records *store.Records
	logger  *slog.Logger
	key     ed25519.PrivateKey
	signer  cose.Signer
}

// NewSigner creates a receipt signer from an Ed25519 private key.
func NewSigner(records *store.Records, key ed25519.PrivateKey, logger *slog.Logger) (*Signer, error) {
	signer, err := cose.NewSigner(cose.AlgorithmEdDSA, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt signer: %w", err)
	}
	return &Signer{
		records: records,
		logger:  logger.With("component", "receipt"),
		key:     key,
		signer:  signer,
	}, nil
}

// NewEphemeralSigner generates a fresh Ed25519 key pair. Used for local
// runs where no key material is provisioned.
func NewEphemeralSigner(records *store.Records, logger *slog.Logger) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate receipt key: %w", err)
	}
	return NewSigner(records, priv, logger)
}

// PublicKey returns the verification key for receipts from this signer.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// EmitSettlement implements lifecycle.ReceiptEmitter: it signs the
// settlement outcome and stores the envelope under the auction id.
func (s *Signer) EmitSettlement(ctx context.Context, a *core.Auction, price *big.Int) error {
	payload := Payload{
		AuctionID:       a.ID,
		Winner:          a.HighestBidder,
		HighestBid:      core.FormatWei(a.HighestBid),
		SettlementPrice: core.FormatWei(price),
		Seller:          a.Seller,
		SettledAt:       a.UpdateTime,
		TotalBids:       a.TotalBids,
	}
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode receipt payload: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmEdDSA)
	msg.Payload = raw
	if err := msg.Sign(rand.Reader, nil, s.signer); err != nil {
		return fmt.Errorf("failed to sign receipt: %w", err)
	}
	envelope, err := msg.MarshalCBOR()
	if err != nil {
		return fmt.Errorf("failed to encode receipt envelope: %w", err)
	}

	if err := s.records.PutReceipt(ctx, a.ID, envelope); err != nil {
		return err
	}
	s.logger.Info("settlement receipt emitted",
		"auction_id", a.ID,
		"winner", a.HighestBidder,
		"settlement_price", payload.SettlementPrice)
	return nil
}

// Verify checks a receipt envelope against the verification key and
// returns the decoded payload.
func Verify(envelope []byte, pub ed25519.PublicKey) (*Payload, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(envelope); err != nil {
		return nil, fmt.Errorf("failed to parse receipt envelope: %w", err)
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, pub)
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("receipt signature verification failed: %w", err)
	}
	var payload Payload
	if err := cbor.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode receipt payload: %w", err)
	}
	return &payload, nil
}
