package core

import (
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// SealBid computes the sealed-bid commitment for (amount, bidder, nonce).
//
// Formula: Keccak-256(amount_bytes || bidder || nonce), where amount_bytes
// is the amount's canonical big-endian encoding (no leading zero bytes,
// empty for zero). This matches keccak256(abi.encodePacked(amount, bidder,
// nonce)) with the amount packed minimally, so commitments produced by the
// bidding client verify against on-chain reveals.
//
// The result is lowercase hex without a 0x prefix.
func SealBid(amount *big.Int, bidder, nonce string) string {
	h := sha3.NewLegacyKeccak256()
	if amount != nil {
		h.Write(amount.Bytes())
	}
	h.Write([]byte(strings.ToLower(bidder)))
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySeal recomputes the commitment for (amount, bidder, nonce) and
// compares it to the recorded commitment in constant time.
//
// A malicious reveal is an expected adversarial input, not a bug:
// VerifySeal never fails hard on malformed input, it only reports
// non-verification. A negative or nil amount never verifies.
func VerifySeal(commitment string, amount *big.Int, bidder, nonce string) bool {
	if amount == nil || amount.Sign() < 0 {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(commitment), "0x"))
	if err != nil || len(want) != 32 {
		return false
	}
	got, err := hex.DecodeString(SealBid(amount, bidder, nonce))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}
