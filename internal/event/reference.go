package event

import (
	"fmt"
	"math/big"
	"strings"
)

// ReferenceType is the 8-byte prefix of a 32-byte payment reference.
type ReferenceType uint64

const (
	ReferenceMinting             ReferenceType = 0x4642505266410001
	ReferenceRedemption          ReferenceType = 0x4642505266410002
	ReferenceAnnouncedWithdrawal ReferenceType = 0x4642505266410003

	referenceTypeShift = 192
	referenceHexLength = 64
)

func encodeReference(t ReferenceType, id uint64) string {
	ref := new(big.Int).Lsh(new(big.Int).SetUint64(uint64(t)), referenceTypeShift)
	ref.Or(ref, new(big.Int).SetUint64(id))
	return fmt.Sprintf("0x%064x", ref)
}

// MintingPaymentReference for a collateral reservation id.
func MintingPaymentReference(reservationID uint64) string {
	return encodeReference(ReferenceMinting, reservationID)
}

// RedemptionPaymentReference for a redemption request id.
func RedemptionPaymentReference(requestID uint64) string {
	return encodeReference(ReferenceRedemption, requestID)
}

// AnnouncedWithdrawalPaymentReference for an underlying withdrawal announcement id.
func AnnouncedWithdrawalPaymentReference(announcementID uint64) string {
	return encodeReference(ReferenceAnnouncedWithdrawal, announcementID)
}

// DecodePaymentReference splits a reference into its type and id.
// ok is false for malformed references and ids wider than 64 bits.
func DecodePaymentReference(reference string) (ReferenceType, uint64, bool) {
	hex := strings.TrimPrefix(strings.ToLower(reference), "0x")
	if len(hex) != referenceHexLength {
		return 0, 0, false
	}
	ref, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return 0, 0, false
	}
	prefix := new(big.Int).Rsh(ref, referenceTypeShift)
	id := new(big.Int).And(ref, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), referenceTypeShift), big.NewInt(1)))
	if !prefix.IsUint64() || !id.IsUint64() {
		return 0, 0, false
	}
	return ReferenceType(prefix.Uint64()), id.Uint64(), true
}

// NormalizeReference brings references to the canonical 0x-prefixed lowercase form.
func NormalizeReference(reference string) string {
	if reference == "" {
		return ""
	}
	return "0x" + strings.TrimPrefix(strings.ToLower(reference), "0x")
}
