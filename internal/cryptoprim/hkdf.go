package cryptoprim

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// HKDFSHA256 performs HKDF-Extract (via golang.org/x/crypto/hkdf) followed
// by a single-block HKDF-Expand: T(1) = HMAC(PRK, info || 0x01). The
// server handshake's session-key derivation needs exactly one 32-byte
// block (the LoRa adoption path uses the XOR fold in
// DeriveLoRaSessionKey instead); a caller that
// needs more output must re-derive with a different info string rather
// than reading further blocks from this function.
func HKDFSHA256(ikm, salt, info []byte) []byte {
	prk := hkdf.Extract(sha256.New, ikm, salt)
	block := make([]byte, 0, len(info)+1)
	block = append(block, info...)
	block = append(block, 0x01)
	return HMACSHA256(prk, block)
}
