// Package cryptoprim implements the fixed set of cryptographic primitives
// the hub's LoRa and server-session protocols are built on: SHA-256,
// HMAC-SHA-256, a single-block HKDF-SHA-256 expand, AES-128-CBC with the
// protocol's custom padding, ECDH over secp160r1, and ECDSA over P-256.
//
// None of these hold shared state; every function is a pure transform of
// its arguments, so the package has no init-time setup and no singleton.
package cryptoprim

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RandomBytes returns n cryptographically strong random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptoprim: random bytes: %w", err)
	}
	return b, nil
}

// Base64Encode encodes b as standard base64, matching the wire encoding
// used throughout the handshake and framed-message envelopes.
func Base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Base64Decode decodes standard base64 text produced by Base64Encode.
func Base64Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: base64 decode: %w", err)
	}
	return b, nil
}

// HexEncode returns the lowercase hex encoding of b.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode decodes a lowercase (or uppercase) hex string produced by
// HexEncode.
func HexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: hex decode: %w", err)
	}
	return b, nil
}
