package cryptoprim

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// GenerateIdentityKeyPair creates a fresh ECDSA P-256 key pair and returns
// both halves PEM-encoded, matching the device/server identity keys
// stored in the persistent namespace.
func GenerateIdentityKeyPair() (privPEM, pubPEM string, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("cryptoprim: generate P-256 key: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("cryptoprim: marshal private key: %w", err)
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}))

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("cryptoprim: marshal public key: %w", err)
	}
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))

	return privPEM, pubPEM, nil
}

// ParseECDSAPrivateKeyPEM decodes a PEM-encoded EC private key as produced
// by GenerateIdentityKeyPair.
func ParseECDSAPrivateKeyPEM(privPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return nil, fmt.Errorf("cryptoprim: no PEM block found in private key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: parse EC private key: %w", err)
	}
	return key, nil
}

// ParseECDSAPublicKeyPEM decodes a PEM-encoded PKIX public key as produced
// by GenerateIdentityKeyPair.
func ParseECDSAPublicKeyPEM(pubPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return nil, fmt.Errorf("cryptoprim: no PEM block found in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: parse PKIX public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptoprim: public key is not ECDSA")
	}
	return ecPub, nil
}

// SignDigest signs a pre-hashed 32-byte SHA-256 digest with priv and
// returns the signature base64-encoded, matching the wire representation
// used in hello/session/timestamp_ack envelopes.
func SignDigest(priv *ecdsa.PrivateKey, digest []byte) (string, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
	if err != nil {
		return "", fmt.Errorf("cryptoprim: sign digest: %w", err)
	}
	return Base64Encode(sig), nil
}

// VerifyDigest verifies a base64-encoded ASN.1 ECDSA signature over a
// pre-hashed 32-byte digest against pub.
func VerifyDigest(pub *ecdsa.PublicKey, digest []byte, sigB64 string) bool {
	sig, err := Base64Decode(sigB64)
	if err != nil {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest, sig)
}
