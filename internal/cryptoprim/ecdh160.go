package cryptoprim

import (
	"crypto/elliptic"
	"fmt"
	"math/big"
)

// secp160r1FieldSize is the size in bytes of a field element (and of the
// private key, and of each coordinate of a public key) on secp160r1.
const secp160r1FieldSize = 20

// PublicKeySize160 is the size in bytes of an uncompressed secp160r1
// public key as used on the wire: X(20) || Y(20), with no leading format
// byte, matching the ADOPT_REQ/ADOPT_RSP frame layout.
const PublicKeySize160 = 2 * secp160r1FieldSize

// secp160r1 is not one of the curves crypto/elliptic or crypto/ecdh ships
// built in. The LoRa adoption handshake is pinned to this exact curve
// (the node firmware uses micro-ecc's uECC_secp160r1()), so its published
// SECG domain parameters are reproduced here. secp160r1's a coefficient
// equals p-3, which is the case crypto/elliptic.CurveParams' generic
// Jacobian arithmetic is built for, so the stock Add/Double/ScalarMult
// implementation is correct for this curve without modification.
var secp160r1 = buildSecp160r1()

func buildSecp160r1() *elliptic.CurveParams {
	p := new(elliptic.CurveParams)
	p.P, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF7FFFFFFF", 16)
	p.N, _ = new(big.Int).SetString("0100000000000000000001F4C8F927AED3CA752257", 16)
	p.B, _ = new(big.Int).SetString("1C97BEFC54BD7A8B65ACF89F81D4D4ADC565FA45", 16)
	p.Gx, _ = new(big.Int).SetString("4A96B5688EF573284664698968C38BB913CBFC82", 16)
	p.Gy, _ = new(big.Int).SetString("23A628553168947D59DCC912042351377AC5FB32", 16)
	p.BitSize = 160
	p.Name = "secp160r1"
	return p
}

// Secp160r1 returns the curve used for LoRa node adoption ECDH.
func Secp160r1() elliptic.Curve { return secp160r1 }

// GenerateECDH160KeyPair generates a fresh secp160r1 key pair. priv is a
// 20-byte scalar; pub is the 40-byte X||Y uncompressed point used on the
// wire.
func GenerateECDH160KeyPair() (priv []byte, pub []byte, err error) {
	curve := secp160r1
	d, x, y, err := genKey(curve)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoprim: generate secp160r1 key: %w", err)
	}
	priv = leftPad(d.Bytes(), secp160r1FieldSize)
	pub = make([]byte, PublicKeySize160)
	copy(pub[0:secp160r1FieldSize], leftPad(x.Bytes(), secp160r1FieldSize))
	copy(pub[secp160r1FieldSize:], leftPad(y.Bytes(), secp160r1FieldSize))
	return priv, pub, nil
}

// genKey draws random scalars until one yields a valid, on-curve point.
// This mirrors the retry-until-valid shape used by stdlib elliptic key
// generation helpers.
func genKey(curve elliptic.Curve) (*big.Int, *big.Int, *big.Int, error) {
	for {
		raw, err := RandomBytes(secp160r1FieldSize)
		if err != nil {
			return nil, nil, nil, err
		}
		d := new(big.Int).SetBytes(raw)
		n := curve.Params().N
		if d.Sign() == 0 || d.Cmp(n) >= 0 {
			continue
		}
		x, y := curve.ScalarBaseMult(d.Bytes())
		if x.Sign() == 0 && y.Sign() == 0 {
			continue
		}
		return d, x, y, nil
	}
}

// ECDH160SharedSecret computes the ECDH shared secret between theirPub (a
// 40-byte X||Y point) and myPriv (a 20-byte scalar): the x-coordinate of
// theirPub scalar-multiplied by myPriv, left-padded to 20 bytes. This
// matches uECC_shared_secret's output exactly.
func ECDH160SharedSecret(theirPub, myPriv []byte) ([]byte, error) {
	if len(theirPub) != PublicKeySize160 {
		return nil, fmt.Errorf("cryptoprim: secp160r1 public key must be %d bytes, got %d", PublicKeySize160, len(theirPub))
	}
	if len(myPriv) != secp160r1FieldSize {
		return nil, fmt.Errorf("cryptoprim: secp160r1 private key must be %d bytes, got %d", secp160r1FieldSize, len(myPriv))
	}
	curve := secp160r1
	x := new(big.Int).SetBytes(theirPub[:secp160r1FieldSize])
	y := new(big.Int).SetBytes(theirPub[secp160r1FieldSize:])
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("cryptoprim: peer public key is not on secp160r1")
	}
	d := new(big.Int).SetBytes(myPriv)
	sx, _ := curve.ScalarMult(x, y, d.Bytes())
	return leftPad(sx.Bytes(), secp160r1FieldSize), nil
}

// DeriveLoRaSessionKey folds a 20-byte ECDH shared secret into the
// 16-byte LoRa session key via the protocol-mandated XOR fold:
// sk[i] = secret[i] XOR secret[(i+4) mod 20].
func DeriveLoRaSessionKey(secret []byte) ([]byte, error) {
	if len(secret) != secp160r1FieldSize {
		return nil, fmt.Errorf("cryptoprim: shared secret must be %d bytes, got %d", secp160r1FieldSize, len(secret))
	}
	sk := make([]byte, 16)
	for i := 0; i < 16; i++ {
		sk[i] = secret[i] ^ secret[(i+4)%secp160r1FieldSize]
	}
	return sk, nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
