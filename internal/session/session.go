// Package session implements the Server Session Engine: the canonical
// message-framing rules, sequence/time-drift checks, and handshake state
// that sit on top of the WebSocket transport in transport.go. Grounded on
// the original firmware's SecureMessage (createMessagePack,
// verifyMessage, verifyServerSignature, checkTimeDrift, checkServerSeq).
package session

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ccroswhite/lora-hub/internal/cryptoprim"
)

// DefaultMaxTimeDrift is the maximum allowed difference between a
// received message's timestamp and the local reconstruction of server
// time.
const DefaultMaxTimeDrift = 120 * time.Second

// NonceSize is the length of the random nonce embedded in every framed
// message.
const NonceSize = 12

// State holds the live cryptographic and sequencing state of an
// authenticated server session. It is created fresh on every successful
// handshake and cleared on disconnect.
type State struct {
	mu sync.Mutex

	SessionKey []byte
	SeqOut     uint32
	SeqInLast  uint32

	serverAnchor    int64
	anchorMonotonic time.Time

	Authenticated bool
}

// SetTimeAnchor records the server's reported time alongside the local
// monotonic clock reading at that instant, so Now() can reconstruct
// server time between syncs without trusting the local wall clock.
func (s *State) SetTimeAnchor(serverTs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverAnchor = serverTs
	s.anchorMonotonic = time.Now()
}

// Now reconstructs the current server time from the last anchor.
func (s *State) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked()
}

func (s *State) nowLocked() int64 {
	return s.serverAnchor + int64(time.Since(s.anchorMonotonic).Seconds())
}

// Reset clears all session state, as happens on disconnect.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SessionKey = nil
	s.SeqOut = 0
	s.SeqInLast = 0
	s.Authenticated = false
}

// DeriveSessionKey computes session_key = HKDF-SHA256(ikm, salt, info)
// from the base64-encoded ikm/salt carried in a hello_ack/session_ack,
// and stores it.
func (s *State) DeriveSessionKey(ikmB64, saltB64, info string) error {
	ikm, err := cryptoprim.Base64Decode(ikmB64)
	if err != nil {
		return fmt.Errorf("session: decode ikm: %w", err)
	}
	salt, err := cryptoprim.Base64Decode(saltB64)
	if err != nil {
		return fmt.Errorf("session: decode salt: %w", err)
	}
	s.mu.Lock()
	s.SessionKey = cryptoprim.HKDFSHA256(ikm, salt, []byte(info))
	s.mu.Unlock()
	return nil
}

// BuildAuthenticated constructs a MAC-framed outgoing Envelope of the
// given type carrying payload (marshaled to compact JSON if non-nil).
// It consumes the next output sequence number.
func (s *State) BuildAuthenticated(msgType string, payload any) (*Envelope, error) {
	var payloadJSON json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("session: marshal payload: %w", err)
		}
		payloadJSON = b
	}

	nonce, err := cryptoprim.RandomBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("session: generate nonce: %w", err)
	}
	nonceB64 := cryptoprim.Base64Encode(nonce)

	s.mu.Lock()
	seq := s.SeqOut
	s.SeqOut++
	ts := s.nowLocked()
	key := s.SessionKey
	s.mu.Unlock()

	if len(key) == 0 {
		return nil, fmt.Errorf("session: no session key established")
	}

	pack := BuildPack(msgType, seq, ts, nonceB64, payloadJSON)
	mac := ComputeMAC(key, pack)

	return &Envelope{
		Type:    msgType,
		Seq:     seq,
		Ts:      ts,
		Nonce:   nonceB64,
		Payload: payloadJSON,
		Mac:     mac,
	}, nil
}

// VerifyMessage authenticates an inbound Envelope against the established
// session key: it rebuilds the canonical pack, checks the MAC, the time
// drift, and the strictly-increasing sequence number, advancing
// seq_in_last only on success.
func (s *State) VerifyMessage(env *Envelope, maxDrift time.Duration) error {
	s.mu.Lock()
	key := s.SessionKey
	lastSeq := s.SeqInLast
	now := s.nowLocked()
	s.mu.Unlock()

	if len(key) == 0 {
		return fmt.Errorf("session: no session key established")
	}

	pack := BuildPack(env.Type, env.Seq, env.Ts, env.Nonce, env.Payload)
	if !VerifyMAC(key, pack, env.Mac) {
		return fmt.Errorf("session: MAC verification failed for %q", env.Type)
	}

	drift := env.Ts - now
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > maxDrift {
		return fmt.Errorf("session: time drift %ds exceeds maximum for %q", drift, env.Type)
	}

	if env.Seq <= lastSeq {
		return fmt.Errorf("session: sequence %d is not greater than last accepted %d", env.Seq, lastSeq)
	}

	s.mu.Lock()
	s.SeqInLast = env.Seq
	s.mu.Unlock()
	return nil
}

// VerifyServerSignature verifies the lightweight server signature used on
// handshake acknowledgments (timestamp_ack, hello_ack, session_ack):
// ECDSA over sha256(ts_as_string || nonce_bytes).
func VerifyServerSignature(pub *ecdsa.PublicKey, ts int64, nonceB64 string, sigB64 string) error {
	nonce, err := cryptoprim.Base64Decode(nonceB64)
	if err != nil {
		return fmt.Errorf("session: decode nonce: %w", err)
	}
	digest := cryptoprim.SHA256(append([]byte(fmt.Sprintf("%d", ts)), nonce...))
	if !cryptoprim.VerifyDigest(pub, digest, sigB64) {
		return fmt.Errorf("session: server signature verification failed")
	}
	return nil
}

// SignHelloDigest signs sha256(device_id || ts_as_string || nonce_bytes)
// with the hub's identity private key, as required for the hello/session
// handshake messages.
func SignHelloDigest(priv *ecdsa.PrivateKey, deviceID string, ts int64, nonce []byte) (string, error) {
	data := append([]byte(fmt.Sprintf("%s%d", deviceID, ts)), nonce...)
	digest := cryptoprim.SHA256(data)
	return cryptoprim.SignDigest(priv, digest)
}
