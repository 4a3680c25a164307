package session

import (
	"encoding/json"
	"fmt"

	"github.com/ccroswhite/lora-hub/internal/cryptoprim"
)

// Envelope is the outer JSON frame exchanged with the server over the
// WebSocket connection, covering both the unauthenticated handshake
// messages and the MAC-framed messages that follow key derivation.
type Envelope struct {
	Type      string          `json:"type"`
	Seq       uint32          `json:"seq,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Mac       string          `json:"mac,omitempty"`
	Sig       string          `json:"sig,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	PubKeyPEM string          `json:"pubkey_pem,omitempty"`
}

// BuildPack constructs the canonical signed string the MAC covers:
// `{"type":"<t>","seq":<n>,"ts":<ts>,"nonce":"<b64>"[,"payload":<payload_json>]}`
// in exactly this field order with no whitespace. payload, if non-nil,
// is embedded verbatim (it must already be compact JSON).
func BuildPack(msgType string, seq uint32, ts int64, nonceB64 string, payload json.RawMessage) string {
	if len(payload) > 0 {
		return fmt.Sprintf(`{"type":%s,"seq":%d,"ts":%d,"nonce":%s,"payload":%s}`,
			quoteJSON(msgType), seq, ts, quoteJSON(nonceB64), payload)
	}
	return fmt.Sprintf(`{"type":%s,"seq":%d,"ts":%d,"nonce":%s}`,
		quoteJSON(msgType), seq, ts, quoteJSON(nonceB64))
}

// quoteJSON produces a JSON string literal for s using the standard
// library's escaping rules, so the canonical pack matches exactly what
// encoding/json would have produced for the same string value.
func quoteJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// ComputeMAC returns the base64-encoded HMAC-SHA256 of pack under
// sessionKey.
func ComputeMAC(sessionKey []byte, pack string) string {
	tag := cryptoprim.HMACSHA256(sessionKey, []byte(pack))
	return cryptoprim.Base64Encode(tag)
}

// VerifyMAC reports whether macB64 is the correct MAC of pack under
// sessionKey, in constant time.
func VerifyMAC(sessionKey []byte, pack string, macB64 string) bool {
	tag, err := cryptoprim.Base64Decode(macB64)
	if err != nil {
		return false
	}
	return cryptoprim.VerifyHMAC(sessionKey, []byte(pack), tag)
}
