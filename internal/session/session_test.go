package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ccroswhite/lora-hub/internal/cryptoprim"
)

func TestBuildPackFieldOrderAndNoWhitespace(t *testing.T) {
	got := BuildPack("hello", 3, 1000, "bm9uY2U=", nil)
	want := `{"type":"hello","seq":3,"ts":1000,"nonce":"bm9uY2U="}`
	if got != want {
		t.Fatalf("BuildPack mismatch:\n got:  %s\n want: %s", got, want)
	}
}

func TestBuildPackWithPayload(t *testing.T) {
	payload := json.RawMessage(`{"serial_id":"abc"}`)
	got := BuildPack("discovery", 1, 500, "bm9uY2U=", payload)
	want := `{"type":"discovery","seq":1,"ts":500,"nonce":"bm9uY2U=","payload":{"serial_id":"abc"}}`
	if got != want {
		t.Fatalf("BuildPack with payload mismatch:\n got:  %s\n want: %s", got, want)
	}
}

func TestMACRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	pack := BuildPack("telemetry", 7, 1000, "bm9uY2U=", nil)
	mac := ComputeMAC(key, pack)
	if !VerifyMAC(key, pack, mac) {
		t.Fatal("VerifyMAC rejected a valid MAC")
	}
	if VerifyMAC(key, pack+"x", mac) {
		t.Fatal("VerifyMAC accepted a MAC for a tampered pack")
	}
}

func newTestState(t *testing.T) *State {
	t.Helper()
	s := &State{}
	s.SessionKey = make([]byte, 32)
	s.SetTimeAnchor(1_700_000_000)
	return s
}

func TestBuildAndVerifyAuthenticatedMessage(t *testing.T) {
	sender := newTestState(t)
	receiver := newTestState(t)
	receiver.SessionKey = sender.SessionKey

	env, err := sender.BuildAuthenticated("telemetry", map[string]any{"cpu_pct": 12})
	if err != nil {
		t.Fatalf("BuildAuthenticated: %v", err)
	}

	if err := receiver.VerifyMessage(env, DefaultMaxTimeDrift); err != nil {
		t.Fatalf("VerifyMessage rejected a freshly built message: %v", err)
	}
}

func TestBuildAuthenticatedEmitsPostIncrementSequence(t *testing.T) {
	sender := newTestState(t)
	sender.SeqOut = 42

	env, err := sender.BuildAuthenticated("telemetry", nil)
	if err != nil {
		t.Fatalf("BuildAuthenticated: %v", err)
	}
	if env.Seq != 42 {
		t.Fatalf("expected first emitted seq to equal seq_out (42), got %d", env.Seq)
	}
	if sender.SeqOut != 43 {
		t.Fatalf("expected seq_out to advance to 43 after emitting seq 42, got %d", sender.SeqOut)
	}

	env2, err := sender.BuildAuthenticated("telemetry", nil)
	if err != nil {
		t.Fatalf("BuildAuthenticated: %v", err)
	}
	if env2.Seq != 43 {
		t.Fatalf("expected second emitted seq to be 43, got %d", env2.Seq)
	}
}

func TestVerifyMessageRejectsStaleSequence(t *testing.T) {
	sender := newTestState(t)
	receiver := newTestState(t)
	receiver.SessionKey = sender.SessionKey

	env1, _ := sender.BuildAuthenticated("telemetry", nil)
	if err := receiver.VerifyMessage(env1, DefaultMaxTimeDrift); err != nil {
		t.Fatalf("first message should verify: %v", err)
	}

	env2, _ := sender.BuildAuthenticated("telemetry", nil)
	env2.Seq = env1.Seq // simulate a replayed/duplicate sequence number
	env2.Mac = ComputeMAC(sender.SessionKey, BuildPack(env2.Type, env2.Seq, env2.Ts, env2.Nonce, env2.Payload))

	if err := receiver.VerifyMessage(env2, DefaultMaxTimeDrift); err == nil {
		t.Fatal("expected VerifyMessage to reject a non-increasing sequence number")
	}
}

func TestVerifyMessageRejectsExcessiveTimeDrift(t *testing.T) {
	sender := newTestState(t)
	receiver := newTestState(t)
	receiver.SessionKey = sender.SessionKey

	env, _ := sender.BuildAuthenticated("telemetry", nil)
	env.Ts += int64(DefaultMaxTimeDrift.Seconds()) + 100
	env.Mac = ComputeMAC(sender.SessionKey, BuildPack(env.Type, env.Seq, env.Ts, env.Nonce, env.Payload))

	if err := receiver.VerifyMessage(env, DefaultMaxTimeDrift); err == nil {
		t.Fatal("expected VerifyMessage to reject excessive time drift")
	}
}

func TestServerSignatureRoundTrip(t *testing.T) {
	privPEM, pubPEM, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}

	priv, err := cryptoprim.ParseECDSAPrivateKeyPEM(privPEM)
	if err != nil {
		t.Fatalf("ParseECDSAPrivateKeyPEM: %v", err)
	}
	pub, err := cryptoprim.ParseECDSAPublicKeyPEM(pubPEM)
	if err != nil {
		t.Fatalf("ParseECDSAPublicKeyPEM: %v", err)
	}

	nonce := []byte("abcdefgh1234")
	nonceB64 := cryptoprim.Base64Encode(nonce)
	sig, err := cryptoprim.SignDigest(priv, cryptoprim.SHA256(append([]byte("1000"), nonce...)))
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}

	if err := VerifyServerSignature(pub, 1000, nonceB64, sig); err != nil {
		t.Fatalf("VerifyServerSignature rejected a valid signature: %v", err)
	}
	if err := VerifyServerSignature(pub, 1001, nonceB64, sig); err == nil {
		t.Fatal("expected VerifyServerSignature to reject a mismatched timestamp")
	}
}

var _ = time.Second
