package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ccroswhite/lora-hub/internal/cryptoprim"
	"github.com/ccroswhite/lora-hub/internal/logging"
)

// startHandshakeServer drives one connection through the exact handshake
// sequence the Client expects: timestamp -> timestamp_ack, hello|session
// -> ack carrying ikm/salt/info, then reads the MAC-authenticated ack-back.
func startHandshakeServer(t *testing.T, signPrivPEM string, adoptAck bool, restoreNodes []NodeRestoration) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	priv, err := cryptoprim.ParseECDSAPrivateKeyPEM(signPrivPEM)
	if err != nil {
		t.Fatalf("ParseECDSAPrivateKeyPEM: %v", err)
	}

	ikm, _ := cryptoprim.RandomBytes(32)
	salt, _ := cryptoprim.RandomBytes(16)
	ikmB64 := cryptoprim.Base64Encode(ikm)
	saltB64 := cryptoprim.Base64Encode(salt)

	signAck := func(ts int64, nonce []byte) string {
		digest := cryptoprim.SHA256(append([]byte(fmt.Sprintf("%d", ts)), nonce...))
		sig, err := cryptoprim.SignDigest(priv, digest)
		if err != nil {
			t.Fatalf("SignDigest: %v", err)
		}
		return sig
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var tsReq Envelope
		if err := conn.ReadJSON(&tsReq); err != nil {
			return
		}
		ackTs := time.Now().Unix()
		nonce, _ := cryptoprim.RandomBytes(NonceSize)
		nonceB64 := cryptoprim.Base64Encode(nonce)
		conn.WriteJSON(&Envelope{
			Type:  "timestamp_ack",
			Ts:    ackTs,
			Nonce: nonceB64,
			Sig:   signAck(ackTs, nonce),
		})

		var req Envelope
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		replyType := "hello_ack"
		if req.Type == "session" {
			replyType = "session_ack"
		}

		nonce2, _ := cryptoprim.RandomBytes(NonceSize)
		nonce2B64 := cryptoprim.Base64Encode(nonce2)
		payload := map[string]any{
			"ikm":  ikmB64,
			"salt": saltB64,
			"info": "hub-session",
			"seq0": 0,
		}
		if req.Type == "hello" {
			payload["adopt_ack"] = adoptAck
		} else {
			nodes := make([]map[string]string, len(restoreNodes))
			for i, n := range restoreNodes {
				nodes[i] = map[string]string{"serial_id": n.SerialID, "shared_secret_hex": n.SharedSecretHex}
			}
			payload["nodes"] = nodes
		}
		payloadJSON, _ := json.Marshal(payload)

		conn.WriteJSON(&Envelope{
			Type:    replyType,
			Ts:      ackTs,
			Nonce:   nonce2B64,
			Sig:     signAck(ackTs, nonce2),
			Payload: payloadJSON,
		})

		var ackBack Envelope
		conn.ReadJSON(&ackBack)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestHandshakeFreshAdoption(t *testing.T) {
	devPriv, devPub, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair (device): %v", err)
	}
	srvPriv, srvPub, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair (server): %v", err)
	}

	srv, wsURL := startHandshakeServer(t, srvPriv, true, nil)
	defer srv.Close()

	devPrivKey, err := cryptoprim.ParseECDSAPrivateKeyPEM(devPriv)
	if err != nil {
		t.Fatalf("ParseECDSAPrivateKeyPEM: %v", err)
	}
	srvPubKey, err := cryptoprim.ParseECDSAPublicKeyPEM(srvPub)
	if err != nil {
		t.Fatalf("ParseECDSAPublicKeyPEM: %v", err)
	}

	adopted := false
	client := New(Config{
		URL:              wsURL,
		DeviceID:         "hub-1",
		IdentityPriv:     devPrivKey,
		IdentityPubPEM:   devPub,
		ServerSigningPub: srvPubKey,
	}, logging.Default())
	client.Adopted = func() bool { return adopted }
	client.SetAdopted = func(v bool) { adopted = v }

	if err := client.connect(); err != nil {
		t.Fatalf("connect/handshake failed: %v", err)
	}
	defer client.disconnect()

	if !client.State.Authenticated {
		t.Fatal("expected session to be authenticated after a fresh adopt_ack")
	}
	if !adopted {
		t.Fatal("expected SetAdopted(true) to be called on fresh adoption")
	}
	if len(client.State.SessionKey) == 0 {
		t.Fatal("expected a session key to be derived")
	}
}

func TestHandshakeRestoresSession(t *testing.T) {
	devPriv, devPub, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair (device): %v", err)
	}
	srvPriv, srvPub, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair (server): %v", err)
	}

	wantNodes := []NodeRestoration{{SerialID: "0000000A", SharedSecretHex: "aabbccdd"}}
	srv, wsURL := startHandshakeServer(t, srvPriv, false, wantNodes)
	defer srv.Close()

	devPrivKey, err := cryptoprim.ParseECDSAPrivateKeyPEM(devPriv)
	if err != nil {
		t.Fatalf("ParseECDSAPrivateKeyPEM: %v", err)
	}
	srvPubKey, err := cryptoprim.ParseECDSAPublicKeyPEM(srvPub)
	if err != nil {
		t.Fatalf("ParseECDSAPublicKeyPEM: %v", err)
	}

	var restored []NodeRestoration
	client := New(Config{
		URL:              wsURL,
		DeviceID:         "hub-1",
		IdentityPriv:     devPrivKey,
		IdentityPubPEM:   devPub,
		ServerSigningPub: srvPubKey,
	}, logging.Default())
	client.Adopted = func() bool { return true }
	client.OnRestore = func(nodes []NodeRestoration) { restored = nodes }

	if err := client.connect(); err != nil {
		t.Fatalf("connect/handshake failed: %v", err)
	}
	defer client.disconnect()

	if !client.State.Authenticated {
		t.Fatal("expected session restoration to authenticate")
	}
	if len(restored) != 1 || restored[0] != wantNodes[0] {
		t.Fatalf("unexpected restored node list: %+v", restored)
	}
}
