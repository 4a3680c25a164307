package bootstrap

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/ccroswhite/lora-hub/internal/logging"
)

func testConfig(t *testing.T, srv *httptest.Server) Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return Config{
		ServerHost:             u.Hostname(),
		ServerPort:             port,
		BootstrapPath:          "/bootstrap",
		AnnouncePath:           "/announce",
		AllowInsecureBootstrap: true,
	}
}

func TestFetchCredentialsAcceptsLegacyFieldNames(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"cert_chain_pem":    "CERT-CHAIN",
			"pub_sign_key_pem":  "SIGN-PUB",
			"ts":                1234,
		})
	}))
	defer srv.Close()

	creds, err := FetchCredentials(testConfig(t, srv), logging.Default())
	if err != nil {
		t.Fatalf("FetchCredentials: %v", err)
	}
	if creds.CertChainPEM != "CERT-CHAIN" || creds.SignPublicKPEM != "SIGN-PUB" || creds.ServerTimestamp != 1234 {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestFetchCredentialsPrefersNewFieldNames(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"cert_chain_pem":           "CERT-CHAIN",
			"server_pub_sign_key_pem":  "SIGN-PUB-NEW",
			"pub_sign_key_pem":         "SIGN-PUB-OLD",
			"srv_ts":                   5678,
			"ts":                       1,
		})
	}))
	defer srv.Close()

	creds, err := FetchCredentials(testConfig(t, srv), logging.Default())
	if err != nil {
		t.Fatalf("FetchCredentials: %v", err)
	}
	if creds.SignPublicKPEM != "SIGN-PUB-NEW" || creds.ServerTimestamp != 5678 {
		t.Fatalf("expected new field names to take priority, got %+v", creds)
	}
}

func TestAnnouncePublicKeySendsPubkeyPEM(t *testing.T) {
	var received string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			PubKeyPEM string `json:"pubkey_pem"`
		}
		json.Unmarshal(body, &payload)
		received = payload.PubKeyPEM
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := AnnouncePublicKey(testConfig(t, srv), "MY-PUB-PEM", logging.Default()); err != nil {
		t.Fatalf("AnnouncePublicKey: %v", err)
	}
	if !strings.Contains(received, "MY-PUB-PEM") {
		t.Fatalf("expected announce body to contain public key, got %q", received)
	}
}
