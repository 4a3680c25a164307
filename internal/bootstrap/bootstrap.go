// Package bootstrap implements the hub's one-time trust-on-first-use
// credential fetch: before the dispatch loop starts, a hub with no pinned
// server credentials fetches them over HTTPS with certificate validation
// disabled for that single call, then pins the returned certificate for
// every subsequent connection. Grounded on the original firmware's
// BootstrapManager (httpGet/httpPost over a TOFU TLS client, response
// field aliasing).
package bootstrap

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ccroswhite/lora-hub/internal/logging"
)

// Config holds the bootstrap endpoint addresses and policy.
type Config struct {
	ServerHost             string
	ServerPort             int
	BootstrapPath          string
	AnnouncePath           string
	AllowInsecureBootstrap bool
	Timeout                time.Duration
}

// Credentials is the server's bootstrap response: a pinned certificate
// chain and the server's ECDSA signing public key, each PEM-encoded.
type Credentials struct {
	CertChainPEM    string
	SignPublicKPEM  string
	ServerTimestamp int64
}

type bootstrapResponse struct {
	CertChainPEM       string `json:"cert_chain_pem"`
	ServerPubSignKeyPE string `json:"server_pub_sign_key_pem"`
	PubSignKeyPEM      string `json:"pub_sign_key_pem"`
	SrvTs              *int64 `json:"srv_ts"`
	Ts                 *int64 `json:"ts"`
}

func (r *bootstrapResponse) signPublicKeyPEM() string {
	if r.ServerPubSignKeyPE != "" {
		return r.ServerPubSignKeyPE
	}
	return r.PubSignKeyPEM
}

func (r *bootstrapResponse) timestamp() int64 {
	if r.SrvTs != nil {
		return *r.SrvTs
	}
	if r.Ts != nil {
		return *r.Ts
	}
	return 0
}

func (c Config) baseURL() string {
	return fmt.Sprintf("https://%s:%d", c.ServerHost, c.ServerPort)
}

func (c Config) client() *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{}
	if c.AllowInsecureBootstrap {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// FetchCredentials performs the one-time TOFU GET of server credentials.
func FetchCredentials(cfg Config, log *logging.Logger) (*Credentials, error) {
	url := cfg.baseURL() + cfg.BootstrapPath
	log.Info("bootstrap: fetching server credentials from %s", url)

	resp, err := cfg.client().Get(url)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: fetch credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap: fetch credentials: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read credentials response: %w", err)
	}

	var parsed bootstrapResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("bootstrap: parse credentials response: %w", err)
	}

	if parsed.CertChainPEM == "" || parsed.signPublicKeyPEM() == "" {
		return nil, fmt.Errorf("bootstrap: credentials response missing required fields")
	}

	return &Credentials{
		CertChainPEM:    parsed.CertChainPEM,
		SignPublicKPEM:  parsed.signPublicKeyPEM(),
		ServerTimestamp: parsed.timestamp(),
	}, nil
}

// AnnouncePublicKey POSTs the hub's freshly generated device public key to
// the server, once, immediately after identity key generation.
func AnnouncePublicKey(cfg Config, devicePubPEM string, log *logging.Logger) error {
	url := cfg.baseURL() + cfg.AnnouncePath
	log.Info("bootstrap: announcing device public key to %s", url)

	payload, err := json.Marshal(struct {
		PubKeyPEM string `json:"pubkey_pem"`
	}{PubKeyPEM: devicePubPEM})
	if err != nil {
		return fmt.Errorf("bootstrap: marshal announce payload: %w", err)
	}

	resp, err := cfg.client().Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bootstrap: announce public key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("bootstrap: announce public key: unexpected status %d", resp.StatusCode)
	}
	return nil
}
