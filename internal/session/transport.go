package session

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ccroswhite/lora-hub/internal/cryptoprim"
	"github.com/ccroswhite/lora-hub/internal/logging"
)

// Config holds the WebSocket transport's connection parameters, mirroring
// the teacher's cloud client Config shape renamed to the hub's identity
// terms.
type Config struct {
	URL              string
	DeviceID         string
	APIKey           string
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	PingRetries      int
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	ServerCertPEM    string // if set, pins the TLS connection to this cert
	IdentityPriv     *ecdsa.PrivateKey
	IdentityPubPEM   string
	ServerSigningPub *ecdsa.PublicKey
	MaxTimeDrift     time.Duration
}

// NodeRestoration is one entry of a session_ack restoration list.
type NodeRestoration struct {
	SerialID        string
	SharedSecretHex string
}

// DirectiveHandler is invoked for every authenticated downstream message
// after the handshake completes (adopt_ack and handshake acks are handled
// internally; everything else is forwarded here).
type DirectiveHandler func(env *Envelope)

// RestorationHandler is invoked once per session_ack handshake with the
// node restoration list it carries; a session_ack without a nodes field
// yields an empty list.
type RestorationHandler func(nodes []NodeRestoration)

// Client is the hub's WebSocket connection to the server: dial/backoff,
// independent read/write/ping loops, and the handshake + framed-message
// state built on top, exactly mirroring the teacher's cloud client
// architecture (connectionLoop/readLoop/writeLoop/pingLoop coordinated by
// a stop channel and a WaitGroup) fused with the original protocol's
// handshake and MAC framing.
type Client struct {
	cfg Config
	log *logging.Logger

	conn      *websocket.Conn
	sendChan  chan *Envelope
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	connected bool

	State *State

	OnDirective DirectiveHandler
	OnRestore   RestorationHandler
	Adopted     func() bool
	SetAdopted  func(bool)
}

// New creates a new session Client. State is a fresh *State; it is reset
// on every disconnect and re-derived on every successful handshake.
func New(cfg Config, log *logging.Logger) *Client {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.MaxTimeDrift == 0 {
		cfg.MaxTimeDrift = DefaultMaxTimeDrift
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		sendChan: make(chan *Envelope, 32),
		stopChan: make(chan struct{}),
		State:    &State{},
	}
}

// Run drives the connection loop until Stop is called.
func (c *Client) Run() {
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.log.Warn("session: connect failed: %v", err)
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-c.stopChan:
				return
			}
			continue
		}

		c.runMessageLoops()

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.State.Reset()

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-c.stopChan:
			return
		}
	}
}

// Stop shuts the client down, blocking until all loops exit.
func (c *Client) Stop() {
	close(c.stopChan)
	c.disconnect()
	c.wg.Wait()
}

// Send enqueues an authenticated message of msgType carrying payload. It
// returns an error if the session is not yet authenticated.
func (c *Client) Send(msgType string, payload any) error {
	if !c.State.Authenticated {
		return fmt.Errorf("session: cannot send %q before authentication", msgType)
	}
	env, err := c.State.BuildAuthenticated(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.sendChan <- env:
		return nil
	default:
		return fmt.Errorf("session: send queue full")
	}
}

func (c *Client) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.cfg.ServerCertPEM != "" {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM([]byte(c.cfg.ServerCertPEM))
		dialer.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	header := http.Header{}
	header.Set("X-Device-ID", c.cfg.DeviceID)
	header.Set("X-API-Key", c.cfg.APIKey)

	conn, _, err := dialer.Dial(c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		conn.Close()
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Client) runMessageLoops() {
	recvChan := make(chan *Envelope, 32)
	errChan := make(chan error, 2)

	var loopWg sync.WaitGroup
	loopWg.Add(2)
	go c.readLoop(recvChan, errChan, &loopWg)
	go c.writeLoop(errChan, &loopWg)

	pingStop := make(chan struct{})
	loopWg.Add(1)
	go c.pingLoop(errChan, pingStop, &loopWg)

	for {
		select {
		case env := <-recvChan:
			c.handleMessage(env)
		case <-errChan:
			close(pingStop)
			c.disconnect()
			loopWg.Wait()
			return
		case <-c.stopChan:
			close(pingStop)
			c.disconnect()
			loopWg.Wait()
			return
		}
	}
}

func (c *Client) readLoop(recvChan chan<- *Envelope, errChan chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case errChan <- err:
			default:
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("session: failed to parse inbound frame: %v", err)
			continue
		}
		select {
		case recvChan <- &env:
		case <-c.stopChan:
			return
		}
	}
}

func (c *Client) writeLoop(errChan chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case env := <-c.sendChan:
			if err := c.writeEnvelope(env); err != nil {
				select {
				case errChan <- err:
				default:
				}
				return
			}
		case <-c.stopChan:
			return
		}
	}
}

func (c *Client) pingLoop(errChan chan<- error, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.PingTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				failures++
				if failures > c.cfg.PingRetries {
					select {
					case errChan <- err:
					default:
					}
					return
				}
				continue
			}
			failures = 0
		case <-stop:
			return
		case <-c.stopChan:
			return
		}
	}
}

func (c *Client) writeEnvelope(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session: no active connection")
	}
	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handshake runs the deterministic handshake sequence described in the
// session protocol: timestamp sync, hello/session, derive key, ack.
func (c *Client) handshake() error {
	if err := c.writeEnvelope(&Envelope{Type: "timestamp"}); err != nil {
		return err
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read timestamp_ack: %w", err)
	}
	var tsAck Envelope
	if err := json.Unmarshal(data, &tsAck); err != nil {
		return fmt.Errorf("parse timestamp_ack: %w", err)
	}
	if tsAck.Type != "timestamp_ack" {
		return fmt.Errorf("expected timestamp_ack, got %q", tsAck.Type)
	}
	if err := VerifyServerSignature(c.cfg.ServerSigningPub, tsAck.Ts, tsAck.Nonce, tsAck.Sig); err != nil {
		return err
	}
	c.State.SetTimeAnchor(tsAck.Ts)

	adopted := false
	if c.Adopted != nil {
		adopted = c.Adopted()
	}

	nonce, err := cryptoprim.RandomBytes(NonceSize)
	if err != nil {
		return fmt.Errorf("generate hello nonce: %w", err)
	}
	nonceB64 := cryptoprim.Base64Encode(nonce)
	ts := c.State.Now()

	sig, err := SignHelloDigest(c.cfg.IdentityPriv, c.cfg.DeviceID, ts, nonce)
	if err != nil {
		return fmt.Errorf("sign hello: %w", err)
	}

	req := &Envelope{DeviceID: c.cfg.DeviceID, Ts: ts, Nonce: nonceB64, Sig: sig}
	var ackType, replyType string
	if adopted {
		req.Type = "session"
		replyType = "session_ack"
	} else {
		req.Type = "hello"
		req.PubKeyPEM = c.cfg.IdentityPubPEM
		replyType = "hello_ack"
	}
	ackType = replyType

	if err := c.writeEnvelope(req); err != nil {
		return err
	}

	_, data, err = c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read %s: %w", replyType, err)
	}
	var ack Envelope
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("parse %s: %w", replyType, err)
	}
	if ack.Type != ackType {
		return fmt.Errorf("expected %s, got %q", ackType, ack.Type)
	}
	if err := VerifyServerSignature(c.cfg.ServerSigningPub, ack.Ts, ack.Nonce, ack.Sig); err != nil {
		return err
	}

	var body struct {
		IKM  string `json:"ikm"`
		Salt string `json:"salt"`
		Info string `json:"info"`
		Seq0 uint32 `json:"seq0"`
		Adopted bool `json:"adopt_ack"`
		Nodes []struct {
			SerialID        string `json:"serial_id"`
			SharedSecretHex string `json:"shared_secret_hex"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(ack.Payload, &body); err != nil {
		return fmt.Errorf("parse %s payload: %w", replyType, err)
	}

	if err := c.State.DeriveSessionKey(body.IKM, body.Salt, body.Info); err != nil {
		return err
	}
	c.State.SeqOut = body.Seq0
	c.State.SetTimeAnchor(ack.Ts)

	replyAck, err := c.State.BuildAuthenticated(ackType, nil)
	if err != nil {
		return fmt.Errorf("build %s reply: %w", ackType, err)
	}
	if err := c.writeEnvelope(replyAck); err != nil {
		return err
	}

	if !adopted {
		c.State.Authenticated = body.Adopted
		if body.Adopted && c.SetAdopted != nil {
			c.SetAdopted(true)
		}
	} else {
		if c.OnRestore != nil {
			nodes := make([]NodeRestoration, len(body.Nodes))
			for i, n := range body.Nodes {
				nodes[i] = NodeRestoration{SerialID: n.SerialID, SharedSecretHex: n.SharedSecretHex}
			}
			c.OnRestore(nodes)
		}
		c.State.Authenticated = true
	}

	return nil
}

func (c *Client) handleMessage(env *Envelope) {
	if env.Type == "timestamp_ack" || env.Type == "hello_ack" || env.Type == "session_ack" {
		return
	}

	if err := c.State.VerifyMessage(env, c.cfg.MaxTimeDrift); err != nil {
		c.log.Warn("session: dropping unauthenticated message %q: %v", env.Type, err)
		return
	}

	switch env.Type {
	case "adopt_ack":
		c.State.Authenticated = true
		if c.SetAdopted != nil {
			c.SetAdopted(true)
		}
	default:
		if c.OnDirective != nil {
			c.OnDirective(env)
		}
	}
}
