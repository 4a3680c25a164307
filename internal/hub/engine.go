// Package hub implements the LoRa Protocol Engine: the adoption state
// machine and the frame handlers for discovery, adoption requests,
// challenge-based resync, and encrypted data/command exchange. It owns
// the hub's ephemeral ECDH key pair and the node registry, and sits atop
// a pluggable radio.Driver. Grounded on LoRaManager's process/handle*
// dispatch and the teacher's engine.go Config/New/Start/Stop shape.
package hub

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ccroswhite/lora-hub/internal/cryptoprim"
	"github.com/ccroswhite/lora-hub/internal/logging"
	"github.com/ccroswhite/lora-hub/internal/loraproto"
	"github.com/ccroswhite/lora-hub/internal/radio"
	"github.com/ccroswhite/lora-hub/internal/registry"
)

// DefaultAdoptionTimeout is the default duration an adoption window stays
// open for a single expected node.
const DefaultAdoptionTimeout = 30 * time.Second

// UpstreamSink receives the events the engine produces for relay to the
// server session. It is implemented by internal/bridge; the engine holds
// only this interface, never the bridge's concrete type.
type UpstreamSink interface {
	Discovery(serialID string, rssi int16, snr float32)
	NodeAdopted(serialID string, sharedSecretHex string)
	MessageFromNode(serialID string, message string)
}

// Config holds the LoRa Protocol Engine's tunables.
type Config struct {
	AdoptionTimeout time.Duration
	PacketQueueSize int
}

// DefaultConfig returns the engine's default tunables.
func DefaultConfig() Config {
	return Config{
		AdoptionTimeout: DefaultAdoptionTimeout,
		PacketQueueSize: 5,
	}
}

type rxFrame struct {
	data []byte
	rssi int16
	snr  float32
}

// Engine is the LoRa Protocol Engine. All mutable core state (adoption
// window, hub ECDH key pair) is owned exclusively by its dispatch
// goroutine; the registry carries its own mutex only so external readers
// (diagnostics) can query counts without a channel round trip.
type Engine struct {
	cfg    Config
	log    *logging.Logger
	driver radio.Driver
	reg    *registry.Registry
	sink   UpstreamSink

	hubPriv []byte
	hubPub  []byte

	adoptionExpected *loraproto.NodeID
	adoptionDeadline time.Time

	rxChan   chan rxFrame
	ctrlChan chan func(*Engine)
	stopChan chan struct{}
	wg       sync.WaitGroup

	startOnce sync.Once
}

// New creates an Engine, generating the hub's ephemeral ECDH key pair.
func New(cfg Config, driver radio.Driver, reg *registry.Registry, sink UpstreamSink, log *logging.Logger) (*Engine, error) {
	log.Info("hub: generating ECDH key pair for LoRa adoption")
	priv, pub, err := cryptoprim.GenerateECDH160KeyPair()
	if err != nil {
		return nil, fmt.Errorf("hub: generate ECDH key pair: %w", err)
	}
	if cfg.PacketQueueSize <= 0 {
		cfg.PacketQueueSize = 5
	}
	if cfg.AdoptionTimeout <= 0 {
		cfg.AdoptionTimeout = DefaultAdoptionTimeout
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		driver:   driver,
		reg:      reg,
		sink:     sink,
		hubPriv:  priv,
		hubPub:   pub,
		rxChan:   make(chan rxFrame, cfg.PacketQueueSize),
		ctrlChan: make(chan func(*Engine)),
		stopChan: make(chan struct{}),
	}, nil
}

// SetSink (re)binds the engine's upstream sink. It must be called before
// Start; the bridge is constructed with a reference to the engine, so the
// two are wired together after both exist rather than at New time.
func (e *Engine) SetSink(sink UpstreamSink) {
	e.sink = sink
}

// Start wires the receive callback, starts the radio, and launches the
// dispatch goroutine.
func (e *Engine) Start() error {
	e.driver.SetReceiveCallback(e.onReceive)
	if err := e.driver.Start(); err != nil {
		return fmt.Errorf("hub: start radio: %w", err)
	}
	e.wg.Add(1)
	go e.dispatchLoop()
	return nil
}

// Stop tears down the dispatch goroutine and the radio.
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()
	return e.driver.Stop()
}

func (e *Engine) onReceive(frame []byte, rssi int16, snr float32) {
	select {
	case e.rxChan <- rxFrame{data: frame, rssi: rssi, snr: snr}:
	default:
		e.log.Warn("hub: packet queue full, dropping received frame")
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case f := <-e.rxChan:
			e.handleFrame(f)
		case fn := <-e.ctrlChan:
			fn(e)
		case <-ticker.C:
			e.checkAdoptionTimeout()
		case <-e.stopChan:
			return
		}
	}
}

func (e *Engine) handleFrame(f rxFrame) {
	msgType, err := loraproto.FrameType(f.data)
	if err != nil {
		e.log.Warn("hub: %v", err)
		return
	}

	switch msgType {
	case loraproto.TypeDiscovery:
		e.handleDiscovery(f.data, f.rssi, f.snr)
	case loraproto.TypeAdoptReq:
		e.handleAdoptReq(f.data)
	case loraproto.TypeChallenge:
		e.handleChallenge(f.data)
	case loraproto.TypeData:
		e.handleData(f.data)
	default:
		e.log.Warn("hub: unrecognized frame type 0x%02x", msgType)
	}
}

func (e *Engine) handleDiscovery(data []byte, rssi int16, snr float32) {
	disc, err := loraproto.DecodeDiscovery(data)
	if err != nil {
		e.log.Warn("hub: %v", err)
		return
	}
	if e.reg.Find(disc.NodeID) >= 0 {
		return
	}
	e.reg.AddDiscovered(disc.NodeID, rssi, snr, nowMs())
	e.sink.Discovery(disc.NodeID.String(), rssi, snr)
}

func (e *Engine) handleAdoptReq(data []byte) {
	req, err := loraproto.DecodeAdoptReq(data)
	if err != nil {
		e.log.Warn("hub: %v", err)
		return
	}

	if e.adoptionExpected == nil {
		e.log.Warn("hub: adopt_req from %s while not in adoption mode", req.NodeID)
		return
	}
	if time.Now().After(e.adoptionDeadline) {
		e.log.Warn("hub: adopt_req from %s after the adoption window deadline", req.NodeID)
		e.closeAdoptionWindow()
		return
	}
	if req.NodeID != *e.adoptionExpected {
		e.log.Warn("hub: adopt_req from unexpected node %s, expected %s", req.NodeID, *e.adoptionExpected)
		return
	}

	secret, err := cryptoprim.ECDH160SharedSecret(req.NodePub[:], e.hubPriv)
	if err != nil {
		e.log.Error("hub: ECDH failed for %s: %v", req.NodeID, err)
		return
	}
	sk, err := cryptoprim.DeriveLoRaSessionKey(secret)
	if err != nil {
		e.log.Error("hub: session key derivation failed for %s: %v", req.NodeID, err)
		return
	}
	var sessionKey [16]byte
	copy(sessionKey[:], sk)

	if _, err := e.reg.Add(req.NodeID, sessionKey, nowMs()); err != nil {
		e.log.Error("hub: %v", err)
		return
	}

	rsp := &loraproto.AdoptRsp{NodeID: req.NodeID, Status: loraproto.AdoptStatusGranted}
	copy(rsp.HubPub[:], e.hubPub)
	if err := e.driver.Send(rsp.Encode()); err != nil {
		e.log.Error("hub: failed to send adopt_rsp to %s: %v", req.NodeID, err)
		return
	}

	e.closeAdoptionWindow()
	e.log.Info("hub: adopted node %s", req.NodeID)
	e.sink.NodeAdopted(req.NodeID.String(), hex.EncodeToString(secret))
}

func (e *Engine) handleChallenge(data []byte) {
	ch, err := loraproto.DecodeChallenge(data)
	if err != nil {
		e.log.Warn("hub: %v", err)
		return
	}

	idx := e.reg.Find(ch.NodeID)
	if idx == -1 {
		e.log.Warn("hub: challenge from unknown node %s", ch.NodeID)
		return
	}
	rec, ok := e.reg.Get(idx)
	if !ok {
		return
	}

	if !cryptoprim.VerifyHMAC(rec.SessionKey[:], ch.SignedPortion(false), ch.HMAC[:]) {
		e.log.Error("hub: challenge HMAC verification failed for %s", ch.NodeID)
		return
	}

	if err := e.reg.Sync(idx, ch.SenderTx, ch.SenderRx); err != nil {
		e.log.Error("hub: %v", err)
		return
	}
	rec, ok = e.reg.Get(idx)
	if !ok {
		return
	}

	resp := &loraproto.Challenge{
		NodeID:   ch.NodeID,
		SenderTx: rec.TxCounter,
		SenderRx: rec.RxCounter,
		Nonce:    ch.Nonce,
	}
	copy(resp.HMAC[:], cryptoprim.HMACSHA256(rec.SessionKey[:], resp.SignedPortion(true)))

	if err := e.driver.Send(resp.Encode(true)); err != nil {
		e.log.Error("hub: failed to send challenge_rsp to %s: %v", ch.NodeID, err)
		return
	}
	e.log.Info("hub: counter resync complete for %s", ch.NodeID)
}

func (e *Engine) handleData(data []byte) {
	frame, err := loraproto.DecodeEncryptedFrame(data)
	if err != nil {
		e.log.Warn("hub: %v", err)
		return
	}

	idx := e.reg.Find(frame.NodeID)
	if idx == -1 {
		e.log.Warn("hub: data from unknown node %s", frame.NodeID)
		return
	}
	rec, ok := e.reg.Get(idx)
	if !ok {
		return
	}

	if !cryptoprim.VerifyHMAC(rec.SessionKey[:], frame.SignedPortion(false), frame.HMAC[:]) {
		e.log.Error("hub: data HMAC verification failed for %s", frame.NodeID)
		return
	}

	if !e.reg.Validate(idx, frame.Counter) {
		e.log.Warn("hub: replay/duplicate counter %d from %s, dropping", frame.Counter, frame.NodeID)
		return
	}

	iv := loraproto.BuildIV(frame.NodeID, frame.Counter, frame.Nonce)
	plaintext, err := cryptoprim.DecryptCBC128(rec.SessionKey[:], iv, frame.Ciphertext)
	if err != nil {
		e.log.Error("hub: decryption failed for %s: %v", frame.NodeID, err)
		return
	}
	plaintext, err = cryptoprim.UnpadToLength(plaintext, int(frame.OrigLen))
	if err != nil {
		e.log.Error("hub: %v", err)
		return
	}

	if err := e.reg.UpdateRx(idx, frame.Counter, nowMs()); err != nil {
		e.log.Error("hub: %v", err)
		return
	}

	e.sink.MessageFromNode(frame.NodeID.String(), string(plaintext))
}

// RestoredNode is one entry of a server-delivered session restoration
// list: a previously-adopted node's id and the raw 20-byte ECDH shared
// secret the hub derives its session key from.
type RestoredNode struct {
	NodeID       loraproto.NodeID
	SharedSecret []byte
}

// RestoreNodes clears the registry and repopulates it from a server
// session restoration list, serialized onto the dispatch goroutine. It is
// called even for an empty list, since an empty list still means "clear".
func (e *Engine) RestoreNodes(nodes []RestoredNode) {
	e.runOnDispatch(func(e *Engine) {
		e.reg.Clear()
		for _, n := range nodes {
			sk, err := cryptoprim.DeriveLoRaSessionKey(n.SharedSecret)
			if err != nil {
				e.log.Error("hub: restore node %s: %v", n.NodeID, err)
				continue
			}
			var sessionKey [16]byte
			copy(sessionKey[:], sk)
			if _, err := e.reg.Add(n.NodeID, sessionKey, nowMs()); err != nil {
				e.log.Error("hub: restore node %s: %v", n.NodeID, err)
			}
		}
		e.log.Info("hub: restored %d node(s) from session", len(nodes))
	})
}

// EnableAdoption opens an adoption window for nodeID, serialized onto the
// dispatch goroutine.
func (e *Engine) EnableAdoption(nodeID loraproto.NodeID) {
	e.runOnDispatch(func(e *Engine) {
		id := nodeID
		e.adoptionExpected = &id
		e.adoptionDeadline = time.Now().Add(e.cfg.AdoptionTimeout)
		e.log.Info("hub: adoption window open for %s", nodeID)
	})
}

// SendDiscoveryAck transmits an unencrypted DISCOVERY_ACK frame to nodeID.
func (e *Engine) SendDiscoveryAck(nodeID loraproto.NodeID) {
	e.runOnDispatch(func(e *Engine) {
		ack := &loraproto.DiscoveryAck{NodeID: nodeID}
		if err := e.driver.Send(ack.Encode()); err != nil {
			e.log.Error("hub: failed to send discovery_ack to %s: %v", nodeID, err)
		}
	})
}

// SendCommand encrypts and transmits command to an already-adopted node,
// incrementing its tx_counter on the attempt.
func (e *Engine) SendCommand(nodeID loraproto.NodeID, command string) error {
	errCh := make(chan error, 1)
	e.runOnDispatch(func(e *Engine) {
		errCh <- e.sendCommandLocked(nodeID, command)
	})
	select {
	case err := <-errCh:
		return err
	case <-e.stopChan:
		return fmt.Errorf("hub: engine stopped")
	}
}

func (e *Engine) sendCommandLocked(nodeID loraproto.NodeID, command string) error {
	idx := e.reg.Find(nodeID)
	if idx == -1 {
		return fmt.Errorf("hub: cannot send command, unknown node %s", nodeID)
	}
	rec, ok := e.reg.Get(idx)
	if !ok {
		return fmt.Errorf("hub: cannot send command, node %s not active", nodeID)
	}
	if len(command) > 127 {
		return fmt.Errorf("hub: command too long (%d bytes)", len(command))
	}

	padded := cryptoprim.PadMessage([]byte(command))

	nonceBytes, err := cryptoprim.RandomBytes(loraproto.NonceSize)
	if err != nil {
		return fmt.Errorf("hub: generate nonce: %w", err)
	}
	var nonce [loraproto.NonceSize]byte
	copy(nonce[:], nonceBytes)

	counter, err := e.reg.IncrementTx(idx)
	if err != nil {
		return err
	}

	iv := loraproto.BuildIV(nodeID, counter, nonce)
	ciphertext, err := cryptoprim.EncryptCBC128(rec.SessionKey[:], iv, padded)
	if err != nil {
		return fmt.Errorf("hub: encrypt command: %w", err)
	}

	frame := &loraproto.EncryptedFrame{
		NodeID:     nodeID,
		Counter:    counter,
		Nonce:      nonce,
		OrigLen:    uint8(len(command)),
		Ciphertext: ciphertext,
	}
	copy(frame.HMAC[:], cryptoprim.HMACSHA256(rec.SessionKey[:], frame.SignedPortion(true)))

	if err := e.driver.Send(frame.Encode(true)); err != nil {
		return fmt.Errorf("hub: send command: %w", err)
	}
	return nil
}

func (e *Engine) checkAdoptionTimeout() {
	if e.adoptionExpected != nil && time.Now().After(e.adoptionDeadline) {
		e.log.Info("hub: adoption window for %s timed out", *e.adoptionExpected)
		e.closeAdoptionWindow()
	}
}

func (e *Engine) closeAdoptionWindow() {
	e.adoptionExpected = nil
}

// runOnDispatch serializes fn onto the dispatch goroutine, blocking the
// caller until it has been enqueued (not until it has run).
func (e *Engine) runOnDispatch(fn func(*Engine)) {
	select {
	case e.ctrlChan <- fn:
	case <-e.stopChan:
	}
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
