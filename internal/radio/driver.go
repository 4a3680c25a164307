// Package radio defines the pluggable interface the hub's LoRa Protocol
// Engine uses to send and receive raw frames, plus two backends: a
// direct-serial-style stub for bench testing, and a ChirpStack
// Concentratord/ZeroMQ backend for deployment against a real gateway.
// Frame encoding/decoding and all cryptographic handling live above this
// interface, in loraproto and hub; this package moves opaque bytes.
package radio

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Driver is the radio transport the hub's dispatch goroutine consumes. It
// is assumed to deliver received frames and accept outgoing ones; its own
// correctness (timing, modulation, RF) is out of scope here.
type Driver interface {
	// Start brings the radio up and begins invoking the receive callback
	// for incoming frames.
	Start() error
	// Stop tears the radio down, blocking until its goroutines exit.
	Stop() error
	// SetReceiveCallback registers the function invoked for every frame
	// received, along with its RSSI (dBm) and SNR (dB).
	SetReceiveCallback(cb func(frame []byte, rssi int16, snr float32))
	// Send transmits a single frame.
	Send(frame []byte) error
}

// Config holds the bench-stub radio's link parameters, mirroring the
// teacher's direct-serial Config shape.
type Config struct {
	Frequency       uint32 // Hz, e.g. 915000000 for US 915 MHz
	SpreadingFactor uint8  // SF7-SF12
	Bandwidth       uint32 // Hz (125000, 250000, 500000)
	CodingRate      uint8  // 5-8 (4/5 .. 4/8)
	TxPower         int8   // dBm
	SyncWord        uint8  // private-network sync word
}

// DefaultConfig returns default radio parameters for US 915 MHz.
func DefaultConfig() Config {
	return Config{
		Frequency:       915000000,
		SpreadingFactor: 10,
		Bandwidth:       125000,
		CodingRate:      5,
		TxPower:         20,
		SyncWord:        0x34,
	}
}

// StubDriver is a bench/simulation backend: it accepts Send calls and
// exposes an Inject method tests and development tooling can use to
// simulate incoming frames, standing in for the real SX1301/libloragw
// concentrator calls a deployed hub would make.
type StubDriver struct {
	config   Config
	txChan   chan []byte
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	onReceive func(frame []byte, rssi int16, snr float32)
}

// NewStub creates a new bench-stub radio driver.
func NewStub(config Config) *StubDriver {
	return &StubDriver{
		config:   config,
		txChan:   make(chan []byte, 100),
		stopChan: make(chan struct{}),
	}
}

// Start starts the stub's transmit loop.
func (d *StubDriver) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("radio: stub driver already running")
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.transmitLoop()

	log.Printf("radio: stub driver started: freq=%d Hz, SF=%d, BW=%d Hz",
		d.config.Frequency, d.config.SpreadingFactor, d.config.Bandwidth)
	return nil
}

// Stop stops the stub driver.
func (d *StubDriver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()
	return nil
}

// SetReceiveCallback registers the frame-received callback.
func (d *StubDriver) SetReceiveCallback(cb func(frame []byte, rssi int16, snr float32)) {
	d.mu.Lock()
	d.onReceive = cb
	d.mu.Unlock()
}

// Send queues a frame for transmission.
func (d *StubDriver) Send(frame []byte) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("radio: stub driver not running")
	}
	d.mu.Unlock()

	select {
	case d.txChan <- frame:
		return nil
	default:
		return fmt.Errorf("radio: transmit queue full")
	}
}

// Inject simulates an incoming frame, as if received over the air. Used
// by bench tooling and tests; a deployed radio backend calls the receive
// callback from its own event loop instead.
func (d *StubDriver) Inject(frame []byte, rssi int16, snr float32) {
	d.mu.Lock()
	cb := d.onReceive
	d.mu.Unlock()
	if cb != nil {
		cb(frame, rssi, snr)
	}
}

func (d *StubDriver) transmitLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case frame := <-d.txChan:
			// TODO: wire to actual SX1301/libloragw calls for a bench
			// deployment that owns real hardware.
			log.Printf("radio: stub TX %d bytes", len(frame))
			time.Sleep(100 * time.Millisecond)
		}
	}
}
