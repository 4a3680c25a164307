package radio

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/ccroswhite/lora-hub/internal/radio/gw"
)

// ConcentratordConfig configures the ZeroMQ connection to a ChirpStack
// Concentratord instance.
type ConcentratordConfig struct {
	EventURL        string // SUB socket, receives uplink events
	CommandURL      string // REQ socket, sends downlink commands
	Frequency       uint32
	SpreadingFactor uint32
	Bandwidth       uint32
	CodingRate      string // "4/5".."4/8"
	TxPower         int32
}

// DefaultConcentratordConfig returns Concentratord defaults for US 915 MHz.
func DefaultConcentratordConfig() ConcentratordConfig {
	return ConcentratordConfig{
		EventURL:        "ipc:///tmp/concentratord_event",
		CommandURL:      "ipc:///tmp/concentratord_command",
		Frequency:       915000000,
		SpreadingFactor: 10,
		Bandwidth:       125000,
		CodingRate:      "4/5",
		TxPower:         20,
	}
}

// ConcentratordDriver implements Driver against a running Concentratord
// process over ZeroMQ, for deployment against a real LoRa gateway.
type ConcentratordDriver struct {
	config ConcentratordConfig

	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool

	gatewayID  string
	downlinkID uint32

	onReceive func(frame []byte, rssi int16, snr float32)
}

// NewConcentratord creates a new Concentratord-backed radio driver.
func NewConcentratord(config ConcentratordConfig) *ConcentratordDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConcentratordDriver{config: config, ctx: ctx, cancel: cancel}
}

// Start connects to Concentratord's event and command sockets.
func (d *ConcentratordDriver) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("radio: concentratord driver already running")
	}
	d.running = true
	d.mu.Unlock()

	d.eventSock = zmq4.NewSub(d.ctx)
	if err := d.eventSock.Dial(d.config.EventURL); err != nil {
		return fmt.Errorf("radio: dial event socket: %w", err)
	}
	if err := d.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("radio: subscribe event socket: %w", err)
	}

	d.cmdSock = zmq4.NewReq(d.ctx)
	if err := d.cmdSock.Dial(d.config.CommandURL); err != nil {
		d.eventSock.Close()
		return fmt.Errorf("radio: dial command socket: %w", err)
	}

	if err := d.fetchGatewayID(); err != nil {
		log.Printf("radio: warning: failed to fetch gateway id: %v", err)
	}

	d.wg.Add(1)
	go d.eventLoop()

	log.Printf("radio: concentratord driver started: event=%s cmd=%s gateway=%s",
		d.config.EventURL, d.config.CommandURL, d.gatewayID)
	return nil
}

// Stop disconnects from Concentratord.
func (d *ConcentratordDriver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	if d.eventSock != nil {
		d.eventSock.Close()
	}
	if d.cmdSock != nil {
		d.cmdSock.Close()
	}
	return nil
}

// SetReceiveCallback registers the frame-received callback.
func (d *ConcentratordDriver) SetReceiveCallback(cb func(frame []byte, rssi int16, snr float32)) {
	d.mu.Lock()
	d.onReceive = cb
	d.mu.Unlock()
}

// Send transmits frame as an immediate downlink via Concentratord.
func (d *ConcentratordDriver) Send(frame []byte) error {
	d.mu.Lock()
	running := d.running
	d.downlinkID++
	dlID := d.downlinkID
	d.mu.Unlock()
	if !running {
		return fmt.Errorf("radio: concentratord driver not running")
	}

	codeRate := gw.CodeRate4_5
	switch d.config.CodingRate {
	case "4/6":
		codeRate = gw.CodeRate4_6
	case "4/7":
		codeRate = gw.CodeRate4_7
	case "4/8":
		codeRate = gw.CodeRate4_8
	}

	downlink := &gw.DownlinkFrame{
		DownlinkID: dlID,
		GatewayID:  d.gatewayID,
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: frame,
				TxInfo: &gw.DownlinkTxInfo{
					Frequency: d.config.Frequency,
					Power:     d.config.TxPower,
					Modulation: &gw.Modulation{
						Lora: &gw.LoraModulationInfo{
							Bandwidth:             d.config.Bandwidth,
							SpreadingFactor:       d.config.SpreadingFactor,
							CodeRate:              codeRate,
							PolarizationInversion: true,
						},
					},
					Timing: &gw.Timing{Immediately: &gw.ImmediatelyTimingInfo{}},
				},
			},
		},
	}

	data, err := gw.MarshalDownlinkFrame(downlink)
	if err != nil {
		return fmt.Errorf("radio: marshal downlink: %w", err)
	}

	d.mu.Lock()
	sendErr := d.cmdSock.Send(zmq4.NewMsgFrom([]byte("down"), data))
	d.mu.Unlock()
	if sendErr != nil {
		return fmt.Errorf("radio: send downlink: %w", sendErr)
	}

	d.mu.Lock()
	resp, recvErr := d.cmdSock.Recv()
	d.mu.Unlock()
	if recvErr != nil {
		return fmt.Errorf("radio: receive tx ack: %w", recvErr)
	}
	if len(resp.Frames) > 0 {
		ack, err := gw.UnmarshalDownlinkTxAck(resp.Frames[0])
		if err != nil {
			return fmt.Errorf("radio: unmarshal tx ack: %w", err)
		}
		if len(ack.Items) > 0 && ack.Items[0].Status != gw.TxAckStatusOK {
			return fmt.Errorf("radio: tx failed: %s", ack.Items[0].Status)
		}
	}
	return nil
}

func (d *ConcentratordDriver) fetchGatewayID() error {
	if err := d.cmdSock.Send(zmq4.NewMsgFrom([]byte("gateway_id"), []byte{})); err != nil {
		return fmt.Errorf("send gateway_id command: %w", err)
	}
	resp, err := d.cmdSock.Recv()
	if err != nil {
		return fmt.Errorf("receive gateway_id response: %w", err)
	}
	if len(resp.Frames) > 0 && len(resp.Frames[0]) >= 8 {
		parsed, err := gw.UnmarshalGetGatewayIDResponse(resp.Frames[0])
		if err != nil {
			return err
		}
		d.gatewayID = parsed.GatewayID
	}
	return nil
}

func (d *ConcentratordDriver) eventLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		msg, err := d.eventSock.Recv()
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}

		event, err := gw.UnmarshalEvent(string(msg.Frames[0]), msg.Frames[1])
		if err != nil {
			log.Printf("radio: failed to unmarshal event: %v", err)
			continue
		}
		if event.UplinkFrame != nil {
			d.handleUplink(event.UplinkFrame)
		}
	}
}

func (d *ConcentratordDriver) handleUplink(uplink *gw.UplinkFrame) {
	if uplink == nil || len(uplink.PhyPayload) == 0 {
		return
	}

	var rssi int16
	var snr float32
	if uplink.RxInfo != nil {
		rssi = int16(uplink.RxInfo.Rssi)
		snr = uplink.RxInfo.Snr
	}

	d.mu.Lock()
	cb := d.onReceive
	d.mu.Unlock()
	if cb != nil {
		cb(uplink.PhyPayload, rssi, snr)
	}
}
