// Package gw contains Go structures matching the ChirpStack Concentratord
// event/command API used by the radio package's Concentratord backend.
// These are manually defined rather than generated from protobuf, per
// https://github.com/chirpstack/chirpstack/blob/master/api/proto/gw/gw.proto,
// trimmed to the fields the hub's downlink/uplink path actually uses.
package gw

// CodeRate is the LoRa coding rate.
type CodeRate int32

const (
	CodeRateUndefined CodeRate = 0
	CodeRate4_5       CodeRate = 1
	CodeRate4_6       CodeRate = 2
	CodeRate4_7       CodeRate = 3
	CodeRate4_8       CodeRate = 4
)

func (c CodeRate) String() string {
	switch c {
	case CodeRate4_5:
		return "4/5"
	case CodeRate4_6:
		return "4/6"
	case CodeRate4_7:
		return "4/7"
	case CodeRate4_8:
		return "4/8"
	default:
		return "undefined"
	}
}

// TxAckStatus is the status of a downlink transmission attempt.
type TxAckStatus int32

const (
	TxAckStatusIgnored   TxAckStatus = 0
	TxAckStatusOK        TxAckStatus = 1
	TxAckStatusTooLate   TxAckStatus = 2
	TxAckStatusTooEarly  TxAckStatus = 3
	TxAckStatusQueueFull TxAckStatus = 9
)

func (s TxAckStatus) String() string {
	switch s {
	case TxAckStatusOK:
		return "OK"
	case TxAckStatusTooLate:
		return "TOO_LATE"
	case TxAckStatusTooEarly:
		return "TOO_EARLY"
	case TxAckStatusQueueFull:
		return "QUEUE_FULL"
	default:
		return "IGNORED"
	}
}

// Event wraps an event received from Concentratord; exactly one field
// is set.
type Event struct {
	UplinkFrame  *UplinkFrame
	GatewayStats *GatewayStats
}

// UplinkFrame is a received LoRa frame plus its RX metadata.
type UplinkFrame struct {
	PhyPayload []byte
	RxInfo     *UplinkRxInfo
}

// UplinkRxInfo carries receive-side signal metadata.
type UplinkRxInfo struct {
	GatewayID string
	Rssi      int32
	Snr       float32
}

// DownlinkFrame is a frame to transmit.
type DownlinkFrame struct {
	DownlinkID uint32
	GatewayID  string
	Items      []*DownlinkFrameItem
}

// DownlinkFrameItem is a single downlink opportunity.
type DownlinkFrameItem struct {
	PhyPayload []byte
	TxInfo     *DownlinkTxInfo
}

// DownlinkTxInfo is the TX parameters for a downlink item.
type DownlinkTxInfo struct {
	Frequency  uint32
	Power      int32
	Modulation *Modulation
	Timing     *Timing
}

// Modulation wraps modulation parameters; exactly one field is set.
type Modulation struct {
	Lora *LoraModulationInfo
}

// LoraModulationInfo is LoRa-specific modulation parameters.
type LoraModulationInfo struct {
	Bandwidth             uint32
	SpreadingFactor       uint32
	CodeRate              CodeRate
	PolarizationInversion bool
}

// Timing wraps downlink timing; exactly one field is set.
type Timing struct {
	Immediately *ImmediatelyTimingInfo
}

// ImmediatelyTimingInfo requests immediate transmission.
type ImmediatelyTimingInfo struct{}

// DownlinkTxAck is Concentratord's acknowledgment of a downlink request.
type DownlinkTxAck struct {
	DownlinkID uint32
	Items      []*DownlinkTxAckItem
}

// DownlinkTxAckItem is the status of one downlink item.
type DownlinkTxAckItem struct {
	Status TxAckStatus
}

// GatewayStats is periodic gateway statistics.
type GatewayStats struct {
	GatewayID           string
	RxPacketsReceivedOk uint32
	TxPacketsEmitted    uint32
}

// GetGatewayIDResponse carries the gateway's identifier.
type GetGatewayIDResponse struct {
	GatewayID string
}
