package gw

import (
	"encoding/binary"
	"fmt"
)

// MarshalDownlinkFrame serializes a downlink frame into Concentratord's
// simple binary command format (downlink_id, frequency, power, bandwidth,
// spreading factor, coding rate, timing, payload length, payload).
func MarshalDownlinkFrame(dl *DownlinkFrame) ([]byte, error) {
	if len(dl.Items) == 0 {
		return nil, fmt.Errorf("gw: downlink frame has no items")
	}

	item := dl.Items[0]
	txInfo := item.TxInfo
	payload := item.PhyPayload

	buf := make([]byte, 24+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], dl.DownlinkID)
	binary.LittleEndian.PutUint32(buf[4:8], txInfo.Frequency)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(txInfo.Power))

	if txInfo.Modulation != nil && txInfo.Modulation.Lora != nil {
		binary.LittleEndian.PutUint32(buf[12:16], txInfo.Modulation.Lora.Bandwidth)
		binary.LittleEndian.PutUint32(buf[16:20], txInfo.Modulation.Lora.SpreadingFactor)
		buf[20] = byte(txInfo.Modulation.Lora.CodeRate)
	}

	buf[21] = 0 // immediate timing
	binary.LittleEndian.PutUint16(buf[22:24], uint16(len(payload)))
	copy(buf[24:], payload)
	return buf, nil
}

// UnmarshalEvent deserializes a Concentratord event by its frame-type tag.
func UnmarshalEvent(eventType string, data []byte) (*Event, error) {
	switch eventType {
	case "up":
		uplink, err := UnmarshalUplinkFrame(data)
		if err != nil {
			return nil, err
		}
		return &Event{UplinkFrame: uplink}, nil
	case "stats":
		stats, err := UnmarshalGatewayStats(data)
		if err != nil {
			return nil, err
		}
		return &Event{GatewayStats: stats}, nil
	default:
		return nil, fmt.Errorf("gw: unknown event type %q", eventType)
	}
}

// UnmarshalUplinkFrame deserializes an uplink event payload. Concentratord's
// real wire format is the ChirpStack protobuf encoding; this treats the
// frame as the raw PHY payload, which is sufficient for a LoRa link that
// carries the fixed binary frame format end to end.
func UnmarshalUplinkFrame(data []byte) (*UplinkFrame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gw: empty uplink frame")
	}
	return &UplinkFrame{
		PhyPayload: data,
		RxInfo:     &UplinkRxInfo{},
	}, nil
}

// UnmarshalGatewayStats deserializes a gateway-stats event. Concentratord's
// stats are not consumed by the hub's protocol logic, so this returns an
// empty GatewayStats without inspecting data and never fails.
func UnmarshalGatewayStats(data []byte) (*GatewayStats, error) {
	return &GatewayStats{}, nil
}

// UnmarshalDownlinkTxAck deserializes a TX acknowledgment: 4 bytes
// downlink_id, 4 bytes status.
func UnmarshalDownlinkTxAck(data []byte) (*DownlinkTxAck, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("gw: tx ack too short: %d bytes", len(data))
	}
	return &DownlinkTxAck{
		DownlinkID: binary.LittleEndian.Uint32(data[0:4]),
		Items: []*DownlinkTxAckItem{
			{Status: TxAckStatus(binary.LittleEndian.Uint32(data[4:8]))},
		},
	}, nil
}

// UnmarshalGetGatewayIDResponse deserializes an 8-byte gateway ID,
// rendered as a hex string.
func UnmarshalGetGatewayIDResponse(data []byte) (*GetGatewayIDResponse, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("gw: gateway id response too short: %d bytes", len(data))
	}
	return &GetGatewayIDResponse{GatewayID: fmt.Sprintf("%016x", binary.BigEndian.Uint64(data[0:8]))}, nil
}
