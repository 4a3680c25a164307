// Package bridge implements the thin translation layer between the LoRa
// Protocol Engine and the Server Session Engine: it turns hub-side events
// into authenticated upstream messages, and authenticated downstream
// directives into hub operations. It holds no independent state of its
// own. Grounded on the original firmware's WebSocketManager directive
// handlers (handleDiscoveryAck, handleWsEnableNodeAdoption, handleAdoptAck)
// and LoRaManager's sendMessage call sites.
package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ccroswhite/lora-hub/internal/hub"
	"github.com/ccroswhite/lora-hub/internal/logging"
	"github.com/ccroswhite/lora-hub/internal/loraproto"
	"github.com/ccroswhite/lora-hub/internal/session"
)

// Bridge wires a *hub.Engine and a *session.Client together: it
// implements hub.UpstreamSink (events flow hub -> bridge -> server) and
// is installed as the session.Client's OnDirective/OnRestore handlers
// (directives flow server -> bridge -> hub).
type Bridge struct {
	engine *hub.Engine
	client *session.Client
	log    *logging.Logger
}

// New creates a Bridge connecting engine and client, and wires the
// client's directive/restore callbacks to the bridge's handlers.
func New(engine *hub.Engine, client *session.Client, log *logging.Logger) *Bridge {
	b := &Bridge{engine: engine, client: client, log: log}
	client.OnDirective = b.handleDirective
	client.OnRestore = b.handleRestore
	return b
}

// Discovery implements hub.UpstreamSink.
func (b *Bridge) Discovery(serialID string, rssi int16, snr float32) {
	b.send("discovery", map[string]any{
		"serialId": serialID,
		"rssi":     rssi,
		"snr":      snr,
	})
}

// NodeAdopted implements hub.UpstreamSink.
func (b *Bridge) NodeAdopted(serialID string, sharedSecretHex string) {
	b.send("hub_node_adoption", map[string]any{
		"serialId":     serialID,
		"sharedSecret": sharedSecretHex,
	})
}

// MessageFromNode implements hub.UpstreamSink.
func (b *Bridge) MessageFromNode(serialID string, message string) {
	b.send("hub_message_from_node", map[string]any{
		"serialId": serialID,
		"message":  message,
	})
}

// Telemetry sends a periodic telemetry sample upstream, invoked by the
// telemetry ticker.
func (b *Bridge) Telemetry(payload map[string]any) {
	b.send("telemetry", payload)
}

func (b *Bridge) send(msgType string, payload any) {
	if err := b.client.Send(msgType, payload); err != nil {
		b.log.Warn("bridge: dropping %q, session not ready: %v", msgType, err)
	}
}

type serialIDPayload struct {
	SerialID string `json:"serial_id"`
}

func (b *Bridge) handleDirective(env *session.Envelope) {
	switch env.Type {
	case "discovery_ack":
		nodeID, err := payloadNodeID(env.Payload)
		if err != nil {
			b.log.Error("bridge: %v", err)
			return
		}
		b.engine.SendDiscoveryAck(nodeID)

	case "ws_enable_node_adoption":
		nodeID, err := payloadNodeID(env.Payload)
		if err != nil {
			b.log.Error("bridge: %v", err)
			return
		}
		b.engine.EnableAdoption(nodeID)

	default:
		b.log.Warn("bridge: ignoring unrecognized directive %q", env.Type)
	}
}

func (b *Bridge) handleRestore(nodes []session.NodeRestoration) {
	restored := make([]hub.RestoredNode, 0, len(nodes))
	for _, n := range nodes {
		nodeID, err := parseNodeID(n.SerialID)
		if err != nil {
			b.log.Error("bridge: restoration entry %q: %v", n.SerialID, err)
			continue
		}
		secret, err := hex.DecodeString(n.SharedSecretHex)
		if err != nil {
			b.log.Error("bridge: restoration entry %s: bad shared secret hex: %v", n.SerialID, err)
			continue
		}
		restored = append(restored, hub.RestoredNode{NodeID: nodeID, SharedSecret: secret})
	}
	b.engine.RestoreNodes(restored)
}

func payloadNodeID(payload json.RawMessage) (loraproto.NodeID, error) {
	var body serialIDPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return loraproto.NodeID{}, fmt.Errorf("parse directive payload: %w", err)
	}
	return parseNodeID(body.SerialID)
}

func parseNodeID(serialID string) (loraproto.NodeID, error) {
	return loraproto.ParseNodeID(serialID)
}
