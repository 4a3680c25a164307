// Package loraproto implements the hub-side binary wire format for the
// LoRa link: frame types, fixed-size header layouts, and Encode/Decode
// pairs for each frame. All integers are little-endian; frames are never
// padded beyond their declared fields and never exceed 255 bytes.
package loraproto

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Frame type codes, §4.3 of the wire format table.
const (
	TypeAdoptReq      uint8 = 0x01
	TypeAdoptRsp      uint8 = 0x02
	TypeDiscovery     uint8 = 0x03
	TypeDiscoveryAck  uint8 = 0x04
	TypeChallenge     uint8 = 0x05
	TypeChallengeRsp  uint8 = 0x06
	TypeData          uint8 = 0x10
	TypeCommand       uint8 = 0x20
)

// NodeIDSize is the size in bytes of a node identifier.
const NodeIDSize = 16

// PubKeySize is the size in bytes of an uncompressed secp160r1 public key
// as carried on the wire (X||Y, 20 bytes each).
const PubKeySize = 40

// NonceSize is the size in bytes of the LoRa per-frame nonce.
const NonceSize = 8

// HMACSize is the size in bytes of the trailing HMAC field on CHALLENGE,
// CHALLENGE_RSP, DATA and COMMAND frames.
const HMACSize = 32

// MaxFrameSize is the hard cap on LoRa frame size.
const MaxFrameSize = 255

// NodeID is a 16-byte LoRa node identifier, carried on the wire as raw
// bytes but exchanged with the server as a canonical dashed UUID string
// (matching the original firmware's Utils::uuidToString/stringToUUID).
type NodeID [NodeIDSize]byte

func (n NodeID) String() string {
	return uuid.UUID(n).String()
}

// ParseNodeID parses a canonical dashed UUID string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("loraproto: invalid node id %q: %w", s, err)
	}
	return NodeID(id), nil
}

// Discovery is the `type(1) || node_id(16)` frame sent by an
// unadopted node, and echoed back (as DiscoveryAck) by the hub.
type Discovery struct {
	NodeID NodeID
}

// Encode serializes a DISCOVERY frame.
func (d *Discovery) Encode() []byte {
	buf := make([]byte, 1+NodeIDSize)
	buf[0] = TypeDiscovery
	copy(buf[1:], d.NodeID[:])
	return buf
}

// DecodeDiscovery parses a DISCOVERY or DISCOVERY_ACK payload (the type
// byte is validated by the caller's dispatch, not here).
func DecodeDiscovery(data []byte) (*Discovery, error) {
	if len(data) < 1+NodeIDSize {
		return nil, fmt.Errorf("loraproto: discovery frame too short: %d bytes", len(data))
	}
	var d Discovery
	copy(d.NodeID[:], data[1:1+NodeIDSize])
	return &d, nil
}

// DiscoveryAck is the hub's unencrypted reply directing a node to stop
// broadcasting discovery frames.
type DiscoveryAck struct {
	NodeID NodeID
}

// Encode serializes a DISCOVERY_ACK frame.
func (d *DiscoveryAck) Encode() []byte {
	buf := make([]byte, 1+NodeIDSize)
	buf[0] = TypeDiscoveryAck
	copy(buf[1:], d.NodeID[:])
	return buf
}

// AdoptReq is the node's request to join the hub, carrying its ephemeral
// ECDH public key.
type AdoptReq struct {
	NodeID    NodeID
	NodePub   [PubKeySize]byte
}

// Encode serializes an ADOPT_REQ frame.
func (r *AdoptReq) Encode() []byte {
	buf := make([]byte, 1+NodeIDSize+PubKeySize)
	buf[0] = TypeAdoptReq
	copy(buf[1:1+NodeIDSize], r.NodeID[:])
	copy(buf[1+NodeIDSize:], r.NodePub[:])
	return buf
}

// DecodeAdoptReq parses an ADOPT_REQ payload.
func DecodeAdoptReq(data []byte) (*AdoptReq, error) {
	const size = 1 + NodeIDSize + PubKeySize
	if len(data) < size {
		return nil, fmt.Errorf("loraproto: adopt_req frame too short: %d bytes, want %d", len(data), size)
	}
	var r AdoptReq
	copy(r.NodeID[:], data[1:1+NodeIDSize])
	copy(r.NodePub[:], data[1+NodeIDSize:size])
	return &r, nil
}

// AdoptRsp is the hub's reply granting (status=1) or could in principle
// deny adoption, carrying the hub's ECDH public key.
type AdoptRsp struct {
	NodeID  NodeID
	Status  uint8
	HubPub  [PubKeySize]byte
}

// AdoptStatusGranted is the only status value the hub ever emits on the
// baseline protocol; adoption requests outside a window are dropped
// rather than answered with a denial.
const AdoptStatusGranted uint8 = 0x01

// Encode serializes an ADOPT_RSP frame.
func (r *AdoptRsp) Encode() []byte {
	buf := make([]byte, 1+NodeIDSize+1+PubKeySize)
	buf[0] = TypeAdoptRsp
	copy(buf[1:1+NodeIDSize], r.NodeID[:])
	buf[1+NodeIDSize] = r.Status
	copy(buf[1+NodeIDSize+1:], r.HubPub[:])
	return buf
}

// Challenge carries a node's (or hub's) current counters for resync,
// authenticated by an HMAC over everything preceding the HMAC field.
type Challenge struct {
	NodeID    NodeID
	SenderTx  uint32
	SenderRx  uint32
	Nonce     [NonceSize]byte
	HMAC      [HMACSize]byte
}

// Encode serializes a CHALLENGE or CHALLENGE_RSP frame. isResponse
// selects the frame type byte; the layout is otherwise identical.
func (c *Challenge) Encode(isResponse bool) []byte {
	buf := make([]byte, 1+NodeIDSize+4+4+NonceSize+HMACSize)
	if isResponse {
		buf[0] = TypeChallengeRsp
	} else {
		buf[0] = TypeChallenge
	}
	off := 1
	copy(buf[off:off+NodeIDSize], c.NodeID[:])
	off += NodeIDSize
	binary.LittleEndian.PutUint32(buf[off:off+4], c.SenderTx)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], c.SenderRx)
	off += 4
	copy(buf[off:off+NonceSize], c.Nonce[:])
	off += NonceSize
	copy(buf[off:off+HMACSize], c.HMAC[:])
	return buf
}

// SignedPortion returns the bytes of an encoded CHALLENGE/CHALLENGE_RSP
// frame that the HMAC covers (everything before the trailing HMAC field).
func (c *Challenge) SignedPortion(isResponse bool) []byte {
	full := c.Encode(isResponse)
	return full[:len(full)-HMACSize]
}

// DecodeChallenge parses a CHALLENGE or CHALLENGE_RSP payload.
func DecodeChallenge(data []byte) (*Challenge, error) {
	const size = 1 + NodeIDSize + 4 + 4 + NonceSize + HMACSize
	if len(data) < size {
		return nil, fmt.Errorf("loraproto: challenge frame too short: %d bytes, want %d", len(data), size)
	}
	var c Challenge
	off := 1
	copy(c.NodeID[:], data[off:off+NodeIDSize])
	off += NodeIDSize
	c.SenderTx = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	c.SenderRx = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	copy(c.Nonce[:], data[off:off+NonceSize])
	off += NonceSize
	copy(c.HMAC[:], data[off:off+HMACSize])
	return &c, nil
}

// EncryptedFrame is the shared layout of DATA (node->hub) and COMMAND
// (hub->node) frames: a replay counter, a fresh nonce, the original
// plaintext length (for truncation-based unpadding), the ciphertext, and
// a trailing HMAC over everything before it.
type EncryptedFrame struct {
	NodeID     NodeID
	Counter    uint32
	Nonce      [NonceSize]byte
	OrigLen    uint8
	Ciphertext []byte
	HMAC       [HMACSize]byte
}

// MinEncryptedFrameSize is the smallest legal DATA/COMMAND frame: header
// fields plus exactly one 16-byte cipher block plus the trailing HMAC.
const MinEncryptedFrameSize = 1 + NodeIDSize + 4 + NonceSize + 1 + 16 + HMACSize

// Encode serializes a DATA or COMMAND frame. isCommand selects the type
// byte.
func (f *EncryptedFrame) Encode(isCommand bool) []byte {
	buf := make([]byte, 1+NodeIDSize+4+NonceSize+1+len(f.Ciphertext)+HMACSize)
	if isCommand {
		buf[0] = TypeCommand
	} else {
		buf[0] = TypeData
	}
	off := 1
	copy(buf[off:off+NodeIDSize], f.NodeID[:])
	off += NodeIDSize
	binary.LittleEndian.PutUint32(buf[off:off+4], f.Counter)
	off += 4
	copy(buf[off:off+NonceSize], f.Nonce[:])
	off += NonceSize
	buf[off] = f.OrigLen
	off++
	copy(buf[off:off+len(f.Ciphertext)], f.Ciphertext)
	off += len(f.Ciphertext)
	copy(buf[off:off+HMACSize], f.HMAC[:])
	return buf
}

// SignedPortion returns the bytes an encoded DATA/COMMAND frame's HMAC
// covers: everything before the trailing 32-byte field.
func (f *EncryptedFrame) SignedPortion(isCommand bool) []byte {
	full := f.Encode(isCommand)
	return full[:len(full)-HMACSize]
}

// DecodeEncryptedFrame parses a DATA or COMMAND payload. It enforces the
// minimum frame size (header + one cipher block + HMAC) but does not
// itself verify the HMAC — that is the caller's responsibility, since
// verification needs the per-node session key.
func DecodeEncryptedFrame(data []byte) (*EncryptedFrame, error) {
	if len(data) < MinEncryptedFrameSize {
		return nil, fmt.Errorf("loraproto: encrypted frame too short: %d bytes, want at least %d", len(data), MinEncryptedFrameSize)
	}
	var f EncryptedFrame
	off := 1
	copy(f.NodeID[:], data[off:off+NodeIDSize])
	off += NodeIDSize
	f.Counter = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	copy(f.Nonce[:], data[off:off+NonceSize])
	off += NonceSize
	f.OrigLen = data[off]
	off++

	cipherLen := len(data) - off - HMACSize
	if cipherLen <= 0 || cipherLen%16 != 0 {
		return nil, fmt.Errorf("loraproto: encrypted frame ciphertext length %d is not a positive block multiple", cipherLen)
	}
	f.Ciphertext = make([]byte, cipherLen)
	copy(f.Ciphertext, data[off:off+cipherLen])
	off += cipherLen
	copy(f.HMAC[:], data[off:off+HMACSize])
	return &f, nil
}

// BuildIV constructs the 16-byte AES-CBC IV for a LoRa frame:
// node_id[0:4] || counter_le(4) || nonce(8).
func BuildIV(nodeID NodeID, counter uint32, nonce [NonceSize]byte) []byte {
	iv := make([]byte, 16)
	copy(iv[0:4], nodeID[0:4])
	binary.LittleEndian.PutUint32(iv[4:8], counter)
	copy(iv[8:16], nonce[:])
	return iv
}

// FrameType returns the type byte of a raw frame, or an error if the
// frame is empty.
func FrameType(data []byte) (uint8, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("loraproto: empty frame")
	}
	return data[0], nil
}
