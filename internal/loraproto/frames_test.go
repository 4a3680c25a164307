package loraproto

import (
	"bytes"
	"testing"
)

func TestDiscoveryRoundTrip(t *testing.T) {
	d := &Discovery{NodeID: NodeID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x40, 0x75, 0xA0}}
	encoded := d.Encode()
	if encoded[0] != TypeDiscovery {
		t.Fatalf("type byte: got %#x, want %#x", encoded[0], TypeDiscovery)
	}
	decoded, err := DecodeDiscovery(encoded)
	if err != nil {
		t.Fatalf("DecodeDiscovery: %v", err)
	}
	if decoded.NodeID != d.NodeID {
		t.Fatalf("node id mismatch: got %v, want %v", decoded.NodeID, d.NodeID)
	}
}

func TestAdoptReqDecode(t *testing.T) {
	buf := make([]byte, 1+NodeIDSize+PubKeySize)
	buf[0] = TypeAdoptReq
	for i := 0; i < NodeIDSize; i++ {
		buf[1+i] = byte(i + 1)
	}
	for i := 0; i < PubKeySize; i++ {
		buf[1+NodeIDSize+i] = byte(200 + i)
	}

	req, err := DecodeAdoptReq(buf)
	if err != nil {
		t.Fatalf("DecodeAdoptReq: %v", err)
	}
	for i := 0; i < NodeIDSize; i++ {
		if req.NodeID[i] != byte(i+1) {
			t.Fatalf("node id byte %d: got %d, want %d", i, req.NodeID[i], i+1)
		}
	}
}

func TestAdoptRspEncode(t *testing.T) {
	rsp := &AdoptRsp{
		NodeID: NodeID{1, 2, 3},
		Status: AdoptStatusGranted,
	}
	for i := range rsp.HubPub {
		rsp.HubPub[i] = byte(i)
	}
	encoded := rsp.Encode()
	if len(encoded) != 1+NodeIDSize+1+PubKeySize {
		t.Fatalf("encoded length: got %d, want %d", len(encoded), 1+NodeIDSize+1+PubKeySize)
	}
	if encoded[0] != TypeAdoptRsp {
		t.Fatalf("type byte: got %#x, want %#x", encoded[0], TypeAdoptRsp)
	}
	if encoded[1+NodeIDSize] != AdoptStatusGranted {
		t.Fatalf("status byte: got %#x, want %#x", encoded[1+NodeIDSize], AdoptStatusGranted)
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	c := &Challenge{
		NodeID:   NodeID{9, 9, 9},
		SenderTx: 5,
		SenderRx: 7,
	}
	copy(c.Nonce[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(c.HMAC[:], bytes.Repeat([]byte{0xAA}, HMACSize))

	encoded := c.Encode(false)
	if encoded[0] != TypeChallenge {
		t.Fatalf("type byte: got %#x, want %#x", encoded[0], TypeChallenge)
	}
	decoded, err := DecodeChallenge(encoded)
	if err != nil {
		t.Fatalf("DecodeChallenge: %v", err)
	}
	if decoded.SenderTx != 5 || decoded.SenderRx != 7 {
		t.Fatalf("counters mismatch: got tx=%d rx=%d", decoded.SenderTx, decoded.SenderRx)
	}

	signed := c.SignedPortion(false)
	if len(signed) != len(encoded)-HMACSize {
		t.Fatalf("signed portion length: got %d, want %d", len(signed), len(encoded)-HMACSize)
	}
}

func TestEncryptedFrameRoundTripAndMinSize(t *testing.T) {
	f := &EncryptedFrame{
		NodeID:     NodeID{1, 2, 3, 4},
		Counter:    5,
		Ciphertext: bytes.Repeat([]byte{0x11}, 16),
		OrigLen:    22,
	}
	copy(f.Nonce[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(f.HMAC[:], bytes.Repeat([]byte{0xBB}, HMACSize))

	encoded := f.Encode(false)
	if len(encoded) != MinEncryptedFrameSize {
		t.Fatalf("encoded length: got %d, want %d", len(encoded), MinEncryptedFrameSize)
	}

	decoded, err := DecodeEncryptedFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeEncryptedFrame: %v", err)
	}
	if decoded.Counter != 5 || decoded.OrigLen != 22 {
		t.Fatalf("header mismatch: counter=%d origLen=%d", decoded.Counter, decoded.OrigLen)
	}
	if !bytes.Equal(decoded.Ciphertext, f.Ciphertext) {
		t.Fatal("ciphertext mismatch")
	}

	if _, err := DecodeEncryptedFrame(encoded[:MinEncryptedFrameSize-1]); err == nil {
		t.Fatal("expected error decoding a too-short encrypted frame")
	}
}

func TestBuildIV(t *testing.T) {
	var nonce [NonceSize]byte
	copy(nonce[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	nodeID := NodeID{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}

	iv := BuildIV(nodeID, 5, nonce)
	if len(iv) != 16 {
		t.Fatalf("IV length: got %d, want 16", len(iv))
	}
	if !bytes.Equal(iv[0:4], []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("IV node-id prefix mismatch: got %x", iv[0:4])
	}
	if !bytes.Equal(iv[4:8], []byte{5, 0, 0, 0}) {
		t.Fatalf("IV counter field mismatch (expected little-endian): got %x", iv[4:8])
	}
	if !bytes.Equal(iv[8:16], nonce[:]) {
		t.Fatalf("IV nonce suffix mismatch: got %x", iv[8:16])
	}
}
