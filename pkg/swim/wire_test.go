package swim

import (
	"testing"

	"github.com/google/uuid"

	"github.com/dbcore/mergeswim/pkg/codec/wirepack"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	self := uuid.New()
	other := uuid.New()

	pkt := &Packet{
		Meta:    Meta{Version: wireVersion, SrcAddr: "10.0.0.1", SrcPort: 7946},
		SrcUUID: self,
		AntiEntropy: []Record{
			{UUID: other, Addr: "10.0.0.2", Port: 7946, Status: StatusAlive, Incarnation: 3},
		},
		FailureDetection: &FailureDetection{Ping: true, Incarnation: 5},
		Dissemination: []Event{
			{UUID: other, Addr: "10.0.0.2", Status: StatusSuspected, Incarnation: 3},
		},
	}

	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) > MaxPayloadSize {
		t.Fatalf("encoded packet exceeds MaxPayloadSize: %d", len(data))
	}

	got, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got.SrcUUID != self {
		t.Fatalf("SrcUUID = %v, want %v", got.SrcUUID, self)
	}
	if got.Meta.SrcAddr != "10.0.0.1" || got.Meta.SrcPort != 7946 {
		t.Fatalf("meta mismatch: %+v", got.Meta)
	}
	if len(got.AntiEntropy) != 1 || got.AntiEntropy[0].UUID != other {
		t.Fatalf("anti-entropy mismatch: %+v", got.AntiEntropy)
	}
	if got.AntiEntropy[0].Status != StatusAlive || got.AntiEntropy[0].Incarnation != 3 {
		t.Fatalf("anti-entropy record wrong: %+v", got.AntiEntropy[0])
	}
	if got.FailureDetection == nil || !got.FailureDetection.Ping || got.FailureDetection.Incarnation != 5 {
		t.Fatalf("failure detection mismatch: %+v", got.FailureDetection)
	}
	if len(got.Dissemination) != 1 || got.Dissemination[0].Status != StatusSuspected {
		t.Fatalf("dissemination mismatch: %+v", got.Dissemination)
	}
}

func TestPacketDisseminationPayloadRoundTrip(t *testing.T) {
	other := uuid.New()
	pkt := &Packet{
		Meta:    Meta{Version: wireVersion, SrcAddr: "10.0.0.1", SrcPort: 1},
		SrcUUID: uuid.New(),
		Dissemination: []Event{
			{UUID: other, Addr: "10.0.0.2", Status: StatusAlive, Incarnation: 1, Payload: []byte("room=lobby")},
		},
	}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if len(got.Dissemination) != 1 || string(got.Dissemination[0].Payload) != "room=lobby" {
		t.Fatalf("payload mismatch: %+v", got.Dissemination)
	}
}

func TestPacketRoutingRoundTrip(t *testing.T) {
	self := uuid.New()
	pkt := &Packet{
		Meta: Meta{
			Version: wireVersion,
			SrcAddr: "10.0.0.1",
			SrcPort: 1,
			Routing: &Routing{SrcAddr: "10.0.0.1", SrcPort: 1, DstAddr: "10.0.0.3", DstPort: 3},
		},
		SrcUUID: self,
	}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got.Meta.Routing == nil {
		t.Fatalf("expected routing to survive round trip")
	}
	if got.Meta.Routing.DstAddr != "10.0.0.3" || got.Meta.Routing.DstPort != 3 {
		t.Fatalf("routing mismatch: %+v", got.Meta.Routing)
	}
}

func TestPacketQuitRoundTrip(t *testing.T) {
	pkt := &Packet{
		Meta:    Meta{Version: wireVersion, SrcAddr: "10.0.0.1", SrcPort: 1},
		SrcUUID: uuid.New(),
		Quit:    &Quit{Incarnation: 9},
	}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got.Quit == nil || got.Quit.Incarnation != 9 {
		t.Fatalf("quit mismatch: %+v", got.Quit)
	}
}

func TestDecodeRejectsUnknownMsgType(t *testing.T) {
	pkt := &Packet{
		Meta:             Meta{Version: wireVersion, SrcAddr: "10.0.0.1", SrcPort: 1},
		SrcUUID:          uuid.New(),
		FailureDetection: &FailureDetection{Ping: true, Incarnation: 1},
	}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Corrupt the failure_detection msg_type by re-encoding with a bad
	// region map instead of hand-editing the bytes.
	regions := []interface{}{
		map[int]interface{}{metaKeyVersion: wireVersion, metaKeySrcAddr: "10.0.0.1", metaKeySrcPort: uint16(1)},
		map[int]interface{}{
			bodyKeySrcUUID:          pkt.SrcUUID[:],
			bodyKeyFailureDetection: map[int]interface{}{fdKeyMsgType: 99, fdKeyIncarnation: uint64(1)},
		},
	}
	bad, err := wirepack.Marshal(regions)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodePacket(bad); err == nil {
		t.Fatalf("expected ProtocolViolation for unknown msg_type")
	}
}
