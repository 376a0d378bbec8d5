package swim

import (
	"encoding/binary"
	"net"

	"github.com/google/uuid"

	"github.com/dbcore/mergeswim/pkg/codec/wirepack"
	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// Wire encoding constants (spec.md §6). Keys are small integers,
// never strings: the MessagePack map keys below are literal, not
// struct-tag derived, so the layout matches the spec exactly
// regardless of Go field names or ordering.
const (
	metaKeyVersion = 0
	metaKeySrcAddr = 1
	metaKeySrcPort = 2
	metaKeyRouting = 3

	routingKeySrcAddr = 0
	routingKeySrcPort = 1
	routingKeyDstAddr = 2
	routingKeyDstPort = 3

	bodyKeySrcUUID          = 0
	bodyKeyAntiEntropy      = 1
	bodyKeyFailureDetection = 2
	bodyKeyDissemination    = 3
	bodyKeyQuit             = 4

	fdKeyMsgType     = 0
	fdKeyIncarnation = 1

	recordKeyStatus      = 0
	recordKeyAddress     = 1
	recordKeyPort        = 2
	recordKeyUUID        = 3
	recordKeyIncarnation = 4
	recordKeyOldUUID     = 5
	recordKeyPayload     = 6

	quitKeyIncarnation = 0

	msgTypePing = 0
	msgTypeAck  = 1

	// MaxPayloadSize bounds a whole encoded packet (meta and body
	// together) per spec.md §4.6/§4 M4; Encode rejects anything larger.
	MaxPayloadSize = 1200

	wireVersion = 1
)

// Routing carries the optional one-hop proxy addressing of spec.md
// §4.6.
type Routing struct {
	SrcAddr string
	SrcPort uint16
	DstAddr string
	DstPort uint16
}

// Meta is the mandatory header region of every packet.
type Meta struct {
	Version int
	SrcAddr string
	SrcPort uint16
	Routing *Routing
}

// FailureDetection is the ping/ack sub-message of spec.md §4.6.
type FailureDetection struct {
	Ping        bool
	Incarnation uint64
}

// Quit carries a voluntary-leave notice (spec.md §4.2 supplement).
type Quit struct {
	Incarnation uint64
}

// Packet is the decoded shape of one SWIM datagram (spec.md §4.6,
// §6). The wire container is a 2-element MessagePack array
// [metaMap, bodyMap] so the meta and body integer key spaces (each
// starting at 0) never collide on a shared map.
type Packet struct {
	Meta Meta

	SrcUUID          uuid.UUID
	AntiEntropy      []Record
	FailureDetection *FailureDetection
	Dissemination    []Event
	Quit             *Quit
}

func ipToU32(addr string) uint32 {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

func u32ToIP(u uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], u)
	return net.IP(b[:]).String()
}

func encodeRecord(r Record) map[int]interface{} {
	m := map[int]interface{}{
		recordKeyStatus:      int(r.Status),
		recordKeyAddress:     ipToU32(r.Addr),
		recordKeyPort:        r.Port,
		recordKeyUUID:        r.UUID[:],
		recordKeyIncarnation: r.Incarnation,
	}
	if r.OldUUID != nil {
		m[recordKeyOldUUID] = r.OldUUID[:]
	}
	if len(r.Payload) > 0 {
		m[recordKeyPayload] = r.Payload
	}
	return m
}

func decodeRecord(raw map[int]interface{}) (Record, error) {
	var r Record
	status, _ := asInt(raw[recordKeyStatus])
	r.Status = Status(status)
	addrU, _ := asUint32(raw[recordKeyAddress])
	r.Addr = u32ToIP(addrU)
	port, _ := asUint16(raw[recordKeyPort])
	r.Port = port
	idBytes, ok := asBytes(raw[recordKeyUUID])
	if !ok || len(idBytes) != 16 {
		return r, xerrors.New(xerrors.ProtocolViolation, "member record missing or malformed uuid")
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return r, xerrors.Wrap(xerrors.ProtocolViolation, "member record uuid decode", err)
	}
	r.UUID = id
	inc, _ := asUint64(raw[recordKeyIncarnation])
	r.Incarnation = inc
	if oldBytes, ok := asBytes(raw[recordKeyOldUUID]); ok && len(oldBytes) == 16 {
		oldID, err := uuid.FromBytes(oldBytes)
		if err == nil {
			r.OldUUID = &oldID
		}
	}
	if payload, ok := asBytes(raw[recordKeyPayload]); ok {
		r.Payload = payload
	}
	return r, nil
}

func eventToRecord(e Event) Record {
	return Record{
		UUID:        e.UUID,
		Addr:        e.Addr,
		Status:      e.Status,
		Incarnation: e.Incarnation,
		OldUUID:     e.OldUUID,
		Payload:     e.Payload,
	}
}

// Encode serializes p into its wire form.
func (p *Packet) Encode() ([]byte, error) {
	metaMap := map[int]interface{}{
		metaKeyVersion: p.Meta.Version,
		metaKeySrcAddr: p.Meta.SrcAddr,
		metaKeySrcPort: p.Meta.SrcPort,
	}
	if p.Meta.Routing != nil {
		metaMap[metaKeyRouting] = map[int]interface{}{
			routingKeySrcAddr: p.Meta.Routing.SrcAddr,
			routingKeySrcPort: p.Meta.Routing.SrcPort,
			routingKeyDstAddr: p.Meta.Routing.DstAddr,
			routingKeyDstPort: p.Meta.Routing.DstPort,
		}
	}

	bodyMap := map[int]interface{}{
		bodyKeySrcUUID: p.SrcUUID[:],
	}
	if len(p.AntiEntropy) > 0 {
		records := make([]map[int]interface{}, 0, len(p.AntiEntropy))
		for _, r := range p.AntiEntropy {
			records = append(records, encodeRecord(r))
		}
		bodyMap[bodyKeyAntiEntropy] = records
	}
	if p.FailureDetection != nil {
		msgType := msgTypeAck
		if p.FailureDetection.Ping {
			msgType = msgTypePing
		}
		bodyMap[bodyKeyFailureDetection] = map[int]interface{}{
			fdKeyMsgType:     msgType,
			fdKeyIncarnation: p.FailureDetection.Incarnation,
		}
	}
	if len(p.Dissemination) > 0 {
		events := make([]map[int]interface{}, 0, len(p.Dissemination))
		for _, e := range p.Dissemination {
			events = append(events, encodeRecord(eventToRecord(e)))
		}
		bodyMap[bodyKeyDissemination] = events
	}
	if p.Quit != nil {
		bodyMap[bodyKeyQuit] = map[int]interface{}{
			quitKeyIncarnation: p.Quit.Incarnation,
		}
	}

	out, err := wirepack.Marshal([]interface{}{metaMap, bodyMap})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IllegalParams, "encode swim packet", err)
	}
	if len(out) > MaxPayloadSize {
		return nil, xerrors.New(xerrors.IllegalParams, "encoded swim packet exceeds MAX_PAYLOAD_SIZE")
	}
	return out, nil
}

// DecodePacket parses a wire datagram (spec.md §6). Malformed input
// surfaces as ProtocolViolation, per spec.md §7: "corrupted field in
// an on-wire record... packet is logged and dropped".
func DecodePacket(data []byte) (*Packet, error) {
	var regions []map[int]interface{}
	if err := wirepack.Unmarshal(data, &regions); err != nil {
		return nil, xerrors.Wrap(xerrors.ProtocolViolation, "decode swim packet", err)
	}
	if len(regions) != 2 {
		return nil, xerrors.New(xerrors.ProtocolViolation, "swim packet must have exactly meta and body regions")
	}
	metaMap, bodyMap := regions[0], regions[1]

	p := &Packet{}
	version, _ := asInt(metaMap[metaKeyVersion])
	p.Meta.Version = version
	p.Meta.SrcAddr, _ = metaMap[metaKeySrcAddr].(string)
	srcPort, _ := asUint16(metaMap[metaKeySrcPort])
	p.Meta.SrcPort = srcPort
	if routingRaw, ok := asIntMap(metaMap[metaKeyRouting]); ok {
		srcAddr, _ := routingRaw[routingKeySrcAddr].(string)
		srcPort, _ := asUint16(routingRaw[routingKeySrcPort])
		dstAddr, _ := routingRaw[routingKeyDstAddr].(string)
		dstPort, _ := asUint16(routingRaw[routingKeyDstPort])
		p.Meta.Routing = &Routing{SrcAddr: srcAddr, SrcPort: srcPort, DstAddr: dstAddr, DstPort: dstPort}
	}

	idBytes, ok := asBytes(bodyMap[bodyKeySrcUUID])
	if !ok || len(idBytes) != 16 {
		return nil, xerrors.New(xerrors.ProtocolViolation, "swim packet missing src_uuid")
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ProtocolViolation, "swim packet src_uuid decode", err)
	}
	p.SrcUUID = id

	if aeRaw, ok := bodyMap[bodyKeyAntiEntropy].([]interface{}); ok {
		for _, item := range aeRaw {
			rm, ok := asIntMap(item)
			if !ok {
				return nil, xerrors.New(xerrors.ProtocolViolation, "anti_entropy entry is not a map")
			}
			rec, err := decodeRecord(rm)
			if err != nil {
				return nil, err
			}
			p.AntiEntropy = append(p.AntiEntropy, rec)
		}
	}

	if fdRaw, ok := asIntMap(bodyMap[bodyKeyFailureDetection]); ok {
		msgType, _ := asInt(fdRaw[fdKeyMsgType])
		if msgType != msgTypePing && msgType != msgTypeAck {
			return nil, xerrors.New(xerrors.ProtocolViolation, "unknown failure_detection msg_type")
		}
		inc, _ := asUint64(fdRaw[fdKeyIncarnation])
		p.FailureDetection = &FailureDetection{Ping: msgType == msgTypePing, Incarnation: inc}
	}

	if dissRaw, ok := bodyMap[bodyKeyDissemination].([]interface{}); ok {
		for _, item := range dissRaw {
			rm, ok := asIntMap(item)
			if !ok {
				return nil, xerrors.New(xerrors.ProtocolViolation, "dissemination entry is not a map")
			}
			rec, err := decodeRecord(rm)
			if err != nil {
				return nil, err
			}
			p.Dissemination = append(p.Dissemination, Event{
				UUID:        rec.UUID,
				Addr:        rec.Addr,
				Status:      rec.Status,
				Incarnation: rec.Incarnation,
				OldUUID:     rec.OldUUID,
				Payload:     rec.Payload,
			})
		}
	}

	if quitRaw, ok := asIntMap(bodyMap[bodyKeyQuit]); ok {
		inc, _ := asUint64(quitRaw[quitKeyIncarnation])
		p.Quit = &Quit{Incarnation: inc}
	}

	return p, nil
}
