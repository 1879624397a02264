// Package pcp implements the PCP (RFC 6887) wire codec and gateway
// runtime: spec §4.A (PCP), §4.E.
package pcp

import (
	"encoding/binary"
	"net"

	"github.com/hlandau/gwmap/gwerr"
)

// Opcode identifies a PCP request/response pair.
type Opcode byte

const (
	OpAnnounce Opcode = 0
	OpMap      Opcode = 1
)

// Protocol byte values used in a MAP request/response, per IANA protocol
// numbers (spec §4.A).
const (
	ProtoTCP byte = 0x06
	ProtoUDP byte = 0x11
)

const (
	headerLen  = 24
	mapDataLen = 36
	version    = 2

	// MaxPacketLen and MinPacketLen bound a valid PCP message (spec §4.A
	// parser rules).
	MaxPacketLen = 1100
	MinPacketLen = headerLen
)

// resultMessages gives the canonical message for each PCP result code
// (RFC 6887 §7.4).
var resultMessages = map[int]string{
	0:  "SUCCESS",
	1:  "UNSUPP_VERSION",
	2:  "NOT_AUTHORIZED",
	3:  "MALFORMED_REQUEST",
	4:  "UNSUPP_OPCODE",
	5:  "UNSUPP_OPTION",
	6:  "MALFORMED_OPTION",
	7:  "NETWORK_FAILURE",
	8:  "NO_RESOURCES",
	9:  "UNSUPP_PROTOCOL",
	10: "USER_EX_QUOTA",
	11: "CANNOT_PROVIDE_EXTERNAL",
	12: "ADDRESS_MISMATCH",
	13: "EXCESSIVE_REMOTE_PEERS",
}

// ResultMessage returns the canonical message text for a PCP result code.
func ResultMessage(code int) string {
	if msg, ok := resultMessages[code]; ok {
		return msg
	}
	return "UNKNOWN_RESULT_CODE"
}

// ipToPCPBytes renders an address the way PCP wants it on the wire: the
// all-zero "::" when unspecified, the 16-byte IPv4-mapped form for an IPv4
// address, or the address verbatim for IPv6 (spec §4.A, §9).
func ipToPCPBytes(ip net.IP) [16]byte {
	var out [16]byte
	if ip == nil || ip.IsUnspecified() {
		return out
	}
	if v4 := ip.To4(); v4 != nil {
		out[10] = 0xff
		out[11] = 0xff
		copy(out[12:16], v4)
		return out
	}
	copy(out[:], ip.To16())
	return out
}

func pcpBytesToIP(b []byte) net.IP {
	allZero := true
	for _, c := range b {
		if c != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil
	}
	ip := make(net.IP, 16)
	copy(ip, b)
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// EncodeRequestHeader builds the 24-byte PCP request header.
func EncodeRequestHeader(opcode Opcode, lifetimeSeconds uint32, clientIP net.IP) []byte {
	buf := make([]byte, headerLen)
	buf[0] = version
	buf[1] = byte(opcode) &^ 0x80
	binary.BigEndian.PutUint32(buf[4:8], lifetimeSeconds)
	addr := ipToPCPBytes(clientIP)
	copy(buf[8:24], addr[:])
	return buf
}

// MapRequest is the data carried by a PCP MAP opcode request.
type MapRequest struct {
	Nonce                 [12]byte
	Protocol              byte
	InternalPort          uint16
	SuggestedExternalPort uint16
	SuggestedExternalIP   net.IP
}

// EncodeMapData builds the 36-byte MAP opcode data block. If
// SuggestedExternalPort is zero, the internal port is used instead, per
// spec §4.A ("suggested external port (default: internal port)").
func EncodeMapData(r MapRequest) []byte {
	buf := make([]byte, mapDataLen)
	copy(buf[0:12], r.Nonce[:])
	buf[12] = r.Protocol
	extPort := r.SuggestedExternalPort
	if extPort == 0 {
		extPort = r.InternalPort
	}
	binary.BigEndian.PutUint16(buf[16:18], r.InternalPort)
	binary.BigEndian.PutUint16(buf[18:20], extPort)
	addr := ipToPCPBytes(r.SuggestedExternalIP)
	copy(buf[20:36], addr[:])
	return buf
}

// BuildMapRequest assembles a complete 60-byte MAP PCP request packet
// (header + MAP data).
func BuildMapRequest(lifetimeSeconds uint32, clientIP net.IP, r MapRequest) []byte {
	out := EncodeRequestHeader(OpMap, lifetimeSeconds, clientIP)
	out = append(out, EncodeMapData(r)...)
	return out
}

// BuildAnnounceRequest assembles a bare 24-byte ANNOUNCE request.
func BuildAnnounceRequest(clientIP net.IP) []byte {
	return EncodeRequestHeader(OpAnnounce, 0, clientIP)
}

// ResponseHeader is the decoded 24-byte PCP response header.
type ResponseHeader struct {
	Opcode         Opcode
	ResultCode     int
	Lifetime       uint32
	Epoch          uint32
}

// DecodeOpcode extracts the opcode from a raw PCP datagram, for use as a
// queue.OpcodeOf. It does not validate the message otherwise.
func DecodeOpcode(buf []byte) (byte, bool) {
	if len(buf) < headerLen {
		return 0, false
	}
	return buf[1] &^ 0x80, true
}

// ParseResponseHeader validates and decodes a PCP response header per the
// spec §4.A parser rules: length in [24,1100] and a multiple of 4, R bit
// set, version 2. It does not check opcode-match-to-head-of-queue or
// source-address filtering; those are the queue's job.
func ParseResponseHeader(buf []byte) (*ResponseHeader, error) {
	if len(buf) < MinPacketLen || len(buf) > MaxPacketLen || len(buf)%4 != 0 {
		return nil, gwerr.NewProtocol("PCP response has invalid length")
	}
	if buf[0] != version {
		return nil, gwerr.NewProtocol("PCP response has unsupported version")
	}
	if buf[1]&0x80 == 0 {
		return nil, gwerr.NewProtocol("PCP response R bit not set")
	}

	return &ResponseHeader{
		Opcode:     Opcode(buf[1] &^ 0x80),
		ResultCode: int(buf[3]),
		Lifetime:   binary.BigEndian.Uint32(buf[4:8]),
		Epoch:      binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// MapResponse is the decoded 36-byte MAP response tail.
type MapResponse struct {
	Nonce          [12]byte
	Protocol       byte
	InternalPort   uint16
	ExternalPort   uint16
	ExternalIP     net.IP
}

// ParseMapResponse decodes the MAP-specific tail of a response, which
// starts at byte 24. Per spec §4.E, a MAP response shorter than 60 bytes
// total (i.e. a tail shorter than 36 bytes) is rejected.
func ParseMapResponse(buf []byte) (*MapResponse, error) {
	tail := buf[headerLen:]
	if len(tail) < mapDataLen {
		return nil, gwerr.NewProtocol("PCP MAP response too short")
	}

	var r MapResponse
	copy(r.Nonce[:], tail[0:12])
	r.Protocol = tail[12]
	r.InternalPort = binary.BigEndian.Uint16(tail[16:18])
	r.ExternalPort = binary.BigEndian.Uint16(tail[18:20])
	r.ExternalIP = pcpBytesToIP(tail[20:36])
	return &r, nil
}
