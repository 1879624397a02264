// Package natpmp implements the NAT-PMP wire codec and gateway runtime:
// spec §4.A (NAT-PMP), §4.F.
package natpmp

import (
	"encoding/binary"
	"net"

	"github.com/hlandau/gwmap/gwerr"
)

// Opcode identifies a NAT-PMP request. The server's response opcode is
// always the request opcode plus 128.
type Opcode byte

const (
	OpExternalIP Opcode = 0
	OpMapUDP     Opcode = 1
	OpMapTCP     Opcode = 2
)

const (
	version0     byte = 0
	requestLen        = 2
	mapReqLen         = 12 // version+opcode+reserved(2)+internalPort(2)+externalPort(2)+lifetime(4)
	respHeaderLen     = 4  // version+opcode+resultCode(2)
	mapRespLen        = 16 // header(4)+epoch(4)+internalPort(2)+externalPort(2)+lifetime(4)
	extIPRespLen      = 12 // header(4)+epoch(4)+ip(4)
)

// resultMessages gives the canonical message for each NAT-PMP result code.
var resultMessages = map[int]string{
	0: "Success",
	1: "Unsupported Version",
	2: "Not Authorized/Refused",
	3: "Network Failure",
	4: "Out of Resources",
	5: "Unsupported Opcode",
}

// ResultMessage returns the canonical message text for a NAT-PMP result code.
func ResultMessage(code int) string {
	if msg, ok := resultMessages[code]; ok {
		return msg
	}
	return "Unknown Result Code"
}

// EncodeExternalIPRequest builds the 2-byte EXTERNAL-IP request.
func EncodeExternalIPRequest() []byte {
	return []byte{version0, byte(OpExternalIP)}
}

// EncodeMapRequest builds the 12-byte MAP request for the given opcode
// (OpMapUDP or OpMapTCP).
func EncodeMapRequest(opcode Opcode, internalPort, externalPort uint16, lifetimeSeconds uint32) []byte {
	buf := make([]byte, mapReqLen)
	buf[0] = version0
	buf[1] = byte(opcode)
	binary.BigEndian.PutUint16(buf[4:6], internalPort)
	binary.BigEndian.PutUint16(buf[6:8], externalPort)
	binary.BigEndian.PutUint32(buf[8:12], lifetimeSeconds)
	return buf
}

// DecodeOpcode extracts the request-opcode a NAT-PMP response answers
// (the wire opcode minus 128), for use as a queue.OpcodeOf.
func DecodeOpcode(buf []byte) (byte, bool) {
	if len(buf) < requestLen {
		return 0, false
	}
	if buf[1]&0x80 == 0 {
		return 0, false
	}
	return buf[1] &^ 0x80, true
}

// ResponseHeader is the decoded common NAT-PMP response prefix.
type ResponseHeader struct {
	Opcode     Opcode
	ResultCode int
	Epoch      uint32
}

// ParseResponseHeader validates and decodes the 4-byte common response
// prefix (spec §4.A).
func ParseResponseHeader(buf []byte) (*ResponseHeader, error) {
	if len(buf) < respHeaderLen {
		return nil, gwerr.NewProtocol("NAT-PMP response too short")
	}
	if buf[0] != version0 {
		return nil, gwerr.NewProtocol("NAT-PMP response has unsupported version")
	}
	if buf[1]&0x80 == 0 {
		return nil, gwerr.NewProtocol("NAT-PMP response is not a reply")
	}

	return &ResponseHeader{
		Opcode:     Opcode(buf[1] &^ 0x80),
		ResultCode: int(binary.BigEndian.Uint16(buf[2:4])),
	}, nil
}

// MapResponse is the decoded MAP-specific response tail.
type MapResponse struct {
	Epoch        uint32
	InternalPort uint16
	ExternalPort uint16
	Lifetime     uint32
}

// ParseMapResponse decodes a full MAP response (header + tail).
func ParseMapResponse(buf []byte) (*MapResponse, error) {
	if len(buf) < mapRespLen {
		return nil, gwerr.NewProtocol("NAT-PMP MAP response too short")
	}
	return &MapResponse{
		Epoch:        binary.BigEndian.Uint32(buf[4:8]),
		InternalPort: binary.BigEndian.Uint16(buf[8:10]),
		ExternalPort: binary.BigEndian.Uint16(buf[10:12]),
		Lifetime:     binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// ExternalIPResponse is the decoded EXTERNAL-IP-specific response tail.
type ExternalIPResponse struct {
	Epoch uint32
	IP    net.IP
}

// ParseExternalIPResponse decodes a full EXTERNAL-IP response.
func ParseExternalIPResponse(buf []byte) (*ExternalIPResponse, error) {
	if len(buf) < extIPRespLen {
		return nil, gwerr.NewProtocol("NAT-PMP EXTERNAL-IP response too short")
	}
	ip := make(net.IP, 4)
	copy(ip, buf[8:12])
	return &ExternalIPResponse{
		Epoch: binary.BigEndian.Uint32(buf[4:8]),
		IP:    ip,
	}, nil
}
