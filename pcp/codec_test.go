package pcp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S4 — PCP MAP request bytes.
func TestBuildMapRequestBytes(t *testing.T) {
	var nonce [12]byte
	copy(nonce[:], []byte("abcdefghijkl"))

	pkt := BuildMapRequest(3600, net.ParseIP("192.168.1.10"), MapRequest{
		Nonce:        nonce,
		Protocol:     ProtoTCP,
		InternalPort: 5000,
	})

	require.Len(t, pkt, 60)

	// version=2, opcode=1 (request, R=0), reserved, lifetime=3600=0x0E10
	assert.Equal(t, []byte{0x02, 0x01, 0x00, 0x00, 0x00, 0x00, 0x0E, 0x10}, pkt[0:8])

	// IPv4-mapped client address
	wantClient := append(make([]byte, 10), 0xff, 0xff, 192, 168, 1, 10)
	assert.Equal(t, wantClient, pkt[8:24])

	// nonce
	assert.Equal(t, nonce[:], pkt[24:36])

	// protocol + reserved
	assert.Equal(t, []byte{ProtoTCP, 0, 0, 0}, pkt[36:40])

	// internal port 5000 = 0x1388, suggested external defaults to internal
	assert.Equal(t, []byte{0x13, 0x88}, pkt[40:42])
	assert.Equal(t, []byte{0x13, 0x88}, pkt[42:44])

	// suggested external IP unspecified -> 16 zero bytes
	assert.Equal(t, make([]byte, 16), pkt[44:60])
}

func TestBuildAnnounceRequest(t *testing.T) {
	pkt := BuildAnnounceRequest(net.ParseIP("10.0.0.5"))
	require.Len(t, pkt, 24)
	assert.Equal(t, byte(version), pkt[0])
	assert.Equal(t, byte(OpAnnounce), pkt[1])
}

func TestDecodeOpcodeRoundTrip(t *testing.T) {
	pkt := BuildMapRequest(10, net.ParseIP("10.0.0.1"), MapRequest{InternalPort: 1})
	op, ok := DecodeOpcode(pkt)
	assert.True(t, ok)
	assert.Equal(t, byte(OpMap), op)
}

func buildResponse(opcode Opcode, resultCode byte, lifetime, epoch uint32, mapTail []byte) []byte {
	buf := make([]byte, headerLen)
	buf[0] = version
	buf[1] = byte(opcode) | 0x80
	buf[3] = resultCode
	putU32 := func(b []byte, v uint32) {
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
	}
	putU32(buf[4:8], lifetime)
	putU32(buf[8:12], epoch)
	return append(buf, mapTail...)
}

// S5 — PCP response clamp is the mapping table's job; here we check the
// codec reports the raw (unclamped) granted lifetime faithfully.
func TestParseResponseHeaderReportsRawLifetime(t *testing.T) {
	resp := buildResponse(OpMap, 0, 100000, 42, make([]byte, mapDataLen))
	hdr, err := ParseResponseHeader(resp)
	require.NoError(t, err)
	assert.EqualValues(t, 100000, hdr.Lifetime)
	assert.EqualValues(t, 0, hdr.ResultCode)
}

func TestParseResponseHeaderRejectsBadLength(t *testing.T) {
	_, err := ParseResponseHeader(make([]byte, 23))
	assert.Error(t, err)

	_, err = ParseResponseHeader(make([]byte, 1101))
	assert.Error(t, err)

	_, err = ParseResponseHeader(make([]byte, 25))
	assert.Error(t, err)
}

func TestParseResponseHeaderRejectsBadVersionOrRBit(t *testing.T) {
	resp := buildResponse(OpMap, 0, 60, 1, make([]byte, mapDataLen))
	resp[0] = 3
	_, err := ParseResponseHeader(resp)
	assert.Error(t, err)

	resp2 := buildResponse(OpMap, 0, 60, 1, make([]byte, mapDataLen))
	resp2[1] &^= 0x80
	_, err = ParseResponseHeader(resp2)
	assert.Error(t, err)
}

func TestParseMapResponseShortRejected(t *testing.T) {
	resp := buildResponse(OpMap, 0, 60, 1, make([]byte, 10))
	_, err := ParseMapResponse(resp)
	assert.Error(t, err)
}

func TestParseMapResponseRoundTrip(t *testing.T) {
	var nonce [12]byte
	copy(nonce[:], []byte("abcdefghijkl"))

	tail := make([]byte, mapDataLen)
	copy(tail[0:12], nonce[:])
	tail[12] = ProtoUDP
	tail[16] = 0x13
	tail[17] = 0x88
	tail[18] = 0x13
	tail[19] = 0x89
	copy(tail[20:36], append(make([]byte, 10), 0xff, 0xff, 203, 0, 113, 5))

	resp := buildResponse(OpMap, 0, 7200, 99, tail)
	mr, err := ParseMapResponse(resp)
	require.NoError(t, err)

	assert.Equal(t, nonce, mr.Nonce)
	assert.Equal(t, ProtoUDP, mr.Protocol)
	assert.EqualValues(t, 5000, mr.InternalPort)
	assert.EqualValues(t, 5001, mr.ExternalPort)
	assert.Equal(t, net.IPv4(203, 0, 113, 5).To4(), mr.ExternalIP.To4())
}
