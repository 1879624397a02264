package natpmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMapRequest(t *testing.T) {
	pkt := EncodeMapRequest(OpMapTCP, 5000, 6000, 7200)
	require.Len(t, pkt, 12)
	assert.Equal(t, byte(0), pkt[0])
	assert.Equal(t, byte(OpMapTCP), pkt[1])
	assert.Equal(t, []byte{0x13, 0x88}, pkt[4:6])
	assert.Equal(t, []byte{0x17, 0x70}, pkt[6:8])
	assert.Equal(t, []byte{0, 0, 0x1C, 0x20}, pkt[8:12])
}

func buildMapResponse(opcode Opcode, resultCode uint16, epoch uint32, internalPort, externalPort uint16, lifetime uint32) []byte {
	buf := make([]byte, mapRespLen)
	buf[1] = byte(opcode) | 0x80
	buf[2] = byte(resultCode >> 8)
	buf[3] = byte(resultCode)
	buf[4] = byte(epoch >> 24)
	buf[5] = byte(epoch >> 16)
	buf[6] = byte(epoch >> 8)
	buf[7] = byte(epoch)
	buf[8] = byte(internalPort >> 8)
	buf[9] = byte(internalPort)
	buf[10] = byte(externalPort >> 8)
	buf[11] = byte(externalPort)
	buf[12] = byte(lifetime >> 24)
	buf[13] = byte(lifetime >> 16)
	buf[14] = byte(lifetime >> 8)
	buf[15] = byte(lifetime)
	return buf
}

func TestParseMapResponseRoundTrip(t *testing.T) {
	resp := buildMapResponse(OpMapTCP, 0, 42, 5000, 6000, 7200)

	hdr, err := ParseResponseHeader(resp)
	require.NoError(t, err)
	assert.Equal(t, OpMapTCP, hdr.Opcode)
	assert.Equal(t, 0, hdr.ResultCode)

	mr, err := ParseMapResponse(resp)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, mr.InternalPort)
	assert.EqualValues(t, 6000, mr.ExternalPort)
	assert.EqualValues(t, 7200, mr.Lifetime)
}

func TestParseResponseHeaderRejectsBadVersion(t *testing.T) {
	resp := buildMapResponse(OpMapTCP, 0, 1, 1, 1, 1)
	resp[0] = 9
	_, err := ParseResponseHeader(resp)
	assert.Error(t, err)
}

func TestDecodeOpcode(t *testing.T) {
	resp := buildMapResponse(OpMapUDP, 0, 1, 1, 1, 1)
	op, ok := DecodeOpcode(resp)
	assert.True(t, ok)
	assert.Equal(t, byte(OpMapUDP), op)
}

func TestParseExternalIPResponse(t *testing.T) {
	buf := make([]byte, extIPRespLen)
	buf[1] = byte(OpExternalIP) | 0x80
	buf[8], buf[9], buf[10], buf[11] = 203, 0, 113, 9
	r, err := ParseExternalIPResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", r.IP.String())
}
