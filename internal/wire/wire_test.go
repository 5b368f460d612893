package wire

import (
	"errors"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnperf/turnperf/internal/turnerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := func(cookie, allocID, seq uint32, lenSeed uint8) bool {
		payloadLen := uint32(lenSeed) % 237 // keep within [0, 236]

		buf := Encode(nil, cookie, allocID, seq, payloadLen, Pattern)
		if len(buf) != HeaderSize+int(payloadLen) {
			return false
		}

		hdr, consumed, err := Decode(buf)
		if err != nil {
			return false
		}
		if consumed != HeaderSize+int(payloadLen) {
			return false
		}
		return hdr.SessionCookie == cookie &&
			hdr.AllocID == allocID &&
			hdr.Seq == seq &&
			hdr.PayloadLen == payloadLen
	}

	require.NoError(t, quick.Check(f, nil))
}

func TestEncodePayloadIsPattern(t *testing.T) {
	buf := Encode(nil, 1, 2, 3, 8, Pattern)
	for _, b := range buf[HeaderSize:] {
		assert.Equal(t, Pattern, b)
	}
}

func TestDecodeShortBufferIsBadMessage(t *testing.T) {
	buf := Encode(nil, 1, 2, 3, 8, Pattern)

	for n := 0; n < HeaderSize; n++ {
		_, consumed, err := Decode(buf[:n])
		assert.ErrorIs(t, err, turnerr.ErrBadMessage)
		assert.Equal(t, 0, consumed)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	buf := Encode(nil, 1, 2, 3, 0, Pattern)
	buf[0] ^= 0xff

	_, consumed, err := Decode(buf)
	assert.ErrorIs(t, err, turnerr.ErrBadMessage)
	assert.Equal(t, 0, consumed)
}

func TestDecodeOversizedPayloadLenIsProtocolError(t *testing.T) {
	buf := Encode(nil, 1, 2, 3, 16, Pattern)
	// truncate the buffer so fewer bytes remain than the header claims
	buf = buf[:HeaderSize+4]

	_, consumed, err := Decode(buf)
	assert.ErrorIs(t, err, turnerr.ErrProtocol)
	assert.False(t, errors.Is(err, turnerr.ErrBadMessage))
	assert.Equal(t, 0, consumed)
}

func TestDecodeConsumesExactlyDeclaredLength(t *testing.T) {
	first := Encode(nil, 1, 1, 1, 4, Pattern)
	second := Encode(nil, 1, 1, 2, 6, Pattern)
	stream := append(first, second...)

	hdr1, n1, err := Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), hdr1.Seq)

	hdr2, n2, err := Decode(stream[n1:])
	require.NoError(t, err)
	assert.Equal(t, uint32(2), hdr2.Seq)
	assert.Equal(t, len(stream), n1+n2)
}
