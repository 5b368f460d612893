package reassembly

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnperf/turnperf/internal/turnerr"
)

func stunFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	// A STUN message body is always a multiple of 4 bytes, and its length
	// field counts that padding.
	body := append([]byte(nil), payload...)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	frame := make([]byte, stunHeaderSize+len(body))
	binary.BigEndian.PutUint16(frame[0:2], 0x0001) // well below 0x4000
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(body)))
	copy(frame[stunHeaderSize:], body)
	return frame
}

func channelDataFrame(t *testing.T, channel uint16, payload []byte) []byte {
	t.Helper()
	frame := make([]byte, channelDataHeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], channel)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[channelDataHeaderSize:], payload)
	for len(frame)%4 != 0 {
		frame = append(frame, 0)
	}
	return frame
}

func fakeAddr() net.Addr {
	a, _ := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	return a
}

// TestFeedReproducesExactFrameSequenceAcrossArbitraryChunking is the
// "Framing law" property: however a stream is split across Feed calls, the
// sequence of frames handed to recv must be identical to feeding it whole.
func TestFeedReproducesExactFrameSequenceAcrossArbitraryChunking(t *testing.T) {
	f1 := stunFrame(t, []byte("hello"))
	f2 := channelDataFrame(t, 0x4001, []byte("ab")) // needs 2 bytes padding
	f3 := channelDataFrame(t, 0x4002, []byte("four"))
	whole := append(append(append([]byte{}, f1...), f2...), f3...)

	for chunkSize := 1; chunkSize <= len(whole); chunkSize++ {
		var got [][]byte
		recv := func(frame []byte) (net.Addr, []byte, error) {
			cp := append([]byte(nil), frame...)
			got = append(got, cp)
			return fakeAddr(), nil, nil
		}

		var b Buffer
		for i := 0; i < len(whole); i += chunkSize {
			end := i + chunkSize
			if end > len(whole) {
				end = len(whole)
			}
			require.NoError(t, b.Feed(whole[i:end], recv, nil))
		}

		require.Len(t, got, 3, "chunk size %d", chunkSize)
		assert.Equal(t, f1, got[0], "chunk size %d", chunkSize)
		assert.Equal(t, f2[:channelDataHeaderSize+2], got[1], "chunk size %d", chunkSize)
		assert.Equal(t, f3[:channelDataHeaderSize+4], got[2], "chunk size %d", chunkSize)
		assert.Equal(t, 0, b.Pending())
	}
}

func TestFeedWaitsForPaddingBeforeDispatching(t *testing.T) {
	frame := channelDataFrame(t, 0x4001, []byte("ab")) // 4(hdr)+2(payload)+2(pad) = 8
	unpadded := frame[:channelDataHeaderSize+2]

	var calls int
	recv := func(f []byte) (net.Addr, []byte, error) {
		calls++
		return fakeAddr(), nil, nil
	}

	var b Buffer
	require.NoError(t, b.Feed(unpadded, recv, nil))
	assert.Equal(t, 0, calls, "must not dispatch before padding bytes arrive")

	require.NoError(t, b.Feed(frame[len(unpadded):], recv, nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Pending())
}

func TestFeedIsFatalOnChannelNumberAboveRange(t *testing.T) {
	var b Buffer
	bad := make([]byte, 4)
	binary.BigEndian.PutUint16(bad[0:2], 0x8001)
	binary.BigEndian.PutUint16(bad[2:4], 0)

	err := b.Feed(bad, func([]byte) (net.Addr, []byte, error) {
		t.Fatal("recv must not be called for a fatal frame")
		return nil, nil, nil
	}, nil)

	assert.ErrorIs(t, err, turnerr.ErrProtocol)
	assert.Equal(t, 4, b.Pending(), "the offending bytes must not be consumed")
}

func TestFeedForwardsLeftoverApplicationData(t *testing.T) {
	frame := stunFrame(t, []byte("payload"))

	var gotSrc net.Addr
	var gotData []byte
	recv := func(f []byte) (net.Addr, []byte, error) {
		return fakeAddr(), []byte("payload"), nil
	}
	onData := func(src net.Addr, data []byte) {
		gotSrc = src
		gotData = data
	}

	var b Buffer
	require.NoError(t, b.Feed(frame, recv, onData))

	assert.Equal(t, fakeAddr(), gotSrc)
	assert.Equal(t, []byte("payload"), gotData)
}

func TestFeedPropagatesRecvError(t *testing.T) {
	frame := stunFrame(t, nil)
	want := turnerr.ErrProtocol

	var b Buffer
	err := b.Feed(frame, func([]byte) (net.Addr, []byte, error) {
		return nil, nil, want
	}, nil)

	assert.ErrorIs(t, err, want)
}
