package receiver

import (
	"io"
	"log"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnperf/turnperf/internal/turnerr"
	"github.com/turnperf/turnperf/internal/wire"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func addr(t *testing.T) net.Addr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", "127.0.0.1:9000")
	require.NoError(t, err)
	return a
}

func TestRecvCountsValidPackets(t *testing.T) {
	r := New(0xCAFEBABE, 3, quietLogger())

	buf := wire.Encode(nil, 0xCAFEBABE, 3, 1, 16, wire.Pattern)
	require.NoError(t, r.Recv(addr(t), buf))

	assert.EqualValues(t, 1, r.TotalPackets())
	assert.EqualValues(t, len(buf), r.TotalBytes())
	assert.EqualValues(t, 1, r.LastSeq())
}

func TestRecvRejectsWrongCookie(t *testing.T) {
	r := New(0x1, 0, quietLogger())
	buf := wire.Encode(nil, 0x2, 0, 1, 0, wire.Pattern)

	err := r.Recv(addr(t), buf)
	assert.ErrorIs(t, err, turnerr.ErrProtocol)
	assert.EqualValues(t, 0, r.TotalPackets())
}

func TestRecvRejectsWrongAllocID(t *testing.T) {
	r := New(0x1, 5, quietLogger())
	buf := wire.Encode(nil, 0x1, 6, 1, 0, wire.Pattern)

	err := r.Recv(addr(t), buf)
	assert.ErrorIs(t, err, turnerr.ErrProtocol)
	assert.EqualValues(t, 0, r.TotalPackets())
}

func TestRecvTreatsNonTurnperfPacketsAsNoise(t *testing.T) {
	r := New(0x1, 0, quietLogger())

	err := r.Recv(addr(t), []byte("not a turnperf packet"))
	assert.NoError(t, err)
	assert.EqualValues(t, 0, r.TotalPackets())
}

func TestRecvCountsOutOfOrderPacketsWithoutClampingLastSeq(t *testing.T) {
	r := New(0x1, 0, quietLogger())

	require.NoError(t, r.Recv(addr(t), wire.Encode(nil, 0x1, 0, 5, 0, wire.Pattern)))
	require.NoError(t, r.Recv(addr(t), wire.Encode(nil, 0x1, 0, 2, 0, wire.Pattern)))

	assert.EqualValues(t, 2, r.TotalPackets())
	assert.EqualValues(t, 5, r.LastSeq(), "last_seq tracks the maximum seq seen, not the most recent")
}
