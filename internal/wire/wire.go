// Package wire implements turnperf's synthetic test packet: a fixed 20-byte
// header followed by a pattern-filled payload. It is the only payload format
// this tool ever sends or expects to receive through a TURN relay.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/turnperf/turnperf/internal/turnerr"
)

// HeaderSize is the fixed, on-wire size of a Header in bytes.
const HeaderSize = 20

// Magic identifies a turnperf packet: the ASCII bytes "TPRF".
const Magic uint32 = 'T'<<24 | 'P'<<16 | 'R'<<8 | 'F'

// Pattern is the byte every payload is filled with.
const Pattern byte = 0xa5

// Header is the decoded form of a turnperf packet header.
type Header struct {
	SessionCookie uint32
	AllocID       uint32
	Seq           uint32
	PayloadLen    uint32
}

// Encode appends a HeaderSize-byte header followed by payloadLen bytes of
// pattern to buf and returns the result. It never fails: Go's append only
// panics on an absurd length, which callers avoid by bounding payloadLen to
// the configured packet size up front.
func Encode(buf []byte, sessionCookie, allocID, seq, payloadLen uint32, pattern byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], Magic)
	binary.BigEndian.PutUint32(hdr[4:], sessionCookie)
	binary.BigEndian.PutUint32(hdr[8:], allocID)
	binary.BigEndian.PutUint32(hdr[12:], seq)
	binary.BigEndian.PutUint32(hdr[16:], payloadLen)

	buf = append(buf, hdr[:]...)
	payloadStart := len(buf)
	buf = append(buf, make([]byte, payloadLen)...)
	for i := payloadStart; i < len(buf); i++ {
		buf[i] = pattern
	}
	return buf
}

// Decode reads one Header from the front of buf. On success it returns the
// header and the number of bytes consumed (HeaderSize plus the declared
// payload), so the caller's read offset stays aligned with TURN's TCP
// framing. On any failure, consumed is 0 — the caller's position is
// effectively restored by simply not advancing it, mirroring the
// position-restore-on-error contract of the original mbuf-based decoder.
//
// Decode fails with ErrBadMessage if fewer than HeaderSize bytes are present
// or the magic does not match, and with ErrProtocol if the declared payload
// length exceeds the bytes remaining in buf. Unlike the C implementation
// this was ported from, every failure path returns its real error — none are
// silently folded into a nil return (see SPEC_FULL.md §9 open questions).
func Decode(buf []byte) (hdr Header, consumed int, err error) {
	if len(buf) < HeaderSize {
		return Header{}, 0, fmt.Errorf("wire: %d bytes available, need %d: %w", len(buf), HeaderSize, turnerr.ErrBadMessage)
	}

	magic := binary.BigEndian.Uint32(buf[0:])
	if magic != Magic {
		return Header{}, 0, fmt.Errorf("wire: bad magic 0x%08x: %w", magic, turnerr.ErrBadMessage)
	}

	hdr = Header{
		SessionCookie: binary.BigEndian.Uint32(buf[4:]),
		AllocID:       binary.BigEndian.Uint32(buf[8:]),
		Seq:           binary.BigEndian.Uint32(buf[12:]),
		PayloadLen:    binary.BigEndian.Uint32(buf[16:]),
	}

	remaining := len(buf) - HeaderSize
	if uint64(hdr.PayloadLen) > uint64(remaining) {
		return Header{}, 0, fmt.Errorf("wire: header declares %d payload bytes, only %d remain: %w", hdr.PayloadLen, remaining, turnerr.ErrProtocol)
	}

	return hdr, HeaderSize + int(hdr.PayloadLen), nil
}
