// Package reassembly implements the TCP/TLS framing layer that sits between
// a byte stream and a TURN client: it finds STUN-message and ChannelData
// boundaries in an arbitrarily-chunked stream and hands each complete frame
// upstream exactly once, preserving ChannelData's 4-byte alignment padding.
package reassembly

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/turnperf/turnperf/internal/turnerr"
)

const (
	typeLenFieldSize      = 4
	stunHeaderSize        = 20
	channelDataHeaderSize = 4
	channelNumberBase     = 0x4000
	channelNumberMax      = 0x8000
)

// Recv hands one complete, framed STUN or ChannelData message to the TURN
// client and gets back the packet's logical source and any leftover
// application-data bytes (empty if the frame carried none).
type Recv func(frame []byte) (src net.Addr, appData []byte, err error)

// DataHandler receives application data extracted from a frame.
type DataHandler func(src net.Addr, appData []byte)

// Buffer is a rolling re-assembly buffer for one TCP or TLS-over-TCP
// allocation. The zero value is ready to use. A Buffer is not safe for
// concurrent use; each allocation owns exactly one.
type Buffer struct {
	data []byte
}

// Feed appends chunk (one inbound read) to the buffer and processes as many
// complete frames as are now available. It returns the first error
// encountered — either from recv, or ErrProtocol if the stream is corrupt
// (a type field ≥ 0x8000). On a corrupt stream, no further bytes are
// consumed: the offending bytes stay at the front of the buffer.
func (b *Buffer) Feed(chunk []byte, recv Recv, onData DataHandler) error {
	b.data = append(b.data, chunk...)

	for {
		if len(b.data) < typeLenFieldSize {
			break
		}

		typ := binary.BigEndian.Uint16(b.data[0:2])
		length := int(binary.BigEndian.Uint16(b.data[2:4]))

		var full int
		switch {
		case typ < channelNumberBase:
			// STUN message: length field excludes the 20-byte STUN header.
			full = length + stunHeaderSize
		case typ < channelNumberMax:
			// ChannelData: length field excludes its own 4-byte header.
			full = length + channelDataHeaderSize
		default:
			return fmt.Errorf("reassembly: corrupt stream, type %#04x: %w", typ, turnerr.ErrProtocol)
		}

		aligned := full
		for aligned%4 != 0 {
			aligned++
		}

		if len(b.data) < aligned {
			break // wait for the rest of this frame (and its padding)
		}

		frame := b.data[:full]
		src, appData, err := recv(frame)
		if err != nil {
			return err
		}
		if len(appData) > 0 && onData != nil {
			onData(src, appData)
		}

		b.data = b.data[aligned:]
	}

	if len(b.data) == 0 {
		b.data = nil // release the backing array once fully drained
	}

	return nil
}

// Pending returns the number of unconsumed bytes currently buffered.
func (b *Buffer) Pending() int {
	return len(b.data)
}
