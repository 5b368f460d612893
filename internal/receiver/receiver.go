// Package receiver verifies and counts inbound turnperf test packets for a
// single allocation.
package receiver

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/turnperf/turnperf/internal/turnerr"
	"github.com/turnperf/turnperf/internal/wire"
)

// Receiver verifies inbound packets against an expected session cookie and
// allocation id, and accumulates reception statistics. A zero value is not
// ready to use; construct one with New.
type Receiver struct {
	cookie  uint32
	allocID uint32
	logger  *log.Logger

	mu           sync.Mutex
	firstSeen    time.Time
	lastSeen     time.Time
	totalBytes   uint64
	totalPackets uint64
	lastSeq      uint32
}

// New returns a Receiver that only accepts packets carrying expectedCookie
// and expectedAllocID.
func New(expectedCookie, expectedAllocID uint32, logger *log.Logger) *Receiver {
	return &Receiver{
		cookie:  expectedCookie,
		allocID: expectedAllocID,
		logger:  logger,
	}
}

// Recv processes one inbound packet already stripped of TURN framing. It
// returns nil for packets that are simply not turnperf traffic (logged and
// ignored as unrelated noise on the peer), and a non-nil error for anything
// that looks like turnperf traffic but fails verification.
func (r *Receiver) Recv(src net.Addr, buf []byte) error {
	now := time.Now()

	r.mu.Lock()
	if r.firstSeen.IsZero() {
		r.firstSeen = now
	}
	r.lastSeen = now
	r.mu.Unlock()

	hdr, _, err := wire.Decode(buf)
	if err != nil {
		if errors.Is(err, turnerr.ErrBadMessage) {
			r.logger.Printf("receiver[%d]: ignoring non-turnperf packet from %s (%d bytes)", r.allocID, src, len(buf))
			return nil
		}
		return fmt.Errorf("receiver[%d]: decode from %s: %w", r.allocID, src, err)
	}

	if hdr.SessionCookie != r.cookie {
		r.logger.Printf("receiver[%d]: invalid cookie from %s [exp=%#x, actual=%#x]", r.allocID, src, r.cookie, hdr.SessionCookie)
		return fmt.Errorf("receiver[%d]: cookie mismatch: %w", r.allocID, turnerr.ErrProtocol)
	}
	if hdr.AllocID != r.allocID {
		r.logger.Printf("receiver[%d]: invalid allocation id from %s [exp=%d, actual=%d]", r.allocID, src, r.allocID, hdr.AllocID)
		return fmt.Errorf("receiver[%d]: alloc id mismatch: %w", r.allocID, turnerr.ErrProtocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastSeq != 0 && hdr.Seq <= r.lastSeq {
		r.logger.Printf("receiver[%d]: late or out-of-order packet from %s (last_seq=%d, seq=%d)", r.allocID, src, r.lastSeq, hdr.Seq)
	}

	r.totalBytes += uint64(len(buf))
	r.totalPackets++
	if hdr.Seq > r.lastSeq {
		r.lastSeq = hdr.Seq
	}

	return nil
}

// TotalPackets returns the number of verified packets received so far.
func (r *Receiver) TotalPackets() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalPackets
}

// TotalBytes returns the number of on-wire bytes (including headers) of
// verified packets received so far.
func (r *Receiver) TotalBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalBytes
}

// LastSeq returns the highest sequence number observed so far.
func (r *Receiver) LastSeq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// Bitrate returns the observed receive bitrate in bits/second, computed over
// the span between the first and last packet seen. It returns -1 if fewer
// than two packets (or two distinct timestamps) have been observed.
func (r *Receiver) Bitrate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.firstSeen.IsZero() || r.lastSeen.IsZero() || !r.lastSeen.After(r.firstSeen) {
		return -1
	}

	duration := r.lastSeen.Sub(r.firstSeen).Seconds()
	return float64(r.totalBytes) * 8 / duration
}
