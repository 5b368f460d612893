// Package sender implements turnperf's per-allocation paced packet
// generator: a fixed-bitrate synthetic bitstream driven by an external
// pacing tick rather than its own timer.
package sender

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/randutil"

	"github.com/turnperf/turnperf/internal/turnerr"
	"github.com/turnperf/turnperf/internal/wire"
)

// PacingInterval is the minimum tick period the allocator's pace timer may
// use to drive Tick; Ptime below this cannot be honored precisely (see
// SPEC_FULL.md "Pacing accuracy").
const PacingInterval = 5 * time.Millisecond

// reservedPrefix is left at the front of every encoded buffer so the TURN
// client can prepend ChannelData/Send-indication framing without copying.
const reservedPrefix = 48

// Transmit sends one fully-framed packet (reserved prefix already sliced
// away by the caller that owns it) through the allocation's fast-path
// transport. Implemented by *allocation.Allocation in production code.
type Transmit func(buf []byte) error

var jitter = randutil.NewMathRandomGenerator()

// Sender generates a steady synthetic bitstream at a target bitrate, paced
// by repeated calls to Tick from a shared external clock.
type Sender struct {
	transmit      Transmit
	sessionCookie uint32
	allocID       uint32
	bitrate       uint
	ptime         uint
	psize         uint
	logger        *log.Logger

	mu           sync.Mutex
	seq          uint32
	nextFire     time.Time
	startedAt    time.Time
	stoppedAt    time.Time
	totalBytes   uint64
	totalPackets uint64
}

// New validates its arguments against the sender's invariants (psize must be
// at least the header size, ptime must be at least the pacing interval) and
// returns a Sender ready to be started.
func New(transmit Transmit, sessionCookie, allocID uint32, bitrate, ptime, psize uint, logger *log.Logger) (*Sender, error) {
	if transmit == nil || bitrate == 0 {
		return nil, fmt.Errorf("sender: transmit and bitrate are required: %w", turnerr.ErrInvalidArgument)
	}
	if time.Duration(ptime)*time.Millisecond < PacingInterval {
		return nil, fmt.Errorf("sender: ptime %dms is below the %s pacing interval: %w", ptime, PacingInterval, turnerr.ErrInvalidArgument)
	}
	if psize < wire.HeaderSize {
		return nil, fmt.Errorf("sender: psize %d is smaller than the %d byte header: %w", psize, wire.HeaderSize, turnerr.ErrInvalidArgument)
	}

	return &Sender{
		transmit:      transmit,
		sessionCookie: sessionCookie,
		allocID:       allocID,
		bitrate:       bitrate,
		ptime:         ptime,
		psize:         psize,
		logger:        logger,
	}, nil
}

// Start captures the run's start time and arms the first fire at now plus a
// uniform random jitter in [0, 100) ms, to desynchronize many senders that
// were all started within the same pacing tick.
func (s *Sender) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startedAt = now
	s.nextFire = now.Add(time.Duration(jitter.Intn(100)) * time.Millisecond)
}

// Stop captures the run's stop time. A stopped Sender must not be started
// again.
func (s *Sender) Stop(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedAt = now
}

// Tick is called by the allocator's shared pacing timer. While now is at or
// past the next scheduled fire time, it sends one packet and advances the
// schedule by exactly ptime; this is a catch-up policy with no burst cap, so
// a delayed scheduler drains its backlog within the ticks that follow
// instead of losing long-term rate.
func (s *Sender) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.nextFire.After(now) {
		s.sendLocked()
		s.nextFire = s.nextFire.Add(time.Duration(s.ptime) * time.Millisecond)
	}
}

func (s *Sender) sendLocked() {
	s.seq++
	payloadLen := uint32(s.psize - wire.HeaderSize)

	buf := make([]byte, reservedPrefix, reservedPrefix+wire.HeaderSize+payloadLen)
	buf = wire.Encode(buf, s.sessionCookie, s.allocID, s.seq, payloadLen, wire.Pattern)
	framed := buf[reservedPrefix:]

	if err := s.transmit(framed); err != nil {
		s.logger.Printf("sender[%d]: transmit of %d bytes failed: %v", s.allocID, len(framed), err)
		return
	}

	s.totalBytes += uint64(len(framed))
	s.totalPackets++
}

// TotalPackets returns the number of packets successfully handed to the
// transport so far.
func (s *Sender) TotalPackets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalPackets
}

// Bitrate returns the observed send bitrate in bits/second over
// [start,stop). It returns -1 until both Start and Stop have been called.
func (s *Sender) Bitrate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startedAt.IsZero() || s.stoppedAt.IsZero() {
		return -1
	}
	duration := s.stoppedAt.Sub(s.startedAt).Seconds()
	if duration <= 0 {
		return -1
	}
	return float64(s.totalBytes) * 8 / duration
}
