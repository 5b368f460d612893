// Package allocator drives a turnperf run end to end: it creates N
// allocations on a jittered schedule, waits for all of them to report ready,
// starts a paced Sender/Receiver pair on each, and rolls up the aggregate
// statistics the run reports on exit.
package allocator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/randutil"

	"github.com/turnperf/turnperf/internal/allocation"
	"github.com/turnperf/turnperf/internal/metrics"
	"github.com/turnperf/turnperf/internal/receiver"
	"github.com/turnperf/turnperf/internal/sender"
	"github.com/turnperf/turnperf/internal/turnerr"
	"github.com/turnperf/turnperf/internal/util"
)

// createJitterMax bounds the random delay the create loop inserts between
// successive allocation attempts, so a large -a doesn't open every TCP/TLS
// connection to the server in the same instant.
const createJitterMax = 4 * time.Millisecond

// uiSpinnerInterval is how often the allocator would refresh a console
// progress indicator while senders are running.
const uiSpinnerInterval = 50 * time.Millisecond

var createJitter = randutil.NewMathRandomGenerator()

// Config configures one turnperf run.
type Config struct {
	Server         string
	Proto          string
	Secure         bool
	Username       string
	Password       string
	NumAllocations int
	Bitrate        uint
	PacketSize     uint
	TurnIndicate   bool
	Lifetime       time.Duration
	Logger         *log.Logger
	Metrics        *metrics.Registry // optional

	// RunID correlates this run's logs with its metrics labels. Zero value
	// generates a fresh one.
	RunID uuid.UUID

	// Spin is called on every UI spinner tick (roughly every 50ms) while
	// senders are running, with the totals observed so far. Optional; the
	// console renders a progress line from it, cmd/turnperf does not have
	// to poll the allocator itself.
	Spin func(sentPackets, recvPackets uint64)
}

// Summary is the final report for one completed run.
type Summary struct {
	RunID            string
	NumAllocations   int
	NumReady         int
	AllocTimeMin     time.Duration
	AllocTimeMax     time.Duration
	AllocTimeAvg     time.Duration
	SentPackets      uint64
	RecvPackets      uint64
	LostPackets      uint64
	LossPercent      float64
	SendBitrate      float64
	RecvBitrate      float64
	FailedAllocation *allocation.Result

	// ServerInfo reports the server-info block captured from the first
	// allocation to reach ready (SPEC_FULL.md §3, §4.4.3 step 3). Zero value
	// if no allocation ever reached ready.
	ServerInfoSet    bool
	ServerSoftware   string
	ServerAuthed     bool
	ServerMappedAddr net.Addr
	ServerLifetime   time.Duration
}

// Allocator owns every Allocation in a run and the shared pacing clock that
// drives their Senders.
type Allocator struct {
	cfg           Config
	logger        *log.Logger
	sessionCookie uint32
	runID         uuid.UUID

	mu          sync.Mutex
	allocs      []*allocation.Allocation
	atimes      []time.Duration
	numReceived int
	failure     *allocation.Result
	readyCh     chan struct{}
	readyOnce   sync.Once

	// serverInfo is captured once, from the first allocation to reach ready.
	serverInfoSet    bool
	serverSoftware   string
	serverAuthed     bool
	serverMappedAddr net.Addr
	serverLifetime   time.Duration

	paceTicker *time.Ticker
	spinTicker *time.Ticker
	stopPacing chan struct{}
	paceDone   chan struct{}

	runStart time.Time
	trafStop time.Time
}

// New validates cfg and returns an Allocator ready for Run.
func New(cfg Config) (*Allocator, error) {
	if cfg.Server == "" || cfg.NumAllocations <= 0 {
		return nil, fmt.Errorf("allocator: server and a positive allocation count are required: %w", turnerr.ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	runID := cfg.RunID
	if runID == (uuid.UUID{}) {
		runID = uuid.New()
	}
	return &Allocator{
		cfg:           cfg,
		logger:        cfg.Logger,
		sessionCookie: binary.BigEndian.Uint32(runID[:4]),
		runID:         runID,
		allocs:        make([]*allocation.Allocation, cfg.NumAllocations),
		atimes:        make([]time.Duration, 0, cfg.NumAllocations),
		readyCh:       make(chan struct{}),
	}, nil
}

// ID returns this run's correlation identifier, shared across log lines and
// (when enabled) metric labels.
func (al *Allocator) ID() string {
	return al.runID.String()
}

// Run executes one full turnperf run: create loop, readiness wait, paced
// traffic until ctx is cancelled (mirroring the original's "runs until
// SIGINT" design), then teardown with a closeGrace budget for final
// REFRESH(0) deallocation. It always returns a Summary even on partial
// failure.
func (al *Allocator) Run(ctx context.Context, closeGrace time.Duration) (Summary, error) {
	if al.cfg.Metrics != nil {
		al.cfg.Metrics.AllocationsRequested.Set(float64(al.cfg.NumAllocations))
	}

	createStart := time.Now()
	if err := al.createLoop(ctx); err != nil {
		return al.buildSummary(), err
	}

	select {
	case <-al.readyCh:
	case <-ctx.Done():
		return al.buildSummary(), ctx.Err()
	}

	al.mu.Lock()
	failure := al.failure
	al.mu.Unlock()
	if failure != nil {
		return al.buildSummary(), fmt.Errorf("allocator: allocation[%d]: %w", failure.Index, failure.Err)
	}

	al.logCreateSummary(createStart)

	ptime := util.CalculatePtime(al.cfg.Bitrate, al.cfg.PacketSize)
	if err := al.StartSenders(ptime); err != nil {
		return al.buildSummary(), err
	}

	<-ctx.Done()

	al.StopSenders()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	al.closeAll(closeCtx)

	return al.buildSummary(), nil
}

// createLoop creates NumAllocations allocations on a jittered schedule, one
// at a time, returning once every create attempt has been issued (not once
// every allocation is ready — that is awaited separately via readyCh).
func (al *Allocator) createLoop(ctx context.Context) error {
	for i := 0; i < al.cfg.NumAllocations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		idx := i
		cfg := allocation.Config{
			Index:        idx,
			Server:       al.cfg.Server,
			Proto:        al.cfg.Proto,
			Secure:       al.cfg.Secure,
			Username:     al.cfg.Username,
			Password:     al.cfg.Password,
			Lifetime:     al.cfg.Lifetime,
			TurnIndicate: al.cfg.TurnIndicate,
			Logger:       al.logger,
		}
		if al.cfg.Metrics != nil {
			cfg.Diag = al.cfg.Metrics.Diag
		}

		a, err := allocation.New(cfg, al.allocationHandler)
		if err != nil {
			return err
		}
		al.mu.Lock()
		al.allocs[idx] = a
		al.mu.Unlock()

		if err := a.Start(ctx); err != nil {
			return err
		}

		if i < al.cfg.NumAllocations-1 {
			delay := createJitter.Intn(int(createJitterMax / time.Millisecond))
			select {
			case <-time.After(time.Duration(delay) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// allocationHandler is shared across every Allocation as its terminal
// Handler. It is called once per allocation: an Allocation reports ready
// once at the end of its bring-up, and reports failure through its
// sync.Once.
func (al *Allocator) allocationHandler(res allocation.Result) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if res.Err != nil {
		if al.failure == nil {
			al.failure = &res
			al.closeReady()
		}
		return
	}

	al.numReceived++
	al.atimes = append(al.atimes, res.Atime)
	if !al.serverInfoSet {
		al.serverInfoSet = true
		al.serverSoftware = res.Software
		al.serverAuthed = res.Authed
		al.serverMappedAddr = res.MappedAddr
		al.serverLifetime = res.Lifetime
	}
	if al.cfg.Metrics != nil {
		al.cfg.Metrics.AllocationsReady.Inc()
		al.cfg.Metrics.AllocationTime.Observe(res.Atime.Seconds())
	}

	if al.numReceived == al.cfg.NumAllocations {
		al.closeReady()
	}
}

func (al *Allocator) closeReady() {
	al.readyOnce.Do(func() { close(al.readyCh) })
}

func (al *Allocator) logCreateSummary(createStart time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.serverInfoSet {
		al.logger.Printf("server: %s, authentication=%s", al.serverSoftware, yesNo(al.serverAuthed))
		al.logger.Printf("public address: %s", al.serverMappedAddr)
	}

	elapsed := time.Since(createStart).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(al.cfg.NumAllocations) / elapsed
	}

	min, max, sum := al.atimes[0], al.atimes[0], time.Duration(0)
	for i, d := range al.atimes {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
		sum += d
		al.logger.Printf("allocation[%d]: ready in %s", i, d)
	}
	avg := time.Duration(0)
	if len(al.atimes) > 0 {
		avg = sum / time.Duration(len(al.atimes))
	}

	al.logger.Printf("%d allocations ready in %.2fs (%.1f/s); atime min=%s avg=%s max=%s",
		al.cfg.NumAllocations, elapsed, rate, min, avg, max)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// StartSenders attaches a Sender/Receiver pair to every allocation and
// starts the shared pacing clock: a 5ms tick walking the allocation list
// calling Sender.Tick, and a 50ms UI spinner tick.
func (al *Allocator) StartSenders(ptimeMillis uint) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.runStart = time.Now()

	for i, a := range al.allocs {
		s, err := sender.New(a.Transmit, al.sessionCookie, uint32(i), al.cfg.Bitrate, ptimeMillis, al.cfg.PacketSize, al.logger)
		if err != nil {
			return fmt.Errorf("allocator: allocation[%d]: %w", i, err)
		}
		r := receiver.New(al.sessionCookie, uint32(i), al.logger)
		a.AttachTraffic(s, r)
		s.Start(al.runStart)
	}

	al.stopPacing = make(chan struct{})
	al.paceDone = make(chan struct{})
	al.paceTicker = time.NewTicker(sender.PacingInterval)
	al.spinTicker = time.NewTicker(uiSpinnerInterval)

	go al.paceLoop()

	return nil
}

func (al *Allocator) paceLoop() {
	defer close(al.paceDone)
	defer al.paceTicker.Stop()
	defer al.spinTicker.Stop()

	for {
		select {
		case now := <-al.paceTicker.C:
			al.mu.Lock()
			allocs := al.allocs
			al.mu.Unlock()
			for _, a := range allocs {
				if s := a.Sender(); s != nil {
					s.Tick(now)
				}
			}
		case <-al.spinTicker.C:
			if al.cfg.Spin != nil {
				al.spinTick()
			}
		case <-al.stopPacing:
			return
		}
	}
}

func (al *Allocator) spinTick() {
	al.mu.Lock()
	allocs := al.allocs
	al.mu.Unlock()

	var sent, recv uint64
	for _, a := range allocs {
		if s := a.Sender(); s != nil {
			sent += s.TotalPackets()
		}
		if r := a.Receiver(); r != nil {
			recv += r.TotalPackets()
		}
	}
	al.cfg.Spin(sent, recv)
}

// StopSenders halts the pacing clock and stops every Sender, fixing each
// one's stop time for bitrate computation.
func (al *Allocator) StopSenders() {
	al.mu.Lock()
	if al.stopPacing != nil {
		close(al.stopPacing)
	}
	paceDone := al.paceDone
	al.trafStop = time.Now()
	allocs := al.allocs
	al.mu.Unlock()

	if paceDone != nil {
		<-paceDone
	}

	for _, a := range allocs {
		if s := a.Sender(); s != nil {
			s.Stop(al.trafStop)
		}
	}
}

func (al *Allocator) closeAll(ctx context.Context) {
	al.mu.Lock()
	allocs := al.allocs
	al.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range allocs {
		wg.Add(1)
		go func(a *allocation.Allocation) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := a.Close(closeCtx); err != nil {
				al.logger.Printf("allocator: close: %v", err)
			}
		}(a)
	}
	wg.Wait()
}

// buildSummary computes the final traffic rollup. Safe to call at any
// point; fields from stages that never ran are left at their zero value.
func (al *Allocator) buildSummary() Summary {
	al.mu.Lock()
	defer al.mu.Unlock()

	sum := Summary{
		RunID:            al.runID.String(),
		NumAllocations:   al.cfg.NumAllocations,
		NumReady:         al.numReceived,
		ServerInfoSet:    al.serverInfoSet,
		ServerSoftware:   al.serverSoftware,
		ServerAuthed:     al.serverAuthed,
		ServerMappedAddr: al.serverMappedAddr,
		ServerLifetime:   al.serverLifetime,
	}
	if al.failure != nil {
		sum.FailedAllocation = al.failure
		return sum
	}
	if len(al.atimes) > 0 {
		min, max, total := al.atimes[0], al.atimes[0], time.Duration(0)
		for _, d := range al.atimes {
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
			total += d
		}
		sum.AllocTimeMin = min
		sum.AllocTimeMax = max
		sum.AllocTimeAvg = total / time.Duration(len(al.atimes))
	}

	for _, a := range al.allocs {
		s, r := a.Sender(), a.Receiver()
		if s == nil || r == nil {
			continue
		}
		sum.SentPackets += s.TotalPackets()
		sum.RecvPackets += r.TotalPackets()
		if b := s.Bitrate(); b > 0 {
			sum.SendBitrate += b
		}
		if b := r.Bitrate(); b > 0 {
			sum.RecvBitrate += b
		}
	}

	if sum.SentPackets > sum.RecvPackets {
		sum.LostPackets = sum.SentPackets - sum.RecvPackets
	}
	if al.cfg.Metrics != nil {
		al.cfg.Metrics.PacketsLost.Add(float64(sum.LostPackets))
		al.cfg.Metrics.SendBitrate.Set(sum.SendBitrate)
		al.cfg.Metrics.RecvBitrate.Set(sum.RecvBitrate)
	}
	if sum.SentPackets > 0 {
		sum.LossPercent = float64(sum.LostPackets) / float64(sum.SentPackets) * 100
	}

	al.logger.Printf("run %s: sent=%d recv=%d lost=%d (%.2f%%) send=%.0fbit/s recv=%.0fbit/s",
		sum.RunID, sum.SentPackets, sum.RecvPackets, sum.LostPackets, sum.LossPercent, sum.SendBitrate, sum.RecvBitrate)

	return sum
}
