// Package allocation implements turnperf's per-allocation state machine: it
// brings up one TURN allocation over UDP, DTLS-over-UDP, TCP, or
// TLS-over-TCP, demultiplexes inbound relayed data from TURN control
// traffic, and drives the attached sender/receiver pair.
package allocation

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"

	"github.com/turnperf/turnperf/internal/diag"
	"github.com/turnperf/turnperf/internal/reassembly"
	"github.com/turnperf/turnperf/internal/receiver"
	"github.com/turnperf/turnperf/internal/sender"
	"github.com/turnperf/turnperf/internal/turnclient"
	"github.com/turnperf/turnperf/internal/turnerr"
)

// State is one node of the allocation lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAllocating
	StatePermitting
	StateReady
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAllocating:
		return "allocating"
	case StatePermitting:
		return "permitting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	pingInterval   = 5 * time.Second
	maxRedirects   = 16
	udpReadBufSize = 512 * 1024
	readChunkSize  = 4096
)

// Result is reported to a Handler exactly once, on the allocation's first
// terminal transition (ready, or failure).
type Result struct {
	Index       int
	Err         error
	StatusCode  int
	RelayedAddr net.Addr
	MappedAddr  net.Addr
	Atime       time.Duration
	Software    string
	Authed      bool
	Lifetime    time.Duration
}

// Handler receives one allocation's terminal Result.
type Handler func(Result)

// Config configures one Allocation. TLSConfig is only consulted when
// Proto=="tcp" && Secure; for DTLS, a default pion/dtls Config is built
// internally and PSK/certificate material is out of scope (see SPEC_FULL.md
// Non-goals).
type Config struct {
	Index         int
	Server        string
	Proto         string // "udp" or "tcp"
	Secure        bool
	Username      string
	Password      string
	Lifetime      time.Duration
	TurnIndicate  bool // use permissions+indications instead of channels
	TLSConfig     *tls.Config
	Logger        *log.Logger
	Diag          *diag.TCPInfoCollector // optional, TCP/TLS only
}

// Allocation is one TURN relay client under test.
type Allocation struct {
	cfg     Config
	handler Handler
	logger  *log.Logger

	mu       sync.Mutex
	state    State
	server   string
	redirc   int
	conn     net.Conn
	layer    interface{ Close() error }
	client   *turnclient.Client
	txConn   *net.UDPConn
	reasm    reassembly.Buffer
	sender   *sender.Sender
	recv     *receiver.Receiver
	peer     net.Addr
	relay    net.Addr
	pingTmr  *time.Timer
	sentAt   time.Time
	diagID   string
	doneOnce sync.Once
}

// New validates cfg and returns an Allocation ready to Start.
func New(cfg Config, handler Handler) (*Allocation, error) {
	if cfg.Server == "" || handler == nil {
		return nil, fmt.Errorf("allocation: server and handler are required: %w", turnerr.ErrInvalidArgument)
	}
	if cfg.Proto != "udp" && cfg.Proto != "tcp" {
		return nil, fmt.Errorf("allocation: proto %q must be udp or tcp: %w", cfg.Proto, turnerr.ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = 600 * time.Second
	}

	a := &Allocation{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		server:  cfg.Server,
		state:   StateConnecting,
		diagID:  fmt.Sprintf("%d", cfg.Index),
	}
	return a, nil
}

// Start binds the auxiliary tx socket and launches the bring-up sequence in
// its own goroutine. It returns once the tx socket is bound (a fast,
// synchronous step); Handler receives the ultimate outcome asynchronously.
func (a *Allocation) Start(ctx context.Context) error {
	laddr := &net.UDPAddr{}
	txConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("allocation[%d]: bind tx socket: %w", a.cfg.Index, err)
	}
	a.mu.Lock()
	a.txConn = txConn
	a.sentAt = time.Now()
	a.mu.Unlock()

	go a.run(ctx)
	return nil
}

func (a *Allocation) run(ctx context.Context) {
	for {
		a.setState(StateConnecting)

		conn, layer, rawTCP, stream, err := a.dial(ctx)
		if err != nil {
			a.fail(err, 0)
			return
		}

		a.mu.Lock()
		a.conn = conn
		a.layer = layer
		a.client = turnclient.New(a.writeControl, a.cfg.Username, a.cfg.Password)
		a.mu.Unlock()

		if rawTCP != nil && a.cfg.Diag != nil {
			a.cfg.Diag.Add(a.diagID, rawTCP)
		}

		readDone := make(chan struct{})
		go a.readLoop(stream, readDone)

		err = a.bringUp(ctx)
		if err != nil {
			a.teardownTransport()
			<-readDone

			var rerr *turnclient.RedirectError
			if errors.As(err, &rerr) {
				a.mu.Lock()
				a.redirc++
				exceeded := a.redirc > maxRedirects
				if !exceeded {
					a.server = rerr.Server.String()
				}
				a.mu.Unlock()
				if exceeded {
					a.fail(fmt.Errorf("allocation[%d]: %w", a.cfg.Index, turnerr.ErrRedirectExceeded), 0)
					return
				}
				continue
			}

			a.fail(err, 0)
			return
		}
		return
	}
}

func (a *Allocation) bringUp(ctx context.Context) error {
	a.setState(StateAllocating)

	allocCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := a.client.Allocate(allocCtx, a.cfg.Lifetime)
	if err != nil {
		return err
	}

	atime := time.Since(a.sentAt)

	mappedUDP, ok1 := res.MappedAddr.(*net.UDPAddr)
	relayUDP, ok2 := res.RelayedAddr.(*net.UDPAddr)
	if !ok1 || !ok2 {
		return fmt.Errorf("allocation[%d]: non-UDP addresses in ALLOCATE response: %w", a.cfg.Index, turnerr.ErrProtocol)
	}
	if (mappedUDP.IP.To4() == nil) != (relayUDP.IP.To4() == nil) {
		return fmt.Errorf("allocation[%d]: mapped=%s relay=%s: %w", a.cfg.Index, mappedUDP, relayUDP, turnerr.ErrAddressFamilyMismatch)
	}

	a.mu.Lock()
	a.relay = relayUDP
	txPort := a.txConn.LocalAddr().(*net.UDPAddr).Port
	a.mu.Unlock()

	peer := &net.UDPAddr{IP: mappedUDP.IP, Port: txPort}

	a.setState(StatePermitting)

	permCtx, permCancel := context.WithTimeout(ctx, 10*time.Second)
	defer permCancel()

	if a.cfg.TurnIndicate {
		if err := a.client.AddPermission(permCtx, peer); err != nil {
			return err
		}
	} else {
		if _, err := a.client.AddChannel(permCtx, peer); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.peer = peer
	a.mu.Unlock()
	a.schedulePing()

	a.setState(StateReady)
	a.handler(Result{
		Index:       a.cfg.Index,
		RelayedAddr: relayUDP,
		MappedAddr:  mappedUDP,
		Atime:       atime,
		Software:    res.Software,
		Authed:      res.Authed,
		Lifetime:    res.Lifetime,
	})
	return nil
}

// dial returns the application-facing conn (which may be a DTLS/TLS
// wrapper), the wrapper's own Closer (nil for plain transports), the raw
// *net.TCPConn for diagnostics registration (nil unless proto is tcp), and
// whether the transport is stream-oriented (requiring reassembly).
func (a *Allocation) dial(ctx context.Context) (conn net.Conn, layer interface{ Close() error }, rawTCP *net.TCPConn, stream bool, err error) {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()

	switch {
	case a.cfg.Proto == "udp" && !a.cfg.Secure:
		c, err := net.Dial("udp", server)
		if err != nil {
			return nil, nil, nil, false, err
		}
		if uc, ok := c.(*net.UDPConn); ok {
			_ = uc.SetReadBuffer(udpReadBufSize)
		}
		return c, nil, nil, false, nil

	case a.cfg.Proto == "udp" && a.cfg.Secure:
		raw, err := net.Dial("udp", server)
		if err != nil {
			return nil, nil, nil, false, err
		}
		if uc, ok := raw.(*net.UDPConn); ok {
			_ = uc.SetReadBuffer(udpReadBufSize)
		}
		dtlsConn, err := dtls.ClientWithContext(ctx, raw, &dtls.Config{
			LoggerFactory: logging.NewDefaultLoggerFactory(),
		})
		if err != nil {
			_ = raw.Close()
			return nil, nil, nil, false, fmt.Errorf("allocation[%d]: dtls handshake: %w", a.cfg.Index, err)
		}
		return dtlsConn, dtlsConn, nil, false, nil

	case a.cfg.Proto == "tcp" && !a.cfg.Secure:
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", server)
		if err != nil {
			return nil, nil, nil, true, err
		}
		return c, nil, c.(*net.TCPConn), true, nil

	case a.cfg.Proto == "tcp" && a.cfg.Secure:
		var d net.Dialer
		raw, err := d.DialContext(ctx, "tcp", server)
		if err != nil {
			return nil, nil, nil, true, err
		}
		tlsConf := a.cfg.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		tlsConn := tls.Client(raw, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, nil, nil, true, fmt.Errorf("allocation[%d]: tls handshake: %w", a.cfg.Index, err)
		}
		return tlsConn, tlsConn, raw.(*net.TCPConn), true, nil

	default:
		return nil, nil, nil, false, fmt.Errorf("allocation[%d]: unsupported proto/secure combination: %w", a.cfg.Index, turnerr.ErrInvalidArgument)
	}
}

func (a *Allocation) writeControl(buf []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("allocation[%d]: control connection is closed: %w", a.cfg.Index, turnerr.ErrTransportClosed)
	}
	_, err := conn.Write(buf)
	return err
}

func (a *Allocation) readLoop(stream bool, done chan<- struct{}) {
	defer close(done)

	a.mu.Lock()
	conn := a.conn
	client := a.client
	a.mu.Unlock()

	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		if stream {
			if ferr := a.reasm.Feed(buf[:n], client.Deliver, a.onData); ferr != nil {
				a.logger.Printf("allocation[%d]: framing error: %v", a.cfg.Index, ferr)
				return
			}
			continue
		}

		src, appData, derr := client.Deliver(buf[:n])
		if derr != nil {
			a.logger.Printf("allocation[%d]: %v", a.cfg.Index, derr)
			continue
		}
		if len(appData) > 0 {
			a.onData(src, appData)
		}
	}
}

func (a *Allocation) onData(src net.Addr, appData []byte) {
	a.mu.Lock()
	state := a.state
	ready := state == StateReady || state == StateRunning
	peerChanged := ready && (a.peer == nil || a.peer.String() != src.String())
	if peerChanged {
		a.peer = src
	}
	recv := a.recv
	a.mu.Unlock()

	if !ready {
		a.logger.Printf("allocation[%d]: not ready, dropping %d bytes from %s", a.cfg.Index, len(appData), src)
		return
	}

	if peerChanged {
		a.logger.Printf("allocation[%d]: updating peer address to %s", a.cfg.Index, src)
		go a.rebindPeer(src)
	}

	if recv == nil {
		return
	}
	if err := recv.Recv(src, appData); err != nil {
		a.logger.Printf("allocation[%d]: %v", a.cfg.Index, err)
	}
}

// rebindPeer issues the channel rebind for a changed peer source port and
// reschedules the ping timer. It must run off the readLoop goroutine:
// AddChannel blocks on a CHANNEL-BIND response that only readLoop's own
// client.Deliver call can supply, so calling it inline from onData would
// deadlock the read loop against itself (mirrors the original reactor's
// async turnc_chanbind dispatch).
func (a *Allocation) rebindPeer(src net.Addr) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if !a.cfg.TurnIndicate && client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = client.AddChannel(ctx, src)
		cancel()
	}
	a.schedulePing()
}

func (a *Allocation) schedulePing() {
	a.mu.Lock()
	if a.pingTmr != nil {
		a.pingTmr.Stop()
	}
	a.pingTmr = time.AfterFunc(pingInterval, a.sendPing)
	a.mu.Unlock()
}

func (a *Allocation) sendPing() {
	a.mu.Lock()
	peer := a.peer
	client := a.client
	a.mu.Unlock()
	if peer == nil || client == nil {
		return
	}

	if buf, err := client.Send(peer, []byte("PING")); err == nil {
		_ = a.writeControl(buf)
	}
	a.schedulePing()
}

// AttachTraffic wires a Sender and Receiver to this ready allocation and
// switches it into the running state. The allocator calls this once, after
// every allocation in the run has reported ready.
func (a *Allocation) AttachTraffic(s *sender.Sender, r *receiver.Receiver) {
	a.mu.Lock()
	a.sender = s
	a.recv = r
	a.state = StateRunning
	a.mu.Unlock()
}

// Sender returns the attached sender, or nil before AttachTraffic.
func (a *Allocation) Sender() *sender.Sender {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sender
}

// Receiver returns the attached receiver, or nil before AttachTraffic.
func (a *Allocation) Receiver() *receiver.Receiver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recv
}

// Transmit sends buf via the auxiliary tx socket directly to the relayed
// address, bypassing the TURN client; this is the measurement fast path
// (see SPEC_FULL.md 4.4.7). buf must have at least 4 readable bytes.
func (a *Allocation) Transmit(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("allocation[%d]: transmit buffer too short: %w", a.cfg.Index, turnerr.ErrInvalidArgument)
	}

	a.mu.Lock()
	txConn := a.txConn
	relay := a.relay
	a.mu.Unlock()

	if txConn == nil || relay == nil {
		return fmt.Errorf("allocation[%d]: not ready: %w", a.cfg.Index, turnerr.ErrTransportClosed)
	}
	_, err := txConn.WriteTo(buf, relay)
	return err
}

func (a *Allocation) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Allocation) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Allocation) fail(err error, statusCode int) {
	a.doneOnce.Do(func() {
		a.setState(StateTerminated)
		a.handler(Result{Index: a.cfg.Index, Err: err, StatusCode: statusCode})
	})
}

func (a *Allocation) teardownTransport() {
	a.mu.Lock()
	conn := a.conn
	layer := a.layer
	a.conn, a.layer = nil, nil
	a.mu.Unlock()

	if layer != nil {
		_ = layer.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Close tears down the allocation in the order required by SPEC_FULL.md
// 4.4.8: sender (stopped by the caller beforehand), TURN client (REFRESH(0)
// to deallocate), DTLS/TLS layer, transport connection, reassembly buffer,
// then the auxiliary tx socket.
func (a *Allocation) Close(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	pingTmr := a.pingTmr
	txConn := a.txConn
	a.mu.Unlock()

	if pingTmr != nil {
		pingTmr.Stop()
	}

	if client != nil {
		refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Refresh(refreshCtx, 0); err != nil {
			a.logger.Printf("allocation[%d]: refresh(0) on close: %v", a.cfg.Index, err)
		}
		cancel()
	}

	if a.cfg.Diag != nil {
		a.cfg.Diag.Remove(a.diagID)
	}

	a.teardownTransport()

	a.mu.Lock()
	a.reasm = reassembly.Buffer{}
	a.mu.Unlock()

	if txConn != nil {
		return txConn.Close()
	}
	return nil
}
