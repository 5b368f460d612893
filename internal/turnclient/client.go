// Package turnclient implements a minimal RFC 5766 TURN client built
// directly on the pion/stun message codec. Unlike pion/turn's Client, it does
// not own a transport: the caller (internal/allocation) owns the socket,
// DTLS/TLS layering, and TCP re-assembly, and simply hands this client
// framed STUN/ChannelData bytes to send and to decode. That inversion is
// what lets one allocation state machine drive all four proto x secure
// transport combinations through the same TURN client code.
package turnclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/turnperf/turnperf/internal/turnerr"
)

// Send writes one already-framed buffer to the control connection. The
// implementation (an *allocation.Allocation in production) owns the actual
// net.Conn/DTLS/TLS layer.
type Send func(buf []byte) error

// RedirectError is returned by Allocate and Refresh when the server
// responds 300 Try Alternate; Server is the ALTERNATE-SERVER it named.
type RedirectError struct {
	Server net.Addr
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("turnclient: redirected to %s", e.Server)
}

// ErrorResponse wraps a STUN error response's code and reason.
type ErrorResponse struct {
	Code   int
	Reason string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("turnclient: server error %d %s", e.Code, e.Reason)
}

// Unwrap classifies every non-success, non-redirect status as
// turnerr.ErrProtocol.
func (e *ErrorResponse) Unwrap() error {
	return turnerr.ErrProtocol
}

// AllocateResult carries everything turnperf reports about a successful
// allocation.
type AllocateResult struct {
	RelayedAddr net.Addr
	MappedAddr  net.Addr
	Lifetime    time.Duration
	Software    string
	Authed      bool
}

// Client is a single TURN control-connection client. It is safe for
// concurrent use: Deliver is expected to be called from the allocation's
// read loop while Allocate/AddPermission/AddChannel/Refresh/Send are called
// from whichever goroutine drives the allocation's state machine.
type Client struct {
	send     Send
	username string
	password string
	software string

	mu       sync.Mutex
	realm    string
	nonce    string
	pending  map[stun.TransactionID]chan *stun.Message
	channels map[uint16]net.Addr
	peerChan map[string]uint16
	nextChan uint16
}

// New returns a Client that authenticates with username/password using
// RFC 5389 long-term credentials once the server challenges it with a 401.
func New(send Send, username, password string) *Client {
	return &Client{
		send:     send,
		username: username,
		password: password,
		software: "turnperf",
		pending:  make(map[stun.TransactionID]chan *stun.Message),
		channels: make(map[uint16]net.Addr),
		peerChan: make(map[string]uint16),
		nextChan: 0x4000,
	}
}

// Allocate sends an ALLOCATE request for lifetime and returns the relayed
// and server-reflexive (mapped) addresses on success.
func (c *Client) Allocate(ctx context.Context, lifetime time.Duration) (*AllocateResult, error) {
	resp, err := c.do(ctx, typeAllocateRequest, func(m *stun.Message) {
		setRequestedTransport(m)
		setLifetime(m, lifetime)
	})
	if err != nil {
		return nil, err
	}

	relayed, ok := getRelayedAddress(resp)
	if !ok {
		return nil, fmt.Errorf("turnclient: allocate response missing XOR-RELAYED-ADDRESS: %w", turnerr.ErrProtocol)
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return nil, fmt.Errorf("turnclient: allocate response missing XOR-MAPPED-ADDRESS: %w", turnerr.ErrProtocol)
	}
	relayedIsV4 := relayed.IP.To4() != nil
	mappedIsV4 := mapped.IP.To4() != nil
	if len(relayed.IP) > 0 && len(mapped.IP) > 0 && relayedIsV4 != mappedIsV4 {
		return nil, fmt.Errorf("turnclient: relay=%s mapped=%s: %w", &relayed, &mapped, turnerr.ErrAddressFamilyMismatch)
	}

	actualLifetime, _ := getLifetime(resp)
	var software stun.Software
	_ = software.GetFrom(resp)

	var integrity stun.MessageIntegrity
	authed := integrity.GetFrom(resp) == nil

	return &AllocateResult{
		RelayedAddr: &net.UDPAddr{IP: relayed.IP, Port: relayed.Port},
		MappedAddr:  &net.UDPAddr{IP: mapped.IP, Port: mapped.Port},
		Lifetime:    actualLifetime,
		Software:    software.String(),
		Authed:      authed,
	}, nil
}

// Refresh sends a REFRESH request; lifetime 0 deallocates.
func (c *Client) Refresh(ctx context.Context, lifetime time.Duration) error {
	_, err := c.do(ctx, typeRefreshRequest, func(m *stun.Message) {
		setLifetime(m, lifetime)
	})
	return err
}

// AddPermission installs a CREATE-PERMISSION for peer.
func (c *Client) AddPermission(ctx context.Context, peer net.Addr) error {
	xorPeer, err := xorAddrFromNet(peer)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, typeCreatePermissionRequest, func(m *stun.Message) {
		_ = setPeerAddress(m, xorPeer)
	})
	return err
}

// AddChannel binds a channel number to peer and returns it. Subsequent
// Send calls for the same peer use ChannelData framing instead of Send
// Indications.
func (c *Client) AddChannel(ctx context.Context, peer net.Addr) (uint16, error) {
	xorPeer, err := xorAddrFromNet(peer)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	channel := c.nextChan
	c.nextChan++
	c.mu.Unlock()

	_, err = c.do(ctx, typeChannelBindRequest, func(m *stun.Message) {
		setChannelNumber(m, channel)
		_ = setPeerAddress(m, xorPeer)
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.channels[channel] = peer
	c.peerChan[peer.String()] = channel
	c.mu.Unlock()

	return channel, nil
}

// Send encodes data addressed to peer, using ChannelData if a channel is
// already bound for peer and a Send Indication otherwise, and returns the
// bytes ready to write to the control connection.
func (c *Client) Send(peer net.Addr, data []byte) ([]byte, error) {
	c.mu.Lock()
	channel, bound := c.peerChan[peer.String()]
	c.mu.Unlock()

	if bound {
		frame := make([]byte, 4+len(data))
		frame[0] = byte(channel >> 8)
		frame[1] = byte(channel)
		frame[2] = byte(len(data) >> 8)
		frame[3] = byte(len(data))
		copy(frame[4:], data)
		for len(frame)%4 != 0 {
			frame = append(frame, 0)
		}
		return frame, nil
	}

	xorPeer, err := xorAddrFromNet(peer)
	if err != nil {
		return nil, err
	}

	msg := new(stun.Message)
	if err := msg.Build(stun.TransactionID, typeSendIndication); err != nil {
		return nil, fmt.Errorf("turnclient: build send indication: %w", err)
	}
	if err := setPeerAddress(msg, xorPeer); err != nil {
		return nil, fmt.Errorf("turnclient: encode peer address: %w", err)
	}
	setData(msg, data)
	if err := msg.WriteHeader(); err != nil {
		return nil, fmt.Errorf("turnclient: finalize send indication: %w", err)
	}
	return msg.Raw, nil
}

// Deliver processes one inbound frame (a complete STUN message or
// ChannelData packet, as split out by internal/reassembly or read whole off
// a UDP/DTLS socket). It routes responses to their waiting Allocate/Refresh/
// AddPermission/AddChannel caller and returns the peer source and
// application payload for Data Indications and ChannelData.
func (c *Client) Deliver(frame []byte) (src net.Addr, appData []byte, err error) {
	if len(frame) < 4 {
		return nil, nil, fmt.Errorf("turnclient: short frame (%d bytes): %w", len(frame), turnerr.ErrProtocol)
	}

	leading := uint16(frame[0])<<8 | uint16(frame[1])
	if leading >= 0x4000 && leading < 0x8000 {
		return c.deliverChannelData(leading, frame)
	}

	msg := new(stun.Message)
	msg.Raw = append(msg.Raw[:0], frame...)
	if err := msg.Decode(); err != nil {
		return nil, nil, fmt.Errorf("turnclient: decode STUN message: %w", err)
	}

	switch msg.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		c.deliverResponse(msg)
		return nil, nil, nil
	case stun.ClassIndication:
		if msg.Type.Method != methodData {
			return nil, nil, nil
		}
		peer, ok := getPeerAddress(msg)
		if !ok {
			return nil, nil, fmt.Errorf("turnclient: data indication missing XOR-PEER-ADDRESS: %w", turnerr.ErrProtocol)
		}
		data, _ := getData(msg)
		return &net.UDPAddr{IP: peer.IP, Port: peer.Port}, data, nil
	default:
		return nil, nil, nil
	}
}

func (c *Client) deliverChannelData(channel uint16, frame []byte) (net.Addr, []byte, error) {
	length := int(frame[2])<<8 | int(frame[3])
	if 4+length > len(frame) {
		return nil, nil, fmt.Errorf("turnclient: truncated channel data: %w", turnerr.ErrProtocol)
	}

	c.mu.Lock()
	peer, ok := c.channels[channel]
	c.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("turnclient: data on unbound channel %#04x: %w", channel, turnerr.ErrProtocol)
	}

	return peer, frame[4 : 4+length], nil
}

func (c *Client) deliverResponse(msg *stun.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.TransactionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// do sends a request built by build, transparently retrying once with
// long-term credentials if the server challenges with a 401, and translates
// 300 Try Alternate into a *RedirectError for the allocation state machine.
func (c *Client) do(ctx context.Context, typ stun.Type, build func(*stun.Message)) (*stun.Message, error) {
	resp, err := c.roundTrip(ctx, typ, build, false)
	if err == nil {
		return resp, nil
	}

	var errResp *ErrorResponse
	if errors.As(err, &errResp) && (errResp.Code == int(stun.CodeUnauthorized) || errResp.Code == 438) {
		return c.roundTrip(ctx, typ, build, true)
	}
	return nil, err
}

func (c *Client) roundTrip(ctx context.Context, typ stun.Type, build func(*stun.Message), authed bool) (*stun.Message, error) {
	msg := new(stun.Message)
	setters := []stun.Setter{stun.TransactionID, typ}
	if err := msg.Build(setters...); err != nil {
		return nil, fmt.Errorf("turnclient: build request: %w", err)
	}
	build(msg)

	c.mu.Lock()
	realm, nonce := c.realm, c.nonce
	c.mu.Unlock()

	if authed && c.username != "" {
		_ = stun.NewUsername(c.username).AddTo(msg)
		_ = stun.NewRealm(realm).AddTo(msg)
		_ = stun.NewNonce(nonce).AddTo(msg)
		_ = stun.NewSoftware(c.software).AddTo(msg)
		integrity := stun.NewLongTermIntegrity(c.username, realm, c.password)
		_ = integrity.AddTo(msg)
	} else {
		_ = stun.NewSoftware(c.software).AddTo(msg)
	}
	_ = stun.Fingerprint.AddTo(msg)
	if err := msg.WriteHeader(); err != nil {
		return nil, fmt.Errorf("turnclient: finalize request: %w", err)
	}

	ch := make(chan *stun.Message, 1)
	c.mu.Lock()
	c.pending[msg.TransactionID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.TransactionID)
		c.mu.Unlock()
	}()

	if err := c.send(msg.Raw); err != nil {
		return nil, fmt.Errorf("turnclient: send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return c.handleResponse(resp)
	}
}

func (c *Client) handleResponse(resp *stun.Message) (*stun.Message, error) {
	if resp.Type.Class == stun.ClassSuccessResponse {
		return resp, nil
	}

	var codeAttr stun.ErrorCodeAttribute
	if err := codeAttr.GetFrom(resp); err != nil {
		return nil, fmt.Errorf("turnclient: error response missing ERROR-CODE: %w", turnerr.ErrProtocol)
	}

	if codeAttr.Code == stun.CodeTryAlternate {
		alt, ok := getAlternateServer(resp)
		if !ok {
			return nil, fmt.Errorf("turnclient: 300 response missing ALTERNATE-SERVER: %w", turnerr.ErrProtocol)
		}
		return nil, &RedirectError{Server: &net.UDPAddr{IP: alt.IP, Port: alt.Port}}
	}

	if codeAttr.Code == stun.CodeUnauthorized || int(codeAttr.Code) == 438 {
		var realm stun.Realm
		var nonce stun.Nonce
		_ = realm.GetFrom(resp)
		_ = nonce.GetFrom(resp)
		c.mu.Lock()
		c.realm = realm.String()
		c.nonce = nonce.String()
		c.mu.Unlock()
	}

	return nil, &ErrorResponse{Code: int(codeAttr.Code), Reason: string(codeAttr.Reason)}
}

func xorAddrFromNet(a net.Addr) (stun.XORMappedAddress, error) {
	udpAddr, ok := a.(*net.UDPAddr)
	if !ok {
		host, port, err := net.SplitHostPort(a.String())
		if err != nil {
			return stun.XORMappedAddress{}, fmt.Errorf("turnclient: parse address %q: %w", a.String(), turnerr.ErrInvalidArgument)
		}
		ip := net.ParseIP(host)
		var p int
		_, _ = fmt.Sscanf(port, "%d", &p)
		return stun.XORMappedAddress{IP: ip, Port: p}, nil
	}
	return stun.XORMappedAddress{IP: udpAddr.IP, Port: udpAddr.Port}, nil
}
