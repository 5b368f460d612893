package allocator

import (
	"context"
	"log"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsMissingServer(t *testing.T) {
	_, err := New(Config{NumAllocations: 1})
	assert.Error(t, err)
}

func TestNewRejectsZeroAllocations(t *testing.T) {
	_, err := New(Config{Server: "127.0.0.1:3478"})
	assert.Error(t, err)
}

// startFakeTurnServer answers ALLOCATE and CHANNEL-BIND requests for any
// number of concurrent in-process Allocations, each one's relayed address
// pointing back at this same socket (the loopback self-test design).
func startFakeTurnServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	relay := conn.LocalAddr().(*net.UDPAddr)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			req := new(stun.Message)
			req.Raw = append(req.Raw[:0], buf[:n]...)
			if req.Decode() != nil {
				continue
			}

			resp := new(stun.Message)
			switch req.Type.Method {
			case stun.Method(0x003): // allocate
				if resp.Build(stun.NewTransactionIDSetter(req.TransactionID), stun.NewType(stun.Method(0x003), stun.ClassSuccessResponse)) != nil {
					continue
				}
				relayedXOR := stun.XORMappedAddress{IP: relay.IP, Port: relay.Port}
				_ = relayedXOR.AddToAs(resp, stun.AttrType(0x0016))
				mappedXOR := stun.XORMappedAddress{IP: addr.IP, Port: addr.Port}
				_ = mappedXOR.AddTo(resp)
			case stun.Method(0x009): // channel-bind
				if resp.Build(stun.NewTransactionIDSetter(req.TransactionID), stun.NewType(stun.Method(0x009), stun.ClassSuccessResponse)) != nil {
					continue
				}
			default:
				continue
			}
			if resp.WriteHeader() != nil {
				continue
			}
			_, _ = conn.WriteToUDP(resp.Raw, addr)
		}
	}()

	return conn
}

func TestRunCreatesAndSummarizesAllocations(t *testing.T) {
	server := startFakeTurnServer(t)
	defer server.Close()

	cfg := Config{
		Server:         server.LocalAddr().String(),
		Proto:          "udp",
		Username:       "demo",
		Password:       "secret",
		NumAllocations: 3,
		Bitrate:        64000,
		PacketSize:     160,
		Lifetime:       60 * time.Second,
		Logger:         log.New(testWriter{t}, "", 0),
	}
	al, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	summary, err := al.Run(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.NumAllocations)
	assert.Equal(t, 3, summary.NumReady)
	assert.Nil(t, summary.FailedAllocation)
	assert.Greater(t, summary.SentPackets, uint64(0))
	assert.True(t, summary.ServerInfoSet)
	assert.NotNil(t, summary.ServerMappedAddr)
}

func TestRunFailsFastOnUnreachableServer(t *testing.T) {
	cfg := Config{
		Server:         "127.0.0.1:1", // nothing listens here
		Proto:          "udp",
		NumAllocations: 1,
		Bitrate:        64000,
		PacketSize:     160,
		Logger:         log.New(testWriter{t}, "", 0),
	}
	al, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err = al.Run(ctx, 100*time.Millisecond)
	assert.Error(t, err)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
