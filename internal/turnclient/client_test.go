package turnclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopServer answers requests synchronously in-process: whatever the Client
// sends is handed to respond, and whatever respond returns is delivered
// straight back into the same Client via Deliver. This mirrors how
// internal/allocation wires Client.Deliver to a real socket's read loop,
// without needing a real TURN server.
func loopServer(t *testing.T, c *Client, respond func(req *stun.Message) *stun.Message) Send {
	t.Helper()
	return func(buf []byte) error {
		req := new(stun.Message)
		req.Raw = append(req.Raw[:0], buf...)
		require.NoError(t, req.Decode())

		resp := respond(req)
		if resp == nil {
			return nil
		}
		_, _, err := c.Deliver(resp.Raw)
		return err
	}
}

func successResponse(t *testing.T, req *stun.Message, typ stun.Type, build func(*stun.Message)) *stun.Message {
	t.Helper()
	resp := new(stun.Message)
	require.NoError(t, resp.Build(stun.NewTransactionIDSetter(req.TransactionID), typ))
	build(resp)
	require.NoError(t, resp.WriteHeader())
	return resp
}

func TestAllocateHappyPath(t *testing.T) {
	var c *Client
	relay := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 40000}
	mapped := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 55000}

	respond := func(req *stun.Message) *stun.Message {
		assert.Equal(t, typeAllocateRequest, req.Type)
		return successResponse(t, req, stun.NewType(methodAllocate, stun.ClassSuccessResponse), func(m *stun.Message) {
			relayedXOR := stun.XORMappedAddress{IP: relay.IP, Port: relay.Port}
			require.NoError(t, relayedXOR.AddToAs(m, attrXORRelayedAddress))
			mappedXOR := stun.XORMappedAddress{IP: mapped.IP, Port: mapped.Port}
			require.NoError(t, mappedXOR.AddTo(m))
			setLifetime(m, 600*time.Second)
		})
	}

	c = New(nil, "user", "pass")
	c.send = loopServer(t, c, respond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := c.Allocate(ctx, 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, relay.String(), res.RelayedAddr.String())
	assert.Equal(t, mapped.String(), res.MappedAddr.String())
	assert.Equal(t, 600*time.Second, res.Lifetime)
}

func TestAllocateRetriesOnceAfterUnauthorized(t *testing.T) {
	var c *Client
	attempts := 0

	respond := func(req *stun.Message) *stun.Message {
		attempts++
		if attempts == 1 {
			return successResponse(t, req, stun.NewType(methodAllocate, stun.ClassErrorResponse), func(m *stun.Message) {
				codeAttr := stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized, Reason: []byte("Unauthorized")}
				require.NoError(t, codeAttr.AddTo(m))
				require.NoError(t, stun.NewRealm("example.org").AddTo(m))
				require.NoError(t, stun.NewNonce("abc123").AddTo(m))
			})
		}

		var username stun.Username
		require.NoError(t, username.GetFrom(req))
		assert.Equal(t, "user", username.String())

		return successResponse(t, req, stun.NewType(methodAllocate, stun.ClassSuccessResponse), func(m *stun.Message) {
			relayedXOR := stun.XORMappedAddress{IP: net.ParseIP("203.0.113.1"), Port: 1}
			require.NoError(t, relayedXOR.AddToAs(m, attrXORRelayedAddress))
			mappedXOR := stun.XORMappedAddress{IP: net.ParseIP("198.51.100.1"), Port: 2}
			require.NoError(t, mappedXOR.AddTo(m))
			setLifetime(m, 600*time.Second)
		})
	}

	c = New(nil, "user", "pass")
	c.send = loopServer(t, c, respond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Allocate(ctx, 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestAllocateReturnsRedirectError(t *testing.T) {
	var c *Client
	alt := &net.UDPAddr{IP: net.ParseIP("192.0.2.9"), Port: 3478}

	respond := func(req *stun.Message) *stun.Message {
		return successResponse(t, req, stun.NewType(methodAllocate, stun.ClassErrorResponse), func(m *stun.Message) {
			codeAttr := stun.ErrorCodeAttribute{Code: stun.CodeTryAlternate, Reason: []byte("Try Alternate")}
			require.NoError(t, codeAttr.AddTo(m))
			altXOR := stun.XORMappedAddress{IP: alt.IP, Port: alt.Port}
			require.NoError(t, altXOR.AddToAs(m, attrAlternateServerAttr))
		})
	}

	c = New(nil, "user", "pass")
	c.send = loopServer(t, c, respond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Allocate(ctx, 600*time.Second)
	require.Error(t, err)

	var redirect *RedirectError
	require.ErrorAs(t, err, &redirect)
	assert.Equal(t, alt.String(), redirect.Server.String())
}

func TestChannelBindThenSendUsesChannelDataFraming(t *testing.T) {
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.50"), Port: 9000}

	var c *Client
	respond := func(req *stun.Message) *stun.Message {
		return successResponse(t, req, stun.NewType(methodChannelBind, stun.ClassSuccessResponse), func(m *stun.Message) {})
	}

	c = New(nil, "user", "pass")
	c.send = loopServer(t, c, respond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	channel, err := c.AddChannel(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4000), channel)

	frame, err := c.Send(peer, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, byte(0x40), frame[0])
	assert.Equal(t, byte(0x00), frame[1])

	src, appData, err := c.Deliver(frame)
	require.NoError(t, err)
	assert.Equal(t, peer.String(), src.String())
	assert.Equal(t, []byte("hello"), appData)
}

func TestDeliverDataIndicationReturnsPeerAndPayload(t *testing.T) {
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.77"), Port: 7000}
	c := New(nil, "", "")

	msg := new(stun.Message)
	require.NoError(t, msg.Build(stun.TransactionID, typeDataIndication))
	peerXOR := stun.XORMappedAddress{IP: peer.IP, Port: peer.Port}
	require.NoError(t, setPeerAddress(msg, peerXOR))
	setData(msg, []byte("payload"))
	require.NoError(t, msg.WriteHeader())

	src, appData, err := c.Deliver(msg.Raw)
	require.NoError(t, err)
	assert.Equal(t, peer.String(), src.String())
	assert.Equal(t, []byte("payload"), appData)
}
