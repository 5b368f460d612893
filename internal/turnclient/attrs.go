package turnclient

import (
	"encoding/binary"
	"time"

	"github.com/pion/stun/v3"
)

// TURN methods (RFC 5766 §13). pion/stun only defines the STUN Binding
// method; the TURN-specific methods live in pion/turn's internal proto
// package and are not importable from outside that module, so they are
// reproduced here as plain constants.
const (
	methodAllocate         = stun.Method(0x003)
	methodRefresh          = stun.Method(0x004)
	methodSend             = stun.Method(0x006)
	methodData             = stun.Method(0x007)
	methodCreatePermission = stun.Method(0x008)
	methodChannelBind      = stun.Method(0x009)
)

var (
	typeAllocateRequest         = stun.NewType(methodAllocate, stun.ClassRequest)
	typeRefreshRequest          = stun.NewType(methodRefresh, stun.ClassRequest)
	typeCreatePermissionRequest = stun.NewType(methodCreatePermission, stun.ClassRequest)
	typeChannelBindRequest      = stun.NewType(methodChannelBind, stun.ClassRequest)
	typeSendIndication          = stun.NewType(methodSend, stun.ClassIndication)
	typeDataIndication          = stun.NewType(methodData, stun.ClassIndication)
)

// TURN attributes (RFC 5766 §14), again not exported by pion/stun since
// they're TURN-specific rather than core STUN.
const (
	attrChannelNumber       stun.AttrType = 0x000c
	attrLifetime            stun.AttrType = 0x000d
	attrXORPeerAddress      stun.AttrType = 0x0012
	attrData                stun.AttrType = 0x0013
	attrXORRelayedAddress   stun.AttrType = 0x0016
	attrRequestedTransport  stun.AttrType = 0x0019
	attrDontFragment        stun.AttrType = 0x001a
	attrReservationToken    stun.AttrType = 0x0022
	attrAlternateServerAttr stun.AttrType = 0x8023
)

// transportUDP is the protocol number TURN uses in REQUESTED-TRANSPORT; the
// relay only ever speaks UDP to peers, even when the client-server leg runs
// over TCP or TLS.
const transportUDP = 17

func setLifetime(m *stun.Message, d time.Duration) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(d/time.Second))
	m.Add(attrLifetime, b[:])
}

func getLifetime(m *stun.Message) (time.Duration, bool) {
	v, err := m.Get(attrLifetime)
	if err != nil || len(v) < 4 {
		return 0, false
	}
	return time.Duration(binary.BigEndian.Uint32(v)) * time.Second, true
}

func setRequestedTransport(m *stun.Message) {
	m.Add(attrRequestedTransport, []byte{transportUDP, 0, 0, 0})
}

func setChannelNumber(m *stun.Message, channel uint16) {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], channel)
	m.Add(attrChannelNumber, b[:])
}

func getChannelNumber(m *stun.Message) (uint16, bool) {
	v, err := m.Get(attrChannelNumber)
	if err != nil || len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

func setData(m *stun.Message, data []byte) {
	m.Add(attrData, data)
}

func getData(m *stun.Message) ([]byte, bool) {
	v, err := m.Get(attrData)
	if err != nil {
		return nil, false
	}
	return v, true
}

func getAlternateServer(m *stun.Message) (stun.XORMappedAddress, bool) {
	var addr stun.XORMappedAddress
	if err := addr.GetFromAs(m, attrAlternateServerAttr); err != nil {
		return stun.XORMappedAddress{}, false
	}
	return addr, true
}

func getRelayedAddress(m *stun.Message) (stun.XORMappedAddress, bool) {
	var addr stun.XORMappedAddress
	if err := addr.GetFromAs(m, attrXORRelayedAddress); err != nil {
		return stun.XORMappedAddress{}, false
	}
	return addr, true
}

func setPeerAddress(m *stun.Message, addr stun.XORMappedAddress) error {
	return addr.AddToAs(m, attrXORPeerAddress)
}

func getPeerAddress(m *stun.Message) (stun.XORMappedAddress, bool) {
	var addr stun.XORMappedAddress
	if err := addr.GetFromAs(m, attrXORPeerAddress); err != nil {
		return stun.XORMappedAddress{}, false
	}
	return addr, true
}
