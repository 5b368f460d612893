// Package util provides the small bitrate/ptime arithmetic and transport
// naming helpers shared by the allocator and allocation packages.
package util

// CalculatePsize returns the packet size in bytes that carries bitrate
// bits/second when a packet is sent every ptime milliseconds. Integer
// (floor) division: the result only round-trips through CalculatePtime
// exactly when bitrate*ptime divides evenly by 8000.
func CalculatePsize(bitrate, ptime uint) uint {
	return (bitrate * ptime) / 8000
}

// CalculatePtime returns the packet-transmission period in milliseconds
// needed to carry bitrate bits/second using packets of psize bytes. Integer
// (floor) division, the inverse of CalculatePsize.
func CalculatePtime(bitrate uint, psize uint) uint {
	return (8000 * psize) / bitrate
}

// ProtocolName returns the human-readable transport name for a given
// network-layer protocol and secure flag: UDP, TCP, TLS (secure TCP), or
// DTLS (secure UDP).
func ProtocolName(proto string, secure bool) string {
	switch proto {
	case "udp":
		if secure {
			return "DTLS"
		}
		return "UDP"
	case "tcp":
		if secure {
			return "TLS"
		}
		return "TCP"
	default:
		return "???"
	}
}
