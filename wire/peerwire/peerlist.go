package peerwire

import (
	"encoding/binary"
	"net"
)

// CompactPeerV4 is one decoded entry of an IPv4 compact peer list.
type CompactPeerV4 struct {
	IP   [4]byte
	Port uint16
}

// EncodePeersV4 encodes peers as concatenated (ipv4:4, port:2) tuples.
func EncodePeersV4(peers []CompactPeerV4) []byte {
	out := make([]byte, 0, 6*len(peers))
	for _, p := range peers {
		out = append(out, p.IP[:]...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.Port)
		out = append(out, portBuf[:]...)
	}
	return out
}

// DecodePeersV4 decodes concatenated (ipv4:4, port:2) tuples. A trailing
// byte count not divisible by 6 is truncated rather than treated as an
// error, per §4.4 (some trackers emit malformed tails).
func DecodePeersV4(b []byte) []CompactPeerV4 {
	n := len(b) / 6
	out := make([]CompactPeerV4, 0, n)
	for i := 0; i < n; i++ {
		off := i * 6
		var p CompactPeerV4
		copy(p.IP[:], b[off:off+4])
		p.Port = binary.BigEndian.Uint16(b[off+4 : off+6])
		out = append(out, p)
	}
	return out
}

// CompactPeerV6 is one decoded entry of an IPv6 compact peer list.
type CompactPeerV6 struct {
	IP   [16]byte
	Port uint16
}

// EncodePeersV6 encodes peers as concatenated (ipv6:16, port:2) tuples.
func EncodePeersV6(peers []CompactPeerV6) []byte {
	out := make([]byte, 0, 18*len(peers))
	for _, p := range peers {
		out = append(out, p.IP[:]...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.Port)
		out = append(out, portBuf[:]...)
	}
	return out
}

// DecodePeersV6 decodes concatenated (ipv6:16, port:2) tuples, truncating a
// trailing partial entry the same way DecodePeersV4 does.
func DecodePeersV6(b []byte) []CompactPeerV6 {
	n := len(b) / 18
	out := make([]CompactPeerV6, 0, n)
	for i := 0; i < n; i++ {
		off := i * 18
		var p CompactPeerV6
		copy(p.IP[:], b[off:off+16])
		p.Port = binary.BigEndian.Uint16(b[off+16 : off+18])
		out = append(out, p)
	}
	return out
}

// Addr renders p as a net.TCPAddr-compatible string.
func (p CompactPeerV4) Addr() string {
	ip := net.IPv4(p.IP[0], p.IP[1], p.IP[2], p.IP[3])
	return (&net.TCPAddr{IP: ip, Port: int(p.Port)}).String()
}
