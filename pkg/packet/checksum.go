package packet

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// Header field offsets.
const (
	offIPChecksum  = 10
	offIPSrc       = 12
	offIPDst       = 16
	offTCPChecksum = 16
	offUDPChecksum = 6
)

// Adjust returns cksum updated for one 16-bit field changing from old to
// new (RFC 1624 eqn. 3).
func Adjust(cksum, old, new uint16) uint16 {
	return Apply(cksum, Delta([]uint16{old}, []uint16{new}))
}

// Delta returns the ones-complement difference between two word sequences.
// Adding it to a checksum over oldWords yields the checksum over newWords.
func Delta(oldWords, newWords []uint16) uint16 {
	var s uint16
	for _, w := range oldWords {
		s = checksum.Combine(s, ^w)
	}
	for _, w := range newWords {
		s = checksum.Combine(s, w)
	}
	return s
}

// Invert returns the delta that undoes d.
func Invert(d uint16) uint16 {
	return ^d
}

// Apply adds a precomputed delta to a stored checksum.
func Apply(cksum, delta uint16) uint16 {
	return ^checksum.Combine(^cksum, delta)
}

// Words splits an address into its two checksum words.
func (a Addr) Words() []uint16 {
	return []uint16{uint16(a >> 16), uint16(a)}
}

// IPv4Checksum computes the header checksum of hdr, ignoring the stored one.
func IPv4Checksum(hdr []byte) uint16 {
	s := checksum.Checksum(hdr[:offIPChecksum], 0)
	return ^checksum.Checksum(hdr[offIPChecksum+2:], s)
}

// TransportChecksum computes the TCP or UDP checksum of pkt from scratch,
// ignoring the stored one.
func TransportChecksum(pkt []byte) uint16 {
	hlen := int(pkt[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(pkt[2:4]))
	if total > len(pkt) {
		total = len(pkt)
	}
	l4 := pkt[hlen:total]
	var pseudo [12]byte
	copy(pseudo[0:8], pkt[offIPSrc:offIPDst+4])
	pseudo[9] = pkt[9]
	binary.BigEndian.PutUint16(pseudo[10:], uint16(len(l4)))
	s := checksum.Checksum(pseudo[:], 0)

	off := offTCPChecksum
	if pkt[9] == ProtoUDP {
		off = offUDPChecksum
	}
	if len(l4) < off+2 {
		return 0
	}
	s = checksum.Checksum(l4[:off], s)
	s = checksum.Checksum(l4[off+2:], s)
	return ^s
}

// SrcAddr reads the IP source address.
func SrcAddr(pkt []byte) Addr { return Addr(binary.BigEndian.Uint32(pkt[offIPSrc:])) }

// DstAddr reads the IP destination address.
func DstAddr(pkt []byte) Addr { return Addr(binary.BigEndian.Uint32(pkt[offIPDst:])) }

// SetSrcAddr writes the IP source address without touching checksums.
func SetSrcAddr(pkt []byte, a Addr) { binary.BigEndian.PutUint32(pkt[offIPSrc:], uint32(a)) }

// SetDstAddr writes the IP destination address without touching checksums.
func SetDstAddr(pkt []byte, a Addr) { binary.BigEndian.PutUint32(pkt[offIPDst:], uint32(a)) }

// IPChecksum reads the IP header checksum.
func IPChecksum(pkt []byte) uint16 { return binary.BigEndian.Uint16(pkt[offIPChecksum:]) }

// SetIPChecksum writes the IP header checksum.
func SetIPChecksum(pkt []byte, v uint16) { binary.BigEndian.PutUint16(pkt[offIPChecksum:], v) }

// SetSrcPort writes the transport source port at header offset hlen.
func SetSrcPort(pkt []byte, hlen int, port uint16) {
	binary.BigEndian.PutUint16(pkt[hlen:], port)
}

// SetDstPort writes the transport destination port at header offset hlen.
func SetDstPort(pkt []byte, hlen int, port uint16) {
	binary.BigEndian.PutUint16(pkt[hlen+2:], port)
}

// L4ChecksumOffset returns the offset of the TCP or UDP checksum field, or -1
// when the protocol has none or the header is not fully present.
func L4ChecksumOffset(pkt []byte, d *Descriptor) int {
	if d.Trailing() {
		return -1
	}
	switch d.Protocol {
	case ProtoTCP:
		if d.DataLen() >= TCPHeaderLen {
			return d.HeaderLen + offTCPChecksum
		}
	case ProtoUDP:
		if d.DataLen() >= UDPHeaderLen {
			return d.HeaderLen + offUDPChecksum
		}
	}
	return -1
}

// Uint16At reads a big-endian word.
func Uint16At(pkt []byte, off int) uint16 { return binary.BigEndian.Uint16(pkt[off:]) }

// PutUint16At writes a big-endian word.
func PutUint16At(pkt []byte, off int, v uint16) { binary.BigEndian.PutUint16(pkt[off:], v) }
