// Package packet extracts the comparison descriptor the filter matches on
// from raw IPv4 packets, and provides the header accessors and checksum
// helpers used when packets are rewritten.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IP protocol numbers the engine treats specially.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Fixed header sizes.
const (
	IPv4HeaderLen = 20
	TCPHeaderLen  = 20
	UDPHeaderLen  = 8
	ICMPHeaderLen = 8
)

// TCP flag bits.
const (
	TCPFin uint8 = 0x01
	TCPSyn uint8 = 0x02
	TCPRst uint8 = 0x04
	TCPPsh uint8 = 0x08
	TCPAck uint8 = 0x10
	TCPUrg uint8 = 0x20
)

// Addr is an IPv4 address in host byte order.
type Addr uint32

// AddrFrom4 converts a 4-byte network-order address.
func AddrFrom4(b [4]byte) Addr {
	return Addr(binary.BigEndian.Uint32(b[:]))
}

// As4 returns the address in network byte order.
func (a Addr) As4() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return b
}

func (a Addr) String() string {
	return netip.AddrFrom4(a.As4()).String()
}

// ParseAddr parses a dotted-quad IPv4 address.
func ParseAddr(s string) (Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	if !ip.Is4() {
		return 0, fmt.Errorf("%s: not an IPv4 address", s)
	}
	return AddrFrom4(ip.As4()), nil
}

// MaskBits returns a contiguous netmask of n leading one bits.
func MaskBits(n int) Addr {
	if n <= 0 {
		return 0
	}
	if n >= 32 {
		return 0xffffffff
	}
	return Addr(^uint32(0) << (32 - n))
}

// PrefixLen reports the prefix length of a contiguous mask.
func (a Addr) PrefixLen() (int, bool) {
	for n := 0; n <= 32; n++ {
		if MaskBits(n) == a {
			return n, true
		}
	}
	return 0, false
}

// Direction is the side of the interface a packet is crossing.
type Direction uint8

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// Flags classify a packet. The same bits appear in rule match masks.
type Flags uint8

const (
	FlagOptions Flags = 1 << iota // header carries IP options
	FlagTCPUDP                    // TCP or UDP with ports present
	FlagFrag                      // offset or more-fragments set
	FlagShort                     // too short for its protocol header
)

func (f Flags) String() string {
	s := ""
	add := func(name string) {
		if s != "" {
			s += ","
		}
		s += name
	}
	if f&FlagShort != 0 {
		add("short")
	}
	if f&FlagFrag != 0 {
		add("frag")
	}
	if f&FlagOptions != 0 {
		add("opts")
	}
	return s
}

// Descriptor is the per-packet comparison record.
type Descriptor struct {
	Version   uint8
	TOS       uint8
	TTL       uint8
	Protocol  uint8
	HeaderLen int
	// TotalLen is the declared IP total length.
	TotalLen int
	ID       uint16
	// FragOffset is in 8-byte units.
	FragOffset uint16
	MoreFrags  bool
	Src        Addr
	Dst        Addr
	Flags      Flags
	OptMask    uint32
	SecMask    uint16
	Auth       uint16

	// Transport fields, read only from unfragmented packets and first
	// fragments.
	HasPorts  bool
	HasTCP    bool
	HasICMP   bool
	SrcPort   uint16
	DstPort   uint16
	TCPFlags  uint8
	Seq       uint32
	Ack       uint32
	Window    uint16
	ICMPType  uint8
	ICMPCode  uint8
	ICMPID    uint16
	ICMPSeq   uint16
	HasICMPID bool

	dataLen int
}

// DataLen is the number of transport bytes present, bounded by the buffer.
func (d *Descriptor) DataLen() int {
	return d.dataLen
}

// Trailing reports whether the packet is a fragment other than the first.
func (d *Descriptor) Trailing() bool {
	return d.FragOffset != 0
}

// Extract builds the descriptor for pkt. It never fails: a buffer shorter
// than an IPv4 header yields a descriptor flagged short.
func Extract(pkt []byte) Descriptor {
	var d Descriptor
	d.fill(pkt)
	return d
}

func (d *Descriptor) fill(pkt []byte) {
	if len(pkt) < IPv4HeaderLen {
		d.Flags |= FlagShort
		return
	}
	d.Version = pkt[0] >> 4
	d.HeaderLen = int(pkt[0]&0x0f) * 4
	if d.HeaderLen < IPv4HeaderLen {
		d.HeaderLen = IPv4HeaderLen
	}
	if d.HeaderLen > len(pkt) {
		d.HeaderLen = len(pkt)
	}
	d.TOS = pkt[1]
	d.TotalLen = int(binary.BigEndian.Uint16(pkt[2:4]))
	d.ID = binary.BigEndian.Uint16(pkt[4:6])
	off := binary.BigEndian.Uint16(pkt[6:8])
	d.FragOffset = off & 0x1fff
	d.MoreFrags = off&0x2000 != 0
	d.TTL = pkt[8]
	d.Protocol = pkt[9]
	d.Src = Addr(binary.BigEndian.Uint32(pkt[12:16]))
	d.Dst = Addr(binary.BigEndian.Uint32(pkt[16:20]))

	if d.FragOffset != 0 || d.MoreFrags {
		d.Flags |= FlagFrag
	}
	if d.HeaderLen > IPv4HeaderLen {
		d.Flags |= FlagOptions
		d.parseOptions(pkt[IPv4HeaderLen:d.HeaderLen])
	}

	avail := d.TotalLen
	if avail > len(pkt) {
		avail = len(pkt)
	}
	d.dataLen = avail - d.HeaderLen
	if d.dataLen < 0 {
		d.dataLen = 0
	}

	// An offset of one 8-byte unit can rewrite TCP flags of the first
	// fragment.
	if d.FragOffset == 1 && d.Protocol == ProtoTCP {
		d.Flags |= FlagShort
	}
	if d.FragOffset != 0 {
		return
	}
	l4 := pkt[d.HeaderLen : d.HeaderLen+d.dataLen]
	switch d.Protocol {
	case ProtoTCP:
		if len(l4) < TCPHeaderLen {
			d.Flags |= FlagShort
		}
		d.readPorts(l4)
		if len(l4) >= TCPHeaderLen {
			d.HasTCP = true
			d.Seq = binary.BigEndian.Uint32(l4[4:8])
			d.Ack = binary.BigEndian.Uint32(l4[8:12])
			d.TCPFlags = l4[13] & 0x3f
			d.Window = binary.BigEndian.Uint16(l4[14:16])
		}
	case ProtoUDP:
		if len(l4) < UDPHeaderLen {
			d.Flags |= FlagShort
		}
		d.readPorts(l4)
	case ProtoICMP:
		if len(l4) < ICMPHeaderLen {
			d.Flags |= FlagShort
		}
		if len(l4) >= 2 {
			d.HasICMP = true
			d.ICMPType = l4[0]
			d.ICMPCode = l4[1]
		}
		if len(l4) >= ICMPHeaderLen {
			d.HasICMPID = true
			d.ICMPID = binary.BigEndian.Uint16(l4[4:6])
			d.ICMPSeq = binary.BigEndian.Uint16(l4[6:8])
		}
	}
}

func (d *Descriptor) readPorts(l4 []byte) {
	if len(l4) < 4 {
		return
	}
	d.HasPorts = true
	d.Flags |= FlagTCPUDP
	d.SrcPort = binary.BigEndian.Uint16(l4[0:2])
	d.DstPort = binary.BigEndian.Uint16(l4[2:4])
}

func (d *Descriptor) parseOptions(opts []byte) {
	for i := 0; i < len(opts); {
		opt := opts[i]
		if opt == OptEOL {
			return
		}
		ol := 1
		if opt != OptNOP {
			if i+1 >= len(opts) {
				return
			}
			ol = int(opts[i+1])
			if ol < 2 || i+ol > len(opts) {
				return
			}
		}
		if o, ok := LookupOption(opt); ok {
			d.OptMask |= o.Bit
			if opt == OptSecurity && ol >= 4 {
				if c, ok := LookupSecClass(opts[i+2]); ok {
					d.SecMask |= c.Bit
				}
				if ol >= 5 {
					d.Auth = binary.BigEndian.Uint16(opts[i+3 : i+5])
				} else {
					d.Auth = uint16(opts[i+3]) << 8
				}
			}
		}
		i += ol
	}
}
