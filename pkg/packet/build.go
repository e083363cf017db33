package packet

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// RawOption is an IP option to place in a built header.
type RawOption struct {
	Type uint8
	Data []byte
}

// Spec describes a packet for Build. Transport fields apply to the protocol
// selected by Proto; trailing fragments (FragOffset > 0) carry only Payload.
type Spec struct {
	Src, Dst   Addr
	Proto      uint8
	TOS        uint8
	TTL        uint8
	ID         uint16
	FragOffset uint16
	MoreFrags  bool
	Options    []RawOption

	SrcPort, DstPort uint16
	TCPFlags         uint8
	Seq, Ack         uint32
	Window           uint16

	ICMPType, ICMPCode uint8
	ICMPID, ICMPSeq    uint16

	Payload []byte
}

// Build serializes s into an IPv4 packet with valid lengths and checksums.
func Build(s Spec) ([]byte, error) {
	ttl := s.TTL
	if ttl == 0 {
		ttl = 64
	}
	src, dst := s.Src.As4(), s.Dst.As4()
	ip := &layers.IPv4{
		Version:    4,
		TOS:        s.TOS,
		Id:         s.ID,
		FragOffset: s.FragOffset,
		TTL:        ttl,
		Protocol:   layers.IPProtocol(s.Proto),
		SrcIP:      net.IP(src[:]),
		DstIP:      net.IP(dst[:]),
	}
	if s.MoreFrags {
		ip.Flags |= layers.IPv4MoreFragments
	}
	for _, o := range s.Options {
		opt := layers.IPv4Option{OptionType: o.Type}
		if o.Type != OptEOL && o.Type != OptNOP {
			opt.OptionLength = uint8(len(o.Data) + 2)
			opt.OptionData = o.Data
		}
		ip.Options = append(ip.Options, opt)
	}

	stack := []gopacket.SerializableLayer{ip}
	if s.FragOffset == 0 {
		switch s.Proto {
		case ProtoTCP:
			tcp := &layers.TCP{
				SrcPort: layers.TCPPort(s.SrcPort),
				DstPort: layers.TCPPort(s.DstPort),
				Seq:     s.Seq,
				Ack:     s.Ack,
				Window:  s.Window,
				FIN:     s.TCPFlags&TCPFin != 0,
				SYN:     s.TCPFlags&TCPSyn != 0,
				RST:     s.TCPFlags&TCPRst != 0,
				PSH:     s.TCPFlags&TCPPsh != 0,
				ACK:     s.TCPFlags&TCPAck != 0,
				URG:     s.TCPFlags&TCPUrg != 0,
			}
			if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
				return nil, fmt.Errorf("tcp checksum layer: %w", err)
			}
			stack = append(stack, tcp)
		case ProtoUDP:
			udp := &layers.UDP{
				SrcPort: layers.UDPPort(s.SrcPort),
				DstPort: layers.UDPPort(s.DstPort),
			}
			if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
				return nil, fmt.Errorf("udp checksum layer: %w", err)
			}
			stack = append(stack, udp)
		case ProtoICMP:
			stack = append(stack, &layers.ICMPv4{
				TypeCode: layers.CreateICMPv4TypeCode(s.ICMPType, s.ICMPCode),
				Id:       s.ICMPID,
				Seq:      s.ICMPSeq,
			})
		}
	}
	stack = append(stack, gopacket.Payload(s.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// MustBuild is Build for fixed inputs known to serialize.
func MustBuild(s Spec) []byte {
	b, err := Build(s)
	if err != nil {
		panic(err)
	}
	return b
}
