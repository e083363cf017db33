package config

import (
	"fmt"
	"strings"

	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

// FormatRule prints s in the canonical form ParseRule accepts.
func FormatRule(s rules.Spec) string {
	var b strings.Builder
	f := s.Flags
	b.WriteString(f.Action())
	if f&rules.ReturnRST != 0 {
		b.WriteString(" return-rst")
	}
	if f&rules.ReturnICMP != 0 {
		b.WriteString(" return-icmp")
		if s.ICMPCode != 0 {
			fmt.Fprintf(&b, "(%s)", packet.UnreachCodeName(s.ICMPCode))
		}
	}
	if f&rules.Out != 0 {
		b.WriteString(" out")
	} else {
		b.WriteString(" in")
	}
	if logAction := f.Action() == "log"; f&rules.LogBody != 0 || (f&rules.Log != 0 && !logAction) {
		b.WriteString(" log")
		if f&rules.LogBody != 0 {
			b.WriteString(" body")
		}
	}
	if f&rules.Quick != 0 {
		b.WriteString(" quick")
	}
	if s.Iface != "" {
		b.WriteString(" on " + s.Iface)
	}
	if s.TOSMask != 0 {
		fmt.Fprintf(&b, " tos %#x", s.TOS)
	}
	if s.TTLMask != 0 {
		fmt.Fprintf(&b, " ttl %d", s.TTL)
	}
	switch {
	case s.TCPUDP:
		b.WriteString(" proto tcp/udp")
	case s.Proto != 0:
		b.WriteString(" proto " + packet.ProtoName(s.Proto))
	}

	if s.SrcMask == 0 && s.DstMask == 0 && s.SrcPort.Op == rules.PortNone && s.DstPort.Op == rules.PortNone {
		b.WriteString(" all")
	} else {
		b.WriteString(" from " + formatNet(s.Src, s.SrcMask))
		writePort(&b, s.SrcPort)
		b.WriteString(" to " + formatNet(s.Dst, s.DstMask))
		writePort(&b, s.DstPort)
	}

	if s.TCPFlagMask != 0 {
		b.WriteString(" flags " + packet.TCPFlagString(s.TCPFlags))
		if s.TCPFlagMask != 0xff {
			b.WriteString("/" + packet.TCPFlagString(s.TCPFlagMask))
		}
	}
	if s.ICMPMask != 0 {
		b.WriteString(" icmp-type " + packet.ICMPTypeName(uint8(s.ICMP>>8)))
		if s.ICMPMask&0xff != 0 {
			fmt.Fprintf(&b, " code %d", uint8(s.ICMP))
		}
	}
	if with := formatWith(s); len(with) > 0 {
		b.WriteString(" with " + strings.Join(with, " and "))
	}
	if f&rules.KeepState != 0 {
		b.WriteString(" keep state")
	}
	if f&rules.KeepFrag != 0 {
		b.WriteString(" keep frags")
	}
	return b.String()
}

// formatNet prints an address and mask as any, a.b.c.d/n, or with a
// dotted mask when the mask is not contiguous.
func formatNet(a, m packet.Addr) string {
	if a == 0 && m == 0 {
		return "any"
	}
	if n, ok := m.PrefixLen(); ok {
		return fmt.Sprintf("%s/%d", a, n)
	}
	return fmt.Sprintf("%s/%s", a, m)
}

func writePort(b *strings.Builder, m rules.PortMatch) {
	switch {
	case m.Op == rules.PortNone:
	case m.Op.IsRange():
		fmt.Fprintf(b, " port %d %s %d", m.Port, m.Op, m.High)
	default:
		fmt.Fprintf(b, " port %s %d", m.Op, m.Port)
	}
}

func formatWith(s rules.Spec) []string {
	var out []string
	class := func(f packet.Flags, name string) {
		if s.ClassMask&f == 0 {
			return
		}
		if s.Class&f == 0 {
			name = "not " + name
		}
		out = append(out, name)
	}
	class(packet.FlagOptions, "ipopts")
	class(packet.FlagShort, "short")
	class(packet.FlagFrag, "frag")

	secBit, _ := optionBit("sec")
	var set, unset []string
	for _, o := range packet.Options() {
		if s.OptsMask&o.Bit == 0 || (o.Bit == secBit && s.Sec != 0) {
			continue
		}
		if s.Opts&o.Bit != 0 {
			set = append(set, o.Name)
		} else {
			unset = append(unset, o.Name)
		}
	}
	if len(set) > 0 {
		out = append(out, "opt "+strings.Join(set, ","))
	}
	if len(unset) > 0 {
		out = append(out, "not opt "+strings.Join(unset, ","))
	}

	set, unset = nil, nil
	for _, c := range packet.SecClasses() {
		if s.SecMask&c.Bit == 0 {
			continue
		}
		if s.Sec&c.Bit != 0 {
			set = append(set, c.Name)
		} else {
			unset = append(unset, c.Name)
		}
	}
	if len(set) > 0 {
		out = append(out, "opt sec-class "+strings.Join(set, ","))
	}
	if len(unset) > 0 {
		out = append(out, "not opt sec-class "+strings.Join(unset, ","))
	}
	return out
}

// FormatNAT prints a NAT rule in the form ParseNATRule accepts.
func FormatNAT(s nat.Spec) string {
	if s.Kind == nat.Redirect {
		return fmt.Sprintf("rdr %s %s port %d -> %s port %d %s", s.Iface,
			formatNet(s.OutAddr, s.OutMask), s.OutPort, s.InAddr, s.InPort, s.Proto)
	}
	line := fmt.Sprintf("map %s %s -> %s", s.Iface, formatNet(s.InAddr, s.InMask), formatNet(s.OutAddr, s.OutMask))
	if s.PortMin != 0 {
		line += fmt.Sprintf(" portmap %s %d:%d", s.Proto, s.PortMin, s.PortMax)
	}
	return line
}
