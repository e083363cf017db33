package packet

import (
	"fmt"
	"strconv"
	"strings"
)

// ICMP types referenced by the state table and reply synthesis.
const (
	ICMPEchoReply      = 0
	ICMPUnreach        = 3
	ICMPSourceQuench   = 4
	ICMPRedirect       = 5
	ICMPEcho           = 8
	ICMPTimeExceeded   = 11
	ICMPParamProblem   = 12
	ICMPTimestamp      = 13
	ICMPTimestampReply = 14
	ICMPInfoRequest    = 15
	ICMPInfoReply      = 16
	ICMPMaskRequest    = 17
	ICMPMaskReply      = 18
)

type namedValue struct {
	v    uint8
	name string
}

var icmpTypeNames = []namedValue{
	{ICMPEchoReply, "echorep"},
	{ICMPUnreach, "unreach"},
	{ICMPSourceQuench, "squench"},
	{ICMPRedirect, "redir"},
	{ICMPEcho, "echo"},
	{9, "routerad"},
	{10, "routersol"},
	{ICMPTimeExceeded, "timex"},
	{ICMPParamProblem, "paramprob"},
	{ICMPTimestamp, "timest"},
	{ICMPTimestampReply, "timestrep"},
	{ICMPInfoRequest, "inforeq"},
	{ICMPInfoReply, "inforep"},
	{ICMPMaskRequest, "maskreq"},
	{ICMPMaskReply, "maskrep"},
}

var unreachCodeNames = []namedValue{
	{0, "net-unr"},
	{1, "host-unr"},
	{2, "proto-unr"},
	{3, "port-unr"},
	{4, "needfrag"},
	{5, "srcfail"},
	{6, "net-unk"},
	{7, "host-unk"},
	{8, "isolate"},
	{9, "net-prohib"},
	{10, "host-prohib"},
	{11, "net-tos"},
	{12, "host-tos"},
	{13, "filter-prohib"},
}

func nameOf(table []namedValue, v uint8) string {
	for _, e := range table {
		if e.v == v {
			return e.name
		}
	}
	return strconv.Itoa(int(v))
}

func valueOf(table []namedValue, s, what string) (uint8, error) {
	for _, e := range table {
		if e.name == s {
			return e.v, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown %s %q", what, s)
	}
	return uint8(n), nil
}

// ICMPTypeName returns the symbolic name of an ICMP type, or its number.
func ICMPTypeName(t uint8) string { return nameOf(icmpTypeNames, t) }

// ParseICMPType accepts a symbolic name or a number.
func ParseICMPType(s string) (uint8, error) { return valueOf(icmpTypeNames, s, "icmp type") }

// UnreachCodeName returns the symbolic name of a destination-unreachable code.
func UnreachCodeName(c uint8) string { return nameOf(unreachCodeNames, c) }

// ParseUnreachCode accepts a symbolic name or a number.
func ParseUnreachCode(s string) (uint8, error) {
	return valueOf(unreachCodeNames, s, "icmp code")
}

const tcpFlagLetters = "FSRPAU"

// TCPFlagString renders flag bits as ipf letters, e.g. "SA".
func TCPFlagString(f uint8) string {
	var b strings.Builder
	for i := 0; i < len(tcpFlagLetters); i++ {
		if f&(1<<i) != 0 {
			b.WriteByte(tcpFlagLetters[i])
		}
	}
	return b.String()
}

// ParseTCPFlags parses ipf flag letters.
func ParseTCPFlags(s string) (uint8, error) {
	var f uint8
	for _, c := range s {
		i := strings.IndexRune(tcpFlagLetters, c)
		if i < 0 {
			return 0, fmt.Errorf("unknown tcp flag %q", c)
		}
		f |= 1 << i
	}
	return f, nil
}

// ProtoName returns the lowercase protocol name or number.
func ProtoName(p uint8) string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	case 0:
		return "ip"
	}
	return strconv.Itoa(int(p))
}

// ParseProto accepts tcp, udp, icmp or a protocol number.
func ParseProto(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp":
		return ProtoICMP, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return uint8(n), nil
}

// Text is a packet read from the one-line test format.
type Text struct {
	Dir    Direction
	Iface  string
	Packet []byte
}

// ParseText reads a line of the form
//
//	in on eth0 tcp 10.1.1.1,1025 10.2.2.2,23 S seq=100 win=8192
//
// and builds the described packet. ICMP lines name the type in place of the
// flags ("echo"). Optional key=value fields set seq, ack, win, id, off, tos,
// ttl, icmpid, icmpseq, len (payload bytes) and opt (comma-separated option
// names); a bare "mf" sets more-fragments.
func ParseText(line string) (Text, error) {
	var t Text
	f := strings.Fields(line)
	if len(f) < 5 {
		return t, fmt.Errorf("short packet line %q", line)
	}
	switch f[0] {
	case "in":
		t.Dir = In
	case "out":
		t.Dir = Out
	default:
		return t, fmt.Errorf("expected in or out, got %q", f[0])
	}
	if f[1] != "on" {
		return t, fmt.Errorf("expected on, got %q", f[1])
	}
	t.Iface = f[2]

	var s Spec
	proto, err := ParseProto(f[3])
	if err != nil {
		return t, err
	}
	s.Proto = proto
	if s.Src, s.SrcPort, err = parseHostPort(f[4]); err != nil {
		return t, err
	}
	rest := f[5:]
	if len(rest) == 0 {
		return t, fmt.Errorf("missing destination in %q", line)
	}
	if s.Dst, s.DstPort, err = parseHostPort(rest[0]); err != nil {
		return t, err
	}
	rest = rest[1:]

	if len(rest) > 0 && !strings.Contains(rest[0], "=") && rest[0] != "mf" {
		switch proto {
		case ProtoTCP:
			if s.TCPFlags, err = ParseTCPFlags(rest[0]); err != nil {
				return t, err
			}
		case ProtoICMP:
			if s.ICMPType, err = ParseICMPType(rest[0]); err != nil {
				return t, err
			}
		default:
			return t, fmt.Errorf("unexpected field %q", rest[0])
		}
		rest = rest[1:]
	}

	for _, kv := range rest {
		if kv == "mf" {
			s.MoreFrags = true
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return t, fmt.Errorf("bad field %q", kv)
		}
		if k == "opt" {
			for _, name := range strings.Split(v, ",") {
				o, ok := optionByName(name)
				if !ok {
					return t, fmt.Errorf("unknown ip option %q", name)
				}
				s.Options = append(s.Options, o)
			}
			continue
		}
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return t, fmt.Errorf("bad value in %q: %w", kv, err)
		}
		switch k {
		case "seq":
			s.Seq = uint32(n)
		case "ack":
			s.Ack = uint32(n)
		case "win":
			s.Window = uint16(n)
		case "id":
			s.ID = uint16(n)
		case "off":
			s.FragOffset = uint16(n)
		case "tos":
			s.TOS = uint8(n)
		case "ttl":
			s.TTL = uint8(n)
		case "code":
			s.ICMPCode = uint8(n)
		case "icmpid":
			s.ICMPID = uint16(n)
		case "icmpseq":
			s.ICMPSeq = uint16(n)
		case "len":
			s.Payload = make([]byte, n)
		default:
			return t, fmt.Errorf("unknown field %q", k)
		}
	}

	t.Packet, err = Build(s)
	return t, err
}

func parseHostPort(s string) (Addr, uint16, error) {
	host, port, hasPort := strings.Cut(s, ",")
	a, err := ParseAddr(host)
	if err != nil {
		return 0, 0, err
	}
	if !hasPort {
		return a, 0, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad port %q", port)
	}
	return a, uint16(p), nil
}

// optionByName builds a minimal option of the named type. The security
// option carries the "unclass" level.
func optionByName(name string) (RawOption, bool) {
	for _, o := range options {
		if o.Name != name {
			continue
		}
		switch o.Type {
		case OptNOP:
			return RawOption{Type: o.Type}, true
		case OptSecurity:
			return RawOption{Type: o.Type, Data: []byte{0xab, 0, 0, 0, 0, 0, 0, 0, 0}}, true
		default:
			return RawOption{Type: o.Type, Data: []byte{0, 0}}, true
		}
	}
	return RawOption{}, false
}
