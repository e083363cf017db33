package rules

import (
	"math/rand/v2"
	"testing"

	"github.com/psaab/ipfrx/pkg/packet"
)

func addr(t *testing.T, s string) packet.Addr {
	t.Helper()
	a, err := packet.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func desc(t *testing.T, s packet.Spec) packet.Descriptor {
	t.Helper()
	b, err := packet.Build(s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return packet.Extract(b)
}

func TestScanLastMatchWins(t *testing.T) {
	list := []*Rule{
		New(Spec{Flags: Block | In, Src: addr(t, "10.0.0.0"), SrcMask: packet.MaskBits(8)}),
		New(Spec{Flags: Pass | In, Src: addr(t, "10.1.2.3"), SrcMask: packet.MaskBits(32)}),
	}
	d := desc(t, packet.Spec{Src: addr(t, "10.1.2.3"), Dst: addr(t, "8.8.8.8"), Proto: packet.ProtoUDP, SrcPort: 1, DstPort: 53})
	res := Scan(NoMatch, &d, "eth0", list, nil)
	if res.Verdict.Flags()&Pass == 0 || res.Index != 2 {
		t.Fatalf("verdict = %#x index %d, want pass from rule 2", res.Verdict.Flags(), res.Index)
	}

	d = desc(t, packet.Spec{Src: addr(t, "10.1.2.4"), Dst: addr(t, "1.1.1.1"), Proto: packet.ProtoUDP, SrcPort: 1, DstPort: 53})
	res = Scan(NoMatch, &d, "eth0", list, nil)
	if res.Verdict.Flags()&Block == 0 || res.Index != 1 {
		t.Fatalf("verdict = %#x index %d, want block from rule 1", res.Verdict.Flags(), res.Index)
	}
	if list[0].Hits() != 2 || list[1].Hits() != 1 {
		t.Errorf("hits = %d,%d, want 2,1", list[0].Hits(), list[1].Hits())
	}
}

func TestScanQuickStops(t *testing.T) {
	list := []*Rule{
		New(Spec{Flags: Block | In | Quick}),
		New(Spec{Flags: Pass | In}),
	}
	d := desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoICMP, ICMPType: packet.ICMPEcho})
	res := Scan(NoMatch, &d, "", list, nil)
	if res.Verdict.Flags()&Block == 0 || res.Index != 1 {
		t.Fatalf("quick block not final: %#x index %d", res.Verdict.Flags(), res.Index)
	}
	if list[1].Hits() != 0 {
		t.Errorf("rule after quick was evaluated")
	}
}

func TestScanLogOnly(t *testing.T) {
	list := []*Rule{
		New(Spec{Flags: Pass | In}),
		New(Spec{Flags: Log | In}),
	}
	var logged []int
	d := desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoUDP, SrcPort: 1, DstPort: 2})
	res := Scan(NoMatch, &d, "", list, func(i int, r *Rule) { logged = append(logged, i) })
	if res.Verdict.Flags()&Pass == 0 || res.Index != 1 {
		t.Errorf("log-only rule changed verdict: %#x index %d", res.Verdict.Flags(), res.Index)
	}
	if len(logged) != 1 || logged[0] != 2 {
		t.Errorf("logged = %v, want [2]", logged)
	}
	if list[1].Hits() != 1 {
		t.Errorf("log-only hits = %d", list[1].Hits())
	}
}

func TestScanNoMatchDefault(t *testing.T) {
	d := desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoUDP, SrcPort: 1, DstPort: 2})
	res := Scan(NoMatch|Block, &d, "", nil, nil)
	if res.Rule != nil || res.Verdict.Flags() != NoMatch|Block {
		t.Errorf("empty list verdict = %#x rule %v", res.Verdict.Flags(), res.Rule)
	}
}

func TestPortRangeComplement(t *testing.T) {
	bounds := [][2]uint16{{0, 0}, {1, 1024}, {1000, 2000}, {65535, 65535}, {80, 80}}
	for _, b := range bounds {
		in := PortMatch{Op: PortInRange, Port: b[0], High: b[1]}
		out := PortMatch{Op: PortOutRange, Port: b[0], High: b[1]}
		for _, p := range []uint16{0, 1, 79, 80, 81, 999, 1000, 1500, 2000, 2001, 65534, 65535} {
			if in.Match(p) == out.Match(p) {
				t.Errorf("bounds %v port %d: in=%v out=%v", b, p, in.Match(p), out.Match(p))
			}
		}
	}
}

func TestPortOps(t *testing.T) {
	tests := []struct {
		m    PortMatch
		port uint16
		want bool
	}{
		{PortMatch{Op: PortEq, Port: 80}, 80, true},
		{PortMatch{Op: PortEq, Port: 80}, 81, false},
		{PortMatch{Op: PortNe, Port: 80}, 81, true},
		{PortMatch{Op: PortLt, Port: 1024}, 1023, true},
		{PortMatch{Op: PortLt, Port: 1024}, 1024, false},
		{PortMatch{Op: PortGt, Port: 1024}, 1025, true},
		{PortMatch{Op: PortLe, Port: 1024}, 1024, true},
		{PortMatch{Op: PortGe, Port: 1024}, 1023, false},
		{PortMatch{Op: PortInRange, Port: 1000, High: 2000}, 2000, true},
		{PortMatch{Op: PortOutRange, Port: 1000, High: 2000}, 999, true},
		{PortMatch{}, 7, true},
	}
	for _, tt := range tests {
		if got := tt.m.Match(tt.port); got != tt.want {
			t.Errorf("%v %d: got %v, want %v", tt.m, tt.port, got, tt.want)
		}
	}
}

func TestTrailingFragmentSkipsL4Rules(t *testing.T) {
	portRule := New(Spec{Flags: Pass | In, Proto: packet.ProtoTCP, DstPort: PortMatch{Op: PortEq, Port: 80}})
	addrRule := New(Spec{Flags: Block | In, Proto: packet.ProtoTCP})
	d := desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoTCP, FragOffset: 10, Payload: make([]byte, 24)})
	if portRule.Match(&d, "") {
		t.Errorf("trailing fragment matched a port rule")
	}
	if !addrRule.Match(&d, "") {
		t.Errorf("trailing fragment did not match a protocol-only rule")
	}
}

func TestTCPFlagsAndICMP(t *testing.T) {
	syn := New(Spec{Flags: Pass | In, Proto: packet.ProtoTCP, TCPFlags: packet.TCPSyn, TCPFlagMask: packet.TCPSyn | packet.TCPAck})
	d := desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoTCP, SrcPort: 1, DstPort: 2, TCPFlags: packet.TCPSyn})
	if !syn.Match(&d, "") {
		t.Errorf("S/SA did not match SYN")
	}
	d = desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoTCP, SrcPort: 1, DstPort: 2, TCPFlags: packet.TCPSyn | packet.TCPAck})
	if syn.Match(&d, "") {
		t.Errorf("S/SA matched SYN-ACK")
	}

	echo := New(Spec{Flags: Pass | In, Proto: packet.ProtoICMP, ICMP: packet.ICMPEcho << 8, ICMPMask: 0xff00})
	d = desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoICMP, ICMPType: packet.ICMPEcho, ICMPCode: 4})
	if !echo.Match(&d, "") {
		t.Errorf("icmp-type echo did not match echo with any code")
	}
	d = desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoICMP, ICMPType: packet.ICMPEchoReply})
	if echo.Match(&d, "") {
		t.Errorf("icmp-type echo matched echo reply")
	}
}

func TestShortClassMatch(t *testing.T) {
	short := New(Spec{Flags: Block | In, Class: packet.FlagShort, ClassMask: packet.FlagShort})
	b := packet.MustBuild(packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoTCP, SrcPort: 1, DstPort: 2})
	full := packet.Extract(b)
	if short.Match(&full, "") {
		t.Errorf("short rule matched full packet")
	}
	b[3] = 30
	trunc := packet.Extract(b[:30])
	if !short.Match(&trunc, "") {
		t.Errorf("short rule missed truncated packet")
	}
}

func TestAccountingBytes(t *testing.T) {
	r := New(Spec{Flags: Account | In})
	d := desc(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoUDP, SrcPort: 1, DstPort: 2, Payload: make([]byte, 12)})
	Scan(NoMatch, &d, "", []*Rule{r}, nil)
	Scan(NoMatch, &d, "", []*Rule{r}, nil)
	if r.Bytes() != 2*40 {
		t.Errorf("Bytes = %d, want 80", r.Bytes())
	}
	r.ZeroCounters()
	if r.Hits() != 0 || r.Bytes() != 0 {
		t.Errorf("counters not zeroed")
	}
}

// referenceScan is a direct last-match-wins evaluation without quick.
func referenceScan(list []*Rule, d *packet.Descriptor) Flags {
	verdict := NoMatch
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Match(d, "eth0") && !list[i].Flags.LogOnly() {
			return list[i].Flags
		}
	}
	return verdict
}

func TestScanAgreesWithReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	nets := []packet.Addr{0x0a000000, 0x0a010000, 0x0a010203, 0xc0a80000}
	masks := []int{0, 8, 16, 32}
	ops := []PortOp{PortNone, PortEq, PortLt, PortGt, PortInRange, PortOutRange}
	actions := []Flags{Pass, Block, Log}

	for iter := 0; iter < 500; iter++ {
		n := rng.IntN(8)
		var list []*Rule
		for i := 0; i < n; i++ {
			mask := packet.MaskBits(masks[rng.IntN(len(masks))])
			s := Spec{
				Flags:   actions[rng.IntN(len(actions))] | In,
				Src:     nets[rng.IntN(len(nets))] & mask,
				SrcMask: mask,
			}
			if rng.IntN(2) == 0 {
				s.Proto = packet.ProtoUDP
				lo := uint16(rng.IntN(2000))
				s.DstPort = PortMatch{Op: ops[rng.IntN(len(ops))], Port: lo, High: lo + uint16(rng.IntN(500))}
			}
			list = append(list, New(s))
		}
		d := desc(t, packet.Spec{
			Src:     nets[rng.IntN(len(nets))] | packet.Addr(rng.IntN(4)),
			Dst:     0x08080808,
			Proto:   packet.ProtoUDP,
			SrcPort: 1024,
			DstPort: uint16(rng.IntN(2600)),
		})
		got := Scan(NoMatch, &d, "eth0", list, nil).Verdict.Flags()
		if want := referenceScan(list, &d); got != want {
			t.Fatalf("iteration %d: Scan = %#x, reference = %#x", iter, got, want)
		}
	}
}

func TestVerdictClass(t *testing.T) {
	v := NewVerdict(Pass|KeepState, packet.FlagFrag|packet.FlagShort)
	if v.Flags() != Pass|KeepState {
		t.Errorf("Flags = %#x", v.Flags())
	}
	if v.Class() != packet.FlagFrag|packet.FlagShort {
		t.Errorf("Class = %v", v.Class())
	}
}
