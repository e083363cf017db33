package nat

import (
	"errors"
	"testing"

	"github.com/psaab/ipfrx/pkg/ipferr"
	"github.com/psaab/ipfrx/pkg/packet"
)

func ip(t *testing.T, s string) packet.Addr {
	t.Helper()
	a, err := packet.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func mustPacket(t *testing.T, s packet.Spec) ([]byte, packet.Descriptor) {
	t.Helper()
	b, err := packet.Build(s)
	if err != nil {
		t.Fatal(err)
	}
	return b, packet.Extract(b)
}

func tcpPacket(t *testing.T, src string, sport uint16, dst string, dport uint16) ([]byte, packet.Descriptor) {
	return mustPacket(t, packet.Spec{
		Src: ip(t, src), Dst: ip(t, dst), Proto: packet.ProtoTCP,
		SrcPort: sport, DstPort: dport, TCPFlags: packet.TCPSyn, Seq: 1, Window: 512,
		Payload: []byte("hello"),
	})
}

// checkSums verifies the header and transport checksums of pkt against a
// full recomputation.
func checkSums(t *testing.T, pkt []byte) {
	t.Helper()
	d := packet.Extract(pkt)
	if got, want := packet.IPChecksum(pkt), packet.IPv4Checksum(pkt[:d.HeaderLen]); got != want {
		t.Errorf("ip checksum = %#04x, recomputed %#04x", got, want)
	}
	off := packet.L4ChecksumOffset(pkt, &d)
	if off < 0 {
		return
	}
	got := packet.Uint16At(pkt, off)
	if d.Protocol == packet.ProtoUDP && got == 0 {
		return
	}
	want := packet.TransportChecksum(pkt)
	if d.Protocol == packet.ProtoUDP && want == 0 {
		want = 0xffff
	}
	if got != want {
		t.Errorf("%s checksum = %#04x, recomputed %#04x", packet.ProtoName(d.Protocol), got, want)
	}
}

func portmapRule(t *testing.T) Spec {
	return Spec{
		Kind: Map, Iface: "eth0",
		InAddr: ip(t, "10.1.0.0"), InMask: packet.MaskBits(16),
		OutAddr: ip(t, "203.0.113.5"), OutMask: packet.MaskBits(32),
		Proto: ProtoTCP, PortMin: 20000, PortMax: 20010,
	}
}

func TestPortmapAllocation(t *testing.T) {
	e := New(Config{})
	if err := e.AddRule(portmapRule(t)); err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		src := "10.1.0.1"
		if i%2 == 1 {
			src = "10.1.0.2"
		}
		pkt, d := tcpPacket(t, src, uint16(1024+i), "198.51.100.9", 80)
		out, s := e.Outbound(pkt, &d, "eth0")
		if out != Created {
			t.Fatalf("flow %d: outcome %d, want Created", i, out)
		}
		if s.OutAddr != ip(t, "203.0.113.5") {
			t.Errorf("flow %d mapped to %s", i, s.OutAddr)
		}
		if s.OutPort < 20000 || s.OutPort > 20010 {
			t.Errorf("flow %d port %d outside range", i, s.OutPort)
		}
		if seen[s.OutPort] {
			t.Errorf("flow %d reused port %d", i, s.OutPort)
		}
		seen[s.OutPort] = true

		after := packet.Extract(pkt)
		if after.Src != s.OutAddr || after.SrcPort != s.OutPort {
			t.Errorf("packet rewritten to %s:%d", after.Src, after.SrcPort)
		}
		checkSums(t, pkt)
	}

	pkt, d := tcpPacket(t, "10.1.0.3", 5000, "198.51.100.9", 80)
	orig := append([]byte(nil), pkt...)
	if out, _ := e.Outbound(pkt, &d, "eth0"); out != Exhausted {
		t.Fatalf("eleventh flow outcome %d, want Exhausted", out)
	}
	if string(pkt) != string(orig) {
		t.Error("rejected packet was modified")
	}
	if st := e.Stats(); st.MemFail != 1 || st.InUse != 10 {
		t.Errorf("memfail/inuse = %d/%d", st.MemFail, st.InUse)
	}
}

func TestOutboundReusesSession(t *testing.T) {
	e := New(Config{})
	e.AddRule(portmapRule(t))

	pkt, d := tcpPacket(t, "10.1.0.1", 1024, "198.51.100.9", 80)
	_, first := e.Outbound(pkt, &d, "eth0")
	pkt, d = tcpPacket(t, "10.1.0.1", 1024, "198.51.100.9", 80)
	out, again := e.Outbound(pkt, &d, "eth0")
	if out != Translated {
		t.Fatalf("second packet outcome %d, want Translated", out)
	}
	if again.OutPort != first.OutPort {
		t.Errorf("same flow got port %d then %d", first.OutPort, again.OutPort)
	}
	if st := e.Stats(); st.Added != 1 || st.Mapped[1] != 2 {
		t.Errorf("added/mapped = %d/%d", st.Added, st.Mapped[1])
	}
}

func TestInboundLookupOnly(t *testing.T) {
	e := New(Config{})
	e.AddRule(portmapRule(t))

	stray, d := tcpPacket(t, "198.51.100.9", 80, "203.0.113.5", 20000)
	if out, _ := e.Inbound(stray, &d, "eth0"); out != Untouched {
		t.Fatalf("inbound without session outcome %d", out)
	}
	if e.Stats().InUse != 0 {
		t.Fatal("inbound packet created a session")
	}

	pkt, d := tcpPacket(t, "10.1.0.7", 3333, "198.51.100.9", 80)
	_, s := e.Outbound(pkt, &d, "eth0")

	reply, d := tcpPacket(t, "198.51.100.9", 80, "203.0.113.5", s.OutPort)
	if out, _ := e.Inbound(reply, &d, "eth0"); out != Translated {
		t.Fatalf("reply outcome %d", out)
	}
	after := packet.Extract(reply)
	if after.Dst != ip(t, "10.1.0.7") || after.DstPort != 3333 {
		t.Errorf("reply rewritten to %s:%d", after.Dst, after.DstPort)
	}
	checkSums(t, reply)

	other, d := tcpPacket(t, "198.51.100.9", 80, "203.0.113.5", s.OutPort)
	if out, _ := e.Inbound(other, &d, "eth1"); out != Untouched {
		t.Error("reply on another interface translated")
	}
}

func TestAddressOnlyMap(t *testing.T) {
	e := New(Config{})
	rule := Spec{
		Kind: Map, Iface: "eth0",
		InAddr: ip(t, "192.168.0.0"), InMask: packet.MaskBits(24),
		OutAddr: ip(t, "198.51.100.0"), OutMask: packet.MaskBits(30),
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatal(err)
	}

	var got []packet.Addr
	for _, host := range []string{"192.168.0.10", "192.168.0.11"} {
		pkt, d := mustPacket(t, packet.Spec{Src: ip(t, host), Dst: ip(t, "8.8.8.8"),
			Proto: packet.ProtoUDP, SrcPort: 53000, DstPort: 53, Payload: []byte("q")})
		if out, s := e.Outbound(pkt, &d, "eth0"); out != Created {
			t.Fatalf("%s outcome %d", host, out)
		} else {
			got = append(got, s.OutAddr)
		}
		if after := packet.Extract(pkt); after.SrcPort != 53000 {
			t.Errorf("address-only map changed port to %d", after.SrcPort)
		}
		checkSums(t, pkt)
	}
	if got[0] != ip(t, "198.51.100.1") || got[1] != ip(t, "198.51.100.2") {
		t.Errorf("allocated %v, want .1 and .2", got)
	}

	// A /30 has two usable hosts.
	pkt, d := mustPacket(t, packet.Spec{Src: ip(t, "192.168.0.12"), Dst: ip(t, "8.8.8.8"), Proto: packet.ProtoICMP,
		ICMPType: packet.ICMPEcho, ICMPID: 1})
	if out, _ := e.Outbound(pkt, &d, "eth0"); out != Exhausted {
		t.Errorf("third host outcome %d, want Exhausted", out)
	}
}

func TestUDPChecksumModes(t *testing.T) {
	rule := Spec{
		Kind: Map, Iface: "eth0",
		InAddr: ip(t, "10.0.0.0"), InMask: packet.MaskBits(8),
		OutAddr: ip(t, "203.0.113.1"), OutMask: packet.MaskBits(32),
		Proto: ProtoUDP, PortMin: 40000, PortMax: 40100,
	}
	udp := packet.Spec{Src: ip(t, "10.0.0.5"), Dst: ip(t, "192.0.2.1"), Proto: packet.ProtoUDP,
		SrcPort: 1234, DstPort: 53, Payload: []byte("query")}

	adjust := New(Config{})
	adjust.AddRule(rule)
	pkt, d := mustPacket(t, udp)
	adjust.Outbound(pkt, &d, "eth0")
	checkSums(t, pkt)
	if off := packet.L4ChecksumOffset(pkt, &d); packet.Uint16At(pkt, off) == 0 {
		t.Error("adjusting mode cleared the udp checksum")
	}

	zero := New(Config{ZeroUDPChecksum: true})
	zero.AddRule(rule)
	pkt, d = mustPacket(t, udp)
	zero.Outbound(pkt, &d, "eth0")
	if off := packet.L4ChecksumOffset(pkt, &d); packet.Uint16At(pkt, off) != 0 {
		t.Error("zeroing mode left a udp checksum")
	}
	checkSums(t, pkt)
}

func TestTrailingFragmentAddressOnly(t *testing.T) {
	e := New(Config{})
	e.AddRule(Spec{
		Kind: Map, Iface: "eth0",
		InAddr: ip(t, "10.0.0.0"), InMask: packet.MaskBits(8),
		OutAddr: ip(t, "203.0.113.1"), OutMask: packet.MaskBits(32),
	})
	pkt, d := mustPacket(t, packet.Spec{Src: ip(t, "10.0.0.5"), Dst: ip(t, "192.0.2.1"), Proto: packet.ProtoTCP,
		FragOffset: 10, Payload: make([]byte, 24)})
	payload := append([]byte(nil), pkt[d.HeaderLen:]...)
	if out, _ := e.Outbound(pkt, &d, "eth0"); out != Created {
		t.Fatalf("outcome %d", out)
	}
	if string(pkt[d.HeaderLen:]) != string(payload) {
		t.Error("trailing fragment payload modified")
	}
	checkSums(t, pkt)
}

func trailingFragment(t *testing.T, src, dst string) ([]byte, packet.Descriptor) {
	return mustPacket(t, packet.Spec{Src: ip(t, src), Dst: ip(t, dst), Proto: packet.ProtoTCP,
		FragOffset: 10, Payload: make([]byte, 24)})
}

func TestTrailingFragmentPortmap(t *testing.T) {
	e := New(Config{})
	e.AddRule(portmapRule(t))

	// A fragment without a session of its host passes untranslated and
	// allocates nothing.
	pkt, d := trailingFragment(t, "10.1.0.1", "198.51.100.9")
	if out, _ := e.Outbound(pkt, &d, "eth0"); out != Untouched {
		t.Fatalf("fragment without session outcome %d, want Untouched", out)
	}
	if st := e.Stats(); st.InUse != 0 || st.MemFail != 0 {
		t.Fatalf("in_use/memfail = %d/%d", st.InUse, st.MemFail)
	}

	pkt, d = tcpPacket(t, "10.1.0.1", 1024, "198.51.100.9", 80)
	_, s := e.Outbound(pkt, &d, "eth0")

	pkt, d = trailingFragment(t, "10.1.0.1", "198.51.100.9")
	if out, got := e.Outbound(pkt, &d, "eth0"); out != Translated || got.OutPort != s.OutPort {
		t.Fatalf("fragment outcome %d session %+v", out, got)
	}
	if after := packet.Extract(pkt); after.Src != ip(t, "203.0.113.5") {
		t.Errorf("fragment source %s", after.Src)
	}
	checkSums(t, pkt)

	pkt, d = trailingFragment(t, "10.1.0.2", "198.51.100.9")
	if out, _ := e.Outbound(pkt, &d, "eth0"); out != Untouched {
		t.Errorf("second host fragment outcome %d, want Untouched", out)
	}
	if st := e.Stats(); st.InUse != 1 || st.MemFail != 0 {
		t.Errorf("in_use/memfail = %d/%d", st.InUse, st.MemFail)
	}

	reply, d := trailingFragment(t, "198.51.100.9", "203.0.113.5")
	if out, _ := e.Inbound(reply, &d, "eth0"); out != Translated {
		t.Fatalf("inbound fragment outcome %d", out)
	}
	if after := packet.Extract(reply); after.Dst != ip(t, "10.1.0.1") {
		t.Errorf("inbound fragment destination %s", after.Dst)
	}

	// Once two inside hosts share the outside address the owner of an
	// inbound fragment is unknown.
	pkt, d = tcpPacket(t, "10.1.0.2", 1024, "198.51.100.9", 80)
	e.Outbound(pkt, &d, "eth0")
	reply, d = trailingFragment(t, "198.51.100.9", "203.0.113.5")
	if out, _ := e.Inbound(reply, &d, "eth0"); out != Untouched {
		t.Errorf("ambiguous inbound fragment outcome %d, want Untouched", out)
	}
}

func TestOutboundSkipsExhaustedRule(t *testing.T) {
	e := New(Config{})
	small := portmapRule(t)
	small.PortMin, small.PortMax = 20000, 20001
	spare := portmapRule(t)
	spare.OutAddr = ip(t, "203.0.113.6")
	spare.PortMin, spare.PortMax = 30000, 30010
	for _, r := range []Spec{small, spare} {
		if err := e.AddRule(r); err != nil {
			t.Fatal(err)
		}
	}

	var got []packet.Addr
	for i := 0; i < 11; i++ {
		pkt, d := tcpPacket(t, "10.1.0.1", uint16(1024+i), "198.51.100.9", 80)
		out, s := e.Outbound(pkt, &d, "eth0")
		if out != Created {
			t.Fatalf("flow %d outcome %d, want Created", i, out)
		}
		got = append(got, s.OutAddr)
	}
	if got[0] != ip(t, "203.0.113.5") || got[1] != ip(t, "203.0.113.6") {
		t.Errorf("first flows mapped to %s and %s", got[0], got[1])
	}
	st := e.Stats()
	if st.MemFail != 0 {
		t.Errorf("memfail = %d while a rule had space", st.MemFail)
	}
	if len(st.RuleUse) != 2 || st.RuleUse[0].Space != 0 || st.RuleUse[1].InUse != 10 || st.RuleUse[1].Space != 0 {
		t.Errorf("rule use %+v", st.RuleUse)
	}
	for _, sess := range st.Sessions {
		if sess.OutAddr == spare.OutAddr && sess.RuleOf() != spare {
			t.Errorf("session %s from rule %+v", &sess, sess.RuleOf())
		}
	}

	pkt, d := tcpPacket(t, "10.1.0.1", 5000, "198.51.100.9", 80)
	if out, _ := e.Outbound(pkt, &d, "eth0"); out != Exhausted {
		t.Fatalf("outcome %d with every rule full, want Exhausted", out)
	}
	if st := e.Stats(); st.MemFail != 1 {
		t.Errorf("memfail = %d, want 1", st.MemFail)
	}
}

func TestRedirectNeedsSingleAddress(t *testing.T) {
	e := New(Config{})
	r := rdrRule(t)
	r.OutAddr, r.OutMask = ip(t, "203.0.113.0"), packet.MaskBits(24)
	if err := e.AddRule(r); !errors.Is(err, ipferr.ErrInvalid) {
		t.Errorf("rdr for a network = %v, want invalid", err)
	}
	if st := e.Stats(); st.Rules != 0 || st.InUse != 0 {
		t.Errorf("rejected rdr left rules/inuse = %d/%d", st.Rules, st.InUse)
	}
}

func TestExpireReturnsSpace(t *testing.T) {
	e := New(Config{Age: 2})
	e.AddRule(portmapRule(t))
	var expired []Session
	e.OnExpire = func(s Session) { expired = append(expired, s) }

	for i := 0; i < 10; i++ {
		pkt, d := tcpPacket(t, "10.1.0.1", uint16(2000+i), "198.51.100.9", 80)
		e.Outbound(pkt, &d, "eth0")
	}
	e.Expire()
	if n := e.Expire(); n != 10 {
		t.Fatalf("Expire = %d, want 10", n)
	}
	if len(expired) != 10 {
		t.Errorf("OnExpire called %d times", len(expired))
	}
	pkt, d := tcpPacket(t, "10.1.0.1", 9999, "198.51.100.9", 80)
	if out, _ := e.Outbound(pkt, &d, "eth0"); out != Created {
		t.Errorf("allocation after expiry outcome %d", out)
	}
}

func rdrRule(t *testing.T) Spec {
	return Spec{
		Kind: Redirect, Iface: "eth0",
		OutAddr: ip(t, "203.0.113.5"), OutMask: packet.MaskBits(32), OutPort: 80,
		InAddr: ip(t, "10.0.0.80"), InMask: packet.MaskBits(32), InPort: 8080,
		Proto: ProtoTCP,
	}
}

func TestRedirect(t *testing.T) {
	e := New(Config{Age: 1})
	if err := e.AddRule(rdrRule(t)); err != nil {
		t.Fatal(err)
	}

	pkt, d := tcpPacket(t, "198.51.100.9", 40000, "203.0.113.5", 80)
	if out, _ := e.Inbound(pkt, &d, "eth0"); out != Translated {
		t.Fatalf("inbound outcome %d", out)
	}
	after := packet.Extract(pkt)
	if after.Dst != ip(t, "10.0.0.80") || after.DstPort != 8080 {
		t.Errorf("redirected to %s:%d", after.Dst, after.DstPort)
	}
	checkSums(t, pkt)

	reply, d := tcpPacket(t, "10.0.0.80", 8080, "198.51.100.9", 40000)
	if out, _ := e.Outbound(reply, &d, "eth0"); out != Translated {
		t.Fatalf("reply outcome %d", out)
	}
	if after := packet.Extract(reply); after.Src != ip(t, "203.0.113.5") || after.SrcPort != 80 {
		t.Errorf("reply source %s:%d", after.Src, after.SrcPort)
	}
	checkSums(t, reply)

	for i := 0; i < 5; i++ {
		e.Expire()
	}
	if e.Stats().InUse != 1 {
		t.Error("static redirect session aged out")
	}
	if n := e.FlushSessions(); n != 0 {
		t.Errorf("FlushSessions removed %d static sessions", n)
	}
	if err := e.RemoveRule(rdrRule(t)); err != nil {
		t.Fatal(err)
	}
	if e.Stats().InUse != 0 {
		t.Error("redirect session survived its rule")
	}
}

func TestRuleManagement(t *testing.T) {
	e := New(Config{})
	if err := e.AddRule(portmapRule(t)); err != nil {
		t.Fatal(err)
	}
	if err := e.AddRule(portmapRule(t)); !errors.Is(err, ipferr.ErrExists) {
		t.Errorf("duplicate AddRule = %v", err)
	}
	if err := e.RemoveRule(rdrRule(t)); !errors.Is(err, ipferr.ErrNotFound) {
		t.Errorf("RemoveRule of unknown = %v", err)
	}
	bad := portmapRule(t)
	bad.PortMin, bad.PortMax = 30000, 20000
	if err := e.AddRule(bad); !errors.Is(err, ipferr.ErrInvalid) {
		t.Errorf("reversed range = %v", err)
	}

	e.AddRule(rdrRule(t))
	clash := rdrRule(t)
	clash.InPort = 9090
	if err := e.AddRule(clash); !errors.Is(err, ipferr.ErrExists) {
		t.Errorf("overlapping rdr = %v", err)
	}

	pkt, d := tcpPacket(t, "10.1.0.1", 1024, "198.51.100.9", 80)
	e.Outbound(pkt, &d, "eth0")
	if n := e.FlushSessions(); n != 1 {
		t.Errorf("FlushSessions = %d", n)
	}
	if got := e.Rules(); len(got) != 2 || got[0] != portmapRule(t) {
		t.Errorf("Rules = %+v", got)
	}
	if n := e.ClearRules(); n != 2 {
		t.Errorf("ClearRules = %d", n)
	}
	if st := e.Stats(); st.Rules != 0 || st.InUse != 0 {
		t.Errorf("after clear rules/inuse = %d/%d", st.Rules, st.InUse)
	}
}
