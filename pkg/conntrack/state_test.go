package conntrack

import (
	"errors"
	"testing"

	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

func addr(t *testing.T, s string) packet.Addr {
	t.Helper()
	a, err := packet.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func build(t *testing.T, s packet.Spec) packet.Descriptor {
	t.Helper()
	b, err := packet.Build(s)
	if err != nil {
		t.Fatal(err)
	}
	return packet.Extract(b)
}

func udp(t *testing.T, src string, sport uint16, dst string, dport uint16) packet.Descriptor {
	return build(t, packet.Spec{Src: addr(t, src), Dst: addr(t, dst), Proto: packet.ProtoUDP, SrcPort: sport, DstPort: dport})
}

func tcp(t *testing.T, src string, sport uint16, dst string, dport uint16, flags uint8, seq, ack uint32, win uint16) packet.Descriptor {
	return build(t, packet.Spec{
		Src: addr(t, src), Dst: addr(t, dst), Proto: packet.ProtoTCP,
		SrcPort: sport, DstPort: dport, TCPFlags: flags, Seq: seq, Ack: ack, Window: win,
	})
}

const keep = rules.Pass | rules.KeepState | rules.Out

func TestTCPSkewWindow(t *testing.T) {
	tbl := NewTable(Config{})
	open := tcp(t, "10.0.0.1", 1025, "10.0.0.2", 80, packet.TCPAck, 100, 1, 8192)
	if _, err := tbl.Add(&open, keep|rules.Log); err != nil {
		t.Fatalf("Add: %v", err)
	}

	next := tcp(t, "10.0.0.1", 1025, "10.0.0.2", 80, packet.TCPAck, 105, 1, 8192)
	pass, ok := tbl.Check(&next)
	if !ok {
		t.Fatal("in-window packet rejected")
	}
	if pass != keep {
		t.Errorf("cached verdict = %#x, want %#x (log bits stripped)", pass, keep)
	}
	if e := tbl.Stats().Entries[0]; e.Seq != 105 {
		t.Errorf("stored seq = %d, want 105", e.Seq)
	}

	far := tcp(t, "10.0.0.1", 1025, "10.0.0.2", 80, packet.TCPAck, 105, 50000, 8192)
	if _, ok := tbl.Check(&far); ok {
		t.Error("packet with ack far outside the window accepted")
	}
	if s := tbl.Stats(); s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d", s.Hits, s.Misses)
	}
}

func TestTCPDirectionSymmetric(t *testing.T) {
	tbl := NewTable(Config{})
	syn := tcp(t, "192.168.1.10", 40000, "198.51.100.1", 443, packet.TCPSyn, 100, 0, 8192)
	if _, err := tbl.Add(&syn, keep); err != nil {
		t.Fatal(err)
	}
	synAck := tcp(t, "198.51.100.1", 443, "192.168.1.10", 40000, packet.TCPSyn|packet.TCPAck, 3000, 101, 8192)
	if _, ok := tbl.Check(&synAck); !ok {
		t.Fatal("SYN-ACK did not match the SYN's entry")
	}
	ack := tcp(t, "192.168.1.10", 40000, "198.51.100.1", 443, packet.TCPAck, 101, 3001, 8192)
	if _, ok := tbl.Check(&ack); !ok {
		t.Fatal("third handshake packet rejected")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}

	// Same addresses, different ports, is another flow.
	stray := tcp(t, "198.51.100.1", 443, "192.168.1.10", 40001, packet.TCPAck, 3001, 101, 8192)
	if _, ok := tbl.Check(&stray); ok {
		t.Error("packet of a different flow matched")
	}
}

func TestTCPCloseCountdown(t *testing.T) {
	tbl := NewTable(Config{CloseAge: 2})
	open := tcp(t, "10.0.0.1", 1025, "10.0.0.2", 80, packet.TCPAck, 100, 1, 8192)
	tbl.Add(&open, keep)

	for i := 0; i < 5; i++ {
		tbl.Expire()
	}
	if tbl.Len() != 1 {
		t.Fatal("established tcp entry expired without a close")
	}

	fin := tcp(t, "10.0.0.1", 1025, "10.0.0.2", 80, packet.TCPFin|packet.TCPAck, 100, 1, 8192)
	if _, ok := tbl.Check(&fin); !ok {
		t.Fatal("FIN rejected")
	}
	finAck := tcp(t, "10.0.0.2", 80, "10.0.0.1", 1025, packet.TCPFin|packet.TCPAck, 1, 101, 8192)
	if _, ok := tbl.Check(&finAck); !ok {
		t.Fatal("reply FIN rejected")
	}
	if s := tbl.Stats(); s.Closing != 1 {
		t.Errorf("countdown armed %d times, want 1", s.Closing)
	}
	tbl.Expire()
	tbl.Expire()
	if tbl.Len() != 0 {
		t.Error("closed entry survived its countdown")
	}
}

func TestUDPRefresh(t *testing.T) {
	tbl := NewTable(Config{UDPAge: 3})
	q := udp(t, "10.0.0.1", 5000, "10.0.0.2", 53)
	tbl.Add(&q, keep)
	tbl.Expire()
	tbl.Expire()
	r := udp(t, "10.0.0.2", 53, "10.0.0.1", 5000)
	if _, ok := tbl.Check(&r); !ok {
		t.Fatal("udp reply missed")
	}
	tbl.Expire()
	tbl.Expire()
	if tbl.Len() != 1 {
		t.Fatal("refreshed udp entry expired early")
	}
	tbl.Expire()
	if tbl.Len() != 0 {
		t.Fatal("udp entry did not expire")
	}
}

func TestICMPTracking(t *testing.T) {
	tbl := NewTable(Config{})
	req := build(t, packet.Spec{Src: addr(t, "10.0.0.1"), Dst: addr(t, "10.0.0.2"), Proto: packet.ProtoICMP,
		ICMPType: packet.ICMPEcho, ICMPID: 7, ICMPSeq: 1})
	if _, err := tbl.Add(&req, keep); err != nil {
		t.Fatal(err)
	}
	reply := build(t, packet.Spec{Src: addr(t, "10.0.0.2"), Dst: addr(t, "10.0.0.1"), Proto: packet.ProtoICMP,
		ICMPType: packet.ICMPEchoReply, ICMPID: 7, ICMPSeq: 1})
	if _, ok := tbl.Check(&reply); !ok {
		t.Fatal("echo reply missed")
	}
	wrongSeq := build(t, packet.Spec{Src: addr(t, "10.0.0.2"), Dst: addr(t, "10.0.0.1"), Proto: packet.ProtoICMP,
		ICMPType: packet.ICMPEchoReply, ICMPID: 7, ICMPSeq: 2})
	if _, ok := tbl.Check(&wrongSeq); ok {
		t.Error("reply with other sequence matched")
	}
	wrongType := build(t, packet.Spec{Src: addr(t, "10.0.0.2"), Dst: addr(t, "10.0.0.1"), Proto: packet.ProtoICMP,
		ICMPType: packet.ICMPMaskReply, ICMPID: 7, ICMPSeq: 1})
	if _, ok := tbl.Check(&wrongType); ok {
		t.Error("reply of other type matched")
	}

	unreach := build(t, packet.Spec{Src: 1, Dst: 2, Proto: packet.ProtoICMP, ICMPType: packet.ICMPUnreach})
	if _, err := tbl.Add(&unreach, keep); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Add(unreach) = %v, want ErrUnsupported", err)
	}
}

func TestAddRejections(t *testing.T) {
	tbl := NewTable(Config{Max: 1})
	gre := build(t, packet.Spec{Src: 1, Dst: 2, Proto: 47})
	if _, err := tbl.Add(&gre, keep); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Add(gre) = %v", err)
	}
	a := udp(t, "10.0.0.1", 1, "10.0.0.2", 2)
	if _, err := tbl.Add(&a, keep); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Add(&a, keep); !errors.Is(err, ErrTableFull) {
		t.Errorf("Add at capacity = %v", err)
	}
	if s := tbl.Stats(); s.Max != 1 {
		t.Errorf("overflow counter = %d", s.Max)
	}

	big := NewTable(Config{})
	big.Add(&a, keep)
	rev := udp(t, "10.0.0.2", 2, "10.0.0.1", 1)
	if _, err := big.Add(&rev, keep); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Add of reverse direction = %v, want ErrDuplicate", err)
	}
}

func TestBucketCollisions(t *testing.T) {
	tbl := NewTable(Config{Buckets: 1})
	for p := uint16(1); p <= 20; p++ {
		d := udp(t, "10.0.0.1", p, "10.0.0.2", 53)
		if _, err := tbl.Add(&d, keep); err != nil {
			t.Fatalf("Add port %d: %v", p, err)
		}
	}
	for p := uint16(1); p <= 20; p++ {
		d := udp(t, "10.0.0.2", 53, "10.0.0.1", p)
		if _, ok := tbl.Check(&d); !ok {
			t.Fatalf("chained entry for port %d not found", p)
		}
	}
	if n := tbl.Flush(); n != 20 {
		t.Errorf("Flush = %d", n)
	}
}
