package filter

import (
	"errors"
	"testing"

	"github.com/psaab/ipfrx/pkg/config"
	"github.com/psaab/ipfrx/pkg/conntrack"
	"github.com/psaab/ipfrx/pkg/ipferr"
	"github.com/psaab/ipfrx/pkg/logging"
	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

func addRules(t *testing.T, f *Filter, lines ...string) {
	t.Helper()
	for _, line := range lines {
		fr, err := config.ParseRule(line)
		if err != nil {
			t.Fatalf("ParseRule(%q): %v", line, err)
		}
		if err := f.AddRule(fr.Spec, AddOptions{Position: fr.Position}); err != nil {
			t.Fatalf("AddRule(%q): %v", line, err)
		}
	}
}

func mustText(t *testing.T, line string) packet.Text {
	t.Helper()
	txt, err := packet.ParseText(line)
	if err != nil {
		t.Fatalf("ParseText(%q): %v", line, err)
	}
	return txt
}

func check(t *testing.T, f *Filter, line string) Result {
	t.Helper()
	txt := mustText(t, line)
	return f.Check(txt.Packet, txt.Iface, txt.Dir)
}

func TestLastMatchWins(t *testing.T) {
	f := New(Options{})
	addRules(t, f,
		"block in from 10.0.0.0/8 to any",
		"pass in from 10.1.2.3/32 to any",
	)
	tests := []struct {
		line string
		pass bool
		rule int
	}{
		{"in on eth0 udp 10.1.2.3,1025 8.8.8.8,53", true, 2},
		{"in on eth0 udp 10.1.2.3,1025 192.0.2.1,53", true, 2},
		{"in on eth0 udp 10.1.2.4,1025 8.8.8.8,53", false, 1},
		{"in on eth0 udp 172.16.0.1,1025 8.8.8.8,53", true, 0},
	}
	for _, tt := range tests {
		res := check(t, f, tt.line)
		if res.Pass != tt.pass || res.Rule != tt.rule {
			t.Errorf("%s: pass=%v rule=%d, want pass=%v rule=%d", tt.line, res.Pass, res.Rule, tt.pass, tt.rule)
		}
	}
	st := f.Stats()
	if st.In.Pass != 3 || st.In.Block != 1 || st.In.NoMatch != 1 {
		t.Errorf("stats %+v", st.In)
	}
}

func TestQuickStopsScan(t *testing.T) {
	f := New(Options{})
	addRules(t, f,
		"block in quick proto tcp from any to any port = 23",
		"pass in all",
	)
	if res := check(t, f, "in on eth0 tcp 10.0.0.1,1025 10.0.0.2,23 S"); res.Pass || res.Rule != 1 {
		t.Errorf("quick block: %+v", res)
	}
	if res := check(t, f, "in on eth0 tcp 10.0.0.1,1025 10.0.0.2,22 S"); !res.Pass || res.Rule != 2 {
		t.Errorf("pass: %+v", res)
	}
}

func TestDefaultPolicy(t *testing.T) {
	f := New(Options{DefaultBlock: true})
	res := check(t, f, "out on eth0 udp 10.0.0.1,1025 10.0.0.2,53")
	if res.Pass || res.Source != SourceDefault {
		t.Errorf("default block: %+v", res)
	}
	if res.Verdict.Flags()&rules.NoMatch == 0 {
		t.Error("default verdict lacks nomatch")
	}
	if st := f.Stats(); st.Out.NoMatch != 1 || st.Out.Block != 1 {
		t.Errorf("out stats %+v", st.Out)
	}
}

func TestMalformedBuffer(t *testing.T) {
	f := New(Options{DefaultBlock: true})
	for _, pkt := range [][]byte{nil, {0x45, 0, 0}, append([]byte{0x65}, make([]byte, 19)...), append([]byte{0x4f}, make([]byte, 19)...)} {
		if res := f.Check(pkt, "eth0", packet.In); res.Pass || res.Source != SourceBad {
			t.Errorf("% x: %+v", pkt, res)
		}
	}
	if st := f.Stats(); st.In.Bad != 4 {
		t.Errorf("bad = %d", st.In.Bad)
	}
}

func TestDisabledPassesEverything(t *testing.T) {
	f := New(Options{DefaultBlock: true})
	f.SetEnabled(false)
	if f.Enabled() {
		t.Fatal("still enabled")
	}
	if res := check(t, f, "in on eth0 tcp 10.0.0.1,1025 10.0.0.2,23 S"); !res.Pass || res.Source != SourceDisabled {
		t.Errorf("disabled: %+v", res)
	}
	if st := f.Stats(); st.In != (DirStats{}) {
		t.Errorf("disabled filter counted: %+v", st.In)
	}
}

func TestStateSymmetric(t *testing.T) {
	f := New(Options{DefaultBlock: true})
	addRules(t, f, "pass out proto tcp from any to any keep state")

	if res := check(t, f, "out on eth0 tcp 10.0.0.1,1025 10.0.0.2,80 S seq=100 win=8192"); !res.Pass || res.Source != SourceRule {
		t.Fatalf("syn: %+v", res)
	}
	res := check(t, f, "in on eth0 tcp 10.0.0.2,80 10.0.0.1,1025 SA seq=5000 ack=101 win=8192")
	if !res.Pass || res.Source != SourceState {
		t.Fatalf("reply not matched by state: %+v", res)
	}
	// Unrelated inbound traffic still hits the default.
	if res := check(t, f, "in on eth0 tcp 10.0.0.2,80 10.0.0.1,1026 SA seq=5000 ack=101 win=8192"); res.Pass {
		t.Errorf("unrelated flow passed: %+v", res)
	}
	st := f.Stats()
	if st.Out.StateAdds != 1 || st.In.StateHits != 1 {
		t.Errorf("state counters out=%+v in=%+v", st.Out, st.In)
	}
}

func TestStateSkew(t *testing.T) {
	f := New(Options{DefaultBlock: true})
	addRules(t, f, "pass out proto tcp from any to any keep state")

	check(t, f, "out on eth0 tcp 10.0.0.1,1025 10.0.0.2,80 A seq=100 ack=1 win=8192")
	if res := check(t, f, "out on eth0 tcp 10.0.0.1,1025 10.0.0.2,80 A seq=105 ack=1 win=8192"); res.Source != SourceState {
		t.Errorf("in-window packet missed state: %+v", res)
	}
	e := f.StateStats().Entries
	if len(e) != 1 || e[0].Seq != 105 {
		t.Fatalf("entries %+v", e)
	}
	res := check(t, f, "out on eth0 tcp 10.0.0.1,1025 10.0.0.2,80 A seq=105 ack=50000 win=8192")
	if res.Source != SourceRule {
		t.Errorf("out-of-window packet source %v, want rule", res.Source)
	}
	// The rescan asks to keep state for a flow already tracked.
	if st := f.Stats(); st.Out.StateDup != 1 || st.Out.StateFail != 0 {
		t.Errorf("state dup/fail = %d/%d", st.Out.StateDup, st.Out.StateFail)
	}
}

func TestStateTableFull(t *testing.T) {
	f := New(Options{State: conntrack.Config{Max: 1}})
	addRules(t, f, "pass out proto udp from any to any keep state")
	check(t, f, "out on eth0 udp 10.0.0.1,1025 10.0.0.2,53")
	res := check(t, f, "out on eth0 udp 10.0.0.1,1026 10.0.0.2,53")
	if !res.Pass || res.Source != SourceRule {
		t.Errorf("full table changed the verdict: %+v", res)
	}
	if st := f.StateStats(); st.Max != 1 || st.Active != 1 {
		t.Errorf("state stats max=%d active=%d", st.Max, st.Active)
	}
	if n := f.FlushState(); n != 1 {
		t.Errorf("FlushState = %d", n)
	}
}

func TestKeepFrags(t *testing.T) {
	f := New(Options{DefaultBlock: true})
	addRules(t, f, "pass in proto udp from any to any port = 53 keep frags")

	first := "in on eth0 udp 10.0.0.1,1025 10.0.0.2,53 id=7 mf len=16"
	trailing := "in on eth0 udp 10.0.0.1 10.0.0.2 id=7 off=3 len=16"
	other := "in on eth0 udp 10.0.0.1 10.0.0.2 id=8 off=3 len=16"

	if res := check(t, f, first); !res.Pass || res.Source != SourceRule {
		t.Fatalf("first fragment: %+v", res)
	}
	if res := check(t, f, trailing); !res.Pass || res.Source != SourceFrag {
		t.Errorf("trailing fragment: %+v", res)
	}
	// Without a cached head the port rule cannot match.
	if res := check(t, f, other); res.Pass {
		t.Errorf("uncached fragment passed: %+v", res)
	}
	if fs := f.FragStats(); fs.New != 1 || fs.Hits != 1 || fs.InUse != 1 {
		t.Errorf("frag stats %+v", fs)
	}
	if st := f.Stats(); st.In.FragNew != 1 || st.In.FragHits != 1 {
		t.Errorf("frag counters %+v", st.In)
	}

	// keep frags on an unfragmented packet is counted but not cached.
	check(t, f, "in on eth0 udp 10.0.0.1,1025 10.0.0.2,53 id=9")
	if st := f.Stats(); st.In.FragNotFrag != 1 {
		t.Errorf("frag_not_frag = %d", st.In.FragNotFrag)
	}
	if n := f.FlushFrags(); n != 1 {
		t.Errorf("FlushFrags = %d", n)
	}
}

func TestAccountingDoesNotDecide(t *testing.T) {
	f := New(Options{DefaultBlock: true})
	addRules(t, f, "count in proto udp from any to any", "count out all")
	res := check(t, f, "in on eth0 udp 10.0.0.1,1025 10.0.0.2,53 len=12")
	if res.Pass || res.Source != SourceDefault {
		t.Errorf("accounting changed verdict: %+v", res)
	}
	acct := f.Rules(Selector{Dir: packet.In, Accounting: true})
	if len(acct) != 1 || acct[0].Hits != 1 || acct[0].Bytes != 40 {
		t.Errorf("accounting rules %+v", acct)
	}
	if filt := f.Rules(Selector{Dir: packet.In}); len(filt) != 0 {
		t.Errorf("count rule landed in the filter list: %+v", filt)
	}
	check(t, f, "out on eth0 icmp 10.0.0.1 10.0.0.2 echo")
	if st := f.Stats(); st.In.Acct != 1 || st.Out.Acct != 1 {
		t.Errorf("acct counters in=%d out=%d", st.In.Acct, st.Out.Acct)
	}
}

func TestNATThroughFilter(t *testing.T) {
	sink := logging.NewEventBuffer(16)
	f := New(Options{DefaultBlock: true, Sink: sink})
	n, err := config.ParseNATRule("map eth1 10.1.0.0/16 -> 203.0.113.5/32 portmap tcp 20000:20001")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.AddNAT(n); err != nil {
		t.Fatal(err)
	}
	addRules(t, f,
		"pass out on eth1 proto tcp from 10.1.0.0/16 to any",
		"pass in quick on eth1 proto tcp from any to 10.1.0.1/32 port = 1025",
	)

	out := mustText(t, "out on eth1 tcp 10.1.0.1,1025 198.51.100.9,80 S seq=1")
	res := f.Check(out.Packet, out.Iface, out.Dir)
	if !res.Pass || res.NAT != nat.Created {
		t.Fatalf("outbound: %+v", res)
	}
	d := packet.Extract(out.Packet)
	if d.Src != mustAddr(t, "203.0.113.5") || d.SrcPort != 20000 {
		t.Errorf("rewritten to %s,%d", d.Src, d.SrcPort)
	}
	if packet.IPChecksum(out.Packet) != packet.IPv4Checksum(out.Packet[:d.HeaderLen]) {
		t.Error("ip checksum not adjusted")
	}
	if packet.Uint16At(out.Packet, d.HeaderLen+16) != packet.TransportChecksum(out.Packet) {
		t.Error("tcp checksum not adjusted")
	}
	recs := sink.LatestFiltered(1, logging.EventFilter{Type: logging.TypeNATMap})
	if len(recs) != 1 || recs[0].NATAddr != "203.0.113.5,20000" || recs[0].SrcAddr != "10.1.0.1,1025" {
		t.Errorf("nat map records %+v", recs)
	}

	// The reply is translated before the rules see it.
	in := mustText(t, "in on eth1 tcp 198.51.100.9,80 203.0.113.5,20000 SA seq=9 ack=2")
	res = f.Check(in.Packet, in.Iface, in.Dir)
	if !res.Pass || res.NAT != nat.Translated || res.Rule != 1 {
		t.Errorf("inbound: %+v", res)
	}
	if d := packet.Extract(in.Packet); d.Dst != mustAddr(t, "10.1.0.1") || d.DstPort != 1025 {
		t.Errorf("reply rewritten to %s,%d", d.Dst, d.DstPort)
	}

	// The range holds one session. A second flow keeps the verdict of
	// the rule scan and leaves with its inside address.
	second := mustText(t, "out on eth1 tcp 10.1.0.2,1025 198.51.100.9,80 S seq=1")
	res = f.Check(second.Packet, second.Iface, second.Dir)
	if !res.Pass || res.Source != SourceRule || res.NAT != nat.Exhausted {
		t.Errorf("exhausted: %+v", res)
	}
	if d := packet.Extract(second.Packet); d.Src != mustAddr(t, "10.1.0.2") || d.SrcPort != 1025 {
		t.Errorf("untranslatable flow rewritten to %s,%d", d.Src, d.SrcPort)
	}
	if st := f.Stats(); st.Out.NATFail != 1 {
		t.Errorf("nat_fail = %d", st.Out.NATFail)
	}
	if ns := f.NATStats(); ns.InUse != 1 || ns.MemFail != 1 {
		t.Errorf("nat stats in_use=%d memfail=%d", ns.InUse, ns.MemFail)
	}
	if got := f.FlushNAT(false); got != 1 {
		t.Errorf("FlushNAT = %d", got)
	}
	if got := f.FlushNAT(true); got != 1 || len(f.NATRules()) != 0 {
		t.Errorf("ClearNAT = %d, rules %v", got, f.NATRules())
	}
}

func mustAddr(t *testing.T, s string) packet.Addr {
	t.Helper()
	a, err := packet.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestLogging(t *testing.T) {
	sink := logging.NewEventBuffer(16)
	f := New(Options{Sink: sink})
	addRules(t, f,
		"log in proto tcp from any to any",
		"block in log body proto tcp from any to any port = 23",
	)
	check(t, f, "in on eth0 tcp 10.0.0.1,1025 10.0.0.2,23 S")

	recs := sink.Latest(10)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	blocked, logged := recs[0], recs[1]
	if logged.Action != "log" || logged.Rule != 1 || logged.Body != nil {
		t.Errorf("log-only record %+v", logged)
	}
	if blocked.Action != "block" || blocked.Rule != 2 || blocked.TCPFlags != "S" || blocked.Dir != "in" {
		t.Errorf("block record %+v", blocked)
	}
	if len(blocked.Body) != 40 || blocked.SrcAddr != "10.0.0.1,1025" {
		t.Errorf("body %d bytes, src %q", len(blocked.Body), blocked.SrcAddr)
	}
	want := "eth0 @2 b 10.0.0.1,1025 -> 10.0.0.2,23 PR tcp len 20 40 -S IN"
	if got := logging.FormatLine(blocked); len(got) < len(want) || got[:len(want)] != want {
		t.Errorf("line %q", got)
	}

	// Log policy covers verdicts the rules do not log.
	if f.SetLogPolicy(LogNoMatch) != 0 {
		t.Error("old policy not empty")
	}
	check(t, f, "in on eth0 udp 10.0.0.1,1025 10.0.0.2,53")
	if r := sink.Latest(1)[0]; r.Action != "nomatch" || r.Protocol != "udp" {
		t.Errorf("nomatch record %+v", r)
	}
	if st := f.Stats(); st.In.Logged != 3 {
		t.Errorf("logged = %d", st.In.Logged)
	}
}

func TestLogPolicyNames(t *testing.T) {
	p, err := ParseLogPolicy([]string{"pass", "nomatch"})
	if err != nil {
		t.Fatal(err)
	}
	if p != LogPass|LogNoMatch || p.String() != "pass,nomatch" {
		t.Errorf("policy %v", p)
	}
	if _, err := ParseLogPolicy([]string{"sometimes"}); err == nil {
		t.Error("unknown policy accepted")
	}
	if LogPolicy(0).String() != "none" {
		t.Error("empty policy name")
	}
}

func TestStateAndNATRecords(t *testing.T) {
	sink := logging.NewEventBuffer(16)
	f := New(Options{Sink: sink, State: conntrack.Config{UDPAge: 1}})
	addRules(t, f, "pass out proto udp from any to any keep state")
	check(t, f, "out on eth0 udp 10.0.0.1,1025 10.0.0.2,53")

	for _, tgt := range f.Expirers() {
		tgt.Table.Expire()
	}
	adds := sink.LatestFiltered(5, logging.EventFilter{Type: logging.TypeStateAdd})
	exps := sink.LatestFiltered(5, logging.EventFilter{Type: logging.TypeStateExpire})
	if len(adds) != 1 || len(exps) != 1 {
		t.Fatalf("adds %v expires %v", adds, exps)
	}
	if exps[0].SrcAddr != "10.0.0.1,1025" || exps[0].Packets != 1 {
		t.Errorf("expire record %+v", exps[0])
	}
}

func TestRuleManagement(t *testing.T) {
	f := New(Options{})
	addRules(t, f, "block in from 10.0.0.0/8 to any", "pass in from 10.1.0.0/16 to any")

	fr, _ := config.ParseRule("block in from 10.0.0.0/8 to any")
	if err := f.AddRule(fr.Spec, AddOptions{}); !errors.Is(err, ipferr.ErrExists) {
		t.Errorf("duplicate add: %v", err)
	}
	missing, _ := config.ParseRule("pass in from 192.168.0.0/16 to any")
	if err := f.RemoveRule(missing.Spec, false); !errors.Is(err, ipferr.ErrNotFound) {
		t.Errorf("remove missing: %v", err)
	}
	if err := f.AddRule(rules.Spec{Flags: rules.Pass}, AddOptions{}); ipferr.KindOf(err) != ipferr.KindInvalid {
		t.Errorf("rule without direction: %v", err)
	}

	// @1 puts the rule first.
	addRules(t, f, "@1 pass in from 172.16.0.0/12 to any")
	got := f.Rules(Selector{Dir: packet.In})
	if len(got) != 3 || got[0].Spec.Src != mustAddr(t, "172.16.0.0") || got[2].Index != 3 {
		t.Fatalf("rules after insert %+v", got)
	}
	if err := f.RemoveRule(fr.Spec, false); err != nil {
		t.Fatal(err)
	}
	if len(f.Rules(Selector{Dir: packet.In})) != 2 {
		t.Error("rule not removed")
	}

	check(t, f, "in on eth0 udp 10.1.2.3,1025 8.8.8.8,53")
	if n := f.ZeroRuleCounters(false); n != 2 {
		t.Errorf("ZeroRuleCounters = %d", n)
	}
	for _, r := range f.Rules(Selector{Dir: packet.In}) {
		if r.Hits != 0 {
			t.Errorf("rule %d still has %d hits", r.Index, r.Hits)
		}
	}
	if n := f.Flush(rules.In|rules.Out, false); n != 2 {
		t.Errorf("Flush = %d", n)
	}
}

func TestSwapInactiveSet(t *testing.T) {
	f := New(Options{})
	addRules(t, f, "pass in all")
	fr, _ := config.ParseRule("block in all")
	if err := f.AddRule(fr.Spec, AddOptions{Inactive: true}); err != nil {
		t.Fatal(err)
	}
	pkt := "in on eth0 udp 10.0.0.1,1025 10.0.0.2,53"
	if res := check(t, f, pkt); !res.Pass {
		t.Fatal("inactive rule took effect before swap")
	}
	if id := f.Swap(); id != 1 {
		t.Errorf("active set %d after swap", id)
	}
	if res := check(t, f, pkt); res.Pass {
		t.Error("swapped-in block rule not applied")
	}
	st := f.Stats()
	if st.ActiveSet != 1 || st.Active.FilterIn != 1 || st.Inactive.FilterIn != 1 {
		t.Errorf("stats %+v", st)
	}
	if n := f.Flush(rules.In, true); n != 1 {
		t.Errorf("inactive flush = %d", n)
	}
	if res := check(t, f, pkt); res.Pass {
		t.Error("flushing the inactive set touched the active one")
	}
}

func TestZeroStatsReturnsPrevious(t *testing.T) {
	f := New(Options{})
	check(t, f, "in on eth0 udp 10.0.0.1,1025 10.0.0.2,53")
	before := f.ZeroStats()
	if before.In.Pass != 1 {
		t.Errorf("snapshot pass = %d", before.In.Pass)
	}
	if after := f.Stats(); after.In.Pass != 0 {
		t.Errorf("pass after zero = %d", after.In.Pass)
	}
}
