// Package filter is the packet filter engine. Check runs one packet
// through NAT, accounting, the fragment cache, the state table and the rule
// lists, and the control methods manage those tables at runtime.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/psaab/ipfrx/pkg/conntrack"
	"github.com/psaab/ipfrx/pkg/frag"
	"github.com/psaab/ipfrx/pkg/logging"
	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

// LogPolicy selects verdicts that are logged even when the deciding rule
// does not ask for it.
type LogPolicy uint8

const (
	LogPass LogPolicy = 1 << iota
	LogBlock
	LogNoMatch
)

var logPolicyNames = []struct {
	bit  LogPolicy
	name string
}{
	{LogPass, "pass"},
	{LogBlock, "block"},
	{LogNoMatch, "nomatch"},
}

// Names lists the enabled policy bits.
func (p LogPolicy) Names() []string {
	var out []string
	for _, n := range logPolicyNames {
		if p&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (p LogPolicy) String() string {
	if p == 0 {
		return "none"
	}
	return strings.Join(p.Names(), ",")
}

// ParseLogPolicy reads policy names such as "pass" and "nomatch".
func ParseLogPolicy(names []string) (LogPolicy, error) {
	var p LogPolicy
outer:
	for _, name := range names {
		if name == "none" {
			continue
		}
		for _, n := range logPolicyNames {
			if n.name == name {
				p |= n.bit
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown log policy %q", name)
	}
	return p, nil
}

// Responder transmits reply packets generated for blocked packets.
type Responder interface {
	Send(pkt []byte, iface string) error
}

// Options configures a Filter. Zero values select the table defaults and
// a pass default policy.
type Options struct {
	// DefaultBlock blocks packets no rule matched.
	DefaultBlock bool
	LogPolicy    LogPolicy

	State    conntrack.Config
	FragMax  int
	FragAge  int
	NAT      nat.Config
	Disabled bool

	Sink      logging.Sink
	Responder Responder
}

// Source says what decided a packet's verdict.
type Source uint8

const (
	SourceDefault Source = iota
	SourceRule
	SourceState
	SourceFrag
	SourceDisabled
	SourceBad
)

var sourceNames = [...]string{"default", "rule", "state", "frag", "disabled", "bad"}

func (s Source) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return "unknown"
}

// Result is the outcome of Check.
type Result struct {
	Pass    bool
	Verdict rules.Verdict
	Source  Source
	// Rule is the 1-based index of the deciding rule, 0 when none.
	Rule int
	NAT  nat.Outcome
	// Replied is set when a RST or ICMP error was sent.
	Replied bool
}

// ruleSet is one generation of filter and accounting lists, indexed by
// packet.Direction. A published ruleSet is never modified.
type ruleSet struct {
	filter [2][]*rules.Rule
	acct   [2][]*rules.Rule
}

func (rs *ruleSet) clone() *ruleSet {
	n := &ruleSet{}
	for dir := range 2 {
		n.filter[dir] = append([]*rules.Rule(nil), rs.filter[dir]...)
		n.acct[dir] = append([]*rules.Rule(nil), rs.acct[dir]...)
	}
	return n
}

// sets holds the active set at index 0 and the inactive one at index 1.
type sets [2]*ruleSet

// Filter is the engine instance. Check is safe for concurrent use with
// itself and with every control method.
type Filter struct {
	mu   sync.Mutex // serializes control-plane writers
	sets atomic.Pointer[sets]
	// activeID flips between 0 and 1 on every Swap.
	activeID atomic.Int32

	enabled   atomic.Bool
	logPolicy atomic.Uint32
	defFlags  rules.Flags

	frags *frag.Cache
	state *conntrack.Table
	nat   *nat.Engine

	sink      logging.Sink
	responder Responder

	counters [2]dirCounters
}

// New builds a filter with empty rule lists.
func New(opts Options) *Filter {
	f := &Filter{
		defFlags:  rules.NoMatch | rules.Pass,
		frags:     frag.New(opts.FragMax, opts.FragAge),
		state:     conntrack.NewTable(opts.State),
		nat:       nat.New(opts.NAT),
		sink:      opts.Sink,
		responder: opts.Responder,
	}
	if opts.DefaultBlock {
		f.defFlags = rules.NoMatch | rules.Block
	}
	f.sets.Store(&sets{&ruleSet{}, &ruleSet{}})
	f.enabled.Store(!opts.Disabled)
	f.logPolicy.Store(uint32(opts.LogPolicy))

	f.state.OnExpire = func(e conntrack.Entry) {
		f.emit(logging.EventRecord{
			Type:     logging.TypeStateExpire,
			Protocol: packet.ProtoName(e.Proto),
			SrcAddr:  hostPort(e.Src, e.SrcPort, e.Proto != packet.ProtoICMP),
			DstAddr:  hostPort(e.Dst, e.DstPort, e.Proto != packet.ProtoICMP),
			Packets:  e.Packets,
			Duration: e.Lifetime(),
		})
	}
	f.nat.OnExpire = func(s nat.Session) {
		rec := natRecord(logging.TypeNATExpire, s)
		rec.Packets = s.Packets
		f.emit(rec)
	}
	return f
}

// Check runs pkt, seen on iface travelling dir, through the engine and
// returns the verdict. NAT may rewrite pkt in place.
func (f *Filter) Check(pkt []byte, iface string, dir packet.Direction) Result {
	if !f.enabled.Load() {
		return Result{Pass: true, Source: SourceDisabled, Verdict: rules.NewVerdict(rules.Pass, 0)}
	}
	c := &f.counters[dir&1]
	if !wellFormed(pkt) {
		c.bad.Add(1)
		res := Result{Pass: f.defFlags&rules.Pass != 0, Source: SourceBad, Verdict: rules.NewVerdict(f.defFlags, packet.FlagShort)}
		f.count(c, res.Verdict.Flags())
		return res
	}

	d := packet.Extract(pkt)
	if d.Flags&packet.FlagShort != 0 {
		c.short.Add(1)
	}
	set := f.sets.Load()[0]
	var res Result
	var icmpCode uint8

	if dir == packet.In {
		// Rules see the inside destination of translated traffic.
		if out, _ := f.nat.Inbound(pkt, &d, iface); out == nat.Translated {
			res.NAT = out
			d = packet.Extract(pkt)
		}
		f.account(c, &d, iface, set.acct[packet.In])
	}

	pass, ok := f.frags.Lookup(&d)
	switch {
	case ok:
		res.Source = SourceFrag
		c.fragHits.Add(1)
	default:
		if pass, ok = f.state.Check(&d); ok {
			res.Source = SourceState
			c.stateHits.Add(1)
			break
		}
		sr := rules.Scan(f.defFlags, &d, iface, set.filter[dir&1], func(index int, r *rules.Rule) {
			f.logPacket(c, pkt, &d, iface, dir, index, r.Flags)
		})
		pass = sr.Verdict.Flags()
		res.Rule = sr.Index
		res.Source = SourceDefault
		if sr.Rule != nil {
			res.Source = SourceRule
		}
		icmpCode = sr.ICMPCode
		f.keep(c, &d, pass)
	}

	if dir == packet.Out {
		f.account(c, &d, iface, set.acct[packet.Out])
		if pass&rules.Pass != 0 {
			out, s := f.nat.Outbound(pkt, &d, iface)
			switch out {
			case nat.Exhausted:
				// The verdict stands; the packet leaves untranslated.
				c.natFail.Add(1)
			case nat.Created:
				f.emit(natRecord(logging.TypeNATMap, s))
			}
			res.NAT = out
		}
	}

	res.Verdict = rules.NewVerdict(pass, d.Flags)
	res.Pass = pass&rules.Pass != 0
	f.count(c, pass)

	if f.shouldLog(pass) {
		f.logPacket(c, pkt, &d, iface, dir, res.Rule, pass)
	}
	if !res.Pass && res.Source == SourceRule && pass&(rules.ReturnRST|rules.ReturnICMP) != 0 {
		res.Replied = f.reply(c, pkt, &d, iface, pass, icmpCode)
	}
	return res
}

// wellFormed reports whether pkt holds a complete IPv4 header.
func wellFormed(pkt []byte) bool {
	if len(pkt) < packet.IPv4HeaderLen || pkt[0]>>4 != 4 {
		return false
	}
	hlen := int(pkt[0]&0x0f) * 4
	return hlen >= packet.IPv4HeaderLen && hlen <= len(pkt)
}

func (f *Filter) account(c *dirCounters, d *packet.Descriptor, iface string, list []*rules.Rule) {
	if len(list) == 0 {
		return
	}
	if r := rules.Scan(0, d, iface, list, nil); r.Rule != nil {
		c.acct.Add(1)
	}
}

// keep applies the keep frags and keep state requests of a scan verdict.
func (f *Filter) keep(c *dirCounters, d *packet.Descriptor, pass rules.Flags) {
	if pass&rules.KeepFrag != 0 {
		switch {
		case d.Flags&packet.FlagFrag == 0:
			c.fragNotFrag.Add(1)
		case f.frags.Remember(d, pass):
			c.fragNew.Add(1)
		default:
			c.fragFail.Add(1)
		}
	}
	if pass&rules.KeepState == 0 {
		return
	}
	e, err := f.state.Add(d, pass)
	switch {
	case err == nil:
		c.stateAdds.Add(1)
		f.emit(logging.EventRecord{
			Type:     logging.TypeStateAdd,
			Protocol: packet.ProtoName(e.Proto),
			SrcAddr:  hostPort(e.Src, e.SrcPort, e.Proto != packet.ProtoICMP),
			DstAddr:  hostPort(e.Dst, e.DstPort, e.Proto != packet.ProtoICMP),
			Action:   e.Pass.Action(),
		})
	case errors.Is(err, conntrack.ErrTableFull):
		c.stateFail.Add(1)
		slog.Debug("state table full, flow not kept", "proto", d.Protocol, "src", d.Src, "dst", d.Dst)
	case errors.Is(err, conntrack.ErrDuplicate):
		c.stateDup.Add(1)
	default:
		c.stateFail.Add(1)
	}
}

func (f *Filter) count(c *dirCounters, pass rules.Flags) {
	if pass&rules.NoMatch != 0 {
		c.noMatch.Add(1)
	}
	if pass&rules.Pass != 0 {
		c.pass.Add(1)
	} else {
		c.block.Add(1)
	}
}

func (f *Filter) shouldLog(pass rules.Flags) bool {
	if pass&rules.Log != 0 {
		return true
	}
	p := LogPolicy(f.logPolicy.Load())
	switch {
	case pass&rules.NoMatch != 0 && p&LogNoMatch != 0:
		return true
	case pass&rules.Pass != 0 && p&LogPass != 0:
		return true
	case pass&rules.Block != 0 && p&LogBlock != 0:
		return true
	}
	return false
}

func actionOf(pass rules.Flags) string {
	if pass&rules.NoMatch != 0 {
		return "nomatch"
	}
	if pass.LogOnly() {
		return "log"
	}
	return pass.Action()
}

func (f *Filter) logPacket(c *dirCounters, pkt []byte, d *packet.Descriptor, iface string,
	dir packet.Direction, index int, pass rules.Flags) {
	if f.sink == nil {
		c.logFail.Add(1)
		return
	}
	ports := d.HasPorts && !d.Trailing()
	rec := logging.EventRecord{
		Type:     logging.TypeFilter,
		Iface:    iface,
		Dir:      dir.String(),
		Rule:     index,
		Action:   actionOf(pass),
		Protocol: packet.ProtoName(d.Protocol),
		SrcAddr:  hostPort(d.Src, d.SrcPort, ports),
		DstAddr:  hostPort(d.Dst, d.DstPort, ports),
		HLen:     d.HeaderLen,
		Len:      d.TotalLen,
		Class:    d.Flags.String(),
	}
	if d.Protocol == packet.ProtoTCP && d.HasTCP {
		rec.TCPFlags = packet.TCPFlagString(d.TCPFlags)
	}
	if pass&rules.LogBody != 0 {
		n := min(len(pkt), logging.BodyLen)
		rec.Body = append([]byte(nil), pkt[:n]...)
	}
	f.sink.Add(rec)
	c.logged.Add(1)
}

func (f *Filter) emit(rec logging.EventRecord) {
	if f.sink != nil {
		f.sink.Add(rec)
	}
}

func natRecord(typ string, s nat.Session) logging.EventRecord {
	ports := s.Proto != 0
	return logging.EventRecord{
		Type:     typ,
		Protocol: packet.ProtoName(s.Proto),
		SrcAddr:  hostPort(s.InAddr, s.InPort, ports),
		NATAddr:  hostPort(s.OutAddr, s.OutPort, ports),
		DstAddr:  hostPort(s.PeerAddr, s.PeerPort, ports),
	}
}

func hostPort(a packet.Addr, port uint16, withPort bool) string {
	if !withPort {
		return a.String()
	}
	return fmt.Sprintf("%s,%d", a, port)
}
