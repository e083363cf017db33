// Package nat translates addresses and ports of packets crossing an
// interface according to map and rdr rules, keeping one live session per
// translated flow.
package nat

import (
	"fmt"
	"sync"

	"github.com/psaab/ipfrx/pkg/ipferr"
	"github.com/psaab/ipfrx/pkg/packet"
)

// Engine defaults. Ages are in sweep ticks.
const (
	DefaultAge         = 1200
	DefaultMaxSessions = 4096
)

// Kind distinguishes outbound source mapping from inbound redirection.
type Kind uint8

const (
	Map Kind = iota
	Redirect
)

func (k Kind) String() string {
	if k == Redirect {
		return "rdr"
	}
	return "map"
}

// Proto selects the transport protocols a rule applies to. Zero means any
// protocol, with addresses translated and ports left alone.
type Proto uint8

const (
	ProtoTCP Proto = 1 << iota
	ProtoUDP

	ProtoTCPUDP = ProtoTCP | ProtoUDP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoTCPUDP:
		return "tcp/udp"
	}
	return ""
}

func (p Proto) has(ipProto uint8) bool {
	switch ipProto {
	case packet.ProtoTCP:
		return p&ProtoTCP != 0
	case packet.ProtoUDP:
		return p&ProtoUDP != 0
	}
	return false
}

// ipProtos lists the IP protocol numbers p selects.
func (p Proto) ipProtos() []uint8 {
	var out []uint8
	if p&ProtoTCP != 0 {
		out = append(out, packet.ProtoTCP)
	}
	if p&ProtoUDP != 0 {
		out = append(out, packet.ProtoUDP)
	}
	return out
}

// Spec is the comparable configuration of a NAT rule.
//
// For map rules In is the inside network whose sources are rewritten into
// the Out pool, and PortMin..PortMax is the portmap range. For rdr rules
// Out is the address packets arrive for, OutPort the port they arrive on,
// and In/InPort the target they are redirected to.
type Spec struct {
	Kind    Kind
	Iface   string
	InAddr  packet.Addr
	InMask  packet.Addr
	OutAddr packet.Addr
	OutMask packet.Addr
	Proto   Proto
	PortMin uint16
	PortMax uint16
	OutPort uint16
	InPort  uint16
}

// Rule is a NAT rule with its allocation cursors.
type Rule struct {
	Spec

	nextIP   packet.Addr
	nextPort uint16
	space    uint64
	inUse    int
}

// InUse returns the number of live sessions spawned by the rule.
func (r *Rule) InUse() int { return r.inUse }

// Space returns the remaining allocations.
func (r *Rule) Space() uint64 { return r.space }

func (r *Rule) portmapped() bool {
	return r.Kind == Map && r.Proto != 0 && r.PortMin != 0
}

// pool returns the first usable outside address and the address count.
// Networks larger than two addresses skip the network and broadcast
// addresses.
func (r *Rule) pool() (packet.Addr, uint64) {
	size := uint64(^uint32(r.OutMask)) + 1
	base := r.OutAddr & r.OutMask
	if size <= 2 {
		if size == 1 {
			return r.OutAddr, 1
		}
		return base, size
	}
	return base + 1, size - 2
}

func (r *Rule) reset() {
	base, hosts := r.pool()
	r.nextIP = base
	r.nextPort = r.PortMin
	r.space = hosts
	if r.portmapped() && r.PortMax > r.PortMin {
		r.space *= uint64(r.PortMax - r.PortMin)
	}
	r.inUse = 0
}

func (s *Spec) validate() error {
	if s.Iface == "" {
		return ipferr.Errorf(ipferr.KindInvalid, "nat rule needs an interface")
	}
	if s.OutMask == 0 {
		return ipferr.Errorf(ipferr.KindInvalid, "nat rule needs an outside address")
	}
	switch s.Kind {
	case Map:
		if s.PortMin > s.PortMax {
			return ipferr.Errorf(ipferr.KindInvalid, "portmap range %d:%d is reversed", s.PortMin, s.PortMax)
		}
		if (s.PortMin != 0) != (s.Proto != 0) {
			return ipferr.Errorf(ipferr.KindInvalid, "portmap needs both a protocol and a port range")
		}
	case Redirect:
		if s.Proto == 0 {
			return ipferr.Errorf(ipferr.KindInvalid, "rdr rule needs a protocol")
		}
		if s.OutPort == 0 || s.InPort == 0 {
			return ipferr.Errorf(ipferr.KindInvalid, "rdr rule needs both ports")
		}
		if s.InMask != 0xffffffff {
			return ipferr.Errorf(ipferr.KindInvalid, "rdr target must be a single address")
		}
		if s.OutMask != 0xffffffff {
			return ipferr.Errorf(ipferr.KindInvalid, "rdr outside address must be a single address")
		}
	default:
		return ipferr.Errorf(ipferr.KindInvalid, "unknown nat kind %d", s.Kind)
	}
	return nil
}

type key struct {
	proto uint8
	addr  packet.Addr
	port  uint16
}

// Session is a live translation. Inside is the address as the internal
// host knows it, Outside its translated form and Peer the remote end.
type Session struct {
	Proto    uint8
	InAddr   packet.Addr
	InPort   uint16
	OutAddr  packet.Addr
	OutPort  uint16
	PeerAddr packet.Addr
	PeerPort uint16

	// SumDelta adjusts transport checksums, IPSumDelta the IP header
	// checksum, for an inside-to-outside rewrite.
	SumDelta   uint16
	IPSumDelta uint16

	Age     int
	Static  bool
	Packets uint64

	use  int
	rule *Rule
}

func (s *Session) String() string {
	kind := "MAP"
	if s.Static {
		kind = "RDR"
	}
	return fmt.Sprintf("%s %s %-15s %-5d <- -> %-15s %-5d [%s %d] age %d", kind,
		packet.ProtoName(s.Proto), s.InAddr, s.InPort, s.OutAddr, s.OutPort, s.PeerAddr, s.PeerPort, s.Age)
}

func (s *Session) inKey() key  { return key{s.Proto, s.InAddr, s.InPort} }
func (s *Session) outKey() key { return key{s.Proto, s.OutAddr, s.OutPort} }

// RuleOf returns the configuration of the rule that created s.
func (s *Session) RuleOf() Spec {
	if s.rule == nil {
		return Spec{}
	}
	return s.rule.Spec
}

// Stats is a snapshot of engine counters.
type Stats struct {
	// Mapped counts translations per direction: [0] inbound, [1] outbound.
	Mapped   [2]uint64
	Added    uint64
	Expired  uint64
	MemFail  uint64
	InUse    int
	Rules    int
	RuleUse  []RuleUse
	Sessions []Session
}

// RuleUse is the allocation state of one rule.
type RuleUse struct {
	Spec  Spec
	InUse int
	Space uint64
}

// Config tunes the engine. Zero fields select the defaults.
type Config struct {
	MaxSessions int
	Age         int
	// ZeroUDPChecksum clears UDP checksums of rewritten packets instead of
	// adjusting them.
	ZeroUDPChecksum bool
}

// Outcome reports what a translation call did.
type Outcome int

const (
	Untouched Outcome = iota
	Translated
	// Created is Translated with a new session.
	Created
	// Exhausted means a rule matched but no session could be allocated.
	Exhausted
)

// Engine holds the NAT rules and the session tables. Every session is
// indexed once by its inside tuple and once by its outside tuple.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	rules []*Rule
	byIn  map[key]*Session
	byOut map[key]*Session
	stats Stats

	// OnExpire, if set, is called for each session aged out by Expire,
	// outside the engine lock.
	OnExpire func(Session)
}

// New creates an engine with no rules.
func New(cfg Config) *Engine {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Age <= 0 {
		cfg.Age = DefaultAge
	}
	return &Engine{
		cfg:   cfg,
		byIn:  make(map[key]*Session),
		byOut: make(map[key]*Session),
	}
}

// sessionKey keys the flow of proto/addr/port under rule r.
func sessionKey(r *Rule, proto uint8, addr packet.Addr, port uint16, hasPorts bool) key {
	if r.Proto != 0 && r.Proto.has(proto) && hasPorts {
		return key{proto, addr, port}
	}
	return key{0, addr, 0}
}

func (e *Engine) ruleApplies(r *Rule, d *packet.Descriptor, iface string) bool {
	if r.Iface != iface {
		return false
	}
	if r.Proto != 0 && !r.Proto.has(d.Protocol) {
		return false
	}
	return true
}

// portKeyed reports whether r keys flows of proto by port but d carries
// none, as with a trailing fragment.
func portKeyed(r *Rule, d *packet.Descriptor) bool {
	return r.Proto != 0 && r.Proto.has(d.Protocol) && !d.HasPorts
}

// Outbound applies the first matching rule's translation to a packet
// leaving through iface, allocating a session for a new flow. Rules with
// no space left are passed over; Exhausted is returned only when every
// matching rule failed to allocate.
func (e *Engine) Outbound(pkt []byte, d *packet.Descriptor, iface string) (Outcome, Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exhausted := false
	for _, r := range e.rules {
		if !e.ruleApplies(r, d, iface) || d.Src&r.InMask != r.InAddr {
			continue
		}
		if portKeyed(r, d) {
			// Port-less packets follow a session of their host and never
			// allocate one.
			s := e.addrSession(e.byIn, r, d.Protocol, func(s *Session) (packet.Addr, packet.Addr) {
				return s.InAddr, s.OutAddr
			}, d.Src)
			if s == nil {
				continue
			}
			e.rewriteOut(pkt, d, s)
			e.stats.Mapped[1]++
			return Translated, *s
		}
		created := false
		s := e.byIn[sessionKey(r, d.Protocol, d.Src, d.SrcPort, d.HasPorts)]
		if s == nil {
			if r.Kind == Redirect {
				continue
			}
			if s = e.allocate(r, d); s == nil {
				exhausted = true
				continue
			}
			created = true
		}
		e.rewriteOut(pkt, d, s)
		e.stats.Mapped[1]++
		if created {
			return Created, *s
		}
		return Translated, *s
	}
	if exhausted {
		e.stats.MemFail++
		return Exhausted, Session{}
	}
	return Untouched, Session{}
}

// Inbound rewrites a packet arriving on iface for an outside address that
// a live session owns. It never creates sessions.
func (e *Engine) Inbound(pkt []byte, d *packet.Descriptor, iface string) (Outcome, Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if !e.ruleApplies(r, d, iface) || d.Dst&r.OutMask != r.OutAddr&r.OutMask {
			continue
		}
		var s *Session
		if portKeyed(r, d) {
			s = e.addrSession(e.byOut, r, d.Protocol, func(s *Session) (packet.Addr, packet.Addr) {
				return s.OutAddr, s.InAddr
			}, d.Dst)
		} else {
			s = e.byOut[sessionKey(r, d.Protocol, d.Dst, d.DstPort, d.HasPorts)]
		}
		if s == nil {
			continue
		}
		e.rewriteIn(pkt, d, s)
		e.stats.Mapped[0]++
		return Translated, *s
	}
	return Untouched, Session{}
}

// addrSession finds a session of rule r and proto whose matched address
// is addr, for packets that carry no ports. sides returns a session's
// matched and rewritten addresses. It returns nil when no session matches
// or the candidates would rewrite to different addresses.
func (e *Engine) addrSession(table map[key]*Session, r *Rule, proto uint8,
	sides func(*Session) (packet.Addr, packet.Addr), addr packet.Addr) *Session {
	var found *Session
	for _, s := range table {
		if s.rule != r || s.Proto != proto {
			continue
		}
		matched, rewritten := sides(s)
		if matched != addr {
			continue
		}
		if found != nil {
			if _, prev := sides(found); prev != rewritten {
				return nil
			}
			continue
		}
		found = s
	}
	return found
}

// allocate picks the next free outside address and port of r for the
// flow d and links a new session into both tables.
func (e *Engine) allocate(r *Rule, d *packet.Descriptor) *Session {
	if r.space == 0 || len(e.byIn) >= e.cfg.MaxSessions {
		return nil
	}
	inKey := sessionKey(r, d.Protocol, d.Src, d.SrcPort, d.HasPorts)
	portmapped := inKey.proto != 0 && r.portmapped()
	base, hosts := r.pool()
	tries := hosts
	if portmapped {
		tries *= uint64(r.PortMax-r.PortMin) + 1
	}

	var out key
	found := false
	for ; tries > 0; tries-- {
		out = key{proto: inKey.proto, addr: r.nextIP}
		advance := true
		if portmapped {
			out.port = r.nextPort
			advance = r.nextPort == r.PortMax
			if advance {
				r.nextPort = r.PortMin
			} else {
				r.nextPort++
			}
		} else if inKey.proto != 0 {
			// Address-only rule restricted to a protocol keeps the port.
			out.port = inKey.port
		}
		if advance {
			r.nextIP++
			if r.nextIP < base || r.nextIP >= base+packet.Addr(hosts) {
				r.nextIP = base
			}
		}
		if _, taken := e.byOut[out]; !taken {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	s := &Session{
		Proto:    inKey.proto,
		InAddr:   d.Src,
		InPort:   inKey.port,
		OutAddr:  out.addr,
		OutPort:  out.port,
		PeerAddr: d.Dst,
		PeerPort: d.DstPort,
		Age:      e.cfg.Age,
		rule:     r,
	}
	s.computeDeltas()
	e.link(s)
	r.space--
	return s
}

func (s *Session) computeDeltas() {
	s.IPSumDelta = packet.Delta(s.InAddr.Words(), s.OutAddr.Words())
	s.SumDelta = packet.Delta(append(s.InAddr.Words(), s.InPort), append(s.OutAddr.Words(), s.OutPort))
}

func (e *Engine) link(s *Session) {
	e.byIn[s.inKey()] = s
	e.byOut[s.outKey()] = s
	s.use = 2
	s.rule.inUse++
	e.stats.Added++
}

// unlink drops s from both tables and returns its allocation to the rule.
func (e *Engine) unlink(s *Session) {
	if e.byIn[s.inKey()] == s {
		delete(e.byIn, s.inKey())
		s.use--
	}
	if e.byOut[s.outKey()] == s {
		delete(e.byOut, s.outKey())
		s.use--
	}
	if s.rule != nil {
		s.rule.inUse--
		if !s.Static {
			s.rule.space++
		}
	}
}

func (e *Engine) touch(s *Session) {
	s.Packets++
	if !s.Static {
		s.Age = e.cfg.Age
	}
}

func (e *Engine) rewriteOut(pkt []byte, d *packet.Descriptor, s *Session) {
	e.touch(s)
	packet.SetSrcAddr(pkt, s.OutAddr)
	packet.SetIPChecksum(pkt, packet.Apply(packet.IPChecksum(pkt), s.IPSumDelta))
	delta := s.IPSumDelta
	if s.Proto != 0 && d.HasPorts {
		packet.SetSrcPort(pkt, d.HeaderLen, s.OutPort)
		delta = s.SumDelta
	}
	e.fixTransport(pkt, d, delta)
}

func (e *Engine) rewriteIn(pkt []byte, d *packet.Descriptor, s *Session) {
	e.touch(s)
	packet.SetDstAddr(pkt, s.InAddr)
	packet.SetIPChecksum(pkt, packet.Apply(packet.IPChecksum(pkt), packet.Invert(s.IPSumDelta)))
	delta := s.IPSumDelta
	if s.Proto != 0 && d.HasPorts {
		packet.SetDstPort(pkt, d.HeaderLen, s.InPort)
		delta = s.SumDelta
	}
	e.fixTransport(pkt, d, packet.Invert(delta))
}

// fixTransport applies delta to the TCP or UDP checksum when the header is
// present. A zero UDP checksum means none was sent and stays zero.
func (e *Engine) fixTransport(pkt []byte, d *packet.Descriptor, delta uint16) {
	off := packet.L4ChecksumOffset(pkt, d)
	if off < 0 {
		return
	}
	cur := packet.Uint16At(pkt, off)
	switch d.Protocol {
	case packet.ProtoTCP:
		packet.PutUint16At(pkt, off, packet.Apply(cur, delta))
	case packet.ProtoUDP:
		if cur == 0 {
			return
		}
		if e.cfg.ZeroUDPChecksum {
			packet.PutUint16At(pkt, off, 0)
			return
		}
		v := packet.Apply(cur, delta)
		if v == 0 {
			v = 0xffff
		}
		packet.PutUint16At(pkt, off, v)
	}
}

// Expire ages every dynamic session by one tick and unlinks those that run
// out. It returns the number removed.
func (e *Engine) Expire() int {
	e.mu.Lock()
	var expired []Session
	for _, s := range e.byIn {
		if s.Static {
			continue
		}
		if s.use > 0 {
			s.Age--
			if s.Age > 0 {
				continue
			}
		}
		e.unlink(s)
		expired = append(expired, *s)
	}
	e.stats.Expired += uint64(len(expired))
	onExpire := e.OnExpire
	e.mu.Unlock()

	if onExpire != nil {
		for _, s := range expired {
			onExpire(s)
		}
	}
	return len(expired)
}

// AddRule appends a rule. Redirect rules install their static sessions.
func (e *Engine) AddRule(spec Spec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.Spec == spec {
			return ipferr.Errorf(ipferr.KindExists, "nat rule already loaded")
		}
	}
	r := &Rule{Spec: spec}
	r.reset()

	if spec.Kind == Redirect {
		var statics []*Session
		for _, p := range spec.Proto.ipProtos() {
			s := &Session{
				Proto:   p,
				InAddr:  spec.InAddr,
				InPort:  spec.InPort,
				OutAddr: spec.OutAddr,
				OutPort: spec.OutPort,
				Static:  true,
				rule:    r,
			}
			if _, taken := e.byOut[s.outKey()]; taken {
				return ipferr.Errorf(ipferr.KindExists, "%s %s port %d is already mapped",
					packet.ProtoName(p), spec.OutAddr, spec.OutPort)
			}
			if _, taken := e.byIn[s.inKey()]; taken {
				return ipferr.Errorf(ipferr.KindExists, "%s %s port %d is already mapped",
					packet.ProtoName(p), spec.InAddr, spec.InPort)
			}
			s.computeDeltas()
			statics = append(statics, s)
		}
		for _, s := range statics {
			e.link(s)
		}
	}
	e.rules = append(e.rules, r)
	return nil
}

// RemoveRule deletes the rule equal to spec and every session it spawned.
func (e *Engine) RemoveRule(spec Spec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.Spec != spec {
			continue
		}
		for _, s := range e.byIn {
			if s.rule == r {
				e.unlink(s)
			}
		}
		e.rules = append(e.rules[:i], e.rules[i+1:]...)
		return nil
	}
	return ipferr.Errorf(ipferr.KindNotFound, "nat rule not loaded")
}

// FlushSessions removes every dynamic session and returns how many.
func (e *Engine) FlushSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.byIn {
		if !s.Static {
			e.unlink(s)
			n++
		}
	}
	return n
}

// ClearRules removes every rule along with all sessions and returns the
// number of rules removed.
func (e *Engine) ClearRules() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.rules)
	clear(e.byIn)
	clear(e.byOut)
	e.rules = nil
	return n
}

// Rules returns the loaded rules in order.
func (e *Engine) Rules() []Spec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Spec, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Spec
	}
	return out
}

// Stats returns a snapshot including a copy of every session.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.InUse = len(e.byIn)
	s.Rules = len(e.rules)
	s.RuleUse = make([]RuleUse, 0, len(e.rules))
	for _, r := range e.rules {
		s.RuleUse = append(s.RuleUse, RuleUse{Spec: r.Spec, InUse: r.InUse(), Space: r.Space()})
	}
	s.Sessions = make([]Session, 0, len(e.byIn))
	for _, sess := range e.byIn {
		s.Sessions = append(s.Sessions, *sess)
	}
	return s
}

// ZeroStats clears the counters.
func (e *Engine) ZeroStats() {
	e.mu.Lock()
	e.stats = Stats{}
	e.mu.Unlock()
}
