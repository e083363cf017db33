// Package rules holds the filter rule record and the ordered scan that
// matches packet descriptors against a rule list.
package rules

import (
	"sync/atomic"

	"github.com/psaab/ipfrx/pkg/packet"
)

// Flags is a rule's action and option word. A scan result carries the
// winning rule's flags.
type Flags uint32

const (
	Block      Flags = 0x00001
	Pass       Flags = 0x00002
	Out        Flags = 0x00004
	In         Flags = 0x00008
	Log        Flags = 0x00010
	LogBody    Flags = 0x00020
	ReturnRST  Flags = 0x00080
	ReturnICMP Flags = 0x00100
	NoMatch    Flags = 0x00200
	Account    Flags = 0x00400
	KeepFrag   Flags = 0x00800
	KeepState  Flags = 0x01000
	Inactive   Flags = 0x02000
	Quick      Flags = 0x04000

	// LogMask isolates the bits that decide whether a rule is log-only.
	LogMask = Log | Pass | Block
	// LogBits are stripped from verdicts cached in state entries.
	LogBits = Log | LogBody
)

// LogOnly reports whether f logs without deciding the verdict.
func (f Flags) LogOnly() bool {
	return f&LogMask == Log
}

// Action names the verdict: pass, block, log, count or nomatch.
func (f Flags) Action() string {
	switch {
	case f&Pass != 0:
		return "pass"
	case f&Block != 0:
		return "block"
	case f&Account != 0:
		return "count"
	case f&Log != 0:
		return "log"
	}
	return "nomatch"
}

// Verdict packs action flags in the low bits and the packet's
// classification flags in the top byte.
type Verdict uint32

// NewVerdict combines flags with the packet classification.
func NewVerdict(f Flags, class packet.Flags) Verdict {
	return Verdict(f&0x00ffffff) | Verdict(class)<<24
}

// Flags returns the action bits.
func (v Verdict) Flags() Flags { return Flags(v & 0x00ffffff) }

// Class returns the packet classification captured at scan time.
func (v Verdict) Class() packet.Flags { return packet.Flags(v >> 24) }

// PortOp selects a port comparison.
type PortOp uint8

const (
	PortNone PortOp = iota
	PortEq
	PortNe
	PortLt
	PortGt
	PortLe
	PortGe
	PortOutRange
	PortInRange
)

var portOpSymbols = [...]string{"", "=", "!=", "<", ">", "<=", ">=", "<>", "><"}

func (o PortOp) String() string {
	if int(o) < len(portOpSymbols) {
		return portOpSymbols[o]
	}
	return "?"
}

// IsRange reports whether the operator takes two operands.
func (o PortOp) IsRange() bool {
	return o == PortOutRange || o == PortInRange
}

// PortMatch is one port comparison. Ranges use Port as the low bound and
// High as the high bound, both inclusive.
type PortMatch struct {
	Op   PortOp
	Port uint16
	High uint16
}

// Match applies the comparison to p.
func (m PortMatch) Match(p uint16) bool {
	switch m.Op {
	case PortNone:
		return true
	case PortEq:
		return p == m.Port
	case PortNe:
		return p != m.Port
	case PortLt:
		return p < m.Port
	case PortGt:
		return p > m.Port
	case PortLe:
		return p <= m.Port
	case PortGe:
		return p >= m.Port
	case PortOutRange:
		return p < m.Port || p > m.High
	case PortInRange:
		return p >= m.Port && p <= m.High
	}
	return false
}

// Spec is the comparable configuration of a rule. Two rules are the same
// rule when their Specs are equal.
type Spec struct {
	Flags Flags
	Iface string

	Proto  uint8
	TCPUDP bool

	TOS, TOSMask uint8
	TTL, TTLMask uint8

	Src, SrcMask packet.Addr
	Dst, DstMask packet.Addr

	SrcPort PortMatch
	DstPort PortMatch

	TCPFlags, TCPFlagMask uint8

	// ICMP holds type<<8|code, compared under ICMPMask.
	ICMP, ICMPMask uint16

	Class, ClassMask packet.Flags
	Opts, OptsMask   uint32
	Sec, SecMask     uint16

	// ICMPCode is the unreachable code used by return-icmp.
	ICMPCode uint8
}

// Rule is a filter rule plus its counters.
type Rule struct {
	Spec

	hits  atomic.Uint64
	bytes atomic.Uint64
}

// New returns a rule for s with zeroed counters.
func New(s Spec) *Rule {
	return &Rule{Spec: s}
}

// Equal compares configuration, ignoring counters.
func (r *Rule) Equal(o *Rule) bool {
	return r.Spec == o.Spec
}

// Clone copies the configuration with fresh counters.
func (r *Rule) Clone() *Rule {
	return New(r.Spec)
}

// Hits returns the number of packets that matched the rule.
func (r *Rule) Hits() uint64 { return r.hits.Load() }

// Bytes returns the bytes counted by an accounting rule.
func (r *Rule) Bytes() uint64 { return r.bytes.Load() }

// ZeroCounters clears hits and bytes.
func (r *Rule) ZeroCounters() {
	r.hits.Store(0)
	r.bytes.Store(0)
}

// HasL4 reports whether the rule constrains transport header fields.
func (s *Spec) HasL4() bool {
	return s.SrcPort.Op != PortNone || s.DstPort.Op != PortNone ||
		s.TCPFlagMask != 0 || s.TCPFlags != 0 || s.ICMPMask != 0
}

// Match reports whether d, seen on iface, satisfies every constraint of
// the rule. Direction is not checked; lists are kept per direction.
func (r *Rule) Match(d *packet.Descriptor, iface string) bool {
	s := &r.Spec
	if s.Iface != "" && s.Iface != iface {
		return false
	}
	if s.Proto != 0 && d.Protocol != s.Proto {
		return false
	}
	if s.TCPUDP && d.Protocol != packet.ProtoTCP && d.Protocol != packet.ProtoUDP {
		return false
	}
	if d.TOS&s.TOSMask != s.TOS || d.TTL&s.TTLMask != s.TTL {
		return false
	}
	if d.Src&s.SrcMask != s.Src || d.Dst&s.DstMask != s.Dst {
		return false
	}
	if d.Flags&s.ClassMask != s.Class {
		return false
	}
	if d.OptMask&s.OptsMask != s.Opts || d.SecMask&s.SecMask != s.Sec {
		return false
	}
	if !s.HasL4() {
		return true
	}
	// A trailing fragment has no transport header to compare.
	if d.Trailing() {
		return false
	}
	return s.matchL4(d)
}

func (s *Spec) matchL4(d *packet.Descriptor) bool {
	if s.SrcPort.Op != PortNone || s.DstPort.Op != PortNone {
		if !d.HasPorts {
			return false
		}
		if !s.SrcPort.Match(d.SrcPort) || !s.DstPort.Match(d.DstPort) {
			return false
		}
	}
	if s.TCPFlags != 0 || s.TCPFlagMask != 0 {
		if d.Protocol != packet.ProtoTCP || !d.HasTCP {
			return false
		}
		if d.TCPFlags&s.TCPFlagMask != s.TCPFlags {
			return false
		}
	}
	if s.ICMPMask != 0 {
		if d.Protocol != packet.ProtoICMP || !d.HasICMP {
			return false
		}
		v := uint16(d.ICMPType)<<8 | uint16(d.ICMPCode)
		if v&s.ICMPMask != s.ICMP {
			return false
		}
	}
	return true
}

// Result is the outcome of a scan.
type Result struct {
	Verdict Verdict
	// Rule is the rule that decided the verdict, nil when none matched.
	Rule *Rule
	// Index is Rule's 1-based position in the list.
	Index    int
	ICMPCode uint8
}

// LogFunc receives log-only rules as they match.
type LogFunc func(index int, r *Rule)

// Scan evaluates list in order against d. The last matching rule decides
// the verdict unless an earlier matching rule is quick. pass is returned
// when nothing matches. Log-only rules count their hits and are reported to
// logf without changing the verdict.
func Scan(pass Flags, d *packet.Descriptor, iface string, list []*Rule, logf LogFunc) Result {
	res := Result{}
	verdict := pass
	for i, r := range list {
		if !r.Match(d, iface) {
			continue
		}
		r.hits.Add(1)
		if r.Flags&Account != 0 {
			r.bytes.Add(uint64(d.TotalLen))
		}
		if r.Flags.LogOnly() {
			if logf != nil {
				logf(i+1, r)
			}
			continue
		}
		verdict = r.Flags
		res.Rule = r
		res.Index = i + 1
		res.ICMPCode = r.ICMPCode
		if verdict&Quick != 0 {
			break
		}
	}
	res.Verdict = NewVerdict(verdict, d.Flags)
	return res
}
