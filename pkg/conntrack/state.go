// Package conntrack implements the connection state table and the periodic
// sweeper that ages it together with the fragment cache and NAT sessions.
package conntrack

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

// Table defaults. Ages are in sweep ticks.
const (
	DefaultBuckets  = 257
	DefaultMax      = 2048
	DefaultUDPAge   = 120
	DefaultICMPAge  = 120
	DefaultCloseAge = 120
)

var (
	// ErrTableFull is returned by Add at capacity.
	ErrTableFull = errors.New("state table full")
	// ErrUnsupported is returned by Add for untracked protocols and ICMP types.
	ErrUnsupported = errors.New("protocol not tracked")
	// ErrDuplicate is returned by Add when the flow already has an entry.
	ErrDuplicate = errors.New("state entry exists")
)

// Config sizes the table. Zero fields select the defaults.
type Config struct {
	Buckets  int
	Max      int
	UDPAge   int
	ICMPAge  int
	CloseAge int
}

func (c Config) withDefaults() Config {
	if c.Buckets <= 0 {
		c.Buckets = DefaultBuckets
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.UDPAge <= 0 {
		c.UDPAge = DefaultUDPAge
	}
	if c.ICMPAge <= 0 {
		c.ICMPAge = DefaultICMPAge
	}
	if c.CloseAge <= 0 {
		c.CloseAge = DefaultCloseAge
	}
	return c
}

// Entry is one tracked connection. Src/Dst and the ports are oriented the
// way the opening packet travelled.
type Entry struct {
	Proto   uint8
	Src     packet.Addr
	Dst     packet.Addr
	SrcPort uint16
	DstPort uint16

	// ICMP: the request's id and sequence and the reply type expected.
	ICMPID    uint16
	ICMPSeq   uint16
	ICMPReply uint8

	// TCP: last accepted sequence, acknowledgement and window, oriented
	// the opening side's way.
	Seq    uint32
	Ack    uint32
	Window uint16

	// Age counts down once per tick; zero means the entry does not expire.
	Age int
	// Pass is the verdict returned on a hit.
	Pass    rules.Flags
	Packets uint64
	Created uint64 // monotonic seconds
}

// Lifetime is how long the entry has existed.
func (e *Entry) Lifetime() time.Duration {
	return time.Duration(monotonicSeconds()-e.Created) * time.Second
}

func (e *Entry) String() string {
	switch e.Proto {
	case packet.ProtoICMP:
		return fmt.Sprintf("icmp %s -> %s id %d seq %d age %d", e.Src, e.Dst, e.ICMPID, e.ICMPSeq, e.Age)
	default:
		return fmt.Sprintf("%s %s,%d -> %s,%d age %d", packet.ProtoName(e.Proto),
			e.Src, e.SrcPort, e.Dst, e.DstPort, e.Age)
	}
}

// Stats is a snapshot of table counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Max     uint64 // adds refused at capacity
	TCP     uint64
	UDP     uint64
	ICMP    uint64
	Closing uint64 // close countdowns armed
	Expired uint64
	Active  int
	Entries []Entry
}

// Table is the direction-independent state hash table. Buckets chain
// colliding entries.
type Table struct {
	mu      sync.Mutex
	cfg     Config
	buckets [][]*Entry
	count   int
	stats   Stats

	// OnExpire, if set, is called for each entry aged out by Expire,
	// outside the table lock.
	OnExpire func(Entry)
}

// NewTable creates an empty table.
func NewTable(cfg Config) *Table {
	cfg = cfg.withDefaults()
	return &Table{
		cfg:     cfg,
		buckets: make([][]*Entry, cfg.Buckets),
	}
}

// hash sums the fields so both directions of a flow land in one bucket.
func (t *Table) hash(d *packet.Descriptor) int {
	hv := uint32(d.Src) + uint32(d.Dst) + uint32(d.Protocol)
	switch d.Protocol {
	case packet.ProtoTCP, packet.ProtoUDP:
		hv += uint32(d.SrcPort) + uint32(d.DstPort)
	case packet.ProtoICMP:
		hv += uint32(d.ICMPID) + uint32(d.ICMPSeq)
	}
	return int(hv % uint32(len(t.buckets)))
}

// replyType maps tracked ICMP queries to their reply type.
func replyType(t uint8) (uint8, bool) {
	switch t {
	case packet.ICMPEcho:
		return packet.ICMPEchoReply, true
	case packet.ICMPTimestamp:
		return packet.ICMPTimestampReply, true
	case packet.ICMPInfoRequest:
		return packet.ICMPInfoReply, true
	case packet.ICMPMaskRequest:
		return packet.ICMPMaskReply, true
	}
	return 0, false
}

// Add creates an entry for the flow d opens, caching pass as the verdict
// for later packets. Logging bits are stripped from pass.
func (t *Table) Add(d *packet.Descriptor, pass rules.Flags) (Entry, error) {
	e := &Entry{
		Proto:   d.Protocol,
		Src:     d.Src,
		Dst:     d.Dst,
		Pass:    pass &^ rules.LogBits,
		Packets: 1,
		Created: monotonicSeconds(),
	}
	if d.Trailing() {
		return Entry{}, ErrUnsupported
	}
	switch d.Protocol {
	case packet.ProtoICMP:
		if !d.HasICMPID {
			return Entry{}, ErrUnsupported
		}
		reply, ok := replyType(d.ICMPType)
		if !ok {
			return Entry{}, ErrUnsupported
		}
		e.ICMPID, e.ICMPSeq, e.ICMPReply = d.ICMPID, d.ICMPSeq, reply
		e.Age = t.cfg.ICMPAge
	case packet.ProtoTCP:
		if !d.HasTCP {
			return Entry{}, ErrUnsupported
		}
		e.SrcPort, e.DstPort = d.SrcPort, d.DstPort
		e.Seq, e.Ack, e.Window = d.Seq, d.Ack, d.Window
	case packet.ProtoUDP:
		if !d.HasPorts {
			return Entry{}, ErrUnsupported
		}
		e.SrcPort, e.DstPort = d.SrcPort, d.DstPort
		e.Age = t.cfg.UDPAge
	default:
		return Entry{}, ErrUnsupported
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count >= t.cfg.Max {
		t.stats.Max++
		return Entry{}, ErrTableFull
	}
	hv := t.hash(d)
	for _, old := range t.buckets[hv] {
		if _, ok := old.orient(d); ok && old.sameFlow(d) {
			return Entry{}, ErrDuplicate
		}
	}
	t.buckets[hv] = append(t.buckets[hv], e)
	t.count++
	switch e.Proto {
	case packet.ProtoTCP:
		t.stats.TCP++
	case packet.ProtoUDP:
		t.stats.UDP++
	case packet.ProtoICMP:
		t.stats.ICMP++
	}
	return *e, nil
}

// orient reports whether d belongs to the entry's address and port pair and,
// if so, whether it travels the opening direction.
func (e *Entry) orient(d *packet.Descriptor) (forward bool, ok bool) {
	if e.Proto != d.Protocol {
		return false, false
	}
	ports := e.Proto == packet.ProtoTCP || e.Proto == packet.ProtoUDP
	if d.Src == e.Src && d.Dst == e.Dst &&
		(!ports || (d.SrcPort == e.SrcPort && d.DstPort == e.DstPort)) {
		return true, true
	}
	if d.Src == e.Dst && d.Dst == e.Src &&
		(!ports || (d.SrcPort == e.DstPort && d.DstPort == e.SrcPort)) {
		return false, true
	}
	return false, false
}

// sameFlow compares the ICMP identity on top of orient.
func (e *Entry) sameFlow(d *packet.Descriptor) bool {
	if e.Proto != packet.ProtoICMP {
		return true
	}
	return d.ICMPID == e.ICMPID && d.ICMPSeq == e.ICMPSeq
}

func absSkew(a, b uint32) uint32 {
	s := int32(a - b)
	if s < 0 {
		s = -s
	}
	return uint32(s)
}

// Check looks d up and returns the cached verdict on a hit.
func (t *Table) Check(d *packet.Descriptor) (rules.Flags, bool) {
	if d.Trailing() {
		return 0, false
	}
	switch d.Protocol {
	case packet.ProtoICMP:
		if !d.HasICMPID {
			return 0, false
		}
	case packet.ProtoTCP:
		if !d.HasTCP {
			return 0, false
		}
	case packet.ProtoUDP:
		if !d.HasPorts {
			return 0, false
		}
	default:
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.buckets[t.hash(d)] {
		forward, ok := e.orient(d)
		if !ok {
			continue
		}
		switch e.Proto {
		case packet.ProtoICMP:
			if !e.sameFlow(d) || d.ICMPType != e.ICMPReply {
				continue
			}
			e.Age = t.cfg.ICMPAge
		case packet.ProtoTCP:
			if !t.checkTCP(e, d, forward) {
				continue
			}
		case packet.ProtoUDP:
			e.Age = t.cfg.UDPAge
		}
		e.Packets++
		t.stats.Hits++
		return e.Pass, true
	}
	t.stats.Misses++
	return 0, false
}

// checkTCP accepts d when its sequence and acknowledgement numbers are
// within the recorded window of the stored ones, then records them.
func (t *Table) checkTCP(e *Entry, d *packet.Descriptor, forward bool) bool {
	var seqSkew, ackSkew uint32
	if forward {
		seqSkew = absSkew(d.Seq, e.Seq)
		ackSkew = absSkew(d.Ack, e.Ack)
	} else {
		seqSkew = absSkew(d.Ack, e.Seq)
		// First reply to a SYN: adopt the responder's initial sequence.
		if e.Ack == 0 {
			e.Ack = d.Seq
		}
		ackSkew = absSkew(d.Seq, e.Ack)
	}
	win := uint32(e.Window)
	if seqSkew > win || ackSkew > win {
		return false
	}
	if forward {
		e.Seq, e.Ack = d.Seq, d.Ack
	} else {
		e.Seq, e.Ack = d.Ack, d.Seq
	}
	e.Window = d.Window
	if d.TCPFlags&(packet.TCPFin|packet.TCPRst) != 0 && e.Age == 0 {
		e.Age = t.cfg.CloseAge
		t.stats.Closing++
	}
	return true
}

// Expire ages every counting entry by one tick and removes those reaching
// zero. It returns the number removed.
func (t *Table) Expire() int {
	t.mu.Lock()
	var expired []Entry
	for i, chain := range t.buckets {
		kept := chain[:0]
		for _, e := range chain {
			if e.Age > 0 {
				e.Age--
				if e.Age == 0 {
					expired = append(expired, *e)
					continue
				}
			}
			kept = append(kept, e)
		}
		clear(chain[len(kept):])
		t.buckets[i] = kept
	}
	t.count -= len(expired)
	t.stats.Expired += uint64(len(expired))
	onExpire := t.OnExpire
	t.mu.Unlock()

	if onExpire != nil {
		for _, e := range expired {
			onExpire(e)
		}
	}
	return len(expired)
}

// Flush removes every entry and returns how many there were.
func (t *Table) Flush() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.count
	for i := range t.buckets {
		t.buckets[i] = nil
	}
	t.count = 0
	return n
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Stats returns a snapshot including a copy of every entry.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Active = t.count
	s.Entries = make([]Entry, 0, t.count)
	for _, chain := range t.buckets {
		for _, e := range chain {
			s.Entries = append(s.Entries, *e)
		}
	}
	return s
}

// ZeroStats clears the counters.
func (t *Table) ZeroStats() {
	t.mu.Lock()
	t.stats = Stats{}
	t.mu.Unlock()
}
