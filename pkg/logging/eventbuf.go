// Package logging carries packet log records from the filter to the
// in-memory ring buffer, the ipmon-style formatter and the syslog and local
// file outputs.
package logging

import (
	"strings"
	"sync"
	"time"
)

// Record types.
const (
	TypeFilter      = "FILTER"
	TypeStateAdd    = "STATE_ADD"
	TypeStateExpire = "STATE_EXPIRE"
	TypeNATMap      = "NAT_MAP"
	TypeNATExpire   = "NAT_EXPIRE"
)

// BodyLen is the number of packet bytes captured by rules that log body.
const BodyLen = 128

// EventRecord is one packet log record.
type EventRecord struct {
	Time     time.Time
	Type     string // TypeFilter, TypeStateAdd, ...
	Iface    string
	Dir      string // "in" or "out"
	Rule     int    // 1-based index of the deciding rule, 0 when none
	Action   string // "pass", "block", "nomatch", "log", "count"
	Protocol string // "tcp", "udp", "icmp" or a number
	SrcAddr  string // "10.0.1.5,443"
	DstAddr  string
	TCPFlags string // "SA"
	HLen     int
	Len      int
	Class    string // "short,frag,opts"
	NATAddr  string // translated address for NAT records
	Packets  uint64 // packets seen by an expired entry
	// Duration is the lifetime of an expired state entry.
	Duration time.Duration
	Body     []byte
}

// Sink accepts log records.
type Sink interface {
	Add(rec EventRecord)
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int // number of events stored
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Total returns the number of events ever added.
func (eb *EventBuffer) Total() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	if _, ok := eb.subs[sub]; ok {
		delete(eb.subs, sub)
		close(sub.C)
	}
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Iface    string // exact interface name
	Type     string // exact record type
	Protocol string // case-insensitive substring match on Protocol
	Action   string // case-insensitive substring match on Action
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Iface == "" && f.Type == "" && f.Protocol == "" && f.Action == ""
}

// Matches reports whether rec satisfies every set criterion.
func (f EventFilter) Matches(rec *EventRecord) bool {
	if f.Iface != "" && rec.Iface != f.Iface {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.Protocol != "" && !strings.Contains(strings.ToLower(rec.Protocol), strings.ToLower(f.Protocol)) {
		return false
	}
	if f.Action != "" && !strings.Contains(strings.ToLower(rec.Action), strings.ToLower(f.Action)) {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}
