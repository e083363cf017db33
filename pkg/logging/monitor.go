package logging

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// EventCallback is called for each record handled by a Monitor.
type EventCallback func(rec EventRecord, line string)

// Monitor follows an EventBuffer and writes every record as an ipmon line
// to its senders.
type Monitor struct {
	buffer *EventBuffer

	sendersMu sync.RWMutex
	senders   []Sender

	callbackMu sync.RWMutex
	callbacks  []EventCallback
}

// NewMonitor creates a monitor over buffer.
func NewMonitor(buffer *EventBuffer) *Monitor {
	return &Monitor{buffer: buffer}
}

// AddCallback registers a callback that will be invoked for every record.
func (m *Monitor) AddCallback(cb EventCallback) {
	m.callbackMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.callbackMu.Unlock()
}

// ReplaceSenders atomically swaps the outputs and closes the old ones.
func (m *Monitor) ReplaceSenders(senders []Sender) {
	m.sendersMu.Lock()
	old := m.senders
	m.senders = senders
	m.sendersMu.Unlock()
	for _, s := range old {
		s.Close()
	}
}

// Senders returns the current outputs.
func (m *Monitor) Senders() []Sender {
	m.sendersMu.RLock()
	defer m.sendersMu.RUnlock()
	return m.senders
}

// Forward sends a pre-formatted message to every output that accepts its
// severity.
func (m *Monitor) Forward(severity int, msg string) {
	for _, s := range m.Senders() {
		if !s.ShouldSend(severity) {
			continue
		}
		if err := s.Send(severity, msg); err != nil {
			slog.Debug("log send failed", "err", err)
		}
	}
}

// Run follows the buffer until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.buffer == nil {
		slog.Warn("event buffer is nil, monitor not starting")
		return
	}
	sub := m.buffer.Subscribe(1024)
	defer sub.Close()

	slog.Info("packet log monitor started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("packet log monitor stopped")
			return
		case rec := <-sub.C:
			m.handle(rec)
		}
	}
}

func (m *Monitor) handle(rec EventRecord) {
	line := FormatLine(rec)
	sev := RecordSeverity(rec)
	for _, s := range m.Senders() {
		var err error
		if rw, ok := s.(RecordWriter); ok {
			err = rw.WriteRecord(rec, line)
		} else if s.ShouldSend(sev) {
			err = s.Send(sev, line)
		}
		if err != nil {
			slog.Debug("log send failed", "err", err)
		}
	}

	m.callbackMu.RLock()
	cbs := m.callbacks
	m.callbackMu.RUnlock()
	for _, cb := range cbs {
		cb(rec, line)
	}
}

// RecordSeverity maps a record to a syslog severity. Blocked packets are
// warnings, everything else is informational.
func RecordSeverity(rec EventRecord) int {
	if rec.Type == TypeFilter && rec.Action == "block" {
		return SyslogWarning
	}
	return SyslogInfo
}

func actionLetter(action string) string {
	switch action {
	case "pass":
		return "p"
	case "block":
		return "b"
	case "log":
		return "L"
	case "count":
		return "c"
	}
	return "n"
}

// FormatLine renders rec the way ipmon prints it, e.g.
//
//	eth0 @3 b 10.1.2.4,1025 -> 8.8.8.8,53 PR udp len 20 40 IN
func FormatLine(rec EventRecord) string {
	var b strings.Builder
	switch rec.Type {
	case TypeStateAdd:
		fmt.Fprintf(&b, "STATE:NEW %s -> %s PR %s", rec.SrcAddr, rec.DstAddr, rec.Protocol)
	case TypeStateExpire:
		fmt.Fprintf(&b, "STATE:EXPIRED %s -> %s PR %s Pkts %d", rec.SrcAddr, rec.DstAddr, rec.Protocol, rec.Packets)
	case TypeNATMap:
		fmt.Fprintf(&b, "@NAT:MAP %s %s <- -> %s [%s]", rec.Protocol, rec.SrcAddr, rec.NATAddr, rec.DstAddr)
	case TypeNATExpire:
		fmt.Fprintf(&b, "@NAT:EXPIRE %s %s <- -> %s [%s] Pkts %d", rec.Protocol, rec.SrcAddr, rec.NATAddr, rec.DstAddr, rec.Packets)
	default:
		iface := rec.Iface
		if iface == "" {
			iface = "-"
		}
		fmt.Fprintf(&b, "%s @%d %s %s -> %s PR %s len %d %d", iface, rec.Rule, actionLetter(rec.Action),
			rec.SrcAddr, rec.DstAddr, rec.Protocol, rec.HLen, rec.Len)
		if rec.TCPFlags != "" {
			b.WriteString(" -" + rec.TCPFlags)
		}
		if rec.Class != "" {
			b.WriteString(" " + rec.Class)
		}
		b.WriteString(" " + strings.ToUpper(rec.Dir))
		if len(rec.Body) > 0 {
			b.WriteString(" body " + hex.EncodeToString(rec.Body))
		}
	}
	return b.String()
}
