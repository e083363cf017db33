package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SyslogSlogHandler is an slog.Handler that forwards daemon log records to
// a set of Senders in addition to a wrapped base handler (typically stderr).
// Clones made by WithAttrs and WithGroup share the sender set.
type SyslogSlogHandler struct {
	base   slog.Handler
	out    *senderSet
	attrs  []slog.Attr
	groups []string
}

type senderSet struct {
	mu      sync.RWMutex
	senders []Sender
}

func (s *senderSet) get() []Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.senders
}

// NewSyslogSlogHandler wraps a base slog.Handler with syslog forwarding.
func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base, out: &senderSet{}}
}

// SetSenders replaces the outputs. Old outputs are closed.
func (h *SyslogSlogHandler) SetSenders(senders []Sender) {
	h.out.mu.Lock()
	old := h.out.senders
	h.out.senders = senders
	h.out.mu.Unlock()

	for _, s := range old {
		s.Close()
	}
}

// Close closes all outputs.
func (h *SyslogSlogHandler) Close() {
	h.SetSenders(nil)
}

// Enabled implements slog.Handler.
func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	senders := h.out.get()
	if len(senders) == 0 {
		return err
	}
	severity := slogLevelToSyslog(r.Level)
	msg := formatRecord(r, h.attrs, h.groups)
	for _, s := range senders {
		if s.ShouldSend(severity) {
			s.Send(severity, msg)
		}
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithAttrs(attrs),
		out:    h.out,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithGroup(name),
		out:    h.out,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	default:
		return SyslogInfo
	}
}

// formatRecord produces "msg key=value ..." with group-qualified keys.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)

	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}

	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value.String())
		return true
	})

	return b.String()
}
