package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/psaab/ipfrx/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams log records as JSON via SSE. It takes the
// same iface, type, proto and action filters as /api/v1/log.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, func(rec logging.EventRecord) (string, string, bool) {
		data, err := json.Marshal(EventView(rec))
		if err != nil {
			return "", "", false
		}
		return rec.Type, string(data), true
	})
}

// logStreamHandler streams records formatted as ipmon lines via SSE.
// Supports ?severity= on top of the record filters.
func (s *Server) logStreamHandler(w http.ResponseWriter, r *http.Request) {
	severityFilter := 0
	if v := r.URL.Query().Get("severity"); v != "" {
		severityFilter = logging.ParseSeverity(v)
	}
	s.stream(w, r, func(rec logging.EventRecord) (string, string, bool) {
		severity := logging.RecordSeverity(rec)
		if severityFilter != 0 && severity > severityFilter {
			return "", "", false
		}
		data, err := json.Marshal(LogStreamEntry{
			Time:     rec.Time.Format(time.RFC3339),
			Severity: severityName(severity),
			Message:  logging.FormatLine(rec),
		})
		if err != nil {
			return "", "", false
		}
		return "log", string(data), true
	})
}

// stream subscribes to the event buffer and writes each matching record
// that render accepts until the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, render func(logging.EventRecord) (event, data string, ok bool)) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	ef := eventFilterFromQuery(r)

	setSSEHeaders(w)

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	var seq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			if !ef.Matches(&rec) {
				continue
			}
			event, data, ok := render(rec)
			if !ok {
				continue
			}
			seq++
			writeSSEEvent(w, fmt.Sprintf("%d", seq), event, data)
		}
	}
}

// LogStreamEntry is a log message sent via SSE.
type LogStreamEntry struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func severityName(s int) string {
	switch s {
	case logging.SyslogError:
		return "error"
	case logging.SyslogWarning:
		return "warning"
	default:
		return "info"
	}
}
