package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/ipfrx/pkg/config"
	"github.com/psaab/ipfrx/pkg/configstore"
	"github.com/psaab/ipfrx/pkg/conntrack"
	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/ipferr"
	"github.com/psaab/ipfrx/pkg/logging"
	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/packet"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch ipferr.KindOf(err) {
	case ipferr.KindExists:
		return http.StatusConflict
	case ipferr.KindNotFound:
		return http.StatusNotFound
	case ipferr.KindSyntax, ipferr.KindInvalid:
		return http.StatusBadRequest
	case ipferr.KindExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ipferr.Errorf(ipferr.KindInvalid, "invalid request body: %v", err)
	}
	return nil
}

// needFilter writes 503 when the server has no filter attached.
func (s *Server) needFilter(w http.ResponseWriter) bool {
	if s.filter == nil {
		writeError(w, http.StatusServiceUnavailable, "filter not available")
		return false
	}
	return true
}

func (s *Server) needStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "rule store not available")
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

// StatusView summarizes the filter and its helpers. eventBuf and gc may
// be nil.
func StatusView(f *filter.Filter, eventBuf *logging.EventBuffer, gc *conntrack.GC, uptime time.Duration) StatusResponse {
	st := f.Stats()
	resp := StatusResponse{
		Uptime:       uptime.Truncate(time.Second).String(),
		Enabled:      st.Enabled,
		ActiveSet:    st.ActiveSet,
		LogPolicy:    st.LogPolicy,
		FilterRules:  st.Active.FilterIn + st.Active.FilterOut,
		AcctRules:    st.Active.AcctIn + st.Active.AcctOut,
		StateEntries: f.StateStats().Active,
		NATSessions:  f.NATStats().InUse,
		FragEntries:  f.FragStats().InUse,
	}
	if eventBuf != nil {
		resp.LogRecords = eventBuf.Total()
	}
	if gc != nil {
		resp.Sweeps = gc.Sweeps()
	}
	return resp
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, StatusView(s.filter, s.eventBuf, s.gc, time.Since(s.startTime)))
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, s.filter.Stats())
}

func (s *Server) zeroStatsHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, s.filter.ZeroStats())
}

// ParseSelector reads a rule list selection: set=active|inactive,
// dir=in|out, list=filter|accounting.
func ParseSelector(set, dir, list string) (filter.Selector, error) {
	var sel filter.Selector
	switch set {
	case "", "active":
	case "inactive":
		sel.Inactive = true
	default:
		return sel, ipferr.Errorf(ipferr.KindInvalid, "unknown rule set %q", set)
	}
	switch dir {
	case "", "in":
		sel.Dir = packet.In
	case "out":
		sel.Dir = packet.Out
	default:
		return sel, ipferr.Errorf(ipferr.KindInvalid, "unknown direction %q", dir)
	}
	switch list {
	case "", "filter":
	case "accounting", "acct":
		sel.Accounting = true
	default:
		return sel, ipferr.Errorf(ipferr.KindInvalid, "unknown rule list %q", list)
	}
	return sel, nil
}

// RuleView renders one rule list.
func RuleView(sel filter.Selector, infos []filter.RuleInfo) RuleList {
	rl := RuleList{Set: "active", Dir: sel.Dir.String(), List: "filter", Rules: []RuleEntry{}}
	if sel.Inactive {
		rl.Set = "inactive"
	}
	if sel.Accounting {
		rl.List = "accounting"
	}
	for _, ri := range infos {
		rl.Rules = append(rl.Rules, RuleEntry{
			Index: ri.Index,
			Rule:  config.FormatRule(ri.Spec),
			Hits:  ri.Hits,
			Bytes: ri.Bytes,
		})
	}
	return rl
}

func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.needFilter(w) {
		return
	}
	q := r.URL.Query()
	sel, err := ParseSelector(q.Get("set"), q.Get("dir"), q.Get("list"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, RuleView(sel, s.filter.Rules(sel)))
}

func (s *Server) zeroRulesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.needFilter(w) {
		return
	}
	inactive := r.URL.Query().Get("set") == "inactive"
	writeOK(w, FlushResult{Removed: s.filter.ZeroRuleCounters(inactive)})
}

func (s *Server) swapHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, map[string]int{"active_set": s.filter.Swap()})
}

func hostPort(a packet.Addr, port uint16) string {
	return fmt.Sprintf("%s,%d", a, port)
}

// StateView renders state table counters and entries.
func StateView(st conntrack.Stats) StateSummary {
	out := StateSummary{
		Hits:    st.Hits,
		Misses:  st.Misses,
		Max:     st.Max,
		TCP:     st.TCP,
		UDP:     st.UDP,
		ICMP:    st.ICMP,
		Closing: st.Closing,
		Expired: st.Expired,
		Active:  st.Active,
		Entries: make([]StateEntry, 0, len(st.Entries)),
	}
	for _, e := range st.Entries {
		se := StateEntry{
			Protocol: packet.ProtoName(e.Proto),
			Src:      hostPort(e.Src, e.SrcPort),
			Dst:      hostPort(e.Dst, e.DstPort),
			Age:      e.Age,
			Packets:  e.Packets,
			Pass:     e.Pass.Action(),
		}
		switch e.Proto {
		case packet.ProtoICMP:
			se.Src, se.Dst = e.Src.String(), e.Dst.String()
		case packet.ProtoTCP:
			se.Seq, se.Ack, se.Window = e.Seq, e.Ack, e.Window
		}
		out.Entries = append(out.Entries, se)
	}
	return out
}

func (s *Server) stateHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, StateView(s.filter.StateStats()))
}

func (s *Server) flushStateHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, FlushResult{Removed: s.filter.FlushState()})
}

// NATView renders NAT rules, counters and sessions.
func NATView(specs []nat.Spec, st nat.Stats) NATSummary {
	out := NATSummary{
		Rules:     make([]string, 0, len(specs)),
		MappedIn:  st.Mapped[packet.In],
		MappedOut: st.Mapped[packet.Out],
		Added:     st.Added,
		Expired:   st.Expired,
		NoMemory:  st.MemFail,
		InUse:     st.InUse,
		RuleUse:   make([]NATRuleUse, 0, len(st.RuleUse)),
		Sessions:  make([]NATSession, 0, len(st.Sessions)),
	}
	for _, sp := range specs {
		out.Rules = append(out.Rules, config.FormatNAT(sp))
	}
	for _, ru := range st.RuleUse {
		out.RuleUse = append(out.RuleUse, NATRuleUse{
			Rule:  config.FormatNAT(ru.Spec),
			InUse: ru.InUse,
			Space: ru.Space,
		})
	}
	for _, ss := range st.Sessions {
		out.Sessions = append(out.Sessions, NATSession{
			Protocol: packet.ProtoName(ss.Proto),
			Inside:   hostPort(ss.InAddr, ss.InPort),
			Outside:  hostPort(ss.OutAddr, ss.OutPort),
			Peer:     hostPort(ss.PeerAddr, ss.PeerPort),
			Age:      ss.Age,
			Static:   ss.Static,
			Packets:  ss.Packets,
			Rule:     config.FormatNAT(ss.RuleOf()),
		})
	}
	return out
}

func (s *Server) natHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, NATView(s.filter.NATRules(), s.filter.NATStats()))
}

func (s *Server) flushNATHandler(w http.ResponseWriter, r *http.Request) {
	if !s.needFilter(w) {
		return
	}
	clearRules, _ := strconv.ParseBool(r.URL.Query().Get("rules"))
	writeOK(w, FlushResult{Removed: s.filter.FlushNAT(clearRules)})
}

func (s *Server) fragHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, s.filter.FragStats())
}

func (s *Server) flushFragHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	writeOK(w, FlushResult{Removed: s.filter.FlushFrags()})
}

func (s *Server) enableHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	s.filter.SetEnabled(true)
	writeOK(w, map[string]bool{"enabled": true})
}

func (s *Server) disableHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needFilter(w) {
		return
	}
	s.filter.SetEnabled(false)
	writeOK(w, map[string]bool{"enabled": false})
}

// EventView renders a log record.
func EventView(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:     rec.Time.Format(time.RFC3339),
		Type:     rec.Type,
		Iface:    rec.Iface,
		Dir:      rec.Dir,
		Rule:     rec.Rule,
		Action:   rec.Action,
		Protocol: rec.Protocol,
		SrcAddr:  rec.SrcAddr,
		DstAddr:  rec.DstAddr,
		TCPFlags: rec.TCPFlags,
		Len:      rec.Len,
		Class:    rec.Class,
		NATAddr:  rec.NATAddr,
		Packets:  rec.Packets,
		Line:     logging.FormatLine(rec),
	}
}

func eventFilterFromQuery(r *http.Request) logging.EventFilter {
	q := r.URL.Query()
	return logging.EventFilter{
		Iface:    q.Get("iface"),
		Type:     q.Get("type"),
		Protocol: q.Get("proto"),
		Action:   q.Get("action"),
	}
}

func (s *Server) logHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = p
	}
	recs := s.eventBuf.LatestFiltered(n, eventFilterFromQuery(r))
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, EventView(rec))
	}
	writeOK(w, out)
}

func (s *Server) configEnterHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needStore(w) {
		return
	}
	if err := s.store.EnterConfigure(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) configExitHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needStore(w) {
		return
	}
	s.store.ExitConfigure()
	writeOK(w, nil)
}

func (s *Server) configStatusHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needStore(w) {
		return
	}
	writeOK(w, ConfigStatus{ConfigMode: s.store.InConfigMode(), Dirty: s.store.IsDirty()})
}

func (s *Server) configAddHandler(w http.ResponseWriter, r *http.Request) {
	s.configEdit(w, r, s.store.AddRule, s.store.AddNAT)
}

func (s *Server) configDeleteHandler(w http.ResponseWriter, r *http.Request) {
	s.configEdit(w, r, s.store.DeleteRule, s.store.DeleteNAT)
}

func (s *Server) configEdit(w http.ResponseWriter, r *http.Request, ruleFn, natFn func(string) error) {
	if !s.needStore(w) {
		return
	}
	var req RuleRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	fn := ruleFn
	if req.NAT {
		fn = natFn
	}
	if err := fn(req.Rule); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) configLoadHandler(w http.ResponseWriter, r *http.Request) {
	if !s.needStore(w) {
		return
	}
	var req LoadRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.Replace(req.Rules, req.NAT); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) configCommitHandler(w http.ResponseWriter, r *http.Request) {
	if !s.needStore(w) {
		return
	}
	var req CommitRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}
	if err := s.store.Commit(req.Comment); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) configCommitCheckHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needStore(w) {
		return
	}
	if err := s.store.CommitCheck(); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, TextOutput{Output: "configuration check succeeds"})
}

func (s *Server) configRollbackHandler(w http.ResponseWriter, r *http.Request) {
	if !s.needStore(w) {
		return
	}
	var req RollbackRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.Rollback(req.N); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) configShowHandler(w http.ResponseWriter, r *http.Request) {
	if !s.needStore(w) {
		return
	}
	out := s.store.ShowActive()
	if r.URL.Query().Get("target") == "candidate" {
		if !s.store.InConfigMode() {
			writeError(w, http.StatusConflict, "not in configuration mode")
			return
		}
		out = s.store.ShowCandidate()
	}
	writeOK(w, TextOutput{Output: out})
}

func (s *Server) configCompareHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needStore(w) {
		return
	}
	writeOK(w, TextOutput{Output: s.store.ShowCompare()})
}

// HistoryView lists committed rule sets, newest first.
func HistoryView(entries []*configstore.HistoryEntry) []HistoryItem {
	out := make([]HistoryItem, 0, len(entries))
	for i, e := range entries {
		out = append(out, HistoryItem{
			Index:     i,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Comment:   e.Comment,
			Rules:     len(e.Doc.Rules),
			NAT:       len(e.Doc.NAT),
		})
	}
	return out
}

func (s *Server) configHistoryHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.needStore(w) {
		return
	}
	writeOK(w, HistoryView(s.store.History()))
}
