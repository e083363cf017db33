// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime       string `json:"uptime"`
	Enabled      bool   `json:"enabled"`
	ActiveSet    int    `json:"active_set"`
	LogPolicy    string `json:"log_policy"`
	FilterRules  int    `json:"filter_rules"`
	AcctRules    int    `json:"accounting_rules"`
	StateEntries int    `json:"state_entries"`
	NATSessions  int    `json:"nat_sessions"`
	FragEntries  int    `json:"frag_entries"`
	LogRecords   uint64 `json:"log_records"`
	Sweeps       uint64 `json:"sweeps"`
}

// RuleEntry is one rule of a list with its counters.
type RuleEntry struct {
	Index int    `json:"index"`
	Rule  string `json:"rule"`
	Hits  uint64 `json:"hits"`
	Bytes uint64 `json:"bytes"`
}

// RuleList is a rule list and where it came from.
type RuleList struct {
	Set   string      `json:"set"` // "active" or "inactive"
	Dir   string      `json:"direction"`
	List  string      `json:"list"` // "filter" or "accounting"
	Rules []RuleEntry `json:"rules"`
}

// StateEntry is a state table entry.
type StateEntry struct {
	Protocol string `json:"protocol"`
	Src      string `json:"src"`
	Dst      string `json:"dst"`
	Age      int    `json:"age"`
	Packets  uint64 `json:"packets"`
	Pass     string `json:"pass"`
	Seq      uint32 `json:"seq,omitempty"`
	Ack      uint32 `json:"ack,omitempty"`
	Window   uint16 `json:"window,omitempty"`
}

// StateSummary holds state table counters and entries.
type StateSummary struct {
	Hits    uint64       `json:"hits"`
	Misses  uint64       `json:"misses"`
	Max     uint64       `json:"max_refused"`
	TCP     uint64       `json:"tcp"`
	UDP     uint64       `json:"udp"`
	ICMP    uint64       `json:"icmp"`
	Closing uint64       `json:"closing"`
	Expired uint64       `json:"expired"`
	Active  int          `json:"active"`
	Entries []StateEntry `json:"entries"`
}

// NATSession is a live NAT session.
type NATSession struct {
	Protocol string `json:"protocol"`
	Inside   string `json:"inside"`
	Outside  string `json:"outside"`
	Peer     string `json:"peer"`
	Age      int    `json:"age"`
	Static   bool   `json:"static"`
	Packets  uint64 `json:"packets"`
	Rule     string `json:"rule"`
}

// NATSummary holds NAT rules, counters and sessions.
type NATSummary struct {
	Rules     []string     `json:"rules"`
	MappedIn  uint64       `json:"mapped_in"`
	MappedOut uint64       `json:"mapped_out"`
	Added     uint64       `json:"added"`
	Expired   uint64       `json:"expired"`
	NoMemory  uint64       `json:"no_memory"`
	InUse     int          `json:"in_use"`
	RuleUse   []NATRuleUse `json:"rule_use"`
	Sessions  []NATSession `json:"sessions"`
}

// NATRuleUse is the live session count and remaining space of a rule.
type NATRuleUse struct {
	Rule  string `json:"rule"`
	InUse int    `json:"in_use"`
	Space uint64 `json:"space"`
}

// FlushResult reports how many entries an operation removed.
type FlushResult struct {
	Removed int `json:"removed"`
}

// EventEntry is a log record in JSON form.
type EventEntry struct {
	Time     string `json:"time"`
	Type     string `json:"type"`
	Iface    string `json:"iface,omitempty"`
	Dir      string `json:"direction,omitempty"`
	Rule     int    `json:"rule,omitempty"`
	Action   string `json:"action,omitempty"`
	Protocol string `json:"protocol"`
	SrcAddr  string `json:"src_addr"`
	DstAddr  string `json:"dst_addr"`
	TCPFlags string `json:"tcp_flags,omitempty"`
	Len      int    `json:"len,omitempty"`
	Class    string `json:"class,omitempty"`
	NATAddr  string `json:"nat_addr,omitempty"`
	Packets  uint64 `json:"packets,omitempty"`
	Line     string `json:"line"`
}

// ConfigStatus reports the configuration editing state.
type ConfigStatus struct {
	ConfigMode bool `json:"config_mode"`
	Dirty      bool `json:"dirty"`
}

// HistoryItem is one committed rule set.
type HistoryItem struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment,omitempty"`
	Rules     int    `json:"rules"`
	NAT       int    `json:"nat"`
}

// TextOutput carries preformatted text.
type TextOutput struct {
	Output string `json:"output"`
}

// RuleRequest carries one rule line for add and delete.
type RuleRequest struct {
	Rule string `json:"rule"`
	// NAT selects the NAT rule file.
	NAT bool `json:"nat,omitempty"`
}

// LoadRequest replaces the candidate with whole files.
type LoadRequest struct {
	Rules string `json:"rules"`
	NAT   string `json:"nat"`
}

// CommitRequest commits the candidate.
type CommitRequest struct {
	Comment string `json:"comment,omitempty"`
}

// RollbackRequest reverts the candidate.
type RollbackRequest struct {
	N int `json:"n"`
}
