package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/packet"
)

// ipfCollector implements prometheus.Collector, reading the filter
// counters on each scrape.
type ipfCollector struct {
	srv *Server

	// Per-direction filter counters
	packetsTotal    *prometheus.Desc
	acctTotal       *prometheus.Desc
	badTotal        *prometheus.Desc
	loggedTotal     *prometheus.Desc
	fragTotal       *prometheus.Desc
	stateTotal      *prometheus.Desc
	natFailsTotal   *prometheus.Desc
	repliesTotal    *prometheus.Desc
	enabled         *prometheus.Desc
	activeSet       *prometheus.Desc
	rulesConfigured *prometheus.Desc

	// Rule counters
	ruleHitsTotal  *prometheus.Desc
	ruleBytesTotal *prometheus.Desc

	// State table
	stateEntries      *prometheus.Desc
	stateExpiredTotal *prometheus.Desc
	stateFullTotal    *prometheus.Desc
	stateLookupsTotal *prometheus.Desc

	// Fragment cache
	fragEntries      *prometheus.Desc
	fragExpiredTotal *prometheus.Desc

	// NAT
	natSessions      *prometheus.Desc
	natRules         *prometheus.Desc
	natMappedTotal   *prometheus.Desc
	natExpiredTotal  *prometheus.Desc
	natNoMemoryTotal *prometheus.Desc

	// Log sink and sweeper
	logRecordsTotal *prometheus.Desc
	gcSweepsTotal   *prometheus.Desc
	gcSweepDuration *prometheus.Desc
}

func newCollector(srv *Server) *ipfCollector {
	return &ipfCollector{
		srv: srv,

		packetsTotal: prometheus.NewDesc(
			"ipf_packets_total",
			"Packets by final verdict.",
			[]string{"direction", "verdict"}, nil,
		),
		acctTotal: prometheus.NewDesc(
			"ipf_accounted_packets_total",
			"Packets matched by an accounting rule.",
			[]string{"direction"}, nil,
		),
		badTotal: prometheus.NewDesc(
			"ipf_bad_packets_total",
			"Malformed or truncated packets.",
			[]string{"direction", "reason"}, nil,
		),
		loggedTotal: prometheus.NewDesc(
			"ipf_logged_packets_total",
			"Packet log records by outcome.",
			[]string{"direction", "result"}, nil,
		),
		fragTotal: prometheus.NewDesc(
			"ipf_frag_events_total",
			"Fragment cache lookups and insertions.",
			[]string{"direction", "event"}, nil,
		),
		stateTotal: prometheus.NewDesc(
			"ipf_state_events_total",
			"State table hits and insertions.",
			[]string{"direction", "event"}, nil,
		),
		natFailsTotal: prometheus.NewDesc(
			"ipf_nat_failures_total",
			"Packets blocked because no NAT session could be allocated.",
			[]string{"direction"}, nil,
		),
		repliesTotal: prometheus.NewDesc(
			"ipf_replies_total",
			"RST and ICMP replies to blocked packets.",
			[]string{"direction", "result"}, nil,
		),
		enabled: prometheus.NewDesc(
			"ipf_enabled",
			"Whether filtering is enabled.",
			nil, nil,
		),
		activeSet: prometheus.NewDesc(
			"ipf_active_set",
			"Number of the active rule set.",
			nil, nil,
		),
		rulesConfigured: prometheus.NewDesc(
			"ipf_rules",
			"Rules per set and list.",
			[]string{"set", "direction", "list"}, nil,
		),
		ruleHitsTotal: prometheus.NewDesc(
			"ipf_rule_hits_total",
			"Packets matched per active rule.",
			[]string{"direction", "list", "rule"}, nil,
		),
		ruleBytesTotal: prometheus.NewDesc(
			"ipf_rule_bytes_total",
			"Bytes counted per active accounting rule.",
			[]string{"direction", "rule"}, nil,
		),
		stateEntries: prometheus.NewDesc(
			"ipf_state_entries",
			"Current number of state table entries.",
			nil, nil,
		),
		stateExpiredTotal: prometheus.NewDesc(
			"ipf_state_expired_total",
			"State entries expired.",
			nil, nil,
		),
		stateFullTotal: prometheus.NewDesc(
			"ipf_state_table_full_total",
			"State insertions refused at capacity.",
			nil, nil,
		),
		stateLookupsTotal: prometheus.NewDesc(
			"ipf_state_lookups_total",
			"State table lookups by result.",
			[]string{"result"}, nil,
		),
		fragEntries: prometheus.NewDesc(
			"ipf_frag_entries",
			"Current number of fragment cache entries.",
			nil, nil,
		),
		fragExpiredTotal: prometheus.NewDesc(
			"ipf_frag_expired_total",
			"Fragment cache entries expired.",
			nil, nil,
		),
		natSessions: prometheus.NewDesc(
			"ipf_nat_sessions",
			"Current number of NAT sessions.",
			nil, nil,
		),
		natRules: prometheus.NewDesc(
			"ipf_nat_rules",
			"Number of NAT rules.",
			nil, nil,
		),
		natMappedTotal: prometheus.NewDesc(
			"ipf_nat_translated_total",
			"Packets translated by NAT.",
			[]string{"direction"}, nil,
		),
		natExpiredTotal: prometheus.NewDesc(
			"ipf_nat_expired_total",
			"NAT sessions expired.",
			nil, nil,
		),
		natNoMemoryTotal: prometheus.NewDesc(
			"ipf_nat_no_memory_total",
			"NAT sessions refused at capacity or with an exhausted pool.",
			nil, nil,
		),
		logRecordsTotal: prometheus.NewDesc(
			"ipf_log_records_total",
			"Records added to the log buffer.",
			nil, nil,
		),
		gcSweepsTotal: prometheus.NewDesc(
			"ipf_gc_sweeps_total",
			"Expiry sweeps completed.",
			nil, nil,
		),
		gcSweepDuration: prometheus.NewDesc(
			"ipf_gc_sweep_duration_seconds",
			"Duration of the last expiry sweep in seconds.",
			nil, nil,
		),
	}
}

func (c *ipfCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.acctTotal
	ch <- c.badTotal
	ch <- c.loggedTotal
	ch <- c.fragTotal
	ch <- c.stateTotal
	ch <- c.natFailsTotal
	ch <- c.repliesTotal
	ch <- c.enabled
	ch <- c.activeSet
	ch <- c.rulesConfigured
	ch <- c.ruleHitsTotal
	ch <- c.ruleBytesTotal
	ch <- c.stateEntries
	ch <- c.stateExpiredTotal
	ch <- c.stateFullTotal
	ch <- c.stateLookupsTotal
	ch <- c.fragEntries
	ch <- c.fragExpiredTotal
	ch <- c.natSessions
	ch <- c.natRules
	ch <- c.natMappedTotal
	ch <- c.natExpiredTotal
	ch <- c.natNoMemoryTotal
	ch <- c.logRecordsTotal
	ch <- c.gcSweepsTotal
	ch <- c.gcSweepDuration
}

func (c *ipfCollector) Collect(ch chan<- prometheus.Metric) {
	f := c.srv.filter
	if f == nil {
		return
	}

	c.collectFilterCounters(ch, f)
	c.collectRuleCounters(ch, f)
	c.collectTables(ch, f)

	if eb := c.srv.eventBuf; eb != nil {
		ch <- prometheus.MustNewConstMetric(c.logRecordsTotal, prometheus.CounterValue, float64(eb.Total()))
	}
	if gc := c.srv.gc; gc != nil {
		ch <- prometheus.MustNewConstMetric(c.gcSweepsTotal, prometheus.CounterValue, float64(gc.Sweeps()))
		ch <- prometheus.MustNewConstMetric(c.gcSweepDuration, prometheus.GaugeValue, gc.LastSweep().Seconds())
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *ipfCollector) collectFilterCounters(ch chan<- prometheus.Metric, f *filter.Filter) {
	st := f.Stats()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for _, dir := range []struct {
		name string
		s    *filter.DirStats
	}{{"in", &st.In}, {"out", &st.Out}} {
		d := dir.s
		counter(c.packetsTotal, d.Pass, dir.name, "pass")
		counter(c.packetsTotal, d.Block, dir.name, "block")
		counter(c.packetsTotal, d.NoMatch, dir.name, "nomatch")
		counter(c.acctTotal, d.Acct, dir.name)
		counter(c.badTotal, d.Bad, dir.name, "bad")
		counter(c.badTotal, d.Short, dir.name, "short")
		counter(c.loggedTotal, d.Logged, dir.name, "logged")
		counter(c.loggedTotal, d.LogFail, dir.name, "failed")
		counter(c.fragTotal, d.FragHits, dir.name, "hit")
		counter(c.fragTotal, d.FragNew, dir.name, "new")
		counter(c.fragTotal, d.FragFail, dir.name, "fail")
		counter(c.fragTotal, d.FragNotFrag, dir.name, "not_frag")
		counter(c.stateTotal, d.StateHits, dir.name, "hit")
		counter(c.stateTotal, d.StateAdds, dir.name, "add")
		counter(c.stateTotal, d.StateFail, dir.name, "fail")
		counter(c.stateTotal, d.StateDup, dir.name, "duplicate")
		counter(c.natFailsTotal, d.NATFail, dir.name)
		counter(c.repliesTotal, d.Replies, dir.name, "sent")
		counter(c.repliesTotal, d.ReplyFail, dir.name, "failed")
	}

	ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, boolGauge(st.Enabled))
	ch <- prometheus.MustNewConstMetric(c.activeSet, prometheus.GaugeValue, float64(st.ActiveSet))

	for _, set := range []struct {
		name  string
		sizes filter.ListSizes
	}{{"active", st.Active}, {"inactive", st.Inactive}} {
		gauge := func(v int, dir, list string) {
			ch <- prometheus.MustNewConstMetric(c.rulesConfigured, prometheus.GaugeValue, float64(v), set.name, dir, list)
		}
		gauge(set.sizes.FilterIn, "in", "filter")
		gauge(set.sizes.FilterOut, "out", "filter")
		gauge(set.sizes.AcctIn, "in", "accounting")
		gauge(set.sizes.AcctOut, "out", "accounting")
	}
}

func (c *ipfCollector) collectRuleCounters(ch chan<- prometheus.Metric, f *filter.Filter) {
	for _, dir := range []packet.Direction{packet.In, packet.Out} {
		for _, ri := range f.Rules(filter.Selector{Dir: dir}) {
			ch <- prometheus.MustNewConstMetric(c.ruleHitsTotal, prometheus.CounterValue,
				float64(ri.Hits), dir.String(), "filter", strconv.Itoa(ri.Index))
		}
		for _, ri := range f.Rules(filter.Selector{Dir: dir, Accounting: true}) {
			rule := strconv.Itoa(ri.Index)
			ch <- prometheus.MustNewConstMetric(c.ruleHitsTotal, prometheus.CounterValue,
				float64(ri.Hits), dir.String(), "accounting", rule)
			ch <- prometheus.MustNewConstMetric(c.ruleBytesTotal, prometheus.CounterValue,
				float64(ri.Bytes), dir.String(), rule)
		}
	}
}

func (c *ipfCollector) collectTables(ch chan<- prometheus.Metric, f *filter.Filter) {
	ss := f.StateStats()
	ch <- prometheus.MustNewConstMetric(c.stateEntries, prometheus.GaugeValue, float64(ss.Active))
	ch <- prometheus.MustNewConstMetric(c.stateExpiredTotal, prometheus.CounterValue, float64(ss.Expired))
	ch <- prometheus.MustNewConstMetric(c.stateFullTotal, prometheus.CounterValue, float64(ss.Max))
	ch <- prometheus.MustNewConstMetric(c.stateLookupsTotal, prometheus.CounterValue, float64(ss.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(c.stateLookupsTotal, prometheus.CounterValue, float64(ss.Misses), "miss")

	fs := f.FragStats()
	ch <- prometheus.MustNewConstMetric(c.fragEntries, prometheus.GaugeValue, float64(fs.InUse))
	ch <- prometheus.MustNewConstMetric(c.fragExpiredTotal, prometheus.CounterValue, float64(fs.Expired))

	ns := f.NATStats()
	ch <- prometheus.MustNewConstMetric(c.natSessions, prometheus.GaugeValue, float64(ns.InUse))
	ch <- prometheus.MustNewConstMetric(c.natRules, prometheus.GaugeValue, float64(ns.Rules))
	ch <- prometheus.MustNewConstMetric(c.natMappedTotal, prometheus.CounterValue, float64(ns.Mapped[packet.In]), "in")
	ch <- prometheus.MustNewConstMetric(c.natMappedTotal, prometheus.CounterValue, float64(ns.Mapped[packet.Out]), "out")
	ch <- prometheus.MustNewConstMetric(c.natExpiredTotal, prometheus.CounterValue, float64(ns.Expired))
	ch <- prometheus.MustNewConstMetric(c.natNoMemoryTotal, prometheus.CounterValue, float64(ns.MemFail))
}
