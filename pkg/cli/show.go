package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/psaab/ipfrx/pkg/api"
	"github.com/psaab/ipfrx/pkg/cmdtree"
	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/frag"
)

func (c *CLI) handleShow(args []string) error {
	if len(args) == 0 {
		cmdtree.PrintTreeHelp("show:", cmdtree.OperationalTree, "show")
		return nil
	}

	switch args[0] {
	case "status":
		return c.showStatus()
	case "statistics":
		return c.showStatistics()
	case "rules":
		return c.showRules(args[1:])
	case "state":
		return c.showState()
	case "nat":
		return c.showNAT()
	case "fragments":
		return c.showFragments()
	case "log":
		return c.showLog(args[1:])
	case "configuration":
		return c.showText("ShowConfig", nil)
	case "history":
		return c.showHistory()
	default:
		return fmt.Errorf("show: unknown target %q", args[0])
	}
}

func (c *CLI) showStatus() error {
	var st api.StatusResponse
	if err := c.call("GetStatus", nil, &st); err != nil {
		return err
	}
	enabled := "disabled"
	if st.Enabled {
		enabled = "enabled"
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Filtering:\t%s\n", enabled)
	fmt.Fprintf(w, "Uptime:\t%s\n", st.Uptime)
	fmt.Fprintf(w, "Active rule set:\t%d\n", st.ActiveSet)
	fmt.Fprintf(w, "Log policy:\t%s\n", st.LogPolicy)
	fmt.Fprintf(w, "Filter rules:\t%d\n", st.FilterRules)
	fmt.Fprintf(w, "Accounting rules:\t%d\n", st.AcctRules)
	fmt.Fprintf(w, "State entries:\t%d\n", st.StateEntries)
	fmt.Fprintf(w, "NAT sessions:\t%d\n", st.NATSessions)
	fmt.Fprintf(w, "Fragment entries:\t%d\n", st.FragEntries)
	fmt.Fprintf(w, "Log records:\t%d\n", st.LogRecords)
	fmt.Fprintf(w, "Sweeps:\t%d\n", st.Sweeps)
	return w.Flush()
}

func writeDirStats(w io.Writer, name string, d filter.DirStats) {
	fmt.Fprintf(w, "%s packets:\tblocked %d passed %d nomatch %d counted %d short %d\n",
		name, d.Block, d.Pass, d.NoMatch, d.Acct, d.Short)
	fmt.Fprintf(w, "%s log:\tlogged %d failed %d\n", name, d.Logged, d.LogFail)
	fmt.Fprintf(w, "%s fragments:\thits %d new %d failed %d not-fragmented %d\n",
		name, d.FragHits, d.FragNew, d.FragFail, d.FragNotFrag)
	fmt.Fprintf(w, "%s state:\thits %d added %d failed %d duplicate %d\n",
		name, d.StateHits, d.StateAdds, d.StateFail, d.StateDup)
	fmt.Fprintf(w, "%s replies:\tsent %d failed %d\n", name, d.Replies, d.ReplyFail)
}

func (c *CLI) showStatistics() error {
	var st filter.Stats
	if err := c.call("GetStats", nil, &st); err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "bad packets:\tin %d out %d\n", st.In.Bad, st.Out.Bad)
	writeDirStats(w, "input", st.In)
	writeDirStats(w, "output", st.Out)
	fmt.Fprintf(w, "NAT failures:\tin %d out %d\n", st.In.NATFail, st.Out.NATFail)
	fmt.Fprintf(w, "active list:\t%d\n", st.ActiveSet)
	return w.Flush()
}

func (c *CLI) showRules(args []string) error {
	req := map[string]any{}
	for _, a := range args {
		switch a {
		case "in", "out":
			req["dir"] = a
		case "accounting":
			req["list"] = "accounting"
		case "inactive":
			req["set"] = "inactive"
		default:
			return fmt.Errorf("show rules: unexpected argument %q", a)
		}
	}
	var rl api.RuleList
	if err := c.call("ListRules", req, &rl); err != nil {
		return err
	}
	if len(rl.Rules) == 0 {
		fmt.Fprintf(c.out, "empty list for %s %s %s rules\n", rl.Set, rl.Dir, rl.List)
		return nil
	}
	for _, r := range rl.Rules {
		if rl.List == "accounting" {
			fmt.Fprintf(c.out, "%d %d @%d %s\n", r.Hits, r.Bytes, r.Index, r.Rule)
		} else {
			fmt.Fprintf(c.out, "%d @%d %s\n", r.Hits, r.Index, r.Rule)
		}
	}
	return nil
}

func (c *CLI) showState() error {
	var st api.StateSummary
	if err := c.call("GetState", nil, &st); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "IP states added:\n\t%d TCP\n\t%d UDP\n\t%d ICMP\n", st.TCP, st.UDP, st.ICMP)
	fmt.Fprintf(c.out, "\t%d hits\n\t%d misses\n\t%d maximum\n\t%d closed\n\t%d expired\n",
		st.Hits, st.Misses, st.Max, st.Closing, st.Expired)
	fmt.Fprintf(c.out, "State table: %d active\n", st.Active)
	if len(st.Entries) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Proto\tSource\tDestination\tAge\tPackets\tPass\tSeq/Ack/Win")
	for _, e := range st.Entries {
		seq := "-"
		if e.Protocol == "tcp" {
			seq = fmt.Sprintf("%d/%d/%d", e.Seq, e.Ack, e.Window)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", e.Protocol, e.Src, e.Dst, e.Age, e.Packets, e.Pass, seq)
	}
	return w.Flush()
}

func (c *CLI) showNAT() error {
	var ns api.NATSummary
	if err := c.call("GetNAT", nil, &ns); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "List of active MAP/Redirect filters:")
	for _, r := range ns.RuleUse {
		fmt.Fprintf(c.out, "%s\t# in use %d space %d\n", r.Rule, r.InUse, r.Space)
	}
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "List of active sessions:")
	for _, s := range ns.Sessions {
		kind := "MAP"
		if s.Static {
			kind = "RDR"
		}
		fmt.Fprintf(c.out, "%s %s <- -> %s [%s] %s age %d packets %d\n",
			kind, s.Inside, s.Outside, s.Peer, s.Protocol, s.Age, s.Packets)
	}
	fmt.Fprintf(c.out, "\nmapped\tin\t%d\tout\t%d\n", ns.MappedIn, ns.MappedOut)
	fmt.Fprintf(c.out, "added\t%d\texpired\t%d\n", ns.Added, ns.Expired)
	fmt.Fprintf(c.out, "no memory\t%d\tinuse\t%d\n", ns.NoMemory, ns.InUse)
	return nil
}

func (c *CLI) showFragments() error {
	var fs frag.Stats
	if err := c.call("GetFrag", nil, &fs); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "fragment state:\n\t%d new\n\t%d hits\n\t%d exists\n\t%d no memory\n\t%d expired\n\t%d in use\n",
		fs.New, fs.Hits, fs.Exists, fs.NoMem, fs.Expired, fs.InUse)
	return nil
}

func (c *CLI) showLog(args []string) error {
	req, err := parseLogArgs(args, true)
	if err != nil {
		return err
	}
	var recs []api.EventEntry
	if err := c.call("GetLog", req, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "no log records")
		return nil
	}
	for _, e := range recs {
		fmt.Fprintf(c.out, "%s %s\n", e.Time, e.Line)
	}
	return nil
}

func (c *CLI) showHistory() error {
	var hist []api.HistoryItem
	if err := c.call("ListHistory", nil, &hist); err != nil {
		return err
	}
	if len(hist) == 0 {
		fmt.Fprintln(c.out, "no committed rule sets")
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTime\tRules\tNAT\tComment")
	for _, h := range hist {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", h.Index, h.Timestamp, h.Rules, h.NAT, h.Comment)
	}
	return w.Flush()
}
