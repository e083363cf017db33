package filter

import (
	"slices"

	"github.com/psaab/ipfrx/pkg/conntrack"
	"github.com/psaab/ipfrx/pkg/frag"
	"github.com/psaab/ipfrx/pkg/ipferr"
	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

// AddOptions places a new rule.
type AddOptions struct {
	// Inactive targets the inactive set.
	Inactive bool
	// Position inserts the rule as the Nth of its list when non-zero.
	// Positions past the end append.
	Position int
}

// Selector picks one rule list.
type Selector struct {
	Inactive   bool
	Dir        packet.Direction
	Accounting bool
}

// RuleInfo is a rule and its counters at snapshot time.
type RuleInfo struct {
	Index int
	Spec  rules.Spec
	Hits  uint64
	Bytes uint64
}

func setIndex(inactive bool) int {
	if inactive {
		return 1
	}
	return 0
}

func ruleDir(s *rules.Spec) (packet.Direction, error) {
	in, out := s.Flags&rules.In != 0, s.Flags&rules.Out != 0
	switch {
	case in && !out:
		return packet.In, nil
	case out && !in:
		return packet.Out, nil
	}
	return 0, ipferr.Errorf(ipferr.KindInvalid, "rule must apply to exactly one of in or out")
}

// list returns a pointer to the list in rs the spec belongs to.
func (rs *ruleSet) list(s *rules.Spec, dir packet.Direction) *[]*rules.Rule {
	if s.Flags&rules.Account != 0 && s.Flags&(rules.Pass|rules.Block) == 0 {
		return &rs.acct[dir]
	}
	return &rs.filter[dir]
}

// update copies set idx, hands the copy to fn and publishes it when fn
// succeeds. Packets in flight keep the generation they loaded.
func (f *Filter) update(idx int, fn func(rs *ruleSet) error) error {
	cur := f.sets.Load()
	next := *cur
	next[idx] = cur[idx].clone()
	if err := fn(next[idx]); err != nil {
		return err
	}
	f.sets.Store(&next)
	return nil
}

// AddRule adds spec to the filter or accounting list of its direction.
// Adding a rule equal to one already in the list fails with KindExists.
func (f *Filter) AddRule(spec rules.Spec, opts AddOptions) error {
	dir, err := ruleDir(&spec)
	if err != nil {
		return err
	}
	if opts.Position < 0 {
		return ipferr.Errorf(ipferr.KindInvalid, "invalid rule position %d", opts.Position)
	}
	spec.Flags &^= rules.Inactive

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.update(setIndex(opts.Inactive), func(rs *ruleSet) error {
		l := rs.list(&spec, dir)
		for _, r := range *l {
			if r.Spec == spec {
				return ipferr.Errorf(ipferr.KindExists, "rule already exists")
			}
		}
		r := rules.New(spec)
		if opts.Position == 0 || opts.Position > len(*l) {
			*l = append(*l, r)
		} else {
			*l = slices.Insert(*l, opts.Position-1, r)
		}
		return nil
	})
}

// RemoveRule deletes the rule equal to spec.
func (f *Filter) RemoveRule(spec rules.Spec, inactive bool) error {
	dir, err := ruleDir(&spec)
	if err != nil {
		return err
	}
	spec.Flags &^= rules.Inactive

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.update(setIndex(inactive), func(rs *ruleSet) error {
		l := rs.list(&spec, dir)
		for i, r := range *l {
			if r.Spec == spec {
				*l = slices.Delete(*l, i, i+1)
				return nil
			}
		}
		return ipferr.Errorf(ipferr.KindNotFound, "no matching rule")
	})
}

// Swap exchanges the active and inactive sets and returns the number of
// the set now active.
func (f *Filter) Swap() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.sets.Load()
	f.sets.Store(&sets{cur[1], cur[0]})
	id := f.activeID.Load() ^ 1
	f.activeID.Store(id)
	return int(id)
}

// Flush empties the filter and accounting lists of the directions in mask
// (rules.In, rules.Out or both) and returns how many rules were removed.
func (f *Filter) Flush(mask rules.Flags, inactive bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	_ = f.update(setIndex(inactive), func(rs *ruleSet) error {
		for _, d := range []struct {
			bit rules.Flags
			dir packet.Direction
		}{{rules.In, packet.In}, {rules.Out, packet.Out}} {
			if mask&d.bit == 0 {
				continue
			}
			n += len(rs.filter[d.dir]) + len(rs.acct[d.dir])
			rs.filter[d.dir] = nil
			rs.acct[d.dir] = nil
		}
		return nil
	})
	return n
}

// Rules lists the rules of one list in evaluation order.
func (f *Filter) Rules(sel Selector) []RuleInfo {
	rs := f.sets.Load()[setIndex(sel.Inactive)]
	list := rs.filter[sel.Dir&1]
	if sel.Accounting {
		list = rs.acct[sel.Dir&1]
	}
	out := make([]RuleInfo, len(list))
	for i, r := range list {
		out[i] = RuleInfo{Index: i + 1, Spec: r.Spec, Hits: r.Hits(), Bytes: r.Bytes()}
	}
	return out
}

// ZeroRuleCounters clears hit and byte counts of every rule in a set and
// returns how many rules it touched.
func (f *Filter) ZeroRuleCounters(inactive bool) int {
	rs := f.sets.Load()[setIndex(inactive)]
	n := 0
	for dir := range 2 {
		for _, l := range [][]*rules.Rule{rs.filter[dir], rs.acct[dir]} {
			for _, r := range l {
				r.ZeroCounters()
				n++
			}
		}
	}
	return n
}

// SetEnabled turns filtering on or off. A disabled filter passes every
// packet untouched.
func (f *Filter) SetEnabled(on bool) { f.enabled.Store(on) }

// Enabled reports whether filtering is on.
func (f *Filter) Enabled() bool { return f.enabled.Load() }

// SetLogPolicy replaces the global log policy and returns the old one.
func (f *Filter) SetLogPolicy(p LogPolicy) LogPolicy {
	return LogPolicy(f.logPolicy.Swap(uint32(p)))
}

// LogPolicy returns the global log policy.
func (f *Filter) LogPolicy() LogPolicy { return LogPolicy(f.logPolicy.Load()) }

// Stats returns the per-direction counters and list sizes.
func (f *Filter) Stats() Stats {
	return f.stats(false)
}

// ZeroStats clears the per-direction counters and returns their values
// from just before.
func (f *Filter) ZeroStats() Stats {
	return f.stats(true)
}

func (f *Filter) stats(zero bool) Stats {
	cur := f.sets.Load()
	s := Stats{
		Enabled:   f.Enabled(),
		ActiveSet: int(f.activeID.Load()),
		LogPolicy: f.LogPolicy().String(),
		Active:    cur[0].sizes(),
		Inactive:  cur[1].sizes(),
	}
	if zero {
		s.In, s.Out = f.counters[packet.In].swap(), f.counters[packet.Out].swap()
	} else {
		s.In, s.Out = f.counters[packet.In].snapshot(), f.counters[packet.Out].snapshot()
	}
	return s
}

// AddNAT installs a map or rdr rule.
func (f *Filter) AddNAT(spec nat.Spec) error { return f.nat.AddRule(spec) }

// RemoveNAT deletes a NAT rule and its sessions.
func (f *Filter) RemoveNAT(spec nat.Spec) error { return f.nat.RemoveRule(spec) }

// NATRules lists the NAT rules in evaluation order.
func (f *Filter) NATRules() []nat.Spec { return f.nat.Rules() }

// NATStats returns the NAT counters and live sessions.
func (f *Filter) NATStats() nat.Stats { return f.nat.Stats() }

// FlushNAT removes the dynamic sessions and returns how many went. With
// clearRules it removes every rule and session and returns the rule count.
func (f *Filter) FlushNAT(clearRules bool) int {
	if clearRules {
		return f.nat.ClearRules()
	}
	return f.nat.FlushSessions()
}

// FragStats returns the fragment cache counters.
func (f *Filter) FragStats() frag.Stats { return f.frags.Stats() }

// FlushFrags empties the fragment cache.
func (f *Filter) FlushFrags() int { return f.frags.Flush() }

// StateStats returns the state table counters and entries.
func (f *Filter) StateStats() conntrack.Stats { return f.state.Stats() }

// FlushState empties the state table.
func (f *Filter) FlushState() int { return f.state.Flush() }

// Expirers returns the tables the periodic sweeper ages.
func (f *Filter) Expirers() []conntrack.Target {
	return []conntrack.Target{
		{Name: "state", Table: f.state},
		{Name: "frag", Table: f.frags},
		{Name: "nat", Table: f.nat},
	}
}
