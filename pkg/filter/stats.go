package filter

import "sync/atomic"

// dirCounters are the live counters of one direction.
type dirCounters struct {
	pass, block, noMatch atomic.Uint64
	acct                 atomic.Uint64
	bad, short           atomic.Uint64
	logged, logFail      atomic.Uint64

	fragHits, fragNew, fragFail, fragNotFrag atomic.Uint64
	stateHits, stateAdds, stateFail          atomic.Uint64
	stateDup                                 atomic.Uint64

	natFail            atomic.Uint64
	replies, replyFail atomic.Uint64
}

// DirStats is a snapshot of one direction's counters.
type DirStats struct {
	Pass    uint64 `json:"pass"`
	Block   uint64 `json:"block"`
	NoMatch uint64 `json:"nomatch"`
	// Acct counts packets matched by an accounting rule.
	Acct  uint64 `json:"acct"`
	Bad   uint64 `json:"bad"`
	Short uint64 `json:"short"`
	// Logged counts records handed to the sink, LogFail those dropped
	// because no sink is configured.
	Logged  uint64 `json:"logged"`
	LogFail uint64 `json:"log_fail"`

	FragHits    uint64 `json:"frag_hits"`
	FragNew     uint64 `json:"frag_new"`
	FragFail    uint64 `json:"frag_fail"`
	FragNotFrag uint64 `json:"frag_not_frag"`

	StateHits uint64 `json:"state_hits"`
	StateAdds uint64 `json:"state_adds"`
	StateFail uint64 `json:"state_fail"`
	// StateDup counts keep state requests for flows already tracked, as
	// when a packet fails the window check of its entry.
	StateDup  uint64 `json:"state_dup"`

	NATFail   uint64 `json:"nat_fail"`
	Replies   uint64 `json:"replies"`
	ReplyFail uint64 `json:"reply_fail"`
}

func (c *dirCounters) snapshot() DirStats {
	return DirStats{
		Pass:        c.pass.Load(),
		Block:       c.block.Load(),
		NoMatch:     c.noMatch.Load(),
		Acct:        c.acct.Load(),
		Bad:         c.bad.Load(),
		Short:       c.short.Load(),
		Logged:      c.logged.Load(),
		LogFail:     c.logFail.Load(),
		FragHits:    c.fragHits.Load(),
		FragNew:     c.fragNew.Load(),
		FragFail:    c.fragFail.Load(),
		FragNotFrag: c.fragNotFrag.Load(),
		StateHits:   c.stateHits.Load(),
		StateAdds:   c.stateAdds.Load(),
		StateFail:   c.stateFail.Load(),
		StateDup:    c.stateDup.Load(),
		NATFail:     c.natFail.Load(),
		Replies:     c.replies.Load(),
		ReplyFail:   c.replyFail.Load(),
	}
}

// swap reads and clears every counter.
func (c *dirCounters) swap() DirStats {
	return DirStats{
		Pass:        c.pass.Swap(0),
		Block:       c.block.Swap(0),
		NoMatch:     c.noMatch.Swap(0),
		Acct:        c.acct.Swap(0),
		Bad:         c.bad.Swap(0),
		Short:       c.short.Swap(0),
		Logged:      c.logged.Swap(0),
		LogFail:     c.logFail.Swap(0),
		FragHits:    c.fragHits.Swap(0),
		FragNew:     c.fragNew.Swap(0),
		FragFail:    c.fragFail.Swap(0),
		FragNotFrag: c.fragNotFrag.Swap(0),
		StateHits:   c.stateHits.Swap(0),
		StateAdds:   c.stateAdds.Swap(0),
		StateFail:   c.stateFail.Swap(0),
		StateDup:    c.stateDup.Swap(0),
		NATFail:     c.natFail.Swap(0),
		Replies:     c.replies.Swap(0),
		ReplyFail:   c.replyFail.Swap(0),
	}
}

// ListSizes counts the rules of one set.
type ListSizes struct {
	FilterIn  int `json:"filter_in"`
	FilterOut int `json:"filter_out"`
	AcctIn    int `json:"acct_in"`
	AcctOut   int `json:"acct_out"`
}

func (rs *ruleSet) sizes() ListSizes {
	return ListSizes{
		FilterIn:  len(rs.filter[0]),
		FilterOut: len(rs.filter[1]),
		AcctIn:    len(rs.acct[0]),
		AcctOut:   len(rs.acct[1]),
	}
}

// Stats is a snapshot of the filter counters and list heads.
type Stats struct {
	In        DirStats  `json:"in"`
	Out       DirStats  `json:"out"`
	Enabled   bool      `json:"enabled"`
	ActiveSet int       `json:"active_set"`
	LogPolicy string    `json:"log_policy"`
	Active    ListSizes `json:"active"`
	Inactive  ListSizes `json:"inactive"`
}
