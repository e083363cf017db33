package intercept

import (
	"fmt"
	"log/slog"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// HookTable is the nftables table holding the queue hooks.
const HookTable = "ipf"

type hookChain struct {
	name  string
	hook  *nftables.ChainHook
	queue uint16
}

// hookChains lists the chains that hand IPv4 traffic to the daemon:
// prerouting feeds the inbound queue and postrouting the outbound one.
func hookChains(in, out uint16) []hookChain {
	return []hookChain{
		{"prerouting", nftables.ChainHookPrerouting, in},
		{"postrouting", nftables.ChainHookPostrouting, out},
	}
}

// queueExprs matches IPv4 and queues it to num.
func queueExprs(num uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
		&expr.Queue{Num: num},
	}
}

// InstallHooks replaces the ipf table with one queueing IPv4 packets to
// the in and out queues. The returned function removes the table.
func InstallHooks(in, out uint16) (func() error, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("nftables: %w", err)
	}

	table := &nftables.Table{Name: HookTable, Family: nftables.TableFamilyINet}
	// Adding before deleting makes the delete succeed on a clean system.
	conn.AddTable(table)
	conn.DelTable(table)
	conn.AddTable(table)

	accept := nftables.ChainPolicyAccept
	for _, hc := range hookChains(in, out) {
		chain := conn.AddChain(&nftables.Chain{
			Name:     hc.name,
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  hc.hook,
			Priority: nftables.ChainPriorityFilter,
			Policy:   &accept,
		})
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: queueExprs(hc.queue),
		})
	}
	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("install queue hooks: %w", err)
	}
	slog.Info("queue hooks installed", "table", HookTable, "in", in, "out", out)

	return func() error {
		conn.DelTable(table)
		if err := conn.Flush(); err != nil {
			return fmt.Errorf("remove queue hooks: %w", err)
		}
		return nil
	}, nil
}
