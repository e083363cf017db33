// Package intercept feeds packets from netfilter queues through the
// filter and sends its replies on raw sockets.
package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nfqueue "github.com/florianl/go-nfqueue/v2"

	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/packet"
)

// Checker decides packets. *filter.Filter implements it.
type Checker interface {
	Check(pkt []byte, iface string, dir packet.Direction) filter.Result
}

// Namer maps an interface index to a name.
type Namer interface {
	Name(idx uint32) string
}

// Queue binds one netfilter queue to one filter direction.
type Queue struct {
	Num     uint16
	Dir     packet.Direction
	Checker Checker
	Names   Namer
}

// decision is what to tell the kernel about one queued packet.
type decision struct {
	verdict int
	// payload is non-nil when NAT rewrote the packet.
	payload []byte
	result  filter.Result
}

// decide runs one queued packet through the checker. The payload is
// copied so the filter may rewrite it.
func (q *Queue) decide(a nfqueue.Attribute) decision {
	if a.Payload == nil {
		return decision{verdict: nfqueue.NfAccept}
	}
	var iface string
	dev := a.InDev
	if q.Dir == packet.Out {
		dev = a.OutDev
	}
	if dev != nil && q.Names != nil {
		iface = q.Names.Name(*dev)
	}

	pkt := append([]byte(nil), (*a.Payload)...)
	res := q.Checker.Check(pkt, iface, q.Dir)
	d := decision{verdict: nfqueue.NfDrop, result: res}
	if res.Pass {
		d.verdict = nfqueue.NfAccept
	}
	if res.NAT == nat.Translated || res.NAT == nat.Created {
		d.payload = pkt
	}
	return d
}

// Run reads the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      q.Num,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  4096,
		Copymode:     nfqueue.NfQnlCopyPacket,
		ReadTimeout:  time.Second,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("open nfqueue %d: %w", q.Num, err)
	}
	defer nf.Close()

	cb := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		d := q.decide(a)
		var err error
		if d.payload != nil {
			err = nf.SetVerdictModPacket(*a.PacketID, d.verdict, d.payload)
		} else {
			err = nf.SetVerdict(*a.PacketID, d.verdict)
		}
		if err != nil {
			slog.Warn("nfqueue verdict failed", "queue", q.Num, "err", err)
		}
		return 0
	}
	errCb := func(e error) int {
		if e == nil || strings.Contains(e.Error(), "timeout") {
			return 0
		}
		if ctx.Err() != nil {
			return 1
		}
		slog.Warn("nfqueue receive error", "queue", q.Num, "err", e)
		return 0
	}

	if err := nf.RegisterWithErrorFunc(ctx, cb, errCb); err != nil {
		return fmt.Errorf("register nfqueue %d: %w", q.Num, err)
	}
	slog.Info("intercepting packets", "queue", q.Num, "direction", q.Dir)
	<-ctx.Done()
	return nil
}
