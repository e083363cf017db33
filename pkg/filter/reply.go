package filter

import (
	"errors"
	"log/slog"

	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

// errNoReply marks packets that must not be answered.
var errNoReply = errors.New("packet not eligible for a reply")

// BuildRST returns a reset answering the TCP segment d describes. Resets,
// fragments and segments without a full header are not answered.
func BuildRST(d *packet.Descriptor) ([]byte, error) {
	if d.Protocol != packet.ProtoTCP || !d.HasTCP || d.Trailing() || d.TCPFlags&packet.TCPRst != 0 {
		return nil, errNoReply
	}
	return packet.Build(packet.Spec{
		Src:      d.Dst,
		Dst:      d.Src,
		Proto:    packet.ProtoTCP,
		SrcPort:  d.DstPort,
		DstPort:  d.SrcPort,
		Seq:      d.Ack,
		Ack:      d.Seq + 1,
		TCPFlags: packet.TCPRst | packet.TCPAck,
	})
}

func isICMPError(t uint8) bool {
	switch t {
	case packet.ICMPUnreach, packet.ICMPSourceQuench, packet.ICMPRedirect,
		packet.ICMPTimeExceeded, packet.ICMPParamProblem:
		return true
	}
	return false
}

// BuildUnreachable returns an ICMP destination unreachable with the given
// code quoting the header and first 8 data bytes of pkt. ICMP errors and
// trailing fragments are not answered.
func BuildUnreachable(pkt []byte, d *packet.Descriptor, code uint8) ([]byte, error) {
	if d.Trailing() {
		return nil, errNoReply
	}
	if d.Protocol == packet.ProtoICMP && (!d.HasICMP || isICMPError(d.ICMPType)) {
		return nil, errNoReply
	}
	n := min(len(pkt), d.HeaderLen+8)
	if d.TotalLen > 0 && d.TotalLen < n {
		n = d.TotalLen
	}
	return packet.Build(packet.Spec{
		Src:      d.Dst,
		Dst:      d.Src,
		Proto:    packet.ProtoICMP,
		ICMPType: packet.ICMPUnreach,
		ICMPCode: code,
		Payload:  append([]byte(nil), pkt[:n]...),
	})
}

// reply sends the RST or ICMP error a blocking rule asked for.
func (f *Filter) reply(c *dirCounters, pkt []byte, d *packet.Descriptor, iface string, pass rules.Flags, code uint8) bool {
	if f.responder == nil {
		return false
	}
	var out []byte
	var err error
	if pass&rules.ReturnRST != 0 {
		out, err = BuildRST(d)
	} else {
		out, err = BuildUnreachable(pkt, d, code)
	}
	if errors.Is(err, errNoReply) {
		return false
	}
	if err == nil {
		err = f.responder.Send(out, iface)
	}
	if err != nil {
		c.replyFail.Add(1)
		slog.Debug("reply not sent", "iface", iface, "err", err)
		return false
	}
	c.replies.Add(1)
	return true
}
