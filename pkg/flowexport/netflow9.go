package flowexport

import (
	"encoding/binary"
	"time"
)

// NetFlow v9 field types used by the IPv4 template.
const (
	fieldInPkts       = 2
	fieldProtocol     = 4
	fieldL4SrcPort    = 7
	fieldIPv4SrcAddr  = 8
	fieldL4DstPort    = 11
	fieldIPv4DstAddr  = 12
	fieldLastSwitched = 21
	fieldFirstSwitch  = 22
)

const (
	templateIDv4 = 256
	headerLen    = 20
	// maxPayload keeps export packets under a typical path MTU.
	maxPayload = 1400
)

var templateV4 = []struct{ typ, length uint16 }{
	{fieldIPv4SrcAddr, 4},
	{fieldIPv4DstAddr, 4},
	{fieldL4SrcPort, 2},
	{fieldL4DstPort, 2},
	{fieldProtocol, 1},
	{fieldInPkts, 8},
	{fieldFirstSwitch, 4},
	{fieldLastSwitched, 4},
}

var recordSizeV4 = func() int {
	n := 0
	for _, f := range templateV4 {
		n += int(f.length)
	}
	return n
}()

// FlowRecord is one exported flow.
type FlowRecord struct {
	SrcIP, DstIP     [4]byte
	SrcPort, DstPort uint16
	Protocol         uint8
	Packets          uint64
	StartTime        time.Time
	EndTime          time.Time
}

type nfHeader struct {
	Version   uint16
	Count     uint16
	SysUptime uint32
	UnixSecs  uint32
	SeqNumber uint32
	SourceID  uint32
}

func encodeHeader(h nfHeader) []byte {
	b := make([]byte, headerLen)
	binary.BigEndian.PutUint16(b[0:], h.Version)
	binary.BigEndian.PutUint16(b[2:], h.Count)
	binary.BigEndian.PutUint32(b[4:], h.SysUptime)
	binary.BigEndian.PutUint32(b[8:], h.UnixSecs)
	binary.BigEndian.PutUint32(b[12:], h.SeqNumber)
	binary.BigEndian.PutUint32(b[16:], h.SourceID)
	return b
}

func encodeTemplateFlowSet() []byte {
	length := 4 + 4 + 4*len(templateV4)
	b := make([]byte, length)
	binary.BigEndian.PutUint16(b[0:], 0) // template flowset
	binary.BigEndian.PutUint16(b[2:], uint16(length))
	binary.BigEndian.PutUint16(b[4:], templateIDv4)
	binary.BigEndian.PutUint16(b[6:], uint16(len(templateV4)))
	off := 8
	for _, f := range templateV4 {
		binary.BigEndian.PutUint16(b[off:], f.typ)
		binary.BigEndian.PutUint16(b[off+2:], f.length)
		off += 4
	}
	return b
}

func uptimeMs(boot, t time.Time) uint32 {
	if t.Before(boot) {
		return 0
	}
	return uint32(t.Sub(boot).Milliseconds())
}

// encodeDataFlowSet encodes records against the IPv4 template, padding
// the set to a four byte boundary.
func encodeDataFlowSet(records []FlowRecord, boot time.Time) []byte {
	if len(records) == 0 {
		return nil
	}
	length := 4 + recordSizeV4*len(records)
	if pad := length % 4; pad != 0 {
		length += 4 - pad
	}
	b := make([]byte, length)
	binary.BigEndian.PutUint16(b[0:], templateIDv4)
	binary.BigEndian.PutUint16(b[2:], uint16(length))
	off := 4
	for _, r := range records {
		copy(b[off:], r.SrcIP[:])
		copy(b[off+4:], r.DstIP[:])
		binary.BigEndian.PutUint16(b[off+8:], r.SrcPort)
		binary.BigEndian.PutUint16(b[off+10:], r.DstPort)
		b[off+12] = r.Protocol
		binary.BigEndian.PutUint64(b[off+13:], r.Packets)
		binary.BigEndian.PutUint32(b[off+21:], uptimeMs(boot, r.StartTime))
		binary.BigEndian.PutUint32(b[off+25:], uptimeMs(boot, r.EndTime))
		off += recordSizeV4
	}
	return b
}
