// Package flowexport exports expired state entries as NetFlow v9 flows.
package flowexport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/ipfrx/pkg/logging"
	"github.com/psaab/ipfrx/pkg/packet"
)

// ExportConfig holds the NetFlow export configuration.
type ExportConfig struct {
	// Collectors are "host:port" UDP destinations.
	Collectors          []string
	TemplateRefreshRate time.Duration
	SourceID            uint32
}

// Exporter sends NetFlow v9 packets to configured collectors.
type Exporter struct {
	cfg      ExportConfig
	bootTime time.Time

	mu    sync.Mutex
	seq   uint32
	conns []net.Conn

	// Batching: accumulate records, flush periodically
	batchMu sync.Mutex
	batch   []FlowRecord

	// Stats
	exportedFlows atomic.Uint64
	exportedPkts  atomic.Uint64
}

// NewExporter creates a new NetFlow v9 exporter.
func NewExporter(cfg ExportConfig) (*Exporter, error) {
	if cfg.TemplateRefreshRate <= 0 {
		cfg.TemplateRefreshRate = 60 * time.Second
	}
	if cfg.SourceID == 0 {
		cfg.SourceID = 1
	}
	e := &Exporter{
		cfg:      cfg,
		bootTime: time.Now(),
	}

	for _, addr := range cfg.Collectors {
		conn, err := net.Dial("udp", addr)
		if err != nil {
			// Close already-opened connections
			for _, c := range e.conns {
				c.Close()
			}
			return nil, fmt.Errorf("dial collector %s: %w", addr, err)
		}
		e.conns = append(e.conns, conn)
	}

	return e, nil
}

// Run sends templates and flushes queued flows until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	// Send initial template
	e.sendTemplates()

	templateTicker := time.NewTicker(e.cfg.TemplateRefreshRate)
	defer templateTicker.Stop()

	batchTicker := time.NewTicker(100 * time.Millisecond)
	defer batchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush remaining batches
			e.flushBatches()
			return
		case <-templateTicker.C:
			e.sendTemplates()
		case <-batchTicker.C:
			e.flushBatches()
		}
	}
}

// parseEndpoint splits "10.0.1.5,443" or "10.0.1.5".
func parseEndpoint(s string) ([4]byte, uint16, error) {
	host, port, hasPort := strings.Cut(s, ",")
	a, err := packet.ParseAddr(host)
	if err != nil {
		return [4]byte{}, 0, err
	}
	var p uint64
	if hasPort {
		if p, err = strconv.ParseUint(port, 10, 16); err != nil {
			return [4]byte{}, 0, fmt.Errorf("bad port %q", port)
		}
	}
	return a.As4(), uint16(p), nil
}

// FlowFromRecord converts a state expiry record into a flow.
func FlowFromRecord(rec logging.EventRecord) (FlowRecord, bool) {
	if rec.Type != logging.TypeStateExpire {
		return FlowRecord{}, false
	}
	proto, err := packet.ParseProto(rec.Protocol)
	if err != nil {
		return FlowRecord{}, false
	}
	src, sport, err := parseEndpoint(rec.SrcAddr)
	if err != nil {
		return FlowRecord{}, false
	}
	dst, dport, err := parseEndpoint(rec.DstAddr)
	if err != nil {
		return FlowRecord{}, false
	}
	end := rec.Time
	if end.IsZero() {
		end = time.Now()
	}
	return FlowRecord{
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   sport,
		DstPort:   dport,
		Protocol:  proto,
		Packets:   rec.Packets,
		StartTime: end.Add(-rec.Duration),
		EndTime:   end,
	}, true
}

// HandleRecord queues expired states for export. It has the
// logging.EventCallback signature.
func (e *Exporter) HandleRecord(rec logging.EventRecord, _ string) {
	fr, ok := FlowFromRecord(rec)
	if !ok {
		return
	}
	e.batchMu.Lock()
	e.batch = append(e.batch, fr)
	e.batchMu.Unlock()
}

// Stats returns export statistics.
func (e *Exporter) Stats() (flows, packets uint64) {
	return e.exportedFlows.Load(), e.exportedPkts.Load()
}

// Close shuts down all collector connections.
func (e *Exporter) Close() {
	for _, c := range e.conns {
		c.Close()
	}
}

func (e *Exporter) nextSeq() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.seq
	e.seq++
	return seq
}

func (e *Exporter) write(pkt []byte) {
	for _, c := range e.conns {
		if _, err := c.Write(pkt); err != nil {
			slog.Debug("netflow send failed", "collector", c.RemoteAddr(), "err", err)
		}
	}
}

func (e *Exporter) sendTemplates() {
	now := time.Now()
	hdr := nfHeader{
		Version:   9,
		Count:     1,
		SysUptime: uptimeMs(e.bootTime, now),
		UnixSecs:  uint32(now.Unix()),
		SeqNumber: e.nextSeq(),
		SourceID:  e.cfg.SourceID,
	}
	e.write(append(encodeHeader(hdr), encodeTemplateFlowSet()...))
}

func (e *Exporter) flushBatches() {
	e.batchMu.Lock()
	records := e.batch
	e.batch = nil
	e.batchMu.Unlock()

	e.sendRecords(records)
}

func (e *Exporter) sendRecords(records []FlowRecord) {
	// Split into chunks that fit in maxPayload
	// Reserve the header and the flowset header
	maxRecords := (maxPayload - headerLen - 4) / recordSizeV4

	for i := 0; i < len(records); i += maxRecords {
		end := min(i+maxRecords, len(records))
		batch := records[i:end]

		now := time.Now()
		hdr := nfHeader{
			Version:   9,
			Count:     uint16(len(batch)),
			SysUptime: uptimeMs(e.bootTime, now),
			UnixSecs:  uint32(now.Unix()),
			SeqNumber: e.nextSeq(),
			SourceID:  e.cfg.SourceID,
		}
		e.write(append(encodeHeader(hdr), encodeDataFlowSet(batch, e.bootTime)...))

		e.exportedFlows.Add(uint64(len(batch)))
		e.exportedPkts.Add(1)
	}
}
