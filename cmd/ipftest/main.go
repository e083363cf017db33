// ipftest runs packets through a rule set offline and prints a verdict
// for each.
//
// Packets are read as text lines ("in on eth0 tcp 10.1.1.1,1025
// 10.2.2.2,23 S") or from a pcap file.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/psaab/ipfrx/pkg/configstore"
	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/logging"
	"github.com/psaab/ipfrx/pkg/packet"
)

type options struct {
	rulesFile string
	natFile   string
	pcapFile  string
	// iface and dir apply to pcap packets, which carry neither.
	iface        string
	dir          packet.Direction
	defaultBlock bool
	verbose      bool
}

// printSink writes log records as they are generated.
type printSink struct{ w io.Writer }

func (s printSink) Add(rec logging.EventRecord) {
	fmt.Fprintf(s.w, "log: %s\n", logging.FormatLine(rec))
}

func verdict(res filter.Result) string {
	switch {
	case !res.Pass:
		return "block"
	case res.Source == filter.SourceDefault:
		return "nomatch"
	default:
		return "pass"
	}
}

type tester struct {
	f       *filter.Filter
	out     io.Writer
	verbose bool
	counts  map[string]int
}

func newTester(opts options, out io.Writer) (*tester, error) {
	fo := filter.Options{DefaultBlock: opts.defaultBlock}
	if opts.verbose {
		fo.Sink = printSink{out}
	}
	f := filter.New(fo)
	store := configstore.New(f, opts.rulesFile, opts.natFile, 1)
	if err := store.Load(); err != nil {
		return nil, err
	}
	return &tester{f: f, out: out, verbose: opts.verbose, counts: make(map[string]int)}, nil
}

func (t *tester) check(pkt []byte, iface string, dir packet.Direction, label string) {
	res := t.f.Check(pkt, iface, dir)
	v := verdict(res)
	t.counts[v]++
	if t.verbose {
		fmt.Fprintf(t.out, "%s %s (%s rule %d)\n", v, label, res.Source, res.Rule)
		return
	}
	fmt.Fprintf(t.out, "%s %s\n", v, label)
}

func (t *tester) runText(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		txt, err := packet.ParseText(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		t.check(txt.Packet, txt.Iface, txt.Dir, line)
	}
	return sc.Err()
}

func (t *tester) runPcap(r io.Reader, iface string, dir packet.Direction) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("read pcap: %w", err)
	}
	n := 0
	for {
		data, _, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("packet %d: %w", n+1, err)
		}
		n++
		p := gopacket.NewPacket(data, pr.LinkType(), gopacket.NoCopy)
		ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			slog.Debug("skipping non-IPv4 packet", "packet", n)
			continue
		}
		pkt := append(append([]byte(nil), ip.Contents...), ip.Payload...)
		t.check(pkt, iface, dir, fmt.Sprintf("#%d %s -> %s", n, ip.SrcIP, ip.DstIP))
	}
}

func (t *tester) summary() {
	fmt.Fprintf(t.out, "pass %d block %d nomatch %d\n", t.counts["pass"], t.counts["block"], t.counts["nomatch"])
}

func run(opts options, stdin io.Reader, out io.Writer) error {
	t, err := newTester(opts, out)
	if err != nil {
		return err
	}
	if opts.pcapFile != "" {
		f, err := os.Open(opts.pcapFile)
		if err != nil {
			return err
		}
		defer f.Close()
		err = t.runPcap(f, opts.iface, opts.dir)
		if err != nil {
			return err
		}
	} else if err := t.runText(stdin); err != nil {
		return err
	}
	t.summary()
	return nil
}

func main() {
	var opts options
	flag.StringVar(&opts.rulesFile, "r", "", "filter rules file")
	flag.StringVar(&opts.natFile, "N", "", "NAT rules file")
	flag.StringVar(&opts.pcapFile, "P", "", "read packets from a pcap file instead of text on stdin")
	flag.StringVar(&opts.iface, "I", "", "interface for pcap packets")
	dir := flag.String("D", "in", "direction for pcap packets (in or out)")
	flag.BoolVar(&opts.defaultBlock, "b", false, "block packets no rule matches")
	flag.BoolVar(&opts.verbose, "v", false, "print deciding rule and log records")
	flag.Parse()

	switch *dir {
	case "in":
		opts.dir = packet.In
	case "out":
		opts.dir = packet.Out
	default:
		fmt.Fprintf(os.Stderr, "ipftest: bad direction %q\n", *dir)
		os.Exit(2)
	}
	if err := run(opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ipftest: %v\n", err)
		os.Exit(1)
	}
}
