package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/psaab/ipfrx/pkg/packet"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunText(t *testing.T) {
	dir := t.TempDir()
	opts := options{
		rulesFile: writeFile(t, dir, "ipf.rules", "block in proto tcp from any to any port = 23\npass in proto udp all\n"),
	}
	input := strings.Join([]string{
		"# telnet is blocked",
		"in on eth0 tcp 10.1.1.1,1025 10.2.2.2,23 S",
		"in on eth0 udp 10.1.1.1,1025 10.2.2.2,53",
		"",
		"out on eth0 icmp 10.2.2.2 10.1.1.1",
	}, "\n")

	var out bytes.Buffer
	if err := run(opts, strings.NewReader(input), &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{"block in on eth0", "pass in on eth0", "nomatch out on eth0", "pass 1 block 1 nomatch 1"}
	if len(lines) != len(want) {
		t.Fatalf("output:\n%s", out.String())
	}
	for i, w := range want {
		if !strings.HasPrefix(lines[i], w) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], w)
		}
	}
}

func TestRunTextErrors(t *testing.T) {
	var out bytes.Buffer
	err := run(options{}, strings.NewReader("sideways on eth0 tcp 1.1.1.1 2.2.2.2\n"), &out)
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("err = %v, want line number", err)
	}

	dir := t.TempDir()
	bad := options{rulesFile: writeFile(t, dir, "bad.rules", "pass sideways all\n")}
	if err := run(bad, strings.NewReader(""), &out); err == nil {
		t.Error("bad rules file accepted")
	}
}

func TestRunVerbose(t *testing.T) {
	dir := t.TempDir()
	opts := options{
		rulesFile: writeFile(t, dir, "ipf.rules", "block in log proto udp all\n"),
		verbose:   true,
	}
	var out bytes.Buffer
	if err := run(opts, strings.NewReader("in on eth0 udp 10.1.1.1,1025 10.2.2.2,53\n"), &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "log: ") || !strings.Contains(got, "(rule rule 1)") {
		t.Errorf("verbose output:\n%s", got)
	}
}

func TestRunPcap(t *testing.T) {
	dir := t.TempDir()
	pcapPath := filepath.Join(dir, "in.pcap")
	f, err := os.Create(pcapPath)
	if err != nil {
		t.Fatal(err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{
		"in on eth0 tcp 10.1.1.1,1025 10.2.2.2,23 S",
		"in on eth0 tcp 10.1.1.1,1025 10.2.2.2,80 S",
	} {
		txt, err := packet.ParseText(line)
		if err != nil {
			t.Fatal(err)
		}
		frame := append([]byte{
			0, 1, 2, 3, 4, 5,
			0, 1, 2, 3, 4, 6,
			0x08, 0x00,
		}, txt.Packet...)
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}
		if err := w.WritePacket(ci, frame); err != nil {
			t.Fatal(err)
		}
	}
	f.Close()

	opts := options{
		rulesFile: writeFile(t, dir, "ipf.rules", "block in on eth0 proto tcp from any to any port = 23\n"),
		pcapFile:  pcapPath,
		iface:     "eth0",
		dir:       packet.In,
	}
	var out bytes.Buffer
	if err := run(opts, nil, &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "block #1 10.1.1.1 -> 10.2.2.2") || !strings.Contains(got, "nomatch #2") {
		t.Errorf("pcap output:\n%s", got)
	}
	if !strings.Contains(got, "pass 0 block 1 nomatch 1") {
		t.Errorf("summary:\n%s", got)
	}
}
