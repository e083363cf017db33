package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/psaab/ipfrx/pkg/config"
	"github.com/psaab/ipfrx/pkg/configstore"
	"github.com/psaab/ipfrx/pkg/conntrack"
	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/grpcapi"
	"github.com/psaab/ipfrx/pkg/logging"
	"github.com/psaab/ipfrx/pkg/packet"
)

func newTestCLI(t *testing.T) (*CLI, *bytes.Buffer, *filter.Filter) {
	t.Helper()
	buf := logging.NewEventBuffer(64)
	f := filter.New(filter.Options{Sink: buf})
	dir := t.TempDir()
	store := configstore.New(f, filepath.Join(dir, "ipf.rules"), filepath.Join(dir, "ipnat.rules"), 5)
	srv := grpcapi.NewServer("", grpcapi.Config{
		Filter:   f,
		Store:    store,
		EventBuf: buf,
		GC:       conntrack.NewGC(0, f.Expirers()...),
	})
	var out bytes.Buffer
	c := New(grpcapi.NewLocal(srv), Options{
		Out:        &out,
		Interfaces: func() []string { return []string{"eth0", "lo"} },
	})
	return c, &out, f
}

func run(t *testing.T, c *CLI, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if err := c.Execute(line); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return out.String()
}

func addRule(t *testing.T, f *filter.Filter, line string) {
	t.Helper()
	fr, err := config.ParseRule(line)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.AddRule(fr.Spec, filter.AddOptions{}); err != nil {
		t.Fatal(err)
	}
}

func send(t *testing.T, f *filter.Filter, line string) {
	t.Helper()
	txt, err := packet.ParseText(line)
	if err != nil {
		t.Fatal(err)
	}
	f.Check(txt.Packet, txt.Iface, txt.Dir)
}

func TestShowCommands(t *testing.T) {
	c, out, f := newTestCLI(t)
	addRule(t, f, "block in log proto udp all")
	addRule(t, f, "pass out proto tcp all keep state")
	send(t, f, "in on eth0 udp 10.1.1.1,1025 10.2.2.2,53")
	send(t, f, "out on eth0 tcp 10.2.2.2,1025 10.1.1.1,80 S")

	if got := run(t, c, out, "show rules in"); !strings.Contains(got, "1 @1 block in log proto udp") {
		t.Errorf("show rules in:\n%s", got)
	}
	if got := run(t, c, out, "show rules inactive"); !strings.Contains(got, "empty list for inactive in filter rules") {
		t.Errorf("show rules inactive:\n%s", got)
	}
	if got := run(t, c, out, "show statistics"); !strings.Contains(got, "blocked 1 passed 0") {
		t.Errorf("show statistics:\n%s", got)
	}
	if got := run(t, c, out, "show state"); !strings.Contains(got, "10.2.2.2,1025") || !strings.Contains(got, "1 TCP") {
		t.Errorf("show state:\n%s", got)
	}
	if got := run(t, c, out, "show log"); !strings.Contains(got, "10.1.1.1,1025 -> 10.2.2.2,53") {
		t.Errorf("show log:\n%s", got)
	}
	if got := run(t, c, out, "show log type NAT_MAP"); !strings.Contains(got, "no log records") {
		t.Errorf("show log type NAT_MAP:\n%s", got)
	}
	if got := run(t, c, out, "show status"); !strings.Contains(got, "enabled") {
		t.Errorf("show status:\n%s", got)
	}
	if got := run(t, c, out, "clear state"); got != "1 state entries removed\n" {
		t.Errorf("clear state: %q", got)
	}
}

func TestConfigSession(t *testing.T) {
	c, out, f := newTestCLI(t)

	if got := run(t, c, out, "configure"); !strings.Contains(got, "Entering configuration mode") {
		t.Fatalf("configure: %q", got)
	}
	run(t, c, out, "add block in proto tcp all")
	run(t, c, out, "add nat map eth0 10.0.0.0/8 -> 192.0.2.1/32")
	if err := c.Execute("add block in proto tcp all"); err == nil {
		t.Error("duplicate add accepted")
	}
	if got := run(t, c, out, "compare"); !strings.Contains(got, "+ block in proto tcp all") {
		t.Errorf("compare:\n%s", got)
	}
	if got := run(t, c, out, "commit comment first rules"); got != "commit complete\n" {
		t.Errorf("commit: %q", got)
	}
	if got := run(t, c, out, "run show history"); !strings.Contains(got, "first rules") {
		t.Errorf("history:\n%s", got)
	}
	run(t, c, out, "exit")
	if c.configMode {
		t.Error("still in config mode")
	}
	if len(f.Rules(filter.Selector{Dir: packet.In})) != 1 || len(f.NATRules()) != 1 {
		t.Error("commit not applied")
	}
	if got := run(t, c, out, "show nat"); !strings.Contains(got, "map eth0 10.0.0.0/8 -> 192.0.2.1/32") {
		t.Errorf("show nat:\n%s", got)
	}
}

func TestExitWarnsOnUncommitted(t *testing.T) {
	c, out, _ := newTestCLI(t)
	run(t, c, out, "configure")
	run(t, c, out, "add pass in all")
	if got := run(t, c, out, "exit"); !strings.Contains(got, "uncommitted changes will be discarded") {
		t.Errorf("exit: %q", got)
	}
}

func TestLoadFiles(t *testing.T) {
	c, out, f := newTestCLI(t)
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules")
	if err := os.WriteFile(rulesPath, []byte("block in proto udp all\npass in proto tcp all\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run(t, c, out, "configure")
	run(t, c, out, "load "+rulesPath)
	run(t, c, out, "commit")
	if n := len(f.Rules(filter.Selector{Dir: packet.In})); n != 2 {
		t.Errorf("%d rules after load, want 2", n)
	}
	if err := c.Execute("load " + filepath.Join(dir, "missing")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestRequestCommands(t *testing.T) {
	c, out, f := newTestCLI(t)
	run(t, c, out, "request filter disable")
	if f.Enabled() {
		t.Error("filter still enabled")
	}
	if got := run(t, c, out, "request log-policy block nomatch"); !strings.Contains(got, "log policy: block,nomatch") {
		t.Errorf("log-policy: %q", got)
	}
	if f.LogPolicy() != filter.LogBlock|filter.LogNoMatch {
		t.Errorf("policy %v", f.LogPolicy())
	}
	if err := c.Execute("request log-policy everything"); err == nil {
		t.Error("bad policy accepted")
	}
	if got := run(t, c, out, "request swap-rules"); got != "rule set 1 is now active\n" {
		t.Errorf("swap: %q", got)
	}
}

func TestPipeOutput(t *testing.T) {
	c, out, f := newTestCLI(t)
	addRule(t, f, "block in proto udp all")
	addRule(t, f, "pass in proto tcp all")
	if got := run(t, c, out, "show rules | match tcp"); got != "0 @2 pass in proto tcp all\n" {
		t.Errorf("match: %q", got)
	}
	if got := run(t, c, out, "show rules | count"); got != "Count: 2 lines\n" {
		t.Errorf("count: %q", got)
	}
}

func TestApplyPipe(t *testing.T) {
	text := "a 1\nb 2\nc 3\n"
	tests := []struct {
		stages []string
		want   string
	}{
		{[]string{"match b"}, "b 2\n"},
		{[]string{"except b"}, "a 1\nc 3\n"},
		{[]string{"find b"}, "b 2\nc 3\n"},
		{[]string{"last 1"}, "c 3\n"},
		{[]string{"count"}, "Count: 3 lines\n"},
		{[]string{"except a", "count"}, "Count: 2 lines\n"},
		{[]string{"no-more"}, text},
	}
	for _, tt := range tests {
		got, err := applyPipe(text, tt.stages)
		if err != nil {
			t.Fatalf("%v: %v", tt.stages, err)
		}
		if got != tt.want {
			t.Errorf("%v = %q, want %q", tt.stages, got, tt.want)
		}
	}
	if _, err := applyPipe(text, []string{"sort"}); err == nil {
		t.Error("unknown filter accepted")
	}
	if _, err := applyPipe(text, []string{"last x"}); err == nil {
		t.Error("bad last count accepted")
	}
}

func TestParseLogArgs(t *testing.T) {
	got, err := parseLogArgs([]string{"20", "interface", "eth0", "action", "block"}, true)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"n": 20, "iface": "eth0", "action": "block"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseLogArgs mismatch (-want +got):\n%s", diff)
	}
	if _, err := parseLogArgs([]string{"20"}, false); err == nil {
		t.Error("count accepted for monitor")
	}
	if _, err := parseLogArgs([]string{"type"}, true); err == nil {
		t.Error("missing value accepted")
	}
}

func TestCompleter(t *testing.T) {
	c, _, _ := newTestCLI(t)
	cp := &completer{cli: c}

	line := []rune("show st")
	got, n := cp.Do(line, len(line))
	if n != 2 {
		t.Errorf("replace length %d, want 2", n)
	}
	var suffixes []string
	for _, r := range got {
		suffixes = append(suffixes, string(r))
	}
	if diff := cmp.Diff([]string{"ate ", "atistics ", "atus "}, suffixes); diff != "" {
		t.Errorf("completion mismatch (-want +got):\n%s", diff)
	}

	line = []rune("show log interface ")
	got, _ = cp.Do(line, len(line))
	if len(got) != 2 || string(got[0]) != "eth0 " {
		t.Errorf("interface completion %q", got)
	}

	line = []rune("show state | gr")
	got, n = cp.Do(line, len(line))
	if n != 2 || len(got) != 1 || string(got[0]) != "ep " {
		t.Errorf("pipe completion %q %d", got, n)
	}
}

func TestUnknownCommand(t *testing.T) {
	c, _, _ := newTestCLI(t)
	if err := c.Execute("reboot now"); err == nil {
		t.Error("unknown command accepted")
	}
	if err := c.Execute("exit"); err != errExit {
		t.Errorf("exit returned %v", err)
	}
}
