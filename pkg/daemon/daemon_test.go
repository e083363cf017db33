package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psaab/ipfrx/pkg/config"
	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/packet"
)

func TestFilterOptions(t *testing.T) {
	cfg := config.DefaultDaemonConfig()
	cfg.DefaultPolicy = "block"
	cfg.LogPolicy = []string{"block", "nomatch"}
	cfg.State.Max = 100
	cfg.NAT.UDPChecksum = "zero"
	cfg.Frag.Age = 30

	opts, err := FilterOptions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !opts.DefaultBlock || opts.LogPolicy != filter.LogBlock|filter.LogNoMatch {
		t.Errorf("policy options %+v", opts)
	}
	if opts.State.Max != 100 || !opts.NAT.ZeroUDPChecksum || opts.FragAge != 30 {
		t.Errorf("table options %+v", opts)
	}

	cfg.LogPolicy = []string{"sometimes"}
	if _, err := FilterOptions(cfg); err == nil {
		t.Error("bad log policy accepted")
	}
}

func TestPacketSendersLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "ipmon.log")
	senders := packetSenders(config.LogConfig{File: path})
	if len(senders) != 1 {
		t.Fatalf("%d senders, want 1", len(senders))
	}
	defer senders[0].Close()
	if err := senders[0].Send(6, "hello"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file %q", data)
	}

	if got := packetSenders(config.LogConfig{File: path, FileTypes: []string{"BOGUS"}}); len(got) != 0 {
		t.Errorf("bad file types opened %d senders", len(got))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRunLoadsRulesAndLogs(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "ipf.rules")
	logPath := filepath.Join(dir, "ipmon.log")
	if err := os.WriteFile(rulesPath, []byte("block in log proto udp all\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultDaemonConfig()
	cfg.RulesFile = rulesPath
	cfg.NATFile = filepath.Join(dir, "ipnat.rules")
	cfg.Log.File = logPath
	d, err := New(cfg, Options{
		HTTPAddr:    "127.0.0.1:0",
		GRPCAddr:    "127.0.0.1:0",
		NoIntercept: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "rules to load", func() bool {
		return len(d.Filter().Rules(filter.Selector{Dir: packet.In})) == 1
	})

	txt, err := packet.ParseText("in on eth0 udp 10.1.1.1,1025 10.2.2.2,53")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "packet log line", func() bool {
		pkt := append([]byte(nil), txt.Packet...)
		if d.Filter().Check(pkt, txt.Iface, txt.Dir).Pass {
			t.Fatal("udp packet passed")
		}
		data, _ := os.ReadFile(logPath)
		return strings.Contains(string(data), "10.1.1.1")
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestAPIAuth(t *testing.T) {
	if apiAuth(config.AuthConfig{}) != nil {
		t.Error("empty credentials enabled auth")
	}
	ac := apiAuth(config.AuthConfig{Users: map[string]string{"admin": "x"}, APIKeys: []string{"k1"}})
	if ac == nil || ac.Users["admin"] != "x" || !ac.APIKeys["k1"] || ac.APIKeys["k2"] {
		t.Errorf("auth %+v", ac)
	}
}

func TestNewRejectsBadCollector(t *testing.T) {
	cfg := config.DefaultDaemonConfig()
	cfg.FlowExport.Collectors = []string{"no-port"}
	if _, err := New(cfg, Options{NoIntercept: true}); err == nil {
		t.Error("bad collector accepted")
	}
}
