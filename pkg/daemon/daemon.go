// Package daemon implements the ipfd lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psaab/ipfrx/pkg/api"
	"github.com/psaab/ipfrx/pkg/cli"
	"github.com/psaab/ipfrx/pkg/config"
	"github.com/psaab/ipfrx/pkg/configstore"
	"github.com/psaab/ipfrx/pkg/conntrack"
	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/flowexport"
	"github.com/psaab/ipfrx/pkg/grpcapi"
	"github.com/psaab/ipfrx/pkg/intercept"
	"github.com/psaab/ipfrx/pkg/logging"
	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/packet"
)

// Options configures the daemon.
type Options struct {
	// HTTPAddr and GRPCAddr override the configured listen addresses.
	HTTPAddr string
	GRPCAddr string
	// NoIntercept runs without netfilter queues or raw sockets. Packets
	// only reach the filter through its control surfaces.
	NoIntercept bool
	// Console starts the interactive CLI on stdin.
	Console bool
	// LogHandler, when set, also forwards daemon messages to the
	// configured syslog targets.
	LogHandler *logging.SyslogSlogHandler
}

// Daemon is the ipfd process.
type Daemon struct {
	opts      Options
	cfg       *config.DaemonConfig
	filter    *filter.Filter
	store     *configstore.Store
	eventBuf  *logging.EventBuffer
	monitor   *logging.Monitor
	gc        *conntrack.GC
	responder *intercept.RawResponder
	exporter  *flowexport.Exporter
}

// FilterOptions translates the daemon configuration into filter options.
func FilterOptions(cfg *config.DaemonConfig) (filter.Options, error) {
	policy, err := filter.ParseLogPolicy(cfg.LogPolicy)
	if err != nil {
		return filter.Options{}, err
	}
	return filter.Options{
		DefaultBlock: cfg.DefaultPolicy == "block",
		LogPolicy:    policy,
		State: conntrack.Config{
			Buckets:  cfg.State.Buckets,
			Max:      cfg.State.Max,
			UDPAge:   cfg.State.UDPAge,
			ICMPAge:  cfg.State.ICMPAge,
			CloseAge: cfg.State.CloseAge,
		},
		FragMax: cfg.Frag.Max,
		FragAge: cfg.Frag.Age,
		NAT: nat.Config{
			MaxSessions:     cfg.NAT.MaxSessions,
			Age:             cfg.NAT.Age,
			ZeroUDPChecksum: cfg.NAT.UDPChecksum == "zero",
		},
	}, nil
}

// New builds the daemon's components from cfg without starting anything.
func New(cfg *config.DaemonConfig, opts Options) (*Daemon, error) {
	fopts, err := FilterOptions(cfg)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		opts:     opts,
		cfg:      cfg,
		eventBuf: logging.NewEventBuffer(cfg.Log.BufferLen),
	}
	fopts.Sink = d.eventBuf
	if !opts.NoIntercept {
		d.responder = intercept.NewRawResponder()
		fopts.Responder = d.responder
	}
	d.filter = filter.New(fopts)
	d.store = configstore.New(d.filter, cfg.RulesFile, cfg.NATFile, cfg.HistoryDepth)
	d.monitor = logging.NewMonitor(d.eventBuf)
	d.gc = conntrack.NewGC(time.Duration(cfg.Sweep), d.filter.Expirers()...)

	if len(cfg.FlowExport.Collectors) > 0 {
		d.exporter, err = flowexport.NewExporter(flowexport.ExportConfig{
			Collectors:          cfg.FlowExport.Collectors,
			TemplateRefreshRate: time.Duration(cfg.FlowExport.TemplateRefresh),
		})
		if err != nil {
			return nil, fmt.Errorf("flow export: %w", err)
		}
		d.monitor.AddCallback(d.exporter.HandleRecord)
	}
	return d, nil
}

// Filter returns the daemon's filter.
func (d *Daemon) Filter() *filter.Filter { return d.filter }

// Store returns the daemon's rule store.
func (d *Daemon) Store() *configstore.Store { return d.store }

// packetSenders opens the configured packet log outputs. Failures are
// logged and the output skipped.
func packetSenders(lc config.LogConfig) []logging.Sender {
	senders := syslogSenders(lc.Syslog, "ipmon")
	if lc.File != "" {
		lw, err := logging.NewLogFile(logging.LogFileConfig{
			Path:     lc.File,
			MaxSize:  lc.MaxSize,
			MaxFiles: lc.MaxFiles,
			Types:    lc.FileTypes,
		})
		if err != nil {
			slog.Warn("failed to open packet log file", "file", lc.File, "err", err)
		} else {
			senders = append(senders, lw)
		}
	}
	return senders
}

func syslogSenders(targets []config.SyslogTarget, tag string) []logging.Sender {
	var senders []logging.Sender
	for _, t := range targets {
		client, err := logging.NewSyslogClient(t.Host, t.Port, logging.ParseFacility(t.Facility), tag)
		if err != nil {
			slog.Warn("failed to create syslog client", "host", t.Host, "err", err)
			continue
		}
		slog.Info("syslog target configured", "host", t.Host, "port", t.Port, "tag", tag)
		senders = append(senders, client)
	}
	return senders
}

// apiAuth converts the configured credentials, returning nil when none
// are set.
func apiAuth(ac config.AuthConfig) *api.AuthConfig {
	if len(ac.Users) == 0 && len(ac.APIKeys) == 0 {
		return nil
	}
	keys := make(map[string]bool, len(ac.APIKeys))
	for _, k := range ac.APIKeys {
		keys[k] = true
	}
	return &api.AuthConfig{Users: ac.Users, APIKeys: keys}
}

// Run starts the daemon and blocks until ctx is cancelled, a signal
// arrives, or the console exits.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting ipfd",
		"rules", d.cfg.RulesFile,
		"nat", d.cfg.NATFile,
		"pid", os.Getpid())

	// Load persisted rules
	if err := d.store.Load(); err != nil {
		slog.Warn("failed to load rules, starting with empty rule set", "err", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d.monitor.ReplaceSenders(packetSenders(d.cfg.Log))
	if d.opts.LogHandler != nil {
		d.opts.LogHandler.SetSenders(syslogSenders(d.cfg.Log.Syslog, "ipfd"))
	}

	httpAddr := d.cfg.Listen.HTTP
	if d.opts.HTTPAddr != "" {
		httpAddr = d.opts.HTTPAddr
	}
	grpcAddr := d.cfg.Listen.GRPC
	if d.opts.GRPCAddr != "" {
		grpcAddr = d.opts.GRPCAddr
	}
	apiSrv := api.NewServer(api.Config{
		Addr:      httpAddr,
		HTTPSAddr: d.cfg.Listen.HTTPS,
		TLS:       d.cfg.Listen.TLS,
		Auth:      apiAuth(d.cfg.Listen.Auth),
		Filter:    d.filter,
		Store:     d.store,
		EventBuf:  d.eventBuf,
		GC:        d.gc,
	})
	grpcSrv := grpcapi.NewServer(grpcAddr, grpcapi.Config{
		Filter:   d.filter,
		Store:    d.store,
		EventBuf: d.eventBuf,
		GC:       d.gc,
	})

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		d.gc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.monitor.Run(ctx)
	}()
	if d.exporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.exporter.Run(ctx)
		}()
	}
	spawn("HTTP API", apiSrv.Run)
	spawn("gRPC API", grpcSrv.Run)

	var removeHooks func() error
	if !d.opts.NoIntercept {
		if d.cfg.Queues.InstallHooks {
			rm, err := intercept.InstallHooks(d.cfg.Queues.In, d.cfg.Queues.Out)
			if err != nil {
				slog.Warn("failed to install queue hooks", "err", err)
			} else {
				removeHooks = rm
			}
		}
		links := &intercept.Links{}
		for _, q := range []*intercept.Queue{
			{Num: d.cfg.Queues.In, Dir: packet.In, Checker: d.filter, Names: links},
			{Num: d.cfg.Queues.Out, Dir: packet.Out, Checker: d.filter, Names: links},
		} {
			spawn(fmt.Sprintf("queue %d", q.Num), q.Run)
		}
	}

	consoleDone := make(chan error, 1)
	if d.opts.Console {
		shell := cli.New(grpcapi.NewLocal(grpcSrv), cli.Options{
			Banner:     "ipfd console (type ? for help)",
			Interfaces: intercept.List,
		})
		go func() {
			consoleDone <- shell.Run()
		}()
	}

	var runErr error
	select {
	case err := <-consoleDone:
		if err != nil {
			runErr = fmt.Errorf("CLI: %w", err)
		}
	case err := <-errCh:
		runErr = err
		slog.Error("service failed, shutting down", "err", err)
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	if removeHooks != nil {
		if err := removeHooks(); err != nil {
			slog.Warn("failed to remove queue hooks", "err", err)
		}
	}
	if d.responder != nil {
		d.responder.Close()
	}
	if d.exporter != nil {
		flows, pkts := d.exporter.Stats()
		slog.Info("flow export stopped", "flows", flows, "packets", pkts)
		d.exporter.Close()
	}
	logFinalStats(d.filter.Stats())
	d.monitor.ReplaceSenders(nil)
	if d.opts.LogHandler != nil {
		d.opts.LogHandler.SetSenders(nil)
	}

	slog.Info("shutdown complete")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// logFinalStats logs the packet counters before shutdown.
func logFinalStats(st filter.Stats) {
	slog.Info("final statistics",
		"in_pass", st.In.Pass,
		"in_block", st.In.Block,
		"out_pass", st.Out.Pass,
		"out_block", st.Out.Block,
		"bad", st.In.Bad+st.Out.Bad,
		"state_adds", st.In.StateAdds+st.Out.StateAdds,
		"replies", st.In.Replies+st.Out.Replies)
}
