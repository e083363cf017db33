// ipfd is the IP Filter daemon.
//
// It filters packets handed to it on netfilter queues against an ipf rule
// set and serves the HTTP and gRPC control APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/ipfrx/pkg/config"
	"github.com/psaab/ipfrx/pkg/daemon"
	"github.com/psaab/ipfrx/pkg/logging"
)

func main() {
	configFile := flag.String("config", "", "daemon configuration file (default: built-in defaults)")
	noIntercept := flag.Bool("no-intercept", false, "run without netfilter queues (control APIs only)")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides config)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC API listen address (overrides config)")
	console := flag.Bool("console", false, "start the interactive CLI on stdin")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	handler := logging.NewSyslogSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(slog.New(handler))
	defer handler.Close()

	cfg := config.DefaultDaemonConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadDaemonConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ipfd: %v\n", err)
			os.Exit(1)
		}
	}

	d, err := daemon.New(cfg, daemon.Options{
		HTTPAddr:    *apiAddr,
		GRPCAddr:    *grpcAddr,
		NoIntercept: *noIntercept,
		Console:     *console,
		LogHandler:  handler,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ipfd: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ipfd: %v\n", err)
		os.Exit(1)
	}
}
