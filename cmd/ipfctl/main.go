// ipfctl is the remote CLI client for ipfd.
//
// It connects to the ipfd gRPC API and provides the same interactive CLI
// as the embedded console. With -c it runs the given commands and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/psaab/ipfrx/pkg/api"
	"github.com/psaab/ipfrx/pkg/cli"
	"github.com/psaab/ipfrx/pkg/grpcapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "ipfd gRPC address")
	command := flag.String("c", "", "run the ;-separated commands and exit")
	flag.Parse()

	client, err := grpcapi.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ipfctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	var st api.StatusResponse
	err = client.Call(ctx, "GetStatus", nil, &st)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ipfctl: cannot reach ipfd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	if *command != "" {
		c := cli.New(client, cli.Options{})
		for _, line := range strings.Split(*command, ";") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := c.Execute(line); err != nil {
				if cli.IsExit(err) {
					break
				}
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
		}
		return
	}

	c := cli.New(client, cli.Options{
		Banner:      fmt.Sprintf("ipfctl: connected to ipfd at %s (uptime: %s)", *addr, st.Uptime),
		HistoryFile: "/tmp/ipfctl_history",
	})
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ipfctl: %v\n", err)
		os.Exit(1)
	}
}
