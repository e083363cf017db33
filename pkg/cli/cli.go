// Package cli implements the interactive ipf command line shared by the
// ipfd console and ipfctl.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/ipfrx/pkg/api"
	"github.com/psaab/ipfrx/pkg/cmdtree"
)

// Backend executes control methods. grpcapi.Client and grpcapi.Local
// implement it.
type Backend interface {
	Call(ctx context.Context, method string, args map[string]any, out any) error
	StreamLog(ctx context.Context, args map[string]any, fn func(api.EventEntry) error) error
}

// Options configures a CLI.
type Options struct {
	// Banner is printed when the interactive loop starts.
	Banner      string
	HistoryFile string
	// Interfaces lists interface names for completion. May be nil.
	Interfaces func() []string
	Out        io.Writer
}

// CLI is the interactive command-line interface.
type CLI struct {
	rl         *readline.Instance
	backend    Backend
	opts       Options
	out        io.Writer
	hostname   string
	username   string
	configMode bool
}

// New creates a new CLI.
func New(b Backend, opts Options) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ipf"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "root"
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &CLI{
		backend:  b,
		opts:     opts,
		out:      out,
		hostname: hostname,
		username: username,
	}
}

// Run starts the interactive CLI loop.
func (c *CLI) Run() error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.operationalPrompt(),
		HistoryFile:     c.opts.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{cli: c},
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()
	c.out = c.rl.Stdout()

	if c.opts.Banner != "" {
		fmt.Fprintln(c.out, c.opts.Banner)
	}
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.Execute(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(c.rl.Stderr(), "error: %v\n", err)
		}
	}

	// Leave config mode so the server does not keep a stale candidate.
	if c.configMode {
		c.call("ExitConfigure", nil, nil)
	}
	return nil
}

var errExit = errors.New("exit")

// IsExit reports whether err is the result of a quit or exit command.
func IsExit(err error) bool { return errors.Is(err, errExit) }

// Execute runs one command line, applying any "| filter" stages to its
// output.
func (c *CLI) Execute(line string) error {
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}

	cmd, stages := splitPipe(line)
	if len(stages) == 0 {
		return c.dispatch(cmd)
	}

	out := c.out
	var buf bytes.Buffer
	c.out = &buf
	err := c.dispatch(cmd)
	c.out = out
	if err != nil {
		return err
	}
	filtered, err := applyPipe(buf.String(), stages)
	if err != nil {
		return err
	}
	io.WriteString(c.out, filtered)
	return nil
}

func (c *CLI) dispatch(line string) error {
	if c.configMode {
		return c.dispatchConfig(line)
	}
	return c.dispatchOperational(line)
}

func (c *CLI) call(method string, args map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.backend.Call(ctx, method, args, out)
}

func (c *CLI) dispatchOperational(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "configure":
		if err := c.call("EnterConfigure", nil, nil); err != nil {
			return err
		}
		c.configMode = true
		c.setPrompt(c.configPrompt())
		fmt.Fprintln(c.out, "Entering configuration mode")
		return nil

	case "show":
		return c.handleShow(parts[1:])

	case "clear":
		return c.handleClear(parts[1:])

	case "request":
		return c.handleRequest(parts[1:])

	case "monitor":
		return c.handleMonitor(parts[1:])

	case "quit", "exit":
		return errExit

	case "help":
		c.showOperationalHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) dispatchConfig(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "add", "delete":
		args := map[string]any{}
		rest := parts[1:]
		if len(rest) > 0 && rest[0] == "nat" {
			args["nat"] = true
			rest = rest[1:]
		}
		if len(rest) == 0 {
			return fmt.Errorf("%s: missing rule", parts[0])
		}
		args["rule"] = strings.Join(rest, " ")
		method := "AddRule"
		if parts[0] == "delete" {
			method = "DeleteRule"
		}
		return c.call(method, args, nil)

	case "show":
		if len(parts) > 1 && parts[1] == "compare" {
			return c.showText("ShowCompare", nil)
		}
		return c.showText("ShowConfig", map[string]any{"target": "candidate"})

	case "compare":
		return c.showText("ShowCompare", nil)

	case "commit":
		return c.handleCommit(parts[1:])

	case "load":
		return c.handleLoad(parts[1:])

	case "rollback":
		n := 0
		if len(parts) >= 2 {
			v, err := strconv.Atoi(parts[1])
			if err != nil || v < 0 {
				return fmt.Errorf("rollback: invalid index %q", parts[1])
			}
			n = v
		}
		if err := c.call("Rollback", map[string]any{"n": n}, nil); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "load complete")
		return nil

	case "run":
		if len(parts) < 2 {
			return fmt.Errorf("run: missing command")
		}
		return c.dispatchOperational(strings.Join(parts[1:], " "))

	case "exit", "quit":
		var st api.ConfigStatus
		if err := c.call("ConfigStatus", nil, &st); err == nil && st.Dirty {
			fmt.Fprintln(c.out, "warning: uncommitted changes will be discarded")
		}
		if err := c.call("ExitConfigure", nil, nil); err != nil {
			return err
		}
		c.configMode = false
		c.setPrompt(c.operationalPrompt())
		fmt.Fprintln(c.out, "Exiting configuration mode")
		return nil

	case "help":
		c.showConfigHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s (in configuration mode)", parts[0])
	}
}

func (c *CLI) handleCommit(args []string) error {
	if len(args) > 0 && args[0] == "check" {
		var out api.TextOutput
		if err := c.call("CommitCheck", nil, &out); err != nil {
			return fmt.Errorf("commit check failed: %w", err)
		}
		fmt.Fprintln(c.out, out.Output)
		return nil
	}

	var comment string
	if len(args) > 0 && args[0] == "comment" {
		comment = strings.Trim(strings.Join(args[1:], " "), `"`)
	}
	if err := c.call("Commit", map[string]any{"comment": comment}, nil); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "commit complete")
	return nil
}

func (c *CLI) handleLoad(args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("usage: load <rules-file> [nat-file]")
	}
	rulesText, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var natText []byte
	if len(args) == 2 {
		if natText, err = os.ReadFile(args[1]); err != nil {
			return err
		}
	}
	if err := c.call("LoadRules", map[string]any{"rules": string(rulesText), "nat": string(natText)}, nil); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "load complete")
	return nil
}

func (c *CLI) showText(method string, args map[string]any) error {
	var out api.TextOutput
	if err := c.call(method, args, &out); err != nil {
		return err
	}
	io.WriteString(c.out, out.Output)
	return nil
}

func (c *CLI) handleClear(args []string) error {
	if len(args) == 0 {
		cmdtree.PrintTreeHelp("clear:", cmdtree.OperationalTree, "clear")
		return nil
	}
	var res api.FlushResult
	switch args[0] {
	case "statistics":
		if err := c.call("ZeroStats", nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "filter statistics cleared")
		return nil
	case "rules":
		set := ""
		if len(args) > 1 && args[1] == "inactive" {
			set = "inactive"
		}
		if err := c.call("ZeroRules", map[string]any{"set": set}, &res); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%d rule counters cleared\n", res.Removed)
	case "state":
		if err := c.call("FlushState", nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%d state entries removed\n", res.Removed)
	case "fragments":
		if err := c.call("FlushFrag", nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%d fragment entries removed\n", res.Removed)
	case "nat":
		withRules := len(args) > 1 && args[1] == "rules"
		if err := c.call("FlushNAT", map[string]any{"rules": withRules}, &res); err != nil {
			return err
		}
		if withRules {
			fmt.Fprintf(c.out, "%d NAT rules and sessions removed\n", res.Removed)
		} else {
			fmt.Fprintf(c.out, "%d NAT sessions removed\n", res.Removed)
		}
	default:
		return fmt.Errorf("clear: unknown target %q", args[0])
	}
	return nil
}

func (c *CLI) handleRequest(args []string) error {
	if len(args) == 0 {
		cmdtree.PrintTreeHelp("request:", cmdtree.OperationalTree, "request")
		return nil
	}
	switch args[0] {
	case "swap-rules":
		var res map[string]int
		if err := c.call("SwapRules", nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "rule set %d is now active\n", res["active_set"])
	case "filter":
		if len(args) < 2 || (args[1] != "enable" && args[1] != "disable") {
			return fmt.Errorf("usage: request filter enable|disable")
		}
		if err := c.call("SetEnabled", map[string]any{"enabled": args[1] == "enable"}, nil); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "filtering %sd\n", args[1])
	case "log-policy":
		if len(args) < 2 {
			return fmt.Errorf("usage: request log-policy none|pass|block|nomatch ...")
		}
		var res map[string]string
		if err := c.call("SetLogPolicy", map[string]any{"policy": strings.Join(args[1:], ",")}, &res); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "log policy: %s (was %s)\n", res["log_policy"], res["previous"])
	default:
		return fmt.Errorf("request: unknown target %q", args[0])
	}
	return nil
}

// parseLogArgs reads "[N] [interface X] [type X] [protocol X] [action X]".
func parseLogArgs(args []string, allowCount bool) (map[string]any, error) {
	out := map[string]any{}
	keys := map[string]string{"interface": "iface", "type": "type", "protocol": "proto", "action": "action"}
	for i := 0; i < len(args); i++ {
		if key, ok := keys[args[i]]; ok {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s: missing value", args[i])
			}
			out[key] = args[i+1]
			i++
			continue
		}
		n, err := strconv.Atoi(args[i])
		if !allowCount || err != nil || n <= 0 {
			return nil, fmt.Errorf("unexpected argument %q", args[i])
		}
		out["n"] = n
	}
	return out, nil
}

func (c *CLI) handleMonitor(args []string) error {
	if len(args) == 0 || args[0] != "log" {
		return fmt.Errorf("usage: monitor log [interface X] [type X] [protocol X] [action X]")
	}
	filters, err := parseLogArgs(args[1:], false)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	fmt.Fprintln(c.out, "monitoring log records, ^C to stop")
	return c.backend.StreamLog(ctx, filters, func(e api.EventEntry) error {
		fmt.Fprintf(c.out, "%s %s\n", e.Time, e.Line)
		return nil
	})
}

// --- Completion and help ---

// treeFor picks the tree the words are completed against.
func (c *CLI) treeFor(words []string) map[string]*cmdtree.Node {
	if c.configMode && (len(words) == 0 || words[0] != "run") {
		return cmdtree.ConfigTopLevel
	}
	return cmdtree.OperationalTree
}

// treeWords strips the "run" prefix in config mode.
func (c *CLI) treeWords(words []string) []string {
	if c.configMode && len(words) > 0 && words[0] == "run" {
		return words[1:]
	}
	return words
}

func (c *CLI) completionContext() *cmdtree.Context {
	ctx := &cmdtree.Context{}
	if c.opts.Interfaces != nil {
		ctx.Interfaces = c.opts.Interfaces()
	}
	if c.configMode {
		var hist []api.HistoryItem
		if err := c.call("ListHistory", nil, &hist); err == nil {
			ctx.History = len(hist)
		}
	}
	return ctx
}

func (c *CLI) showContextHelp(prefix string) {
	words := strings.Fields(prefix)
	partial := ""
	if len(prefix) > 0 && prefix[len(prefix)-1] != ' ' && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	if pipe, ok := completePipeFilter(prefix); ok {
		cmdtree.WriteHelp(c.out, pipe)
		return
	}
	candidates := cmdtree.CompleteFromTreeWithDesc(c.treeFor(words), c.treeWords(words), partial, c.completionContext())
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "  (no help available)")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

// --- Prompts ---

func (c *CLI) setPrompt(p string) {
	if c.rl != nil {
		c.rl.SetPrompt(p)
	}
}

func (c *CLI) operationalPrompt() string {
	return fmt.Sprintf("%s@%s> ", c.username, c.hostname)
}

func (c *CLI) configPrompt() string {
	return fmt.Sprintf("[edit]\n%s@%s# ", c.username, c.hostname)
}

// --- Help ---

func (c *CLI) showOperationalHelp() {
	fmt.Fprint(c.out, `Operational mode commands:
  configure                        Enter configuration mode
  show status                      Show filter status summary
  show statistics                  Show packet counters
  show rules [in|out] [accounting] [inactive]
                                   Show rules with hit counts
  show state                       Show state table
  show nat                         Show NAT rules and sessions
  show fragments                   Show fragment cache counters
  show log [N] [interface X] [type X] [protocol X] [action X]
                                   Show recent log records
  show configuration               Show active rule files
  show history                     Show committed rule sets
  clear statistics|rules|state|fragments|nat
                                   Clear counters and tables
  request swap-rules               Swap active and inactive rule sets
  request filter enable|disable    Turn filtering on or off
  request log-policy <verdicts>    Log verdicts without a log rule
  monitor log [filters]            Stream log records
  quit                             Exit CLI
`)
}

func (c *CLI) showConfigHelp() {
	fmt.Fprint(c.out, `Configuration mode commands:
  add [nat] <rule>             Add a rule to the candidate (@N inserts)
  delete [nat] <rule>          Delete a rule from the candidate
  show                         Show candidate rule files
  show compare | compare       Show pending changes against the active rules
  load <rules-file> [nat-file] Replace the candidate with rule files
  commit                       Validate and apply the candidate
  commit check                 Validate without applying
  commit comment <text>        Apply and record a comment
  rollback [n]                 Load committed rule set n into the candidate
  run <cmd>                    Run operational command
  exit                         Exit configuration mode
`)
}
