// Package cmdtree defines the CLI command trees for ipf.
//
// Both the console CLI in ipfd and the remote ipfctl client complete,
// resolve and print help from these trees.
package cmdtree

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Context carries the live values dynamic nodes complete from.
type Context struct {
	Interfaces []string
	// History is the number of committed rule sets.
	History int
}

// Node defines a completion tree node with description, children, and optional dynamic values.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(ctx *Context) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

func interfaceNames(ctx *Context) []string {
	return ctx.Interfaces
}

func rollbackNumbers(ctx *Context) []string {
	out := make([]string, 0, ctx.History)
	for i := 0; i < ctx.History; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

// logFilters are the record selectors shared by "show log" and
// "monitor log".
func logFilters() map[string]*Node {
	return map[string]*Node{
		"interface": {Desc: "Only records for an interface", DynamicFn: interfaceNames},
		"type": {Desc: "Only records of a type", Children: map[string]*Node{
			"FILTER":       {Desc: "Filter verdicts"},
			"STATE_ADD":    {Desc: "State entries created"},
			"STATE_EXPIRE": {Desc: "State entries expired"},
			"NAT_MAP":      {Desc: "NAT sessions created"},
			"NAT_EXPIRE":   {Desc: "NAT sessions expired"},
		}},
		"protocol": {Desc: "Only records for a protocol", Children: map[string]*Node{
			"tcp":  {Desc: "TCP"},
			"udp":  {Desc: "UDP"},
			"icmp": {Desc: "ICMP"},
		}},
		"action": {Desc: "Only records with an action", Children: map[string]*Node{
			"pass":    {Desc: "Passed packets"},
			"block":   {Desc: "Blocked packets"},
			"log":     {Desc: "Log-only matches"},
			"nomatch": {Desc: "Packets no rule matched"},
		}},
	}
}

func ruleListNodes() map[string]*Node {
	return map[string]*Node{
		"in":         {Desc: "Inbound rules"},
		"out":        {Desc: "Outbound rules"},
		"accounting": {Desc: "Accounting rules instead of filter rules"},
		"inactive":   {Desc: "Inactive rule set"},
	}
}

// OperationalTree defines tab completion for operational mode.
var OperationalTree = map[string]*Node{
	"configure": {Desc: "Enter configuration mode"},
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status":        {Desc: "Show filter status summary"},
		"statistics":    {Desc: "Show packet counters by direction"},
		"rules":         {Desc: "Show rules with hit counts", Children: ruleListNodes()},
		"state":         {Desc: "Show state table"},
		"nat":           {Desc: "Show NAT rules and sessions"},
		"fragments":     {Desc: "Show fragment cache counters"},
		"log":           {Desc: "Show recent log records [N]", Children: logFilters()},
		"configuration": {Desc: "Show active rule files"},
		"history":       {Desc: "Show committed rule sets"},
	}},
	"clear": {Desc: "Clear tables and counters", Children: map[string]*Node{
		"statistics": {Desc: "Zero packet counters"},
		"rules": {Desc: "Zero rule hit counters", Children: map[string]*Node{
			"inactive": {Desc: "Zero the inactive set"},
		}},
		"state":     {Desc: "Remove all state entries"},
		"fragments": {Desc: "Remove all fragment entries"},
		"nat": {Desc: "Remove dynamic NAT sessions", Children: map[string]*Node{
			"rules": {Desc: "Also remove NAT rules and static sessions"},
		}},
	}},
	"request": {Desc: "Make system-level requests", Children: map[string]*Node{
		"swap-rules": {Desc: "Swap active and inactive rule sets"},
		"filter": {Desc: "Control packet filtering", Children: map[string]*Node{
			"enable":  {Desc: "Start filtering packets"},
			"disable": {Desc: "Pass all packets unfiltered"},
		}},
		"log-policy": {Desc: "Set verdicts logged without a log rule", Children: map[string]*Node{
			"none":    {Desc: "Log only rules that ask for it"},
			"pass":    {Desc: "Log passed packets"},
			"block":   {Desc: "Log blocked packets"},
			"nomatch": {Desc: "Log packets no rule matched"},
		}},
	}},
	"monitor": {Desc: "Follow live records", Children: map[string]*Node{
		"log": {Desc: "Stream log records until interrupted", Children: logFilters()},
	}},
	"quit": {Desc: "Exit CLI"},
	"exit": {Desc: "Exit CLI"},
}

// ConfigTopLevel defines tab completion for config mode top-level commands.
var ConfigTopLevel = map[string]*Node{
	"add": {Desc: "Add a filter rule ([@N] rule)", Children: map[string]*Node{
		"nat": {Desc: "Add a NAT rule"},
	}},
	"delete": {Desc: "Delete a filter rule", Children: map[string]*Node{
		"nat": {Desc: "Delete a NAT rule"},
	}},
	"show": {Desc: "Show candidate rule files", Children: map[string]*Node{
		"compare": {Desc: "Show pending changes against the active rules"},
	}},
	"compare": {Desc: "Show pending changes against the active rules"},
	"commit": {Desc: "Commit configuration", Children: map[string]*Node{
		"check":   {Desc: "Validate without applying"},
		"comment": {Desc: "Add comment to commit"},
	}},
	"load":     {Desc: "Replace candidate with rule files (rules-file [nat-file])"},
	"rollback": {Desc: "Load a committed rule set into the candidate", DynamicFn: rollbackNumbers},
	"run":      {Desc: "Run operational command"},
	"exit":     {Desc: "Exit configuration mode"},
	"quit":     {Desc: "Exit configuration mode"},
}

// --- Helper functions ---

// KeysFromTree returns a sorted list of keys from a Node map.
func KeysFromTree(tree map[string]*Node) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// walk follows words through tree. It returns the children reached, the
// last node matched and whether the last word was a dynamic value. ok is
// false when a word matches nothing.
func walk(tree map[string]*Node, words []string) (current map[string]*Node, last *Node, dynamicConsumed, ok bool) {
	current = tree
	for i, w := range words {
		dynamicConsumed = false
		node, found := current[w]
		if !found {
			// Word not in static children. If the parent has DynamicFn,
			// treat it as a dynamic value and stay at the same level.
			if last != nil && last.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil, nil, false, false
		}
		last = node
		if node.Children == nil {
			switch rest := len(words) - i - 1; {
			case rest == 0:
				return nil, node, false, true
			case rest == 1 && node.DynamicFn != nil:
				return nil, node, true, true
			}
			return nil, nil, false, false
		}
		current = node.Children
	}
	return current, last, dynamicConsumed, true
}

// CompleteFromTree walks the tree to find completion candidates for the given words and partial.
func CompleteFromTree(tree map[string]*Node, words []string, partial string, ctx *Context) []string {
	var names []string
	for _, c := range CompleteFromTreeWithDesc(tree, words, partial, ctx) {
		names = append(names, c.Name)
	}
	return names
}

// CompleteFromTreeWithDesc walks the tree returning name+description pairs.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string, ctx *Context) []Candidate {
	current, last, dynamicConsumed, ok := walk(tree, words)
	if !ok {
		return nil
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	// A leaf with values completes them once; after a value was typed the
	// next word is a keyword again.
	if !dynamicConsumed && last != nil && last.DynamicFn != nil && ctx != nil {
		for _, name := range last.DynamicFn(ctx) {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(live)"})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates
}

// LookupDesc finds the description for a candidate name given the command path words.
// Works for both operational and config mode.
func LookupDesc(words []string, name string, configMode bool) string {
	tree := OperationalTree
	if configMode {
		if len(words) > 0 && words[0] == "run" {
			words = words[1:]
		} else {
			tree = ConfigTopLevel
		}
	}
	current, _, _, ok := walk(tree, words)
	if !ok {
		return ""
	}
	if node, found := current[name]; found {
		return node.Desc
	}
	return ""
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// PrintTreeHelp prints self-generating help from a tree path.
func PrintTreeHelp(header string, tree map[string]*Node, path ...string) {
	fmt.Println(header)
	current, _, _, ok := walk(tree, path)
	if !ok || current == nil {
		return
	}
	WriteHelp(os.Stdout, HelpCandidates(current))
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// KeysOf returns an unsorted list of keys from a Node map.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix returns only items that start with the given prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
