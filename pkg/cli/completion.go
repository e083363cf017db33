package cli

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/psaab/ipfrx/pkg/cmdtree"
)

// pipeFilters defines the available pipe filter names and descriptions.
var pipeFilters = []cmdtree.Candidate{
	{Name: "count", Desc: "Count occurrences"},
	{Name: "except", Desc: "Show only text that does not match a pattern"},
	{Name: "find", Desc: "Search for first occurrence of pattern"},
	{Name: "grep", Desc: "Show only text that matches a pattern"},
	{Name: "last", Desc: "Display end of output only"},
	{Name: "match", Desc: "Show only text that matches a pattern"},
	{Name: "no-more", Desc: "Don't paginate output"},
}

// completePipeFilter returns pipe filter candidates matching the partial prefix.
// Returns false if the line doesn't contain a pipe.
func completePipeFilter(text string) (candidates []cmdtree.Candidate, handled bool) {
	idx := strings.LastIndex(text, "|")
	if idx < 0 {
		return nil, false
	}
	after := strings.TrimSpace(text[idx+1:])
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '

	// Right after "|" or "| " show all filters
	if after == "" {
		return pipeFilters, true
	}

	// A complete filter name was typed; its argument is freeform.
	if trailingSpace {
		return nil, true
	}

	for _, f := range pipeFilters {
		if strings.HasPrefix(f.Name, after) {
			candidates = append(candidates, f)
		}
	}
	return candidates, true
}

// splitPipe separates a command from its "| filter arg" stages.
func splitPipe(line string) (string, []string) {
	parts := strings.Split(line, "|")
	stages := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			stages = append(stages, p)
		}
	}
	return strings.TrimSpace(parts[0]), stages
}

// applyPipe runs output through each filter stage in turn.
func applyPipe(output string, stages []string) (string, error) {
	for _, stage := range stages {
		name, arg, _ := strings.Cut(stage, " ")
		arg = strings.TrimSpace(arg)
		lines := strings.SplitAfter(output, "\n")
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}

		var b strings.Builder
		switch name {
		case "match", "grep", "except":
			re, err := regexp.Compile(arg)
			if err != nil {
				return "", fmt.Errorf("%s: %w", name, err)
			}
			for _, l := range lines {
				if re.MatchString(l) == (name != "except") {
					b.WriteString(l)
				}
			}
		case "find":
			re, err := regexp.Compile(arg)
			if err != nil {
				return "", fmt.Errorf("find: %w", err)
			}
			for i, l := range lines {
				if re.MatchString(l) {
					b.WriteString(strings.Join(lines[i:], ""))
					break
				}
			}
		case "count":
			fmt.Fprintf(&b, "Count: %d lines\n", len(lines))
		case "last":
			n := 10
			if arg != "" {
				v, err := strconv.Atoi(arg)
				if err != nil || v <= 0 {
					return "", fmt.Errorf("last: invalid count %q", arg)
				}
				n = v
			}
			if n < len(lines) {
				lines = lines[len(lines)-n:]
			}
			b.WriteString(strings.Join(lines, ""))
		case "no-more":
			b.WriteString(output)
		default:
			return "", fmt.Errorf("unknown pipe filter %q", name)
		}
		output = b.String()
	}
	return output, nil
}

// completer implements readline.AutoCompleter from the command trees.
type completer struct {
	cli *CLI
}

func (cp *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '
	var partial string
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
		if partial == "|" {
			partial = ""
		}
	}

	var names []string
	if pipe, ok := completePipeFilter(text); ok {
		for _, c := range pipe {
			names = append(names, c.Name)
		}
	} else {
		names = cmdtree.CompleteFromTree(cp.cli.treeFor(words), cp.cli.treeWords(words), partial, cp.cli.completionContext())
	}

	var result [][]rune
	for _, n := range names {
		if !strings.HasPrefix(n, partial) {
			continue
		}
		result = append(result, []rune(n[len(partial):]+" "))
	}
	return result, len(partial)
}
