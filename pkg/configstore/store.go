// Package configstore keeps the rule and NAT files as a candidate/active
// pair with commit and rollback. A commit parses the candidate, loads it
// into the filter's inactive set and swaps, so the data path never sees a
// half-loaded rule set.
package configstore

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/psaab/ipfrx/pkg/config"
	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/ipferr"
	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/rules"
)

// Target is the rule engine a commit is applied to. *filter.Filter
// satisfies it.
type Target interface {
	AddRule(spec rules.Spec, opts filter.AddOptions) error
	Flush(mask rules.Flags, inactive bool) int
	Swap() int
	AddNAT(spec nat.Spec) error
	NATRules() []nat.Spec
	FlushNAT(clearRules bool) int
}

// Document is a rule set in canonical text form, one rule per line in
// evaluation order.
type Document struct {
	Rules []string
	NAT   []string
}

func (d Document) clone() Document {
	return Document{Rules: slices.Clone(d.Rules), NAT: slices.Clone(d.NAT)}
}

// RulesText returns the filter rules as file contents.
func (d Document) RulesText() string { return joinLines(d.Rules) }

// NATText returns the NAT rules as file contents.
func (d Document) NATText() string { return joinLines(d.NAT) }

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// ParseDocument parses rule and NAT file contents into canonical form.
// A rule written with @N is placed as the Nth line of the document.
func ParseDocument(rulesText, natText string) (Document, error) {
	var doc Document
	frs, err := config.ParseRules(rulesText)
	if err != nil {
		return doc, err
	}
	for _, fr := range frs {
		if doc.Rules, err = insertLine(doc.Rules, config.FormatRule(fr.Spec), fr.Position); err != nil {
			return Document{}, fmt.Errorf("line %d: %w", fr.Line, err)
		}
	}
	ns, err := config.ParseNATRules(natText)
	if err != nil {
		return doc, fmt.Errorf("nat: %w", err)
	}
	for _, n := range ns {
		if doc.NAT, err = insertLine(doc.NAT, config.FormatNAT(n), 0); err != nil {
			return Document{}, fmt.Errorf("nat: %w", err)
		}
	}
	return doc, nil
}

func insertLine(lines []string, line string, pos int) ([]string, error) {
	if slices.Contains(lines, line) {
		return lines, ipferr.Errorf(ipferr.KindExists, "rule already exists: %s", line)
	}
	if pos <= 0 || pos > len(lines) {
		return append(lines, line), nil
	}
	return slices.Insert(lines, pos-1, line), nil
}

func removeLine(lines []string, line string) ([]string, error) {
	i := slices.Index(lines, line)
	if i < 0 {
		return lines, ipferr.Errorf(ipferr.KindNotFound, "no matching rule: %s", line)
	}
	return slices.Delete(lines, i, i+1), nil
}

// specs parses the canonical lines back into rule records.
func (d Document) specs() ([]rules.Spec, []nat.Spec, error) {
	frs, err := config.ParseRules(d.RulesText())
	if err != nil {
		return nil, nil, err
	}
	rs := make([]rules.Spec, len(frs))
	for i, fr := range frs {
		rs[i] = fr.Spec
	}
	ns, err := config.ParseNATRules(d.NATText())
	if err != nil {
		return nil, nil, fmt.Errorf("nat: %w", err)
	}
	return rs, ns, nil
}

// Store manages the candidate and active rule documents.
type Store struct {
	mu        sync.RWMutex
	target    Target
	active    Document
	candidate *Document
	history   *History
	dirty     bool
	rulesPath string
	natPath   string
}

// New creates a store applying commits to target and persisting them to
// rulesPath and natPath. Empty paths disable persistence.
func New(target Target, rulesPath, natPath string, depth int) *Store {
	return &Store{
		target:    target,
		history:   NewHistory(depth),
		rulesPath: rulesPath,
		natPath:   natPath,
	}
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // start with no rules
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// Load reads the rule files from disk and applies them.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rulesText, err := readOptional(s.rulesPath)
	if err != nil {
		return err
	}
	natText, err := readOptional(s.natPath)
	if err != nil {
		return err
	}
	doc, err := ParseDocument(rulesText, natText)
	if err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}
	if err := s.apply(doc); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	s.active = doc
	s.history.Push(&HistoryEntry{Doc: doc.clone(), Timestamp: time.Now(), Comment: "loaded from disk"})
	slog.Info("rules loaded", "rules", len(doc.Rules), "nat", len(doc.NAT))
	return nil
}

// Save persists the active documents to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.save()
}

func (s *Store) save() error {
	if s.rulesPath != "" {
		if err := os.WriteFile(s.rulesPath, []byte(s.active.RulesText()), 0644); err != nil {
			return err
		}
	}
	if s.natPath != "" {
		if err := os.WriteFile(s.natPath, []byte(s.active.NATText()), 0644); err != nil {
			return err
		}
	}
	return nil
}

// EnterConfigure starts editing a candidate copied from the active rules.
func (s *Store) EnterConfigure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate != nil {
		return ipferr.Errorf(ipferr.KindInvalid, "already in configuration mode")
	}
	c := s.active.clone()
	s.candidate = &c
	s.dirty = false
	return nil
}

// ExitConfigure leaves configuration mode, discarding the candidate.
func (s *Store) ExitConfigure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidate = nil
	s.dirty = false
}

// InConfigMode returns true if a candidate is being edited.
func (s *Store) InConfigMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candidate != nil
}

// IsDirty returns true if the candidate has uncommitted edits.
func (s *Store) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

func (s *Store) edit(fn func(c *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return ipferr.Errorf(ipferr.KindInvalid, "not in configuration mode")
	}
	if err := fn(s.candidate); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// AddRule parses a filter rule and adds it to the candidate.
func (s *Store) AddRule(line string) error {
	fr, err := config.ParseRule(line)
	if err != nil {
		return err
	}
	return s.edit(func(c *Document) (err error) {
		c.Rules, err = insertLine(c.Rules, config.FormatRule(fr.Spec), fr.Position)
		return err
	})
}

// DeleteRule removes the candidate rule equal to line.
func (s *Store) DeleteRule(line string) error {
	fr, err := config.ParseRule(line)
	if err != nil {
		return err
	}
	return s.edit(func(c *Document) (err error) {
		c.Rules, err = removeLine(c.Rules, config.FormatRule(fr.Spec))
		return err
	})
}

// AddNAT parses a map or rdr rule and appends it to the candidate.
func (s *Store) AddNAT(line string) error {
	n, err := config.ParseNATRule(line)
	if err != nil {
		return err
	}
	return s.edit(func(c *Document) (err error) {
		c.NAT, err = insertLine(c.NAT, config.FormatNAT(n), 0)
		return err
	})
}

// DeleteNAT removes the candidate NAT rule equal to line.
func (s *Store) DeleteNAT(line string) error {
	n, err := config.ParseNATRule(line)
	if err != nil {
		return err
	}
	return s.edit(func(c *Document) (err error) {
		c.NAT, err = removeLine(c.NAT, config.FormatNAT(n))
		return err
	})
}

// Replace swaps the whole candidate for the given file contents.
func (s *Store) Replace(rulesText, natText string) error {
	doc, err := ParseDocument(rulesText, natText)
	if err != nil {
		return err
	}
	return s.edit(func(c *Document) error {
		*c = doc
		return nil
	})
}

// CommitCheck validates the candidate without applying it.
func (s *Store) CommitCheck() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate == nil {
		return ipferr.Errorf(ipferr.KindInvalid, "not in configuration mode")
	}
	_, _, err := s.candidate.specs()
	return err
}

// Commit applies the candidate, records it in the history and persists
// it. On failure the active rules are left
// as they were.
func (s *Store) Commit(comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.candidate == nil {
		return ipferr.Errorf(ipferr.KindInvalid, "not in configuration mode")
	}
	if err := s.apply(*s.candidate); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	s.active = s.candidate.clone()
	s.dirty = false
	s.history.Push(&HistoryEntry{
		Doc:       s.active.clone(),
		Timestamp: time.Now(),
		Comment:   comment,
	})

	if err := s.save(); err != nil {
		// The rules are live; only persistence failed.
		slog.Warn("failed to save rules", "err", err)
	}
	slog.Info("rules committed", "rules", len(s.active.Rules), "nat", len(s.active.NAT))
	return nil
}

// apply loads doc into the inactive set, replaces the NAT rules if they
// changed, and swaps the sets.
func (s *Store) apply(doc Document) error {
	rs, ns, err := doc.specs()
	if err != nil {
		return err
	}

	t := s.target
	t.Flush(rules.In|rules.Out, true)
	for i, spec := range rs {
		if err := t.AddRule(spec, filter.AddOptions{Inactive: true}); err != nil {
			t.Flush(rules.In|rules.Out, true)
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
	}

	// Replacing NAT rules drops their sessions, so leave them alone when
	// nothing changed.
	if prev := t.NATRules(); !slices.Equal(prev, ns) {
		t.FlushNAT(true)
		for _, n := range ns {
			if err := t.AddNAT(n); err != nil {
				t.FlushNAT(true)
				for _, p := range prev {
					if rerr := t.AddNAT(p); rerr != nil {
						slog.Warn("failed to restore nat rule", "rule", config.FormatNAT(p), "err", rerr)
					}
				}
				t.Flush(rules.In|rules.Out, true)
				return fmt.Errorf("nat rule %q: %w", config.FormatNAT(n), err)
			}
		}
	}

	t.Swap()
	return nil
}

// Rollback reverts the candidate to a previous rule set. n=0 reverts to
// the active rules; n>0 to the nth commit before the active one. The
// candidate still has to be committed.
func (s *Store) Rollback(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.candidate == nil {
		return ipferr.Errorf(ipferr.KindInvalid, "not in configuration mode")
	}

	if n == 0 {
		c := s.active.clone()
		s.candidate = &c
		s.dirty = false
		return nil
	}

	entry, err := s.history.Get(n)
	if err != nil {
		return ipferr.Wrap(err, ipferr.KindNotFound, "rollback")
	}
	c := entry.Doc.clone()
	s.candidate = &c
	s.dirty = true
	return nil
}

// History returns the committed rule sets, most recent first.
func (s *Store) History() []*HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.List()
}

// Active returns a copy of the active documents.
func (s *Store) Active() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.clone()
}

func formatDoc(d Document) string {
	var b strings.Builder
	b.WriteString("# filter rules\n")
	b.WriteString(d.RulesText())
	b.WriteString("# nat rules\n")
	b.WriteString(d.NATText())
	return b.String()
}

// ShowCandidate returns the candidate rules as text.
func (s *Store) ShowCandidate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate != nil {
		return formatDoc(*s.candidate)
	}
	return ""
}

// ShowActive returns the active rules as text.
func (s *Store) ShowActive() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return formatDoc(s.active)
}

// ShowCompare returns a diff between the active and candidate rules,
// with "-" for removed lines and "+" for added lines.
func (s *Store) ShowCompare() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.candidate == nil {
		return ""
	}

	var b strings.Builder
	diffLines(&b, s.active.Rules, s.candidate.Rules)
	diffLines(&b, s.active.NAT, s.candidate.NAT)
	if b.Len() == 0 {
		return "[no changes]\n"
	}
	return b.String()
}

func diffLines(b *strings.Builder, activeLines, candidateLines []string) {
	activeMap := make(map[string]bool, len(activeLines))
	for _, line := range activeLines {
		activeMap[line] = true
	}
	candidateMap := make(map[string]bool, len(candidateLines))
	for _, line := range candidateLines {
		candidateMap[line] = true
	}

	for _, line := range activeLines {
		if !candidateMap[line] {
			fmt.Fprintf(b, "- %s\n", line)
		}
	}
	for _, line := range candidateLines {
		if !activeMap[line] {
			fmt.Fprintf(b, "+ %s\n", line)
		}
	}
}
