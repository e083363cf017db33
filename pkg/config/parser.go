package config

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/psaab/ipfrx/pkg/ipferr"
	"github.com/psaab/ipfrx/pkg/nat"
	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

// ParseError reports a syntax error with its position.
type ParseError struct {
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Column, e.Msg)
}

// Is makes every ParseError match ipferr.ErrSyntax.
func (e *ParseError) Is(target error) bool {
	return target == ipferr.ErrSyntax
}

// FilterRule is a parsed filter rule. Position is the 1-based insertion
// point given with @N, zero to append.
type FilterRule struct {
	Spec     rules.Spec
	Position int
	Line     int
}

// ParseRules parses a rule file, one rule per line. Blank lines and
// comments are skipped.
func ParseRules(text string) ([]FilterRule, error) {
	var out []FilterRule
	err := eachLine(text, func(line string, n int) error {
		r, err := parseRuleLine(line, n)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// ParseRule parses a single rule.
func ParseRule(line string) (FilterRule, error) {
	return parseRuleLine(line, 1)
}

// ParseNATRules parses a NAT rule file, one map or rdr rule per line.
func ParseNATRules(text string) ([]nat.Spec, error) {
	var out []nat.Spec
	err := eachLine(text, func(line string, n int) error {
		r, err := parseNATLine(line, n)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// ParseNATRule parses a single map or rdr rule.
func ParseNATRule(line string) (nat.Spec, error) {
	return parseNATLine(line, 1)
}

func eachLine(text string, fn func(line string, n int) error) error {
	sc := bufio.NewScanner(strings.NewReader(text))
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if err := fn(line, n); err != nil {
			return err
		}
	}
	return sc.Err()
}

type parser struct {
	lex *Lexer
	tok Token
}

func newParser(line string, n int) *parser {
	p := &parser{lex: NewLexer(line, n)}
	p.next()
	return p
}

func (p *parser) next() Token {
	prev := p.tok
	p.tok = p.lex.Next()
	return prev
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Line: p.tok.Line, Column: p.tok.Column, Msg: fmt.Sprintf(format, args...)}
}

// is reports whether the current token is the keyword word.
func (p *parser) is(word string) bool {
	return p.tok.Type == TokenIdentifier && p.tok.Value == word
}

// accept consumes word if it is next.
func (p *parser) accept(word string) bool {
	if p.is(word) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(word string) error {
	if !p.accept(word) {
		return p.errorf("expected %q, got %s", word, p.tok)
	}
	return nil
}

func (p *parser) word(what string) (string, error) {
	if p.tok.Type != TokenIdentifier {
		return "", p.errorf("expected %s, got %s", what, p.tok)
	}
	return p.next().Value, nil
}

func (p *parser) number(what string, bits int) (uint64, error) {
	tok := p.tok
	s, err := p.word(what)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, &ParseError{Line: tok.Line, Column: tok.Column, Msg: fmt.Sprintf("bad %s %q", what, s)}
	}
	return n, nil
}

func (p *parser) end() error {
	if p.tok.Type == TokenError {
		return p.errorf("%s", p.tok.Value)
	}
	if p.tok.Type != TokenEOF {
		return p.errorf("unexpected %s", p.tok)
	}
	return nil
}

func parseRuleLine(line string, n int) (FilterRule, error) {
	p := newParser(line, n)
	r := FilterRule{Line: n}
	s := &r.Spec

	if p.tok.Type == TokenAt {
		p.next()
		pos, err := p.number("rule position", 31)
		if err != nil {
			return r, err
		}
		r.Position = int(pos)
	}

	switch {
	case p.accept("pass"):
		s.Flags |= rules.Pass
	case p.accept("block"):
		s.Flags |= rules.Block
		if err := p.parseReturn(s); err != nil {
			return r, err
		}
	case p.accept("log"):
		s.Flags |= rules.Log
	case p.accept("count"):
		s.Flags |= rules.Account
	default:
		return r, p.errorf("expected pass, block, log or count, got %s", p.tok)
	}

	switch {
	case p.accept("in"):
		s.Flags |= rules.In
	case p.accept("out"):
		s.Flags |= rules.Out
	default:
		return r, p.errorf("expected in or out, got %s", p.tok)
	}

	if p.accept("log") {
		s.Flags |= rules.Log
		if p.accept("body") {
			s.Flags |= rules.LogBody
		}
	}
	if p.accept("quick") {
		s.Flags |= rules.Quick
	}
	if p.accept("on") {
		iface, err := p.word("interface name")
		if err != nil {
			return r, err
		}
		s.Iface = iface
	}
	if p.accept("tos") {
		v, err := p.number("tos", 8)
		if err != nil {
			return r, err
		}
		s.TOS, s.TOSMask = uint8(v), 0xff
	}
	if p.accept("ttl") {
		v, err := p.number("ttl", 8)
		if err != nil {
			return r, err
		}
		s.TTL, s.TTLMask = uint8(v), 0xff
	}
	if p.accept("proto") {
		name, err := p.word("protocol")
		if err != nil {
			return r, err
		}
		if name == "tcp/udp" {
			s.TCPUDP = true
		} else {
			proto, err := packet.ParseProto(name)
			if err != nil {
				return r, p.errorf("%v", err)
			}
			s.Proto = proto
		}
	}

	if err := p.parseAddresses(s); err != nil {
		return r, err
	}
	if err := p.parseTail(s); err != nil {
		return r, err
	}
	if err := p.end(); err != nil {
		return r, err
	}
	return r, validateRule(s, n)
}

func (p *parser) parseReturn(s *rules.Spec) error {
	switch {
	case p.accept("return-rst"):
		s.Flags |= rules.ReturnRST
	case p.accept("return-icmp"):
		s.Flags |= rules.ReturnICMP
		if p.tok.Type != TokenLParen {
			return nil
		}
		p.next()
		name, err := p.word("icmp code")
		if err != nil {
			return err
		}
		code, err := packet.ParseUnreachCode(name)
		if err != nil {
			return p.errorf("%v", err)
		}
		s.ICMPCode = code
		if p.tok.Type != TokenRParen {
			return p.errorf("expected ')', got %s", p.tok)
		}
		p.next()
	}
	return nil
}

func (p *parser) parseAddresses(s *rules.Spec) error {
	if p.accept("all") {
		return nil
	}
	if err := p.expect("from"); err != nil {
		return err
	}
	var err error
	if s.Src, s.SrcMask, err = p.parseHost(); err != nil {
		return err
	}
	if s.SrcPort, err = p.parsePort(); err != nil {
		return err
	}
	if err := p.expect("to"); err != nil {
		return err
	}
	if s.Dst, s.DstMask, err = p.parseHost(); err != nil {
		return err
	}
	s.DstPort, err = p.parsePort()
	return err
}

// parseHost reads any, addr, addr/bits or addr/dotted-mask. The address is
// masked so a rule always holds its network address.
func (p *parser) parseHost() (packet.Addr, packet.Addr, error) {
	tok := p.tok
	s, err := p.word("address")
	if err != nil {
		return 0, 0, err
	}
	a, m, err := parseNet(s)
	if err != nil {
		return 0, 0, &ParseError{Line: tok.Line, Column: tok.Column, Msg: err.Error()}
	}
	return a & m, m, nil
}

// parseNet parses an address with an optional mask. A bare address is a
// single host; "any" is the zero network.
func parseNet(s string) (packet.Addr, packet.Addr, error) {
	if s == "any" {
		return 0, 0, nil
	}
	addr, mask, hasMask := strings.Cut(s, "/")
	a, err := packet.ParseAddr(addr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad address %q", addr)
	}
	if !hasMask {
		return a, 0xffffffff, nil
	}
	if strings.Contains(mask, ".") {
		m, err := packet.ParseAddr(mask)
		if err != nil {
			return 0, 0, fmt.Errorf("bad netmask %q", mask)
		}
		return a, m, nil
	}
	bits, err := strconv.Atoi(mask)
	if err != nil || bits < 0 || bits > 32 {
		return 0, 0, fmt.Errorf("bad prefix length %q", mask)
	}
	return a, packet.MaskBits(bits), nil
}

var portOpWords = map[string]rules.PortOp{
	"=": rules.PortEq, "eq": rules.PortEq,
	"!=": rules.PortNe, "ne": rules.PortNe,
	"<": rules.PortLt, "lt": rules.PortLt,
	">": rules.PortGt, "gt": rules.PortGt,
	"<=": rules.PortLe, "le": rules.PortLe,
	">=": rules.PortGe, "ge": rules.PortGe,
	"<>": rules.PortOutRange,
	"><": rules.PortInRange,
}

// parsePort reads "port <op> <n>" or "port <lo> <> <hi>" / "port <lo> >< <hi>".
func (p *parser) parsePort() (rules.PortMatch, error) {
	var m rules.PortMatch
	if !p.accept("port") {
		return m, nil
	}
	if op, ok := portOpWords[p.tok.Value]; ok && !op.IsRange() {
		p.next()
		n, err := p.number("port", 16)
		if err != nil {
			return m, err
		}
		return rules.PortMatch{Op: op, Port: uint16(n)}, nil
	}
	lo, err := p.number("port", 16)
	if err != nil {
		return m, err
	}
	op, ok := portOpWords[p.tok.Value]
	if p.tok.Type != TokenOp || !ok || !op.IsRange() {
		return m, p.errorf("expected <> or ><, got %s", p.tok)
	}
	p.next()
	hi, err := p.number("port", 16)
	if err != nil {
		return m, err
	}
	if hi < lo {
		return m, p.errorf("port range %d %s %d is reversed", lo, op, hi)
	}
	return rules.PortMatch{Op: op, Port: uint16(lo), High: uint16(hi)}, nil
}

// parseTail reads the optional clauses after the addresses.
func (p *parser) parseTail(s *rules.Spec) error {
	if p.accept("flags") {
		tok := p.tok
		v, err := p.word("tcp flags")
		if err != nil {
			return err
		}
		set, mask, hasMask := strings.Cut(v, "/")
		f, err := packet.ParseTCPFlags(set)
		if err != nil {
			return &ParseError{Line: tok.Line, Column: tok.Column, Msg: err.Error()}
		}
		s.TCPFlags, s.TCPFlagMask = f, 0xff
		if hasMask {
			m, err := packet.ParseTCPFlags(mask)
			if err != nil {
				return &ParseError{Line: tok.Line, Column: tok.Column, Msg: err.Error()}
			}
			s.TCPFlagMask = m
		}
		s.TCPFlags &= s.TCPFlagMask
	}
	if p.accept("icmp-type") {
		name, err := p.word("icmp type")
		if err != nil {
			return err
		}
		t, err := packet.ParseICMPType(name)
		if err != nil {
			return p.errorf("%v", err)
		}
		s.ICMP, s.ICMPMask = uint16(t)<<8, 0xff00
		if p.accept("code") {
			c, err := p.number("icmp code", 8)
			if err != nil {
				return err
			}
			s.ICMP |= uint16(c)
			s.ICMPMask = 0xffff
		}
	}
	if p.accept("with") {
		if err := p.parseWith(s); err != nil {
			return err
		}
		for p.accept("and") {
			if err := p.parseWith(s); err != nil {
				return err
			}
		}
	}
	for p.accept("keep") {
		switch {
		case p.accept("state"):
			s.Flags |= rules.KeepState
		case p.accept("frags"):
			s.Flags |= rules.KeepFrag
		default:
			return p.errorf("expected state or frags, got %s", p.tok)
		}
	}
	return nil
}

// parseWith reads one "[not] short|frag|ipopts|opt ..." term.
func (p *parser) parseWith(s *rules.Spec) error {
	neg := p.accept("not")
	class := func(f packet.Flags) {
		s.ClassMask |= f
		if !neg {
			s.Class |= f
		}
	}
	switch {
	case p.accept("short"):
		class(packet.FlagShort)
	case p.accept("frag"):
		class(packet.FlagFrag)
	case p.accept("ipopts"):
		class(packet.FlagOptions)
	case p.accept("opt"):
		if p.accept("sec-class") {
			return p.parseSecClasses(s, neg)
		}
		for {
			name, err := p.word("ip option name")
			if err != nil {
				return err
			}
			bit, ok := optionBit(name)
			if !ok {
				return p.errorf("unknown ip option %q", name)
			}
			s.OptsMask |= bit
			if !neg {
				s.Opts |= bit
			}
			if p.tok.Type != TokenComma {
				return nil
			}
			p.next()
		}
	default:
		return p.errorf("expected short, frag, ipopts or opt, got %s", p.tok)
	}
	return nil
}

func (p *parser) parseSecClasses(s *rules.Spec, neg bool) error {
	secBit, _ := optionBit("sec")
	for {
		name, err := p.word("security class")
		if err != nil {
			return err
		}
		bit, ok := secClassBit(name)
		if !ok {
			return p.errorf("unknown security class %q", name)
		}
		s.SecMask |= bit
		if !neg {
			s.Sec |= bit
			s.Opts |= secBit
			s.OptsMask |= secBit
		}
		if p.tok.Type != TokenComma {
			return nil
		}
		p.next()
	}
}

func optionBit(name string) (uint32, bool) {
	for _, o := range packet.Options() {
		if o.Name == name {
			return o.Bit, true
		}
	}
	return 0, false
}

func secClassBit(name string) (uint16, bool) {
	for _, c := range packet.SecClasses() {
		if c.Name == name {
			return c.Bit, true
		}
	}
	return 0, false
}

// validateRule rejects clauses that cannot apply to the rule's protocol.
func validateRule(s *rules.Spec, line int) error {
	fail := func(msg string) error {
		return &ParseError{Line: line, Column: 1, Msg: msg}
	}
	ports := s.Proto == packet.ProtoTCP || s.Proto == packet.ProtoUDP || s.TCPUDP
	if (s.SrcPort.Op != rules.PortNone || s.DstPort.Op != rules.PortNone) && !ports {
		return fail("port comparisons need proto tcp, udp or tcp/udp")
	}
	if s.TCPFlagMask != 0 && s.Proto != packet.ProtoTCP {
		return fail("flags need proto tcp")
	}
	if s.ICMPMask != 0 && s.Proto != packet.ProtoICMP {
		return fail("icmp-type needs proto icmp")
	}
	if s.Flags&rules.ReturnRST != 0 && s.Proto != packet.ProtoTCP && !s.TCPUDP {
		return fail("return-rst needs proto tcp")
	}
	return nil
}

func parseNATLine(line string, n int) (nat.Spec, error) {
	p := newParser(line, n)
	var s nat.Spec
	switch {
	case p.accept("map"):
		s.Kind = nat.Map
	case p.accept("rdr"):
		s.Kind = nat.Redirect
	default:
		return s, p.errorf("expected map or rdr, got %s", p.tok)
	}
	iface, err := p.word("interface name")
	if err != nil {
		return s, err
	}
	s.Iface = iface

	if s.Kind == nat.Map {
		err = p.parseMap(&s)
	} else {
		err = p.parseRdr(&s)
	}
	if err != nil {
		return s, err
	}
	if err := p.end(); err != nil {
		return s, err
	}
	return s, nil
}

func (p *parser) parseMap(s *nat.Spec) error {
	var err error
	if s.InAddr, s.InMask, err = p.parseHost(); err != nil {
		return err
	}
	if p.tok.Type != TokenArrow {
		return p.errorf("expected '->', got %s", p.tok)
	}
	p.next()
	if s.OutAddr, s.OutMask, err = p.parseHost(); err != nil {
		return err
	}
	if !p.accept("portmap") {
		return nil
	}
	if s.Proto, err = p.parseNATProto(); err != nil {
		return err
	}
	tok := p.tok
	rng, err := p.word("port range")
	if err != nil {
		return err
	}
	lo, hi, ok := strings.Cut(rng, ":")
	pmin, err1 := strconv.ParseUint(lo, 10, 16)
	pmax, err2 := strconv.ParseUint(hi, 10, 16)
	if !ok || err1 != nil || err2 != nil || pmin == 0 || pmin > pmax {
		return &ParseError{Line: tok.Line, Column: tok.Column, Msg: fmt.Sprintf("bad port range %q", rng)}
	}
	s.PortMin, s.PortMax = uint16(pmin), uint16(pmax)
	return nil
}

func (p *parser) parseRdr(s *nat.Spec) error {
	var err error
	host := p.tok
	if s.OutAddr, s.OutMask, err = p.parseHost(); err != nil {
		return err
	}
	if s.OutMask != 0xffffffff {
		return &ParseError{Line: host.Line, Column: host.Column, Msg: "rdr address must be a single host"}
	}
	if err := p.expect("port"); err != nil {
		return err
	}
	port, err := p.number("port", 16)
	if err != nil {
		return err
	}
	s.OutPort = uint16(port)
	if p.tok.Type != TokenArrow {
		return p.errorf("expected '->', got %s", p.tok)
	}
	p.next()
	tok := p.tok
	target, err := p.word("target address")
	if err != nil {
		return err
	}
	if s.InAddr, err = packet.ParseAddr(target); err != nil {
		return &ParseError{Line: tok.Line, Column: tok.Column, Msg: fmt.Sprintf("bad address %q", target)}
	}
	s.InMask = 0xffffffff
	if err := p.expect("port"); err != nil {
		return err
	}
	if port, err = p.number("port", 16); err != nil {
		return err
	}
	s.InPort = uint16(port)
	s.Proto = nat.ProtoTCP
	if p.tok.Type == TokenIdentifier {
		s.Proto, err = p.parseNATProto()
	}
	return err
}

func (p *parser) parseNATProto() (nat.Proto, error) {
	name, err := p.word("protocol")
	if err != nil {
		return 0, err
	}
	switch name {
	case "tcp":
		return nat.ProtoTCP, nil
	case "udp":
		return nat.ProtoUDP, nil
	case "tcp/udp":
		return nat.ProtoTCPUDP, nil
	}
	return 0, p.errorf("expected tcp, udp or tcp/udp, got %q", name)
}
