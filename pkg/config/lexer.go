// Package config parses and prints ipf filter and NAT rule text and loads
// the daemon configuration file.
package config

import (
	"fmt"
	"unicode"
)

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenIdentifier TokenType = iota // unquoted word
	TokenOp                          // port comparison operator
	TokenArrow                       // ->
	TokenLParen                      // (
	TokenRParen                      // )
	TokenComma                       // ,
	TokenAt                          // @
	TokenEOF
	TokenError
)

func (t TokenType) String() string {
	switch t {
	case TokenIdentifier:
		return "identifier"
	case TokenOp:
		return "operator"
	case TokenArrow:
		return "'->'"
	case TokenLParen:
		return "'('"
	case TokenRParen:
		return "')'"
	case TokenComma:
		return "','"
	case TokenAt:
		return "'@'"
	case TokenEOF:
		return "end of line"
	case TokenError:
		return "error"
	default:
		return "unknown"
	}
}

// Token is a single lexer token.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	if t.Type == TokenIdentifier || t.Type == TokenOp {
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer tokenizes one line of rule text.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
}

// NewLexer creates a new Lexer for input, reporting positions on line.
func NewLexer(input string, line int) *Lexer {
	return &Lexer{
		input:  input,
		line:   line,
		column: 1,
	}
}

// Next returns the next token, advancing the position.
func (l *Lexer) Next() Token {
	l.skipWhitespaceAndComments()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Line: l.line, Column: l.column}
	}

	ch := l.input[l.pos]
	col := l.column

	switch ch {
	case '(':
		l.advance()
		return Token{Type: TokenLParen, Value: "(", Line: l.line, Column: col}
	case ')':
		l.advance()
		return Token{Type: TokenRParen, Value: ")", Line: l.line, Column: col}
	case ',':
		l.advance()
		return Token{Type: TokenComma, Value: ",", Line: l.line, Column: col}
	case '@':
		l.advance()
		return Token{Type: TokenAt, Value: "@", Line: l.line, Column: col}
	case '=', '!', '<', '>':
		return l.readOp(col)
	case '-':
		if l.peekByte(1) == '>' {
			l.advance()
			l.advance()
			return Token{Type: TokenArrow, Value: "->", Line: l.line, Column: col}
		}
	}
	if isIdentChar(ch) {
		return l.readIdentifier(col)
	}
	l.advance()
	return Token{
		Type:   TokenError,
		Value:  fmt.Sprintf("unexpected character: %c", ch),
		Line:   l.line,
		Column: col,
	}
}

// Peek returns the next token without advancing.
func (l *Lexer) Peek() Token {
	savedPos := l.pos
	savedCol := l.column
	tok := l.Next()
	l.pos = savedPos
	l.column = savedCol
	return tok
}

func (l *Lexer) advance() {
	if l.pos < len(l.input) {
		l.column++
		l.pos++
	}
}

func (l *Lexer) peekByte(off int) byte {
	if l.pos+off < len(l.input) {
		return l.input[l.pos+off]
	}
	return 0
}

func (l *Lexer) skipWhitespaceAndComments() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n' {
			l.advance()
			continue
		}
		// Line comment: # to end of input.
		if ch == '#' {
			for l.pos < len(l.input) {
				l.advance()
			}
		}
		break
	}
}

// readOp reads = != < > <= >= <> ><.
func (l *Lexer) readOp(col int) Token {
	first := l.input[l.pos]
	l.advance()
	second := l.peekByte(0)
	op := string(first)
	switch {
	case first == '!' && second == '=',
		first == '<' && (second == '=' || second == '>'),
		first == '>' && (second == '=' || second == '<'):
		op += string(second)
		l.advance()
	case first == '!':
		return Token{Type: TokenError, Value: "unexpected character: !", Line: l.line, Column: col}
	}
	return Token{Type: TokenOp, Value: op, Line: l.line, Column: col}
}

func (l *Lexer) readIdentifier(col int) Token {
	start := l.pos
	for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
		// "->" ends a word so "a/32->b" splits around the arrow.
		if l.input[l.pos] == '-' && l.peekByte(1) == '>' {
			break
		}
		l.pos++
		l.column++
	}
	return Token{Type: TokenIdentifier, Value: l.input[start:l.pos], Line: l.line, Column: col}
}

// isIdentChar returns true if ch is valid in a rule word. Words cover
// keywords, addresses with masks (10.0.0.0/255.0.0.0), interface names
// (eth0.100), port ranges (20000:20010) and tcp/udp.
func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_' || ch == '.' ||
		ch == '/' || ch == ':'
}

// IsIdentRune is the rune version for use in tab completion.
func IsIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) ||
		r == '-' || r == '_' || r == '.' ||
		r == '/' || r == ':'
}
