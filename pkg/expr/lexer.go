package expr

import (
	"strconv"
	"unicode"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// Lexer tokenizes an arithmetic expression string.
type Lexer struct {
	input  string
	pos    int
	tokens []Token
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// Tokenize scans the entire input and returns all tokens.
func (l *Lexer) Tokenize() ([]Token, error) {
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.tokens = append(l.tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	return l.tokens, nil
}

var singleCharTokens = map[byte]TokenType{
	'+': TokenPlus,
	'-': TokenMinus,
	'*': TokenStar,
	'/': TokenSlash,
	'%': TokenPercent,
	'^': TokenCaret,
	'(': TokenLParen,
	')': TokenRParen,
	',': TokenComma,
}

// next returns the next token from the input.
func (l *Lexer) next() (Token, error) {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}, nil
	}

	ch := l.input[l.pos]

	// A leading '.' starts a number such as .5
	if isDigit(ch) || (ch == '.' && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1])) {
		return l.readNumber()
	}

	// "**" is accepted as an alias for '^'
	if ch == '*' && l.pos+1 < len(l.input) && l.input[l.pos+1] == '*' {
		l.pos += 2
		return Token{Type: TokenCaret, Value: "**", Pos: l.pos - 2}, nil
	}

	if tt, ok := singleCharTokens[ch]; ok {
		l.pos++
		return Token{Type: tt, Value: string(ch), Pos: l.pos - 1}, nil
	}

	if isIdentStart(ch) {
		return l.readIdentifier(), nil
	}

	return Token{}, types.NewSyntaxError(l.pos, "unexpected character "+strconv.Quote(string(ch)))
}

// readNumber reads an integer, decimal or exponent-form literal.
func (l *Lexer) readNumber() (Token, error) {
	start := l.pos
	seenDot := false

	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if isDigit(ch) {
			l.pos++
		} else if ch == '.' && !seenDot {
			seenDot = true
			l.pos++
		} else if ch == 'e' || ch == 'E' {
			// Only an exponent if digits follow, otherwise "2e" is 2 followed by identifier e
			j := l.pos + 1
			if j < len(l.input) && (l.input[j] == '+' || l.input[j] == '-') {
				j++
			}
			if j >= len(l.input) || !isDigit(l.input[j]) {
				break
			}
			l.pos = j
			for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
				l.pos++
			}
			break
		} else {
			break
		}
	}

	raw := l.input[start:l.pos]
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Token{}, types.NewSyntaxError(start, "invalid number "+strconv.Quote(raw))
	}
	return Token{Type: TokenNumber, Value: raw, NumVal: f, Pos: start}, nil
}

// readIdentifier reads an identifier. Dots are part of identifiers so that
// dotted names such as order.total bind as a single variable.
func (l *Lexer) readIdentifier() Token {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	// A trailing dot is not part of the name
	for l.pos > start+1 && l.input[l.pos-1] == '.' {
		l.pos--
	}
	return Token{Type: TokenIdent, Value: l.input[start:l.pos], Pos: start}
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '.'
}
