// Package expr implements symbolic arithmetic expressions: a lexer and
// recursive descent parser for infix source, an immutable node tree, and an
// evaluator that reduces a tree to a number against a types.TokenContext.
package expr

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenNumber TokenType = iota // numeric literal
	TokenIdent                   // identifier (variable or function name)
	TokenComma                   // ,

	// Brackets
	TokenLParen // (
	TokenRParen // )

	// Arithmetic
	TokenPlus    // +
	TokenMinus   // -
	TokenStar    // *
	TokenSlash   // /
	TokenPercent // %
	TokenCaret   // ^

	TokenEOF // end of expression
)

// Token represents a single lexical token.
type Token struct {
	Type   TokenType
	Value  string  // raw source text
	NumVal float64 // parsed value (for TokenNumber)
	Pos    int     // position in source
}

// String returns a debug-friendly representation of the token type.
func (t TokenType) String() string {
	switch t {
	case TokenNumber:
		return "NUMBER"
	case TokenIdent:
		return "IDENT"
	case TokenComma:
		return "COMMA"
	case TokenLParen:
		return "LPAREN"
	case TokenRParen:
		return "RPAREN"
	case TokenPlus:
		return "PLUS"
	case TokenMinus:
		return "MINUS"
	case TokenStar:
		return "STAR"
	case TokenSlash:
		return "SLASH"
	case TokenPercent:
		return "PERCENT"
	case TokenCaret:
		return "CARET"
	case TokenEOF:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}
