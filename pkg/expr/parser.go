package expr

import (
	"fmt"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// MaxExpressionLength is the maximum allowed length for a single expression.
const MaxExpressionLength = 4096

// FunctionSet reports which function names a parser accepts.
type FunctionSet interface {
	HasFunction(name string) bool
}

// ParseOption configures a Parser.
type ParseOption func(*Parser)

// AllowOperators restricts the operators the parser accepts to those in ops.
// An operator outside the set is reported as an UnknownOperator error.
func AllowOperators(ops *OperatorSet) ParseOption {
	return func(p *Parser) { p.ops = ops }
}

// AllowFunctions restricts calls to the functions in funcs.
func AllowFunctions(funcs FunctionSet) ParseOption {
	return func(p *Parser) { p.funcs = funcs }
}

// Parser is a recursive descent parser for arithmetic expressions.
type Parser struct {
	tokens []Token
	pos    int
	ops    *OperatorSet
	funcs  FunctionSet
}

// ParseExpression parses a complete expression string.
//
// Grammar, lowest precedence first:
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/" | "%") unary }
//	unary   = ("-" | "+") unary | power
//	power   = postfix [ ("^" | "**") unary ]
//	postfix = ident "(" [ expr { "," expr } ] ")" | primary
//	primary = number | ident | "(" expr ")"
func ParseExpression(input string, opts ...ParseOption) (Node, error) {
	if len(input) > MaxExpressionLength {
		return nil, types.NewResourceLimitError(
			fmt.Sprintf("expression exceeds maximum length of %d characters", MaxExpressionLength))
	}

	lexer := NewLexer(input)
	tokens, err := lexer.Tokenize()
	if err != nil {
		return nil, err
	}

	p := &Parser{tokens: tokens}
	for _, opt := range opts {
		opt(p)
	}

	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	if p.current().Type != TokenEOF {
		tok := p.current()
		return nil, types.NewSyntaxError(tok.Pos, fmt.Sprintf("unexpected token %s (%q)", tok.Type, tok.Value))
	}

	if err := checkLimits(node); err != nil {
		return nil, err
	}
	return node, nil
}

// checkLimits rejects trees the evaluator or the codec would refuse, and
// trees whose canonical form would itself be too long to parse.
func checkLimits(node Node) error {
	if d := Depth(node); d > DefaultMaxDepth {
		return types.NewResourceLimitError(
			fmt.Sprintf("expression nesting exceeds maximum depth of %d", DefaultMaxDepth))
	}
	if n := len(node.String()); n > MaxExpressionLength {
		return types.NewResourceLimitError(
			fmt.Sprintf("canonical form of expression is %d characters, exceeding the maximum of %d", n, MaxExpressionLength))
	}
	return nil
}

// MustParse is like ParseExpression but panics on error. Intended for
// expressions fixed at compile time.
func MustParse(input string) Node {
	n, err := ParseExpression(input)
	if err != nil {
		panic(fmt.Sprintf("expr: MustParse(%q): %v", input, err))
	}
	return n
}

// current returns the current token.
func (p *Parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

// advance consumes the current token and returns it.
func (p *Parser) advance() Token {
	tok := p.current()
	p.pos++
	return tok
}

// expect consumes a token of the expected type or returns an error.
func (p *Parser) expect(tt TokenType) (Token, error) {
	tok := p.current()
	if tok.Type != tt {
		return tok, types.NewSyntaxError(tok.Pos, fmt.Sprintf("expected %s, got %s", tt, tok.Type))
	}
	p.advance()
	return tok, nil
}

func (p *Parser) checkBinary(op Op, tok Token) error {
	if p.ops == nil {
		return nil
	}
	if _, ok := p.ops.Binary(op); !ok {
		e := types.NewUnknownOperatorError(string(op))
		e.Pos = tok.Pos
		return e
	}
	return nil
}

func (p *Parser) checkUnary(op Op, tok Token) error {
	if p.ops == nil {
		return nil
	}
	if _, ok := p.ops.Unary(op); !ok {
		e := types.NewUnknownOperatorError(string(op))
		e.Pos = tok.Pos
		return e
	}
	return nil
}

var binaryTokenOps = map[TokenType]Op{
	TokenPlus:    OpAdd,
	TokenMinus:   OpSub,
	TokenStar:    OpMul,
	TokenSlash:   OpDiv,
	TokenPercent: OpMod,
	TokenCaret:   OpPow,
}

// parseExpression is the entry point: handles the lowest precedence operators.
func (p *Parser) parseExpression() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	for p.current().Type == TokenPlus || p.current().Type == TokenMinus {
		tok := p.advance()
		op := binaryTokenOps[tok.Type]
		if err := p.checkBinary(op, tok); err != nil {
			return nil, err
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseTerm() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.current().Type == TokenStar || p.current().Type == TokenSlash ||
		p.current().Type == TokenPercent {
		tok := p.advance()
		op := binaryTokenOps[tok.Type]
		if err := p.checkBinary(op, tok); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Node, error) {
	var op Op
	switch p.current().Type {
	case TokenMinus:
		op = OpNeg
	case TokenPlus:
		op = OpPos
	default:
		return p.parsePower()
	}

	tok := p.advance()
	if err := p.checkUnary(op, tok); err != nil {
		return nil, err
	}
	operand, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &UnaryOp{Op: op, Operand: operand}, nil
}

func (p *Parser) parsePower() (Node, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}

	if p.current().Type != TokenCaret {
		return base, nil
	}
	tok := p.advance()
	if err := p.checkBinary(OpPow, tok); err != nil {
		return nil, err
	}
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &BinaryOp{Op: OpPow, Left: base, Right: exp}, nil
}

func (p *Parser) parsePostfix() (Node, error) {
	tok := p.current()
	if tok.Type != TokenIdent || p.peekType() != TokenLParen {
		return p.parsePrimary()
	}

	p.advance()
	if p.funcs != nil && !p.funcs.HasFunction(tok.Value) {
		e := types.NewUnknownFunctionError(tok.Value)
		e.Pos = tok.Pos
		return nil, e
	}
	args, err := p.parseArgList()
	if err != nil {
		return nil, err
	}
	return &Call{Name: tok.Value, Args: args}, nil
}

func (p *Parser) peekType() TokenType {
	if p.pos+1 >= len(p.tokens) {
		return TokenEOF
	}
	return p.tokens[p.pos+1].Type
}

func (p *Parser) parsePrimary() (Node, error) {
	tok := p.current()

	switch tok.Type {
	case TokenNumber:
		p.advance()
		return &Constant{Value: tok.NumVal}, nil
	case TokenIdent:
		p.advance()
		return &Variable{Name: tok.Value}, nil
	case TokenLParen:
		p.advance()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case TokenEOF:
		return nil, types.NewSyntaxError(tok.Pos, "unexpected end of expression")
	default:
		return nil, types.NewSyntaxError(tok.Pos, fmt.Sprintf("unexpected token %s (%q)", tok.Type, tok.Value))
	}
}

// parseArgList parses (expr, expr, ...).
func (p *Parser) parseArgList() ([]Node, error) {
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}

	var args []Node
	for p.current().Type != TokenRParen {
		if len(args) > 0 {
			if _, err := p.expect(TokenComma); err != nil {
				return nil, err
			}
		}
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return args, nil
}
