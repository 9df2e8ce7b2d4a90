package token

import "fmt"

type TokenType string

const (
	ILLEGAL = "ILLEGAL"

	// Identifiers + literals
	IDENT  = "IDENT"  // add, foobar, x, y, ...
	INT    = "INT"    // 1343456
	DOUBLE = "DOUBLE" // 3.14
	STRING = "STRING" // "foobar"

	// Operators
	ASSIGN   = "="
	PLUS     = "+"
	MINUS    = "-"
	BANG     = "!"
	ASTERISK = "*"
	SLASH    = "/"

	LT    = "<"
	LT_EQ = "<="
	GT    = ">"
	GT_EQ = ">="

	EQ     = "=="
	NOT_EQ = "!="

	// Delimiters
	PERIOD   = "."
	LPAREN   = "("
	LBRACE   = "{"
	LBRACKET = "["

	// Keywords
	FUNCTION = "FUNCTION"
	LET      = "LET"
	TRUE     = "TRUE"
	FALSE    = "FALSE"
	NIL      = "NIL"
	IF       = "IF"
	ELSE     = "ELSE"
	FOR      = "FOR"
	RETURN   = "RETURN"
)

// Position is a 1-based line/column location in the document the program was decoded from.
type Position struct {
	Line   int
	Column int
}

func (p Position) IsValid() bool { return p.Line > 0 }

func (p Position) String() string {
	if !p.IsValid() {
		return "-"
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

type Token struct {
	Type     TokenType
	Literal  string
	Position Position
}

var operators = map[string]TokenType{
	ASSIGN:   ASSIGN,
	PLUS:     PLUS,
	MINUS:    MINUS,
	BANG:     BANG,
	ASTERISK: ASTERISK,
	SLASH:    SLASH,
	LT:       LT,
	LT_EQ:    LT_EQ,
	GT:       GT,
	GT_EQ:    GT_EQ,
	EQ:       EQ,
	NOT_EQ:   NOT_EQ,
}

// LookupOperator returns the operator type for op and whether it is known.
func LookupOperator(op string) (TokenType, bool) {
	tok, ok := operators[op]
	return tok, ok
}
