package ast

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDecodeShorthand(t *testing.T) {
	src := `
- {type: LetStatement, name: answer, value: 42}
- !id answer
- 1.5
- hello
- true
- null
- {type: ExpressionStatement, expression: [1, two]}
- {type: ListLiteral, elements: [1, two, 3]}
- - {type: LetStatement, name: inner, value: 1}
`
	program, err := Decode([]byte(src), "shorthand.yaml")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if len(program.Statements) != 9 {
		t.Fatalf("wrong number of statements. got=%d", len(program.Statements))
	}

	let, ok := program.Statements[0].(*LetStatement)
	if !ok {
		t.Fatalf("statement 0 is %T", program.Statements[0])
	}
	if let.Name.Value != "answer" {
		t.Fatalf("wrong let name %q", let.Name.Value)
	}
	if lit, ok := let.Value.(*IntegerLiteral); !ok || lit.Value != 42 {
		t.Fatalf("wrong let value %#v", let.Value)
	}
	if let.Pos().Line != 2 || let.Pos().Column != 3 {
		t.Fatalf("wrong position %s", let.Pos())
	}

	tests := []struct {
		index int
		check func(Expression) bool
	}{
		{1, func(e Expression) bool { id, ok := e.(*Identifier); return ok && id.Value == "answer" }},
		{2, func(e Expression) bool { d, ok := e.(*DoubleLiteral); return ok && d.Value == 1.5 }},
		{3, func(e Expression) bool { s, ok := e.(*StringLiteral); return ok && s.Value == "hello" }},
		{4, func(e Expression) bool { b, ok := e.(*Boolean); return ok && b.Value }},
		{5, func(e Expression) bool { _, ok := e.(*Nil); return ok }},
		{6, func(e Expression) bool { l, ok := e.(*ListLiteral); return ok && len(l.Elements) == 2 }},
		{7, func(e Expression) bool { l, ok := e.(*ListLiteral); return ok && len(l.Elements) == 3 }},
	}

	for _, tt := range tests {
		stmt, ok := program.Statements[tt.index].(*ExpressionStatement)
		if !ok {
			t.Fatalf("statement %d is %T", tt.index, program.Statements[tt.index])
		}
		if !tt.check(stmt.Expression) {
			t.Fatalf("statement %d decoded wrongly: %#v", tt.index, stmt.Expression)
		}
	}

	block, ok := program.Statements[8].(*BlockStatement)
	if !ok || len(block.Statements) != 1 {
		t.Fatalf("nested sequence should be a block, got %#v", program.Statements[8])
	}
}

func TestDecodeProgramNode(t *testing.T) {
	src := `
type: Program
statements:
  - type: ExpressionStatement
    expression: {type: InfixExpression, operator: "+", left: {type: IntegerLiteral, value: 1}, right: {type: DoubleLiteral, value: 2}}
  - {type: ReturnStatement}
`
	program, err := Decode([]byte(src), "program.yaml")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if program.Name != "program.yaml" || len(program.Statements) != 2 {
		t.Fatalf("unexpected program %+v", program)
	}

	infix := program.Statements[0].(*ExpressionStatement).Expression.(*InfixExpression)
	if infix.Operator != "+" {
		t.Fatalf("wrong operator %q", infix.Operator)
	}
	if d, ok := infix.Right.(*DoubleLiteral); !ok || d.Value != 2 {
		t.Fatalf("explicit DoubleLiteral should coerce integers, got %#v", infix.Right)
	}

	ret := program.Statements[1].(*ReturnStatement)
	if ret.ReturnValue != nil {
		t.Fatalf("empty return should have no value")
	}
}

func TestDecodeFunctionLiteralNamedByLet(t *testing.T) {
	src := `
- type: LetStatement
  name: add
  value:
    type: FunctionLiteral
    parameters: [a, b]
    body:
      - {type: ReturnStatement, returnValue: {type: InfixExpression, operator: "+", left: !id a, right: !id b}}
`
	program, err := Decode([]byte(src), "fn.yaml")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	fl := program.Statements[0].(*LetStatement).Value.(*FunctionLiteral)
	if fl.Name != "add" {
		t.Fatalf("function should take the let name, got %q", fl.Name)
	}
	if len(fl.Parameters) != 2 || fl.Parameters[1].Value != "b" {
		t.Fatalf("wrong parameters %v", fl.Parameters)
	}
	if len(fl.Body.Statements) != 1 {
		t.Fatalf("wrong body %s", fl.Body)
	}
}

func TestDecodeMapLiteral(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"mapping shorthand", `- {type: MapLiteral, pairs: {foo: 1, bar: 2}}`},
		{"pair list", `- {type: MapLiteral, pairs: [{key: foo, value: 1}, {key: bar, value: 2}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			program, err := Decode([]byte(tt.src), "map.yaml")
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			ml := program.Statements[0].(*ExpressionStatement).Expression.(*MapLiteral)
			if len(ml.Pairs) != 2 {
				t.Fatalf("wrong number of pairs %d", len(ml.Pairs))
			}
			if key := ml.Pairs[0].Key.(*StringLiteral).Value; key != "foo" {
				t.Fatalf("pairs out of order, first key %q", key)
			}
			if key := ml.Pairs[1].Key.(*StringLiteral).Value; key != "bar" {
				t.Fatalf("pairs out of order, second key %q", key)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"unknown type", "- {type: WhileLoop}", 1},
		{"missing field", "\n- {type: LetStatement, name: x}", 2},
		{"unknown infix operator", `- {type: InfixExpression, operator: "%", left: 1, right: 2}`, 1},
		{"unknown prefix operator", `- {type: PrefixExpression, operator: "~", right: 1}`, 1},
		{"duplicate parameter", "- {type: FunctionLiteral, parameters: [a, a], body: []}", 1},
		{"untyped mapping", "- {name: x}", 1},
		{"bad map pair", "- {type: MapLiteral, pairs: [{key: a}]}", 1},
		{"wrong root", "type: LetStatement", 1},
		{"unknown tag", "- !custom x", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.src), "bad.yaml")
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected a DecodeError, got %v", err)
			}
			if decodeErr.Position.Line != tt.line {
				t.Fatalf("wrong line. got=%d, want=%d (%v)", decodeErr.Position.Line, tt.line, err)
			}
		})
	}

	if _, err := Decode([]byte("- [unclosed"), "broken.yaml"); err == nil {
		t.Fatalf("expected a YAML syntax error")
	}
}

func TestDecodeAliases(t *testing.T) {
	src := `
- {type: LetStatement, name: greeting, value: &hello {type: StringLiteral, value: hi}}
- {type: LetStatement, name: again, value: *hello}
`
	program, err := Decode([]byte(src), "alias.yaml")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	again := program.Statements[1].(*LetStatement).Value
	if s, ok := again.(*StringLiteral); !ok || s.Value != "hi" {
		t.Fatalf("alias should decode to the anchored literal, got %#v", again)
	}
}

func TestDecodeRejectsAliasExpansionBlowup(t *testing.T) {
	var b strings.Builder
	b.WriteString("- {type: ExpressionStatement, expression: &l0 [x, x, x, x, x, x, x, x, x, x]}\n")
	for i := 1; i <= 9; i++ {
		fmt.Fprintf(&b, "- {type: ExpressionStatement, expression: &l%d [", i)
		for j := 0; j < 10; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "*l%d", i-1)
		}
		b.WriteString("]}\n")
	}

	_, err := Decode([]byte(b.String()), "bomb.yaml")
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected a DecodeError, got %v", err)
	}
	if !strings.Contains(decodeErr.Message, "alias") {
		t.Fatalf("unexpected message %q", decodeErr.Message)
	}
}

func TestDecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	program, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("empty document should decode, got %v", err)
	}
	if len(program.Statements) != 0 {
		t.Fatalf("expected no statements")
	}

	if _, err := DecodeFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
