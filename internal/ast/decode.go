package ast

import (
	"fmt"
	"os"
	"rash/internal/token"

	"gopkg.in/yaml.v3"
)

// IdentTag marks a YAML scalar as an identifier reference, e.g. `!id fib`.
const IdentTag = "!id"

// maxAliasExpansions bounds how many YAML aliases one document may expand. Every alias decodes
// its anchored subtree again, so nested aliases grow the tree exponentially.
const maxAliasExpansions = 1000

// DecodeError reports a malformed AST document together with the offending location.
type DecodeError struct {
	Name     string
	Position token.Position
	Message  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s:%s: %s", e.Name, e.Position, e.Message)
}

// DecodeFile reads and decodes the AST document at path.
func DecodeFile(path string) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read program %s: %w", path, err)
	}
	return Decode(src, path)
}

// Decode builds a Program from a YAML (or JSON) document shaped like the `type`-tagged AST dump:
//
//	- type: LetStatement
//	  name: doubled
//	  value:
//	    type: FunctionLiteral
//	    parameters: []
//	    body:
//	      - type: ReturnStatement
//	        returnValue: {type: InfixExpression, operator: "*", left: !id some_constant, right: 2}
//
// Plain scalars are literals, `!id` scalars are identifiers and a sequence in statement position
// is a block.
func Decode(src []byte, name string) (*Program, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, fmt.Errorf("unable to decode program %s: %w", name, err)
	}

	program := &Program{Name: name}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return program, nil
	}

	d := &decoder{name: name}
	root := doc.Content[0]

	var stmts *yaml.Node
	switch root.Kind {
	case yaml.SequenceNode:
		stmts = root
	case yaml.MappingNode:
		f, err := d.fields(root)
		if err != nil {
			return nil, err
		}
		if typ := f.typ(); typ != "Program" {
			return nil, d.errorf(root, "top level node must be a Program or a statement list, got %q", typ)
		}
		stmts = f.get("statements")
		if stmts == nil {
			return program, nil
		}
	default:
		return nil, d.errorf(root, "top level node must be a Program or a statement list")
	}

	statements, err := d.statementList(stmts)
	if err != nil {
		return nil, err
	}
	program.Statements = statements
	return program, nil
}

type decoder struct {
	name    string
	aliases int
}

type nodeFields map[string]*yaml.Node

func (f nodeFields) get(key string) *yaml.Node { return f[key] }

func (f nodeFields) typ() string {
	if n, ok := f["type"]; ok && n.Kind == yaml.ScalarNode {
		return n.Value
	}
	return ""
}

func position(n *yaml.Node) token.Position {
	return token.Position{Line: n.Line, Column: n.Column}
}

func (d *decoder) errorf(n *yaml.Node, format string, a ...interface{}) error {
	return &DecodeError{Name: d.name, Position: position(n), Message: fmt.Sprintf(format, a...)}
}

func (d *decoder) fields(n *yaml.Node) (nodeFields, error) {
	f := nodeFields{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i]
		if key.Kind != yaml.ScalarNode {
			return nil, d.errorf(key, "node field names must be scalars")
		}
		f[key.Value] = n.Content[i+1]
	}
	return f, nil
}

func (d *decoder) required(n *yaml.Node, f nodeFields, key string) (*yaml.Node, error) {
	v := f.get(key)
	if v == nil {
		return nil, d.errorf(n, "%s requires field %q", f.typ(), key)
	}
	return v, nil
}

func (d *decoder) scalar(n *yaml.Node, what string) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", d.errorf(n, "%s must be a scalar", what)
	}
	return n.Value, nil
}

func (d *decoder) statementList(n *yaml.Node) ([]Statement, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, d.errorf(n, "expected a list of statements")
	}
	statements := make([]Statement, 0, len(n.Content))
	for _, item := range n.Content {
		stmt, err := d.statement(item)
		if err != nil {
			return nil, err
		}
		statements = append(statements, stmt)
	}
	return statements, nil
}

func (d *decoder) block(n *yaml.Node) (*BlockStatement, error) {
	if n.Kind == yaml.MappingNode {
		f, err := d.fields(n)
		if err != nil {
			return nil, err
		}
		if f.typ() != "BlockStatement" {
			return nil, d.errorf(n, "expected a BlockStatement, got %q", f.typ())
		}
		stmts := f.get("statements")
		if stmts == nil {
			return &BlockStatement{Token: token.Token{Type: token.LBRACE, Literal: "{", Position: position(n)}}, nil
		}
		n = stmts
	}
	statements, err := d.statementList(n)
	if err != nil {
		return nil, err
	}
	return &BlockStatement{
		Token:      token.Token{Type: token.LBRACE, Literal: "{", Position: position(n)},
		Statements: statements,
	}, nil
}

func (d *decoder) statement(n *yaml.Node) (Statement, error) {
	if n.Kind == yaml.SequenceNode {
		return d.block(n)
	}

	if n.Kind == yaml.MappingNode {
		f, err := d.fields(n)
		if err != nil {
			return nil, err
		}
		switch f.typ() {
		case "LetStatement":
			return d.letStatement(n, f)
		case "ReturnStatement":
			stmt := &ReturnStatement{Token: token.Token{Type: token.RETURN, Literal: "return", Position: position(n)}}
			if v := f.get("returnValue"); v != nil {
				if stmt.ReturnValue, err = d.expression(v); err != nil {
					return nil, err
				}
			}
			return stmt, nil
		case "ExpressionStatement":
			v, err := d.required(n, f, "expression")
			if err != nil {
				return nil, err
			}
			exp, err := d.expression(v)
			if err != nil {
				return nil, err
			}
			return &ExpressionStatement{Token: token.Token{Type: token.ILLEGAL, Literal: exp.TokenLiteral(), Position: position(n)}, Expression: exp}, nil
		case "BlockStatement":
			return d.block(n)
		}
	}

	exp, err := d.expression(n)
	if err != nil {
		return nil, err
	}
	return &ExpressionStatement{
		Token:      token.Token{Type: token.ILLEGAL, Literal: exp.TokenLiteral(), Position: exp.Pos()},
		Expression: exp,
	}, nil
}

func (d *decoder) letStatement(n *yaml.Node, f nodeFields) (Statement, error) {
	nameNode, err := d.required(n, f, "name")
	if err != nil {
		return nil, err
	}
	name, err := d.scalar(nameNode, "LetStatement name")
	if err != nil {
		return nil, err
	}
	valueNode, err := d.required(n, f, "value")
	if err != nil {
		return nil, err
	}
	value, err := d.expression(valueNode)
	if err != nil {
		return nil, err
	}
	if fl, ok := value.(*FunctionLiteral); ok && fl.Name == "" {
		fl.Name = name
	}
	return &LetStatement{
		Token: token.Token{Type: token.LET, Literal: "let", Position: position(n)},
		Name:  &Identifier{Token: token.Token{Type: token.IDENT, Literal: name, Position: position(nameNode)}, Value: name},
		Value: value,
	}, nil
}

func (d *decoder) expressionList(n *yaml.Node) ([]Expression, error) {
	if n == nil {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, d.errorf(n, "expected a list of expressions")
	}
	list := make([]Expression, 0, len(n.Content))
	for _, item := range n.Content {
		exp, err := d.expression(item)
		if err != nil {
			return nil, err
		}
		list = append(list, exp)
	}
	return list, nil
}

func (d *decoder) scalarExpression(n *yaml.Node) (Expression, error) {
	pos := position(n)
	switch n.ShortTag() {
	case IdentTag:
		return &Identifier{Token: token.Token{Type: token.IDENT, Literal: n.Value, Position: pos}, Value: n.Value}, nil
	case "!!int":
		var v int64
		if err := n.Decode(&v); err != nil {
			return nil, d.errorf(n, "invalid integer %q", n.Value)
		}
		return &IntegerLiteral{Token: token.Token{Type: token.INT, Literal: n.Value, Position: pos}, Value: v}, nil
	case "!!float":
		var v float64
		if err := n.Decode(&v); err != nil {
			return nil, d.errorf(n, "invalid number %q", n.Value)
		}
		return &DoubleLiteral{Token: token.Token{Type: token.DOUBLE, Literal: n.Value, Position: pos}, Value: v}, nil
	case "!!bool":
		var v bool
		if err := n.Decode(&v); err != nil {
			return nil, d.errorf(n, "invalid boolean %q", n.Value)
		}
		typ := token.TokenType(token.FALSE)
		if v {
			typ = token.TRUE
		}
		return &Boolean{Token: token.Token{Type: typ, Literal: n.Value, Position: pos}, Value: v}, nil
	case "!!null":
		return &Nil{Token: token.Token{Type: token.NIL, Literal: "nil", Position: pos}}, nil
	case "!!str":
		return &StringLiteral{Token: token.Token{Type: token.STRING, Literal: n.Value, Position: pos}, Value: n.Value}, nil
	default:
		return nil, d.errorf(n, "unsupported scalar tag %s", n.ShortTag())
	}
}

func (d *decoder) expression(n *yaml.Node) (Expression, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return d.scalarExpression(n)
	case yaml.SequenceNode:
		elements, err := d.expressionList(n)
		if err != nil {
			return nil, err
		}
		return &ListLiteral{Token: token.Token{Type: token.LBRACKET, Literal: "[", Position: position(n)}, Elements: elements}, nil
	case yaml.AliasNode:
		if d.aliases++; d.aliases > maxAliasExpansions {
			return nil, d.errorf(n, "too many alias expansions (limit %d)", maxAliasExpansions)
		}
		return d.expression(n.Alias)
	case yaml.MappingNode:
	default:
		return nil, d.errorf(n, "unsupported node")
	}

	f, err := d.fields(n)
	if err != nil {
		return nil, err
	}
	pos := position(n)

	switch typ := f.typ(); typ {
	case "Identifier":
		v, err := d.required(n, f, "value")
		if err != nil {
			return nil, err
		}
		name, err := d.scalar(v, "Identifier value")
		if err != nil {
			return nil, err
		}
		return &Identifier{Token: token.Token{Type: token.IDENT, Literal: name, Position: pos}, Value: name}, nil

	case "IntegerLiteral", "DoubleLiteral", "StringLiteral", "Boolean":
		v, err := d.required(n, f, "value")
		if err != nil {
			return nil, err
		}
		exp, err := d.scalarExpression(v)
		if err != nil {
			return nil, err
		}
		return coerceLiteral(d, v, typ, exp)

	case "Nil":
		return &Nil{Token: token.Token{Type: token.NIL, Literal: "nil", Position: pos}}, nil

	case "PrefixExpression":
		op, right, err := d.operatorAndOperand(n, f, "right")
		if err != nil {
			return nil, err
		}
		if op != token.MINUS && op != token.BANG {
			return nil, d.errorf(n, "unknown prefix operator %q", op)
		}
		return &PrefixExpression{Token: token.Token{Type: token.TokenType(op), Literal: op, Position: pos}, Operator: op, Right: right}, nil

	case "InfixExpression":
		op, right, err := d.operatorAndOperand(n, f, "right")
		if err != nil {
			return nil, err
		}
		tt, ok := token.LookupOperator(op)
		if !ok || op == token.BANG {
			return nil, d.errorf(n, "unknown infix operator %q", op)
		}
		leftNode, err := d.required(n, f, "left")
		if err != nil {
			return nil, err
		}
		left, err := d.expression(leftNode)
		if err != nil {
			return nil, err
		}
		return &InfixExpression{Token: token.Token{Type: tt, Literal: op, Position: pos}, Left: left, Operator: op, Right: right}, nil

	case "IfExpression":
		condNode, err := d.required(n, f, "condition")
		if err != nil {
			return nil, err
		}
		cond, err := d.expression(condNode)
		if err != nil {
			return nil, err
		}
		thenNode, err := d.required(n, f, "thenBranch")
		if err != nil {
			return nil, err
		}
		then, err := d.block(thenNode)
		if err != nil {
			return nil, err
		}
		ie := &IfExpression{Token: token.Token{Type: token.IF, Literal: "if", Position: pos}, Condition: cond, ThenBranch: then}
		if elseNode := f.get("elseBranch"); elseNode != nil {
			if ie.ElseBranch, err = d.block(elseNode); err != nil {
				return nil, err
			}
		}
		return ie, nil

	case "ForExpression":
		fe := &ForExpression{Token: token.Token{Type: token.FOR, Literal: "for", Position: pos}}
		if v := f.get("initial"); v != nil {
			if fe.Initial, err = d.statement(v); err != nil {
				return nil, err
			}
		}
		if v := f.get("condition"); v != nil {
			if fe.Condition, err = d.expression(v); err != nil {
				return nil, err
			}
		}
		if v := f.get("complete"); v != nil {
			if fe.Complete, err = d.expression(v); err != nil {
				return nil, err
			}
		}
		bodyNode, err := d.required(n, f, "body")
		if err != nil {
			return nil, err
		}
		if fe.Body, err = d.block(bodyNode); err != nil {
			return nil, err
		}
		return fe, nil

	case "FunctionLiteral":
		fl := &FunctionLiteral{Token: token.Token{Type: token.FUNCTION, Literal: "fn", Position: pos}}
		if params := f.get("parameters"); params != nil {
			if params.Kind != yaml.SequenceNode {
				return nil, d.errorf(params, "parameters must be a list of names")
			}
			seen := map[string]bool{}
			for _, p := range params.Content {
				name, err := d.scalar(p, "parameter")
				if err != nil {
					return nil, err
				}
				if seen[name] {
					return nil, d.errorf(p, "duplicate parameter %q", name)
				}
				seen[name] = true
				fl.Parameters = append(fl.Parameters, &Identifier{Token: token.Token{Type: token.IDENT, Literal: name, Position: position(p)}, Value: name})
			}
		}
		bodyNode, err := d.required(n, f, "body")
		if err != nil {
			return nil, err
		}
		if fl.Body, err = d.block(bodyNode); err != nil {
			return nil, err
		}
		return fl, nil

	case "CallExpression":
		fnNode, err := d.required(n, f, "function")
		if err != nil {
			return nil, err
		}
		fn, err := d.expression(fnNode)
		if err != nil {
			return nil, err
		}
		args, err := d.expressionList(f.get("arguments"))
		if err != nil {
			return nil, err
		}
		return &CallExpression{Token: token.Token{Type: token.LPAREN, Literal: "(", Position: pos}, Function: fn, Arguments: args}, nil

	case "ListLiteral":
		elements, err := d.expressionList(f.get("elements"))
		if err != nil {
			return nil, err
		}
		return &ListLiteral{Token: token.Token{Type: token.LBRACKET, Literal: "[", Position: pos}, Elements: elements}, nil

	case "MapLiteral":
		return d.mapLiteral(n, f)

	case "IndexExpression":
		leftNode, err := d.required(n, f, "left")
		if err != nil {
			return nil, err
		}
		left, err := d.expression(leftNode)
		if err != nil {
			return nil, err
		}
		indexNode, err := d.required(n, f, "index")
		if err != nil {
			return nil, err
		}
		index, err := d.expression(indexNode)
		if err != nil {
			return nil, err
		}
		return &IndexExpression{Token: token.Token{Type: token.LBRACKET, Literal: "[", Position: pos}, Left: left, Index: index}, nil

	case "FieldExpression":
		leftNode, err := d.required(n, f, "left")
		if err != nil {
			return nil, err
		}
		left, err := d.expression(leftNode)
		if err != nil {
			return nil, err
		}
		fieldNode, err := d.required(n, f, "field")
		if err != nil {
			return nil, err
		}
		field, err := d.scalar(fieldNode, "FieldExpression field")
		if err != nil {
			return nil, err
		}
		return &FieldExpression{
			Token: token.Token{Type: token.PERIOD, Literal: ".", Position: pos},
			Left:  left,
			Field: &Identifier{Token: token.Token{Type: token.IDENT, Literal: field, Position: position(fieldNode)}, Value: field},
		}, nil

	case "":
		return nil, d.errorf(n, "node has no type")
	default:
		return nil, d.errorf(n, "unknown expression type %q", typ)
	}
}

func (d *decoder) operatorAndOperand(n *yaml.Node, f nodeFields, operand string) (string, Expression, error) {
	opNode, err := d.required(n, f, "operator")
	if err != nil {
		return "", nil, err
	}
	op, err := d.scalar(opNode, "operator")
	if err != nil {
		return "", nil, err
	}
	rightNode, err := d.required(n, f, operand)
	if err != nil {
		return "", nil, err
	}
	right, err := d.expression(rightNode)
	if err != nil {
		return "", nil, err
	}
	return op, right, nil
}

// mapLiteral accepts either `pairs: [{key: ..., value: ...}]` or the ordered shorthand
// `pairs: {foo: ..., bar: ...}` whose keys become string literals.
func (d *decoder) mapLiteral(n *yaml.Node, f nodeFields) (Expression, error) {
	ml := &MapLiteral{Token: token.Token{Type: token.LBRACE, Literal: "{", Position: position(n)}}
	pairs := f.get("pairs")
	if pairs == nil {
		return ml, nil
	}

	switch pairs.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(pairs.Content); i += 2 {
			keyNode, valueNode := pairs.Content[i], pairs.Content[i+1]
			value, err := d.expression(valueNode)
			if err != nil {
				return nil, err
			}
			ml.Pairs = append(ml.Pairs, &MapPair{
				Key:   &StringLiteral{Token: token.Token{Type: token.STRING, Literal: keyNode.Value, Position: position(keyNode)}, Value: keyNode.Value},
				Value: value,
			})
		}
	case yaml.SequenceNode:
		for _, item := range pairs.Content {
			if item.Kind != yaml.MappingNode {
				return nil, d.errorf(item, "map pairs must have key and value")
			}
			pf, err := d.fields(item)
			if err != nil {
				return nil, err
			}
			keyNode, valueNode := pf.get("key"), pf.get("value")
			if keyNode == nil || valueNode == nil {
				return nil, d.errorf(item, "map pairs must have key and value")
			}
			key, err := d.expression(keyNode)
			if err != nil {
				return nil, err
			}
			value, err := d.expression(valueNode)
			if err != nil {
				return nil, err
			}
			ml.Pairs = append(ml.Pairs, &MapPair{Key: key, Value: value})
		}
	default:
		return nil, d.errorf(pairs, "map pairs must be a list or a mapping")
	}
	return ml, nil
}

func coerceLiteral(d *decoder, n *yaml.Node, typ string, exp Expression) (Expression, error) {
	switch typ {
	case "IntegerLiteral":
		if lit, ok := exp.(*IntegerLiteral); ok {
			return lit, nil
		}
	case "DoubleLiteral":
		switch lit := exp.(type) {
		case *DoubleLiteral:
			return lit, nil
		case *IntegerLiteral:
			return &DoubleLiteral{Token: token.Token{Type: token.DOUBLE, Literal: lit.Token.Literal, Position: lit.Token.Position}, Value: float64(lit.Value)}, nil
		}
	case "StringLiteral":
		return &StringLiteral{Token: token.Token{Type: token.STRING, Literal: n.Value, Position: position(n)}, Value: n.Value}, nil
	case "Boolean":
		if lit, ok := exp.(*Boolean); ok {
			return lit, nil
		}
	}
	return nil, d.errorf(n, "%q is not a valid %s", n.Value, typ)
}
