package object

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"rash/internal/ast"
	"rash/internal/token"
	"strconv"
	"strings"
)

const (
	NIL_OBJ     = "NIL"
	BOOLEAN_OBJ = "BOOLEAN"
	INTEGER_OBJ = "INTEGER"
	DOUBLE_OBJ  = "DOUBLE"
	STRING_OBJ  = "STRING"

	LIST_OBJ = "LIST"
	MAP_OBJ  = "MAP"

	FUNCTION_OBJ = "FUNCTION"
	BUILTIN_OBJ  = "BUILTIN"

	RETURN_VALUE_OBJ = "RETURN_VALUE"
	TASK_HANDLE_OBJ  = "TASK"
)

var (
	NIL   = &Nil{}
	TRUE  = &Boolean{Value: true}
	FALSE = &Boolean{Value: false}
)

type ObjectType string

type Object interface {
	Type() ObjectType
	Inspect() string
}

// NativeBoolToBooleanObject returns the shared TRUE or FALSE instance.
func NativeBoolToBooleanObject(input bool) *Boolean {
	if input {
		return TRUE
	}
	return FALSE
}

type Integer struct {
	Value int64
}

func (i *Integer) Type() ObjectType { return INTEGER_OBJ }
func (i *Integer) Inspect() string  { return strconv.FormatInt(i.Value, 10) }

type Double struct {
	Value float64
}

func (d *Double) Type() ObjectType { return DOUBLE_OBJ }
func (d *Double) Inspect() string {
	if math.IsInf(d.Value, 0) || math.IsNaN(d.Value) {
		return strconv.FormatFloat(d.Value, 'g', -1, 64)
	}
	return strconv.FormatFloat(d.Value, 'f', -1, 64)
}

type Boolean struct {
	Value bool
}

func (b *Boolean) Type() ObjectType { return BOOLEAN_OBJ }
func (b *Boolean) Inspect() string  { return strconv.FormatBool(b.Value) }

type String struct {
	Value string
}

func (s *String) Type() ObjectType { return STRING_OBJ }
func (s *String) Inspect() string  { return s.Value }

type Nil struct{}

func (n *Nil) Type() ObjectType { return NIL_OBJ }
func (n *Nil) Inspect() string  { return "nil" }

// ReturnValue carries a `return` out of nested blocks; it is unwrapped at the function boundary
// and never escapes into user-visible values.
type ReturnValue struct {
	Value Object
}

func (rv *ReturnValue) Type() ObjectType { return RETURN_VALUE_OBJ }
func (rv *ReturnValue) Inspect() string  { return rv.Value.Inspect() }

// Function is a closure: the literal's parameters and body plus the frame it was created in.
type Function struct {
	Name       string
	Parameters []*ast.Identifier
	Body       *ast.BlockStatement
	Env        *Environment
}

func (f *Function) Type() ObjectType { return FUNCTION_OBJ }
func (f *Function) Inspect() string {
	var out bytes.Buffer

	params := []string{}
	for _, p := range f.Parameters {
		params = append(params, p.String())
	}

	out.WriteString("fn")
	if f.Name != "" {
		out.WriteString(" " + f.Name)
	}
	out.WriteString("(")
	out.WriteString(strings.Join(params, ", "))
	out.WriteString(") ")
	out.WriteString(f.Body.String())

	return out.String()
}

// DisplayName is the name used for stack frames.
func (f *Function) DisplayName() string {
	if f.Name == "" {
		return "<anonymous>"
	}
	return f.Name
}

// BuiltinFunction is a native function callable from scripts; pos is the call site and is used
// when the builtin reports an error.
type BuiltinFunction func(ctx context.Context, pos token.Position, args ...Object) (Object, error)

type Builtin struct {
	Name string
	Fn   BuiltinFunction
}

func (b *Builtin) Type() ObjectType { return BUILTIN_OBJ }
func (b *Builtin) Inspect() string  { return "builtin " + b.Name + "(...) { <native fn> }" }

type List struct {
	Elements []Object
}

func (l *List) Type() ObjectType { return LIST_OBJ }
func (l *List) Inspect() string {
	var out bytes.Buffer

	elements := []string{}
	for _, e := range l.Elements {
		elements = append(elements, e.Inspect())
	}

	out.WriteString("[")
	out.WriteString(strings.Join(elements, ", "))
	out.WriteString("]")

	return out.String()
}

// Map is keyed by strings and remembers insertion order, which is the order used by Keys and
// Inspect. Re-putting an existing key keeps its original position.
type Map struct {
	keys  []string
	pairs map[string]Object
}

func NewMap() *Map {
	return &Map{pairs: map[string]Object{}}
}

// Put simplify adding objects to a map
func (m *Map) Put(key string, v Object) *Map {
	if m.pairs == nil {
		m.pairs = map[string]Object{}
	}
	if _, exists := m.pairs[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.pairs[key] = v
	return m
}

func (m *Map) Get(key string) (Object, bool) {
	v, ok := m.pairs[key]
	return v, ok
}

func (m *Map) Keys() []string {
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys
}

func (m *Map) Len() int { return len(m.keys) }

func (m *Map) Type() ObjectType { return MAP_OBJ }
func (m *Map) Inspect() string {
	var out bytes.Buffer

	pairs := []string{}
	for _, k := range m.keys {
		pairs = append(pairs, fmt.Sprintf("%s: %s", k, m.pairs[k].Inspect()))
	}

	out.WriteString("{")
	out.WriteString(strings.Join(pairs, ", "))
	out.WriteString("}")

	return out.String()
}

// TaskHandle is returned by `call` and identifies a scheduled task.
type TaskHandle struct {
	ID        string
	Namespace string
	Name      string
}

func (t *TaskHandle) Type() ObjectType { return TASK_HANDLE_OBJ }
func (t *TaskHandle) Inspect() string {
	return fmt.Sprintf("<task %s.%s %s>", t.Namespace, t.Name, t.ID)
}

// IsCallable reports whether obj can be applied to arguments.
func IsCallable(obj Object) bool {
	switch obj.(type) {
	case *Function, *Builtin:
		return true
	}
	return false
}

// Equal compares two values the way `==` does: numbers by numeric value across Integer and
// Double, strings and booleans by value, nil with nil, everything else by identity.
func Equal(a, b Object) bool {
	switch a := a.(type) {
	case *Integer:
		switch b := b.(type) {
		case *Integer:
			return a.Value == b.Value
		case *Double:
			return float64(a.Value) == b.Value
		}
		return false
	case *Double:
		switch b := b.(type) {
		case *Integer:
			return a.Value == float64(b.Value)
		case *Double:
			return a.Value == b.Value
		}
		return false
	case *String:
		b, ok := b.(*String)
		return ok && a.Value == b.Value
	case *Boolean:
		b, ok := b.(*Boolean)
		return ok && a.Value == b.Value
	case *Nil:
		_, ok := b.(*Nil)
		return ok
	case *TaskHandle:
		b, ok := b.(*TaskHandle)
		return ok && a.ID == b.ID
	}
	return a == b
}
