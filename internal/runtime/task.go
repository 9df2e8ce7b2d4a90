package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"rash/internal/ast"
	"rash/internal/object"
	"rash/internal/token"
)

// CallFrame is pushed for every function activation and popped when it returns.
type CallFrame struct {
	Function string
	Pos      token.Position // call site
}

// Task is one evaluation: the main program run, or one firing of a scheduled task. Tasks are
// short lived and always run on the scheduler goroutine.
type Task struct {
	Runtime *Runtime

	ctx       context.Context
	callStack []CallFrame
}

func (r *Runtime) NewTask(ctx context.Context) *Task {
	return &Task{Runtime: r, ctx: ctx}
}

func (e *Task) pushCallFrame(fnName string, pos token.Position) error {
	if limit := e.Runtime.Config.Runtime.MaxCallDepth; len(e.callStack) >= limit {
		return object.NewError(object.StackOverflow, pos,
			"maximum call depth of %d exceeded calling %s", limit, fnName)
	}
	e.callStack = append(e.callStack, CallFrame{Function: fnName, Pos: pos})
	return nil
}

func (e *Task) popCallFrame() {
	if len(e.callStack) == 0 {
		return
	}
	e.callStack = e.callStack[:len(e.callStack)-1]
}

func (e *Task) Eval(node ast.Node, env *object.Environment) (object.Object, error) {
	switch node := node.(type) {

	// Statements
	case *ast.Program:
		return e.evalProgram(node, env)

	case *ast.BlockStatement:
		return e.evalBlockStatement(node, env)

	case *ast.ExpressionStatement:
		return e.Eval(node.Expression, env)

	case *ast.ReturnStatement:
		if node.ReturnValue == nil {
			return &object.ReturnValue{Value: object.NIL}, nil
		}
		val, err := e.Eval(node.ReturnValue, env)
		if err != nil {
			return nil, err
		}
		return &object.ReturnValue{Value: val}, nil

	case *ast.LetStatement:
		val, err := e.Eval(node.Value, env)
		if err != nil {
			return nil, err
		}
		env.Define(node.Name.Value, val)
		return val, nil

	// Expressions
	case *ast.IntegerLiteral:
		return &object.Integer{Value: node.Value}, nil

	case *ast.DoubleLiteral:
		return &object.Double{Value: node.Value}, nil

	case *ast.StringLiteral:
		return &object.String{Value: node.Value}, nil

	case *ast.Boolean:
		return object.NativeBoolToBooleanObject(node.Value), nil

	case *ast.Nil:
		return object.NIL, nil

	case *ast.Identifier:
		return e.evalIdentifier(node, env)

	case *ast.PrefixExpression:
		right, err := e.Eval(node.Right, env)
		if err != nil {
			return nil, err
		}
		return e.evalPrefixExpression(node.Pos(), node.Operator, right)

	case *ast.InfixExpression:
		if node.Operator == token.ASSIGN {
			return e.evalAssignment(node, env)
		}
		left, err := e.Eval(node.Left, env)
		if err != nil {
			return nil, err
		}
		right, err := e.Eval(node.Right, env)
		if err != nil {
			return nil, err
		}
		return e.evalInfixExpression(node.Pos(), node.Operator, left, right)

	case *ast.IfExpression:
		return e.evalIfExpression(node, env)

	case *ast.ForExpression:
		return e.evalForExpression(node, env)

	case *ast.FunctionLiteral:
		return &object.Function{
			Name:       node.Name,
			Parameters: node.Parameters,
			Body:       node.Body,
			Env:        env,
		}, nil

	case *ast.CallExpression:
		fn, err := e.Eval(node.Function, env)
		if err != nil {
			return nil, err
		}
		args, err := e.evalExpressions(node.Arguments, env)
		if err != nil {
			return nil, err
		}
		return e.ApplyFunction(node.Pos(), fn, args)

	case *ast.ListLiteral:
		elements, err := e.evalExpressions(node.Elements, env)
		if err != nil {
			return nil, err
		}
		return &object.List{Elements: elements}, nil

	case *ast.MapLiteral:
		return e.evalMapLiteral(node, env)

	case *ast.IndexExpression:
		left, err := e.Eval(node.Left, env)
		if err != nil {
			return nil, err
		}
		index, err := e.Eval(node.Index, env)
		if err != nil {
			return nil, err
		}
		return e.evalIndexExpression(node.Pos(), left, index)

	case *ast.FieldExpression:
		left, err := e.Eval(node.Left, env)
		if err != nil {
			return nil, err
		}
		return e.evalFieldExpression(node.Pos(), left, node.Field.Value)
	}

	if node == nil {
		return nil, object.NewError(object.TypeMismatch, token.Position{}, "cannot evaluate an empty node")
	}
	return nil, object.NewError(object.TypeMismatch, node.Pos(), "unsupported node %T", node)
}

// evalProgram runs the statements in env. A top level `return` ends the program with its value.
func (e *Task) evalProgram(program *ast.Program, env *object.Environment) (object.Object, error) {
	var result object.Object = object.NIL

	for _, statement := range program.Statements {
		val, err := e.Eval(statement, env)
		if err != nil {
			return nil, err
		}
		if rv, ok := val.(*object.ReturnValue); ok {
			return rv.Value, nil
		}
		result = val
	}

	return result, nil
}

func (e *Task) evalBlockStatement(block *ast.BlockStatement, env *object.Environment) (object.Object, error) {
	return e.evalBlockStatementWithinEnv(block, env.Child())
}

// evalBlockStatementWithinEnv runs the block directly in env. A ReturnValue stops the block and is
// passed up unchanged so enclosing blocks stop too.
func (e *Task) evalBlockStatementWithinEnv(block *ast.BlockStatement, env *object.Environment) (object.Object, error) {
	var result object.Object = object.NIL

	for _, statement := range block.Statements {
		val, err := e.Eval(statement, env)
		if err != nil {
			return nil, err
		}
		if _, ok := val.(*object.ReturnValue); ok {
			return val, nil
		}
		result = val
	}

	return result, nil
}

func (e *Task) evalIdentifier(node *ast.Identifier, env *object.Environment) (object.Object, error) {
	if val, ok := env.Get(node.Value); ok {
		return val, nil
	}

	if builtin, ok := e.Runtime.Builtins[node.Value]; ok {
		return builtin, nil
	}

	return nil, object.NewError(object.UnboundVariable, node.Pos(), "identifier not found: %s", node.Value)
}

func (e *Task) evalIfExpression(ie *ast.IfExpression, env *object.Environment) (object.Object, error) {
	condition, err := e.Eval(ie.Condition, env)
	if err != nil {
		return nil, err
	}

	b, ok := condition.(*object.Boolean)
	if !ok {
		return nil, object.NewError(object.TypeMismatch, ie.Condition.Pos(),
			"if condition must be a BOOLEAN, got %s", condition.Type())
	}

	if b.Value {
		return e.evalBlockStatement(ie.ThenBranch, env)
	} else if ie.ElseBranch != nil {
		return e.evalBlockStatement(ie.ElseBranch, env)
	}
	return object.NIL, nil
}

// evalForExpression runs the loop in its own frame so the loop variable does not leak.
func (e *Task) evalForExpression(fe *ast.ForExpression, env *object.Environment) (object.Object, error) {
	loopEnv := env.Child()

	if fe.Initial != nil {
		if _, err := e.Eval(fe.Initial, loopEnv); err != nil {
			return nil, err
		}
	}

	for {
		if err := e.ctx.Err(); err != nil {
			return nil, err
		}

		if fe.Condition != nil {
			condition, err := e.Eval(fe.Condition, loopEnv)
			if err != nil {
				return nil, err
			}
			b, ok := condition.(*object.Boolean)
			if !ok {
				return nil, object.NewError(object.TypeMismatch, fe.Condition.Pos(),
					"for condition must be a BOOLEAN, got %s", condition.Type())
			}
			if !b.Value {
				break
			}
		}

		result, err := e.evalBlockStatement(fe.Body, loopEnv)
		if err != nil {
			return nil, err
		}
		if _, ok := result.(*object.ReturnValue); ok {
			return result, nil
		}

		if fe.Complete != nil {
			if _, err := e.Eval(fe.Complete, loopEnv); err != nil {
				return nil, err
			}
		}
	}

	return object.NIL, nil
}

func (e *Task) evalAssignment(node *ast.InfixExpression, env *object.Environment) (object.Object, error) {
	switch target := node.Left.(type) {
	case *ast.Identifier:
		val, err := e.Eval(node.Right, env)
		if err != nil {
			return nil, err
		}
		if _, err := env.Assign(target.Value, val); err != nil {
			if evalErr, ok := err.(*object.Error); ok {
				return nil, evalErr.At(target.Pos())
			}
			return nil, err
		}
		return val, nil

	case *ast.IndexExpression:
		container, err := e.Eval(target.Left, env)
		if err != nil {
			return nil, err
		}
		index, err := e.Eval(target.Index, env)
		if err != nil {
			return nil, err
		}
		val, err := e.Eval(node.Right, env)
		if err != nil {
			return nil, err
		}
		return e.assignIndex(target.Pos(), container, index, val)

	case *ast.FieldExpression:
		container, err := e.Eval(target.Left, env)
		if err != nil {
			return nil, err
		}
		val, err := e.Eval(node.Right, env)
		if err != nil {
			return nil, err
		}
		return e.assignIndex(target.Pos(), container, &object.String{Value: target.Field.Value}, val)

	default:
		return nil, object.NewError(object.TypeMismatch, node.Pos(), "cannot assign to %s", node.Left.String())
	}
}

func (e *Task) assignIndex(pos token.Position, container, index, val object.Object) (object.Object, error) {
	switch c := container.(type) {
	case *object.Map:
		key, ok := index.(*object.String)
		if !ok {
			return nil, object.NewError(object.TypeMismatch, pos, "map keys must be STRING, got %s", index.Type())
		}
		c.Put(key.Value, val)
		return val, nil

	case *object.List:
		i, ok := index.(*object.Integer)
		if !ok {
			return nil, object.NewError(object.TypeMismatch, pos, "list index must be an INTEGER, got %s", index.Type())
		}
		if i.Value < 0 || i.Value >= int64(len(c.Elements)) {
			return nil, object.NewError(object.UndefinedKey, pos, "list index %d out of range [0, %d)", i.Value, len(c.Elements))
		}
		c.Elements[i.Value] = val
		return val, nil

	default:
		return nil, object.NewError(object.TypeMismatch, pos, "index assignment not supported on %s", container.Type())
	}
}

func (e *Task) evalExpressions(exps []ast.Expression, env *object.Environment) ([]object.Object, error) {
	result := make([]object.Object, 0, len(exps))

	for _, exp := range exps {
		evaluated, err := e.Eval(exp, env)
		if err != nil {
			return nil, err
		}
		result = append(result, evaluated)
	}

	return result, nil
}

// evalMapLiteral evaluates every pair once, in source order.
func (e *Task) evalMapLiteral(node *ast.MapLiteral, env *object.Environment) (object.Object, error) {
	m := object.NewMap()

	for _, pair := range node.Pairs {
		key, err := e.Eval(pair.Key, env)
		if err != nil {
			return nil, err
		}
		k, ok := key.(*object.String)
		if !ok {
			return nil, object.NewError(object.TypeMismatch, pair.Key.Pos(), "map keys must be STRING, got %s", key.Type())
		}

		value, err := e.Eval(pair.Value, env)
		if err != nil {
			return nil, err
		}
		// an anonymous closure stored under a key is named after it; the closure may be shared,
		// so the map gets its own copy
		if fn, ok := value.(*object.Function); ok && fn.Name == "" {
			named := *fn
			named.Name = k.Value
			value = &named
		}

		m.Put(k.Value, value)
	}

	return m, nil
}

func (e *Task) evalIndexExpression(pos token.Position, left, index object.Object) (object.Object, error) {
	switch l := left.(type) {
	case *object.Map:
		key, ok := index.(*object.String)
		if !ok {
			return nil, object.NewError(object.TypeMismatch, pos, "map keys must be STRING, got %s", index.Type())
		}
		return e.evalFieldExpression(pos, l, key.Value)

	case *object.List:
		i, ok := index.(*object.Integer)
		if !ok {
			return nil, object.NewError(object.TypeMismatch, pos, "list index must be an INTEGER, got %s", index.Type())
		}
		if i.Value < 0 || i.Value >= int64(len(l.Elements)) {
			return nil, object.NewError(object.UndefinedKey, pos, "list index %d out of range [0, %d)", i.Value, len(l.Elements))
		}
		return l.Elements[i.Value], nil

	default:
		return nil, object.NewError(object.TypeMismatch, pos, "index operator not supported: %s", left.Type())
	}
}

func (e *Task) evalFieldExpression(pos token.Position, left object.Object, field string) (object.Object, error) {
	m, ok := left.(*object.Map)
	if !ok {
		return nil, object.NewError(object.TypeMismatch, pos, "field access not supported on %s", left.Type())
	}
	val, ok := m.Get(field)
	if !ok {
		return nil, object.NewError(object.UndefinedKey, pos, "key not found: %s", field)
	}
	return val, nil
}

// ApplyFunction calls fnObj with already evaluated arguments. pos is the call site.
func (e *Task) ApplyFunction(pos token.Position, fnObj object.Object, args []object.Object) (object.Object, error) {
	switch fn := fnObj.(type) {
	case *object.Function:
		if len(args) != len(fn.Parameters) {
			return nil, object.NewError(object.ArityMismatch, pos,
				"function %s expects %d arguments, got %d", fn.DisplayName(), len(fn.Parameters), len(args))
		}

		if err := e.pushCallFrame(fn.DisplayName(), pos); err != nil {
			return nil, err
		}
		defer e.popCallFrame()

		callEnv := object.NewEnclosedEnvironment(fn.Env)
		for i, param := range fn.Parameters {
			callEnv.Define(param.Value, args[i])
		}

		result, err := e.evalBlockStatementWithinEnv(fn.Body, callEnv)
		if err != nil {
			if evalErr, ok := err.(*object.Error); ok {
				evalErr.AddFrame(fn.DisplayName(), pos)
			}
			return nil, err
		}
		return unwrapReturnValue(result), nil

	case *object.Builtin:
		return e.applyBuiltin(pos, fn, args)

	default:
		if fn == nil {
			return nil, object.NewError(object.TypeMismatch, pos, "no function found")
		}
		return nil, object.NewError(object.TypeMismatch, pos, "not a function: %s", fn.Type())
	}
}

func (e *Task) applyBuiltin(pos token.Position, fn *object.Builtin, args []object.Object) (result object.Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.Runtime.log.Error("builtin panicked",
				slog.String("builtin", fn.Name),
				slog.Any("panic", r))
			result, err = nil, object.WrapHostError(pos, fn.Name, fmt.Errorf("panic: %v", r))
		}
	}()

	result, err = fn.Fn(e.ctx, pos, args...)
	if err != nil {
		return nil, object.WrapHostError(pos, fn.Name, err)
	}
	if result == nil {
		return object.NIL, nil
	}
	return result, nil
}

func unwrapReturnValue(obj object.Object) object.Object {
	if returnValue, ok := obj.(*object.ReturnValue); ok {
		return returnValue.Value
	}
	return obj
}
