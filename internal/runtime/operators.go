package runtime

import (
	"math"
	"rash/internal/object"
	"rash/internal/token"
)

// integralEpsilon is how close a mixed product must be to a whole number to collapse into an
// Integer.
const integralEpsilon = 0.000001

func (e *Task) evalPrefixExpression(pos token.Position, operator string, right object.Object) (object.Object, error) {
	switch operator {
	case token.BANG:
		return e.evalBangOperatorExpression(pos, right)
	case token.MINUS:
		return e.evalMinusPrefixOperatorExpression(pos, right)
	default:
		return nil, object.NewError(object.TypeMismatch, pos, "unknown operator: %s%s", operator, right.Type())
	}
}

func (e *Task) evalBangOperatorExpression(pos token.Position, right object.Object) (object.Object, error) {
	b, ok := right.(*object.Boolean)
	if !ok {
		return nil, object.NewError(object.TypeMismatch, pos, "operator ! requires a BOOLEAN, got %s", right.Type())
	}
	return object.NativeBoolToBooleanObject(!b.Value), nil
}

func (e *Task) evalMinusPrefixOperatorExpression(pos token.Position, right object.Object) (object.Object, error) {
	switch v := right.(type) {
	case *object.Integer:
		return &object.Integer{Value: -v.Value}, nil
	case *object.Double:
		return &object.Double{Value: -v.Value}, nil
	default:
		return nil, object.NewError(object.TypeMismatch, pos, "unknown operator: -%s", right.Type())
	}
}

func (e *Task) evalInfixExpression(pos token.Position, operator string, left, right object.Object) (object.Object, error) {
	switch {
	case isNumber(left) && isNumber(right):
		return e.evalNumberInfixExpression(pos, operator, left, right)

	case left.Type() == object.STRING_OBJ && right.Type() == object.STRING_OBJ:
		return e.evalStringInfixExpression(pos, operator, left, right)

	case operator == token.EQ:
		return object.NativeBoolToBooleanObject(object.Equal(left, right)), nil
	case operator == token.NOT_EQ:
		return object.NativeBoolToBooleanObject(!object.Equal(left, right)), nil

	case left.Type() != right.Type():
		return nil, object.NewError(object.TypeMismatch, pos, "type mismatch: %s %s %s", left.Type(), operator, right.Type())
	default:
		return nil, object.NewError(object.TypeMismatch, pos, "unknown operator: %s %s %s", left.Type(), operator, right.Type())
	}
}

func isNumber(obj object.Object) bool {
	switch obj.(type) {
	case *object.Integer, *object.Double:
		return true
	}
	return false
}

func toFloat(obj object.Object) float64 {
	switch v := obj.(type) {
	case *object.Integer:
		return float64(v.Value)
	case *object.Double:
		return v.Value
	}
	return math.NaN()
}

func (e *Task) evalNumberInfixExpression(pos token.Position, operator string, left, right object.Object) (object.Object, error) {
	l, lInt := left.(*object.Integer)
	r, rInt := right.(*object.Integer)
	if lInt && rInt {
		return e.evalIntegerInfixExpression(pos, operator, l.Value, r.Value)
	}

	leftVal, rightVal := toFloat(left), toFloat(right)
	switch operator {
	case token.PLUS:
		return &object.Double{Value: leftVal + rightVal}, nil
	case token.MINUS:
		return &object.Double{Value: leftVal - rightVal}, nil
	case token.ASTERISK:
		product := leftVal * rightVal
		// a mixed product that lands on a whole number is an Integer again
		if lInt != rInt {
			if whole := math.Round(product); math.Abs(whole-product) < integralEpsilon &&
				whole >= math.MinInt64 && whole <= math.MaxInt64 {
				return &object.Integer{Value: int64(whole)}, nil
			}
		}
		return &object.Double{Value: product}, nil
	case token.SLASH:
		if rightVal == 0 {
			return nil, object.NewError(object.DivisionByZero, pos, "division by zero")
		}
		return &object.Double{Value: leftVal / rightVal}, nil
	}

	return compare(pos, operator, left, right, leftVal, rightVal)
}

func (e *Task) evalIntegerInfixExpression(pos token.Position, operator string, leftVal, rightVal int64) (object.Object, error) {
	switch operator {
	case token.PLUS:
		return &object.Integer{Value: leftVal + rightVal}, nil
	case token.MINUS:
		return &object.Integer{Value: leftVal - rightVal}, nil
	case token.ASTERISK:
		return &object.Integer{Value: leftVal * rightVal}, nil
	case token.SLASH:
		if rightVal == 0 {
			return nil, object.NewError(object.DivisionByZero, pos, "division by zero")
		}
		if leftVal%rightVal == 0 {
			return &object.Integer{Value: leftVal / rightVal}, nil
		}
		return &object.Double{Value: float64(leftVal) / float64(rightVal)}, nil
	case token.LT:
		return object.NativeBoolToBooleanObject(leftVal < rightVal), nil
	case token.LT_EQ:
		return object.NativeBoolToBooleanObject(leftVal <= rightVal), nil
	case token.GT:
		return object.NativeBoolToBooleanObject(leftVal > rightVal), nil
	case token.GT_EQ:
		return object.NativeBoolToBooleanObject(leftVal >= rightVal), nil
	case token.EQ:
		return object.NativeBoolToBooleanObject(leftVal == rightVal), nil
	case token.NOT_EQ:
		return object.NativeBoolToBooleanObject(leftVal != rightVal), nil
	default:
		return nil, object.NewError(object.TypeMismatch, pos, "unknown operator: INTEGER %s INTEGER", operator)
	}
}

func compare(pos token.Position, operator string, left, right object.Object, leftVal, rightVal float64) (object.Object, error) {
	switch operator {
	case token.LT:
		return object.NativeBoolToBooleanObject(leftVal < rightVal), nil
	case token.LT_EQ:
		return object.NativeBoolToBooleanObject(leftVal <= rightVal), nil
	case token.GT:
		return object.NativeBoolToBooleanObject(leftVal > rightVal), nil
	case token.GT_EQ:
		return object.NativeBoolToBooleanObject(leftVal >= rightVal), nil
	case token.EQ:
		return object.NativeBoolToBooleanObject(leftVal == rightVal), nil
	case token.NOT_EQ:
		return object.NativeBoolToBooleanObject(leftVal != rightVal), nil
	default:
		return nil, object.NewError(object.TypeMismatch, pos, "unknown operator: %s %s %s", left.Type(), operator, right.Type())
	}
}

func (e *Task) evalStringInfixExpression(pos token.Position, operator string, left, right object.Object) (object.Object, error) {
	leftVal := left.(*object.String).Value
	rightVal := right.(*object.String).Value

	switch operator {
	case token.PLUS:
		return &object.String{Value: leftVal + rightVal}, nil
	case token.EQ:
		return object.NativeBoolToBooleanObject(leftVal == rightVal), nil
	case token.NOT_EQ:
		return object.NativeBoolToBooleanObject(leftVal != rightVal), nil
	case token.LT:
		return object.NativeBoolToBooleanObject(leftVal < rightVal), nil
	case token.LT_EQ:
		return object.NativeBoolToBooleanObject(leftVal <= rightVal), nil
	case token.GT:
		return object.NativeBoolToBooleanObject(leftVal > rightVal), nil
	case token.GT_EQ:
		return object.NativeBoolToBooleanObject(leftVal >= rightVal), nil
	default:
		return nil, object.NewError(object.TypeMismatch, pos, "unknown operator: %s %s %s", left.Type(), operator, right.Type())
	}
}
