// Package sys installs the default host namespace available to every program.
package sys

import (
	"context"
	"fmt"
	"io"
	"os"
	"rash/internal/host"
	"rash/internal/object"
	"rash/internal/token"
	"time"
	"unicode/utf8"
)

const Namespace = "sys"

// Canceller cancels scheduled tasks by id, reporting whether the task was still active.
type Canceller interface {
	Cancel(taskID string) bool
}

type Options struct {
	Out   io.Writer
	Tasks Canceller
	Now   func() time.Time
}

// Install registers the sys namespace into reg.
func Install(reg *host.Registry, opts Options) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	reg.RegisterFunc(Namespace, "len", fnSysLen())
	reg.RegisterFunc(Namespace, "time", fnSysTime(opts.Now))
	reg.RegisterFunc(Namespace, "clock", fnSysClock(opts.Now))
	reg.RegisterFunc(Namespace, "print", fnSysPrint(opts.Out))
	reg.RegisterFunc(Namespace, "env", fnSysEnv())
	if opts.Tasks != nil {
		reg.RegisterFunc(Namespace, "cancel", fnSysCancel(opts.Tasks))
	}

	reg.RegisterScheduling(Namespace, "tick", host.Timer{})
	reg.RegisterScheduling(Namespace, "after", host.Timer{Once: true})
}

func arity(name string, args []object.Object, want int) error {
	if len(args) != want {
		return object.NewError(object.ArityMismatch, token.Position{},
			"wrong number of arguments to `%s`. got=%d, want=%d", name, len(args), want)
	}
	return nil
}

func fnSysLen() host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		if err := arity("len", args, 1); err != nil {
			return nil, err
		}

		switch arg := args[0].(type) {
		case *object.String:
			return &object.Integer{Value: int64(utf8.RuneCountInString(arg.Value))}, nil
		case *object.List:
			return &object.Integer{Value: int64(len(arg.Elements))}, nil
		case *object.Map:
			return &object.Integer{Value: int64(arg.Len())}, nil
		default:
			return nil, object.NewError(object.TypeMismatch, token.Position{},
				"argument to `len` not supported, got %s", args[0].Type())
		}
	}
}

func fnSysTime(now func() time.Time) host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		if err := arity("time", args, 0); err != nil {
			return nil, err
		}
		return &object.String{Value: now().Format(time.RFC3339)}, nil
	}
}

func fnSysClock(now func() time.Time) host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		if err := arity("clock", args, 0); err != nil {
			return nil, err
		}
		return &object.Integer{Value: now().UnixMilli()}, nil
	}
}

func fnSysPrint(out io.Writer) host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		for i, arg := range args {
			if i > 0 {
				if _, err := io.WriteString(out, " "); err != nil {
					return nil, err
				}
			}
			if _, err := io.WriteString(out, arg.Inspect()); err != nil {
				return nil, err
			}
		}
		if _, err := io.WriteString(out, "\n"); err != nil {
			return nil, fmt.Errorf("print: %w", err)
		}
		return object.NIL, nil
	}
}

func fnSysEnv() host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		if err := arity("env", args, 1); err != nil {
			return nil, err
		}
		name, ok := args[0].(*object.String)
		if !ok {
			return nil, object.NewError(object.TypeMismatch, token.Position{},
				"argument to `env` must be a STRING, got %s", args[0].Type())
		}
		if v, ok := os.LookupEnv(name.Value); ok {
			return &object.String{Value: v}, nil
		}
		return object.NIL, nil
	}
}

func fnSysCancel(tasks Canceller) host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		if err := arity("cancel", args, 1); err != nil {
			return nil, err
		}
		handle, ok := args[0].(*object.TaskHandle)
		if !ok {
			return nil, object.NewError(object.TypeMismatch, token.Position{},
				"argument to `cancel` must be a TASK, got %s", args[0].Type())
		}
		return object.NativeBoolToBooleanObject(tasks.Cancel(handle.ID)), nil
	}
}
