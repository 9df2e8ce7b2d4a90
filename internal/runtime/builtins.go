package runtime

import (
	"context"
	"log/slog"
	"math"
	"rash/internal/host"
	"rash/internal/object"
	"rash/internal/scheduler"
	"rash/internal/token"
	"time"
)

func (r *Runtime) builtins() map[string]*object.Builtin {
	return map[string]*object.Builtin{
		"eval": r.fnBuiltinEval(),
		"call": r.fnBuiltinCall(),
	}
}

func capabilityName(pos token.Position, builtin string, args []object.Object) (string, string, error) {
	ns, ok := args[0].(*object.String)
	if !ok {
		return "", "", object.NewError(object.TypeMismatch, pos,
			"first argument to `%s` must be a STRING namespace, got %s", builtin, args[0].Type())
	}
	name, ok := args[1].(*object.String)
	if !ok {
		return "", "", object.NewError(object.TypeMismatch, pos,
			"second argument to `%s` must be a STRING name, got %s", builtin, args[1].Type())
	}
	return ns.Value, name.Value, nil
}

// eval(namespace, name, ...args) runs a synchronous host capability and returns its value inline.
func (r *Runtime) fnBuiltinEval() *object.Builtin {
	return &object.Builtin{
		Name: "eval",
		Fn: func(ctx context.Context, pos token.Position, args ...object.Object) (object.Object, error) {
			if len(args) < 2 {
				return nil, object.NewError(object.ArityMismatch, pos,
					"wrong number of arguments to `eval`. got=%d, want at least 2", len(args))
			}
			ns, name, err := capabilityName(pos, "eval", args)
			if err != nil {
				return nil, err
			}
			return r.host.Eval(ctx, pos, ns, name, args[2:])
		},
	}
}

// call(namespace, name, fn, interval, ...args) registers fn as a scheduled task driven by a host
// scheduling capability and returns its handle. fn is not invoked here; it runs later, once per
// signal from the host. interval is in milliseconds. Event-driven capabilities take no interval:
// call(namespace, name, fn, ...args).
func (r *Runtime) fnBuiltinCall() *object.Builtin {
	return &object.Builtin{
		Name: "call",
		Fn: func(ctx context.Context, pos token.Position, args ...object.Object) (object.Object, error) {
			if len(args) < 3 {
				return nil, object.NewError(object.ArityMismatch, pos,
					"wrong number of arguments to `call`. got=%d, want at least 3", len(args))
			}
			ns, name, err := capabilityName(pos, "call", args)
			if err != nil {
				return nil, err
			}

			scheduling, err := r.host.Scheduling(pos, ns, name)
			if err != nil {
				return nil, err
			}

			fn := args[2]
			if !object.IsCallable(fn) {
				return nil, object.NewError(object.TypeMismatch, pos,
					"third argument to `call` must be a function, got %s", fn.Type())
			}

			if _, ok := scheduling.(host.EventDriven); ok {
				return r.schedule(pos, scheduling, ns, name, fn, 0, nil, args[3:])
			}

			if len(args) < 4 {
				return nil, object.NewError(object.ArityMismatch, pos,
					"wrong number of arguments to `call`. got=%d, want at least 4", len(args))
			}
			interval, err := r.interval(pos, args[3])
			if err != nil {
				return nil, err
			}

			taskArgs := append([]object.Object(nil), args[4:]...)
			return r.schedule(pos, scheduling, ns, name, fn, interval, taskArgs, taskArgs)
		},
	}
}

// schedule registers fn with the scheduler and arms the host trigger. taskArgs are what timed
// firings pass to fn; triggerArgs go to the capability.
func (r *Runtime) schedule(pos token.Position, scheduling host.Scheduling, ns, name string, fn object.Object,
	interval time.Duration, taskArgs, triggerArgs []object.Object) (object.Object, error) {
	handle, err := r.sched.Register(scheduler.Registration{
		Namespace: ns,
		Name:      name,
		Fn:        fn,
		Interval:  interval,
		Args:      taskArgs,
		OneShot:   scheduling.OneShot(),
	})
	if err != nil {
		return nil, object.WrapHostError(pos, host.Key{Namespace: ns, Name: name}.String(), err)
	}

	stop, err := scheduling.Arm(r.lifetime, host.Trigger{
		TaskID:   handle.ID,
		Interval: interval,
		Args:     append([]object.Object(nil), triggerArgs...),
	}, r.sched)
	if err != nil {
		r.sched.Cancel(handle.ID)
		return nil, object.WrapHostError(pos, host.Key{Namespace: ns, Name: name}.String(), err)
	}

	if err := r.sched.Arm(handle.ID, stop); err != nil {
		r.log.Debug("task cancelled before it was armed",
			slog.String("task", handle.ID),
			slog.Any("reason", err))
	}

	return handle, nil
}

// maxIntervalMillis is the longest interval, in milliseconds, a time.Duration can hold.
const maxIntervalMillis = math.MaxInt64 / int64(time.Millisecond)

func (r *Runtime) interval(pos token.Position, arg object.Object) (time.Duration, error) {
	var d time.Duration
	switch v := arg.(type) {
	case *object.Integer:
		if v.Value <= 0 {
			return 0, object.NewError(object.TypeMismatch, pos, "interval passed to `call` must be positive, got %s", arg.Inspect())
		}
		if v.Value > maxIntervalMillis {
			return 0, object.NewError(object.TypeMismatch, pos, "interval passed to `call` must be at most %d ms, got %s", maxIntervalMillis, arg.Inspect())
		}
		d = time.Duration(v.Value) * time.Millisecond
	case *object.Double:
		// written so that NaN fails too
		if !(v.Value > 0) {
			return 0, object.NewError(object.TypeMismatch, pos, "interval passed to `call` must be positive, got %s", arg.Inspect())
		}
		if v.Value > float64(maxIntervalMillis) {
			return 0, object.NewError(object.TypeMismatch, pos, "interval passed to `call` must be at most %d ms, got %s", maxIntervalMillis, arg.Inspect())
		}
		d = time.Duration(v.Value * float64(time.Millisecond))
	default:
		return 0, object.NewError(object.TypeMismatch, pos,
			"interval passed to `call` must be a number of milliseconds, got %s", arg.Type())
	}
	if min := r.Config.Runtime.MinInterval; d < min {
		d = min
	}
	if d <= 0 {
		return 0, object.NewError(object.TypeMismatch, pos, "interval passed to `call` must be positive, got %s", arg.Inspect())
	}
	return d, nil
}
