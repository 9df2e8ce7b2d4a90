package journal

import (
	"context"
	"rash/internal/host"
	"rash/internal/object"
	"rash/internal/scheduler"
	"rash/internal/token"
	"time"
)

const Namespace = "journal"

var _ scheduler.Observer = (*Journal)(nil)

// Install registers the journal namespace: fired(handle) and failed(handle) count firings,
// history(handle) lists the task's events as maps.
func (j *Journal) Install(reg *host.Registry) {
	reg.RegisterFunc(Namespace, "fired", j.fnCount(EventFired))
	reg.RegisterFunc(Namespace, "failed", j.fnCount(EventFailed))
	reg.RegisterFunc(Namespace, "history", j.fnHistory())
}

func taskID(name string, args []object.Object) (string, error) {
	if len(args) != 1 {
		return "", object.NewError(object.ArityMismatch, token.Position{},
			"wrong number of arguments to `%s`. got=%d, want=1", name, len(args))
	}
	handle, ok := args[0].(*object.TaskHandle)
	if !ok {
		return "", object.NewError(object.TypeMismatch, token.Position{},
			"argument to `%s` must be a TASK, got %s", name, args[0].Type())
	}
	return handle.ID, nil
}

func (j *Journal) fnCount(kind EventKind) host.Function {
	name := "journal." + string(kind)
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		id, err := taskID(name, args)
		if err != nil {
			return nil, err
		}
		n, err := j.Count(ctx, id, kind)
		if err != nil {
			return nil, err
		}
		return &object.Integer{Value: n}, nil
	}
}

func (j *Journal) fnHistory() host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		id, err := taskID("journal.history", args)
		if err != nil {
			return nil, err
		}
		events, err := j.History(ctx, id)
		if err != nil {
			return nil, err
		}

		list := &object.List{Elements: make([]object.Object, 0, len(events))}
		for _, e := range events {
			m := object.NewMap().
				Put("event", &object.String{Value: string(e.Kind)}).
				Put("at", &object.String{Value: e.At.UTC().Format(time.RFC3339Nano)}).
				Put("elapsed_ms", &object.Double{Value: float64(e.Elapsed) / float64(time.Millisecond)})
			if e.Error != "" {
				m.Put("error", &object.String{Value: e.Error})
			}
			list.Elements = append(list.Elements, m)
		}
		return list, nil
	}
}
