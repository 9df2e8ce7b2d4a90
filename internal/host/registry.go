package host

import (
	"context"
	"fmt"
	"log/slog"
	"rash/internal/object"
	"rash/internal/token"
	"rash/internal/util/future"
	"sort"
	"sync"
	"time"
)

// Key names a capability; scripts address it as (namespace, name).
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string { return k.Namespace + "." + k.Name }

// Capability is one of *Func (synchronous, reached through `eval`) or *Schedule (deferred,
// reached through `call`).
type Capability interface {
	capability()
}

// Function is a synchronous host function. Errors that are not *object.Error surface to the
// script as HostCapabilityError.
type Function func(ctx context.Context, args ...object.Object) (object.Object, error)

type Func struct {
	Fn Function
}

func (*Func) capability() {}

type Schedule struct {
	Scheduling Scheduling
}

func (*Schedule) capability() {}

// Trigger is what a scheduling capability is asked to arm: deliver a signal for TaskID every
// Interval (or once, for one-shot capabilities).
type Trigger struct {
	TaskID   string
	Interval time.Duration
	Args     []object.Object
}

// Signaler receives "task due" signals. Signal reports false once the task no longer wants them.
type Signaler interface {
	Signal(taskID string) bool
}

// Dispatcher is a Signaler that can also run a firing with its own arguments and hand back the
// callback's result.
type Dispatcher interface {
	Signaler
	Dispatch(ctx context.Context, taskID string, args []object.Object) *future.Future[object.Object]
}

// EventDriven marks a scheduling capability whose triggers come from outside events rather than a
// clock. `call` takes no interval for it: every argument after the callback goes to the trigger.
type EventDriven interface {
	EventDriven()
}

// Scheduling arms triggers. Arm must not deliver a signal before it returns; the returned stop
// function ends signal delivery and may be called more than once.
type Scheduling interface {
	Arm(ctx context.Context, trigger Trigger, signaler Signaler) (stop func(), err error)
	OneShot() bool
}

// Registry is the capability table consulted by `eval` and `call`.
type Registry struct {
	mu   sync.RWMutex
	caps map[Key]Capability
	log  *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		caps: map[Key]Capability{},
		log:  slog.Default().With(slog.String("component", "host")),
	}
}

// Register adds or replaces a capability.
func (r *Registry) Register(namespace, name string, c Capability) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{Namespace: namespace, Name: name}
	if _, exists := r.caps[key]; exists {
		r.log.Debug("replacing host capability", slog.String("capability", key.String()))
	}
	r.caps[key] = c
	return r
}

func (r *Registry) RegisterFunc(namespace, name string, fn Function) *Registry {
	return r.Register(namespace, name, &Func{Fn: fn})
}

func (r *Registry) RegisterScheduling(namespace, name string, s Scheduling) *Registry {
	return r.Register(namespace, name, &Schedule{Scheduling: s})
}

func (r *Registry) Lookup(namespace, name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[Key{Namespace: namespace, Name: name}]
	return c, ok
}

// Keys lists the registered capabilities in namespace, name order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.caps))
	for k := range r.caps {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Eval invokes the synchronous capability (namespace, name) with args. pos is the call site.
func (r *Registry) Eval(ctx context.Context, pos token.Position, namespace, name string, args []object.Object) (result object.Object, err error) {
	key := Key{Namespace: namespace, Name: name}
	c, ok := r.Lookup(namespace, name)
	if !ok {
		return nil, object.NewError(object.UnknownHostFunction, pos, "unknown host function %s", key)
	}
	fn, ok := c.(*Func)
	if !ok {
		return nil, object.NewError(object.UnknownHostFunction, pos, "%s is a scheduling capability; use call", key)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("host function panicked",
				slog.String("capability", key.String()),
				slog.Any("panic", rec))
			result, err = nil, object.WrapHostError(pos, key.String(), fmt.Errorf("panic: %v", rec))
		}
	}()

	result, err = fn.Fn(ctx, args...)
	if err != nil {
		return nil, object.WrapHostError(pos, key.String(), err)
	}
	if result == nil {
		result = object.NIL
	}
	return result, nil
}

// Scheduling resolves the scheduling capability (namespace, name).
func (r *Registry) Scheduling(pos token.Position, namespace, name string) (Scheduling, error) {
	key := Key{Namespace: namespace, Name: name}
	c, ok := r.Lookup(namespace, name)
	if !ok {
		return nil, object.NewError(object.UnknownHostFunction, pos, "unknown host function %s", key)
	}
	s, ok := c.(*Schedule)
	if !ok {
		return nil, object.NewError(object.UnknownHostFunction, pos, "%s is not a scheduling capability; use eval", key)
	}
	return s.Scheduling, nil
}
