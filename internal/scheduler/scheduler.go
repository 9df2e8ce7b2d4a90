// Package scheduler serializes all script execution onto one goroutine: the main program run and
// every firing of a scheduled task are jobs on a single FIFO queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"rash/internal/object"
	"rash/internal/util/future"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed         = errors.New("scheduler is closed")
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrUnknownTask    = errors.New("unknown task")
	ErrTaskInactive   = errors.New("task is not active")
)

type State int

const (
	StateRegistered State = iota
	StateArmed
	StateFiring
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Invoker re-enters the interpreter: it applies fn to args. It is only ever called from the
// scheduler goroutine.
type Invoker interface {
	Invoke(ctx context.Context, fn object.Object, args []object.Object) (object.Object, error)
}

type InvokerFunc func(ctx context.Context, fn object.Object, args []object.Object) (object.Object, error)

func (f InvokerFunc) Invoke(ctx context.Context, fn object.Object, args []object.Object) (object.Object, error) {
	return f(ctx, fn, args)
}

// Registration describes a task created by `call`.
type Registration struct {
	Namespace string
	Name      string
	Fn        object.Object
	Interval  time.Duration
	Args      []object.Object
	OneShot   bool
}

// Info is a snapshot of a task.
type Info struct {
	ID         string
	Namespace  string
	Name       string
	Interval   time.Duration
	OneShot    bool
	State      State
	Fired      int
	Failed     int
	Registered time.Time
}

// Observer is told about task lifecycle events. Calls happen synchronously and must not block.
type Observer interface {
	TaskRegistered(info Info)
	TaskFired(info Info, elapsed time.Duration, err error)
	TaskCancelled(info Info)
}

type task struct {
	Registration
	id         string
	state      State
	stop       func()
	fired      int
	failed     int
	registered time.Time
}

func (t *task) info() Info {
	return Info{
		ID:         t.id,
		Namespace:  t.Namespace,
		Name:       t.Name,
		Interval:   t.Interval,
		OneShot:    t.OneShot,
		State:      t.state,
		Fired:      t.fired,
		Failed:     t.failed,
		Registered: t.registered,
	}
}

type job struct {
	name  string
	run   func(ctx context.Context)
	abort func(err error)
}

type Scheduler struct {
	log       *slog.Logger
	invoker   Invoker
	observers []Observer
	newID     func() string

	queue     chan job
	closed    chan struct{}
	closeOnce sync.Once
	qmu       sync.RWMutex // held for reading while enqueueing, for writing once on close
	isClosed  bool
	running   atomic.Bool

	mu    sync.Mutex
	tasks map[string]*task
	order []string
}

type Option func(*Scheduler)

func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan job, n)
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// WithIDGenerator replaces the uuid task ids, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) { s.newID = fn }
}

func New(invoker Invoker, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:     slog.Default().With(slog.String("component", "scheduler")),
		invoker: invoker,
		newID:   uuid.NewString,
		queue:   make(chan job, 256),
		closed:  make(chan struct{}),
		tasks:   map[string]*task{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drains the job queue until ctx is done or Close is called. Only one Run may be active;
// when it returns the scheduler is closed.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.Close()

	s.log.Debug("scheduler loop started")
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("scheduler loop stopped", slog.Any("reason", ctx.Err()))
			return ctx.Err()
		case <-s.closed:
			s.log.Debug("scheduler loop closed")
			return nil
		case j := <-s.queue:
			s.runJob(ctx, j)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler job panicked", slog.String("job", j.name), slog.Any("panic", r))
			j.abort(fmt.Errorf("job %s panicked: %v", j.name, r))
		}
	}()
	j.run(ctx)
}

func (s *Scheduler) enqueue(ctx context.Context, j job) error {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.isClosed {
		return ErrClosed
	}
	select {
	case s.queue <- j:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn to run on the scheduler goroutine behind everything already queued.
func (s *Scheduler) Submit(ctx context.Context, name string, fn func(ctx context.Context) (object.Object, error)) *future.Future[object.Object] {
	f, complete := future.NewPending[object.Object]()
	j := job{
		name: name,
		run: func(runCtx context.Context) {
			complete(fn(runCtx))
		},
		abort: func(err error) { complete(nil, err) },
	}
	if err := s.enqueue(ctx, j); err != nil {
		complete(nil, err)
	}
	return f
}

// Register records a new task in the Registered state and notifies observers.
func (s *Scheduler) Register(reg Registration) (*object.TaskHandle, error) {
	if !object.IsCallable(reg.Fn) {
		return nil, fmt.Errorf("task callback must be a function, got %s", typeName(reg.Fn))
	}

	t := &task{
		Registration: reg,
		id:           s.newID(),
		state:        StateRegistered,
		registered:   time.Now(),
	}

	s.qmu.RLock()
	closed := s.isClosed
	s.qmu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	s.mu.Lock()
	s.tasks[t.id] = t
	s.order = append(s.order, t.id)
	info := t.info()
	s.mu.Unlock()

	s.log.Debug("task registered",
		slog.String("task", t.id),
		slog.String("capability", reg.Namespace+"."+reg.Name),
		slog.Duration("interval", reg.Interval))
	for _, o := range s.observers {
		o.TaskRegistered(info)
	}

	return &object.TaskHandle{ID: t.id, Namespace: reg.Namespace, Name: reg.Name}, nil
}

// Arm moves a Registered task to Armed and takes ownership of the host's stop function. Arming a
// task that was cancelled in between stops the trigger straight away.
func (s *Scheduler) Arm(id string, stop func()) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.state != StateRegistered {
		state := t.state
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		return fmt.Errorf("task %s cannot be armed while %s", id, state)
	}
	t.state = StateArmed
	t.stop = stop
	s.mu.Unlock()

	s.log.Debug("task armed", slog.String("task", id))
	return nil
}

// Signal is called by the host when a task is due. It queues exactly one firing and reports
// whether the task still accepts signals. A signal that races ahead of Arm is queued as well:
// Arm happens on the scheduler goroutine, so the firing cannot run before it.
func (s *Scheduler) Signal(id string) bool {
	if !s.accepting(id) {
		return false
	}

	err := s.enqueue(context.Background(), job{
		name:  "fire " + id,
		run:   func(ctx context.Context) { s.fire(ctx, id, nil) },
		abort: func(error) {},
	})
	return err == nil
}

// Dispatch queues one firing of the task called with args instead of its registered arguments,
// and returns the callback's result. Hosts that answer a request with the script's value, such
// as the http namespace, use it in place of Signal.
func (s *Scheduler) Dispatch(ctx context.Context, id string, args []object.Object) *future.Future[object.Object] {
	f, complete := future.NewPending[object.Object]()
	if !s.accepting(id) {
		complete(nil, fmt.Errorf("%w: %s", ErrTaskInactive, id))
		return f
	}

	if args == nil {
		args = []object.Object{}
	}
	err := s.enqueue(ctx, job{
		name:  "dispatch " + id,
		run:   func(ctx context.Context) { complete(s.fire(ctx, id, args)) },
		abort: func(err error) { complete(nil, err) },
	})
	if err != nil {
		complete(nil, err)
	}
	return f
}

func (s *Scheduler) accepting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return ok && t.state != StateCancelled
}

// fire runs one firing on the scheduler goroutine. A nil args uses the registered arguments.
func (s *Scheduler) fire(ctx context.Context, id string, args []object.Object) (object.Object, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.state != StateArmed {
		s.mu.Unlock()
		s.log.Debug("skipping firing of inactive task", slog.String("task", id))
		return nil, fmt.Errorf("%w: %s", ErrTaskInactive, id)
	}
	t.state = StateFiring
	fn := t.Fn
	if args == nil {
		args = t.Args
	}
	s.mu.Unlock()

	start := time.Now()
	result, err := s.invoker.Invoke(ctx, fn, args)
	elapsed := time.Since(start)

	var stop func()
	finished := false

	s.mu.Lock()
	t.fired++
	if err != nil {
		t.failed++
	}
	if t.state == StateFiring {
		if t.OneShot {
			t.state = StateCancelled
			stop, t.stop = t.stop, nil
			finished = true
		} else {
			t.state = StateArmed
		}
	}
	info := t.info()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("task firing failed",
			slog.String("task", id),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err))
	} else {
		s.log.Debug("task fired", slog.String("task", id), slog.Duration("elapsed", elapsed))
	}
	for _, o := range s.observers {
		o.TaskFired(info, elapsed, err)
	}

	if finished {
		if stop != nil {
			stop()
		}
		for _, o := range s.observers {
			o.TaskCancelled(info)
		}
	}
	return result, err
}

// Cancel stops a task; it is safe from any goroutine, including from inside the task's own
// firing. Firings already queued for the task are skipped. It reports whether the task was
// still active.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.state == StateCancelled {
		s.mu.Unlock()
		return false
	}
	t.state = StateCancelled
	stop := t.stop
	t.stop = nil
	info := t.info()
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.log.Debug("task cancelled", slog.String("task", id))
	for _, o := range s.observers {
		o.TaskCancelled(info)
	}
	return true
}

// Task returns a snapshot of the task with the given id.
func (s *Scheduler) Task(id string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// Tasks returns snapshots of all tasks in registration order.
func (s *Scheduler) Tasks() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]Info, 0, len(s.order))
	for _, id := range s.order {
		infos = append(infos, s.tasks[id].info())
	}
	return infos
}

// Active counts tasks that have not been cancelled.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.state != StateCancelled {
			n++
		}
	}
	return n
}

// Close cancels every task, stops accepting work and fails whatever is still queued with
// ErrClosed. It is idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.qmu.Lock()
		s.isClosed = true
		s.qmu.Unlock()

		for _, info := range s.Tasks() {
			if info.State != StateCancelled {
				s.Cancel(info.ID)
			}
		}

		for {
			select {
			case j := <-s.queue:
				j.abort(ErrClosed)
			default:
				return
			}
		}
	})
}

func typeName(obj object.Object) string {
	if obj == nil {
		return "nothing"
	}
	return string(obj.Type())
}
