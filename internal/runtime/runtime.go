package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"rash/internal/ast"
	"rash/internal/host"
	"rash/internal/host/sys"
	"rash/internal/host/web"
	"rash/internal/logger"
	"rash/internal/object"
	"rash/internal/scheduler"
	"rash/internal/token"
	"rash/internal/util"
	"sync"
)

// Runtime owns everything a program run shares: the global frame, the host registry and the
// scheduler that serializes the main run and every task firing onto one goroutine.
type Runtime struct {
	Config   util.Configuration
	Builtins map[string]*object.Builtin

	host      *host.Registry
	sched     *scheduler.Scheduler
	globals   *object.Environment
	out       io.Writer
	log       *slog.Logger
	observers []scheduler.Observer
	servers   *web.Servers

	lifetime context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	programs map[string]*Program
}

// Program is a decoded document together with its source, kept for error rendering.
type Program struct {
	*ast.Program
	Path string
	Src  string
}

type Option func(*Runtime)

// WithHost replaces the host registry. The sys and http namespaces are installed into it as well.
func WithHost(reg *host.Registry) Option {
	return func(r *Runtime) { r.host = reg }
}

func WithObserver(o scheduler.Observer) Option {
	return func(r *Runtime) { r.observers = append(r.observers, o) }
}

// WithOutput sets where sys.print writes.
func WithOutput(w io.Writer) Option {
	return func(r *Runtime) { r.out = w }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// NewRuntime builds a runtime from config. Call depth is always bounded: a missing limit falls
// back to util.DefaultMaxCallDepth.
func NewRuntime(config util.Configuration, opts ...Option) *Runtime {
	if config.Runtime.MaxCallDepth <= 0 {
		config.Runtime.MaxCallDepth = util.DefaultMaxCallDepth
	}

	r := &Runtime{
		Config:   config,
		globals:  object.NewEnvironment(),
		out:      os.Stdout,
		log:      logger.NewLogger("runtime"),
		programs: map[string]*Program{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.host == nil {
		r.host = host.NewRegistry()
	}
	r.lifetime, r.cancel = context.WithCancel(context.Background())

	schedOpts := []scheduler.Option{
		scheduler.WithQueueSize(config.Runtime.QueueSize),
		scheduler.WithLogger(logger.NewLogger("scheduler")),
	}
	for _, o := range r.observers {
		schedOpts = append(schedOpts, scheduler.WithObserver(o))
	}
	r.sched = scheduler.New(scheduler.InvokerFunc(r.Invoke), schedOpts...)

	sys.Install(r.host, sys.Options{Out: r.out, Tasks: r.sched})
	r.servers = web.Install(r.host, web.Options{
		Host:           config.HTTP.Host,
		HandlerTimeout: config.HTTP.HandlerTimeout,
	})
	r.Builtins = r.builtins()

	return r
}

// Run drains the scheduler on the calling goroutine until ctx is done or Stop is called.
func (r *Runtime) Run(ctx context.Context) error {
	err := r.sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start runs the scheduler loop in the background. The returned channel yields Run's result.
func (r *Runtime) Start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
		close(done)
	}()
	return done
}

// Execute queues program behind any pending task firings and waits for its result. The program
// runs in the global frame, so its bindings stay visible to the closures it schedules.
func (r *Runtime) Execute(ctx context.Context, program *ast.Program) (object.Object, error) {
	name := program.Name
	if name == "" {
		name = "program"
	}
	r.log.Debug("executing program", slog.String("program", name))

	f := r.sched.Submit(ctx, "execute "+name, func(runCtx context.Context) (object.Object, error) {
		return r.NewTask(runCtx).Eval(program, r.globals)
	})
	return f.AwaitContext(ctx)
}

// Invoke re-enters the interpreter to call fn. The scheduler calls it for every task firing.
func (r *Runtime) Invoke(ctx context.Context, fn object.Object, args []object.Object) (object.Object, error) {
	return r.NewTask(ctx).ApplyFunction(fnPos(fn), fn, args)
}

// LoadProgram decodes the document at path, caching it by path. With DebugAST set the decoded
// tree is written next to the document as <path>.ast.txt.
func (r *Runtime) LoadProgram(path string) (*Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.programs[path]; ok {
		r.log.Debug("program loaded from cache", slog.String("path", path))
		return p, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not load program %s: %w", path, err)
	}

	program, err := ast.Decode(src, path)
	if err != nil {
		return nil, err
	}

	if r.Config.DebugAST {
		txtPath := path + ".ast.txt"
		if err := os.WriteFile(txtPath, []byte(program.String()+"\n"), 0644); err != nil {
			r.log.Error("failed to write AST as text", slog.String("path", txtPath), slog.Any("error", err))
		}
	}

	p := &Program{Program: program, Path: path, Src: string(src)}
	r.programs[path] = p
	r.log.Info("program loaded", slog.String("path", path), slog.Int("statements", len(program.Statements)))
	return p, nil
}

func (r *Runtime) Globals() *object.Environment { return r.globals }

func (r *Runtime) Host() *host.Registry { return r.host }

func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }

// Stop shuts down the http servers, cancels every scheduled task and closes the scheduler. Pending
// work fails with scheduler.ErrClosed.
func (r *Runtime) Stop() {
	r.servers.Close()
	r.cancel()
	r.sched.Close()
	r.log.Debug("runtime stopped")
}

func fnPos(fn object.Object) (pos token.Position) {
	if f, ok := fn.(*object.Function); ok && f.Body != nil {
		return f.Body.Pos()
	}
	return pos
}
