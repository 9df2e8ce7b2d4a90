// Package web installs the http host namespace: scripts create servers with eval and route
// requests to callbacks with call. Every request runs its callback as one firing of the route's
// task on the scheduler goroutine, and the callback's value becomes the response body.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"rash/internal/host"
	"rash/internal/logger"
	"rash/internal/object"
	"rash/internal/token"
	"rash/internal/util"
	"sort"
	"strconv"
	"sync"
	"time"
)

const Namespace = "http"

const (
	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type Options struct {
	// Host is the interface servers listen on.
	Host string
	// HandlerTimeout bounds how long a request waits for its callback, queue time included.
	HandlerTimeout time.Duration
}

// Servers owns the servers created by scripts.
type Servers struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	servers map[string]*server
}

type server struct {
	name string
	addr string
	mux  *http.ServeMux
	srv  *http.Server

	mu       sync.Mutex
	patterns map[string]bool
	// routes maps pattern and method to the task that handles it
	routes map[string]map[string]route
}

type route struct {
	taskID     string
	dispatcher host.Dispatcher
}

// Install registers new, start and stop (eval) and register (call) under the http namespace.
func Install(reg *host.Registry, opts Options) *Servers {
	if opts.Host == "" {
		opts.Host = util.DefaultHTTPHost
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = util.DefaultHandlerTimeout
	}
	s := &Servers{
		opts:    opts,
		log:     logger.NewLogger("http"),
		servers: map[string]*server{},
	}

	reg.RegisterFunc(Namespace, "new", s.fnNew())
	reg.RegisterFunc(Namespace, "start", s.fnStart())
	reg.RegisterFunc(Namespace, "stop", s.fnStop())
	reg.RegisterScheduling(Namespace, "register", registration{s})
	return s
}

func stringArg(name string, args []object.Object, i int) (string, error) {
	if i >= len(args) {
		return "", object.NewError(object.ArityMismatch, token.Position{},
			"wrong number of arguments to `%s`. got=%d, want at least %d", name, len(args), i+1)
	}
	s, ok := args[i].(*object.String)
	if !ok {
		return "", object.NewError(object.TypeMismatch, token.Position{},
			"argument %d to `%s` must be a STRING, got %s", i+1, name, args[i].Type())
	}
	return s.Value, nil
}

func (s *Servers) lookup(name string) (*server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[name]
	if !ok {
		return nil, fmt.Errorf("server %q not found", name)
	}
	return srv, nil
}

// new(port) creates a server bound to Host:port and returns its name. Port 0 picks a free port.
func (s *Servers) fnNew() host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		if len(args) != 1 {
			return nil, object.NewError(object.ArityMismatch, token.Position{},
				"wrong number of arguments to `http.new`. got=%d, want=1", len(args))
		}
		var port string
		switch v := args[0].(type) {
		case *object.String:
			port = v.Value
		case *object.Integer:
			port = strconv.FormatInt(v.Value, 10)
		default:
			return nil, object.NewError(object.TypeMismatch, token.Position{},
				"port passed to `http.new` must be a STRING or INTEGER, got %s", args[0].Type())
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		name := fmt.Sprintf("http_server_%d", len(s.servers)+1)
		srv := &server{
			name:     name,
			addr:     net.JoinHostPort(s.opts.Host, port),
			mux:      http.NewServeMux(),
			patterns: map[string]bool{},
			routes:   map[string]map[string]route{},
		}
		s.servers[name] = srv
		s.log.Debug("server created", slog.String("server", name), slog.String("addr", srv.addr))
		return &object.String{Value: name}, nil
	}
}

// start(name) starts listening and returns the bound address.
func (s *Servers) fnStart() host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		name, err := stringArg("http.start", args, 0)
		if err != nil {
			return nil, err
		}
		srv, err := s.lookup(name)
		if err != nil {
			return nil, err
		}

		srv.mu.Lock()
		defer srv.mu.Unlock()
		if srv.srv != nil {
			return nil, fmt.Errorf("server %q is already started", name)
		}

		ln, err := net.Listen("tcp", srv.addr)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
		srv.srv = &http.Server{Handler: srv.mux, ReadHeaderTimeout: readHeaderTimeout}

		go func(hs *http.Server) {
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("server stopped", slog.String("server", name), slog.Any("error", err))
			}
		}(srv.srv)

		addr := ln.Addr().String()
		s.log.Info("server started", slog.String("server", name), slog.String("addr", addr))
		return &object.String{Value: addr}, nil
	}
}

// stop(name) shuts the server down, letting requests in flight finish.
func (s *Servers) fnStop() host.Function {
	return func(ctx context.Context, args ...object.Object) (object.Object, error) {
		name, err := stringArg("http.stop", args, 0)
		if err != nil {
			return nil, err
		}
		srv, err := s.lookup(name)
		if err != nil {
			return nil, err
		}
		return object.NativeBoolToBooleanObject(srv.shutdown(ctx)), nil
	}
}

// shutdown reports whether the server was running.
func (srv *server) shutdown(ctx context.Context) bool {
	srv.mu.Lock()
	hs := srv.srv
	srv.srv = nil
	srv.mu.Unlock()
	if hs == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		hs.Close()
	}
	return true
}

// Close shuts down every server.
func (s *Servers) Close() {
	s.mu.Lock()
	servers := make([]*server, 0, len(s.servers))
	for _, srv := range s.servers {
		servers = append(servers, srv)
	}
	s.mu.Unlock()

	for _, srv := range servers {
		if srv.shutdown(context.Background()) {
			s.log.Debug("server stopped", slog.String("server", srv.name))
		}
	}
}

// registration is the `register` scheduling capability:
// call("http", "register", handler, server, method, pattern).
type registration struct {
	servers *Servers
}

func (registration) OneShot() bool { return false }

func (registration) EventDriven() {}

func (r registration) Arm(ctx context.Context, trigger host.Trigger, signaler host.Signaler) (func(), error) {
	dispatcher, ok := signaler.(host.Dispatcher)
	if !ok {
		return nil, errors.New("http routes need a dispatcher that returns results")
	}

	name, err := stringArg("http.register", trigger.Args, 0)
	if err != nil {
		return nil, err
	}
	method, err := stringArg("http.register", trigger.Args, 1)
	if err != nil {
		return nil, err
	}
	pattern, err := stringArg("http.register", trigger.Args, 2)
	if err != nil {
		return nil, err
	}

	srv, err := r.servers.lookup(name)
	if err != nil {
		return nil, err
	}
	if err := srv.route(pattern, method, route{taskID: trigger.TaskID, dispatcher: dispatcher}, r.servers); err != nil {
		return nil, err
	}

	stop := sync.OnceFunc(func() { srv.unroute(pattern, method, trigger.TaskID) })
	return stop, nil
}

func (srv *server) route(pattern, method string, rt route, s *Servers) (err error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if !srv.patterns[pattern] {
		// ServeMux panics on malformed or conflicting patterns
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("invalid route pattern %q: %v", pattern, rec)
			}
		}()
		srv.mux.HandleFunc(pattern, s.handler(srv, pattern))
		srv.patterns[pattern] = true
	}

	methods, ok := srv.routes[pattern]
	if !ok {
		methods = map[string]route{}
		srv.routes[pattern] = methods
	}
	methods[method] = rt
	return nil
}

func (srv *server) unroute(pattern, method, taskID string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if rt, ok := srv.routes[pattern][method]; ok && rt.taskID == taskID {
		delete(srv.routes[pattern], method)
	}
}

func (srv *server) lookupRoute(pattern, method string) (route, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	rt, ok := srv.routes[pattern][method]
	return rt, ok
}

func (s *Servers) handler(srv *server, pattern string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rt, ok := srv.lookupRoute(pattern, req.Method)
		if !ok {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		request, err := requestObject(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f := rt.dispatcher.Dispatch(req.Context(), rt.taskID, []object.Object{request})
		result, err, done := f.AwaitTimeout(s.opts.HandlerTimeout)
		switch {
		case !done:
			s.log.Warn("handler timed out",
				slog.String("server", srv.name),
				slog.String("route", req.Method+" "+pattern),
				slog.Duration("timeout", s.opts.HandlerTimeout))
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		case err != nil:
			s.log.Warn("handler failed",
				slog.String("server", srv.name),
				slog.String("route", req.Method+" "+pattern),
				slog.Any("error", err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if result != nil && result != object.NIL {
			io.WriteString(w, result.Inspect())
		}
	}
}

// requestObject is the single argument handlers receive: {method, path, query, body}. Query
// parameters keep their first value, in key order.
func requestObject(req *http.Request) (*object.Map, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	values := req.URL.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	query := object.NewMap()
	for _, k := range keys {
		query.Put(k, &object.String{Value: values.Get(k)})
	}

	return object.NewMap().
		Put("method", &object.String{Value: req.Method}).
		Put("path", &object.String{Value: req.URL.Path}).
		Put("query", query).
		Put("body", &object.String{Value: string(body)}), nil
}
