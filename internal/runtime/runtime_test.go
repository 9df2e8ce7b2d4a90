package runtime

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"rash/internal/ast"
	"rash/internal/host"
	"rash/internal/object"
	"rash/internal/scheduler"
	"rash/internal/util"
	"strings"
	"sync"
	"testing"
	"time"
)

// manualTicker is a scheduling capability driven by the test: every tick signals each armed
// trigger once.
type manualTicker struct {
	mu       sync.Mutex
	triggers map[string]host.Signaler
	stopped  map[string]bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{triggers: map[string]host.Signaler{}, stopped: map[string]bool{}}
}

func (m *manualTicker) OneShot() bool { return false }

func (m *manualTicker) Arm(ctx context.Context, trigger host.Trigger, signaler host.Signaler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[trigger.TaskID] = signaler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.stopped[trigger.TaskID] = true
	}, nil
}

// tick reports how many triggers accepted the signal.
func (m *manualTicker) tick() int {
	m.mu.Lock()
	signalers := map[string]host.Signaler{}
	for id, s := range m.triggers {
		signalers[id] = s
	}
	m.mu.Unlock()

	accepted := 0
	for id, s := range signalers {
		if s.Signal(id) {
			accepted++
		}
	}
	return accepted
}

func (m *manualTicker) isStopped(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped[id]
}

type countingObserver struct {
	mu                         sync.Mutex
	registered, fired, cancels int
}

func (o *countingObserver) TaskRegistered(scheduler.Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registered++
}

func (o *countingObserver) TaskFired(scheduler.Info, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fired++
}

func (o *countingObserver) TaskCancelled(scheduler.Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels++
}

func startRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	r := NewRuntime(util.DefaultConfiguration(), opts...)
	done := r.Start(context.Background())
	t.Cleanup(func() {
		r.Stop()
		if err := <-done; err != nil {
			t.Errorf("scheduler loop failed: %v", err)
		}
	})
	return r
}

func execute(t *testing.T, r *Runtime, src string) object.Object {
	t.Helper()
	program, err := ast.Decode([]byte(src), t.Name())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Execute(ctx, program)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	return result
}

const registerTicker = `
- {type: LetStatement, name: fired, value: 0}
- type: LetStatement
  name: handle
  value:
    type: CallExpression
    function: !id call
    arguments:
      - test
      - ticker
      - type: FunctionLiteral
        parameters: [step]
        body:
          - {type: InfixExpression, operator: "=", left: !id fired, right: {type: InfixExpression, operator: "+", left: !id fired, right: !id step}}
      - 10
      - 1
- !id fired
`

func TestTickerFiresOncePerSignal(t *testing.T) {
	ticker := newManualTicker()
	reg := host.NewRegistry().RegisterScheduling("test", "ticker", ticker)
	observer := &countingObserver{}
	r := startRuntime(t, WithHost(reg), WithObserver(observer))

	if got := execute(t, r, registerTicker).Inspect(); got != "0" {
		t.Fatalf("callback ran during registration, fired=%s", got)
	}

	handle, ok := r.Globals().Get("handle")
	if !ok {
		t.Fatalf("handle not bound")
	}
	id := handle.(*object.TaskHandle).ID

	if n := ticker.tick(); n != 1 {
		t.Fatalf("expected the task to accept the signal, accepted=%d", n)
	}
	if got := execute(t, r, `- !id fired`).Inspect(); got != "1" {
		t.Fatalf("expected one firing, fired=%s", got)
	}

	ticker.tick()
	ticker.tick()
	if got := execute(t, r, `- !id fired`).Inspect(); got != "3" {
		t.Fatalf("expected three firings, fired=%s", got)
	}

	cancelled := execute(t, r, `- {type: CallExpression, function: !id eval, arguments: [sys, cancel, !id handle]}`)
	if cancelled != object.TRUE {
		t.Fatalf("cancel should report an active task, got %s", cancelled.Inspect())
	}
	if !ticker.isStopped(id) {
		t.Fatalf("cancel did not stop the host trigger")
	}

	if n := ticker.tick(); n != 0 {
		t.Fatalf("cancelled task accepted a signal")
	}
	if got := execute(t, r, `- !id fired`).Inspect(); got != "3" {
		t.Fatalf("cancelled task fired, fired=%s", got)
	}

	info, _ := r.Scheduler().Task(id)
	if info.State != scheduler.StateCancelled || info.Fired != 3 {
		t.Fatalf("unexpected task state %+v", info)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if observer.registered != 1 || observer.fired != 3 || observer.cancels != 1 {
		t.Fatalf("unexpected observer counts %+v", observer)
	}
}

func TestTaskCanCancelItself(t *testing.T) {
	ticker := newManualTicker()
	reg := host.NewRegistry().RegisterScheduling("test", "ticker", ticker)
	r := startRuntime(t, WithHost(reg))

	execute(t, r, `
- {type: LetStatement, name: runs, value: 0}
- {type: LetStatement, name: handle, value: null}
- type: InfixExpression
  operator: "="
  left: !id handle
  right:
    type: CallExpression
    function: !id call
    arguments:
      - test
      - ticker
      - type: FunctionLiteral
        body:
          - {type: InfixExpression, operator: "=", left: !id runs, right: {type: InfixExpression, operator: "+", left: !id runs, right: 1}}
          - {type: CallExpression, function: !id eval, arguments: [sys, cancel, !id handle]}
      - 10
`)

	ticker.tick()
	ticker.tick()
	if got := execute(t, r, `- !id runs`).Inspect(); got != "1" {
		t.Fatalf("task should have run once before cancelling itself, runs=%s", got)
	}
}

func TestFiringErrorKeepsTaskArmed(t *testing.T) {
	ticker := newManualTicker()
	reg := host.NewRegistry().RegisterScheduling("test", "ticker", ticker)
	r := startRuntime(t, WithHost(reg))

	execute(t, r, `
- {type: LetStatement, name: runs, value: 0}
- type: LetStatement
  name: handle
  value:
    type: CallExpression
    function: !id call
    arguments:
      - test
      - ticker
      - type: FunctionLiteral
        body:
          - {type: InfixExpression, operator: "=", left: !id runs, right: {type: InfixExpression, operator: "+", left: !id runs, right: 1}}
          - !id undefined_name
      - 10
`)

	ticker.tick()
	ticker.tick()
	if got := execute(t, r, `- !id runs`).Inspect(); got != "2" {
		t.Fatalf("failing task should keep firing, runs=%s", got)
	}

	handle, _ := r.Globals().Get("handle")
	info, _ := r.Scheduler().Task(handle.(*object.TaskHandle).ID)
	if info.State != scheduler.StateArmed || info.Failed != 2 {
		t.Fatalf("unexpected task state %+v", info)
	}
}

func TestImportsProgram(t *testing.T) {
	out := &bytes.Buffer{}
	r := startRuntime(t, WithOutput(out))

	program, err := r.LoadProgram(filepath.Join("testdata", "imports.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	cached, _ := r.LoadProgram(filepath.Join("testdata", "imports.yaml"))
	if cached != program {
		t.Fatalf("second load should come from the cache")
	}
	if _, err := r.Execute(context.Background(), program.Program); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"fib 5", `- {type: CallExpression, function: !id fib, arguments: [5]}`, "3"},
		{"fib 10", `- {type: CallExpression, function: !id fib, arguments: [10]}`, "34"},
		{"doubled", `- {type: CallExpression, function: !id doubled}`, "288"},
		{"map foo", `- {type: CallExpression, function: {type: FieldExpression, left: !id map, field: foo}}`, "foo"},
		{"map bar", `- {type: CallExpression, function: {type: IndexExpression, left: !id map, index: bar}}`, "bar"},
		{"map keeps both keys", `- {type: CallExpression, function: !id len, arguments: [!id map]}`, "2"},
		{"len of string", `- {type: CallExpression, function: !id len, arguments: [héllo]}`, "5"},
		{"print returns nil", `- {type: CallExpression, function: !id print, arguments: [hello]}`, "nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := execute(t, r, tt.src).Inspect(); got != tt.want {
				t.Fatalf("wrong value. got=%s, want=%s", got, tt.want)
			}
		})
	}

	if out.String() != "hello\n" {
		t.Fatalf("unexpected output %q", out.String())
	}

	_, err = r.Execute(context.Background(), mustDecode(t, `- {type: CallExpression, function: !id doubled, arguments: [1]}`))
	kind, _ := object.KindOf(err)
	if kind != object.ArityMismatch {
		t.Fatalf("expected ArityMismatch, got %v", err)
	}
}

func TestImportsTickerWithHostTimer(t *testing.T) {
	r := startRuntime(t)

	program, err := r.LoadProgram(filepath.Join("testdata", "imports.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, err := r.Execute(context.Background(), program.Program); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	execute(t, r, `
- {type: LetStatement, name: ticks, value: 0}
- type: LetStatement
  name: handle
  value:
    type: CallExpression
    function: !id ticker
    arguments:
      - 1
      - type: FunctionLiteral
        body:
          - {type: InfixExpression, operator: "=", left: !id ticks, right: {type: InfixExpression, operator: "+", left: !id ticks, right: 1}}
`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		ticks := execute(t, r, `- !id ticks`).(*object.Integer).Value
		if ticks >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ticker never fired twice, ticks=%d", ticks)
		}
		time.Sleep(2 * time.Millisecond)
	}

	execute(t, r, `- {type: CallExpression, function: !id eval, arguments: [sys, cancel, !id handle]}`)
	settled := execute(t, r, `- !id ticks`).(*object.Integer).Value
	time.Sleep(20 * time.Millisecond)
	if ticks := execute(t, r, `- !id ticks`).(*object.Integer).Value; ticks != settled {
		t.Fatalf("ticker fired after cancel: %d -> %d", settled, ticks)
	}
}

func TestLoadProgramWritesDebugAST(t *testing.T) {
	src, err := os.ReadFile(filepath.Join("testdata", "imports.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "imports.yaml")
	if err := os.WriteFile(path, src, 0644); err != nil {
		t.Fatal(err)
	}

	cfg := util.DefaultConfiguration()
	cfg.DebugAST = true
	r := NewRuntime(cfg)
	t.Cleanup(r.Stop)

	if _, err := r.LoadProgram(path); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	dump, err := os.ReadFile(path + ".ast.txt")
	if err != nil {
		t.Fatalf("debug AST not written: %v", err)
	}
	if !strings.Contains(string(dump), "fib") {
		t.Fatalf("debug AST does not mention fib:\n%s", dump)
	}
}

const helloServer = `
- {type: LetStatement, name: hits, value: 0}
- {type: LetStatement, name: server, value: {type: CallExpression, function: !id eval, arguments: [http, new, "0"]}}
- type: LetStatement
  name: route
  value:
    type: CallExpression
    function: !id call
    arguments:
      - http
      - register
      - type: FunctionLiteral
        parameters: [request]
        body:
          - {type: InfixExpression, operator: "=", left: !id hits, right: {type: InfixExpression, operator: "+", left: !id hits, right: 1}}
          - type: ReturnStatement
            returnValue: {type: InfixExpression, operator: "+", left: "hello ", right: {type: IndexExpression, left: !id request, index: path}}
      - !id server
      - GET
      - /hello
- {type: CallExpression, function: !id eval, arguments: [http, start, !id server]}
`

func TestHTTPRouteReturnsHandlerResult(t *testing.T) {
	r := startRuntime(t)

	addr := execute(t, r, helloServer).Inspect()

	resp, err := http.Get("http://" + addr + "/hello")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(body) != "hello /hello" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	resp, err = http.Post("http://"+addr+"/hello", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for an unregistered method, got %d", resp.StatusCode)
	}

	if got := execute(t, r, `- !id hits`).Inspect(); got != "1" {
		t.Fatalf("expected one handler run, hits=%s", got)
	}

	route, _ := r.Globals().Get("route")
	info, _ := r.Scheduler().Task(route.(*object.TaskHandle).ID)
	if info.State != scheduler.StateArmed || info.Fired != 1 || info.Interval != 0 {
		t.Fatalf("unexpected route task %+v", info)
	}

	execute(t, r, `- {type: CallExpression, function: !id eval, arguments: [sys, cancel, !id route]}`)
	resp, err = http.Get("http://" + addr + "/hello")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("cancelled route still served, got %d", resp.StatusCode)
	}
}

func TestCallWithoutIntervalNeedsEventDrivenCapability(t *testing.T) {
	ticker := newManualTicker()
	reg := host.NewRegistry().RegisterScheduling("test", "ticker", ticker)
	r := NewRuntime(util.DefaultConfiguration(), WithHost(reg))
	t.Cleanup(r.Stop)

	_, err := evalSource(t, r, `
- {type: CallExpression, function: !id call, arguments: [test, ticker, {type: FunctionLiteral, body: [1]}]}
`)
	if kind, _ := object.KindOf(err); kind != object.ArityMismatch {
		t.Fatalf("expected ArityMismatch, got %v", err)
	}
}

func TestExecuteAfterStop(t *testing.T) {
	r := NewRuntime(util.DefaultConfiguration())
	r.Stop()

	_, err := r.Execute(context.Background(), mustDecode(t, `- 1`))
	if err == nil {
		t.Fatalf("expected an error from a stopped runtime")
	}
}

func mustDecode(t *testing.T, src string) *ast.Program {
	t.Helper()
	program, err := ast.Decode([]byte(src), t.Name())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return program
}
