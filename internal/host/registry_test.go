package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rash/internal/object"
	"rash/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var callSite = token.Position{Line: 4, Column: 2}

func newTestRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterFunc("math", "double", func(ctx context.Context, args ...object.Object) (object.Object, error) {
		return &object.Integer{Value: args[0].(*object.Integer).Value * 2}, nil
	})
	reg.RegisterFunc("math", "fail", func(ctx context.Context, args ...object.Object) (object.Object, error) {
		return nil, errors.New("device unavailable")
	})
	reg.RegisterFunc("math", "panic", func(ctx context.Context, args ...object.Object) (object.Object, error) {
		panic("unexpected")
	})
	reg.RegisterFunc("math", "void", func(ctx context.Context, args ...object.Object) (object.Object, error) {
		return nil, nil
	})
	reg.RegisterScheduling("time", "tick", Timer{})
	return reg
}

func TestRegistryEval(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	ctx := context.Background()

	t.Run("invokes function", func(t *testing.T) {
		t.Parallel()
		result, err := reg.Eval(ctx, callSite, "math", "double", []object.Object{&object.Integer{Value: 21}})
		require.NoError(t, err)
		assert.Equal(t, int64(42), result.(*object.Integer).Value)
	})

	t.Run("nil result becomes nil value", func(t *testing.T) {
		t.Parallel()
		result, err := reg.Eval(ctx, callSite, "math", "void", nil)
		require.NoError(t, err)
		assert.Same(t, object.NIL, result)
	})

	t.Run("unknown name", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Eval(ctx, callSite, "math", "triple", nil)
		kind, _ := object.KindOf(err)
		assert.Equal(t, object.UnknownHostFunction, kind)
	})

	t.Run("scheduling capability through eval", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Eval(ctx, callSite, "time", "tick", nil)
		kind, _ := object.KindOf(err)
		assert.Equal(t, object.UnknownHostFunction, kind)
	})

	t.Run("host failure is wrapped", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Eval(ctx, callSite, "math", "fail", nil)
		var evalErr *object.Error
		require.ErrorAs(t, err, &evalErr)
		assert.Equal(t, object.HostCapabilityError, evalErr.Kind)
		assert.Equal(t, callSite, evalErr.Pos)
		assert.EqualError(t, evalErr.Cause, "device unavailable")
	})

	t.Run("panic is recovered", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Eval(ctx, callSite, "math", "panic", nil)
		kind, _ := object.KindOf(err)
		assert.Equal(t, object.HostCapabilityError, kind)
	})
}

func TestRegistryScheduling(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	s, err := reg.Scheduling(callSite, "time", "tick")
	require.NoError(t, err)
	assert.False(t, s.OneShot())

	_, err = reg.Scheduling(callSite, "math", "double")
	kind, _ := object.KindOf(err)
	assert.Equal(t, object.UnknownHostFunction, kind)

	_, err = reg.Scheduling(callSite, "time", "cron")
	kind, _ = object.KindOf(err)
	assert.Equal(t, object.UnknownHostFunction, kind)
}

func TestRegistryKeys(t *testing.T) {
	t.Parallel()
	keys := newTestRegistry().Keys()
	require.Len(t, keys, 5)
	assert.Equal(t, "math.double", keys[0].String())
	assert.Equal(t, "time.tick", keys[4].String())
}

type countingSignaler struct {
	mu      sync.Mutex
	signals map[string]int
	accept  atomic.Bool
}

func newCountingSignaler() *countingSignaler {
	s := &countingSignaler{signals: map[string]int{}}
	s.accept.Store(true)
	return s
}

func (s *countingSignaler) Signal(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[taskID]++
	return s.accept.Load()
}

func (s *countingSignaler) count(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[taskID]
}

func TestTimerPeriodic(t *testing.T) {
	t.Parallel()
	sig := newCountingSignaler()

	stop, err := Timer{}.Arm(context.Background(), Trigger{TaskID: "t1", Interval: 2 * time.Millisecond}, sig)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return sig.count("t1") >= 3 }, time.Second, time.Millisecond)

	stop()
	stop()
	settled := sig.count("t1")
	time.Sleep(10 * time.Millisecond)
	assert.LessOrEqual(t, sig.count("t1"), settled+1)
}

func TestTimerStopsWhenSignalRejected(t *testing.T) {
	t.Parallel()
	sig := newCountingSignaler()
	sig.accept.Store(false)

	_, err := Timer{}.Arm(context.Background(), Trigger{TaskID: "t2", Interval: time.Millisecond}, sig)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return sig.count("t2") == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, sig.count("t2"))
}

func TestTimerOnce(t *testing.T) {
	t.Parallel()
	sig := newCountingSignaler()

	timer := Timer{Once: true}
	assert.True(t, timer.OneShot())

	_, err := timer.Arm(context.Background(), Trigger{TaskID: "t3", Interval: time.Millisecond}, sig)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return sig.count("t3") == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, sig.count("t3"))
}

func TestTimerRejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()
	_, err := Timer{}.Arm(context.Background(), Trigger{TaskID: "t4"}, newCountingSignaler())
	require.Error(t, err)
}
