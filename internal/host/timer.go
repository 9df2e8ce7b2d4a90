package host

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Timer is a Scheduling backed by the Go runtime timers: a periodic ticker, or a single
// time.AfterFunc when Once is set.
type Timer struct {
	Once bool
}

func (t Timer) OneShot() bool { return t.Once }

func (t Timer) Arm(ctx context.Context, trigger Trigger, signaler Signaler) (func(), error) {
	if trigger.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", trigger.Interval)
	}

	if t.Once {
		timer := time.AfterFunc(trigger.Interval, func() {
			if ctx.Err() == nil {
				signaler.Signal(trigger.TaskID)
			}
		})
		return func() { timer.Stop() }, nil
	}

	ticker := time.NewTicker(trigger.Interval)
	done := make(chan struct{})
	stop := sync.OnceFunc(func() {
		ticker.Stop()
		close(done)
	})

	go func() {
		for {
			select {
			case <-ticker.C:
				if !signaler.Signal(trigger.TaskID) {
					stop()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				stop()
				return
			}
		}
	}()

	return stop, nil
}
