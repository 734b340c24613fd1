// Package ticker runs periodic maintenance tasks. A tick that arrives while
// the previous run is still in flight is dropped, never queued, so a stalled
// handler cannot bombard the exchange once it recovers.
package ticker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Handler    func(ctx context.Context)
}

type Driver struct {
	tasks  []*taskState
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

type taskState struct {
	Task
	inFlight atomic.Bool
}

func NewDriver(tasks ...Task) *Driver {
	d := &Driver{}
	for _, t := range tasks {
		d.tasks = append(d.tasks, &taskState{Task: t})
	}
	return d
}

func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	for _, t := range d.tasks {
		d.wg.Add(1)
		go d.runTask(ctx, t)
	}
}

// Stop cancels all tasks and waits for in-flight handlers to return.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

func (d *Driver) runTask(ctx context.Context, t *taskState) {
	defer d.wg.Done()
	if t.RunOnStart {
		d.fire(ctx, t)
	}
	tick := time.NewTicker(t.Interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			d.fire(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) fire(ctx context.Context, t *taskState) {
	if !t.inFlight.CompareAndSwap(false, true) {
		log.Printf("level=DEBUG event=tick_dropped task=%s", t.Name)
		return
	}
	defer t.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=ERROR event=tick_panic task=%s panic=%v", t.Name, r)
		}
	}()
	t.Handler(ctx)
}
