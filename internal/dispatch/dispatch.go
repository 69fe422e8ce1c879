// Package dispatch runs tasks on per-key serial workers. Tasks submitted for
// the same key run one at a time in submission order; different keys run
// concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrClosed    = errors.New("dispatcher closed")
	ErrQueueFull = errors.New("dispatcher queue full")
	ErrPanic     = errors.New("task panicked")
)

// RoomKey is the worker key for a room's message stream and subscriptions.
func RoomKey(roomID int) string {
	return fmt.Sprintf("room:%d", roomID)
}

// CallKey is the worker key for a room's call channel.
func CallKey(roomID int) string {
	return fmt.Sprintf("call:%d", roomID)
}

const (
	taskPending int32 = iota
	taskStarted
	taskCancelled
)

type worker struct {
	queue []func()
	wake  chan struct{}
}

// Dispatcher owns one goroutine per active key. Idle workers exit after the
// idle timeout and are recreated on demand.
type Dispatcher struct {
	mu        sync.Mutex
	workers   map[string]*worker
	queueSize int
	idle      time.Duration
	closed    bool
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New creates a dispatcher whose per-key queues hold at most queueSize tasks.
func New(queueSize int, idle time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &Dispatcher{
		workers:   make(map[string]*worker),
		queueSize: queueSize,
		idle:      idle,
		quit:      make(chan struct{}),
	}
}

// Do runs fn on the worker for key and waits for it to finish. A task whose
// ctx ends while it is still queued is skipped and Do returns ctx.Err(); once
// started, Do waits for the task and reports its outcome. A panicking task is
// recovered and reported as ErrPanic.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func()) error {
	done := make(chan struct{})
	var (
		state   atomic.Int32
		taskErr error
	)
	task := func() {
		defer close(done)
		if ctx.Err() != nil {
			state.CompareAndSwap(taskPending, taskCancelled)
		}
		if !state.CompareAndSwap(taskPending, taskStarted) {
			taskErr = ctx.Err()
			return
		}
		defer func() {
			if r := recover(); r != nil {
				taskErr = fmt.Errorf("%w: %v", ErrPanic, r)
				log.Error().Str("key", key).Interface("panic", r).Msg("dispatch task panicked")
			}
		}()
		fn()
	}
	if err := d.enqueue(key, task); err != nil {
		return err
	}
	select {
	case <-done:
		return taskErr
	case <-ctx.Done():
		if state.CompareAndSwap(taskPending, taskCancelled) {
			return ctx.Err()
		}
		<-done
		return taskErr
	}
}

// Workers returns the number of live workers.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Close stops accepting tasks, lets workers drain their queues and waits for
// them or for ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.quit)
	}
	d.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) enqueue(key string, task func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	w, ok := d.workers[key]
	if !ok {
		w = &worker{wake: make(chan struct{}, 1)}
		d.workers[key] = w
		d.wg.Add(1)
		go d.run(key, w)
	}
	if len(w.queue) >= d.queueSize {
		return ErrQueueFull
	}
	w.queue = append(w.queue, task)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (d *Dispatcher) run(key string, w *worker) {
	defer d.wg.Done()
	idle := time.NewTimer(d.idle)
	defer idle.Stop()

	for {
		d.mu.Lock()
		if len(w.queue) > 0 {
			task := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			d.mu.Unlock()
			task()
			continue
		}
		if d.closed {
			delete(d.workers, key)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(d.idle)

		select {
		case <-w.wake:
		case <-d.quit:
		case <-idle.C:
			// Exit only if nothing arrived between the timer firing and the lock.
			d.mu.Lock()
			if len(w.queue) == 0 {
				delete(d.workers, key)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}
