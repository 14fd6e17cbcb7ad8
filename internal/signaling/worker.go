package signaling

import (
	"context"
	"errors"
	"sync"
)

var errWorkerStopped = errors.New("signaling: call worker stopped")

// callWorker runs commands for one call strictly in submission order on a
// single goroutine. The queue is unbounded so event delivery never blocks.
type callWorker struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newCallWorker() *callWorker {
	w := &callWorker{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// submit enqueues fn. It returns false once the worker is stopped.
func (w *callWorker) submit(fn func()) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, fn)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the worker and waits for its result.
func (w *callWorker) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !w.submit(func() { res <- fn() }) {
		return errWorkerStopped
	}
	select {
	case err := <-res:
		return err
	case <-w.done:
		select {
		case err := <-res:
			return err
		default:
			return errWorkerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop drops pending commands and lets the goroutine exit after the current
// one. Safe to call from inside a command.
func (w *callWorker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.queue = nil
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *callWorker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			<-w.wake
			continue
		}
		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		fn()
	}
}
