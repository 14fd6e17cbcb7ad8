package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"call-signaling/internal/calls"

	lru "github.com/hashicorp/golang-lru/v2"
)

// seenCallsSize bounds insert dedupe. Once an entry has been evicted a
// redelivered insert can no longer be recognized, so from then on every
// insert is confirmed against the store before it rings.
const (
	seenCallsSize  = 4096
	confirmTimeout = 5 * time.Second
)

// eventHandler receives classified events. incoming and interrupt run on the
// router goroutine; callUpdated and remoteCandidate run on the call's worker.
type eventHandler interface {
	incoming(rec calls.CallRecord)
	interrupt(callID string)
	callUpdated(callID string, rec calls.CallRecord)
	remoteCandidate(callID string, c calls.CandidateRecord)
}

// Router subscribes to the actor's relay channel, filters and dedupes events
// and hands each one to the worker of the call it belongs to.
type Router struct {
	actorID string
	relay   Relay
	handler eventHandler
	log     *slog.Logger

	seen    *lru.Cache[string, struct{}]
	evicted atomic.Bool

	mu      sync.Mutex
	workers map[string]*callWorker
	cancel  func()
	done    chan struct{}
}

func newRouter(actorID string, relay Relay, h eventHandler, log *slog.Logger) (*Router, error) {
	return newRouterSize(actorID, relay, h, log, seenCallsSize)
}

func newRouterSize(actorID string, relay Relay, h eventHandler, log *slog.Logger, size int) (*Router, error) {
	r := &Router{
		actorID: actorID,
		relay:   relay,
		handler: h,
		log:     log.With("component", "router"),
		workers: make(map[string]*callWorker),
	}
	seen, err := lru.NewWithEvict[string, struct{}](size, func(string, struct{}) {
		r.evicted.Store(true)
	})
	if err != nil {
		return nil, err
	}
	r.seen = seen
	return r, nil
}

// Start subscribes and begins dispatching. It returns once the subscription is live.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return errors.New("signaling: router already started")
	}
	r.mu.Unlock()

	events, unsubscribe, err := r.relay.Subscribe(ctx, r.actorID)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = unsubscribe
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range events {
			r.dispatch(ev)
		}
		r.log.Debug("event stream closed")
	}()
	return nil
}

// Close unsubscribes and waits for the dispatch loop to exit.
func (r *Router) Close() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (r *Router) attach(callID string, w *callWorker) {
	r.mu.Lock()
	r.workers[callID] = w
	r.mu.Unlock()
	r.seen.Add(callID, struct{}{})
}

func (r *Router) detach(callID string) {
	r.mu.Lock()
	delete(r.workers, callID)
	r.mu.Unlock()
}

func (r *Router) worker(callID string) *callWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[callID]
}

func (r *Router) dispatch(ev calls.Event) {
	if !ev.Valid() {
		r.log.Warn("drop malformed event", "kind", ev.Kind, "op", ev.Op)
		return
	}
	switch ev.Kind {
	case calls.EventCall:
		r.dispatchCall(ev.Op, *ev.Call)
	case calls.EventCandidate:
		r.dispatchCandidate(*ev.Candidate)
	}
}

func (r *Router) dispatchCall(op calls.Op, rec calls.CallRecord) {
	if !rec.Involves(r.actorID) {
		return
	}
	log := r.log.With("call_id", rec.ID, "op", op, "state", rec.State)

	switch op {
	case calls.OpInsert:
		if known, _ := r.seen.ContainsOrAdd(rec.ID, struct{}{}); known {
			log.Debug("drop duplicate insert")
			return
		}
		if rec.CallerID == r.actorID || rec.ReceiverID != r.actorID {
			return
		}
		if rec.State != calls.RecordCalling {
			log.Debug("drop stale insert")
			return
		}
		if r.evicted.Load() && !r.stillCalling(rec.ID, log) {
			log.Debug("drop insert for settled call")
			return
		}
		r.handler.incoming(rec)

	case calls.OpUpdate:
		w := r.worker(rec.ID)
		if w == nil {
			if rec.State == calls.RecordEnded {
				r.seen.Add(rec.ID, struct{}{})
			}
			return
		}
		if rec.State == calls.RecordEnded {
			r.handler.interrupt(rec.ID)
		}
		callID := rec.ID
		w.submit(func() { r.handler.callUpdated(callID, rec) })
	}
}

func (r *Router) dispatchCandidate(c calls.CandidateRecord) {
	if c.SenderID == r.actorID {
		return
	}
	w := r.worker(c.CallID)
	if w == nil {
		return
	}
	callID := c.CallID
	w.submit(func() { r.handler.remoteCandidate(callID, c) })
}

// stillCalling reads the record back. A failed read lets the call ring; the
// answer path reads the record again anyway.
func (r *Router) stillCalling(callID string, log *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
	defer cancel()
	cur, err := r.relay.GetCall(ctx, callID)
	if errors.Is(err, calls.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Warn("confirm insert failed", "err", err)
		return true
	}
	return cur.State == calls.RecordCalling
}
