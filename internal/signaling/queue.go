package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// CandidateSink applies a remote candidate. transport.Session satisfies it.
type CandidateSink interface {
	AddCandidate(candidate json.RawMessage) error
}

// CandidateQueue holds remote candidates until the remote description is set.
//
// Flush replays the buffer in arrival order exactly once; afterwards Enqueue
// applies candidates directly. Discard drops everything and ignores later
// enqueues. Apply failures are logged and never fatal.
type CandidateQueue struct {
	log *slog.Logger

	mu        sync.Mutex
	pending   []json.RawMessage
	sink      CandidateSink
	discarded bool
}

func NewCandidateQueue(log *slog.Logger) *CandidateQueue {
	if log == nil {
		log = slog.Default()
	}
	return &CandidateQueue{log: log}
}

// Enqueue buffers c, or applies it when the queue was already flushed.
// It reports whether c was applied to the sink successfully.
func (q *CandidateQueue) Enqueue(c json.RawMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.discarded:
		return false
	case q.sink != nil:
		return q.apply(c)
	default:
		q.pending = append(q.pending, c)
		return false
	}
}

// Flush hands the buffer to sink in FIFO order and switches the queue to
// direct mode. Only the first call has any effect. It returns how many
// buffered candidates applied cleanly.
func (q *CandidateQueue) Flush(sink CandidateSink) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.discarded || q.sink != nil || sink == nil {
		return 0
	}
	q.sink = sink
	applied := 0
	for _, c := range q.pending {
		if q.apply(c) {
			applied++
		}
	}
	q.pending = nil
	return applied
}

func (q *CandidateQueue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.discarded = true
	q.pending = nil
	q.sink = nil
}

// Len is the number of buffered candidates.
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *CandidateQueue) Flushed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sink != nil
}

func (q *CandidateQueue) apply(c json.RawMessage) bool {
	if err := q.sink.AddCandidate(c); err != nil {
		q.log.Warn("remote candidate rejected", "err", err)
		return false
	}
	return true
}
