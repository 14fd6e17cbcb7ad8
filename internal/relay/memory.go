package relay

import (
	"context"
	"encoding/json"
	"sync"

	"call-signaling/internal/calls"
)

// MemoryStore is an in-memory Store useful for tests and single-process demos.
type MemoryStore struct {
	mu         sync.Mutex
	calls      map[string]calls.CallRecord
	candidates []calls.CandidateRecord
	candIDs    map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:   make(map[string]calls.CallRecord),
		candIDs: make(map[string]struct{}),
	}
}

func (s *MemoryStore) CreateCall(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.ID]; ok {
		return calls.CallRecord{}, calls.ErrDuplicate
	}
	rec = cloneCall(rec)
	s.calls[rec.ID] = rec
	return cloneCall(rec), nil
}

func (s *MemoryStore) GetCall(ctx context.Context, id string) (calls.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	return cloneCall(rec), nil
}

func (s *MemoryStore) AnswerCall(ctx context.Context, id string, answer json.RawMessage) (calls.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	if rec.State != calls.RecordCalling || len(rec.Answer) > 0 {
		return calls.CallRecord{}, calls.ErrConflict
	}
	rec.Answer = append(json.RawMessage(nil), answer...)
	rec.State = calls.RecordActive
	s.calls[id] = rec
	return cloneCall(rec), nil
}

func (s *MemoryStore) EndCall(ctx context.Context, id string) (calls.CallRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return calls.CallRecord{}, false, calls.ErrNotFound
	}
	if rec.State == calls.RecordEnded {
		return cloneCall(rec), false, nil
	}
	rec.State = calls.RecordEnded
	s.calls[id] = rec
	return cloneCall(rec), true, nil
}

func (s *MemoryStore) AddCandidate(ctx context.Context, c calls.CandidateRecord) (calls.CandidateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.CallID]; !ok {
		return calls.CandidateRecord{}, calls.ErrNotFound
	}
	if _, ok := s.candIDs[c.ID]; ok {
		return calls.CandidateRecord{}, calls.ErrDuplicate
	}
	c.Candidate = append(json.RawMessage(nil), c.Candidate...)
	s.candIDs[c.ID] = struct{}{}
	s.candidates = append(s.candidates, c)
	return c, nil
}

// Candidates returns the candidates stored for callID in insertion order.
func (s *MemoryStore) Candidates(callID string) []calls.CandidateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calls.CandidateRecord
	for _, c := range s.candidates {
		if c.CallID == callID {
			out = append(out, c)
		}
	}
	return out
}

// Calls returns every stored call record.
func (s *MemoryStore) Calls() []calls.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.CallRecord, 0, len(s.calls))
	for _, rec := range s.calls {
		out = append(out, cloneCall(rec))
	}
	return out
}

func cloneCall(rec calls.CallRecord) calls.CallRecord {
	if rec.Offer != nil {
		rec.Offer = append(json.RawMessage(nil), rec.Offer...)
	}
	if rec.Answer != nil {
		rec.Answer = append(json.RawMessage(nil), rec.Answer...)
	}
	return rec
}

func cloneEvent(ev calls.Event) calls.Event {
	if ev.Call != nil {
		rec := cloneCall(*ev.Call)
		ev.Call = &rec
	}
	if ev.Candidate != nil {
		c := *ev.Candidate
		c.Candidate = append(json.RawMessage(nil), c.Candidate...)
		ev.Candidate = &c
	}
	return ev
}

// MemoryBus is an in-process Bus. Each subscriber gets an unbounded queue so a
// slow consumer never blocks publishers, and events keep publish order.
type MemoryBus struct {
	// DuplicateDelivery delivers every event twice, simulating at-least-once delivery.
	DuplicateDelivery bool

	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, actorIDs []string, ev calls.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{}, len(actorIDs))
	for _, id := range actorIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		for sub := range b.subs[id] {
			sub.push(cloneEvent(ev))
			if b.DuplicateDelivery {
				sub.push(cloneEvent(ev))
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, actorID string) (<-chan calls.Event, func(), error) {
	sub := &memorySub{
		out:    make(chan calls.Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[actorID] == nil {
		b.subs[actorID] = make(map[*memorySub]struct{})
	}
	b.subs[actorID][sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[actorID], sub)
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel, nil
}

type memorySub struct {
	mu     sync.Mutex
	queue  []calls.Event
	signal chan struct{}
	done   chan struct{}
	out    chan calls.Event
}

func (s *memorySub) push(ev calls.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
