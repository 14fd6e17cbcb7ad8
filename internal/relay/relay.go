package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-signaling/internal/calls"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store is the durable record store.
//
// Implementations enforce record invariants: state only moves forward and the
// answer is written at most once, while the call is still calling.
type Store interface {
	CreateCall(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error)
	GetCall(ctx context.Context, id string) (calls.CallRecord, error)
	AnswerCall(ctx context.Context, id string, answer json.RawMessage) (calls.CallRecord, error)
	// EndCall reports changed=false when the record was already ended.
	EndCall(ctx context.Context, id string) (rec calls.CallRecord, changed bool, err error)
	AddCandidate(ctx context.Context, c calls.CandidateRecord) (calls.CandidateRecord, error)
}

// Bus fans change events out to actor channels.
type Bus interface {
	Publish(ctx context.Context, actorIDs []string, ev calls.Event) error
	Subscribe(ctx context.Context, actorID string) (<-chan calls.Event, func(), error)
}

// ChannelFor is the pub/sub channel an actor listens on.
func ChannelFor(actorID string) string {
	return "calls:actor:" + actorID
}

const partyCacheSize = 1024

type parties struct {
	caller   string
	receiver string
}

// Relay writes records and publishes the resulting change to both parties,
// the way a database change feed would.
type Relay struct {
	store Store
	bus   Bus
	log   *slog.Logger
	clock func() time.Time

	parties *lru.Cache[string, parties]
}

func New(store Store, bus Bus, log *slog.Logger) (*Relay, error) {
	if store == nil || bus == nil {
		return nil, errors.New("relay: store and bus are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, parties](partyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Relay{
		store:   store,
		bus:     bus,
		log:     log.With("component", "relay"),
		clock:   time.Now,
		parties: cache,
	}, nil
}

// CreateCall inserts a new record in state calling and publishes the insert.
// If the insert cannot be published the record is marked ended so it can never ring.
func (r *Relay) CreateCall(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.State = calls.RecordCalling
	rec.Answer = nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock().UTC()
	}
	if err := calls.ValidateNew(rec); err != nil {
		return calls.CallRecord{}, err
	}

	saved, err := r.store.CreateCall(ctx, rec)
	if err != nil {
		return calls.CallRecord{}, fmt.Errorf("create call: %w", err)
	}
	r.remember(saved)

	if err := r.bus.Publish(ctx, []string{saved.CallerID, saved.ReceiverID}, calls.CallInserted(saved)); err != nil {
		if _, _, endErr := r.store.EndCall(context.WithoutCancel(ctx), saved.ID); endErr != nil {
			r.log.Error("end unpublished call failed", "call_id", saved.ID, "err", endErr)
		}
		return calls.CallRecord{}, fmt.Errorf("publish call insert: %w", err)
	}
	return saved, nil
}

func (r *Relay) GetCall(ctx context.Context, id string) (calls.CallRecord, error) {
	rec, err := r.store.GetCall(ctx, id)
	if err != nil {
		return calls.CallRecord{}, err
	}
	r.remember(rec)
	return rec, nil
}

// AnswerCall stores the answer, moves the record to active and publishes the update.
func (r *Relay) AnswerCall(ctx context.Context, id string, answer json.RawMessage) (calls.CallRecord, error) {
	if len(answer) == 0 {
		return calls.CallRecord{}, calls.ErrInvalidRecord
	}
	rec, err := r.store.AnswerCall(ctx, id, answer)
	if err != nil {
		return calls.CallRecord{}, fmt.Errorf("answer call: %w", err)
	}
	r.remember(rec)
	r.publish(ctx, rec.CallerID, rec.ReceiverID, calls.CallUpdated(rec))
	return rec, nil
}

// EndCall marks the record ended. Nothing is published when it already was.
func (r *Relay) EndCall(ctx context.Context, id string) (calls.CallRecord, error) {
	rec, changed, err := r.store.EndCall(ctx, id)
	if err != nil {
		return calls.CallRecord{}, fmt.Errorf("end call: %w", err)
	}
	if changed {
		r.publish(ctx, rec.CallerID, rec.ReceiverID, calls.CallUpdated(rec))
	}
	return rec, nil
}

// AddCandidate appends a candidate and publishes it to both parties.
func (r *Relay) AddCandidate(ctx context.Context, c calls.CandidateRecord) (calls.CandidateRecord, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.clock().UTC()
	}
	if err := calls.ValidateCandidate(c); err != nil {
		return calls.CandidateRecord{}, err
	}

	p, err := r.partiesOf(ctx, c.CallID)
	if err != nil {
		return calls.CandidateRecord{}, fmt.Errorf("add candidate: %w", err)
	}
	saved, err := r.store.AddCandidate(ctx, c)
	if err != nil {
		return calls.CandidateRecord{}, fmt.Errorf("add candidate: %w", err)
	}
	r.publish(ctx, p.caller, p.receiver, calls.CandidateInserted(saved))
	return saved, nil
}

func (r *Relay) Subscribe(ctx context.Context, actorID string) (<-chan calls.Event, func(), error) {
	if actorID == "" {
		return nil, nil, errors.New("relay: actor id is required")
	}
	return r.bus.Subscribe(ctx, actorID)
}

func (r *Relay) publish(ctx context.Context, caller, receiver string, ev calls.Event) {
	if err := r.bus.Publish(ctx, []string{caller, receiver}, ev); err != nil {
		r.log.Warn("publish failed", "kind", ev.Kind, "op", ev.Op, "err", err)
	}
}

func (r *Relay) remember(rec calls.CallRecord) {
	r.parties.Add(rec.ID, parties{caller: rec.CallerID, receiver: rec.ReceiverID})
}

func (r *Relay) partiesOf(ctx context.Context, callID string) (parties, error) {
	if p, ok := r.parties.Get(callID); ok {
		return p, nil
	}
	rec, err := r.store.GetCall(ctx, callID)
	if err != nil {
		return parties{}, err
	}
	r.remember(rec)
	return parties{caller: rec.CallerID, receiver: rec.ReceiverID}, nil
}
