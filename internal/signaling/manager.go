package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/media"
	"call-signaling/internal/transport"

	"github.com/google/uuid"
)

// Relay is what the signaling layer needs from the record store and change feed.
type Relay interface {
	CreateCall(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error)
	GetCall(ctx context.Context, id string) (calls.CallRecord, error)
	AnswerCall(ctx context.Context, id string, answer json.RawMessage) (calls.CallRecord, error)
	EndCall(ctx context.Context, id string) (calls.CallRecord, error)
	AddCandidate(ctx context.Context, c calls.CandidateRecord) (calls.CandidateRecord, error)
	Subscribe(ctx context.Context, actorID string) (<-chan calls.Event, func(), error)
}

type Options struct {
	ActorID    string
	Relay      Relay
	Transports transport.Factory
	Capturer   media.Capturer
	Retry      RetryPolicy
	Logger     *slog.Logger

	// PersistTimeout bounds each relay write. Defaults to 5s.
	PersistTimeout time.Duration
}

// Manager owns the local actor's single call: the state machine, the session
// resources and the public entry points.
type Manager struct {
	actorID        string
	relay          Relay
	transports     transport.Factory
	capturer       media.Capturer
	retry          RetryPolicy
	persistTimeout time.Duration
	log            *slog.Logger

	router *Router
	bg     sync.WaitGroup

	notifyMu sync.Mutex

	mu           sync.Mutex
	machine      *Machine
	sess         *session
	closed       bool
	started      bool
	observers    map[int]func(Snapshot)
	nextObserver int
}

// session is the state of one call attempt. Fields below the marker are only
// touched on the call's worker.
type session struct {
	id     string
	role   Role
	peerID string
	kind   calls.MediaKind
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	worker *callWorker
	queue  *CandidateQueue

	// guarded by Manager.mu
	connected    bool
	audioMuted   bool
	videoMuted   bool
	localTracks  []string
	remoteTracks []transport.Track

	// worker only
	record    calls.CallRecord
	transport transport.Session
	stream    media.Stream
	persisted bool
	remoteSet bool
	answering bool
	ended     bool
	outbound  []json.RawMessage
}

func NewManager(opts Options) (*Manager, error) {
	if opts.ActorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidArgument)
	}
	if opts.Relay == nil || opts.Transports == nil || opts.Capturer == nil {
		return nil, fmt.Errorf("%w: relay, transports and capturer are required", ErrInvalidArgument)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}

	m := &Manager{
		actorID:        opts.ActorID,
		relay:          opts.Relay,
		transports:     opts.Transports,
		capturer:       opts.Capturer,
		retry:          opts.Retry.withDefaults(),
		persistTimeout: opts.PersistTimeout,
		log:            log.With("component", "signaling", "actor_id", opts.ActorID),
		machine:        NewMachine(),
		observers:      make(map[int]func(Snapshot)),
	}
	router, err := newRouter(opts.ActorID, opts.Relay, m, m.log)
	if err != nil {
		return nil, err
	}
	m.router = router
	return m, nil
}

// Start subscribes to the relay. Events published after Start returns are observed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.router.Start(ctx); err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}
	m.log.Info("signaling started")
	return nil
}

// Close ends any call, stops the router and waits for background writes.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.sess
	m.mu.Unlock()

	var err error
	if s != nil {
		err = m.endAndWait(ctx, s, TriggerLocalEnd)
	}
	m.router.Close()
	m.bg.Wait()
	m.log.Info("signaling stopped")
	return err
}

// StartCall places a call to receiverID. It returns once the call record is
// persisted and the local state is calling.
func (m *Manager) StartCall(ctx context.Context, receiverID string, kind calls.MediaKind) (calls.CallRecord, error) {
	if receiverID == "" || receiverID == m.actorID {
		return calls.CallRecord{}, fmt.Errorf("%w: receiver %q", ErrInvalidArgument, receiverID)
	}
	if !kind.Valid() {
		return calls.CallRecord{}, fmt.Errorf("%w: media kind %q", ErrInvalidArgument, kind)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return calls.CallRecord{}, ErrClosed
	}
	if m.sess != nil {
		m.mu.Unlock()
		return calls.CallRecord{}, ErrBusy
	}
	if !m.machine.Can(TriggerStart) {
		st := m.machine.State()
		m.mu.Unlock()
		return calls.CallRecord{}, fmt.Errorf("%w: %s", ErrInvalidState, st)
	}
	s := m.newSession(uuid.NewString(), RoleCaller, receiverID, kind)
	m.sess = s
	m.router.attach(s.id, s.worker)
	m.mu.Unlock()

	var rec calls.CallRecord
	err := s.worker.do(ctx, func() error {
		var err error
		rec, err = m.setupCaller(s)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			m.endAsync(s, TriggerLocalEnd)
		}
		return calls.CallRecord{}, workerErr(err)
	}
	return rec, nil
}

// AnswerCall accepts the ringing call callID.
func (m *Manager) AnswerCall(ctx context.Context, callID string) error {
	s, err := m.ringing(callID)
	if err != nil {
		return err
	}
	err = s.worker.do(ctx, func() error { return m.answer(s) })
	if err != nil && ctx.Err() != nil {
		m.endAsync(s, TriggerLocalEnd)
	}
	return workerErr(err)
}

// RejectCall declines the ringing call callID. Both parties end up ended.
func (m *Manager) RejectCall(ctx context.Context, callID string) error {
	s, err := m.ringing(callID)
	if err != nil {
		return err
	}
	return m.endAndWait(ctx, s, TriggerLocalEnd)
}

// EndCall hangs up whatever call is in progress, including one still being set up.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return ErrNoSuchCall
	}
	return m.endAndWait(ctx, s, TriggerLocalEnd)
}

// SetTrackEnabled mutes or unmutes one local input of the current call.
// It needs local media, so a ringing call must be answered first.
func (m *Manager) SetTrackEnabled(ctx context.Context, kind media.TrackKind, enabled bool) error {
	if kind != media.TrackAudio && kind != media.TrackVideo {
		return fmt.Errorf("%w: track %q", ErrInvalidArgument, kind)
	}
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return ErrNoSuchCall
	}

	err := s.worker.do(ctx, func() error {
		if s.ended {
			return ErrCallEnded
		}
		if s.stream == nil {
			return fmt.Errorf("%w: no local media yet", ErrInvalidState)
		}
		if err := s.stream.SetEnabled(kind, enabled); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		m.mu.Lock()
		if kind == media.TrackAudio {
			s.audioMuted = !enabled
		} else {
			s.videoMuted = !enabled
		}
		m.mu.Unlock()
		s.log.Info("local track toggled", "track", kind, "enabled", enabled)
		m.notify()
		return nil
	})
	return workerErr(err)
}

func (m *Manager) ringing(callID string) (*session, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := m.sess
	if s == nil || s.id != callID {
		return nil, ErrNoSuchCall
	}
	if s.role != RoleReceiver || m.machine.State() != calls.StateRinging {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, m.machine.State())
	}
	return s, nil
}

// endAndWait signals the session to end and blocks until teardown has run.
func (m *Manager) endAndWait(ctx context.Context, s *session, trigger Trigger) error {
	s.cancel()
	err := s.worker.do(ctx, func() error {
		m.finish(s, trigger, true)
		return nil
	})
	if errors.Is(err, errWorkerStopped) {
		return nil
	}
	return err
}

func (m *Manager) endAsync(s *session, trigger Trigger) {
	s.cancel()
	s.worker.submit(func() { m.finish(s, trigger, true) })
}

func workerErr(err error) error {
	if errors.Is(err, errWorkerStopped) {
		return ErrCallEnded
	}
	return err
}

func (m *Manager) newSession(id string, role Role, peerID string, kind calls.MediaKind) *session {
	ctx, cancel := context.WithCancel(context.Background())
	log := m.log.With("call_id", id, "role", role)
	return &session{
		id:     id,
		role:   role,
		peerID: peerID,
		kind:   kind,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		worker: newCallWorker(),
		queue:  NewCandidateQueue(log),
	}
}

func (m *Manager) current(callID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.id != callID {
		return nil
	}
	return m.sess
}

// incoming handles a fresh insert addressed to this actor.
func (m *Manager) incoming(rec calls.CallRecord) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.sess != nil || !m.machine.Can(TriggerIncoming) {
		m.mu.Unlock()
		m.log.Info("reject incoming call while busy", "call_id", rec.ID, "caller_id", rec.CallerID)
		m.rejectBusy(rec.ID)
		return
	}
	s := m.newSession(rec.ID, RoleReceiver, rec.CallerID, rec.MediaKind)
	s.record = rec
	s.persisted = true
	if _, err := m.machine.Fire(TriggerIncoming); err != nil {
		m.mu.Unlock()
		s.cancel()
		s.worker.stop()
		m.log.Error("incoming transition failed", "call_id", rec.ID, "err", err)
		return
	}
	m.sess = s
	m.router.attach(s.id, s.worker)
	m.mu.Unlock()

	s.log.Info("incoming call", "caller_id", rec.CallerID, "media_kind", rec.MediaKind)
	m.notify()
}

func (m *Manager) rejectBusy(callID string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
		defer cancel()
		if _, err := m.relay.EndCall(ctx, callID); err != nil {
			m.log.Warn("busy reject failed", "call_id", callID, "err", err)
		}
	}()
}

func (m *Manager) interrupt(callID string) {
	if s := m.current(callID); s != nil {
		s.cancel()
	}
}

func (m *Manager) callUpdated(callID string, rec calls.CallRecord) {
	s := m.current(callID)
	if s == nil || s.ended {
		return
	}
	if rec.State == calls.RecordEnded {
		s.log.Info("remote ended call")
		m.finish(s, TriggerRemoteEnded, false)
		return
	}
	if len(s.record.Offer) == 0 && len(rec.Offer) > 0 {
		s.record.Offer = rec.Offer
	}
	if s.role == RoleCaller && len(rec.Answer) > 0 {
		m.applyRemoteAnswer(s, rec)
	}
}

func (m *Manager) remoteCandidate(callID string, c calls.CandidateRecord) {
	s := m.current(callID)
	if s == nil || s.ended {
		return
	}
	s.queue.Enqueue(c.Candidate)
}

// setupCaller runs on the worker: media, transport, offer, then a single insert.
func (m *Manager) setupCaller(s *session) (calls.CallRecord, error) {
	if err := m.prepare(s); err != nil {
		return calls.CallRecord{}, err
	}

	offer, err := s.transport.CreateOffer()
	if err == nil {
		err = s.transport.SetLocalDescription(offer)
	}
	var raw json.RawMessage
	if err == nil {
		raw, err = offer.Marshal()
	}
	if err != nil {
		m.failSetup(s)
		return calls.CallRecord{}, fmt.Errorf("%w: offer: %v", ErrTransport, err)
	}
	if s.ctx.Err() != nil {
		return calls.CallRecord{}, ErrCallEnded
	}

	ctx, cancel := m.persistCtx(s)
	saved, err := m.relay.CreateCall(ctx, calls.CallRecord{
		ID:         s.id,
		CallerID:   m.actorID,
		ReceiverID: s.peerID,
		MediaKind:  s.kind,
		Offer:      raw,
	})
	cancel()
	if err != nil {
		s.log.Warn("create call failed", "err", err)
		m.abort(s)
		return calls.CallRecord{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.persisted = true
	s.record = saved
	if s.ctx.Err() != nil {
		// the queued end command persists ended
		return calls.CallRecord{}, ErrCallEnded
	}

	m.mu.Lock()
	_, err = m.machine.Fire(TriggerStart)
	m.mu.Unlock()
	if err != nil {
		m.finish(s, TriggerSetupFailed, true)
		return calls.CallRecord{}, err
	}
	s.log.Info("call placed", "receiver_id", s.peerID, "media_kind", s.kind)
	m.notify()

	m.flushOutbound(s)
	return saved, nil
}

// answer runs on the worker for the receiver.
func (m *Manager) answer(s *session) error {
	if s.ended {
		return ErrCallEnded
	}
	if s.answering {
		return fmt.Errorf("%w: answer already in progress", ErrInvalidState)
	}
	m.mu.Lock()
	st := m.machine.State()
	m.mu.Unlock()
	if st != calls.StateRinging {
		return fmt.Errorf("%w: %s", ErrInvalidState, st)
	}
	s.answering = true

	offerRaw, err := m.waitForOffer(s)
	if err != nil {
		switch {
		case s.ctx.Err() != nil:
			return ErrCallEnded
		case errors.Is(err, ErrCallEnded):
			m.finish(s, TriggerRemoteEnded, false)
			return ErrCallEnded
		default:
			s.log.Warn("offer never appeared", "err", err)
			m.finish(s, TriggerSetupFailed, true)
			return fmt.Errorf("%w: %v", ErrOfferTimeout, err)
		}
	}
	offer, err := transport.ParseDescription(offerRaw)
	if err != nil {
		m.finish(s, TriggerSetupFailed, true)
		return fmt.Errorf("%w: offer: %v", ErrTransport, err)
	}

	if err := m.prepare(s); err != nil {
		return err
	}

	if err := s.transport.SetRemoteDescription(offer); err != nil {
		m.finish(s, TriggerSetupFailed, true)
		return fmt.Errorf("%w: remote description: %v", ErrTransport, err)
	}
	s.remoteSet = true
	if n := s.queue.Flush(s.transport); n > 0 {
		s.log.Debug("replayed buffered candidates", "count", n)
	}

	answer, err := s.transport.CreateAnswer()
	if err == nil {
		err = s.transport.SetLocalDescription(answer)
	}
	var raw json.RawMessage
	if err == nil {
		raw, err = answer.Marshal()
	}
	if err != nil {
		m.finish(s, TriggerSetupFailed, true)
		return fmt.Errorf("%w: answer: %v", ErrTransport, err)
	}
	if s.ctx.Err() != nil {
		return ErrCallEnded
	}

	ctx, cancel := m.persistCtx(s)
	saved, err := m.relay.AnswerCall(ctx, s.id, raw)
	cancel()
	if err != nil {
		if errors.Is(err, calls.ErrConflict) {
			m.finish(s, TriggerRemoteEnded, false)
			return ErrCallEnded
		}
		s.log.Warn("persist answer failed", "err", err)
		m.finish(s, TriggerSetupFailed, true)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.record = saved

	m.mu.Lock()
	_, err = m.machine.Fire(TriggerAnswer)
	m.mu.Unlock()
	if err != nil {
		m.finish(s, TriggerSetupFailed, true)
		return err
	}
	s.log.Info("call answered")
	m.notify()
	return nil
}

// waitForOffer returns the offer, reading the record again while it is absent.
func (m *Manager) waitForOffer(s *session) (json.RawMessage, error) {
	if len(s.record.Offer) > 0 {
		return s.record.Offer, nil
	}
	var offer json.RawMessage
	err := m.retry.Do(s.ctx, func(ctx context.Context) (bool, error) {
		rec, err := m.relay.GetCall(ctx, s.id)
		if err != nil {
			return false, err
		}
		if rec.State == calls.RecordEnded {
			return true, ErrCallEnded
		}
		if len(rec.Offer) == 0 {
			return false, nil
		}
		offer = rec.Offer
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.record.Offer = offer
	return offer, nil
}

// applyRemoteAnswer moves the caller to active. Repeats are no-ops.
func (m *Manager) applyRemoteAnswer(s *session, rec calls.CallRecord) {
	m.mu.Lock()
	st := m.machine.State()
	m.mu.Unlock()
	if st != calls.StateCalling || s.remoteSet || s.transport == nil {
		return
	}

	answer, err := transport.ParseDescription(rec.Answer)
	if err != nil {
		s.log.Warn("malformed remote answer", "err", err)
		m.finish(s, TriggerSetupFailed, true)
		return
	}
	if err := s.transport.SetRemoteDescription(answer); err != nil {
		if errors.Is(err, transport.ErrRemoteDescriptionSet) {
			return
		}
		s.log.Warn("apply remote answer failed", "err", err)
		m.finish(s, TriggerSetupFailed, true)
		return
	}
	s.remoteSet = true
	s.record = rec
	if n := s.queue.Flush(s.transport); n > 0 {
		s.log.Debug("replayed buffered candidates", "count", n)
	}

	m.mu.Lock()
	_, err = m.machine.Fire(TriggerRemoteAnswer)
	m.mu.Unlock()
	if err != nil {
		s.log.Warn("remote answer transition failed", "err", err)
		return
	}
	s.log.Info("call accepted by peer")
	m.notify()
}

func (m *Manager) persistCtx(s *session) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), m.persistTimeout)
}
