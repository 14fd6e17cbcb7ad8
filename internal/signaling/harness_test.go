package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/media"
	"call-signaling/internal/relay"
	"call-signaling/internal/transport"

	"github.com/pion/webrtc/v4"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- transport fakes ---

type fakeFactory struct {
	mu       sync.Mutex
	err      error
	emit     int
	sessions []*fakeSession
}

func (f *fakeFactory) NewSession(ctx context.Context, opts transport.Options) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{callID: opts.CallID, emit: f.emit}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type fakeSession struct {
	callID string
	emit   int

	mu      sync.Mutex
	local   *transport.Description
	remote  *transport.Description
	applied []string
	stream  media.Stream
	closed  int

	onTrack func(transport.Track)
	onCand  func(json.RawMessage)
	onState func(transport.ConnectivityState)
}

func (s *fakeSession) CreateOffer() (transport.Description, error) {
	return transport.Description{Type: "offer", SDP: "offer-" + s.callID}, nil
}

func (s *fakeSession) CreateAnswer() (transport.Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return transport.Description{}, errors.New("fake: no remote offer")
	}
	return transport.Description{Type: "answer", SDP: "answer-" + s.callID}, nil
}

func (s *fakeSession) SetLocalDescription(d transport.Description) error {
	s.mu.Lock()
	s.local = &d
	fn := s.onCand
	s.mu.Unlock()

	for i := 0; fn != nil && i < s.emit; i++ {
		fn(json.RawMessage(fmt.Sprintf(`{"candidate":"%s-%s-%d"}`, d.Type, s.callID, i)))
	}
	return nil
}

func (s *fakeSession) SetRemoteDescription(d transport.Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote != nil {
		return transport.ErrRemoteDescriptionSet
	}
	s.remote = &d
	return nil
}

func (s *fakeSession) AddCandidate(raw json.RawMessage) error {
	var c struct {
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &c); err != nil || c.Candidate == "" {
		return errors.New("fake: malformed candidate")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return errors.New("fake: candidate before remote description")
	}
	s.applied = append(s.applied, c.Candidate)
	return nil
}

func (s *fakeSession) AddLocalMedia(st media.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = st
	return nil
}

func (s *fakeSession) OnInboundTrack(fn func(transport.Track)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnLocalCandidateDiscovered(fn func(json.RawMessage)) {
	s.mu.Lock()
	s.onCand = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnConnectivityStateChanged(fn func(transport.ConnectivityState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) setState(st transport.ConnectivityState) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *fakeSession) addTrack(t transport.Track) {
	s.mu.Lock()
	fn := s.onTrack
	s.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (s *fakeSession) appliedCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}

func (s *fakeSession) remoteDescription() *transport.Description {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// --- media fakes ---

type fakeCapturer struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	started chan struct{}
	streams []*fakeStream
}

func (c *fakeCapturer) Acquire(ctx context.Context, kind calls.MediaKind) (media.Stream, error) {
	c.mu.Lock()
	err, gate, started := c.err, c.gate, c.started
	c.started = nil
	c.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	track, terr := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"fake-stream",
	)
	if terr != nil {
		return nil, terr
	}
	st := &fakeStream{kind: kind, tracks: []webrtc.TrackLocal{track}}
	c.mu.Lock()
	c.streams = append(c.streams, st)
	c.mu.Unlock()
	return st, nil
}

func (c *fakeCapturer) all() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeStream(nil), c.streams...)
}

type fakeStream struct {
	kind     calls.MediaKind
	tracks   []webrtc.TrackLocal
	stopped  atomic.Int32
	audioOff atomic.Bool
	videoOff atomic.Bool
}

func (s *fakeStream) ID() string                  { return "fake-stream" }
func (s *fakeStream) Kind() calls.MediaKind       { return s.kind }
func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *fakeStream) Stop()                       { s.stopped.Add(1) }
func (s *fakeStream) isStopped() bool             { return s.stopped.Load() > 0 }

func (s *fakeStream) SetEnabled(kind media.TrackKind, enabled bool) error {
	switch {
	case kind == media.TrackAudio:
		s.audioOff.Store(!enabled)
	case kind == media.TrackVideo && s.kind == calls.MediaVideo:
		s.videoOff.Store(!enabled)
	default:
		return media.ErrNoTrack
	}
	return nil
}

// --- relay wrapper ---

// flakyRelay lets a test fail or reshape individual relay calls.
type flakyRelay struct {
	Relay

	mu         sync.Mutex
	createErr  error
	endErr     error
	getCalls   int
	offerAfter int
	lateOffer  json.RawMessage
}

func (r *flakyRelay) CreateCall(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error) {
	r.mu.Lock()
	err := r.createErr
	r.mu.Unlock()
	if err != nil {
		return calls.CallRecord{}, err
	}
	return r.Relay.CreateCall(ctx, rec)
}

func (r *flakyRelay) EndCall(ctx context.Context, id string) (calls.CallRecord, error) {
	r.mu.Lock()
	err := r.endErr
	r.mu.Unlock()
	if err != nil {
		return calls.CallRecord{}, err
	}
	return r.Relay.EndCall(ctx, id)
}

// GetCall hides the offer until the offerAfter-th read. A zero offerAfter never shows one.
func (r *flakyRelay) GetCall(ctx context.Context, id string) (calls.CallRecord, error) {
	rec, err := r.Relay.GetCall(ctx, id)
	if err != nil {
		return rec, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	if r.offerAfter > 0 && r.getCalls >= r.offerAfter {
		rec.Offer = r.lateOffer
	} else {
		rec.Offer = nil
	}
	return rec, nil
}

func (r *flakyRelay) reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getCalls
}

// --- actors ---

type network struct {
	store *relay.MemoryStore
	bus   *relay.MemoryBus
	relay *relay.Relay
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	store := relay.NewMemoryStore()
	bus := relay.NewMemoryBus()
	r, err := relay.New(store, bus, discardLogger())
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	return &network{store: store, bus: bus, relay: r}
}

func (n *network) publish(t *testing.T, to string, ev calls.Event) {
	t.Helper()
	if err := n.bus.Publish(context.Background(), []string{to}, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (n *network) record(t *testing.T, id string) calls.CallRecord {
	t.Helper()
	rec, err := n.store.GetCall(context.Background(), id)
	if err != nil {
		t.Fatalf("get call %s: %v", id, err)
	}
	return rec
}

type history struct {
	mu     sync.Mutex
	states []calls.CallState
}

func (h *history) record(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.states); n > 0 && h.states[n-1] == s.State {
		return
	}
	h.states = append(h.states, s.State)
}

func (h *history) saw(st calls.CallState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.states {
		if s == st {
			return true
		}
	}
	return false
}

func (h *history) count(st calls.CallState) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.states {
		if s == st {
			n++
		}
	}
	return n
}

type actor struct {
	id    string
	m     *Manager
	relay *flakyRelay
	tr    *fakeFactory
	cap   *fakeCapturer
	hist  *history
}

func newActor(t *testing.T, n *network, id string, emit int) *actor {
	t.Helper()
	a := &actor{
		id:    id,
		relay: &flakyRelay{Relay: n.relay},
		tr:    &fakeFactory{emit: emit},
		cap:   &fakeCapturer{},
		hist:  &history{},
	}
	m, err := NewManager(Options{
		ActorID:    id,
		Relay:      a.relay,
		Transports: a.tr,
		Capturer:   a.cap,
		Retry: RetryPolicy{
			MaxAttempts: 5,
			Interval:    time.Millisecond,
			Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	a.m = m
	m.OnStateChange(a.hist.record)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return a
}

func (a *actor) state() calls.CallState { return a.m.Snapshot().State }

func (a *actor) waitState(t *testing.T, st calls.CallState) {
	t.Helper()
	eventually(t, fmt.Sprintf("%s to reach %s", a.id, st), func() bool { return a.state() == st })
}

func (a *actor) pendingCandidates() int {
	a.m.mu.Lock()
	s := a.m.sess
	a.m.mu.Unlock()
	if s == nil {
		return -1
	}
	return s.queue.Len()
}

// connect runs a full call setup from a to b and returns the record.
func connect(t *testing.T, a, b *actor, kind calls.MediaKind) calls.CallRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := a.m.StartCall(ctx, b.id, kind)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	b.waitState(t, calls.StateRinging)
	if err := b.m.AnswerCall(ctx, rec.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}
	a.waitState(t, calls.StateActive)
	return rec
}
