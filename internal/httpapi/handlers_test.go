package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/media"
	"call-signaling/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeCalls struct {
	mu        sync.Mutex
	snap      signaling.Snapshot
	err       error
	lastKind  calls.MediaKind
	lastPeer  string
	lastCall  string
	lastTrack media.TrackKind
	lastOn    bool
	observers map[int]func(signaling.Snapshot)
	next      int
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{snap: signaling.Snapshot{State: calls.StateIdle}, observers: map[int]func(signaling.Snapshot){}}
}

func (f *fakeCalls) StartCall(ctx context.Context, receiverID string, kind calls.MediaKind) (calls.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPeer, f.lastKind = receiverID, kind
	if f.err != nil {
		return calls.CallRecord{}, f.err
	}
	return calls.CallRecord{ID: "call-1", CallerID: "alice", ReceiverID: receiverID, MediaKind: kind, State: calls.RecordCalling}, nil
}

func (f *fakeCalls) AnswerCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = callID
	return f.err
}

func (f *fakeCalls) RejectCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = callID
	return f.err
}

func (f *fakeCalls) EndCall(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCalls) SetTrackEnabled(ctx context.Context, kind media.TrackKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTrack, f.lastOn = kind, enabled
	if f.err != nil {
		return f.err
	}
	f.snap.AudioMuted = kind == media.TrackAudio && !enabled
	return nil
}

func (f *fakeCalls) Snapshot() signaling.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCalls) OnStateChange(fn func(signaling.Snapshot)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.observers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *fakeCalls) observerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeCalls) set(s signaling.Snapshot) {
	f.mu.Lock()
	f.snap = s
	fns := make([]func(signaling.Snapshot), 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func newTestRouter(t *testing.T, svc CallService) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := Handlers{Auth: am, Calls: svc}

	r := gin.New()
	r.GET("/healthz", h.Health)
	r.POST("/v1/auth/refresh", h.Refresh)
	v1 := r.Group("/v1", auth.RequireAccessToken(am), auth.RequireActor("alice"))
	v1.GET("/call", h.GetCall)
	v1.GET("/call/stream", h.Stream)
	v1.POST("/call/end", h.EndCall)
	v1.POST("/call/media", h.SetTrack)
	v1.POST("/calls", h.StartCall)
	v1.POST("/calls/:call_id/answer", h.AnswerCall)
	v1.POST("/calls/:call_id/reject", h.RejectCall)
	return r, am
}

func bearer(t *testing.T, am *auth.Manager, user string) string {
	t.Helper()
	p, err := am.IssuePair(time.Now(), user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return "Bearer " + p.AccessToken
}

func do(r http.Handler, method, path, authz string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, newFakeCalls())
	if w := do(r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStartCall(t *testing.T) {
	svc := newFakeCalls()
	r, am := newTestRouter(t, svc)
	tok := bearer(t, am, "alice")

	w := do(r, http.MethodPost, "/v1/calls", tok, gin.H{"receiver_id": "bob", "media_kind": "video"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec calls.CallRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ReceiverID != "bob" || rec.MediaKind != calls.MediaVideo || rec.State != calls.RecordCalling {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if w := do(r, http.MethodPost, "/v1/calls", tok, gin.H{"receiver_id": "bob", "media_kind": "fax"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/v1/calls", bearer(t, am, "mallory"), gin.H{"receiver_id": "bob", "media_kind": "voice"}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another actor, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/v1/calls", "", gin.H{"receiver_id": "bob", "media_kind": "voice"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{signaling.ErrBusy, http.StatusConflict},
		{signaling.ErrNoSuchCall, http.StatusNotFound},
		{fmt.Errorf("%w: ringing", signaling.ErrInvalidState), http.StatusConflict},
		{signaling.ErrCallEnded, http.StatusConflict},
		{fmt.Errorf("%w: no camera", signaling.ErrMediaUnavailable), http.StatusServiceUnavailable},
		{signaling.ErrOfferTimeout, http.StatusGatewayTimeout},
		{signaling.ErrPersistence, http.StatusBadGateway},
		{signaling.ErrTransport, http.StatusBadGateway},
		{signaling.ErrInvalidArgument, http.StatusBadRequest},
		{signaling.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			svc := newFakeCalls()
			svc.err = tc.err
			r, am := newTestRouter(t, svc)
			w := do(r, http.MethodPost, "/v1/calls/call-9/answer", bearer(t, am, "alice"), nil)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Fatalf("expected error body, got %s", w.Body.String())
			}
		})
	}
}

func TestAnswerRejectEnd(t *testing.T) {
	svc := newFakeCalls()
	r, am := newTestRouter(t, svc)
	tok := bearer(t, am, "alice")

	svc.set(signaling.Snapshot{State: calls.StateActive, CallID: "call-7"})
	w := do(r, http.MethodPost, "/v1/calls/call-7/answer", tok, nil)
	if w.Code != http.StatusOK || svc.lastCall != "call-7" {
		t.Fatalf("answer: %d %q", w.Code, svc.lastCall)
	}
	var snap signaling.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil || snap.State != calls.StateActive {
		t.Fatalf("expected snapshot body, got %s", w.Body.String())
	}

	if w := do(r, http.MethodPost, "/v1/calls/call-8/reject", tok, nil); w.Code != http.StatusOK || svc.lastCall != "call-8" {
		t.Fatalf("reject: %d %q", w.Code, svc.lastCall)
	}
	if w := do(r, http.MethodPost, "/v1/call/end", tok, nil); w.Code != http.StatusOK {
		t.Fatalf("end: %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/call", tok, nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"call_id":"call-7"`) {
		t.Fatalf("get call: %d %s", w.Code, w.Body.String())
	}
}

func TestRefresh(t *testing.T) {
	r, am := newTestRouter(t, newFakeCalls())
	p, err := am.IssuePair(time.Now(), "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := do(r, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": p.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil || pair.AccessToken == "" {
		t.Fatalf("expected a token pair, got %s", w.Body.String())
	}

	if w := do(r, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": p.AccessToken}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an access token, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/v1/auth/refresh", "", gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a token, got %d", w.Code)
	}
}

func TestStreamPushesSnapshots(t *testing.T) {
	svc := newFakeCalls()
	r, am := newTestRouter(t, svc)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/call/stream"
	hdr := http.Header{}
	hdr.Set("Authorization", bearer(t, am, "alice"))
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first signaling.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.State != calls.StateIdle {
		t.Fatalf("expected idle first, got %s", first.State)
	}

	deadline := time.Now().Add(3 * time.Second)
	for svc.observerCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.set(signaling.Snapshot{State: calls.StateRinging, CallID: "call-3", PeerID: "bob"})

	var next signaling.Snapshot
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if next.State != calls.StateRinging || next.CallID != "call-3" || next.PeerID != "bob" {
		t.Fatalf("unexpected update: %+v", next)
	}
}

func TestStreamRequiresUpgrade(t *testing.T) {
	r, am := newTestRouter(t, newFakeCalls())
	w := do(r, http.MethodGet, "/v1/call/stream", bearer(t, am, "alice"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a plain request, got %d", w.Code)
	}
}

func TestSetTrack(t *testing.T) {
	svc := newFakeCalls()
	r, am := newTestRouter(t, svc)
	tok := bearer(t, am, "alice")

	w := do(r, http.MethodPost, "/v1/call/media", tok, gin.H{"track": "audio", "enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if svc.lastTrack != media.TrackAudio || svc.lastOn {
		t.Fatalf("unexpected call: %q %v", svc.lastTrack, svc.lastOn)
	}
	if !strings.Contains(w.Body.String(), `"audio_muted":true`) {
		t.Fatalf("expected muted snapshot, got %s", w.Body.String())
	}

	if w := do(r, http.MethodPost, "/v1/call/media", tok, gin.H{"track": "audio"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled, got %d", w.Code)
	}

	svc.err = signaling.ErrNoSuchCall
	if w := do(r, http.MethodPost, "/v1/call/media", tok, gin.H{"track": "video", "enabled": true}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no call, got %d", w.Code)
	}
}
