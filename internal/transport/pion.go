package transport

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

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Config controls how Pion peer connections are built.
type Config struct {
	ICEServers []webrtc.ICEServer

	// Zero values fall back to pion defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	Logger *slog.Logger
}

// PionFactory builds Sessions backed by pion/webrtc peer connections.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewPionFactory(cfg Config) (*PionFactory, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = newLoggerFactory(log.With("component", "pion"))
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 {
		disconnected, failed, keepAlive := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
		if disconnected <= 0 {
			disconnected = 5 * time.Second
		}
		if failed <= 0 {
			failed = 25 * time.Second
		}
		if keepAlive <= 0 {
			keepAlive = 2 * time.Second
		}
		se.SetICETimeouts(disconnected, failed, keepAlive)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &PionFactory{api: api, iceServers: cfg.ICEServers, log: log}, nil
}

func (f *PionFactory) NewSession(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.MediaKind.Valid() {
		return nil, fmt.Errorf("transport: unknown media kind %q", opts.MediaKind)
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &pionSession{
		pc:  pc,
		log: f.log.With("component", "transport", "call_id", opts.CallID),
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if opts.MediaKind == calls.MediaVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	// recvonly transceivers keep the m-lines stable; AddTrack upgrades them to sendrecv.
	for _, k := range kinds {
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", k, err)
		}
	}

	pc.OnICECandidate(s.handleICECandidate)
	pc.OnICEConnectionStateChange(s.handleICEState)
	pc.OnTrack(s.handleTrack)

	return s, nil
}

type pionSession struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu          sync.Mutex
	remoteSet   bool
	closed      bool
	onTrack     func(Track)
	onCandidate func(json.RawMessage)
	onState     func(ConnectivityState)

	closeOnce sync.Once
	closeErr  error
}

func (s *pionSession) CreateOffer() (Description, error) {
	if s.isClosed() {
		return Description{}, ErrClosed
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return fromPion(offer), nil
}

func (s *pionSession) CreateAnswer() (Description, error) {
	if s.isClosed() {
		return Description{}, ErrClosed
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return fromPion(answer), nil
}

func (s *pionSession) SetLocalDescription(d Description) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.pc.SetLocalDescription(toPion(d))
}

func (s *pionSession) SetRemoteDescription(d Description) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.remoteSet {
		s.mu.Unlock()
		return ErrRemoteDescriptionSet
	}
	s.remoteSet = true
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(toPion(d)); err != nil {
		s.mu.Lock()
		s.remoteSet = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *pionSession) AddCandidate(candidate json.RawMessage) error {
	if s.isClosed() {
		return ErrClosed
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if init.Candidate == "" {
		return errors.New("transport: empty candidate")
	}
	return s.pc.AddICECandidate(init)
}

func (s *pionSession) AddLocalMedia(stream media.Stream) error {
	if s.isClosed() {
		return ErrClosed
	}
	if stream == nil {
		return errors.New("transport: nil stream")
	}
	for _, track := range stream.Tracks() {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

func (s *pionSession) OnInboundTrack(fn func(Track)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *pionSession) OnLocalCandidateDiscovered(fn func(json.RawMessage)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *pionSession) OnConnectivityStateChanged(fn func(ConnectivityState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *pionSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.onTrack = nil
		s.onCandidate = nil
		s.onState = nil
		s.mu.Unlock()
		s.closeErr = s.pc.Close()
	})
	return s.closeErr
}

func (s *pionSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *pionSession) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil {
		return
	}
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn == nil {
		return
	}
	b, err := json.Marshal(c.ToJSON())
	if err != nil {
		s.log.Warn("encode local candidate failed", "err", err)
		return
	}
	fn(b)
}

func (s *pionSession) handleICEState(state webrtc.ICEConnectionState) {
	s.log.Debug("ice state changed", "state", state.String())
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn == nil {
		return
	}
	fn(connectivityFromPion(state))
}

func (s *pionSession) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.mu.Lock()
	fn := s.onTrack
	s.mu.Unlock()

	go drainTrack(remote)
	if fn != nil {
		fn(Track{ID: remote.ID(), Kind: remote.Kind().String(), StreamID: remote.StreamID()})
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

func fromPion(d webrtc.SessionDescription) Description {
	return Description{Type: d.Type.String(), SDP: d.SDP}
}

func toPion(d Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func connectivityFromPion(s webrtc.ICEConnectionState) ConnectivityState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return StateChecking
	case webrtc.ICEConnectionStateConnected:
		return StateConnected
	case webrtc.ICEConnectionStateCompleted:
		return StateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
