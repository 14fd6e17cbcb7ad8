package signaling

import (
	"encoding/json"
	"fmt"

	"call-signaling/internal/calls"
	"call-signaling/internal/media"
	"call-signaling/internal/transport"
)

// prepare acquires local media and opens a transport carrying it. On a
// media failure the attempt aborts to idle without touching the relay.
func (m *Manager) prepare(s *session) error {
	stream, err := m.acquire(s)
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrCallEnded
		}
		s.log.Warn("media acquisition failed", "err", err)
		m.abort(s)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.stream = stream

	tr, err := m.transports.NewSession(s.ctx, transport.Options{CallID: s.id, MediaKind: s.kind})
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrCallEnded
		}
		m.failSetup(s)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.transport = tr
	m.wire(s, tr)

	if err := tr.AddLocalMedia(stream); err != nil {
		m.failSetup(s)
		return fmt.Errorf("%w: local media: %v", ErrTransport, err)
	}
	ids := make([]string, 0, len(stream.Tracks()))
	for _, t := range stream.Tracks() {
		ids = append(ids, t.ID())
	}
	m.mu.Lock()
	s.localTracks = ids
	m.mu.Unlock()
	return nil
}

type acquired struct {
	stream media.Stream
	err    error
}

// acquire races capture against the session's end signal. A stream that
// shows up after the call ended is stopped immediately.
func (m *Manager) acquire(s *session) (media.Stream, error) {
	ch := make(chan acquired, 1)
	go func() {
		st, err := m.capturer.Acquire(s.ctx, s.kind)
		ch <- acquired{stream: st, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if s.ctx.Err() != nil {
			r.stream.Stop()
			return nil, s.ctx.Err()
		}
		return r.stream, nil
	case <-s.ctx.Done():
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			if r := <-ch; r.stream != nil {
				r.stream.Stop()
			}
		}()
		return nil, s.ctx.Err()
	}
}

// wire routes transport callbacks onto the call's worker.
func (m *Manager) wire(s *session, tr transport.Session) {
	tr.OnLocalCandidateDiscovered(func(c json.RawMessage) {
		s.worker.submit(func() { m.publishLocalCandidate(s, c) })
	})
	tr.OnInboundTrack(func(t transport.Track) {
		s.worker.submit(func() {
			if s.ended {
				return
			}
			m.mu.Lock()
			s.remoteTracks = append(s.remoteTracks, t)
			m.mu.Unlock()
			m.notify()
		})
	})
	tr.OnConnectivityStateChanged(func(st transport.ConnectivityState) {
		switch {
		case st.Up():
			s.worker.submit(func() {
				if s.ended {
					return
				}
				m.mu.Lock()
				changed := !s.connected
				s.connected = true
				m.mu.Unlock()
				if changed {
					s.log.Info("media connected", "ice_state", st)
					m.notify()
				}
			})
		case st.Lost():
			s.cancel()
			s.worker.submit(func() {
				s.log.Warn("connectivity lost", "ice_state", st)
				m.finish(s, TriggerTransportFailure, true)
			})
		}
	})
}

// publishLocalCandidate sends c to the peer, holding it back until the call
// record exists.
func (m *Manager) publishLocalCandidate(s *session, c json.RawMessage) {
	if s.ended {
		return
	}
	if !s.persisted {
		s.outbound = append(s.outbound, c)
		return
	}
	ctx, cancel := m.persistCtx(s)
	defer cancel()
	if _, err := m.relay.AddCandidate(ctx, calls.CandidateRecord{CallID: s.id, SenderID: m.actorID, Candidate: c}); err != nil {
		s.log.Warn("publish local candidate failed", "err", err)
	}
}

func (m *Manager) flushOutbound(s *session) {
	pending := s.outbound
	s.outbound = nil
	for _, c := range pending {
		m.publishLocalCandidate(s, c)
	}
}

func (m *Manager) failSetup(s *session) {
	if !s.persisted {
		m.abort(s)
		return
	}
	m.finish(s, TriggerSetupFailed, true)
}

// finish moves the call to ended, persists that when asked and tears down.
// It runs at most once per session.
func (m *Manager) finish(s *session, trigger Trigger, persist bool) {
	if s.ended {
		return
	}
	s.ended = true
	s.cancel()

	m.mu.Lock()
	_, err := m.machine.Fire(trigger)
	m.mu.Unlock()
	if err != nil {
		s.log.Warn("end transition failed", "trigger", trigger, "err", err)
	}
	s.log.Info("call ended", "trigger", trigger)
	m.notify()

	if persist && s.persisted {
		ctx, cancel := m.persistCtx(s)
		if _, err := m.relay.EndCall(ctx, s.id); err != nil {
			s.log.Warn("persist ended failed", "err", err)
		}
		cancel()
	}
	m.teardown(s, TriggerReset)
}

// abort drops a call attempt that never reached the peer.
func (m *Manager) abort(s *session) {
	if s.ended {
		return
	}
	s.ended = true
	s.cancel()
	s.log.Info("call setup aborted")
	m.teardown(s, TriggerAbort)
}

// teardown releases everything the session holds and returns the actor to idle.
func (m *Manager) teardown(s *session, trigger Trigger) {
	s.queue.Discard()
	if s.stream != nil {
		s.stream.Stop()
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.Debug("transport close failed", "err", err)
		}
	}
	m.router.detach(s.id)

	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	_, err := m.machine.Fire(trigger)
	m.mu.Unlock()
	if err != nil {
		s.log.Warn("reset transition failed", "trigger", trigger, "err", err)
	}
	m.notify()
	s.worker.stop()
}
