package signaling

import (
	"call-signaling/internal/calls"
	"call-signaling/internal/transport"
)

type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Snapshot is the observable state of the local actor.
type Snapshot struct {
	State     calls.CallState `json:"state"`
	CallID    string          `json:"call_id,omitempty"`
	Role      Role            `json:"role,omitempty"`
	PeerID    string          `json:"peer_id,omitempty"`
	MediaKind calls.MediaKind `json:"media_kind,omitempty"`
	Connected bool            `json:"connected"`

	AudioMuted bool `json:"audio_muted,omitempty"`
	VideoMuted bool `json:"video_muted,omitempty"`

	LocalTracks  []string          `json:"local_tracks,omitempty"`
	RemoteTracks []transport.Track `json:"remote_tracks,omitempty"`
}

// snapshotLocked must be called with m.mu held.
func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.machine.State()}
	s := m.sess
	if s == nil {
		return snap
	}
	snap.CallID = s.id
	snap.Role = s.role
	snap.PeerID = s.peerID
	snap.MediaKind = s.kind
	snap.Connected = s.connected
	snap.AudioMuted = s.audioMuted
	snap.VideoMuted = s.videoMuted
	if len(s.localTracks) > 0 {
		snap.LocalTracks = append([]string(nil), s.localTracks...)
	}
	if len(s.remoteTracks) > 0 {
		snap.RemoteTracks = append([]transport.Track(nil), s.remoteTracks...)
	}
	return snap
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnStateChange registers fn to receive a Snapshot after every observable
// change. fn runs synchronously on signaling goroutines and must not call
// blocking Manager methods.
func (m *Manager) OnStateChange(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// notify delivers the current snapshot to observers. Taking the snapshot under
// notifyMu keeps deliveries in state order across goroutines.
func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	snap := m.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
