package transport

import (
	"context"
	"encoding/json"
	"errors"

	"call-signaling/internal/calls"
	"call-signaling/internal/media"
)

// ErrRemoteDescriptionSet is returned by a second SetRemoteDescription on the same session.
var ErrRemoteDescriptionSet = errors.New("transport: remote description already set")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("transport: session closed")

// Description is a session description. It is stored verbatim as the offer or
// answer of a CallRecord.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d Description) Marshal() (json.RawMessage, error) {
	return json.Marshal(d)
}

// ParseDescription decodes an offer or answer blob.
func ParseDescription(raw json.RawMessage) (Description, error) {
	var d Description
	if len(raw) == 0 {
		return d, errors.New("transport: empty description")
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, err
	}
	if d.Type == "" || d.SDP == "" {
		return d, errors.New("transport: incomplete description")
	}
	return d, nil
}

// Track is an opaque handle for an inbound remote track.
type Track struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	StreamID string `json:"stream_id"`
}

type ConnectivityState string

const (
	StateNew          ConnectivityState = "new"
	StateChecking     ConnectivityState = "checking"
	StateConnected    ConnectivityState = "connected"
	StateCompleted    ConnectivityState = "completed"
	StateDisconnected ConnectivityState = "disconnected"
	StateFailed       ConnectivityState = "failed"
	StateClosed       ConnectivityState = "closed"
)

// Up reports whether media is flowing.
func (s ConnectivityState) Up() bool {
	return s == StateConnected || s == StateCompleted
}

// Lost reports whether the session should be torn down.
func (s ConnectivityState) Lost() bool {
	return s == StateDisconnected || s == StateFailed
}

// Session is one negotiated media session with the peer.
//
// Callbacks may be invoked from engine goroutines. Implementations must not
// hold internal locks while invoking them.
type Session interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(d Description) error
	SetRemoteDescription(d Description) error
	AddCandidate(candidate json.RawMessage) error
	AddLocalMedia(s media.Stream) error

	OnInboundTrack(fn func(Track))
	OnLocalCandidateDiscovered(fn func(candidate json.RawMessage))
	OnConnectivityStateChanged(fn func(ConnectivityState))

	Close() error
}

type Options struct {
	CallID    string
	MediaKind calls.MediaKind
}

// Factory creates sessions configured for a call.
type Factory interface {
	NewSession(ctx context.Context, opts Options) (Session, error)
}
