package calls

import (
	"encoding/json"
	"errors"
	"time"
)

// CallRecord is one row per call attempt, shared by both parties through the relay.
//
// Invariants:
// - State is monotonic: calling -> active -> ended, or calling -> ended. Nothing leaves ended.
// - Offer is written once, by the caller, when the record is created.
// - Answer is written once, by the receiver, and only while State == calling.
//
// Offer and Answer are opaque to this layer; they are forwarded verbatim to the
// transport engine.
type CallRecord struct {
	ID         string `json:"id" db:"id"`
	CallerID   string `json:"caller_id" db:"caller_id"`
	ReceiverID string `json:"receiver_id" db:"receiver_id"`

	MediaKind MediaKind   `json:"media_kind" db:"media_kind"`
	State     RecordState `json:"state" db:"state"`

	Offer  json.RawMessage `json:"offer,omitempty" db:"offer"`
	Answer json.RawMessage `json:"answer,omitempty" db:"answer"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PeerOf returns the other party of the call as seen by actorID.
func (r CallRecord) PeerOf(actorID string) string {
	if r.CallerID == actorID {
		return r.ReceiverID
	}
	return r.CallerID
}

// Involves reports whether actorID is the caller or the receiver.
func (r CallRecord) Involves(actorID string) bool {
	return actorID != "" && (r.CallerID == actorID || r.ReceiverID == actorID)
}

// CandidateRecord is an append-only connectivity candidate published by one party.
// Records are never updated or deleted.
type CandidateRecord struct {
	ID        string          `json:"id" db:"id"`
	CallID    string          `json:"call_id" db:"call_id"`
	SenderID  string          `json:"sender_id" db:"sender_id"`
	Candidate json.RawMessage `json:"candidate" db:"candidate"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaVoice || k == MediaVideo
}

// RecordState is the subset of call states visible to persistence.
type RecordState string

const (
	RecordCalling RecordState = "calling"
	RecordActive  RecordState = "active"
	RecordEnded   RecordState = "ended"
)

func (s RecordState) Valid() bool {
	switch s {
	case RecordCalling, RecordActive, RecordEnded:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a record may move from s to next.
func (s RecordState) CanTransition(next RecordState) bool {
	switch s {
	case RecordCalling:
		return next == RecordActive || next == RecordEnded
	case RecordActive:
		return next == RecordEnded
	default:
		return false
	}
}

// CallState is the full local state of an actor, including the local-only
// idle and ringing states.
type CallState string

const (
	StateIdle    CallState = "idle"
	StateCalling CallState = "calling"
	StateRinging CallState = "ringing"
	StateActive  CallState = "active"
	StateEnded   CallState = "ended"
)

var (
	ErrNotFound      = errors.New("calls: not found")
	ErrConflict      = errors.New("calls: record transition not allowed")
	ErrDuplicate     = errors.New("calls: duplicate record")
	ErrInvalidRecord = errors.New("calls: invalid record")
)

// ValidateNew checks a CallRecord about to be created.
func ValidateNew(r CallRecord) error {
	if r.CallerID == "" || r.ReceiverID == "" {
		return ErrInvalidRecord
	}
	if r.CallerID == r.ReceiverID {
		return ErrInvalidRecord
	}
	if !r.MediaKind.Valid() {
		return ErrInvalidRecord
	}
	if r.State != "" && r.State != RecordCalling {
		return ErrInvalidRecord
	}
	if len(r.Answer) > 0 {
		return ErrInvalidRecord
	}
	return nil
}

// ValidateCandidate checks a CandidateRecord about to be appended.
func ValidateCandidate(c CandidateRecord) error {
	if c.CallID == "" || c.SenderID == "" || len(c.Candidate) == 0 {
		return ErrInvalidRecord
	}
	return nil
}
