package signaling

import "errors"

var (
	ErrBusy             = errors.New("signaling: actor already has a call")
	ErrNoSuchCall       = errors.New("signaling: no such call")
	ErrInvalidState     = errors.New("signaling: operation not allowed in current state")
	ErrCallEnded        = errors.New("signaling: call ended")
	ErrMediaUnavailable = errors.New("signaling: local media unavailable")
	ErrOfferTimeout     = errors.New("signaling: offer did not appear")
	ErrPersistence      = errors.New("signaling: record write failed")
	ErrTransport        = errors.New("signaling: transport setup failed")
	ErrInvalidArgument  = errors.New("signaling: invalid argument")
	ErrClosed           = errors.New("signaling: manager closed")
)
