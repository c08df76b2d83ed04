package core

import "errors"

// Sentinel errors for the kinds enumerated in the error-handling design.
// Subsystems wrap these with fmt.Errorf("...: %w", ErrX) at the point of
// failure so callers can errors.Is against the kind while still getting a
// contextual message.
var (
	ErrTransport            = errors.New("transport error")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrInvalidBlock         = errors.New("invalid block")
	ErrConsensusTimeout     = errors.New("consensus timeout")
	ErrIntegrityFailure     = errors.New("integrity failure")
	ErrTooManyTransfers     = errors.New("too many transfers")
	ErrRendezvousUnavailable = errors.New("rendezvous unavailable")

	ErrUnknownPeer  = errors.New("unknown peer")
	ErrUnknownFile  = errors.New("unknown file")
	ErrSessionClosed = errors.New("session closed")
)
