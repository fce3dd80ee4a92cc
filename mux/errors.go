package mux

import "github.com/pkg/errors"

var (
	// ErrDisposed is returned by operations on a stream that has shut down.
	ErrDisposed = errors.New("mux: stream disposed")

	// ErrUnknownChannel is returned when no channel with the given id exists.
	ErrUnknownChannel = errors.New("mux: no channel with that id")

	ErrAlreadyAccepted    = errors.New("mux: channel is already accepted")
	ErrChannelUnavailable = errors.New("mux: channel is no longer available for acceptance")
	ErrNotAcceptable      = errors.New("mux: channel could not be accepted")
	ErrChannelTerminated  = errors.New("mux: channel terminated")
	ErrWritingCompleted   = errors.New("mux: channel writing already completed")
	ErrAnonymousAccept    = errors.New("mux: anonymous channels must be accepted by id")
	ErrInvalidWindow      = errors.New("mux: receiving window size must be positive")
	ErrProtocolViolation  = errors.New("mux: protocol violation")
	ErrChannelIDExhausted = errors.New("mux: channel ids exhausted")
	ErrOfferRejected      = errors.New("mux: channel offer rejected")
)
