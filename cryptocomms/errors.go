// Package cryptocomms ties together the protocol, crypto, transport, and
// concurrency packages into one peer-to-peer encrypted datagram tunnel.
package cryptocomms

import "errors"

// Error taxonomy per the error handling design. Components return their
// own sentinel errors (crypto.ErrKeyInvalid, segnum.ErrFatalReservation,
// and so on); these top-level sentinels exist so cmd/cryptocomms and
// Session can classify any error bubbling out of a package with a single
// errors.Is check and decide whether it is fatal at startup, fatal to the
// running Session, or a silent drop.
var (
	// ErrConfig: rejected configuration. Fatal at startup only.
	ErrConfig = errors.New("cryptocomms: configuration rejected")

	// ErrStartup: missing/corrupt SegNum files, socket bind failure, FIFO
	// path unusable. Fatal at startup.
	ErrStartup = errors.New("cryptocomms: startup failed")

	// ErrKeyInvalid: attempt to use an erased/uninitialised SecretKey.
	// Programmer error; fatal at point of use.
	ErrKeyInvalid = errors.New("cryptocomms: secret key invalid")

	// ErrFatalReservation: SegmentNumGenerator cannot allocate without
	// crossing 2^48-1. Fatal; Session must stop.
	ErrFatalReservation = errors.New("cryptocomms: segment number space exhausted")

	// ErrCodec: AEAD primitive made no progress. Fatal; Session must stop.
	ErrCodec = errors.New("cryptocomms: AEAD codec made no progress")

	// ErrIO: unrecoverable socket or FIFO error. Logged and surfaced;
	// workers exit.
	ErrIO = errors.New("cryptocomms: unrecoverable I/O error")
)
