// Package xerrors declares the RTSP-facing error taxonomy: sentinel errors
// that an RTSP session maps to wire status codes, grounded on the status
// handling implicit in pkg/rtsp/client.go (do()/readResponse() treating any
// non-200 as an error) and on rtsp_track.rs/session/errors.rs in
// original_source, which model the same set of state violations and
// resource errors as distinct cases.
package xerrors

import "errors"

// Sentinel errors an RTSP session recognizes and maps to a status code.
var (
	// ErrMalformed is a protocol-parse failure: malformed RTSP, SDP, RTP,
	// or RTCP bytes. Maps to 400 Bad Request.
	ErrMalformed = errors.New("malformed request")

	// ErrUnknownMethod is an unrecognized RTSP method. Maps to 501 Not
	// Implemented.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrStreamNotFound is raised when DESCRIBE/SETUP/PLAY name a stream
	// identifier absent from the hub. Maps to 404 Not Found.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamExists is raised when ANNOUNCE/Publish names an identifier
	// already held by another publisher. Maps to 400 Bad Request (the
	// duplicate publisher is rejected, not torn down).
	ErrStreamExists = errors.New("stream already published")

	// ErrMissingTransport is raised when SETUP lacks a Transport header.
	// Maps to 461 Unsupported Transport.
	ErrMissingTransport = errors.New("missing transport header")

	// ErrWrongState is raised for a method invalid in the session's
	// current state (e.g. RECORD before ANNOUNCE). Maps to 455 Method
	// Not Valid In This State.
	ErrWrongState = errors.New("method not valid in this state")

	// ErrTransport is an IO read/write failure, remote close, or timeout.
	// The session is torn down; a publisher session unpublishes.
	ErrTransport = errors.New("transport error")
)

// StatusCode maps a sentinel (or wrapped sentinel) error to the RTSP status
// code a session response should carry. Unrecognized errors map to 500.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrMalformed):
		return 400
	case errors.Is(err, ErrStreamExists):
		return 400
	case errors.Is(err, ErrUnknownMethod):
		return 501
	case errors.Is(err, ErrStreamNotFound):
		return 404
	case errors.Is(err, ErrMissingTransport):
		return 461
	case errors.Is(err, ErrWrongState):
		return 455
	case err == nil:
		return 200
	default:
		return 500
	}
}
