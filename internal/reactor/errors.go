package reactor

import "errors"

// Error kinds returned by reactor operations. Callers distinguish them with
// errors.Is. Errors from a stream's dispatch are logged at debug level and
// tear down only that one relation (or, for the listen stream, drop the one
// accepted connection); errors from building or waiting on the readiness
// back-end end the run.
var (
	// ErrPoolExhausted is returned by Pool.Acquire when the arena has no
	// free slot and forced eviction found no eligible (non-listen) stream.
	ErrPoolExhausted = errors.New("reactor: pool exhausted")

	// ErrTransportError wraps an underlying socket syscall failure (other
	// than EAGAIN/EWOULDBLOCK) observed while forwarding or connecting.
	ErrTransportError = errors.New("reactor: transport error")

	// ErrPeerClosed signals a clean EOF or FIN observed on one side of a
	// relation.
	ErrPeerClosed = errors.New("reactor: peer closed")

	// ErrProtocolViolation signals malformed or out-of-sequence bytes in
	// the SOCKS5 client handshake.
	ErrProtocolViolation = errors.New("reactor: protocol violation")

	// ErrBuildFailed signals a readiness back-end failure; fatal to the
	// reactor run.
	ErrBuildFailed = errors.New("reactor: build failed")

	// ErrNoRedirectInfo names the case where SO_ORIGINAL_DST could not
	// recover a redirect target for an accepted connection. acceptAndPair
	// returns whatever error its resolver gives; the production resolver,
	// originaldest.Query, reports originaldest.ErrNoRedirectInfo rather
	// than this value.
	ErrNoRedirectInfo = errors.New("reactor: no redirect info")

	// ErrMalformedAddress names the malformed-address error kind. Nothing
	// in this package returns it: address decoding happens outside the
	// reactor and netaddr reports its own netaddr.ErrMalformed.
	ErrMalformedAddress = errors.New("reactor: malformed address")

	// ErrBackpressureEmpty signals forward_chunk was called when the
	// kernel send queue already reported zero room; the caller should
	// simply wait for the next writable event instead of treating this as
	// a transport failure.
	ErrBackpressureEmpty = errors.New("reactor: backpressure empty")

	// ErrRateLimited signals an accepted connection was dropped by the
	// accept-rate limiter before pairing.
	ErrRateLimited = errors.New("reactor: accept rate limited")
)
