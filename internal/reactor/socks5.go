package reactor

import (
	"fmt"

	"github.com/nishisan-dev/vsocks/internal/netaddr"
	"github.com/nishisan-dev/vsocks/internal/reactor/readiness"
)

// socksVersion5 is the only version this client handshake speaks.
const socksVersion5 = 5

// recvChunkSize bounds a single handshake recv, matching the queue's
// capacity since every received byte must fit in the queue.
const recvChunkSize = handshakeQueueCapacity

// advanceHandshake drives one stream's SOCKS5 client state machine one
// step, grounded on proxy.c:handle_stream_socks. recv reads whatever
// bytes are currently available on the upstream socket; it is only called
// when Readable was both requested and returned this cycle. origDest is the
// client side's recovered original destination, needed once the request
// stage is reached.
//
// Returns ErrProtocolViolation for malformed relay replies or a handshake
// queue overflow, ErrTransportError for recv failures, and ErrPeerClosed
// when the relay closes the connection. A nil return with no state change
// means the stream is waiting on more bytes or a writable event.
func advanceHandshake(s *Stream, recv func(buf []byte) (int, error), origDest netaddr.Address) error {
	if s.requestedEvents.Has(readiness.Readable) && s.returnedEvents.Has(readiness.Readable) {
		buf := make([]byte, recvChunkSize)
		n, err := recv(buf)
		if err != nil {
			return fmt.Errorf("%w: handshake recv: %v", ErrTransportError, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: handshake recv: relay closed the connection", ErrPeerClosed)
		}
		if !s.queue.Push(buf[:n]) {
			return fmt.Errorf("%w: handshake queue overflow", ErrProtocolViolation)
		}
	}

	switch s.level {
	case LevelConnecting:
		if !s.returnedEvents.Has(readiness.Writable) {
			return nil
		}
		s.queue.Set([]byte{socksVersion5, 1, 0})
		s.level = LevelVerSent
		s.requestedEvents = readiness.Writable

	case LevelVerSent:
		if s.queue.Len() < 2 {
			return nil
		}
		reply := s.queue.Pending()
		if reply[0] != socksVersion5 {
			return fmt.Errorf("%w: unexpected socks version 0x%.2x", ErrProtocolViolation, reply[0])
		}
		if reply[1] != 0 {
			return fmt.Errorf("%w: relay rejected no-auth method (0x%.2x)", ErrProtocolViolation, reply[1])
		}
		s.queue.DrainTo(2)

		req := buildConnectRequest(origDest)
		s.queue.Set(req)
		s.level = LevelReqSent
		s.requestedEvents = readiness.Writable

	case LevelReqSent:
		if s.queue.Len() < 4 {
			return nil
		}
		reply := s.queue.Pending()
		if reply[0] != socksVersion5 {
			return fmt.Errorf("%w: unexpected socks version 0x%.2x", ErrProtocolViolation, reply[0])
		}
		if reply[1] != 0 {
			return fmt.Errorf("%w: relay refused connect, status 0x%.2x", ErrProtocolViolation, reply[1])
		}
		if reply[3] != 1 && reply[3] != 4 {
			return fmt.Errorf("%w: unexpected reply address type 0x%.2x", ErrProtocolViolation, reply[3])
		}
		s.queue.DrainTo(4)

		s.level = LevelForwarding
		s.requestedEvents = readiness.Readable
		if s.peer != nil {
			s.peer.level = LevelForwarding
			s.peer.requestedEvents = readiness.Readable
		}

	default:
		return fmt.Errorf("%w: handshake advanced in unexpected level %s", ErrProtocolViolation, s.level)
	}

	return nil
}

// buildConnectRequest encodes a SOCKS5 CONNECT request for dest, per
// RFC 1928 §4, grounded on proxy.c's request-building switch on address
// family.
func buildConnectRequest(dest netaddr.Address) []byte {
	ip4 := dest.IP.To4()
	if ip4 != nil {
		req := make([]byte, 10)
		req[0] = socksVersion5
		req[1] = 1 // CONNECT
		req[2] = 0 // reserved
		req[3] = 1 // ATYP IPv4
		copy(req[4:8], ip4)
		req[8] = byte(dest.Port >> 8)
		req[9] = byte(dest.Port & 0xff)
		return req
	}

	ip16 := dest.IP.To16()
	req := make([]byte, 22)
	req[0] = socksVersion5
	req[1] = 1
	req[2] = 0
	req[3] = 4 // ATYP IPv6
	copy(req[4:20], ip16)
	req[20] = byte(dest.Port >> 8)
	req[21] = byte(dest.Port & 0xff)
	return req
}
