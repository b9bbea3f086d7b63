// Package readiness provides the reactor's uniform readiness abstraction:
// a bitset of interesting events, a Pollable a back-end can query/update,
// and two interchangeable back-ends (poll, epoll) implementing Backend.
package readiness

import "golang.org/x/sys/unix"

// EventSet is a bitset over {Readable, Writable, Error, Hangup}, translated
// to/from the two kernel representations (pollfd.events/revents and
// epoll_event.events) by the pure functions below.
type EventSet uint8

const (
	Readable EventSet = 1 << iota
	Writable
	Error
	Hangup
)

func (e EventSet) Has(bit EventSet) bool { return e&bit != 0 }
func (e EventSet) Set(bit EventSet) EventSet { return e | bit }
func (e EventSet) Clear(bit EventSet) EventSet { return e &^ bit }

// toPoll translates an EventSet into a poll(2) events/revents mask.
func toPoll(e EventSet) int16 {
	var m int16
	if e.Has(Readable) {
		m |= unix.POLLIN
	}
	if e.Has(Writable) {
		m |= unix.POLLOUT
	}
	if e.Has(Error) {
		m |= unix.POLLERR
	}
	if e.Has(Hangup) {
		m |= unix.POLLHUP
	}
	return m
}

// fromPoll translates a poll(2) revents mask into an EventSet.
func fromPoll(m int16) EventSet {
	var e EventSet
	if m&unix.POLLIN != 0 {
		e = e.Set(Readable)
	}
	if m&unix.POLLOUT != 0 {
		e = e.Set(Writable)
	}
	if m&unix.POLLERR != 0 {
		e = e.Set(Error)
	}
	if m&(unix.POLLHUP|unix.POLLNVAL) != 0 {
		e = e.Set(Hangup)
	}
	return e
}

// toEpoll translates an EventSet into an epoll_event.events mask.
func toEpoll(e EventSet) uint32 {
	var m uint32
	if e.Has(Readable) {
		m |= unix.EPOLLIN
	}
	if e.Has(Writable) {
		m |= unix.EPOLLOUT
	}
	if e.Has(Error) {
		m |= unix.EPOLLERR
	}
	if e.Has(Hangup) {
		m |= unix.EPOLLHUP
	}
	return m
}

// fromEpoll translates an epoll_event.events mask into an EventSet.
func fromEpoll(m uint32) EventSet {
	var e EventSet
	if m&unix.EPOLLIN != 0 {
		e = e.Set(Readable)
	}
	if m&unix.EPOLLOUT != 0 {
		e = e.Set(Writable)
	}
	if m&unix.EPOLLERR != 0 {
		e = e.Set(Error)
	}
	if m&unix.EPOLLHUP != 0 {
		e = e.Set(Hangup)
	}
	return e
}
