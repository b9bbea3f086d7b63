// Package netaddr implements the address codec used at the proxy's
// boundaries: decoding listen/socks5 addresses from the config file, and
// formatting addresses recovered from the kernel redirect for logging and
// for the SOCKS5 CONNECT request.
package netaddr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrMalformed is returned when an address string cannot be decoded.
var ErrMalformed = errors.New("netaddr: malformed address")

// Family identifies the address family of an Address.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// Address is a decoded host:port pair.
type Address struct {
	IP     net.IP
	Port   uint16
	Family Family
}

// Decode parses "a.b.c.d:port", "[v6]:port" or "v6:port" (when the address
// contains at least two ':' characters, making the bracket-less form
// unambiguous). The heuristic mirrors the original C implementation: if the
// first and last ':' in the input coincide, the address is treated as IPv4
// (a single colon separates host from port); otherwise it is IPv6.
func Decode(input string) (Address, error) {
	first := strings.IndexByte(input, ':')
	if first < 0 {
		return Address{}, fmt.Errorf("%w: %q: missing port separator", ErrMalformed, input)
	}
	last := strings.LastIndexByte(input, ':')

	var hostPart, portPart string
	if first == last {
		// Exactly one ':' -> IPv4 host:port.
		hostPart, portPart = input[:first], input[first+1:]
	} else {
		// More than one ':' -> IPv6, optionally bracketed.
		hostPart, portPart = input[:last], input[last+1:]
		hostPart = strings.TrimPrefix(hostPart, "[")
		hostPart = strings.TrimSuffix(hostPart, "]")
	}

	port, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: invalid port %q: %v", ErrMalformed, input, portPart, err)
	}

	ip := net.ParseIP(hostPart)
	if ip == nil {
		return Address{}, fmt.Errorf("%w: %q: invalid host %q", ErrMalformed, input, hostPart)
	}

	fam := IPv6
	if v4 := ip.To4(); v4 != nil && first == last {
		ip = v4
		fam = IPv4
	}

	return Address{IP: ip, Port: uint16(port), Family: fam}, nil
}

// Format renders an Address as "a.b.c.d:p" for IPv4 or "[x:...:x]:p" for IPv6.
func Format(addr Address) string {
	if addr.Family == IPv4 {
		return fmt.Sprintf("%s:%d", addr.IP.String(), addr.Port)
	}
	return fmt.Sprintf("[%s]:%d", addr.IP.String(), addr.Port)
}

// String implements fmt.Stringer for convenient log call sites.
func (a Address) String() string {
	return Format(a)
}

// TCPAddr converts the Address into a *net.TCPAddr for dialing/binding.
func (a Address) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: int(a.Port)}
}

// SockFamily returns the raw socket family (AF_INET/AF_INET6) for use with
// the unix.Socket syscall wrapper.
func (a Address) SockFamily() int {
	if a.Family == IPv4 {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Sockaddr converts the Address into a unix.Sockaddr for bind/connect.
func (a Address) Sockaddr() unix.Sockaddr {
	if a.Family == IPv4 {
		sa := &unix.SockaddrInet4{Port: int(a.Port)}
		copy(sa.Addr[:], a.IP.To4())
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(a.Port)}
	copy(sa.Addr[:], a.IP.To16())
	return sa
}
