//go:build linux

// Package originaldest recovers the pre-NAT destination address of a
// connection accepted off a netfilter REDIRECT/DNAT rule, grounded on
// proxy.c:get_original_dest.
package originaldest

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"github.com/nishisan-dev/vsocks/internal/netaddr"
	"golang.org/x/sys/unix"
)

// ErrNoRedirectInfo is returned when neither the IPv4 nor IPv6 original
// destination option yields a result: the connection was accepted
// directly rather than via a netfilter redirect.
var ErrNoRedirectInfo = errors.New("originaldest: no redirect info")

// solIPv6 is SOL_IPV6; the unix package does not export a constant for it
// under this name on all architectures.
const solIPv6 = 41

// ipv6OrigDST is IP6T_SO_ORIGINAL_DST, the ip6tables equivalent of
// SO_ORIGINAL_DST. The historical iptables/ip6tables REDIRECT targets
// share the option number but differ by socket level.
const ipv6OrigDST = 80

// Query recovers the original destination address of fd, a socket
// accepted from a listener sitting behind an iptables/ip6tables REDIRECT
// or DNAT rule. Returns ErrNoRedirectInfo if the connection was not, in
// fact, redirected.
func Query(fd int) (netaddr.Address, error) {
	if addr, err := queryIPv4(fd); err == nil {
		return addr, nil
	}
	if addr, err := queryIPv6(fd); err == nil {
		return addr, nil
	}
	return netaddr.Address{}, fmt.Errorf("%w: fd %d", ErrNoRedirectInfo, fd)
}

func queryIPv4(fd int) (netaddr.Address, error) {
	var raw unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(raw))

	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		unix.SOL_IP,
		unix.SO_ORIGINAL_DST,
		uintptr(unsafe.Pointer(&raw)),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno != 0 {
		return netaddr.Address{}, fmt.Errorf("getsockopt(SO_ORIGINAL_DST): %w", errno)
	}

	port := uint16(raw.Port>>8) | uint16(raw.Port<<8)
	ip := net.IPv4(raw.Addr[0], raw.Addr[1], raw.Addr[2], raw.Addr[3])
	return netaddr.Address{IP: ip, Port: port, Family: netaddr.IPv4}, nil
}

func queryIPv6(fd int) (netaddr.Address, error) {
	var raw unix.RawSockaddrInet6
	size := uint32(unsafe.Sizeof(raw))

	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		solIPv6,
		ipv6OrigDST,
		uintptr(unsafe.Pointer(&raw)),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno != 0 {
		return netaddr.Address{}, fmt.Errorf("getsockopt(IP6T_SO_ORIGINAL_DST): %w", errno)
	}

	port := uint16(raw.Port>>8) | uint16(raw.Port<<8)
	ip := make(net.IP, 16)
	copy(ip, raw.Addr[:])
	return netaddr.Address{IP: ip, Port: port, Family: netaddr.IPv6}, nil
}
