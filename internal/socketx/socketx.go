//go:build linux

// Package socketx is the non-blocking TCP socket facade. Every socket it
// creates is non-blocking; operations that would ordinarily block return a
// WouldBlock/InProgress Error and the caller re-arms the event core.
package socketx

import (
	"golang.org/x/sys/unix"

	"github.com/dispatchng/netdispatch/internal/netaddr"
)

// Handle is an opaque non-blocking socket descriptor.
type Handle struct {
	fd int
}

// FD exposes the raw descriptor for registration with the event core.
func (h Handle) FD() int { return h.fd }

// Valid reports whether the handle refers to an open descriptor.
func (h Handle) Valid() bool { return h.fd >= 0 }

// InvalidHandle is the sentinel for "no socket" (fd -1). The zero Handle
// refers to fd 0 and is not invalid.
var InvalidHandle = Handle{fd: -1}

func toSockaddr(a netaddr.SocketAddress) unix.Sockaddr {
	if a.Host.Family() == netaddr.INET {
		sa := &unix.SockaddrInet4{Port: int(a.Port)}
		sa.Addr = a.Host.Octets4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(a.Port)}
	sa.Addr = a.Host.Octets16()
	return sa
}

func fromSockaddr(sa unix.Sockaddr) (netaddr.SocketAddress, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netaddr.SocketAddress{Host: netaddr.HostAddressFromIPv4(v.Addr), Port: uint16(v.Port)}, nil
	case *unix.SockaddrInet6:
		return netaddr.SocketAddress{Host: netaddr.HostAddressFromIPv6(v.Addr), Port: uint16(v.Port)}, nil
	default:
		return netaddr.SocketAddress{}, newError(UnsupportedBackend, "unsupported sockaddr type %T", sa)
	}
}

func domainFor(family netaddr.Family) int {
	if family == netaddr.INET6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func newStreamSocket(family netaddr.Family) (int, *Error) {
	fd, err := unix.Socket(domainFor(family), unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fromErrno(err, "socket()")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fromErrno(err, "setsockopt(SO_REUSEADDR)")
	}
	return fd, nil
}

// CreateBound creates a non-blocking socket, sets SO_REUSEADDR, and binds it
// to local. Port 0 means an ephemeral port chosen by the kernel.
func CreateBound(local netaddr.SocketAddress) (Handle, *Error) {
	fd, ferr := newStreamSocket(local.Host.Family())
	if ferr != nil {
		return InvalidHandle, ferr
	}
	if err := unix.Bind(fd, toSockaddr(local)); err != nil {
		unix.Close(fd)
		return InvalidHandle, fromErrno(err, "bind()")
	}
	return Handle{fd: fd}, nil
}

// CreateListener is CreateBound plus listen() at the platform's max backlog.
func CreateListener(local netaddr.SocketAddress) (Handle, *Error) {
	h, err := CreateBound(local)
	if err != nil {
		return InvalidHandle, err
	}
	if err := unix.Listen(h.fd, unix.SOMAXCONN); err != nil {
		unix.Close(h.fd)
		return InvalidHandle, fromErrno(err, "listen()")
	}
	return h, nil
}

// Connect issues a non-blocking connect. The normal async path returns an
// Error with Kind == InProgress; the caller arms write-readiness and later
// calls PendingError to finalize.
func Connect(h Handle, remote netaddr.SocketAddress) *Error {
	if err := unix.Connect(h.fd, toSockaddr(remote)); err != nil {
		return fromErrno(err, "connect()")
	}
	return nil
}

// Accept returns the next pending connection, or WouldBlock if none.
func Accept(h Handle) (Handle, *Error) {
	fd, _, err := unix.Accept4(h.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return InvalidHandle, fromErrno(err, "accept()")
	}
	return Handle{fd: fd}, nil
}

// Read fills buf with a partial count. n == 0 means peer EOF.
func Read(h Handle, buf []byte) (int, *Error) {
	n, err := unix.Read(h.fd, buf)
	if err != nil {
		return 0, fromErrno(err, "read()")
	}
	return n, nil
}

// Write sends a partial count of buf.
func Write(h Handle, buf []byte) (int, *Error) {
	n, err := unix.Write(h.fd, buf)
	if err != nil {
		return 0, fromErrno(err, "write()")
	}
	return n, nil
}

// PendingError inspects SO_ERROR to finalize an in-progress connect.
func PendingError(h Handle) *Error {
	errno, err := unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fromErrno(err, "getsockopt(SO_ERROR)")
	}
	if errno == 0 {
		return nil
	}
	return fromErrno(unix.Errno(errno), "pending connect error")
}

// LocalAddress returns the address the socket is bound to.
func LocalAddress(h Handle) (netaddr.SocketAddress, *Error) {
	sa, err := unix.Getsockname(h.fd)
	if err != nil {
		return netaddr.SocketAddress{}, fromErrno(err, "getsockname()")
	}
	addr, cerr := fromSockaddr(sa)
	if cerr != nil {
		return netaddr.SocketAddress{}, newError(UnsupportedBackend, "%v", cerr)
	}
	return addr, nil
}

// ShutdownWrite half-closes the write side of the socket, used by the
// relay pump to forward peer EOF transparently.
func ShutdownWrite(h Handle) *Error {
	if err := unix.Shutdown(h.fd, unix.SHUT_WR); err != nil {
		return fromErrno(err, "shutdown(SHUT_WR)")
	}
	return nil
}

// Close is infallible and idempotent per handle: closing an already-closed
// or invalid handle is a no-op.
func Close(h *Handle) {
	if h.fd < 0 {
		return
	}
	unix.Close(h.fd)
	h.fd = -1
}
