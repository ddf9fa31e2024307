//go:build linux

// Package evcore is the single-threaded, readiness-driven scheduler. It is
// built directly on epoll via golang.org/x/sys/unix:
// epoll_create1/epoll_ctl/epoll_wait driving a single read loop on one
// goroutine.
//
// Every callback runs on the goroutine that calls Run. No callback is
// reentrant, and no locking is required anywhere downstream of this
// package.
package evcore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is a bitmask of readiness a registration cares about.
type Interest uint32

const (
	Read Interest = 1 << iota
	Write
)

func (i Interest) epollMask() uint32 {
	var m uint32
	if i&Read != 0 {
		m |= unix.EPOLLIN
	}
	if i&Write != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func fromEpollMask(m uint32) Interest {
	var i Interest
	if m&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		i |= Read
	}
	if m&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		i |= Write
	}
	return i
}

// SourceID identifies one Register call. Cancel(id) is only valid for the
// registration it was returned from.
type SourceID uint64

// Callback is invoked with the subset of the registration's interest that
// is currently ready.
type Callback func(ready Interest)

type registration struct {
	id       SourceID
	fd       int
	interest Interest
	callback Callback
}

// Core is the event loop. Not safe for concurrent use: it is meant to be
// driven from exactly one goroutine, and every registration it holds is
// confined to that same goroutine.
type Core struct {
	log      *slog.Logger
	epfd     int
	byFD     map[int]*registration
	byID     map[SourceID]*registration
	nextID   SourceID
	pollIdle time.Duration
}

// New creates an epoll instance. Close it with Close once Run returns.
func New(log *slog.Logger) (*Core, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Core{
		log:      log,
		epfd:     epfd,
		byFD:     make(map[int]*registration),
		byID:     make(map[SourceID]*registration),
		pollIdle: time.Second,
	}, nil
}

// Close releases the underlying epoll fd.
func (c *Core) Close() error {
	return unix.Close(c.epfd)
}

// Register arms fd for the given interest; events deliver to callback.
// Re-registering the same fd (calling Register again for an fd that
// already has a live registration) replaces both the interest mask and the
// callback.
func (c *Core) Register(fd int, interest Interest, callback Callback) (SourceID, error) {
	c.nextID++
	id := c.nextID
	reg := &registration{id: id, fd: fd, interest: interest, callback: callback}

	event := &unix.EpollEvent{Events: interest.epollMask(), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if _, exists := c.byFD[fd]; exists {
		op = unix.EPOLL_CTL_MOD
		c.removeID(c.byFD[fd].id)
	}
	if err := unix.EpollCtl(c.epfd, op, fd, event); err != nil {
		return 0, fmt.Errorf("epoll_ctl: %w", err)
	}

	c.byFD[fd] = reg
	c.byID[id] = reg
	return id, nil
}

// Cancel removes a registration. The callback is guaranteed not to fire
// after Cancel returns (epoll_ctl(DEL) happens before this method returns,
// and no event for this process is being dispatched concurrently since the
// core is single-threaded).
func (c *Core) Cancel(id SourceID) error {
	reg, ok := c.byID[id]
	if !ok {
		return nil
	}
	// EPOLL_CTL_DEL on a closed fd returns EBADF; callers are expected to
	// cancel before closing, but tolerate the reverse order too.
	if err := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		c.log.Debug("epoll_ctl del failed", "fd", reg.fd, "error", err)
	}
	c.removeID(id)
	return nil
}

func (c *Core) removeID(id SourceID) {
	reg, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	if c.byFD[reg.fd] == reg {
		delete(c.byFD, reg.fd)
	}
}

// NumSources reports how many live registrations remain.
func (c *Core) NumSources() int { return len(c.byID) }

// Run dispatches callbacks serially until no sources remain or ctx is
// canceled. Each epoll_wait is bounded by pollIdle so context cancellation
// is observed promptly even while idle.
func (c *Core) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 64)

	for {
		if len(c.byID) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(c.epfd, events, int(c.pollIdle.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			reg, ok := c.byFD[fd]
			if !ok {
				continue // canceled between EpollWait and dispatch
			}
			ready := fromEpollMask(events[i].Events) & reg.interest
			if ready == 0 {
				continue
			}
			reg.callback(ready)
		}
	}
}
