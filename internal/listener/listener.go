//go:build linux

// Package listener runs the accept loop: one listening socket per
// configured bind address, registered with the event core, spawning a
// session.Connection for every accepted client.
package listener

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/dispatchng/netdispatch/internal/balancer"
	"github.com/dispatchng/netdispatch/internal/evcore"
	"github.com/dispatchng/netdispatch/internal/netaddr"
	"github.com/dispatchng/netdispatch/internal/session"
	"github.com/dispatchng/netdispatch/internal/socketx"
)

// Metrics is the subset of observability hooks a Listener reports through.
// Supervisor wires a Prometheus-backed implementation; tests can pass nil.
type Metrics interface {
	ConnectionAccepted()
	ConnectionClosed()
}

// Listener owns one bound+listening socket and its event-core registration.
type Listener struct {
	log     *slog.Logger
	core    *evcore.Core
	pool    *balancer.Pool
	metrics Metrics
	clock   clockwork.Clock
	onFatal func(error)

	addr   netaddr.SocketAddress
	handle socketx.Handle
	srcID  evcore.SourceID

	backoffRetry *backoff.ExponentialBackOff

	// wakeFD is an eventfd used to idle out of the backoff window instead of
	// busy-spinning: epoll is level-triggered, so if the listening socket
	// stayed registered for read interest while a pending connection kept it
	// readable, epoll_wait would return immediately every iteration for the
	// whole backoff delay. Backing off instead cancels read interest on the
	// listening socket and arms this eventfd, woken from a separate goroutine
	// once the delay elapses.
	wakeFD     int
	wakeSrcID  evcore.SourceID
	backingOff bool
}

// Config supplies a Listener its collaborators and bind address.
type Config struct {
	Logger  *slog.Logger
	Core    *evcore.Core
	Pool    *balancer.Pool
	Metrics Metrics
	Clock   clockwork.Clock
	Addr    netaddr.SocketAddress
}

// New binds and listens on cfg.Addr but does not yet register with the
// event core; call Start for that.
func New(cfg Config) (*Listener, error) {
	h, err := socketx.CreateListener(cfg.Addr)
	if err != nil {
		return nil, err
	}
	// Re-read the bound address so Addr reports the kernel-chosen port when
	// cfg.Addr asked for an ephemeral one.
	bound, err := socketx.LocalAddress(h)
	if err != nil {
		socketx.Close(&h)
		return nil, err
	}
	wakeFD, eventfdErr := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if eventfdErr != nil {
		socketx.Close(&h)
		return nil, fmt.Errorf("eventfd: %w", eventfdErr)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 1 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; this loop must never give up
	return &Listener{
		log:          cfg.Logger,
		core:         cfg.Core,
		pool:         cfg.Pool,
		metrics:      cfg.Metrics,
		clock:        clock,
		addr:         bound,
		handle:       h,
		wakeFD:       wakeFD,
		backoffRetry: bo,
	}, nil
}

// Addr reports the bind address this listener serves.
func (l *Listener) Addr() netaddr.SocketAddress { return l.addr }

// SetFatalHandler installs the callback invoked when the listening socket
// itself becomes unusable, as opposed to a transient per-accept error. The
// Supervisor wires this to cancel the event core's run context so the
// process can exit with a diagnostic instead of spinning a dead listener
// forever.
func (l *Listener) SetFatalHandler(fn func(error)) {
	l.onFatal = fn
}

// Start registers the accept callback with the event core.
func (l *Listener) Start() error {
	id, err := l.core.Register(l.handle.FD(), evcore.Read, l.onAcceptable)
	if err != nil {
		return err
	}
	l.srcID = id
	return nil
}

// Close cancels the registration and closes the listening socket.
func (l *Listener) Close() {
	if l.srcID != 0 {
		_ = l.core.Cancel(l.srcID)
		l.srcID = 0
	}
	if l.wakeSrcID != 0 {
		_ = l.core.Cancel(l.wakeSrcID)
		l.wakeSrcID = 0
	}
	socketx.Close(&l.handle)
	if l.wakeFD != 0 {
		_ = unix.Close(l.wakeFD)
		l.wakeFD = 0
	}
}

func (l *Listener) onAcceptable(evcore.Interest) {
	for {
		client, err := socketx.Accept(l.handle)
		if err != nil {
			if err.Kind == socketx.WouldBlock {
				return
			}
			if err.Kind == socketx.InvalidSocket {
				l.fail(err)
				return
			}
			l.scheduleRetry(err)
			return
		}

		l.backoffRetry.Reset()
		l.spawn(client)
	}
}

// fail handles a fatal listener-socket error: log it, stop accepting, and
// escalate to the Supervisor rather than retry forever.
func (l *Listener) fail(err error) {
	l.log.Error("listener socket invalid, stopping", "addr", netaddr.FormatSocket(l.addr), "error", err)
	l.Close()
	if l.onFatal != nil {
		l.onFatal(err)
	}
}

// scheduleRetry backs off after a transient accept error. It cancels read
// interest on the listening socket for the duration of the delay rather than
// leaving it registered: epoll is level-triggered, and a listener fd with a
// connection still queued stays readable, so epoll_wait would otherwise
// return immediately every iteration and spin the event core for the whole
// backoff window. A goroutine sleeps out the delay and signals an eventfd
// registered with the event core in its place, which re-arms accept interest
// once woken.
func (l *Listener) scheduleRetry(err *socketx.Error) {
	l.log.Warn("accept failed, backing off", "addr", netaddr.FormatSocket(l.addr), "error", err)
	delay := l.backoffRetry.NextBackOff()

	if l.srcID != 0 {
		_ = l.core.Cancel(l.srcID)
		l.srcID = 0
	}
	l.backingOff = true

	id, rerr := l.core.Register(l.wakeFD, evcore.Read, l.onRetryWake)
	if rerr != nil {
		l.log.Error("failed to arm backoff wake source, retrying immediately", "error", rerr)
		l.backingOff = false
		l.rearmAccept()
		return
	}
	l.wakeSrcID = id

	clock := l.clock
	wakeFD := l.wakeFD
	go func() {
		clock.Sleep(delay)
		var one [8]byte
		binary.LittleEndian.PutUint64(one[:], 1)
		_, _ = unix.Write(wakeFD, one[:])
	}()
}

// onRetryWake fires on the event-core goroutine once the backoff delay has
// elapsed; it drains the eventfd and re-arms normal accept interest.
func (l *Listener) onRetryWake(evcore.Interest) {
	var drain [8]byte
	_, _ = unix.Read(l.wakeFD, drain[:])
	if l.wakeSrcID != 0 {
		_ = l.core.Cancel(l.wakeSrcID)
		l.wakeSrcID = 0
	}
	l.backingOff = false
	l.rearmAccept()
}

func (l *Listener) rearmAccept() {
	id, err := l.core.Register(l.handle.FD(), evcore.Read, l.onAcceptable)
	if err != nil {
		l.fail(fmt.Errorf("re-registering accept interest: %w", err))
		return
	}
	l.srcID = id
}

func (l *Listener) spawn(client socketx.Handle) {
	if l.metrics != nil {
		l.metrics.ConnectionAccepted()
	}
	onClose := func() {}
	if l.metrics != nil {
		onClose = l.metrics.ConnectionClosed
	}
	conn := session.New(session.Config{
		Logger:  l.log,
		Core:    l.core,
		Pool:    l.pool,
		Client:  client,
		OnClose: onClose,
	})
	if err := conn.Start(); err != nil {
		l.log.Error("failed to register accepted connection", "error", err)
		socketx.Close(&client)
		if l.metrics != nil {
			l.metrics.ConnectionClosed()
		}
	}
}
