//go:build linux

package listener_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispatchng/netdispatch/internal/balancer"
	"github.com/dispatchng/netdispatch/internal/evcore"
	"github.com/dispatchng/netdispatch/internal/listener"
	"github.com/dispatchng/netdispatch/internal/netaddr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustHost(t *testing.T, s string) netaddr.HostAddress {
	t.Helper()
	h, err := netaddr.ParseHost(s)
	require.NoError(t, err)
	return h
}

// countingMetrics is read from the test goroutine while the event core's
// goroutine increments it, hence the atomics.
type countingMetrics struct {
	accepted, closed atomic.Int32
}

func (m *countingMetrics) ConnectionAccepted() { m.accepted.Add(1) }
func (m *countingMetrics) ConnectionClosed()   { m.closed.Add(1) }

// TestListener_AcceptsAndSpawnsSessions drives a real client connection
// through the listener and confirms a session.Connection is spawned for it
// (observable as a SOCKS5 method-select reply on the wire) and that the
// accepted-connection metric fires.
func TestListener_AcceptsAndSpawnsSessions(t *testing.T) {
	core, err := evcore.New(discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	pool := balancer.NewPool()
	_, err = pool.Add(mustHost(t, "127.0.0.1"), 1)
	require.NoError(t, err)

	metrics := &countingMetrics{}
	// Port 0 asks the kernel for an ephemeral port; ParseSocket rejects
	// port 0 so the address is built by hand.
	addr := netaddr.SocketAddress{Host: mustHost(t, "127.0.0.1"), Port: 0}

	lis, err := listener.New(listener.Config{
		Logger:  discardLogger(),
		Core:    core,
		Pool:    pool,
		Metrics: metrics,
		Addr:    addr,
	})
	require.NoError(t, err)
	t.Cleanup(lis.Close)
	require.NoError(t, lis.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()

	conn, err := net.Dial("tcp", netaddr.FormatSocket(lis.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	reply := make([]byte, 2)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, reply)

	require.Eventually(t, func() bool { return metrics.accepted.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}
