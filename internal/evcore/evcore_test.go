//go:build linux

package evcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispatchng/netdispatch/internal/evcore"
	"github.com/dispatchng/netdispatch/internal/netaddr"
	"github.com/dispatchng/netdispatch/internal/socketx"
)

// ephemeral is a loopback address with port 0; ParseSocket rejects port 0
// so it is built by hand.
func ephemeral(t *testing.T) netaddr.SocketAddress {
	t.Helper()
	h, err := netaddr.ParseHost("127.0.0.1")
	require.NoError(t, err)
	return netaddr.SocketAddress{Host: h, Port: 0}
}

// connectedPair returns two connected loopback TCP sockets.
func connectedPair(t *testing.T) (a, b socketx.Handle) {
	t.Helper()
	ln, err := socketx.CreateListener(ephemeral(t))
	require.NoError(t, err)
	defer socketx.Close(&ln)
	bound, err := socketx.LocalAddress(ln)
	require.NoError(t, err)

	client, err := socketx.CreateBound(ephemeral(t))
	require.NoError(t, err)
	_ = socketx.Connect(client, bound)

	require.Eventually(t, func() bool {
		h, aerr := socketx.Accept(ln)
		if aerr != nil {
			return false
		}
		a = h
		return true
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return socketx.PendingError(client) == nil
	}, time.Second, time.Millisecond)

	return a, client
}

func TestRegisterDeliversReadReadiness(t *testing.T) {
	core, err := evcore.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	server, client := connectedPair(t)
	t.Cleanup(func() { socketx.Close(&server); socketx.Close(&client) })

	gotRead := make(chan struct{}, 1)
	_, err = core.Register(server.FD(), evcore.Read, func(ready evcore.Interest) {
		if ready&evcore.Read != 0 {
			select {
			case gotRead <- struct{}{}:
			default:
			}
		}
	})
	require.NoError(t, err)

	_, werr := socketx.Write(client, []byte("x"))
	require.Nil(t, werr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()

	select {
	case <-gotRead:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for read readiness")
	}
	cancel()
	<-done
}

func TestCancelStopsDelivery(t *testing.T) {
	core, err := evcore.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	server, client := connectedPair(t)
	t.Cleanup(func() { socketx.Close(&server); socketx.Close(&client) })

	calls := 0
	id, err := core.Register(server.FD(), evcore.Read, func(evcore.Interest) { calls++ })
	require.NoError(t, err)
	require.NoError(t, core.Cancel(id))
	require.Equal(t, 0, core.NumSources())

	_, werr := socketx.Write(client, []byte("x"))
	require.Nil(t, werr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, core.Run(ctx))
	require.Equal(t, 0, calls)
}

func TestRunReturnsWhenNoSourcesRemain(t *testing.T) {
	core, err := evcore.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	err = core.Run(context.Background())
	require.NoError(t, err)
}
