package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchng/netdispatch/internal/netaddr"
)

func mustHost(t *testing.T, s string) netaddr.HostAddress {
	t.Helper()
	h, err := netaddr.ParseHost(s)
	require.NoError(t, err)
	return h
}

func families(fs ...netaddr.Family) map[netaddr.Family]bool {
	m := make(map[netaddr.Family]bool, len(fs))
	for _, f := range fs {
		m[f] = true
	}
	return m
}

// Two idle, equal-metric interfaces: the first two acquisitions go to A
// then B (insertion-order tiebreak).
func TestAcquire_InsertionOrderTiebreak(t *testing.T) {
	p := NewPool()
	a, err := p.Add(mustHost(t, "10.0.0.1"), 1)
	require.NoError(t, err)
	b, err := p.Add(mustHost(t, "10.0.0.2"), 1)
	require.NoError(t, err)

	got1, ok := p.Acquire(families(netaddr.INET))
	require.True(t, ok)
	assert.Same(t, a, got1)

	got2, ok := p.Acquire(families(netaddr.INET))
	require.True(t, ok)
	assert.Same(t, b, got2)
}

// B has a higher metric so its post-increment ratio is lower even though
// its raw in_use is higher.
func TestAcquire_LoadRatioNotRawCount(t *testing.T) {
	p := NewPool()
	a, err := p.Add(mustHost(t, "10.0.0.1"), 1)
	require.NoError(t, err)
	b, err := p.Add(mustHost(t, "10.0.0.2"), 3)
	require.NoError(t, err)
	a.inUse = 1
	b.inUse = 2

	got, ok := p.Acquire(families(netaddr.INET))
	require.True(t, ok)
	assert.Same(t, b, got)
}

// A pool with only IPv6 interfaces yields no match for an IPv4 request.
func TestAcquire_NoMatchingFamily(t *testing.T) {
	p := NewPool()
	_, err := p.Add(mustHost(t, "::1"), 1)
	require.NoError(t, err)

	_, ok := p.Acquire(families(netaddr.INET))
	assert.False(t, ok)
}

func TestAcquireRelease_InUseInvariant(t *testing.T) {
	p := NewPool()
	_, err := p.Add(mustHost(t, "10.0.0.1"), 1)
	require.NoError(t, err)

	iface, ok := p.Acquire(families(netaddr.INET))
	require.True(t, ok)
	assert.EqualValues(t, 1, iface.InUse())
	assert.EqualValues(t, 1, p.TotalInUse())

	p.Release(iface)
	assert.EqualValues(t, 0, iface.InUse())
	assert.EqualValues(t, 0, p.TotalInUse())
}

func TestAdd_RejectsZeroMetric(t *testing.T) {
	p := NewPool()
	_, err := p.Add(mustHost(t, "10.0.0.1"), 0)
	assert.Error(t, err)
}

func TestEmpty(t *testing.T) {
	p := NewPool()
	assert.True(t, p.Empty())
	_, err := p.Add(mustHost(t, "10.0.0.1"), 1)
	require.NoError(t, err)
	assert.False(t, p.Empty())
}

// Every acquire returns an interface whose post-increment load ratio is
// minimal among candidates.
func TestAcquire_AlwaysMinimalPostIncrementRatio(t *testing.T) {
	p := NewPool()
	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	metrics := []uint32{1, 2, 5}
	ifaces := make([]*Interface, len(hosts))
	for i := range hosts {
		iface, err := p.Add(mustHost(t, hosts[i]), metrics[i])
		require.NoError(t, err)
		ifaces[i] = iface
	}

	for n := 0; n < 20; n++ {
		got, ok := p.Acquire(families(netaddr.INET))
		require.True(t, ok)

		gotRatio := float64(got.InUse()) / float64(got.Metric)
		for _, iface := range ifaces {
			if iface == got {
				continue
			}
			otherRatio := float64(iface.InUse()+1) / float64(iface.Metric)
			assert.LessOrEqual(t, gotRatio, otherRatio)
		}
	}
}
