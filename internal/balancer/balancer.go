// Package balancer implements the outbound interface load balancer: the
// pool of local source addresses a Connection's outbound socket is bound
// to, selected by load-weighted utilization.
//
// The pool is shared mutable state, but every Acquire/Release call happens
// on the single event-core goroutine. This package therefore holds no
// mutex and no atomic counter; callers must not share a Pool across
// goroutines.
package balancer

import (
	"fmt"

	"github.com/dispatchng/netdispatch/internal/netaddr"
)

// Interface is a configured outbound source address with its capacity
// metric and live-use count.
type Interface struct {
	Source netaddr.HostAddress
	Metric uint32
	inUse  uint32
}

// InUse returns the current count of active outbound connections bound to
// this source. Mutated only by Pool.
func (i *Interface) InUse() uint32 { return i.inUse }

// loadRatio is the balancer's selection key: in_use / metric. Computed on
// what in_use would become after one more acquisition, since Acquire
// compares post-increment ratios.
func (i *Interface) loadRatio(postIncrement uint32) float64 {
	return float64(postIncrement) / float64(i.Metric)
}

// Pool holds the InterfacePool: two append-only lists keyed by family.
// Add is startup-only; Acquire/Release are the only mutators once the
// event core's Run has begun.
type Pool struct {
	byFamily map[netaddr.Family][]*Interface
	observer func(iface *Interface)
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{byFamily: make(map[netaddr.Family][]*Interface)}
}

// SetObserver installs a callback invoked after every Acquire/Release
// mutates an interface's in_use count, on the same goroutine that called
// Acquire/Release. The Supervisor uses this to mirror in_use into a
// Prometheus gauge without introducing a second goroutine that would touch
// pool state off the event-core thread.
func (p *Pool) SetObserver(fn func(iface *Interface)) {
	p.observer = fn
}

// Add appends an interface to the pool keyed by its family. Only valid
// during startup, before the event core's Run begins.
func (p *Pool) Add(source netaddr.HostAddress, metric uint32) (*Interface, error) {
	if metric < 1 {
		return nil, fmt.Errorf("metric must be >= 1, got %d", metric)
	}
	iface := &Interface{Source: source, Metric: metric}
	p.byFamily[source.Family()] = append(p.byFamily[source.Family()], iface)
	return iface, nil
}

// Empty reports whether the pool has no interfaces of any family.
func (p *Pool) Empty() bool {
	for _, l := range p.byFamily {
		if len(l) > 0 {
			return false
		}
	}
	return true
}

// orderedFamilies fixes iteration order so ties between candidates of
// different families resolve deterministically rather than on Go's
// randomized map order.
var orderedFamilies = [...]netaddr.Family{netaddr.INET, netaddr.INET6}

// Acquire picks, among all interfaces whose family is in families, the one
// minimizing the post-increment load ratio in_use/metric. Ties break by
// insertion order (the first-added interface of equal ratio wins). Returns
// false iff no interface matches the family set. On success, increments
// the winner's in_use exactly once.
func (p *Pool) Acquire(families map[netaddr.Family]bool) (*Interface, bool) {
	var best *Interface
	var bestRatio float64

	for _, family := range orderedFamilies {
		if !families[family] {
			continue
		}
		for _, iface := range p.byFamily[family] {
			ratio := iface.loadRatio(iface.inUse + 1)
			if best == nil || ratio < bestRatio {
				best, bestRatio = iface, ratio
			}
		}
	}

	if best == nil {
		return nil, false
	}
	best.inUse++
	p.notify(best)
	return best, true
}

// Release returns iface to the pool. Must be called exactly once per
// successful Acquire.
func (p *Pool) Release(iface *Interface) {
	if iface == nil {
		return
	}
	if iface.inUse > 0 {
		iface.inUse--
	}
	p.notify(iface)
}

func (p *Pool) notify(iface *Interface) {
	if p.observer != nil {
		p.observer(iface)
	}
}

// Each calls fn once per interface in the pool, in family-then-insertion
// order. Used by the Supervisor to seed gauges at startup.
func (p *Pool) Each(fn func(iface *Interface)) {
	for _, family := range orderedFamilies {
		for _, iface := range p.byFamily[family] {
			fn(iface)
		}
	}
}

// TotalInUse sums in_use across every interface in the pool.
func (p *Pool) TotalInUse() uint32 {
	var total uint32
	for _, l := range p.byFamily {
		for _, iface := range l {
			total += iface.inUse
		}
	}
	return total
}
