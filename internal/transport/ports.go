// ABOUTME: Picks a free listening port for an agent endpoint from a configured range
// ABOUTME: Tries candidates in random order and widens the range once before giving up

package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

// ErrPortsExhausted is returned when neither the configured range nor its
// widened extension has a bindable port.
var ErrPortsExhausted = errors.New("no free port in range")

const maxPort = 65535

// ListenFunc binds a listener. net.Listen in production.
type ListenFunc func(network, address string) (net.Listener, error)

// PortAllocator hands out ports from [min, max]. Ports it allocated and ports
// reported by Reserved are never offered twice.
type PortAllocator struct {
	host     string
	min, max int

	// Reserved reports ports held by other agents, usually Registry.TakenPorts.
	Reserved func() map[int]bool
	listen   ListenFunc

	mu    sync.Mutex
	taken map[int]bool
}

// NewPortAllocator creates an allocator for host over the inclusive range.
func NewPortAllocator(host string, min, max int) *PortAllocator {
	return &PortAllocator{
		host:   host,
		min:    min,
		max:    max,
		listen: net.Listen,
		taken:  make(map[int]bool),
	}
}

// WithListen replaces the bind function and returns the allocator.
func (a *PortAllocator) WithListen(fn ListenFunc) *PortAllocator {
	a.listen = fn
	return a
}

// Allocate binds the first free candidate and returns its listener. The
// listener stays open so the port cannot be lost between the check and use.
func (a *PortAllocator) Allocate() (net.Listener, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var reserved map[int]bool
	if a.Reserved != nil {
		reserved = a.Reserved()
	}

	if ln, port, ok := a.tryRange(a.min, a.max, reserved); ok {
		return ln, port, nil
	}

	span := a.max - a.min + 1
	wideMin, wideMax := a.max+1, a.max+span
	if wideMax > maxPort {
		wideMax = maxPort
	}
	if wideMin <= wideMax {
		if ln, port, ok := a.tryRange(wideMin, wideMax, reserved); ok {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %d-%d (widened to %d)", ErrPortsExhausted, a.min, a.max, wideMax)
}

func (a *PortAllocator) tryRange(lo, hi int, reserved map[int]bool) (net.Listener, int, bool) {
	if lo > hi {
		return nil, 0, false
	}
	for _, i := range rand.Perm(hi - lo + 1) {
		port := lo + i
		if a.taken[port] || reserved[port] {
			continue
		}
		ln, err := a.listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		a.taken[port] = true
		return ln, port, true
	}
	return nil, 0, false
}

// Release makes port available to this allocator again.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.taken, port)
	a.mu.Unlock()
}
