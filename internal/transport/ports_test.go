// ABOUTME: Tests for endpoint port allocation
// ABOUTME: Busy and reserved ports are skipped and the range widens exactly once

package transport

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubListener struct{ addr *net.TCPAddr }

func (l *stubListener) Accept() (net.Conn, error) { return nil, errors.New("stub") }
func (l *stubListener) Close() error              { return nil }
func (l *stubListener) Addr() net.Addr            { return l.addr }

// fakeListen succeeds for every port not in busy.
func fakeListen(busy map[int]bool) ListenFunc {
	return func(_, address string) (net.Listener, error) {
		_, p, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		port, _ := strconv.Atoi(p)
		if busy[port] {
			return nil, errors.New("address already in use")
		}
		return &stubListener{addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}, nil
	}
}

func TestPortAllocator_AllocatesWithinRangeWithoutReuse(t *testing.T) {
	a := NewPortAllocator("127.0.0.1", 5000, 5002).WithListen(fakeListen(nil))

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		_, port, err := a.Allocate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 5000)
		assert.LessOrEqual(t, port, 5002)
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
}

func TestPortAllocator_SkipsBusyAndReserved(t *testing.T) {
	a := NewPortAllocator("127.0.0.1", 5000, 5002).WithListen(fakeListen(map[int]bool{5000: true}))
	a.Reserved = func() map[int]bool { return map[int]bool{5001: true} }

	_, port, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 5002, port)
}

func TestPortAllocator_WidensOnceThenFails(t *testing.T) {
	busy := map[int]bool{5000: true, 5001: true}
	a := NewPortAllocator("127.0.0.1", 5000, 5001).WithListen(fakeListen(busy))

	// Range exhausted: the widened range 5002-5003 is used.
	_, port, err := a.Allocate()
	require.NoError(t, err)
	assert.Contains(t, []int{5002, 5003}, port)

	_, port2, err := a.Allocate()
	require.NoError(t, err)
	assert.Contains(t, []int{5002, 5003}, port2)
	assert.NotEqual(t, port, port2)

	_, _, err = a.Allocate()
	assert.ErrorIs(t, err, ErrPortsExhausted)

	a.Release(port)
	_, again, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestPortAllocator_RealBind(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()
	busy := held.Addr().(*net.TCPAddr).Port

	// The only candidate is taken by another listener; the allocator must
	// not report it as allocated.
	a := NewPortAllocator("127.0.0.1", busy, busy)
	ln, port, err := a.Allocate()
	if err == nil {
		defer ln.Close()
		assert.NotEqual(t, busy, port)
	} else {
		assert.ErrorIs(t, err, ErrPortsExhausted)
	}
}
