package submitter

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory net.Conn that records writes.
type fakeConn struct {
	addr    string
	written [][]byte
	closed  atomic.Bool
	failIO  bool
}

func (c *fakeConn) Read(b []byte) (int, error) { return 0, errors.New("not readable") }

func (c *fakeConn) Write(b []byte) (int, error) {
	if c.failIO {
		return 0, errors.New("write failed")
	}
	buf := append([]byte(nil), b...)
	c.written = append(c.written, buf)
	return len(b), nil
}

func (c *fakeConn) Close() error                       { c.closed.Store(true); return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return nil }
func (c *fakeConn) RemoteAddr() net.Addr               { return nil }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func fakeDialer(dials *atomic.Int64, fail map[string]bool) DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		if fail[addr] {
			return nil, errors.New("connection refused")
		}
		dials.Add(1)
		return &fakeConn{addr: addr}, nil
	}
}

func TestConnCache_LazyDialAndReuse(t *testing.T) {
	var dials atomic.Int64
	cache := NewConnCache(fakeDialer(&dials, nil), 0, time.Minute, nil)
	defer cache.Close()

	ctx := context.Background()
	c1, err := cache.Get(ctx, "leader-1:8003")
	require.NoError(t, err)
	c2, err := cache.Get(ctx, "leader-1:8003")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, int64(1), dials.Load())

	_, err = cache.Get(ctx, "leader-2:8003")
	require.NoError(t, err)
	assert.Equal(t, int64(2), dials.Load())
	assert.Equal(t, 2, cache.Len())
}

func TestConnCache_DialFailureDoesNotPoison(t *testing.T) {
	var dials atomic.Int64
	cache := NewConnCache(fakeDialer(&dials, map[string]bool{"bad:1": true}), 0, time.Minute, nil)
	defer cache.Close()

	ctx := context.Background()
	_, err := cache.Get(ctx, "bad:1")
	assert.Error(t, err)

	// Other endpoints are unaffected.
	_, err = cache.Get(ctx, "good:1")
	assert.NoError(t, err)
}

func TestConnCache_DropThenRedial(t *testing.T) {
	var dials atomic.Int64
	cache := NewConnCache(fakeDialer(&dials, nil), 0, time.Minute, nil)
	defer cache.Close()

	ctx := context.Background()
	c1, err := cache.Get(ctx, "leader-1:8003")
	require.NoError(t, err)

	cache.Drop("leader-1:8003")
	assert.True(t, c1.(*fakeConn).closed.Load())
	assert.Zero(t, cache.Len())

	c2, err := cache.Get(ctx, "leader-1:8003")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, int64(2), dials.Load())
}

func TestConnCache_ReapsIdle(t *testing.T) {
	var dials atomic.Int64
	cache := NewConnCache(fakeDialer(&dials, nil), 0, time.Minute, nil)
	defer cache.Close()

	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	c1, err := cache.Get(ctx, "leader-1:8003")
	require.NoError(t, err)

	// Not yet idle.
	now = now.Add(30 * time.Second)
	_, err = cache.Get(ctx, "leader-2:8003")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	// Both idle out on the next access.
	now = now.Add(2 * time.Minute)
	_, err = cache.Get(ctx, "leader-3:8003")
	require.NoError(t, err)
	assert.True(t, c1.(*fakeConn).closed.Load())
	assert.Equal(t, 1, cache.Len(), "only the fresh connection survives")
}
