package submitter

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DialFunc opens a connection to a leader ingress endpoint.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type cachedConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// ConnCache caches direct-ingress connections keyed by endpoint address.
// Connections are dialed lazily, dropped on failure, and reaped after an
// idle timeout. Each endpoint fails independently; one bad endpoint never
// blocks submissions to the others.
type ConnCache struct {
	mu    sync.Mutex
	conns map[string]*cachedConn

	dial        DialFunc
	idleTimeout time.Duration
	logger      *zap.Logger

	// now is replaced in tests.
	now func() time.Time
}

// NewConnCache creates a cache. A nil dial uses a plain UDP dialer with the
// given connect timeout.
func NewConnCache(dial DialFunc, connectTimeout, idleTimeout time.Duration, logger *zap.Logger) *ConnCache {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	if dial == nil {
		d := &net.Dialer{Timeout: connectTimeout}
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "udp", addr)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnCache{
		conns:       map[string]*cachedConn{},
		dial:        dial,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Get returns a live connection to addr, dialing if none is cached. Idle
// connections encountered along the way are reaped.
func (c *ConnCache) Get(ctx context.Context, addr string) (net.Conn, error) {
	c.mu.Lock()
	c.reapLocked()
	if entry, ok := c.conns[addr]; ok {
		entry.lastUsed = c.now()
		conn := entry.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[addr]; ok {
		// Lost a dial race; keep the cached one.
		_ = conn.Close()
		existing.lastUsed = c.now()
		return existing.conn, nil
	}
	c.conns[addr] = &cachedConn{conn: conn, lastUsed: c.now()}
	return conn, nil
}

// Drop discards the cached connection for addr after a send failure; the
// next Get re-establishes it.
func (c *ConnCache) Drop(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.conns[addr]; ok {
		_ = entry.conn.Close()
		delete(c.conns, addr)
	}
}

// Len returns the number of cached connections.
func (c *ConnCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close discards every cached connection.
func (c *ConnCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, entry := range c.conns {
		_ = entry.conn.Close()
		delete(c.conns, addr)
	}
}

func (c *ConnCache) reapLocked() {
	cutoff := c.now().Add(-c.idleTimeout)
	for addr, entry := range c.conns {
		if entry.lastUsed.Before(cutoff) {
			_ = entry.conn.Close()
			delete(c.conns, addr)
			c.logger.Debug("reaped idle connection", zap.String("endpoint", addr))
		}
	}
}
