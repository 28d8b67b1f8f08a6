// Package pool manages one S7 client per device network address.
package pool

import (
	"errors"
	"sync"
	"time"

	"fieldlink/config"
	"fieldlink/logging"
	"fieldlink/s7"
)

// ErrClosed is returned by Get when the pool has been shut down.
var ErrClosed = errors.New("connection pool closed")

// Pool owns the map of device address to S7 client. Clients are connected
// lazily on first use and torn down together at shutdown.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*s7.Client
	closed  bool
	stop    chan struct{}

	retryDelay time.Duration
	rack       int
	slot       int
	timeout    time.Duration

	logFn func(format string, args ...interface{})
}

// New creates a pool using the shared S7 connection defaults.
func New(s7cfg config.S7Config, poolCfg config.PoolConfig) *Pool {
	return &Pool{
		clients:    make(map[string]*s7.Client),
		stop:       make(chan struct{}),
		retryDelay: poolCfg.RetryDelay,
		rack:       s7cfg.Rack,
		slot:       s7cfg.Slot,
		timeout:    s7cfg.Timeout,
	}
}

// SetLogFunc sets the logging callback.
func (p *Pool) SetLogFunc(fn func(format string, args ...interface{})) {
	p.mu.Lock()
	p.logFn = fn
	p.mu.Unlock()
}

func (p *Pool) log(format string, args ...interface{}) {
	p.mu.Lock()
	fn := p.logFn
	p.mu.Unlock()
	if fn != nil {
		fn(format, args...)
	}
}

// Get returns a live client for the address, connecting if necessary.
// It blocks, retrying at a fixed delay indefinitely, until a connect
// succeeds or the pool is closed. Callers must run off a background
// worker, never the broker message-delivery goroutine.
func (p *Pool) Get(address string) (*s7.Client, error) {
	for {
		client, err := p.tryGet(address)
		if err != nil {
			return nil, err
		}
		if client != nil {
			return client, nil
		}

		select {
		case <-p.stop:
			return nil, ErrClosed
		case <-time.After(p.retryDelay):
		}
	}
}

// tryGet makes one attempt. Returns (nil, nil) when the attempt failed and
// the caller should retry.
func (p *Pool) tryGet(address string) (*s7.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	existing := p.clients[address]
	rack, slot, timeout := p.rack, p.slot, p.timeout
	p.mu.Unlock()

	if existing != nil {
		if existing.IsConnected() {
			return existing, nil
		}
		// Reconnect outside the map lock; transport I/O must not block
		// other addresses.
		if err := existing.Reconnect(); err != nil {
			p.log("reconnect %s failed: %v", address, err)
			logging.Debug("pool", "reconnect %s failed: %v", address, err)
			return nil, nil
		}
		return existing, nil
	}

	client, err := s7.Connect(address,
		s7.WithRackSlot(rack, slot),
		s7.WithTimeout(timeout))
	if err != nil {
		p.log("connect %s failed: %v", address, err)
		logging.Debug("pool", "connect %s failed: %v", address, err)
		return nil, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		client.Close()
		return nil, ErrClosed
	}
	if racer := p.clients[address]; racer != nil {
		// Another caller connected first; keep theirs.
		p.mu.Unlock()
		client.Close()
		return racer, nil
	}
	p.clients[address] = client
	p.mu.Unlock()

	p.log("connected to device at %s", address)
	return client, nil
}

// peek returns an existing live client or nil. Never connects.
func (p *Pool) peek(address string) *s7.Client {
	p.mu.Lock()
	client := p.clients[address]
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		return client
	}
	return nil
}

// WriteBool writes a single bit on a device. Writes against an unreachable
// device are dropped, not queued: the system favors freshness over
// durability for control writes, and the next sweep or poll re-attempts
// the underlying condition.
func (p *Pool) WriteBool(address string, db, byteOff, bit int, v bool) error {
	client := p.peek(address)
	if client == nil {
		logging.Debug("pool", "write DB%d.%d.%d to %s dropped: no live connection", db, byteOff, bit, address)
		return &s7.ProtocolError{Op: "write", Address: address, Err: s7.ErrNotConnected}
	}
	return client.WriteBool(db, byteOff, bit, v)
}

// ReadBatch reads a batch of items from a device, blocking until a
// connection is available (see Get).
func (p *Pool) ReadBatch(address string, items []s7.Item) (map[string]interface{}, error) {
	client, err := p.Get(address)
	if err != nil {
		return nil, err
	}
	return client.ReadBatch(items)
}

// DisconnectAll closes every client. It is called once at shutdown and is
// the only place connections are torn down en masse. Pending Get calls
// return ErrClosed.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	clients := make([]*s7.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*s7.Client)
	p.mu.Unlock()

	close(p.stop)

	for _, c := range clients {
		c.Close()
	}
	p.log("disconnected %d device connections", len(clients))
}
