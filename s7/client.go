// Package s7 reads and writes typed values at (data block, byte, bit)
// addresses on Siemens S7 devices over ISO-on-TCP.
package s7

import (
	"sync"
	"time"

	"github.com/robinson/gos7"

	"fieldlink/device"
	"fieldlink/logging"
)

// gos7 multi-item read codes. Everything is addressed at byte granularity;
// bit extraction happens after the read.
const (
	areaDB = 0x84
	wlByte = 0x02
)

// Client is a high-level wrapper for S7 device communication.
// It owns one physical connection to one device.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	timeout   time.Duration
	connected bool
	mu        sync.Mutex
}

// options holds configuration options for Connect.
type options struct {
	rack    int
	slot    int
	timeout time.Duration
}

// Option is a functional option for Connect.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the device CPU.
// Default is rack 0, slot 0 for S7-1200/1500. For S7-300/400, use the slot
// where the CPU is placed (typically 2).
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the connection timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Connect establishes a connection to an S7 device at the given address.
func Connect(address string, opts ...Option) (*Client, error) {
	cfg := &options{
		rack:    0,
		slot:    0,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := gos7.NewTCPClientHandler(address, cfg.rack, cfg.slot)
	handler.Timeout = cfg.timeout
	handler.IdleTimeout = cfg.timeout

	if err := handler.Connect(); err != nil {
		return nil, &ProtocolError{Op: "connect", Address: address, Err: err}
	}

	logging.Debug("s7", "connected to %s (rack %d, slot %d)", address, cfg.rack, cfg.slot)

	return &Client{
		handler:   handler,
		client:    gos7.NewClient(handler),
		address:   address,
		rack:      cfg.rack,
		slot:      cfg.slot,
		timeout:   cfg.timeout,
		connected: true,
	}, nil
}

// Address returns the device network address this client talks to.
func (c *Client) Address() string {
	return c.address
}

// Close releases all resources associated with the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.handler != nil {
		c.handler.Close()
	}
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnect attempts to re-establish the connection.
// Returns nil if already connected.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	if c.handler != nil {
		c.handler.Close()
	}

	address := c.address
	rack := c.rack
	slot := c.slot
	timeout := c.timeout
	c.mu.Unlock()

	handler := gos7.NewTCPClientHandler(address, rack, slot)
	handler.Timeout = timeout
	handler.IdleTimeout = timeout

	if err := handler.Connect(); err != nil {
		return &ProtocolError{Op: "connect", Address: address, Err: err}
	}

	c.mu.Lock()
	c.handler = handler
	c.client = gos7.NewClient(handler)
	c.connected = true
	c.mu.Unlock()

	logging.Debug("s7", "reconnected to %s", address)
	return nil
}

// readBytes reads size bytes from a data block. Caller must hold c.mu.
func (c *Client) readBytes(db, byteOff, size int) ([]byte, error) {
	if !c.connected {
		return nil, &ProtocolError{Op: "read", Address: c.address, Err: ErrNotConnected}
	}
	buf := make([]byte, size)
	if err := c.client.AGReadDB(db, byteOff, size, buf); err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return nil, &ProtocolError{Op: "read", Address: c.address, Err: err}
	}
	return buf, nil
}

// writeBytes writes data to a data block. Caller must hold c.mu.
func (c *Client) writeBytes(db, byteOff int, data []byte) error {
	if !c.connected {
		return &ProtocolError{Op: "write", Address: c.address, Err: ErrNotConnected}
	}
	if err := c.client.AGWriteDB(db, byteOff, len(data), data); err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return &ProtocolError{Op: "write", Address: c.address, Err: err}
	}
	return nil
}

// ReadBool reads a single bit from the byte at (db, byteOff).
func (c *Client) ReadBool(db, byteOff, bit int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, err := c.readBytes(db, byteOff, 1)
	if err != nil {
		return false, err
	}
	return testBit(buf[0], bit), nil
}

// ReadInt reads a 16-bit big-endian signed integer at (db, byteOff).
func (c *Client) ReadInt(db, byteOff int) (int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, err := c.readBytes(db, byteOff, 2)
	if err != nil {
		return 0, err
	}
	return decodeInt16(buf)
}

// ReadReal reads a 32-bit IEEE-754 float at (db, byteOff).
func (c *Client) ReadReal(db, byteOff int) (float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, err := c.readBytes(db, byteOff, 4)
	if err != nil {
		return 0, err
	}
	return decodeReal(buf)
}

// WriteBool writes a single bit at (db, byteOff, bit) with a
// read-modify-write of the containing byte.
func (c *Client) WriteBool(db, byteOff, bit int, v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, err := c.readBytes(db, byteOff, 1)
	if err != nil {
		return err
	}
	buf[0] = setBit(buf[0], bit, v)
	return c.writeBytes(db, byteOff, buf)
}

// WriteInt writes a 16-bit big-endian signed integer at (db, byteOff).
func (c *Client) WriteInt(db, byteOff int, v int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBytes(db, byteOff, encodeInt16(v))
}

// WriteReal writes a 32-bit IEEE-754 float at (db, byteOff).
func (c *Client) WriteReal(db, byteOff int, v float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBytes(db, byteOff, encodeReal(v))
}

// Item describes one entry of a batched read.
type Item struct {
	Key  string
	DB   int
	Byte int
	Bit  int // meaningful only for TypeBool
	Type device.ScalarType
}

// ReadBatch performs one multi-item transport call and decodes each item by
// its declared type. A decode failure for one item does not abort the
// others: that item's key is absent from the result and the failure is
// logged per item. A transport-level failure fails the whole batch.
func (c *Client) ReadBatch(items []Item) (map[string]interface{}, error) {
	if len(items) == 0 {
		return map[string]interface{}{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, &ProtocolError{Op: "read-batch", Address: c.address, Err: ErrNotConnected}
	}

	reqs := make([]gos7.S7DataItem, len(items))
	for i, it := range items {
		size := typeSize(it.Type)
		reqs[i] = gos7.S7DataItem{
			Area:     areaDB,
			WordLen:  wlByte,
			DBNumber: it.DB,
			Start:    it.Byte,
			Amount:   size,
			Data:     make([]byte, size),
		}
	}

	if err := c.client.AGReadMulti(reqs, len(reqs)); err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return nil, &ProtocolError{Op: "read-batch", Address: c.address, Err: err}
	}

	return assembleBatch(items, reqs), nil
}

// assembleBatch decodes every item of a completed multi-item read. Items
// that failed on the device or failed to decode are left out of the result.
func assembleBatch(items []Item, reqs []gos7.S7DataItem) map[string]interface{} {
	values := make(map[string]interface{}, len(items))
	for i, it := range items {
		if reqs[i].Error != "" {
			logging.Debug("s7", "batch item %s (DB%d.%d): %s", it.Key, it.DB, it.Byte, reqs[i].Error)
			continue
		}
		v, err := decodeScalar(it.Type, reqs[i].Data, it.Bit)
		if err != nil {
			logging.Debug("s7", "batch item %s (DB%d.%d): decode: %v", it.Key, it.DB, it.Byte, err)
			continue
		}
		values[it.Key] = v
	}
	return values
}
