package pool

import (
	"errors"
	"testing"
	"time"

	"fieldlink/config"
	"fieldlink/s7"
)

func testPool() *Pool {
	return New(
		config.S7Config{Rack: 0, Slot: 0, Timeout: 100 * time.Millisecond},
		config.PoolConfig{RetryDelay: 10 * time.Millisecond},
	)
}

func TestGetAfterShutdown(t *testing.T) {
	p := testPool()
	p.DisconnectAll()

	_, err := p.Get("127.0.0.1:1")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestGetUnblocksOnShutdown(t *testing.T) {
	p := testPool()

	// Nothing listens on port 1, so Get keeps retrying until shutdown.
	done := make(chan error, 1)
	go func() {
		_, err := p.Get("127.0.0.1:1")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.DisconnectAll()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not unblock after DisconnectAll")
	}
}

func TestWriteBoolDroppedWhenUnreachable(t *testing.T) {
	p := testPool()
	defer p.DisconnectAll()

	err := p.WriteBool("10.0.0.99", 8, 8, 0, true)
	if err == nil {
		t.Fatal("expected error writing to unreachable device")
	}
	if !errors.Is(err, s7.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectAllIdempotent(t *testing.T) {
	p := testPool()
	p.DisconnectAll()
	p.DisconnectAll() // second call is a no-op
}

func TestSetLogFunc(t *testing.T) {
	p := testPool()
	defer p.DisconnectAll()

	var got string
	p.SetLogFunc(func(format string, args ...interface{}) {
		got = format
	})
	p.log("hello %s", "world")

	if got != "hello %s" {
		t.Errorf("log callback not invoked, got %q", got)
	}
}
