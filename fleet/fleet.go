// Package fleet runs a periodic sweep that publishes a fresh report for
// every known device, independent of the per-device polling cadence. It
// gives the back end a consistent full-fleet snapshot at a fixed period.
package fleet

import (
	"context"
	"sync"
	"time"

	"fieldlink/config"
	"fieldlink/device"
	"fieldlink/logging"
	"fieldlink/report"
)

// Publisher publishes outbound payloads. Satisfied by broker.Connection.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Worker sweeps the device directory and publishes one report per device.
type Worker struct {
	dir     device.Directory
	builder *report.Builder
	pub     Publisher
	topic   string
	period  time.Duration

	sweepCount int64
	lastSweep  time.Time
	mu         sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logFn func(format string, args ...interface{})
}

// NewWorker creates a fleet sweep worker.
func NewWorker(dir device.Directory, builder *report.Builder, pub Publisher, topic string, cfg config.FleetConfig) *Worker {
	return &Worker{
		dir:     dir,
		builder: builder,
		pub:     pub,
		topic:   topic,
		period:  cfg.Period,
	}
}

// SetLogFunc sets the logging callback.
func (w *Worker) SetLogFunc(fn func(format string, args ...interface{})) {
	w.mu.Lock()
	w.logFn = fn
	w.mu.Unlock()
}

func (w *Worker) log(format string, args ...interface{}) {
	w.mu.Lock()
	fn := w.logFn
	w.mu.Unlock()
	if fn != nil {
		fn(format, args...)
	}
}

// Start launches the sweep loop. Idempotent.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.ctx != nil {
		w.mu.Unlock()
		return
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	ctx := w.ctx
	w.mu.Unlock()

	w.wg.Add(1)
	go w.sweepLoop(ctx)

	w.log("fleet sweep started, period %v", w.period)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	w.mu.Lock()
	w.ctx = nil
	w.cancel = nil
	w.mu.Unlock()

	w.log("fleet sweep stopped")
}

// Stats returns the number of completed sweeps and the time of the last one.
func (w *Worker) Stats() (sweeps int64, last time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sweepCount, w.lastSweep
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep publishes one report per device. A failing device is logged and
// skipped; it never aborts the rest of the sweep.
func (w *Worker) sweep(ctx context.Context) {
	devices := w.dir.Devices()
	published := 0

	for _, dev := range devices {
		if ctx.Err() != nil {
			return
		}
		rep, err := w.builder.Build("ProductionCount", dev.Code)
		if err != nil {
			logging.Debug("fleet", "sweep %s: %v", dev.Code, err)
			continue
		}
		data, err := rep.Encode()
		if err != nil {
			logging.Debug("fleet", "sweep %s encode: %v", dev.Code, err)
			continue
		}
		w.pub.Publish(w.topic, data)
		published++
	}

	w.mu.Lock()
	w.sweepCount++
	w.lastSweep = time.Now()
	w.mu.Unlock()

	logging.Debug("fleet", "sweep complete: %d/%d devices published", published, len(devices))
}
