// Package liveness detects devices that have gone silent and raises a
// communication alarm on the device itself.
//
// A device is considered unresponsive when no heartbeat has arrived for
// more than 3x its polling cycle plus a grace period. The sweep only ever
// raises the alarm; it is cleared exclusively by a heartbeat arriving.
package liveness

import (
	"sync"
	"time"

	"fieldlink/config"
	"fieldlink/device"
	"fieldlink/logging"
)

// BitWriter writes a single bit on a device. Satisfied by pool.Pool.
type BitWriter interface {
	WriteBool(address string, db, byteOff, bit int, v bool) error
}

// record tracks one device's liveness state.
type record struct {
	lastSeen    time.Time
	cycle       time.Duration // last-known cycle, for drift detection
	alarm       bool
	alarmSynced bool // last alarm write reached the device
}

// Monitor owns last-seen timestamps and the per-device alarm state machine.
type Monitor struct {
	mu      sync.Mutex
	records map[string]*record

	dir    device.Directory
	writer BitWriter
	store  device.Store // optional

	coord  config.AlarmCoordinate
	grace  time.Duration
	period time.Duration

	now func() time.Time

	stop chan struct{}
	done chan struct{}

	logFn func(format string, args ...interface{})
}

// NewMonitor creates a monitor. The writer is the connection pool the alarm
// flag is written through; the directory supplies the fleet to sweep.
func NewMonitor(dir device.Directory, writer BitWriter, cfg config.LivenessConfig) *Monitor {
	return &Monitor{
		records: make(map[string]*record),
		dir:     dir,
		writer:  writer,
		coord:   cfg.Alarm,
		grace:   cfg.Grace,
		period:  cfg.SweepPeriod,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetStore sets the optional persistence collaborator for alarm snapshots.
func (m *Monitor) SetStore(s device.Store) {
	m.mu.Lock()
	m.store = s
	m.mu.Unlock()
}

// SetLogFunc sets the logging callback.
func (m *Monitor) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	m.mu.Unlock()
}

func (m *Monitor) log(format string, args ...interface{}) {
	m.mu.Lock()
	fn := m.logFn
	m.mu.Unlock()
	if fn != nil {
		fn(format, args...)
	}
}

// timeoutFor is the elapsed-time threshold past which a device is
// considered unresponsive.
func timeoutFor(cycle, grace time.Duration) time.Duration {
	return 3*cycle + grace
}

// Heartbeat records a "device alive" signal. Cheap and idempotent: it is
// called on every inbound message from the device's supervisory link. If
// the device was in alarm, the flag is cleared and written back exactly
// once per transition.
func (m *Monitor) Heartbeat(code string) {
	m.mu.Lock()
	r, ok := m.records[code]
	if !ok {
		r = &record{}
		m.records[code] = r
	}
	wasAlarm := r.alarm
	r.alarm = false
	r.alarmSynced = false
	r.lastSeen = m.now()
	store := m.store
	m.mu.Unlock()

	if !wasAlarm {
		return
	}

	m.log("device %s alive again, clearing communication alarm", code)
	m.writeAlarm(code, false)
	if store != nil {
		if err := store.SaveAlarm(code, false); err != nil {
			logging.Debug("liveness", "store alarm %s: %v", code, err)
		}
	}
}

// InAlarm reports whether a device is currently in communication alarm.
func (m *Monitor) InAlarm(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[code]
	return ok && r.alarm
}

// Start launches the sweep worker.
func (m *Monitor) Start() {
	go m.sweepLoop()
}

// Stop terminates the sweep worker and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep checks every device known to the directory against its timeout.
// The timeout derives from the device's current cycle, so a live cadence
// change takes effect on the next tick.
func (m *Monitor) sweep() {
	for _, dev := range m.dir.Devices() {
		m.sweepDevice(dev)
	}
}

func (m *Monitor) sweepDevice(dev *device.Device) {
	now := m.now()

	m.mu.Lock()
	r, ok := m.records[dev.Code]
	if !ok {
		// First contact: give the device a full timeout window before
		// alarming, instead of alarming a device never heard from.
		m.records[dev.Code] = &record{lastSeen: now, cycle: dev.Cycle}
		m.mu.Unlock()
		logging.Debug("liveness", "tracking device %s (cycle %v)", dev.Code, dev.Cycle)
		return
	}

	if r.cycle != dev.Cycle {
		logging.Debug("liveness", "device %s cycle changed %v -> %v", dev.Code, r.cycle, dev.Cycle)
		r.cycle = dev.Cycle
	}

	elapsed := now.Sub(r.lastSeen)
	limit := timeoutFor(dev.Cycle, m.grace)

	if elapsed <= limit {
		m.mu.Unlock()
		return
	}

	if r.alarm {
		// Already in alarm. If the last write never reached the device,
		// retry it on this tick.
		retry := !r.alarmSynced
		m.mu.Unlock()
		if retry {
			m.writeAlarm(dev.Code, true)
		}
		return
	}

	r.alarm = true
	r.alarmSynced = false
	store := m.store
	m.mu.Unlock()

	m.log("device %s silent for %v (limit %v), raising communication alarm", dev.Code, elapsed.Round(time.Second), limit)
	m.writeAlarm(dev.Code, true)
	if store != nil {
		if err := store.SaveAlarm(dev.Code, true); err != nil {
			logging.Debug("liveness", "store alarm %s: %v", dev.Code, err)
		}
	}
}

// writeAlarm writes the alarm flag to the device at the well-known
// coordinate. A failed write does not revert the in-memory state: the
// state machine models "alarm condition detected", the write is
// best-effort notification to the controller.
func (m *Monitor) writeAlarm(code string, active bool) {
	dev, err := m.dir.Device(code)
	if err != nil {
		m.log("alarm write for unknown device %s: %v", code, err)
		return
	}

	err = m.writer.WriteBool(dev.Address, m.coord.DB, m.coord.Byte, m.coord.Bit, active)

	m.mu.Lock()
	if r, ok := m.records[code]; ok && r.alarm == active {
		r.alarmSynced = err == nil
	}
	m.mu.Unlock()

	if err != nil {
		m.log("alarm write to %s (%s) failed: %v", code, dev.Address, err)
	}
}
