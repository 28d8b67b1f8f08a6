package router

import (
	"encoding/json"
	"time"

	"fieldlink/device"
	"fieldlink/liveness"
	"fieldlink/logging"
	"fieldlink/report"
	"fieldlink/scheduler"
)

// Message type names on the inbound topic. Responses reuse the inbound
// name with a "Response" suffix.
const (
	TypeReceived        = "Received"
	TypeConfiguration   = "Configuration"
	TypeProductionCount = "ProductionCount"
)

// Publisher publishes outbound payloads. Satisfied by broker.Connection.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Gateway wires the inbound message types to the monitoring and
// scheduling core.
type Gateway struct {
	registry *device.Registry
	sched    *scheduler.Scheduler
	monitor  *liveness.Monitor
	builder  *report.Builder
	pub      Publisher
	store    device.Store // optional
	outTopic string

	logFn func(format string, args ...interface{})
}

// NewGateway creates the handler set.
func NewGateway(registry *device.Registry, sched *scheduler.Scheduler, monitor *liveness.Monitor, builder *report.Builder, pub Publisher, outTopic string) *Gateway {
	return &Gateway{
		registry: registry,
		sched:    sched,
		monitor:  monitor,
		builder:  builder,
		pub:      pub,
		outTopic: outTopic,
	}
}

// SetStore sets the optional persistence collaborator for reports.
func (g *Gateway) SetStore(s device.Store) {
	g.store = s
}

// SetLogFunc sets the logging callback.
func (g *Gateway) SetLogFunc(fn func(format string, args ...interface{})) {
	g.logFn = fn
}

func (g *Gateway) log(format string, args ...interface{}) {
	if g.logFn != nil {
		g.logFn(format, args...)
	}
}

// Register binds the gateway's handlers to a router.
func (g *Gateway) Register(r *Router) {
	r.Handle(TypeReceived, g.handleReceived)
	r.Handle(TypeConfiguration, g.handleConfiguration)
	r.Handle(TypeProductionCount, g.handleProductionCount)
}

// ScheduleAll starts the recurring poll for every device currently in the
// directory. Called once at startup.
func (g *Gateway) ScheduleAll() {
	for _, dev := range g.registry.Devices() {
		if dev.Cycle <= 0 {
			g.log("device %s has no polling cycle, not scheduling", dev.Code)
			continue
		}
		g.sched.Schedule(scheduler.TaskID(dev.Code), dev, g.pollDevice,
			scheduler.TaskContext{Topic: g.outTopic})
	}
}

// pollDevice is the per-device scheduled action: read the device and
// publish a production-count report.
func (g *Gateway) pollDevice(tctx scheduler.TaskContext, dev *device.Device) error {
	rep, err := g.builder.Build(TypeProductionCount, dev.Code)
	if err != nil {
		return err
	}
	data, err := rep.Encode()
	if err != nil {
		return err
	}
	g.pub.Publish(tctx.Topic, data)
	g.saveReport(dev.Code, data)
	return nil
}

func (g *Gateway) saveReport(code string, data []byte) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveReport(code, data); err != nil {
		logging.Debug("router", "save report %s: %v", code, err)
	}
}

// handleReceived feeds the liveness monitor with a device-alive signal.
func (g *Gateway) handleReceived(env Envelope, payload []byte) {
	if env.EquipmentCode == "" {
		g.log("Received message without equipmentCode dropped")
		return
	}
	g.monitor.Heartbeat(env.EquipmentCode)
}

// configurationMessage carries a device create/update from the back end.
// Cycle is expressed in seconds on the wire.
type configurationMessage struct {
	EquipmentCode       string `json:"equipmentCode"`
	Address             string `json:"address"`
	Cycle               int    `json:"cycle"`
	EquipmentStatus     int    `json:"equipmentStatus"`
	ProductionOrderCode string `json:"productionOrderCode"`
}

// handleConfiguration updates the device directory and (re)schedules the
// device's poll under the new cadence.
func (g *Gateway) handleConfiguration(env Envelope, payload []byte) {
	var msg configurationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		g.log("malformed Configuration message: %v", err)
		return
	}
	if msg.EquipmentCode == "" {
		g.log("Configuration message without equipmentCode dropped")
		return
	}
	if msg.Cycle <= 0 {
		g.log("Configuration for %s rejected: cycle must be positive, got %d", msg.EquipmentCode, msg.Cycle)
		return
	}

	cycle := time.Duration(msg.Cycle) * time.Second

	existing, err := g.registry.Device(msg.EquipmentCode)

	dev := &device.Device{
		Code:            msg.EquipmentCode,
		Address:         msg.Address,
		Cycle:           cycle,
		Status:          msg.EquipmentStatus,
		ProductionOrder: msg.ProductionOrderCode,
	}
	if err == nil && msg.Address == "" {
		dev.Address = existing.Address
	}
	g.registry.Upsert(dev, nil)

	id := scheduler.TaskID(msg.EquipmentCode)
	if err == nil && g.sched.UpdateInterval(id, cycle) {
		g.log("device %s polling cycle updated to %v", msg.EquipmentCode, cycle)
	} else {
		g.sched.Schedule(id, dev, g.pollDevice, scheduler.TaskContext{Topic: g.outTopic})
		g.log("device %s scheduled every %v", msg.EquipmentCode, cycle)
	}

	g.respond(TypeConfiguration, msg.EquipmentCode)
}

// handleProductionCount answers an on-demand count request with a fresh
// read. It runs synchronously on the delivery goroutine; per-device
// contention is low enough that the head-of-line risk is accepted.
func (g *Gateway) handleProductionCount(env Envelope, payload []byte) {
	if env.EquipmentCode == "" {
		g.log("ProductionCount message without equipmentCode dropped")
		return
	}

	rep, err := g.builder.Build(TypeProductionCount+"Response", env.EquipmentCode)
	if err != nil {
		g.log("production count for %s failed: %v", env.EquipmentCode, err)
		return
	}
	data, err := rep.Encode()
	if err != nil {
		g.log("encode report for %s: %v", env.EquipmentCode, err)
		return
	}
	g.pub.Publish(g.outTopic, data)
	g.saveReport(env.EquipmentCode, data)
}

// respond publishes a minimal acknowledgement envelope.
func (g *Gateway) respond(inboundType, code string) {
	ack := map[string]string{
		"jsonType":      inboundType + "Response",
		"equipmentCode": code,
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	g.pub.Publish(g.outTopic, data)
}
