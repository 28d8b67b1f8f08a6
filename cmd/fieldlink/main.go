// Fieldlink - factory floor gateway
//
// Bridges S7-addressed counting devices to an MQTT back end: polls
// production counters on per-device cycles, answers on-demand count
// requests, and raises a communication alarm on devices that go silent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldlink/broker"
	"fieldlink/config"
	"fieldlink/device"
	"fieldlink/fleet"
	"fieldlink/kafka"
	"fieldlink/liveness"
	"fieldlink/logging"
	"fieldlink/pool"
	"fieldlink/report"
	"fieldlink/router"
	"fieldlink/scheduler"
	"fieldlink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (comma-separated subsystems or 'all')")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("fieldlink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Optional file logging; stdout otherwise
	var fileLogger *logging.FileLogger
	if *logFile != "" {
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer fileLogger.Close()
	}
	makeLog := func(prefix string) func(format string, args ...interface{}) {
		if fileLogger != nil {
			return fileLogger.Prefixed(prefix)
		}
		return func(format string, args ...interface{}) {
			fmt.Printf("["+prefix+"] "+format+"\n", args...)
		}
	}
	logFn := makeLog("main")

	// Optional debug logging
	if *logDebug != "" {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		debugLogger.SetFilter(*logDebug)
		logging.SetGlobalDebugLogger(debugLogger)
		defer debugLogger.Close()
	}

	// Device directory, seeded from the static catalog
	registry := device.NewRegistry()
	if err := registry.LoadFromConfig(cfg.Devices); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading device catalog: %v\n", err)
		os.Exit(1)
	}

	// Field-protocol connection pool
	connPool := pool.New(cfg.S7, cfg.Pool)
	connPool.SetLogFunc(makeLog("pool"))

	// Report builder over the pool
	builder := report.NewBuilder(registry, connPool)

	// Liveness monitor
	monitor := liveness.NewMonitor(registry, connPool, cfg.Liveness)
	monitor.SetLogFunc(makeLog("liveness"))

	// Per-device poll scheduler
	sched := scheduler.New()
	sched.SetLogFunc(makeLog("sched"))

	// Broker connection with the message router as handler
	r := router.New()
	r.SetLogFunc(makeLog("router"))
	conn := broker.NewConnection(&cfg.Broker, r.Dispatch)
	conn.SetLogFunc(makeLog("mqtt"))

	// Optional Kafka telemetry mirror
	var mirror *kafka.Mirror
	if cfg.Kafka.Enabled {
		mirror = kafka.NewMirror(cfg.Kafka)
		if err := mirror.Connect(); err != nil {
			logFn("Warning: kafka mirror unavailable: %v", err)
		}
	}
	pub := outboundPublisher(conn, mirror)

	gateway := router.NewGateway(registry, sched, monitor, builder, pub, cfg.Broker.OutboundTopic)
	gateway.SetLogFunc(makeLog("router"))
	gateway.Register(r)

	// Optional last-value store
	var store *valkey.Store
	if cfg.Valkey.Enabled {
		store = valkey.NewStore(cfg.Valkey)
		if err := store.Start(); err != nil {
			logFn("Warning: valkey store unavailable: %v", err)
		} else {
			gateway.SetStore(store)
			monitor.SetStore(store)
		}
	}

	// Optional full-fleet sweep worker
	var sweeper *fleet.Worker
	if cfg.Fleet.Enabled {
		sweeper = fleet.NewWorker(registry, builder, pub, cfg.Broker.OutboundTopic, cfg.Fleet)
		sweeper.SetLogFunc(makeLog("fleet"))
	}

	// Start everything
	conn.Connect()
	monitor.Start()
	gateway.ScheduleAll()
	if sweeper != nil {
		sweeper.Start()
	}

	logFn("fieldlink %s running, %d devices", Version, len(cfg.Devices))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logFn("Received %v, shutting down", sig)

	// Ordered shutdown: stop producing work before tearing down transports.
	if sweeper != nil {
		sweeper.Stop()
	}
	monitor.Stop()
	sched.CancelAll()
	conn.Shutdown()
	connPool.DisconnectAll()
	if mirror != nil {
		mirror.Close()
	}
	if store != nil {
		store.Stop()
	}

	logFn("shutdown complete")
}

// outboundPublisher returns the broker publisher, teeing every payload to
// the Kafka mirror when one is connected.
func outboundPublisher(conn *broker.Connection, mirror *kafka.Mirror) router.Publisher {
	if mirror == nil {
		return conn
	}
	return &teePublisher{conn: conn, mirror: mirror}
}

type teePublisher struct {
	conn   *broker.Connection
	mirror *kafka.Mirror
}

func (t *teePublisher) Publish(topic string, payload []byte) {
	t.conn.Publish(topic, payload)
	if t.mirror.Status() != kafka.StatusConnected {
		return
	}

	// Key by equipment code so a device's reports land on one partition.
	var head struct {
		EquipmentCode string `json:"equipmentCode"`
	}
	_ = json.Unmarshal(payload, &head)
	key := head.EquipmentCode
	if key == "" {
		key = topic
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.mirror.Publish(ctx, key, payload); err != nil {
			logging.Debug("kafka", "mirror publish: %v", err)
		}
	}()
}
