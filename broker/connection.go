// Package broker owns the gateway's connection to the MQTT message bus.
//
// The connection runs an explicit lifecycle state machine instead of paho's
// built-in retry: Disconnected -> Connecting -> Connected, Connected ->
// Reconnecting on unexpected disconnect, Reconnecting -> Connected on a
// successful reconnect, and any state -> Disconnected on explicit shutdown.
package broker

import (
	"crypto/tls"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"fieldlink/config"
	"fieldlink/logging"
)

// State is the broker connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

const connectWait = 5 * time.Second

// MessageHandler receives every inbound message from the subscribed topic.
// It runs on paho's single delivery goroutine: handlers must not block on
// slow I/O.
type MessageHandler func(topic string, payload []byte)

// Connection manages one connection to the message bus.
type Connection struct {
	cfg     *config.BrokerConfig
	handler MessageHandler
	client  pahomqtt.Client

	mu           sync.Mutex
	state        State
	reconnecting bool // reconnect loop running
	stopLoop     chan struct{}
	loopDone     chan struct{}
	stopped      bool

	logFn func(format string, args ...interface{})
}

// NewConnection creates a broker connection. The handler is subscribed to
// the configured inbound topic once connected.
func NewConnection(cfg *config.BrokerConfig, handler MessageHandler) *Connection {
	return &Connection{
		cfg:     cfg,
		handler: handler,
		state:   StateDisconnected,
	}
}

// SetLogFunc sets the logging callback.
func (c *Connection) SetLogFunc(fn func(format string, args ...interface{})) {
	c.mu.Lock()
	c.logFn = fn
	c.mu.Unlock()
}

func (c *Connection) log(format string, args ...interface{}) {
	c.mu.Lock()
	fn := c.logFn
	c.mu.Unlock()
	if fn != nil {
		fn(format, args...)
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		logging.Debug("mqtt", "state %s -> %s", old, s)
	}
}

// buildClient creates the paho client with automatic reconnection disabled:
// recovery is owned by this package's reconnect loop.
func (c *Connection) buildClient() pahomqtt.Client {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL())
	opts.SetClientID(c.cfg.ClientID)

	if c.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.onDisconnect(err)
	})

	return pahomqtt.NewClient(opts)
}

// Connect makes one synchronous connect attempt. On failure it transitions
// to Reconnecting and starts the background reconnect loop; the failure is
// never returned to the caller, because broker unavailability is not fatal.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.client == nil {
		c.client = c.buildClient()
	}
	client := c.client
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.log("connecting to broker %s", c.cfg.BrokerURL())

	c.onConnectResult(waitConnect(client.Connect()))
}

var errTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "connection timeout" }

// waitConnect waits for a connect token and returns its error. An expired
// wait has no token error, so the timeout sentinel is substituted to keep
// the failure logs meaningful.
func waitConnect(token pahomqtt.Token) error {
	if !token.WaitTimeout(connectWait) {
		return errTimeout
	}
	return token.Error()
}

// onConnectResult applies the state machine's connect-result transition:
// success stops any running reconnect loop and (re)subscribes the inbound
// topic exactly once; failure starts the reconnect loop.
func (c *Connection) onConnectResult(err error) {
	if err != nil {
		c.log("broker connect failed: %v", err)
		c.setState(StateReconnecting)
		c.startReconnectLoop()
		return
	}

	c.setState(StateConnected)
	c.log("connected to broker %s", c.cfg.BrokerURL())
	c.subscribe()
}

// onDisconnect handles an unexpected connection loss. Paho invokes this
// only for unclean disconnects; an explicit Shutdown never re-enters the
// reconnect loop.
func (c *Connection) onDisconnect(err error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	c.log("broker connection lost: %v", err)
	c.setState(StateReconnecting)
	c.startReconnectLoop()
}

// startReconnectLoop launches the single background reconnect worker.
// Starting while one is already running is a logged no-op.
func (c *Connection) startReconnectLoop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.reconnecting {
		c.mu.Unlock()
		logging.Debug("mqtt", "reconnect loop already running")
		return
	}
	c.reconnecting = true
	c.stopLoop = make(chan struct{})
	c.loopDone = make(chan struct{})
	stop, done := c.stopLoop, c.loopDone
	client := c.client
	c.mu.Unlock()

	go c.reconnectLoop(client, stop, done)
}

// reconnectLoop retries the connection with multiplicative backoff until it
// succeeds or an explicit stop is requested. On success it performs the
// post-connect subscription exactly once and terminates itself.
func (c *Connection) reconnectLoop(client pahomqtt.Client, stop, done chan struct{}) {
	defer close(done)

	delay := c.cfg.InitialDelay
	for {
		select {
		case <-stop:
			return
		default:
		}

		logging.Debug("mqtt", "reconnect attempt")
		err := waitConnect(client.Connect())
		if err == nil {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()

			c.setState(StateConnected)
			c.log("reconnected to broker %s", c.cfg.BrokerURL())
			c.subscribe()
			return
		}
		c.log("broker reconnect failed: %v (next attempt in %v)", err, delay)

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay, c.cfg.Rate, c.cfg.MaxDelay)
	}
}

// nextDelay computes the next backoff delay: current multiplied by rate,
// capped at max.
func nextDelay(cur time.Duration, rate float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * rate)
	if next > max {
		next = max
	}
	return next
}

// subscribe subscribes the inbound topic at QoS 1 (at-least-once).
func (c *Connection) subscribe() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	token := client.Subscribe(c.cfg.InboundTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectWait) || token.Error() != nil {
		c.log("subscribe %s failed: %v", c.cfg.InboundTopic, token.Error())
		return
	}
	c.log("subscribed to %s", c.cfg.InboundTopic)
}

// Publish sends a payload at QoS 1, fire-and-forget. Failures are logged
// and never raised: publishing is best-effort telemetry.
func (c *Connection) Publish(topic string, payload []byte) {
	c.mu.Lock()
	client := c.client
	state := c.state
	c.mu.Unlock()

	if client == nil || state != StateConnected {
		logging.Debug("mqtt", "publish to %s dropped: %s", topic, state)
		return
	}

	token := client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(connectWait) || token.Error() != nil {
			c.log("publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// Shutdown stops the reconnect loop, waits for it, then disconnects.
// Idempotent; the connection cannot be reused afterwards.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	var stop, done chan struct{}
	if c.reconnecting {
		stop, done = c.stopLoop, c.loopDone
		c.reconnecting = false
	}
	client := c.client
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if client != nil && client.IsConnected() {
		client.Disconnect(500)
	}
	c.setState(StateDisconnected)
	c.log("broker connection shut down")
}
