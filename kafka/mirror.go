// Package kafka mirrors outbound device reports to a Kafka topic for
// downstream analytics, alongside the primary broker path.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"fieldlink/config"
	"fieldlink/logging"
)

// ConnectionStatus represents the state of the Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Mirror forwards report payloads to a Kafka topic, keyed by equipment
// code so per-device ordering is preserved within a partition.
type Mirror struct {
	cfg     config.KafkaConfig
	writer  *kafka.Writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewMirror creates a mirror. Call Connect before publishing.
func NewMirror(cfg config.KafkaConfig) *Mirror {
	return &Mirror{
		cfg:    cfg,
		status: StatusDisconnected,
	}
}

// Status returns the current connection status.
func (m *Mirror) Status() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastError returns the most recent publish or connect error.
func (m *Mirror) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Stats returns mirror counters.
func (m *Mirror) Stats() (sent, errors int64, lastSend time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messagesSent, m.messagesError, m.lastSendTime
}

// Connect verifies broker reachability and builds the topic writer.
func (m *Mirror) Connect() error {
	m.mu.Lock()
	m.status = StatusConnecting
	m.lastErr = nil
	brokers := m.cfg.Brokers
	m.mu.Unlock()

	logging.Debug("kafka", "connecting to brokers %v", brokers)

	if len(brokers) == 0 {
		err := fmt.Errorf("no kafka brokers configured")
		m.mu.Lock()
		m.status = StatusError
		m.lastErr = err
		m.mu.Unlock()
		return err
	}

	dialer := m.createDialer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		m.mu.Lock()
		m.status = StatusError
		m.lastErr = fmt.Errorf("failed to connect: %w", err)
		m.mu.Unlock()
		logging.Debug("kafka", "connect failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.Close()

	m.mu.Lock()
	m.writer = m.createWriter()
	m.status = StatusConnected
	m.mu.Unlock()

	logging.Debug("kafka", "connected, mirroring to topic %s", m.cfg.Topic)
	return nil
}

// Close shuts the writer down and disconnects.
func (m *Mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		m.writer.Close()
		m.writer = nil
	}
	m.status = StatusDisconnected
	m.lastErr = nil
	logging.Debug("kafka", "disconnected")
}

// Publish mirrors one report payload, keyed by equipment code. Synchronous;
// delivery retries are handled by the writer.
func (m *Mirror) Publish(ctx context.Context, code string, payload []byte) error {
	m.mu.RLock()
	writer := m.writer
	status := m.status
	m.mu.RUnlock()

	if status != StatusConnected || writer == nil {
		return fmt.Errorf("kafka mirror not connected")
	}

	start := time.Now()
	err := writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(code),
		Value: payload,
		Time:  time.Now(),
	})

	if err != nil {
		m.mu.Lock()
		m.messagesError++
		m.lastErr = err
		m.mu.Unlock()
		logging.Debug("kafka", "mirror %s failed after %v: %v", code, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	m.mu.Lock()
	m.messagesSent++
	m.lastSendTime = time.Now()
	m.lastErr = nil
	m.mu.Unlock()

	if d := time.Since(start); d > 100*time.Millisecond {
		logging.Debug("kafka", "mirror %s took %v", code, d)
	}
	return nil
}

func (m *Mirror) createWriter() *kafka.Writer {
	return &kafka.Writer{
		Addr:      kafka.TCP(m.cfg.Brokers...),
		Topic:     m.cfg.Topic,
		Balancer:  &kafka.LeastBytes{},
		Transport: m.createTransport(),

		RequiredAcks: kafka.RequiredAcks(m.cfg.RequiredAcks),
		Async:        false,
		MaxAttempts:  m.cfg.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}
}

func (m *Mirror) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if m.cfg.UseTLS {
		dialer.TLS = m.cfg.TLSConfig()
	}
	if mechanism := m.saslMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

func (m *Mirror) createTransport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
	}
	if m.cfg.UseTLS {
		transport.TLS = m.cfg.TLSConfig()
	}
	if mechanism := m.saslMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

func (m *Mirror) saslMechanism() sasl.Mechanism {
	if m.cfg.Username == "" {
		return nil
	}

	switch m.cfg.SASLMechanism {
	case "plain":
		return plain.Mechanism{
			Username: m.cfg.Username,
			Password: m.cfg.Password,
		}
	case "scram-sha-256":
		mechanism, _ := scram.Mechanism(scram.SHA256, m.cfg.Username, m.cfg.Password)
		return mechanism
	case "scram-sha-512":
		mechanism, _ := scram.Mechanism(scram.SHA512, m.cfg.Username, m.cfg.Password)
		return mechanism
	default:
		return nil
	}
}
