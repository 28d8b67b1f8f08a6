// Package valkey persists the latest report and alarm snapshot per device
// in a Valkey/Redis server, so dashboards can read current state without
// subscribing to the broker.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldlink/config"
	"fieldlink/logging"
)

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// AlarmSnapshot is the communication-alarm record stored per device.
type AlarmSnapshot struct {
	EquipmentCode string    `json:"equipmentCode"`
	Active        bool      `json:"active"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store writes last-value state to Valkey. It implements device.Store.
type Store struct {
	cfg     config.ValkeyConfig
	client  *redis.Client
	running bool
	mu      sync.RWMutex
}

// NewStore creates a store. Call Start before saving.
func NewStore(cfg config.ValkeyConfig) *Store {
	return &Store{cfg: cfg}
}

// Start connects to the Valkey server and verifies it with a ping.
func (s *Store) Start() error {
	s.mu.RLock()
	if s.running {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	opts := &redis.Options{
		Addr:         s.cfg.Address,
		Username:     s.cfg.Username,
		Password:     s.cfg.Password,
		DB:           s.cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if s.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Connect and ping without holding the lock.
	client := redis.NewClient(opts)

	logging.Debug("valkey", "connecting to %s (db %d, tls %v)",
		s.cfg.Address, s.cfg.DB, s.cfg.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to valkey at %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		client.Close()
		return nil
	}
	s.client = client
	s.running = true

	logging.Debug("valkey", "connected to %s", s.cfg.Address)
	return nil
}

// Stop disconnects from the server.
func (s *Store) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the store is connected.
func (s *Store) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server address in URL form.
func (s *Store) Address() string {
	scheme := "redis"
	if s.cfg.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, s.cfg.Address)
}

// ReportKey returns the Valkey key holding a device's latest report.
func (s *Store) ReportKey(code string) string {
	return joinKey(s.cfg.KeyPrefix, "eq", code, "report")
}

// AlarmKey returns the Valkey key holding a device's alarm snapshot.
func (s *Store) AlarmKey(code string) string {
	return joinKey(s.cfg.KeyPrefix, "eq", code, "alarm")
}

// SaveReport stores the latest report payload for a device. A write to a
// disconnected store is a silent no-op, matching the optional nature of
// the last-value cache.
func (s *Store) SaveReport(code string, payload []byte) error {
	client := s.liveClient()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, s.ReportKey(code), payload, 0).Err(); err != nil {
		return fmt.Errorf("valkey save report %s: %w", code, err)
	}
	return nil
}

// SaveAlarm stores the communication-alarm state for a device.
func (s *Store) SaveAlarm(code string, active bool) error {
	client := s.liveClient()
	if client == nil {
		return nil
	}

	snap := AlarmSnapshot{
		EquipmentCode: code,
		Active:        active,
		Timestamp:     time.Now().UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("valkey marshal alarm %s: %w", code, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, s.AlarmKey(code), data, 0).Err(); err != nil {
		return fmt.Errorf("valkey save alarm %s: %w", code, err)
	}
	return nil
}

func (s *Store) liveClient() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil
	}
	return s.client
}
