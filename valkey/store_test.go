package valkey

import (
	"encoding/json"
	"testing"
	"time"

	"fieldlink/config"
)

func TestJoinKey(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		want     string
	}{
		{"normal", []string{"fieldlink", "eq", "EQ-1", "report"}, "fieldlink:eq:EQ-1:report"},
		{"empty prefix skipped", []string{"", "eq", "EQ-1", "alarm"}, "eq:EQ-1:alarm"},
		{"leading colons trimmed", []string{":fieldlink:", "eq", "EQ-1"}, "fieldlink:eq:EQ-1"},
		{"all empty", []string{"", ""}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := joinKey(tt.segments...); got != tt.want {
				t.Errorf("joinKey(%v) = %q, want %q", tt.segments, got, tt.want)
			}
		})
	}
}

func TestStoreKeys(t *testing.T) {
	s := NewStore(config.ValkeyConfig{KeyPrefix: "plant7"})

	if got := s.ReportKey("EQ-1"); got != "plant7:eq:EQ-1:report" {
		t.Errorf("ReportKey = %q", got)
	}
	if got := s.AlarmKey("EQ-1"); got != "plant7:eq:EQ-1:alarm" {
		t.Errorf("AlarmKey = %q", got)
	}
}

func TestAlarmSnapshotStructure(t *testing.T) {
	snap := AlarmSnapshot{
		EquipmentCode: "EQ-1",
		Active:        true,
		Timestamp:     time.Now().UTC(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	for _, field := range []string{"equipmentCode", "active", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing field: %s", field)
		}
	}
}

func TestSaveWhileDisconnectedIsNoOp(t *testing.T) {
	s := NewStore(config.ValkeyConfig{Address: "127.0.0.1:6379"})

	if err := s.SaveReport("EQ-1", []byte(`{}`)); err != nil {
		t.Errorf("SaveReport on disconnected store: %v", err)
	}
	if err := s.SaveAlarm("EQ-1", true); err != nil {
		t.Errorf("SaveAlarm on disconnected store: %v", err)
	}
}

func TestAddressScheme(t *testing.T) {
	plain := NewStore(config.ValkeyConfig{Address: "valkey.local:6379"})
	if got := plain.Address(); got != "redis://valkey.local:6379" {
		t.Errorf("Address = %q", got)
	}

	secure := NewStore(config.ValkeyConfig{Address: "valkey.local:6380", UseTLS: true})
	if got := secure.Address(); got != "rediss://valkey.local:6380" {
		t.Errorf("TLS address = %q", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := NewStore(config.ValkeyConfig{})
	if err := s.Stop(); err != nil {
		t.Errorf("Stop without Start: %v", err)
	}
	if s.IsRunning() {
		t.Error("store should not report running")
	}
}
