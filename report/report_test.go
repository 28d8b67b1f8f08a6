package report

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fieldlink/device"
	"fieldlink/s7"
)

func testVars() []device.Variable {
	return []device.Variable{
		{Key: "status", DB: 1, Byte: 0, Type: device.TypeInt, Direction: device.DirRead, Category: device.CatEquipment},
		{Key: "activeTime", DB: 1, Byte: 2, Type: device.TypeInt, Direction: device.DirRead, Category: device.CatEquipment},
		{Key: "jam", DB: 2, Byte: 0, Bit: 0, Type: device.TypeBool, Direction: device.DirRead, Category: device.CatAlarm},
		{Key: "overheat", DB: 2, Byte: 0, Bit: 1, Type: device.TypeBool, Direction: device.DirRead, Category: device.CatAlarm},
		{Key: "OUT1", DB: 3, Byte: 0, Type: device.TypeInt, Direction: device.DirRead, Category: device.CatOutput},
		{Key: "OUT2", DB: 3, Byte: 2, Type: device.TypeInt, Direction: device.DirRead, Category: device.CatOutput},
		{Key: "reset", DB: 4, Byte: 0, Bit: 0, Type: device.TypeBool, Direction: device.DirWrite},
	}
}

func testDev() *device.Device {
	return &device.Device{
		Code:            "EQ1",
		Address:         "10.0.0.5",
		Cycle:           10 * time.Second,
		Status:          1,
		ProductionOrder: "PO-7",
	}
}

func TestItemsFiltersWriteVariables(t *testing.T) {
	items := Items(testVars())

	if len(items) != 6 {
		t.Fatalf("expected 6 readable items, got %d", len(items))
	}
	for _, it := range items {
		if it.Key == "reset" {
			t.Error("write-direction variable included in read batch")
		}
	}
	// Declaration order preserved
	if items[0].Key != "status" || items[5].Key != "OUT2" {
		t.Errorf("item order not preserved: %v", items)
	}
}

func TestAssemble(t *testing.T) {
	values := map[string]interface{}{
		"status":     int16(2),
		"activeTime": int16(480),
		"jam":        true,
		"overheat":   false,
		"OUT1":       int16(1250),
		"OUT2":       int16(300),
	}

	r := Assemble("ProductionCount", testDev(), testVars(), values)

	if r.JSONType != "ProductionCount" {
		t.Errorf("jsonType = %q", r.JSONType)
	}
	if r.EquipmentCode != "EQ1" || r.ProductionOrderCode != "PO-7" {
		t.Errorf("identity fields wrong: %+v", r)
	}
	if r.EquipmentStatus != 2 {
		t.Errorf("equipmentStatus = %d, want 2", r.EquipmentStatus)
	}
	if r.ActiveTime != 480 {
		t.Errorf("activeTime = %d, want 480", r.ActiveTime)
	}
	if len(r.Alarms) != 2 || r.Alarms[0] != 1 || r.Alarms[1] != 0 {
		t.Errorf("alarms = %v, want [1 0]", r.Alarms)
	}
	if len(r.Counters) != 2 {
		t.Fatalf("counters = %v", r.Counters)
	}
	if r.Counters[0] != (Counter{OutputCode: "OUT1", Value: 1250}) {
		t.Errorf("counter[0] = %+v", r.Counters[0])
	}
}

func TestAssembleSkipsAbsentValues(t *testing.T) {
	// overheat and OUT2 failed to decode: present variables still report.
	values := map[string]interface{}{
		"status": int16(1),
		"jam":    false,
		"OUT1":   int16(10),
	}

	r := Assemble("ProductionCount", testDev(), testVars(), values)

	if len(r.Alarms) != 1 {
		t.Errorf("alarms = %v, want one entry", r.Alarms)
	}
	if len(r.Counters) != 1 || r.Counters[0].OutputCode != "OUT1" {
		t.Errorf("counters = %v", r.Counters)
	}
	// activeTime absent: falls back to zero value
	if r.ActiveTime != 0 {
		t.Errorf("activeTime = %d, want 0", r.ActiveTime)
	}
}

func TestAssembleFallsBackToDeviceStatus(t *testing.T) {
	// No EQUIPMENT variable observed: the catalog status flag stands in.
	r := Assemble("ProductionCount", testDev(), nil, map[string]interface{}{})
	if r.EquipmentStatus != 1 {
		t.Errorf("equipmentStatus = %d, want device catalog value 1", r.EquipmentStatus)
	}
}

func TestEncodeShape(t *testing.T) {
	r := Assemble("ProductionCountResponse", testDev(), testVars(), map[string]interface{}{
		"jam":  true,
		"OUT1": int16(5),
	})

	data, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	for _, field := range []string{"jsonType", "equipmentCode", "productionOrderCode", "equipmentStatus", "activeTime", "alarms", "counters"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("field %q missing from wire form", field)
		}
	}
	if decoded["jsonType"] != "ProductionCountResponse" {
		t.Errorf("jsonType = %v", decoded["jsonType"])
	}
}

// fakeReader returns canned values for Build.
type fakeReader struct {
	values map[string]interface{}
	err    error

	gotAddress string
	gotItems   []s7.Item
}

func (f *fakeReader) ReadBatch(address string, items []s7.Item) (map[string]interface{}, error) {
	f.gotAddress = address
	f.gotItems = items
	return f.values, f.err
}

func TestBuildReadsLatestSnapshot(t *testing.T) {
	dir := device.NewRegistry()
	dir.Upsert(testDev(), testVars())

	reader := &fakeReader{values: map[string]interface{}{"OUT1": int16(99)}}
	b := NewBuilder(dir, reader)

	r, err := b.Build("ProductionCount", "EQ1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if reader.gotAddress != "10.0.0.5" {
		t.Errorf("read address = %q", reader.gotAddress)
	}
	if len(reader.gotItems) != 6 {
		t.Errorf("read %d items, want 6", len(reader.gotItems))
	}
	if len(r.Counters) != 1 || r.Counters[0].Value != 99 {
		t.Errorf("counters = %v", r.Counters)
	}

	// Address changes take effect on the next build: no cached snapshot.
	dir.Upsert(&device.Device{Code: "EQ1", Address: "10.0.0.6", Cycle: time.Second}, nil)
	if _, err := b.Build("ProductionCount", "EQ1"); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if reader.gotAddress != "10.0.0.6" {
		t.Errorf("stale address used after update: %q", reader.gotAddress)
	}
}

func TestBuildUnknownDevice(t *testing.T) {
	b := NewBuilder(device.NewRegistry(), &fakeReader{})

	_, err := b.Build("ProductionCount", "NOPE")
	if !errors.Is(err, device.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildReadFailure(t *testing.T) {
	dir := device.NewRegistry()
	dir.Upsert(testDev(), testVars())

	reader := &fakeReader{err: errors.New("transport down")}
	b := NewBuilder(dir, reader)

	if _, err := b.Build("ProductionCount", "EQ1"); err == nil {
		t.Error("expected error when the batch read fails")
	}
}
