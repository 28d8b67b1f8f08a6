package device

import (
	"errors"
	"testing"
	"time"

	"fieldlink/config"
)

func TestLoadFromConfig(t *testing.T) {
	r := NewRegistry()
	err := r.LoadFromConfig([]config.DeviceConfig{
		{
			Code:    "EQ-1",
			Address: "10.0.0.5",
			Cycle:   10 * time.Second,
			Variables: []config.VariableConfig{
				{Key: "totalOut", DB: 1, Byte: 4, Type: "int", Direction: "read", Category: "output"},
				{Key: "commAlarm", DB: 8, Byte: 8, Bit: 0, Type: "bool", Direction: "write", Category: "alarm"},
			},
		},
	})
	if err != nil {
		t.Fatalf("LoadFromConfig: %v", err)
	}

	dev, err := r.Device("EQ-1")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if dev.Address != "10.0.0.5" || dev.Cycle != 10*time.Second {
		t.Errorf("device = %+v", dev)
	}

	vars, err := r.Variables("EQ-1")
	if err != nil {
		t.Fatalf("Variables: %v", err)
	}
	if len(vars) != 2 {
		t.Fatalf("variables = %d, want 2", len(vars))
	}
	if vars[0].Type != TypeInt || vars[0].Direction != DirRead || vars[0].Category != CatOutput {
		t.Errorf("var[0] = %+v", vars[0])
	}
	if vars[1].Type != TypeBool || vars[1].Direction != DirWrite || vars[1].Category != CatAlarm {
		t.Errorf("var[1] = %+v", vars[1])
	}
}

func TestLoadFromConfigRejectsBadType(t *testing.T) {
	r := NewRegistry()
	err := r.LoadFromConfig([]config.DeviceConfig{
		{
			Code:    "EQ-1",
			Address: "10.0.0.5",
			Variables: []config.VariableConfig{
				{Key: "x", Type: "string", Direction: "read"},
			},
		},
	})
	if err == nil {
		t.Fatal("expected error for unknown variable type")
	}
}

func TestUnknownDevice(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Device("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Device error = %v, want ErrNotFound", err)
	}
	if _, err := r.Variables("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Variables error = %v, want ErrNotFound", err)
	}
	if r.SetCycle("nope", time.Second) {
		t.Error("SetCycle on unknown device should return false")
	}
}

func TestUpsertReplacesSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Upsert(&Device{Code: "EQ-1", Address: "10.0.0.5", Cycle: 10 * time.Second}, []Variable{
		{Key: "totalOut", Type: TypeInt, Direction: DirRead, Category: CatOutput},
	})

	r.Upsert(&Device{Code: "EQ-1", Address: "10.0.0.9", Cycle: 5 * time.Second}, nil)

	dev, err := r.Device("EQ-1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Address != "10.0.0.9" || dev.Cycle != 5*time.Second {
		t.Errorf("device = %+v", dev)
	}

	// nil vars keeps the previously declared set
	vars, err := r.Variables("EQ-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(vars) != 1 || vars[0].Key != "totalOut" {
		t.Errorf("variables = %+v", vars)
	}
}

func TestSetCycle(t *testing.T) {
	r := NewRegistry()
	r.Upsert(&Device{Code: "EQ-1", Cycle: 10 * time.Second}, nil)

	if !r.SetCycle("EQ-1", 2*time.Second) {
		t.Fatal("SetCycle returned false")
	}
	dev, _ := r.Device("EQ-1")
	if dev.Cycle != 2*time.Second {
		t.Errorf("cycle = %v, want 2s", dev.Cycle)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := NewRegistry()
	src := &Device{Code: "EQ-1", Address: "10.0.0.5"}
	r.Upsert(src, nil)

	// Mutating the caller's struct must not affect the registry.
	src.Address = "mutated"
	dev, _ := r.Device("EQ-1")
	if dev.Address != "10.0.0.5" {
		t.Errorf("registry shares caller memory, address = %q", dev.Address)
	}

	// Mutating a returned snapshot must not affect the registry either.
	dev.Address = "mutated"
	dev2, _ := r.Device("EQ-1")
	if dev2.Address != "10.0.0.5" {
		t.Errorf("registry shares snapshot memory, address = %q", dev2.Address)
	}
}

func TestParseRoundTrips(t *testing.T) {
	types := map[string]ScalarType{"bool": TypeBool, "int": TypeInt, "real": TypeReal}
	for s, want := range types {
		got, err := ParseScalarType(s)
		if err != nil || got != want {
			t.Errorf("ParseScalarType(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseScalarType("dword"); err == nil {
		t.Error("expected error for unknown scalar type")
	}

	if c, err := ParseCategory(""); err != nil || c != CatNone {
		t.Errorf("empty category = %v, %v, want CatNone", c, err)
	}
}
