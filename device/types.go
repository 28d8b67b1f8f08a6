// Package device defines the equipment master data the gateway reads and
// the narrow collaborator interfaces it reads it through.
package device

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced device is unknown.
var ErrNotFound = errors.New("device not found")

// ScalarType identifies the wire type of a variable.
type ScalarType int

const (
	TypeBool ScalarType = iota // single bit within a byte
	TypeInt                    // 16-bit signed integer, big-endian
	TypeReal                   // 32-bit IEEE-754 float, big-endian
)

func (t ScalarType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeReal:
		return "real"
	default:
		return "?"
	}
}

// ParseScalarType parses a scalar type name from configuration.
func ParseScalarType(s string) (ScalarType, error) {
	switch s {
	case "bool":
		return TypeBool, nil
	case "int":
		return TypeInt, nil
	case "real":
		return TypeReal, nil
	default:
		return 0, fmt.Errorf("unknown scalar type: %q", s)
	}
}

// Direction indicates whether a variable is read from or written to the device.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// ParseDirection parses a variable direction from configuration.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "read":
		return DirRead, nil
	case "write":
		return DirWrite, nil
	default:
		return 0, fmt.Errorf("unknown direction: %q", s)
	}
}

// Category classifies what a variable reports.
type Category int

const (
	CatNone Category = iota
	CatAlarm
	CatOutput
	CatEquipment
)

func (c Category) String() string {
	switch c {
	case CatAlarm:
		return "alarm"
	case CatOutput:
		return "output"
	case CatEquipment:
		return "equipment"
	default:
		return ""
	}
}

// ParseCategory parses a variable category from configuration.
// The empty string maps to CatNone.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "":
		return CatNone, nil
	case "alarm":
		return CatAlarm, nil
	case "output":
		return CatOutput, nil
	case "equipment":
		return CatEquipment, nil
	default:
		return 0, fmt.Errorf("unknown category: %q", s)
	}
}

// Device is one monitored production unit. The gateway never caches a
// Device across operations: operators change cycle and address live, so
// every poll tick re-reads the current snapshot from the Directory.
type Device struct {
	Code            string
	Address         string
	Cycle           time.Duration
	Status          int
	ProductionOrder string
}

// Variable is a named, typed, directional field-protocol address belonging
// to one device. Bit is meaningful only for TypeBool.
type Variable struct {
	Key       string
	DB        int
	Byte      int
	Bit       int
	Type      ScalarType
	Direction Direction
	Category  Category
}

// Directory provides the latest equipment master data. Implementations must
// return current values on every call; the gateway relies on this to pick
// up live cycle and address changes.
type Directory interface {
	// Device returns the current snapshot for a device code, or ErrNotFound.
	Device(code string) (*Device, error)
	// Devices returns a snapshot list of all monitored devices.
	Devices() []*Device
	// Variables returns the declared variables of a device, or ErrNotFound.
	Variables(code string) ([]Variable, error)
}

// Store persists observed state. All methods are best-effort from the
// gateway's point of view: failures are logged by the caller, never fatal.
type Store interface {
	// SaveReport stores the latest report payload for a device.
	SaveReport(code string, payload []byte) error
	// SaveAlarm stores the current communication alarm flag for a device.
	SaveAlarm(code string, active bool) error
}
