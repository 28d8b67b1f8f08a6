// Package report assembles outbound production reports from a device's
// declared variables.
package report

import (
	"encoding/json"
	"fmt"
	"fieldlink/device"
	"fieldlink/s7"
)

// Well-known keys of EQUIPMENT-category variables.
const (
	KeyStatus     = "status"
	KeyActiveTime = "activeTime"
)

// Counter is one production counter reading.
type Counter struct {
	OutputCode string `json:"outputCode"`
	Value      int    `json:"value"`
}

// Report is the outbound message envelope published for a device.
type Report struct {
	JSONType            string    `json:"jsonType"`
	EquipmentCode       string    `json:"equipmentCode"`
	ProductionOrderCode string    `json:"productionOrderCode"`
	EquipmentStatus     int       `json:"equipmentStatus"`
	ActiveTime          int       `json:"activeTime"`
	Alarms              []int     `json:"alarms"`
	Counters            []Counter `json:"counters"`
}

// BatchReader reads a batch of items from a device address.
// Satisfied by pool.Pool.
type BatchReader interface {
	ReadBatch(address string, items []s7.Item) (map[string]interface{}, error)
}

// Builder builds reports by reading a device's read-variables in one
// batched field-protocol call.
type Builder struct {
	dir    device.Directory
	reader BatchReader
}

// NewBuilder creates a report builder.
func NewBuilder(dir device.Directory, reader BatchReader) *Builder {
	return &Builder{dir: dir, reader: reader}
}

// Items converts a device's readable variables into batch read descriptors,
// preserving declaration order.
func Items(vars []device.Variable) []s7.Item {
	items := make([]s7.Item, 0, len(vars))
	for _, v := range vars {
		if v.Direction != device.DirRead {
			continue
		}
		items = append(items, s7.Item{
			Key:  v.Key,
			DB:   v.DB,
			Byte: v.Byte,
			Bit:  v.Bit,
			Type: v.Type,
		})
	}
	return items
}

// Build reads the device's current state and assembles a report of the
// given type. The device snapshot and variable list are re-read from the
// directory on every call.
func (b *Builder) Build(jsonType, code string) (*Report, error) {
	dev, err := b.dir.Device(code)
	if err != nil {
		return nil, err
	}
	vars, err := b.dir.Variables(code)
	if err != nil {
		return nil, err
	}

	values, err := b.reader.ReadBatch(dev.Address, Items(vars))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", code, err)
	}

	return Assemble(jsonType, dev, vars, values), nil
}

// Assemble maps observed values onto the report envelope by variable
// category: EQUIPMENT variables carry status and active time, ALARM
// variables the alarm flags in declaration order, OUTPUT variables the
// production counters. Variables whose value is absent (failed decode)
// are skipped.
func Assemble(jsonType string, dev *device.Device, vars []device.Variable, values map[string]interface{}) *Report {
	r := &Report{
		JSONType:            jsonType,
		EquipmentCode:       dev.Code,
		ProductionOrderCode: dev.ProductionOrder,
		EquipmentStatus:     dev.Status,
		Alarms:              []int{},
		Counters:            []Counter{},
	}

	for _, v := range vars {
		if v.Direction != device.DirRead {
			continue
		}
		raw, ok := values[v.Key]
		if !ok {
			continue
		}

		switch v.Category {
		case device.CatEquipment:
			switch v.Key {
			case KeyStatus:
				r.EquipmentStatus = asInt(raw)
			case KeyActiveTime:
				r.ActiveTime = asInt(raw)
			}
		case device.CatAlarm:
			r.Alarms = append(r.Alarms, asInt(raw))
		case device.CatOutput:
			r.Counters = append(r.Counters, Counter{
				OutputCode: v.Key,
				Value:      asInt(raw),
			})
		}
	}
	return r
}

// asInt coerces an observed scalar into the report's integer fields.
// Booleans map to 0/1.
func asInt(v interface{}) int {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int16:
		return int(x)
	case float32:
		return int(x)
	case int:
		return x
	default:
		return 0
	}
}

// Encode marshals a report to its JSON wire form.
func (r *Report) Encode() ([]byte, error) {
	return json.Marshal(r)
}
