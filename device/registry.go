package device

import (
	"sync"
	"time"

	"fieldlink/config"
)

// Registry is the in-memory Directory implementation. It is seeded from the
// configuration catalog and updated live by configuration messages.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	vars    map[string][]Variable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		vars:    make(map[string][]Variable),
	}
}

// LoadFromConfig seeds the registry from the static device catalog.
func (r *Registry) LoadFromConfig(cfgs []config.DeviceConfig) error {
	for i := range cfgs {
		dc := &cfgs[i]
		vars := make([]Variable, 0, len(dc.Variables))
		for _, vc := range dc.Variables {
			v, err := variableFromConfig(vc)
			if err != nil {
				return err
			}
			vars = append(vars, v)
		}
		r.Upsert(&Device{
			Code:            dc.Code,
			Address:         dc.Address,
			Cycle:           dc.Cycle,
			Status:          dc.Status,
			ProductionOrder: dc.ProductionOrder,
		}, vars)
	}
	return nil
}

func variableFromConfig(vc config.VariableConfig) (Variable, error) {
	typ, err := ParseScalarType(vc.Type)
	if err != nil {
		return Variable{}, err
	}
	dir, err := ParseDirection(vc.Direction)
	if err != nil {
		return Variable{}, err
	}
	cat, err := ParseCategory(vc.Category)
	if err != nil {
		return Variable{}, err
	}
	return Variable{
		Key:       vc.Key,
		DB:        vc.DB,
		Byte:      vc.Byte,
		Bit:       vc.Bit,
		Type:      typ,
		Direction: dir,
		Category:  cat,
	}, nil
}

// Upsert inserts or replaces a device. A nil variable slice keeps any
// previously declared variables.
func (r *Registry) Upsert(d *Device, vars []Variable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *d
	r.devices[d.Code] = &cp
	if vars != nil {
		r.vars[d.Code] = vars
	}
}

// SetCycle updates just the polling cycle of a device.
// Returns false if the device is unknown.
func (r *Registry) SetCycle(code string, cycle time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[code]
	if !ok {
		return false
	}
	d.Cycle = cycle
	return true
}

// Device returns a copy of the current snapshot for a device code.
func (r *Registry) Device(code string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// Devices returns copies of all monitored devices.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// Variables returns the declared variables of a device.
func (r *Registry) Variables(code string) ([]Variable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.devices[code]; !ok {
		return nil, ErrNotFound
	}
	vars := r.vars[code]
	out := make([]Variable, len(vars))
	copy(out, vars)
	return out, nil
}
