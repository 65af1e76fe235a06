// Package registry implements the controller's thread-safe device table
// (spec §4.6): a single mutex guarding station-name-keyed devices, with
// every read returning a deep copy so callers on other goroutines never
// hold a reference into registry-owned memory.
package registry

import (
	"fmt"
	"sync"

	"github.com/mwilco03/pnio-controller/internal/pnio"
)

// Registry is a named set of devices guarded by one mutex.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*pnio.Device
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]*pnio.Device)}
}

// AddDevice inserts device, failing if its station name is already present.
func (r *Registry) AddDevice(device *pnio.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[device.StationName]; exists {
		return fmt.Errorf("%w: station %q already registered", pnio.ErrAlreadyExists, device.StationName)
	}
	r.devices[device.StationName] = device.Clone()
	return nil
}

// RemoveDevice deletes the named device, if present.
func (r *Registry) RemoveDevice(station string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, station)
}

// GetDevice returns a deep copy of the named device.
func (r *Registry) GetDevice(station string) (*pnio.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[station]
	if !ok {
		return nil, fmt.Errorf("%w: station %q", pnio.ErrNotFound, station)
	}
	return d.Clone(), nil
}

// ListDevices returns a deep copy of every registered device.
func (r *Registry) ListDevices() []*pnio.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*pnio.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	return out
}

// SetDeviceState updates the named device's lifecycle state.
func (r *Registry) SetDeviceState(station string, state pnio.DeviceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[station]
	if !ok {
		return fmt.Errorf("%w: station %q", pnio.ErrNotFound, station)
	}
	d.State = state
	return nil
}

// UpdateSensor overwrites the sample at slotIndex (an index into the
// device's Sensors array, not a raw PROFINET slot number).
func (r *Registry) UpdateSensor(station string, slotIndex int, sample pnio.SensorSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[station]
	if !ok {
		return fmt.Errorf("%w: station %q", pnio.ErrNotFound, station)
	}
	if slotIndex < 0 || slotIndex >= len(d.Sensors) {
		return fmt.Errorf("%w: sensor index %d out of range for %q", pnio.ErrInvalidParam, slotIndex, station)
	}
	d.Sensors[slotIndex] = sample
	return nil
}

// UpdateActuator overwrites the command at slotIndex (an index into the
// device's Actuators array, not a raw PROFINET slot number).
func (r *Registry) UpdateActuator(station string, slotIndex int, cmd pnio.ActuatorCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[station]
	if !ok {
		return fmt.Errorf("%w: station %q", pnio.ErrNotFound, station)
	}
	if slotIndex < 0 || slotIndex >= len(d.Actuators) {
		return fmt.Errorf("%w: actuator index %d out of range for %q", pnio.ErrInvalidParam, slotIndex, station)
	}
	d.Actuators[slotIndex] = cmd
	return nil
}

// GetSensor returns a copy of the named device's sensor sample at slotIndex.
func (r *Registry) GetSensor(station string, slotIndex int) (pnio.SensorSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[station]
	if !ok {
		return pnio.SensorSample{}, fmt.Errorf("%w: station %q", pnio.ErrNotFound, station)
	}
	if slotIndex < 0 || slotIndex >= len(d.Sensors) {
		return pnio.SensorSample{}, fmt.Errorf("%w: sensor index %d out of range for %q", pnio.ErrInvalidParam, slotIndex, station)
	}
	return d.Sensors[slotIndex], nil
}

// GetActuator returns a copy of the named device's actuator command at slotIndex.
func (r *Registry) GetActuator(station string, slotIndex int) (pnio.ActuatorCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[station]
	if !ok {
		return pnio.ActuatorCommand{}, fmt.Errorf("%w: station %q", pnio.ErrNotFound, station)
	}
	if slotIndex < 0 || slotIndex >= len(d.Actuators) {
		return pnio.ActuatorCommand{}, fmt.Errorf("%w: actuator index %d out of range for %q", pnio.ErrInvalidParam, slotIndex, station)
	}
	return d.Actuators[slotIndex], nil
}
