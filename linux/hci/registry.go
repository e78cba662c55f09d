package hci

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Registry owns the registered devices and hands out their ids.
type Registry struct {
	mu   sync.RWMutex
	devs []*Device
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register assigns the lowest free id and starts powering the device on in
// the background. Primary controllers may take id 0, AMP controllers start
// at 1 so the id can double as AMP controller id. The device is listed
// before power-on completes.
func (r *Registry) Register(d *Device) (int, error) {
	r.mu.Lock()
	for _, p := range r.devs {
		if p == d {
			r.mu.Unlock()
			return d.id, errors.Wrap(ErrBusy, "already registered")
		}
	}

	id := 0
	if d.typ == DevAMP {
		id = 1
	}
	for _, p := range r.devs {
		if p.id == id {
			id++
		} else if p.id > id {
			break
		}
	}

	d.setName(id)
	d.flags.clear(FlagUnregister)
	d.flags.set(FlagSetup | FlagAutoOff)
	if d.typ == DevPrimary {
		// until the features say otherwise
		d.flags.set(FlagBREDREnabled)
	}
	// raw-only devices stay out of normal operation
	if d.quirks.Has(QuirkRawDevice) {
		d.flags.set(FlagUnconfigured)
	}

	r.devs = append(r.devs, d)
	sort.Slice(r.devs, func(i, j int) bool { return r.devs[i].id < r.devs[j].id })
	r.mu.Unlock()

	d.logger.Debugf("registered, type %d", d.typ)
	d.startPowerOn()
	return id, nil
}

// Unregister removes d, waits for a pending power-on and closes it.
func (r *Registry) Unregister(d *Device) error {
	r.mu.Lock()
	i := r.index(d)
	if i < 0 {
		r.mu.Unlock()
		return ErrNoDevice
	}
	r.devs = append(r.devs[:i], r.devs[i+1:]...)
	r.mu.Unlock()

	d.flags.set(FlagUnregister)
	d.powerOn.Wait()
	err := d.doClose()
	d.flags.clear(FlagSetup | FlagConfig | FlagAutoOff)

	d.logger.Debug("unregistered")
	return err
}

func (r *Registry) index(d *Device) int {
	for i, p := range r.devs {
		if p == d {
			return i
		}
	}
	return -1
}

func (r *Registry) Get(id int) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devs {
		if d.id == id {
			return d, nil
		}
	}
	return nil, ErrNoDevice
}

// List returns the registered devices by ascending id.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Device(nil), r.devs...)
}

// Shutdown unregisters every device.
func (r *Registry) Shutdown() error {
	var err error
	for _, d := range r.List() {
		err = multierr.Append(err, errors.Wrap(r.Unregister(d), d.Name()))
	}
	return err
}
