package network

import (
	"sync"
	"time"
)

// Device is the registry's record of one connected capture device. It is
// created on a successful hello handshake and destroyed on disconnect.
type Device struct {
	ID           string
	Capabilities []string
	ConnectedAt  time.Time
	RemoteAddr   string

	conn *deviceConn

	mu            sync.Mutex
	lastHeartbeat time.Time
}

func (d *Device) touch(at time.Time) {
	d.mu.Lock()
	d.lastHeartbeat = at
	d.mu.Unlock()
}

func (d *Device) heartbeatAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeartbeat
}

// Info returns a copy-safe snapshot of the device.
func (d *Device) Info() DeviceInfo {
	return DeviceInfo{
		ID:            d.ID,
		Capabilities:  append([]string(nil), d.Capabilities...),
		ConnectedAt:   d.ConnectedAt,
		RemoteAddr:    d.RemoteAddr,
		LastHeartbeat: d.heartbeatAt(),
	}
}

// DeviceInfo is an immutable snapshot of a registry entry, safe to hand to
// callbacks and collaborators.
type DeviceInfo struct {
	ID            string
	Capabilities  []string
	ConnectedAt   time.Time
	RemoteAddr    string
	LastHeartbeat time.Time
}

// registry is the thread-safe table of currently connected devices.
type registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

func newRegistry() *registry {
	return &registry{devices: make(map[string]*Device)}
}

// register inserts the device, returning any prior entry with the same ID
// so the caller can close its superseded connection.
func (r *registry) register(device *Device) (replaced *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.devices[device.ID]
	r.devices[device.ID] = device
	return replaced
}

// remove deletes the entry only if it still maps to this exact device, so a
// disconnect racing a reconnect never removes the replacement. The boolean
// result makes the disconnect path exactly-once.
func (r *registry) remove(device *Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.devices[device.ID]
	if !ok || current != device {
		return false
	}
	delete(r.devices, device.ID)
	return true
}

func (r *registry) get(deviceID string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[deviceID]
}

func (r *registry) touch(deviceID string, at time.Time) {
	if device := r.get(deviceID); device != nil {
		device.touch(at)
	}
}

// snapshot returns copies of all entries; iteration never races mutation.
func (r *registry) snapshot() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, device := range r.devices {
		out = append(out, device.Info())
	}
	return out
}

func (r *registry) all() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, device := range r.devices {
		out = append(out, device)
	}
	return out
}

// stale returns devices whose last heartbeat is older than timeout.
func (r *registry) stale(now time.Time, timeout time.Duration) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, device := range r.devices {
		if now.Sub(device.heartbeatAt()) > timeout {
			out = append(out, device)
		}
	}
	return out
}
