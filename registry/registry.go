package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddielth/crane-telemetry/decoder"
	"github.com/eddielth/crane-telemetry/events"
	"github.com/eddielth/crane-telemetry/logger"
	"github.com/eddielth/crane-telemetry/storage"
)

var (
	// ErrNotFound is returned when no pending entry exists for a device
	ErrNotFound = errors.New("pending device not found")
	// ErrAlreadyActive is returned when approving a device that is already provisioned
	ErrAlreadyActive = errors.New("device already active")
	// ErrDeactivated is returned for operations on a deactivated device
	ErrDeactivated = errors.New("device deactivated")
)

const (
	DefaultPendingTTL   = 24 * time.Hour
	DefaultOfflineAfter = 10 * time.Minute
)

// PendingDevice is a device seen in telemetry but not yet approved
type PendingDevice struct {
	DeviceID       string             `json:"device_id"`
	DiscoveredAt   time.Time          `json:"discovered_at"`
	LastSeen       time.Time          `json:"last_seen"`
	TelemetryCount int                `json:"telemetry_count"`
	LastTelemetry  *decoder.Telemetry `json:"last_telemetry,omitempty"`
	TenantID       string             `json:"tenant_id,omitempty"`
	Location       *decoder.Location  `json:"location,omitempty"`
}

func (p *PendingDevice) clone() *PendingDevice {
	c := *p
	if p.LastTelemetry != nil {
		c.LastTelemetry = p.LastTelemetry.Clone()
	}
	if p.Location != nil {
		loc := *p.Location
		c.Location = &loc
	}
	return &c
}

// Resolution is the outcome of Resolve. Exactly one of Device and Pending is set.
type Resolution struct {
	Device  *storage.Device
	Pending *PendingDevice
	// IsNew is set when this call created the pending entry
	IsNew     bool
	IsPending bool
	// IsDeactivated is set for provisioned devices that were deactivated
	IsDeactivated bool
}

// ApprovalRequest carries the admin supplied device fields. Zero values fall
// back to what the pending entry observed.
type ApprovalRequest struct {
	Name            string
	TenantID        string
	SafeWorkingLoad float64
}

// Registry resolves device ids to provisioned devices and keeps the pending
// table for unknown ones.
//
// The pending table is guarded by a mutex, but the store lookup in Resolve
// and the pending update that follows are not one atomic step. A Resolve
// racing an Approve for the same device can recreate a pending entry for a
// device that was just provisioned; the next Resolve finds the device and
// drops that entry.
//
// The service binary only discovers devices. Approve, Reject and Deactivate
// (and alert Acknowledge/Resolve) are for an embedding admin surface; until
// one calls them every new device stays pending.
type Registry struct {
	devices      storage.DeviceStore
	events       events.Sink
	now          func() time.Time
	ttl          time.Duration
	offlineAfter time.Duration

	mu      sync.Mutex
	pending map[string]*PendingDevice
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTTL sets how long an idle pending entry is kept
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithOfflineAfter sets how long an active device may stay silent before it is marked offline
func WithOfflineAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.offlineAfter = d
		}
	}
}

// New creates a registry over the device store. sink may be nil.
func New(devices storage.DeviceStore, sink events.Sink, opts ...Option) *Registry {
	if sink == nil {
		sink = events.Nop{}
	}
	r := &Registry{
		devices:      devices,
		events:       sink,
		now:          time.Now,
		ttl:          DefaultPendingTTL,
		offlineAfter: DefaultOfflineAfter,
		pending:      make(map[string]*PendingDevice),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the provisioned device, or storage.ErrNotFound
func (r *Registry) Lookup(ctx context.Context, deviceID string) (*storage.Device, error) {
	return r.devices.GetDevice(ctx, deviceID)
}

// Resolve returns the provisioned device for deviceID, or creates or updates
// its pending entry. t is the telemetry that triggered the lookup.
func (r *Registry) Resolve(ctx context.Context, deviceID, tenantID string, t *decoder.Telemetry) (*Resolution, error) {
	d, err := r.devices.GetDevice(ctx, deviceID)
	if err == nil {
		if !d.Active {
			return &Resolution{Device: d, IsDeactivated: true}, nil
		}
		r.mu.Lock()
		delete(r.pending, deviceID)
		r.mu.Unlock()
		return &Resolution{Device: d}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up device %s: %w", deviceID, err)
	}

	now := r.now()

	r.mu.Lock()
	p, ok := r.pending[deviceID]
	if !ok {
		p = &PendingDevice{
			DeviceID:     deviceID,
			DiscoveredAt: now,
		}
		r.pending[deviceID] = p
	}
	p.LastSeen = now
	p.TelemetryCount++
	if t != nil {
		p.LastTelemetry = t.Clone()
		if t.Location != nil {
			loc := *t.Location
			p.Location = &loc
		}
	}
	if tenantID != "" {
		p.TenantID = tenantID
	}
	snapshot := p.clone()
	r.mu.Unlock()

	if !ok {
		logger.Info("discovered unknown device %s, awaiting approval", deviceID)
		r.events.Publish(events.Event{
			Type:     events.DeviceDiscovered,
			DeviceID: deviceID,
			TenantID: snapshot.TenantID,
			Payload:  snapshot,
		})
	}

	return &Resolution{Pending: snapshot, IsNew: !ok, IsPending: true}, nil
}

// Approve provisions the pending device and removes its pending entry
func (r *Registry) Approve(ctx context.Context, deviceID string, req ApprovalRequest) (*storage.Device, error) {
	r.mu.Lock()
	p, ok := r.pending[deviceID]
	var snapshot *PendingDevice
	if ok {
		snapshot = p.clone()
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("approve %s: %w", deviceID, ErrNotFound)
	}

	now := r.now()
	device := &storage.Device{
		DeviceID:        deviceID,
		TenantID:        firstNonEmpty(req.TenantID, snapshot.TenantID),
		Name:            firstNonEmpty(req.Name, deviceID),
		SafeWorkingLoad: req.SafeWorkingLoad,
		LastSeen:        snapshot.LastSeen,
		Online:          now.Sub(snapshot.LastSeen) < r.offlineAfter,
		Location:        snapshot.Location,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if last := snapshot.LastTelemetry; last != nil {
		if device.SafeWorkingLoad <= 0 {
			device.SafeWorkingLoad = last.SWL
		}
		device.LastStatus = statusSnapshot(last)
	}

	if err := r.devices.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			r.removePending(deviceID)
			return nil, fmt.Errorf("approve %s: %w", deviceID, ErrAlreadyActive)
		}
		return nil, fmt.Errorf("failed to persist approved device %s: %w", deviceID, err)
	}

	r.removePending(deviceID)

	logger.Info("approved device %s (tenant %q)", deviceID, device.TenantID)
	r.events.Publish(events.Event{
		Type:     events.DeviceApproved,
		DeviceID: deviceID,
		TenantID: device.TenantID,
		Payload:  device.Clone(),
	})
	return device, nil
}

// Reject discards the pending entry. Rejecting an absent entry is a no-op.
func (r *Registry) Reject(deviceID, reason string) {
	p, ok := r.removePending(deviceID)
	if !ok {
		return
	}

	logger.Info("rejected device %s: %s", deviceID, reason)
	r.events.Publish(events.Event{
		Type:     events.DeviceRejected,
		DeviceID: deviceID,
		TenantID: p.TenantID,
		Payload:  map[string]string{"reason": reason},
	})
}

func (r *Registry) removePending(deviceID string) (*PendingDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[deviceID]
	if ok {
		delete(r.pending, deviceID)
	}
	return p, ok
}

// Deactivate soft-deletes a provisioned device
func (r *Registry) Deactivate(ctx context.Context, deviceID string) error {
	d, err := r.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", deviceID, err)
	}
	if !d.Active {
		return nil
	}

	d.Active = false
	d.Online = false
	if err := r.devices.UpdateDevice(ctx, d); err != nil {
		return fmt.Errorf("failed to deactivate device %s: %w", deviceID, err)
	}

	r.events.Publish(events.Event{Type: events.DeviceDeactivated, DeviceID: deviceID, TenantID: d.TenantID})
	return nil
}

// RecordActivity marks an active device online and stores its latest status
// snapshot. t may be nil for heartbeats.
func (r *Registry) RecordActivity(ctx context.Context, d *storage.Device, t *decoder.Telemetry) error {
	d.LastSeen = r.now()
	d.Online = true
	if t != nil {
		d.LastStatus = statusSnapshot(t)
		if t.Location != nil {
			loc := *t.Location
			d.Location = &loc
		}
	}
	if err := r.devices.UpdateDevice(ctx, d); err != nil {
		return fmt.Errorf("failed to update device %s: %w", d.DeviceID, err)
	}
	return nil
}

// Touch refreshes last-seen for a known device without creating a pending
// entry. It reports whether the device is active or pending.
func (r *Registry) Touch(ctx context.Context, deviceID string) (bool, error) {
	d, err := r.devices.GetDevice(ctx, deviceID)
	if err == nil {
		if !d.Active {
			return false, nil
		}
		return true, r.RecordActivity(ctx, d, nil)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to look up device %s: %w", deviceID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[deviceID]
	if ok {
		p.LastSeen = r.now()
	}
	return ok, nil
}

// UpdateLocation sets the location of an active device or the inferred
// location of a pending one
func (r *Registry) UpdateLocation(ctx context.Context, deviceID string, loc decoder.Location) error {
	d, err := r.devices.GetDevice(ctx, deviceID)
	if err == nil {
		if !d.Active {
			return fmt.Errorf("update location %s: %w", deviceID, ErrDeactivated)
		}
		d.Location = &loc
		d.LastSeen = r.now()
		d.Online = true
		return r.devices.UpdateDevice(ctx, d)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to look up device %s: %w", deviceID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[deviceID]
	if !ok {
		return fmt.Errorf("update location %s: %w", deviceID, ErrNotFound)
	}
	p.Location = &loc
	p.LastSeen = r.now()
	return nil
}

// ListPending returns the pending entries, oldest discovery first
func (r *Registry) ListPending() []*PendingDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*PendingDevice, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out
}

// GetPending returns one pending entry
func (r *Registry) GetPending(deviceID string) (*PendingDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[deviceID]
	if !ok {
		return nil, fmt.Errorf("pending %s: %w", deviceID, ErrNotFound)
	}
	return p.clone(), nil
}

// Sweep removes pending entries idle for longer than the TTL and returns how
// many were removed. Age is measured from LastSeen, not DiscoveredAt: a device
// that keeps reporting stays pending however long ago it was discovered.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	var expired []*PendingDevice
	for id, p := range r.pending {
		if now.Sub(p.LastSeen) > r.ttl {
			expired = append(expired, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		logger.Info("pending device %s expired after %s idle", p.DeviceID, r.ttl)
		r.events.Publish(events.Event{Type: events.DeviceExpired, DeviceID: p.DeviceID, TenantID: p.TenantID})
	}
	return len(expired)
}

// MarkOffline flags active devices silent for longer than offlineAfter and
// returns how many changed
func (r *Registry) MarkOffline(ctx context.Context) (int, error) {
	devices, err := r.devices.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	now := r.now()
	var errs []error
	changed := 0
	for _, d := range devices {
		if !d.Active || !d.Online || now.Sub(d.LastSeen) <= r.offlineAfter {
			continue
		}
		d.Online = false
		if err := r.devices.UpdateDevice(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.DeviceID, err))
			continue
		}
		changed++
		r.events.Publish(events.Event{Type: events.DeviceOffline, DeviceID: d.DeviceID, TenantID: d.TenantID})
	}
	return changed, errors.Join(errs...)
}

// Run sweeps the pending table and marks silent devices offline every interval until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logger.Info("swept %d expired pending devices", n)
			}
			if _, err := r.MarkOffline(ctx); err != nil {
				logger.Error("failed to mark offline devices: %v", err)
			}
		}
	}
}

func statusSnapshot(t *decoder.Telemetry) string {
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return string(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
