package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage keeps everything in process memory. It backs tests and
// deployments without a database.
type MemoryStorage struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	telemetry map[string][]*TelemetryReading
	alerts    map[string]*Alert
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		devices:   make(map[string]*Device),
		telemetry: make(map[string][]*TelemetryReading),
		alerts:    make(map[string]*Alert),
	}
}

// InitDatabase implements DatabaseStorage
func (s *MemoryStorage) InitDatabase() error { return nil }

func (s *MemoryStorage) GetDevice(_ context.Context, deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *MemoryStorage) CreateDevice(_ context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.DeviceID]; ok {
		return fmt.Errorf("device %s: %w", device.DeviceID, ErrAlreadyExists)
	}
	s.devices[device.DeviceID] = device.Clone()
	return nil
}

func (s *MemoryStorage) UpdateDevice(_ context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.DeviceID]; !ok {
		return fmt.Errorf("device %s: %w", device.DeviceID, ErrNotFound)
	}
	s.devices[device.DeviceID] = device.Clone()
	return nil
}

func (s *MemoryStorage) ListDevices(_ context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryStorage) SaveTelemetry(_ context.Context, reading *TelemetryReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *reading
	if reading.Data != nil {
		r.Data = reading.Data.Clone()
	}
	s.telemetry[reading.DeviceID] = append(s.telemetry[reading.DeviceID], &r)
	return nil
}

// ListTelemetry returns the newest readings first, limit <= 0 means all
func (s *MemoryStorage) ListTelemetry(_ context.Context, deviceID string, limit int) ([]*TelemetryReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	readings := s.telemetry[deviceID]
	out := make([]*TelemetryReading, 0, len(readings))
	for i := len(readings) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		r := *readings[i]
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemoryStorage) CreateAlert(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[alert.ID]; ok {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrAlreadyExists)
	}
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *MemoryStorage) UpdateAlert(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[alert.ID]; !ok {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *MemoryStorage) GetAlert(_ context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStorage) FindRecentAlert(_ context.Context, deviceID, category string, since time.Time) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *Alert
	for _, a := range s.alerts {
		if a.DeviceID != deviceID || a.Category != category || !a.IsOpen() || a.CreatedAt.Before(since) {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("alert %s/%s: %w", deviceID, category, ErrNotFound)
	}
	return newest.Clone(), nil
}

// ListAlerts returns the alerts of deviceID oldest first, empty deviceID lists all
func (s *MemoryStorage) ListAlerts(_ context.Context, deviceID string) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Alert, 0)
	for _, a := range s.alerts {
		if deviceID == "" || a.DeviceID == deviceID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) Close() error { return nil }
