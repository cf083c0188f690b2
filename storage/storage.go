package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eddielth/crane-telemetry/logger"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a device whose id is taken
	ErrAlreadyExists = errors.New("record already exists")
)

// DeviceStore persists provisioned devices
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	ListDevices(ctx context.Context) ([]*Device, error)
}

// TelemetryStore persists accepted telemetry, append only
type TelemetryStore interface {
	SaveTelemetry(ctx context.Context, reading *TelemetryReading) error
	ListTelemetry(ctx context.Context, deviceID string, limit int) ([]*TelemetryReading, error)
}

// AlertStore persists alerts
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *Alert) error
	UpdateAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	// FindRecentAlert returns the newest open or in-progress alert for
	// deviceID and category created at or after since, or ErrNotFound
	FindRecentAlert(ctx context.Context, deviceID, category string, since time.Time) (*Alert, error)
	ListAlerts(ctx context.Context, deviceID string) ([]*Alert, error)
}

// Store is the full persistence layer
type Store interface {
	DeviceStore
	TelemetryStore
	AlertStore
	Close() error
}

// ArchiveBackend receives a copy of every persisted reading
type ArchiveBackend interface {
	Archive(reading *TelemetryReading) error
	Close() error
}

// Manager wraps the primary store and fans persisted readings out to the
// archive backends. Archive failures are logged and never fail the write.
type Manager struct {
	Store
	backends []ArchiveBackend
	mutex    sync.RWMutex
}

// NewManager creates a storage manager over the primary store
func NewManager(primary Store, backends ...ArchiveBackend) *Manager {
	return &Manager{
		Store:    primary,
		backends: backends,
	}
}

// SaveTelemetry writes to the primary store, then to every archive
func (m *Manager) SaveTelemetry(ctx context.Context, reading *TelemetryReading) error {
	if err := m.Store.SaveTelemetry(ctx, reading); err != nil {
		return err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, backend := range m.backends {
		if err := backend.Archive(reading); err != nil {
			logger.Error("failed to archive telemetry for %s: %v", reading.DeviceID, err)
		}
	}
	return nil
}

// AddBackend adds an archive backend
func (m *Manager) AddBackend(backend ArchiveBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

// Close closes the archives and the primary store
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close archive backend: %v", err)
		}
	}
	return m.Store.Close()
}
