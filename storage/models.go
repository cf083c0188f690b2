package storage

import (
	"time"

	"github.com/eddielth/crane-telemetry/decoder"
)

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertOpen       AlertStatus = "open"
	AlertInProgress AlertStatus = "in-progress"
	AlertResolved   AlertStatus = "resolved"
)

// Device is a provisioned crane device. Devices are only created by
// approving a pending entry and are deactivated instead of deleted.
type Device struct {
	DeviceID        string            `json:"device_id"`
	TenantID        string            `json:"tenant_id,omitempty"`
	Name            string            `json:"name"`
	SafeWorkingLoad float64           `json:"safe_working_load"`
	LastSeen        time.Time         `json:"last_seen"`
	Online          bool              `json:"online"`
	LastStatus      string            `json:"last_status,omitempty"`
	Location        *decoder.Location `json:"location,omitempty"`
	Active          bool              `json:"active"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with d
func (d *Device) Clone() *Device {
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	return &c
}

// TelemetryReading is an accepted telemetry record of an active device
type TelemetryReading struct {
	ID         string             `json:"id"`
	DeviceID   string             `json:"device_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Data       *decoder.Telemetry `json:"data"`
	Raw        string             `json:"raw"`
	ReceivedAt time.Time          `json:"received_at"`
}

// Alert is a safety condition raised for a device
type Alert struct {
	ID          string      `json:"id"`
	DeviceID    string      `json:"device_id"`
	Category    string      `json:"category"`
	Severity    string      `json:"severity"`
	Message     string      `json:"message"`
	Status      AlertStatus `json:"status"`
	Occurrences int         `json:"occurrences"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the alert still absorbs new conditions
func (a *Alert) IsOpen() bool {
	return a.Status == AlertOpen || a.Status == AlertInProgress
}

// Clone returns a copy that shares no pointers with a
func (a *Alert) Clone() *Alert {
	c := *a
	if a.ResolvedAt != nil {
		ts := *a.ResolvedAt
		c.ResolvedAt = &ts
	}
	return &c
}
