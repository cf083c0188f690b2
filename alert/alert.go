package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/crane-telemetry/decoder"
	"github.com/eddielth/crane-telemetry/events"
	"github.com/eddielth/crane-telemetry/logger"
	"github.com/eddielth/crane-telemetry/storage"
	"github.com/google/uuid"
)

// Alert categories
const (
	CategoryOverload        = "overload"
	CategoryLimitSwitch     = "limit-switch-failure"
	CategoryHighUtilization = "high-utilization"
	CategoryOther           = "other"
)

// Alert severities
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

const (
	DefaultWindow               = 5 * time.Minute
	DefaultUtilizationThreshold = 95.0
)

// Action says what CreateOrUpdateAlert did
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Result is the alert written by CreateOrUpdateAlert
type Result struct {
	Alert  *storage.Alert
	Action Action
}

// Condition is a triggered threshold, before deduplication
type Condition struct {
	Category string
	Severity string
	Message  string
}

// Deduplicator evaluates telemetry against safety thresholds and collapses
// repeated conditions into one alert per device and category within the
// window. The window is measured from the alert's creation.
//
// The find-then-write in CreateOrUpdateAlert is not atomic. Two messages for
// the same device handled concurrently can both miss the lookup and create
// two alerts; handlers that run one message at a time never do.
type Deduplicator struct {
	alerts storage.AlertStore
	events events.Sink
	now    func() time.Time

	mu                   sync.RWMutex
	window               time.Duration
	utilizationThreshold float64
}

// Option configures a Deduplicator
type Option func(*Deduplicator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// WithWindow sets the dedup window
func WithWindow(window time.Duration) Option {
	return func(d *Deduplicator) {
		if window > 0 {
			d.window = window
		}
	}
}

// WithUtilizationThreshold sets the utilization percentage above which an alert is raised
func WithUtilizationThreshold(threshold float64) Option {
	return func(d *Deduplicator) {
		if threshold > 0 {
			d.utilizationThreshold = threshold
		}
	}
}

// NewDeduplicator creates a deduplicator over the alert store. sink may be nil.
func NewDeduplicator(alerts storage.AlertStore, sink events.Sink, opts ...Option) *Deduplicator {
	if sink == nil {
		sink = events.Nop{}
	}
	d := &Deduplicator{
		alerts:               alerts,
		events:               sink,
		now:                  time.Now,
		window:               DefaultWindow,
		utilizationThreshold: DefaultUtilizationThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetThresholds replaces the window and utilization threshold, zero keeps the current value
func (d *Deduplicator) SetThresholds(window time.Duration, utilizationThreshold float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if window > 0 {
		d.window = window
	}
	if utilizationThreshold > 0 {
		d.utilizationThreshold = utilizationThreshold
	}
}

func (d *Deduplicator) thresholds() (time.Duration, float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.window, d.utilizationThreshold
}

// Check returns the conditions t triggers. Each failing limit switch is its own condition.
func (d *Deduplicator) Check(t *decoder.Telemetry) []Condition {
	_, utilThreshold := d.thresholds()

	var conds []Condition
	switch {
	case t.SWL > 0 && t.Load > t.SWL:
		conds = append(conds, Condition{
			Category: CategoryOverload,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("Load %.2f exceeds safe working load %.2f", t.Load, t.SWL),
		})
	case t.Overload:
		conds = append(conds, Condition{
			Category: CategoryOverload,
			Severity: SeverityCritical,
			Message:  "Device reported overload",
		})
	}

	for i, state := range t.LimitSwitches() {
		if state == decoder.StatusFail {
			conds = append(conds, Condition{
				Category: CategoryLimitSwitch,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Limit switch LS%d reported FAIL", i+1),
			})
		}
	}

	if t.Util > utilThreshold {
		conds = append(conds, Condition{
			Category: CategoryHighUtilization,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Utilization %.2f%% exceeds %.2f%%", t.Util, utilThreshold),
		})
	}
	return conds
}

// Evaluate raises or updates an alert for every condition t triggers.
// A failing condition does not stop the others.
func (d *Deduplicator) Evaluate(ctx context.Context, deviceID string, t *decoder.Telemetry) ([]*Result, error) {
	var (
		results []*Result
		errs    []error
	)
	for _, c := range d.Check(t) {
		res, err := d.CreateOrUpdateAlert(ctx, deviceID, c.Category, c.Message, c.Severity)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// CreateOrUpdateAlert updates the open alert for deviceID and category created
// within the window, or creates a new one
func (d *Deduplicator) CreateOrUpdateAlert(ctx context.Context, deviceID, category, message, severity string) (*Result, error) {
	window, _ := d.thresholds()
	now := d.now()

	existing, err := d.alerts.FindRecentAlert(ctx, deviceID, category, now.Add(-window))
	if err == nil {
		existing.Message = message
		existing.Severity = severity
		existing.Occurrences++
		existing.UpdatedAt = now
		if err := d.alerts.UpdateAlert(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update %s alert for %s: %w", category, deviceID, err)
		}
		logger.Debug("updated %s alert %s for %s (%d occurrences)", category, existing.ID, deviceID, existing.Occurrences)
		return &Result{Alert: existing, Action: ActionUpdated}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up %s alert for %s: %w", category, deviceID, err)
	}

	a := &storage.Alert{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		Category:    category,
		Severity:    severity,
		Message:     message,
		Status:      storage.AlertOpen,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.alerts.CreateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create %s alert for %s: %w", category, deviceID, err)
	}

	logger.Warn("%s alert for %s: %s", category, deviceID, message)
	d.events.Publish(events.Event{
		Type:     events.AlertCreated,
		DeviceID: deviceID,
		Time:     now,
		Payload:  a.Clone(),
	})
	return &Result{Alert: a, Action: ActionCreated}, nil
}

// Acknowledge moves an open alert to in-progress
func (d *Deduplicator) Acknowledge(ctx context.Context, alertID string) (*storage.Alert, error) {
	a, err := d.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != storage.AlertOpen {
		return a, nil
	}

	a.Status = storage.AlertInProgress
	a.UpdatedAt = d.now()
	if err := d.alerts.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert %s: %w", alertID, err)
	}
	return a, nil
}

// Resolve closes an alert so it no longer absorbs new conditions
func (d *Deduplicator) Resolve(ctx context.Context, alertID string) (*storage.Alert, error) {
	a, err := d.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status == storage.AlertResolved {
		return a, nil
	}

	now := d.now()
	a.Status = storage.AlertResolved
	a.UpdatedAt = now
	a.ResolvedAt = &now
	if err := d.alerts.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to resolve alert %s: %w", alertID, err)
	}

	d.events.Publish(events.Event{
		Type:     events.AlertResolved,
		DeviceID: a.DeviceID,
		Time:     now,
		Payload:  a.Clone(),
	})
	return a, nil
}
