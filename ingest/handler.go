package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eddielth/crane-telemetry/alert"
	"github.com/eddielth/crane-telemetry/decoder"
	"github.com/eddielth/crane-telemetry/events"
	"github.com/eddielth/crane-telemetry/logger"
	"github.com/eddielth/crane-telemetry/metrics"
	"github.com/eddielth/crane-telemetry/mqtt"
	"github.com/eddielth/crane-telemetry/registry"
	"github.com/eddielth/crane-telemetry/storage"
	"github.com/eddielth/crane-telemetry/validator"
	"github.com/google/uuid"
)

// ErrBadLocation is returned for location payloads that are neither
// {"lat":..,"lon":..} nor "lat,lon"
var ErrBadLocation = errors.New("invalid location payload")

// Handler runs every bus message through the pipeline. Messages are handled
// to completion, one call per message; nothing is retried.
type Handler struct {
	decoder  *decoder.Decoder
	registry *registry.Registry
	store    storage.TelemetryStore
	alerts   *alert.Deduplicator
	events   events.Sink
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Handler
type Option func(*Handler)

// WithMetrics counts messages on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock replaces time.Now for received-at stamps
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler wires the pipeline stages. sink may be nil.
func NewHandler(dec *decoder.Decoder, reg *registry.Registry, store storage.TelemetryStore, alerts *alert.Deduplicator, sink events.Sink, opts ...Option) *Handler {
	if sink == nil {
		sink = events.Nop{}
	}
	h := &Handler{
		decoder:  dec,
		registry: reg,
		store:    store,
		alerts:   alerts,
		events:   sink,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleMessage is the bus callback. Failures are logged and the message is
// dropped; it never panics.
func (h *Handler) HandleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling message on %s: %v, payload: %q", topic, r, payload)
			h.drop(metrics.ReasonDecode)
		}
	}()

	route, err := mqtt.ParseTopic(topic)
	if err != nil {
		if errors.Is(err, mqtt.ErrUnknownClass) {
			logger.Debug("ignoring message: %v", err)
			h.drop(metrics.ReasonUnknownClass)
			return
		}
		logger.Warn("dropping message: %v, payload: %q", err, payload)
		h.drop(metrics.ReasonUnroutable)
		return
	}

	if h.metrics != nil {
		h.metrics.Received(string(route.Class))
	}
	route.DeviceID = validator.NormalizeDeviceID(route.DeviceID)

	ctx := context.Background()
	switch route.Class {
	case mqtt.ClassTelemetry, mqtt.ClassTest:
		h.handleTelemetry(ctx, topic, route, payload)
	case mqtt.ClassStatus:
		h.handleStatus(ctx, route, payload)
	case mqtt.ClassHeartbeat:
		h.handleHeartbeat(ctx, route)
	case mqtt.ClassLocation:
		h.handleLocation(ctx, route, payload)
	case mqtt.ClassAlarm:
		h.handleAlarm(ctx, route, payload)
	}
}

func (h *Handler) handleTelemetry(ctx context.Context, topic string, route mqtt.Route, payload []byte) {
	raw := string(payload)
	t, err := h.decoder.DecodeErr(raw)
	if err != nil {
		logger.Warn("dropping message on %s: %v, payload: %q", topic, err, raw)
		h.drop(metrics.ReasonDecode)
		return
	}
	if h.metrics != nil {
		h.metrics.Decoded(string(t.Format))
	}

	if strings.TrimSpace(t.DeviceID) == "" {
		t.DeviceID = route.DeviceID
	}
	if err := validator.Check(t); err != nil {
		logger.Warn("dropping message on %s: %v, payload: %q", topic, err, raw)
		h.drop(metrics.ReasonValidation)
		return
	}
	t = validator.Normalize(t)

	res, err := h.registry.Resolve(ctx, t.DeviceID, route.TenantID, t)
	if err != nil {
		logger.Error("dropping telemetry for %s (operation resolve): %v", t.DeviceID, err)
		h.drop(metrics.ReasonRegistry)
		return
	}

	switch {
	case res.IsDeactivated:
		logger.Debug("dropping telemetry from deactivated device %s", t.DeviceID)
		h.drop(metrics.ReasonDeactivated)
		return
	case res.IsPending:
		logger.Debug("holding telemetry from pending device %s (%d messages)", t.DeviceID, res.Pending.TelemetryCount)
		if h.metrics != nil {
			h.metrics.Pending()
			h.metrics.SetPendingDevices(len(h.registry.ListPending()))
		}
		return
	}

	device := res.Device
	if err := h.registry.RecordActivity(ctx, device, t); err != nil {
		logger.Error("failed to record activity for %s (operation update_device): %v", device.DeviceID, err)
	}

	// Check already rejected records with unparseable timestamps
	ts, _ := t.Time()
	reading := &storage.TelemetryReading{
		ID:         uuid.New().String(),
		DeviceID:   device.DeviceID,
		Timestamp:  ts,
		Data:       t,
		Raw:        raw,
		ReceivedAt: h.now().UTC(),
	}
	if err := h.store.SaveTelemetry(ctx, reading); err != nil {
		logger.Error("telemetry for %s lost (operation save_telemetry): %v", device.DeviceID, err)
		h.drop(metrics.ReasonPersistence)
		return
	}
	if h.metrics != nil {
		h.metrics.Persisted()
	}

	h.evaluate(ctx, device.DeviceID, t)

	h.events.Publish(events.Event{
		Type:     events.TelemetryReceived,
		DeviceID: device.DeviceID,
		TenantID: device.TenantID,
		Payload:  reading,
	})
}

// handleStatus updates an active device's status snapshot. Payloads that
// decode and validate as telemetry for the same device are also checked
// against the alert thresholds; anything else is kept as the raw snapshot.
func (h *Handler) handleStatus(ctx context.Context, route mqtt.Route, payload []byte) {
	device, ok := h.activeDevice(ctx, route, "status")
	if !ok {
		return
	}

	t := h.statusTelemetry(route, payload)
	if t == nil {
		device.LastStatus = strings.TrimSpace(string(payload))
	}

	if err := h.registry.RecordActivity(ctx, device, t); err != nil {
		logger.Error("status for %s lost (operation update_device): %v", device.DeviceID, err)
		h.drop(metrics.ReasonPersistence)
		return
	}
	if t != nil {
		h.evaluate(ctx, device.DeviceID, t)
	}
}

// statusTelemetry returns the normalized record carried by a status payload,
// or nil when the payload is free text, invalid or about another device
func (h *Handler) statusTelemetry(route mqtt.Route, payload []byte) *decoder.Telemetry {
	t, err := h.decoder.DecodeErr(string(payload))
	if err != nil {
		return nil
	}
	if h.metrics != nil {
		h.metrics.Decoded(string(t.Format))
	}

	if strings.TrimSpace(t.DeviceID) == "" {
		t.DeviceID = route.DeviceID
	}
	if err := validator.Check(t); err != nil {
		logger.Warn("status for %s failed validation, keeping raw snapshot: %v", route.DeviceID, err)
		h.drop(metrics.ReasonValidation)
		return nil
	}
	t = validator.Normalize(t)
	if t.DeviceID != route.DeviceID {
		logger.Warn("status on %s topic reports device %s, keeping raw snapshot", route.DeviceID, t.DeviceID)
		return nil
	}
	return t
}

func (h *Handler) handleHeartbeat(ctx context.Context, route mqtt.Route) {
	known, err := h.registry.Touch(ctx, route.DeviceID)
	if err != nil {
		logger.Error("heartbeat for %s lost (operation touch): %v", route.DeviceID, err)
		h.drop(metrics.ReasonRegistry)
		return
	}
	if !known {
		logger.Debug("heartbeat from unknown device %s", route.DeviceID)
	}
}

func (h *Handler) handleLocation(ctx context.Context, route mqtt.Route, payload []byte) {
	loc, err := ParseLocation(payload)
	if err != nil {
		logger.Warn("dropping location for %s: %v, payload: %q", route.DeviceID, err, payload)
		h.drop(metrics.ReasonDecode)
		return
	}

	err = h.registry.UpdateLocation(ctx, route.DeviceID, loc)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNotFound):
		logger.Debug("location from unknown device %s", route.DeviceID)
	case errors.Is(err, registry.ErrDeactivated):
		h.drop(metrics.ReasonDeactivated)
	default:
		logger.Error("location for %s lost (operation update_location): %v", route.DeviceID, err)
		h.drop(metrics.ReasonPersistence)
	}
}

func (h *Handler) handleAlarm(ctx context.Context, route mqtt.Route, payload []byte) {
	device, ok := h.activeDevice(ctx, route, "alarm")
	if !ok {
		return
	}

	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		msg = "device alarm"
	}
	res, err := h.alerts.CreateOrUpdateAlert(ctx, device.DeviceID, alert.CategoryOther, msg, alert.SeverityWarning)
	if err != nil {
		logger.Error("alarm for %s lost (operation create_alert): %v", device.DeviceID, err)
		h.drop(metrics.ReasonPersistence)
		return
	}
	h.countAlert(res)
}

// activeDevice looks up the device a non-telemetry message is about. Unknown
// and deactivated devices are dropped.
func (h *Handler) activeDevice(ctx context.Context, route mqtt.Route, class string) (*storage.Device, bool) {
	device, err := h.registry.Lookup(ctx, route.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("ignoring %s from unprovisioned device %s", class, route.DeviceID)
			return nil, false
		}
		logger.Error("%s for %s lost (operation lookup): %v", class, route.DeviceID, err)
		h.drop(metrics.ReasonRegistry)
		return nil, false
	}
	if !device.Active {
		logger.Debug("dropping %s from deactivated device %s", class, route.DeviceID)
		h.drop(metrics.ReasonDeactivated)
		return nil, false
	}
	return device, true
}

func (h *Handler) evaluate(ctx context.Context, deviceID string, t *decoder.Telemetry) {
	results, err := h.alerts.Evaluate(ctx, deviceID, t)
	if err != nil {
		logger.Error("alert evaluation for %s incomplete (operation create_alert): %v", deviceID, err)
	}
	for _, res := range results {
		h.countAlert(res)
	}
}

func (h *Handler) countAlert(res *alert.Result) {
	if h.metrics != nil && res != nil {
		h.metrics.Alert(res.Alert.Category, string(res.Action))
	}
}

func (h *Handler) drop(reason string) {
	if h.metrics != nil {
		h.metrics.Dropped(reason)
	}
}

type locationPayload struct {
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Source    string   `json:"source"`
}

// ParseLocation reads {"lat":..,"lon":..} (latitude/longitude also accepted)
// or "lat,lon"
func ParseLocation(payload []byte) (decoder.Location, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return decoder.Location{}, ErrBadLocation
	}

	var lat, lon float64
	source := ""
	if strings.HasPrefix(s, "{") {
		var p locationPayload
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return decoder.Location{}, fmt.Errorf("%w: %v", ErrBadLocation, err)
		}
		if p.Lat == nil {
			p.Lat = p.Latitude
		}
		if p.Lon == nil {
			p.Lon = p.Longitude
		}
		if p.Lat == nil || p.Lon == nil {
			return decoder.Location{}, fmt.Errorf("%w: missing coordinate", ErrBadLocation)
		}
		lat, lon, source = *p.Lat, *p.Lon, p.Source
	} else {
		parts := strings.Split(s, ",")
		if len(parts) != 2 {
			return decoder.Location{}, fmt.Errorf("%w: %q", ErrBadLocation, s)
		}
		var err error
		if lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
			return decoder.Location{}, fmt.Errorf("%w: %v", ErrBadLocation, err)
		}
		if lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
			return decoder.Location{}, fmt.Errorf("%w: %v", ErrBadLocation, err)
		}
	}

	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return decoder.Location{}, fmt.Errorf("%w: coordinates out of range", ErrBadLocation)
	}
	return decoder.Location{Latitude: lat, Longitude: lon, Source: source}, nil
}
