package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eddielth/crane-telemetry/alert"
	"github.com/eddielth/crane-telemetry/decoder"
	"github.com/eddielth/crane-telemetry/events"
	"github.com/eddielth/crane-telemetry/metrics"
	"github.com/eddielth/crane-telemetry/registry"
	"github.com/eddielth/crane-telemetry/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyValuePayload = "TS=2025-09-09T12:05:10Z;ID=TC-004;LOAD=120;SWL=100;LS1=OK;LS2=OK;LS3=OK;UT=OK;UTIL=92"
	pipePayload     = "TC-001|2025-09-09T12:06:00Z|LOAD:85|SWL:100|LS1:OK|LS2:OK|LS3:FAIL|UT:OK|UTIL:78"
	jsonPayload     = `{"id":"TC-002","ts":"2025-09-09T12:07:00Z","load":45,"swl":80,"ls1":"OK","ls2":"OK","ls3":"OK","ut":"OK","util":56}`
	hexPayload      = "$DM12369186d32020090F09B#"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	handler  *Handler
	store    *storage.MemoryStorage
	registry *registry.Registry
	metrics  *metrics.Metrics
	events   *recorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStorage(),
		metrics: metrics.New(),
		events:  &recorder{},
		now:     time.Date(2025, 9, 9, 12, 10, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.registry = registry.New(f.store, f.events, registry.WithClock(clock))
	dedup := alert.NewDeduplicator(f.store, f.events, alert.WithClock(clock))
	f.handler = NewHandler(decoder.New(), f.registry, f.store, dedup, f.events,
		WithMetrics(f.metrics), WithClock(clock))
	return f
}

func (f *fixture) approve(t *testing.T, deviceID string) {
	t.Helper()
	_, err := f.registry.Approve(context.Background(), deviceID, registry.ApprovalRequest{})
	require.NoError(t, err)
}

func (f *fixture) dropped(reason string) float64 {
	return testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues(reason))
}

func TestHandleMessage_UnknownDeviceGoesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("tenant/acme/device/TC-004/telemetry", []byte(keyValuePayload))

	p, err := f.registry.GetPending("TC-004")
	require.NoError(t, err)
	assert.Equal(t, "acme", p.TenantID)
	assert.Equal(t, 1, p.TelemetryCount)

	_, err = f.store.GetDevice(ctx, "TC-004")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	readings, _ := f.store.ListTelemetry(ctx, "TC-004", 0)
	assert.Empty(t, readings)
	assert.Len(t, f.events.ofType(events.DeviceDiscovered), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PendingTelemetry))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PendingDevices))
}

func TestHandleMessage_ApprovedDevicePersistsAndAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("tenant/acme/device/TC-004/telemetry", []byte(keyValuePayload))
	f.approve(t, "TC-004")
	f.handler.HandleMessage("tenant/acme/device/TC-004/telemetry", []byte(keyValuePayload))

	readings, err := f.store.ListTelemetry(ctx, "TC-004", 0)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, keyValuePayload, readings[0].Raw)
	assert.Equal(t, time.Date(2025, 9, 9, 12, 5, 10, 0, time.UTC), readings[0].Timestamp)
	assert.Equal(t, 120.0, readings[0].Data.Load)

	alerts, err := f.store.ListAlerts(ctx, "TC-004")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.CategoryOverload, alerts[0].Category)

	d, err := f.store.GetDevice(ctx, "TC-004")
	require.NoError(t, err)
	assert.True(t, d.Online)
	assert.Equal(t, f.now, d.LastSeen)

	received := f.events.ofType(events.TelemetryReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "acme", received[0].TenantID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReadingsPersisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(alert.CategoryOverload, "created")))
}

func TestHandleMessage_RepeatedOverloadCollapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/TC-004/telemetry", []byte(keyValuePayload))
	f.approve(t, "TC-004")
	f.handler.HandleMessage("device/TC-004/telemetry", []byte(keyValuePayload))
	f.now = f.now.Add(time.Minute)
	f.handler.HandleMessage("device/TC-004/telemetry", []byte(keyValuePayload))

	alerts, _ := f.store.ListAlerts(ctx, "TC-004")
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].Occurrences)
	assert.Len(t, f.events.ofType(events.AlertCreated), 1)
}

func TestHandleMessage_AllFormats(t *testing.T) {
	tests := []struct {
		topic    string
		payload  string
		deviceID string
		format   decoder.Format
	}{
		{"device/TC-004/telemetry", keyValuePayload, "TC-004", decoder.FormatKeyValue},
		{"acme/device/TC-001/telemetry", pipePayload, "TC-001", decoder.FormatPipe},
		{"tenant/acme/device/TC-002/test", jsonPayload, "TC-002", decoder.FormatJSON},
		{"device/DM-123/telemetry", hexPayload, "DM-123", decoder.FormatHexFrame},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			f.handler.HandleMessage(tt.topic, []byte(tt.payload))
			f.approve(t, tt.deviceID)
			f.handler.HandleMessage(tt.topic, []byte(tt.payload))

			readings, err := f.store.ListTelemetry(ctx, tt.deviceID, 0)
			require.NoError(t, err)
			require.Len(t, readings, 1)
			assert.Equal(t, tt.format, readings[0].Data.Format)
			assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MessagesDecoded.WithLabelValues(string(tt.format))))
		})
	}
}

func TestHandleMessage_LimitSwitchFailure(t *testing.T) {
	f := newFixture(t)

	f.handler.HandleMessage("device/TC-001/telemetry", []byte(pipePayload))
	f.approve(t, "TC-001")
	f.handler.HandleMessage("device/TC-001/telemetry", []byte(pipePayload))

	alerts, _ := f.store.ListAlerts(context.Background(), "TC-001")
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.CategoryLimitSwitch, alerts[0].Category)
	assert.Contains(t, alerts[0].Message, "LS3")
}

func TestHandleMessage_Drops(t *testing.T) {
	f := newFixture(t)

	f.handler.HandleMessage("device/TC-001/telemetry", []byte("invalid payload format"))
	f.handler.HandleMessage("device/TC-001/telemetry", nil)
	assert.Equal(t, 2.0, f.dropped(metrics.ReasonDecode))

	f.handler.HandleMessage("device/TC-002/telemetry",
		[]byte(`{"id":"TC-002","ts":"2025-09-09T12:07:00Z","load":45,"swl":0}`))
	assert.Equal(t, 1.0, f.dropped(metrics.ReasonValidation))

	f.handler.HandleMessage("sensors/TC-001/telemetry", []byte(jsonPayload))
	assert.Equal(t, 1.0, f.dropped(metrics.ReasonUnroutable))

	f.handler.HandleMessage("device/TC-001/firmware", []byte(jsonPayload))
	assert.Equal(t, 1.0, f.dropped(metrics.ReasonUnknownClass))

	assert.Empty(t, f.registry.ListPending())
}

func TestHandleMessage_DeviceIDFromTopic(t *testing.T) {
	f := newFixture(t)

	f.handler.HandleMessage("device/tc-009/telemetry",
		[]byte(`{"ts":"2025-09-09T12:07:00Z","load":10,"swl":80}`))

	_, err := f.registry.GetPending("TC-009")
	assert.NoError(t, err)
}

func TestHandleMessage_DeactivatedDeviceDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))
	f.approve(t, "TC-002")
	require.NoError(t, f.registry.Deactivate(ctx, "TC-002"))

	f.handler.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))
	f.handler.HandleMessage("device/TC-002/alarm", []byte("door open"))

	readings, _ := f.store.ListTelemetry(ctx, "TC-002", 0)
	assert.Empty(t, readings)
	assert.Empty(t, f.registry.ListPending())
	assert.Equal(t, 2.0, f.dropped(metrics.ReasonDeactivated))
}

func TestHandleMessage_Heartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))
	f.approve(t, "TC-002")

	d, _ := f.store.GetDevice(ctx, "TC-002")
	d.Online = false
	require.NoError(t, f.store.UpdateDevice(ctx, d))

	f.now = f.now.Add(3 * time.Minute)
	f.handler.HandleMessage("device/TC-002/heartbeat", nil)

	d, _ = f.store.GetDevice(ctx, "TC-002")
	assert.True(t, d.Online)
	assert.Equal(t, f.now, d.LastSeen)

	f.handler.HandleMessage("device/TC-404/heartbeat", nil)
	assert.Empty(t, f.registry.ListPending())
}

func TestHandleMessage_Location(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))
	f.handler.HandleMessage("device/TC-002/location", []byte("51.5,-0.12"))

	p, err := f.registry.GetPending("TC-002")
	require.NoError(t, err)
	require.NotNil(t, p.Location)
	assert.Equal(t, 51.5, p.Location.Latitude)

	f.approve(t, "TC-002")
	f.handler.HandleMessage("device/TC-002/location", []byte(`{"lat":48.85,"lon":2.35}`))

	d, err := f.store.GetDevice(ctx, "TC-002")
	require.NoError(t, err)
	require.NotNil(t, d.Location)
	assert.Equal(t, 48.85, d.Location.Latitude)
	assert.Equal(t, 2.35, d.Location.Longitude)

	f.handler.HandleMessage("device/TC-002/location", []byte("north"))
	assert.Equal(t, 1.0, f.dropped(metrics.ReasonDecode))
}

func TestHandleMessage_Alarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/TC-002/alarm", []byte("anemometer fault"))
	alerts, _ := f.store.ListAlerts(ctx, "TC-002")
	assert.Empty(t, alerts)

	f.handler.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))
	f.approve(t, "TC-002")
	f.handler.HandleMessage("device/TC-002/alarm", []byte("  anemometer fault \n"))
	f.handler.HandleMessage("device/TC-002/alarm", []byte("anemometer fault"))

	alerts, _ = f.store.ListAlerts(ctx, "TC-002")
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.CategoryOther, alerts[0].Category)
	assert.Equal(t, alert.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "anemometer fault", alerts[0].Message)
	assert.Equal(t, 2, alerts[0].Occurrences)
}

func TestHandleMessage_Status(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/TC-004/telemetry", []byte(keyValuePayload))
	f.approve(t, "TC-004")

	f.handler.HandleMessage("device/TC-004/status", []byte("  CRANE IDLE "))
	d, _ := f.store.GetDevice(ctx, "TC-004")
	assert.Equal(t, "CRANE IDLE", d.LastStatus)

	f.handler.HandleMessage("device/TC-004/status", []byte(keyValuePayload))
	alerts, _ := f.store.ListAlerts(ctx, "TC-004")
	assert.Len(t, alerts, 1)

	readings, _ := f.store.ListTelemetry(ctx, "TC-004", 0)
	assert.Empty(t, readings)
}

func TestHandleMessage_StatusFailingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/TC-004/telemetry", []byte(keyValuePayload))
	f.approve(t, "TC-004")

	overUtil := "TS=2025-09-09T12:05:10Z;ID=TC-004;LOAD=10;SWL=100;UT=OK;UTIL=500"
	f.handler.HandleMessage("device/TC-004/telemetry", []byte(overUtil))
	f.handler.HandleMessage("device/TC-004/status", []byte(overUtil))

	alerts, _ := f.store.ListAlerts(ctx, "TC-004")
	assert.Empty(t, alerts)
	assert.Equal(t, 2.0, f.dropped(metrics.ReasonValidation))

	d, _ := f.store.GetDevice(ctx, "TC-004")
	assert.Equal(t, overUtil, d.LastStatus)

	garbage := "TS=garbage;ID=TC-004;LOAD=10;SWL=100;LS1=BROKEN;UTIL=10"
	f.handler.HandleMessage("device/TC-004/status", []byte(garbage))
	d, _ = f.store.GetDevice(ctx, "TC-004")
	assert.Equal(t, garbage, d.LastStatus)
}

func TestHandleMessage_StatusForAnotherDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/TC-004/telemetry", []byte(keyValuePayload))
	f.approve(t, "TC-004")

	other := "TS=2025-09-09T12:05:10Z;ID=TC-005;LOAD=120;SWL=100;UT=OK;UTIL=10"
	f.handler.HandleMessage("device/TC-004/status", []byte(other))

	alerts, _ := f.store.ListAlerts(ctx, "TC-004")
	assert.Empty(t, alerts)
	alerts, _ = f.store.ListAlerts(ctx, "TC-005")
	assert.Empty(t, alerts)

	d, _ := f.store.GetDevice(ctx, "TC-004")
	assert.Equal(t, other, d.LastStatus)
}

func TestHandleMessage_MixedCaseTopicDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("device/DM-abc/telemetry", []byte("$DMabc68e1d43820087#0506"))
	_, err := f.registry.GetPending("DM-ABC")
	require.NoError(t, err)
	f.approve(t, "DM-ABC")

	d, _ := f.store.GetDevice(ctx, "DM-ABC")
	d.Online = false
	require.NoError(t, f.store.UpdateDevice(ctx, d))

	f.now = f.now.Add(time.Minute)
	f.handler.HandleMessage("device/DM-abc/heartbeat", nil)
	d, _ = f.store.GetDevice(ctx, "DM-ABC")
	assert.True(t, d.Online)
	assert.Equal(t, f.now, d.LastSeen)

	f.handler.HandleMessage("device/dm-abc/alarm", []byte("hoist brake warning"))
	alerts, _ := f.store.ListAlerts(ctx, "DM-ABC")
	require.Len(t, alerts, 1)
	assert.Equal(t, "hoist brake warning", alerts[0].Message)

	f.handler.HandleMessage("device/Dm-Abc/location", []byte("51.5,-0.12"))
	d, _ = f.store.GetDevice(ctx, "DM-ABC")
	require.NotNil(t, d.Location)
	assert.Equal(t, 51.5, d.Location.Latitude)
}

type brokenStore struct {
	err   error
	panic bool
}

func (b *brokenStore) SaveTelemetry(context.Context, *storage.TelemetryReading) error {
	if b.panic {
		panic("store exploded")
	}
	return b.err
}

func (b *brokenStore) ListTelemetry(context.Context, string, int) ([]*storage.TelemetryReading, error) {
	return nil, b.err
}

func TestHandleMessage_PersistenceFailure(t *testing.T) {
	f := newFixture(t)
	dedup := alert.NewDeduplicator(f.store, f.events)
	h := NewHandler(decoder.New(), f.registry, &brokenStore{err: errors.New("disk full")}, dedup, f.events,
		WithMetrics(f.metrics))

	h.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))
	f.approve(t, "TC-002")
	h.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))

	assert.Equal(t, 1.0, f.dropped(metrics.ReasonPersistence))
	assert.Empty(t, f.events.ofType(events.TelemetryReceived))
}

func TestHandleMessage_NeverPanics(t *testing.T) {
	f := newFixture(t)
	dedup := alert.NewDeduplicator(f.store, f.events)
	h := NewHandler(decoder.New(), f.registry, &brokenStore{panic: true}, dedup, nil, WithMetrics(f.metrics))

	h.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))
	f.approve(t, "TC-002")

	assert.NotPanics(t, func() {
		h.HandleMessage("device/TC-002/telemetry", []byte(jsonPayload))
	})
	assert.Equal(t, 1.0, f.dropped(metrics.ReasonDecode))
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		payload string
		want    decoder.Location
		wantErr bool
	}{
		{payload: `{"lat":1.5,"lon":2.5}`, want: decoder.Location{Latitude: 1.5, Longitude: 2.5}},
		{payload: `{"latitude":-33.9,"longitude":18.4,"source":"cell"}`, want: decoder.Location{Latitude: -33.9, Longitude: 18.4, Source: "cell"}},
		{payload: " 10.25 , 20.5 ", want: decoder.Location{Latitude: 10.25, Longitude: 20.5}},
		{payload: `{"lat":1.5}`, wantErr: true},
		{payload: `{"lat":`, wantErr: true},
		{payload: "91,0", wantErr: true},
		{payload: "0,181", wantErr: true},
		{payload: "NaN,0", wantErr: true},
		{payload: "1,2,3", wantErr: true},
		{payload: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseLocation([]byte(tt.payload))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrBadLocation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
