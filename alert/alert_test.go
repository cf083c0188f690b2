package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddielth/crane-telemetry/decoder"
	"github.com/eddielth/crane-telemetry/events"
	"github.com/eddielth/crane-telemetry/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setup() (*Deduplicator, *storage.MemoryStorage, *clock, *[]events.Event) {
	store := storage.NewMemoryStorage()
	c := &clock{now: time.Date(2025, 9, 9, 12, 0, 0, 0, time.UTC)}
	var published []events.Event
	sink := events.SinkFunc(func(e events.Event) { published = append(published, e) })
	d := NewDeduplicator(store, sink, WithClock(c.Now), WithWindow(5*time.Minute), WithUtilizationThreshold(95))
	return d, store, c, &published
}

func reading(load, swl, util float64) *decoder.Telemetry {
	t := decoder.NewTelemetry("", decoder.FormatKeyValue)
	t.DeviceID = "TC-004"
	t.Load = load
	t.SWL = swl
	t.Util = util
	t.LS1, t.LS2, t.LS3, t.LS4, t.UT = decoder.StatusOK, decoder.StatusOK, decoder.StatusOK, decoder.StatusOK, decoder.StatusOK
	return t
}

func TestDeduplicator_OverloadWithinWindowCollapses(t *testing.T) {
	ctx := context.Background()
	d, store, c, published := setup()

	res, err := d.Evaluate(ctx, "TC-004", reading(120, 100, 50))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ActionCreated, res[0].Action)

	c.Advance(2 * time.Minute)
	res, err = d.Evaluate(ctx, "TC-004", reading(130, 100, 50))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ActionUpdated, res[0].Action)
	assert.Equal(t, 2, res[0].Alert.Occurrences)
	assert.Contains(t, res[0].Alert.Message, "130.00")

	alerts, _ := store.ListAlerts(ctx, "TC-004")
	assert.Len(t, alerts, 1)

	c.Advance(4 * time.Minute)
	res, err = d.Evaluate(ctx, "TC-004", reading(125, 100, 50))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ActionCreated, res[0].Action)

	alerts, _ = store.ListAlerts(ctx, "TC-004")
	assert.Len(t, alerts, 2)

	created := 0
	for _, e := range *published {
		if e.Type == events.AlertCreated {
			created++
		}
	}
	assert.Equal(t, 2, created)
}

func TestDeduplicator_IndependentConditions(t *testing.T) {
	ctx := context.Background()
	d, store, _, _ := setup()

	rec := reading(120, 100, 97)
	rec.LS2 = decoder.StatusFail
	rec.LS3 = decoder.StatusFail

	conds := d.Check(rec)
	require.Len(t, conds, 4)
	assert.Equal(t, CategoryOverload, conds[0].Category)
	assert.Equal(t, SeverityCritical, conds[0].Severity)
	assert.Equal(t, "Limit switch LS2 reported FAIL", conds[1].Message)
	assert.Equal(t, "Limit switch LS3 reported FAIL", conds[2].Message)
	assert.Equal(t, CategoryHighUtilization, conds[3].Category)

	res, err := d.Evaluate(ctx, "TC-004", rec)
	require.NoError(t, err)
	require.Len(t, res, 4)
	// the second failing switch lands on the alert the first one created
	assert.Equal(t, ActionUpdated, res[2].Action)

	alerts, _ := store.ListAlerts(ctx, "TC-004")
	assert.Len(t, alerts, 3)
}

func TestDeduplicator_NoConditions(t *testing.T) {
	d, _, _, _ := setup()

	assert.Empty(t, d.Check(reading(80, 100, 95)))

	hit := reading(0, 0, 0)
	hit.LS1 = decoder.StatusHit
	assert.Empty(t, d.Check(hit))
}

func TestDeduplicator_OverloadFlag(t *testing.T) {
	d, _, _, _ := setup()

	rec := reading(0, 0, 0)
	rec.Format = decoder.FormatHexFrame
	rec.Overload = true

	conds := d.Check(rec)
	require.Len(t, conds, 1)
	assert.Equal(t, CategoryOverload, conds[0].Category)
}

func TestDeduplicator_SetThresholds(t *testing.T) {
	d, _, _, _ := setup()

	assert.Len(t, d.Check(reading(0, 100, 90)), 0)
	d.SetThresholds(0, 85)
	assert.Len(t, d.Check(reading(0, 100, 90)), 1)

	window, util := d.thresholds()
	assert.Equal(t, 5*time.Minute, window)
	assert.Equal(t, 85.0, util)
}

func TestDeduplicator_ResolvedAlertStopsAbsorbing(t *testing.T) {
	ctx := context.Background()
	d, _, c, published := setup()

	res, err := d.CreateOrUpdateAlert(ctx, "TC-001", CategoryOther, "door open", SeverityWarning)
	require.NoError(t, err)
	id := res.Alert.ID

	a, err := d.Acknowledge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.AlertInProgress, a.Status)

	// in-progress alerts still absorb
	c.Advance(time.Minute)
	res, err = d.CreateOrUpdateAlert(ctx, "TC-001", CategoryOther, "door open", SeverityWarning)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, res.Action)

	a, err = d.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.AlertResolved, a.Status)
	require.NotNil(t, a.ResolvedAt)

	res, err = d.CreateOrUpdateAlert(ctx, "TC-001", CategoryOther, "door open", SeverityWarning)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, res.Action)
	assert.NotEqual(t, id, res.Alert.ID)

	assert.Equal(t, events.AlertResolved, (*published)[1].Type)

	_, err = d.Resolve(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

type brokenStore struct{ *storage.MemoryStorage }

func (brokenStore) FindRecentAlert(context.Context, string, string, time.Time) (*storage.Alert, error) {
	return nil, errors.New("db down")
}

func TestDeduplicator_StoreErrorsAreJoined(t *testing.T) {
	d := NewDeduplicator(brokenStore{storage.NewMemoryStorage()}, nil)

	rec := reading(120, 100, 99)
	res, err := d.Evaluate(context.Background(), "TC-004", rec)
	require.Error(t, err)
	assert.Empty(t, res)
	assert.Contains(t, err.Error(), CategoryOverload)
	assert.Contains(t, err.Error(), CategoryHighUtilization)
}
