package mqtt

import (
	"errors"
	"fmt"
	"strings"
)

// Topic segment markers
const (
	TenantMarker = "tenant"
	DeviceMarker = "device"
)

// Class is the message class carried in the last topic segment
type Class string

const (
	ClassTelemetry Class = "telemetry"
	ClassStatus    Class = "status"
	ClassLocation  Class = "location"
	ClassTest      Class = "test"
	ClassAlarm     Class = "alarm"
	ClassHeartbeat Class = "heartbeat"
)

var knownClasses = map[Class]bool{
	ClassTelemetry: true,
	ClassStatus:    true,
	ClassLocation:  true,
	ClassTest:      true,
	ClassAlarm:     true,
	ClassHeartbeat: true,
}

// Valid reports whether c is a handled message class
func (c Class) Valid() bool {
	return knownClasses[c]
}

var (
	// ErrNoDevice is returned for topics matching no known layout
	ErrNoDevice = errors.New("no device id in topic")
	// ErrUnknownClass is returned for topics whose last segment is not a handled class
	ErrUnknownClass = errors.New("unknown message class")
)

// Route is what a topic says about a message. TenantID is empty for the
// legacy layout.
type Route struct {
	TenantID string
	DeviceID string
	Class    Class
}

// ParseTopic extracts tenant, device and message class from one of:
//
//	tenant/{tenantId}/device/{deviceId}/{class}
//	{tenantId}/device/{deviceId}/{class}
//	device/{deviceId}/{class}
func ParseTopic(topic string) (Route, error) {
	segs := strings.Split(strings.Trim(topic, "/"), "/")

	var r Route
	switch {
	case len(segs) >= 4 && segs[0] == TenantMarker && segs[2] == DeviceMarker:
		r.TenantID, r.DeviceID = segs[1], segs[3]
	case len(segs) >= 3 && segs[1] == DeviceMarker:
		r.TenantID, r.DeviceID = segs[0], segs[2]
	case len(segs) >= 2 && segs[0] == DeviceMarker:
		r.DeviceID = segs[1]
	}

	if r.DeviceID == "" {
		return Route{}, fmt.Errorf("%w: %s", ErrNoDevice, topic)
	}

	r.Class = Class(segs[len(segs)-1])
	if !r.Class.Valid() {
		return r, fmt.Errorf("%w %q in topic %s", ErrUnknownClass, r.Class, topic)
	}
	return r, nil
}

// SubscriptionTopics returns the wildcard subscriptions covering the three layouts
func SubscriptionTopics() []string {
	return []string{
		TenantMarker + "/+/" + DeviceMarker + "/+/+",
		"+/" + DeviceMarker + "/+/+",
		DeviceMarker + "/+/+",
	}
}
