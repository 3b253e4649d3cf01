// Package telemetry defines the items published on the supervisor's four
// streams: current readings, target serial lines, log messages and events.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Item is any value carried by a telemetry stream.
type Item interface {
	telemetryItem()
}

// Reading is one sample of the target's supply as reported by the current
// sensor, in SI units. Current and Power are nil when the sensor overflowed.
type Reading struct {
	ShuntVoltage float64   `json:"shunt_voltage"`
	BusVoltage   float64   `json:"bus_voltage"`
	Current      *float64  `json:"current"`
	Power        *float64  `json:"power"`
	Overflow     bool      `json:"overflow"`
	Time         time.Time `json:"time"`
}

// Float returns a pointer to v, for building readings.
func Float(v float64) *float64 { return &v }

// Classification is the result of matching a serial line against the
// configured success and no-success patterns.
type Classification int

const (
	Unclassified Classification = iota
	NoSuccess
	Success
)

func (c Classification) String() string {
	switch c {
	case NoSuccess:
		return "no_success"
	case Success:
		return "success"
	default:
		return "unclassified"
	}
}

func (c Classification) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// SerialData is one line of raw target output.
type SerialData struct {
	Data  []byte         `json:"data"`
	Class Classification `json:"class"`
	Time  time.Time      `json:"time"`
}

// Text returns the line as a trimmed string with invalid UTF-8 replaced.
func (s SerialData) Text() string {
	return strings.TrimRight(strings.ToValidUTF8(string(s.Data), "\uFFFD"), "\r\n ")
}

// Severity mirrors the usual log levels.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// LogMessage is a supervisor log line addressed to operators.
type LogMessage struct {
	Level     Severity  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a discrete state change notification.
type Event int

const (
	GlitchSuccess Event = iota
	Pulse
	LaserArmed
	LaserDisarmed
	TargetEnabled
	TargetDisabled
	SerialConnected
	SerialDisconnected
	TargetPowerEnabled
	TargetPowerDisabled
	StageLocked
	StageIdle
	StageMoving
	StageStepsUpdate
	StageZeroed
)

var eventNames = [...]string{
	GlitchSuccess:       "glitch_success",
	Pulse:               "pulse",
	LaserArmed:          "laser_armed",
	LaserDisarmed:       "laser_disarmed",
	TargetEnabled:       "target_enabled",
	TargetDisabled:      "target_disabled",
	SerialConnected:     "serial_connected",
	SerialDisconnected:  "serial_disconnected",
	TargetPowerEnabled:  "target_power_enabled",
	TargetPowerDisabled: "target_power_disabled",
	StageLocked:         "stage_locked",
	StageIdle:           "stage_idle",
	StageMoving:         "stage_moving",
	StageStepsUpdate:    "stage_steps_update",
	StageZeroed:         "stage_zeroed",
}

// Events lists every event in declaration order.
func Events() []Event {
	out := make([]Event, len(eventNames))
	for i := range eventNames {
		out[i] = Event(i)
	}
	return out
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

func (e Event) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *Event) UnmarshalText(b []byte) error {
	for i, name := range eventNames {
		if name == string(b) {
			*e = Event(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event %q", b)
}

// EventRecord is an Event stamped with the time it was emitted. It is what
// travels on the event stream.
type EventRecord struct {
	Event Event     `json:"event"`
	Time  time.Time `json:"time"`
}

func (Reading) telemetryItem()     {}
func (SerialData) telemetryItem()  {}
func (LogMessage) telemetryItem()  {}
func (EventRecord) telemetryItem() {}

// Kind names the stream an item belongs to.
func Kind(it Item) string {
	switch it.(type) {
	case Reading:
		return "reading"
	case SerialData:
		return "serial"
	case LogMessage:
		return "log"
	case EventRecord:
		return "event"
	default:
		return "unknown"
	}
}

// Envelope wraps an item with its kind for JSON transport.
type Envelope struct {
	Kind string          `json:"kind"`
	Item json.RawMessage `json:"item"`
}

// Marshal encodes an item inside an Envelope.
func Marshal(it Item) ([]byte, error) {
	raw, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: Kind(it), Item: raw})
}
