package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/lfi-playground/lfi-demo/internal/httputil"
	"github.com/lfi-playground/lfi-demo/internal/journal"
	"github.com/lfi-playground/lfi-demo/internal/supervisor"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

// message is one UI update on the event stream. Exactly one field is set.
type message struct {
	Action  string   `json:"action,omitempty"`
	Value   string   `json:"value,omitempty"`
	Current *float64 `json:"current,omitempty"`
	Serial  *string  `json:"serial,omitempty"`
	Log     *logLine `json:"log,omitempty"`
}

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Date    string `json:"date"`
}

func action(name string) message { return message{Action: name} }

// streamState holds the counters shown to one event stream client.
type streamState struct {
	pulses    int64
	successes int64
}

// initialMessages brings a freshly connected client up to date.
func initialMessages(st supervisor.ControlState, c journal.Counters) []message {
	msgs := []message{
		{Action: "set_pulse_counter", Value: strconv.FormatInt(c.Pulses, 10)},
		{Action: "set_success_counter", Value: strconv.FormatInt(c.Successes, 10)},
	}
	if st.LaserArmed {
		msgs = append(msgs, action("enable_pulse_button"))
	}
	if st.TargetEn {
		msgs = append(msgs, action("enable_reset_button"))
	}
	if st.TargetPowered {
		msgs = append(msgs, action("set_target_power_enabled"))
	}
	if st.SerialConnected {
		msgs = append(msgs, action("set_serial_connected"))
	}
	return msgs
}

// translate maps a telemetry item onto UI messages.
func (s *streamState) translate(it telemetry.Item) []message {
	switch v := it.(type) {
	case telemetry.Reading:
		if v.Current == nil {
			return nil
		}
		ma := *v.Current * 1e3
		return []message{{Current: &ma}}
	case telemetry.SerialData:
		text := v.Text()
		return []message{{Serial: &text}}
	case telemetry.LogMessage:
		return []message{{Log: &logLine{
			Level:   v.Level.String(),
			Message: v.Message,
			Date:    v.Timestamp.Format("15:04:05"),
		}}}
	case telemetry.EventRecord:
		return s.translateEvent(v.Event)
	}
	return nil
}

func (s *streamState) translateEvent(e telemetry.Event) []message {
	switch e {
	case telemetry.GlitchSuccess:
		s.successes++
		return []message{
			action("success"),
			{Action: "set_success_counter", Value: strconv.FormatInt(s.successes, 10)},
		}
	case telemetry.Pulse:
		s.pulses++
		return []message{
			action("pulse"),
			{Action: "set_pulse_counter", Value: strconv.FormatInt(s.pulses, 10)},
		}
	case telemetry.LaserArmed:
		return []message{action("enable_pulse_button")}
	case telemetry.LaserDisarmed:
		return []message{action("disable_pulse_button")}
	case telemetry.TargetEnabled:
		return []message{action("enable_reset_button")}
	case telemetry.TargetDisabled:
		return []message{action("disable_reset_button"), action("set_target_en_toggle_off")}
	case telemetry.SerialConnected:
		return []message{action("set_serial_connected")}
	case telemetry.SerialDisconnected:
		return []message{action("set_serial_disconnected")}
	case telemetry.TargetPowerEnabled:
		return []message{action("set_target_power_enabled")}
	case telemetry.TargetPowerDisabled:
		return []message{action("set_target_power_disabled")}
	case telemetry.StageLocked, telemetry.StageIdle, telemetry.StageMoving,
		telemetry.StageStepsUpdate, telemetry.StageZeroed:
		return []message{action("refresh_coordinates")}
	default:
		log.Printf("[API] unhandled supervisor event: %s", e)
		return nil
	}
}

// streamEvents serves the merged telemetry as Server-Sent Events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before reading the state so no change falls in between.
	sub := s.stream.Subscribe(r.Context())
	defer sub.Close()

	es, err := httputil.NewEventStream(w)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	counters, err := s.journal.Counters(r.Context())
	if err != nil {
		log.Printf("[API] reading counters: %v", err)
	}
	st := &streamState{pulses: counters.Pulses, successes: counters.Successes}

	send := func(msgs []message) bool {
		for _, m := range msgs {
			payload, err := json.Marshal(m)
			if err != nil {
				log.Printf("[API] encoding stream message: %v", err)
				continue
			}
			if err := es.Write(payload); err != nil {
				return false
			}
		}
		es.Flush()
		return true
	}

	if !send(initialMessages(s.ctl.ControlState(), counters)) {
		return
	}
	for {
		select {
		case it, ok := <-sub.C():
			if !ok {
				return
			}
			if msgs := st.translate(it); len(msgs) > 0 && !send(msgs) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
