package api

import (
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/lfi-playground/lfi-demo/internal/httputil"
	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/supervisor"
)

// switchValue reports whether the "value" query parameter is present. The UI
// toggles send it when switching on and omit it when switching off.
func switchValue(r *http.Request) bool {
	return r.URL.Query().Has("value")
}

// percentValue reads "value" as a percentage in [0, 100].
func percentValue(r *http.Request) (float64, bool) {
	v, err := strconv.Atoi(r.URL.Query().Get("value"))
	if err != nil {
		return 0, false
	}
	return float64(v) / 100, true
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target := r.PathValue("target")

	var err error
	switch target {
	case "target_reset":
		s.ctl.RequestTargetReset()
	case "target_en":
		err = s.ctl.SetTargetEn(ctx, switchValue(r))
	case "illumination_en":
		err = s.ctl.SetIlluminationEn(ctx, switchValue(r))
	case "illumination_power":
		p, ok := percentValue(r)
		if !ok {
			httputil.BadRequest(w, "illumination_power needs an integer value")
			return
		}
		err = s.ctl.SetIlluminationPower(ctx, p)
	case "laser_arm":
		err = s.ctl.SetLaserArm(ctx, switchValue(r))
	case "pulse_laser":
		pulsed, err := s.ctl.PulseLaser(ctx)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		httputil.WriteJSONOK(w, map[string]bool{"pulsed": pulsed})
		return
	case "laser_power":
		p, ok := percentValue(r)
		if !ok {
			httputil.BadRequest(w, "laser_power needs an integer value")
			return
		}
		err = s.ctl.SetLaserPower(ctx, p)
	case "camera_enhance":
		if s.camera == nil {
			httputil.NotFound(w, "no camera")
			return
		}
		s.camera.SetFilterEnabled(switchValue(r))
	default:
		log.Printf("[API] unhandled control request: target=%q value=%q", target, r.URL.Query().Get("value"))
		httputil.NotImplemented(w, "unknown control "+strconv.Quote(target))
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (s *Server) handleStageAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	action := r.PathValue("action")

	var err error
	switch action {
	case "lock":
		err = s.ctl.SetStageLock(ctx, true)
	case "unlock":
		err = s.ctl.SetStageLock(ctx, false)
	case "up", "down", "left", "right", "in", "out":
		d, perr := supervisor.ParseDirection(action)
		if perr != nil {
			writeCommandError(w, perr)
			return
		}
		err = s.ctl.MoveStage(ctx, d)
	case "reset_steps":
		err = s.ctl.ResetStageSteps()
	case "bypass_endstops":
		s.ctl.SetBypassEndstops(switchValue(r))
	case "zero_position":
		err = s.ctl.ZeroStagePosition(ctx)
	case "center":
		err = s.ctl.SetStageTargetCoordinates(ctx, hw.Coordinates{})
	default:
		log.Printf("[API] unhandled stage action: %q", action)
		httputil.NotImplemented(w, "unknown stage action "+strconv.Quote(action))
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.NoContent(w)
}

// formInts parses the named integer form fields.
func formInts(r *http.Request, names ...string) ([]int, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	out := make([]int, len(names))
	for i, name := range names {
		v, err := strconv.Atoi(r.PostForm.Get(name))
		if err != nil {
			return nil, &supervisor.ParameterError{Name: name, Value: r.PostForm.Get(name)}
		}
		out[i] = v
	}
	return out, nil
}

func (s *Server) handleStageCoordinates(w http.ResponseWriter, r *http.Request) {
	v, err := formInts(r, "x_coord", "y_coord", "z_coord")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var c hw.Coordinates
	for i, x := range v {
		if x < math.MinInt32 || x > math.MaxInt32 {
			httputil.BadRequest(w, "coordinate out of range")
			return
		}
		c[i] = int32(x)
	}
	if err := s.ctl.SetStageTargetCoordinates(r.Context(), c); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (s *Server) handleStageSteps(w http.ResponseWriter, r *http.Request) {
	v, err := formInts(r, "x_step", "y_step", "z_step")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.ctl.SetStageSteps(v[0], v[1], v[2]); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.NoContent(w)
}
