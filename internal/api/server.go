// Package api is the HTTP surface of the control plane: JSON state queries,
// control and stage commands, the telemetry event stream and debug pages.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/config"
	"github.com/lfi-playground/lfi-demo/internal/dispatch"
	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/httputil"
	"github.com/lfi-playground/lfi-demo/internal/journal"
	"github.com/lfi-playground/lfi-demo/internal/supervisor"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
	"github.com/lfi-playground/lfi-demo/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Controller is the part of the supervisor driven over HTTP.
type Controller interface {
	Config() *config.Config
	ControlState() supervisor.ControlState
	Health() supervisor.Health
	LaserHardwareType() hw.LaserType

	SetTargetEn(ctx context.Context, en bool) error
	RequestTargetReset()
	FlashFirmware(ctx context.Context) error
	SetIlluminationEn(ctx context.Context, on bool) error
	SetIlluminationPower(ctx context.Context, p float64) error
	SetLaserArm(ctx context.Context, arm bool) error
	SetLaserPower(ctx context.Context, p float64) error
	PulseLaser(ctx context.Context) (bool, error)

	MoveStage(ctx context.Context, d supervisor.Direction) error
	SetStageTargetCoordinates(ctx context.Context, c hw.Coordinates) error
	SetStageSteps(x, y, z int) error
	ResetStageSteps() error
	ZeroStagePosition(ctx context.Context) error
	SetBypassEndstops(on bool)
	SetStageLock(ctx context.Context, lock bool) error
}

// Options wires a Server to the rest of the application.
type Options struct {
	Controller Controller
	Stream     *dispatch.Dispatcher[telemetry.Item]
	Journal    *journal.Journal
	Camera     hw.Camera
}

type Server struct {
	ctl     Controller
	stream  *dispatch.Dispatcher[telemetry.Item]
	journal *journal.Journal
	camera  hw.Camera
}

func NewServer(opts Options) *Server {
	return &Server{
		ctl:     opts.Controller,
		stream:  opts.Stream,
		journal: opts.Journal,
		camera:  opts.Camera,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// quietPaths are polled by the UI and not worth a log line each.
var quietPaths = map[string]bool{
	"/api/health": true,
	"/api/state":  true,
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		if quietPaths[r.URL.Path] && lrw.statusCode < 400 {
			return
		}
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.showState)
	mux.HandleFunc("GET /api/health", s.showHealth)
	mux.HandleFunc("GET /api/laser_type", s.showLaserType)
	mux.HandleFunc("GET /api/counters", s.showCounters)
	mux.HandleFunc("GET /api/current_stats", s.showCurrentStats)
	mux.HandleFunc("GET /api/logs", s.showLogs)
	mux.HandleFunc("GET /api/version", s.showVersion)

	mux.HandleFunc("GET /control/{target}", s.handleControl)
	mux.HandleFunc("GET /stage/{action}", s.handleStageAction)
	mux.HandleFunc("POST /stage/coordinates", s.handleStageCoordinates)
	mux.HandleFunc("POST /stage/steps", s.handleStageSteps)
	mux.HandleFunc("POST /admin/flash", s.handleFlash)

	mux.HandleFunc("GET /events", s.streamEvents)
	mux.HandleFunc("GET /charts/current", s.showCurrentChart)
	mux.HandleFunc("GET /charts/current.png", s.showCurrentPlot)
	return mux
}

// writeCommandError maps a supervisor error onto an HTTP status.
func writeCommandError(w http.ResponseWriter, err error) {
	var pe *supervisor.ParameterError
	switch {
	case errors.As(err, &pe):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// queryInt returns the integer "n" style query parameter or def.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.ctl.ControlState())
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	h := s.ctl.Health()
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, h)
}

func (s *Server) showLaserType(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]hw.LaserType{"laser_type": s.ctl.LaserHardwareType()})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) showCounters(w http.ResponseWriter, r *http.Request) {
	c, err := s.journal.Counters(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, c)
}

func (s *Server) showCurrentStats(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", s.ctl.Config().Server.NCurrentSamples)
	if err != nil || n < 1 {
		httputil.BadRequest(w, "n must be a positive integer")
		return
	}
	st, err := s.journal.CurrentStats(r.Context(), n)
	if errors.Is(err, journal.ErrNoReadings) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) showLogs(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", 50)
	if err != nil || n < 1 {
		httputil.BadRequest(w, "n must be a positive integer")
		return
	}
	logs, err := s.journal.RecentLogs(r.Context(), n)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if logs == nil {
		logs = []journal.LogEntry{}
	}
	httputil.WriteJSONOK(w, logs)
}

func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	if !s.ctl.Config().Dev.AdminMode {
		httputil.Forbidden(w, "firmware flashing requires admin mode")
		return
	}
	if err := s.ctl.FlashFirmware(r.Context()); err != nil {
		var fe *hw.FlashError
		if errors.As(err, &fe) {
			httputil.WriteJSON(w, http.StatusBadGateway, map[string]any{
				"error":    "firmware flashing failed",
				"attempts": fe.Attempts,
				"output":   fe.Output,
			})
			return
		}
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "flashed"})
}
