package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/lfi-playground/lfi-demo/internal/httputil"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// recentReadings loads the readings for a chart, honouring ?n=.
func (s *Server) recentReadings(w http.ResponseWriter, r *http.Request) ([]telemetry.Reading, bool) {
	n, err := queryInt(r, "n", s.ctl.Config().Server.NCurrentSamples)
	if err != nil || n < 1 {
		httputil.BadRequest(w, "n must be a positive integer")
		return nil, false
	}
	readings, err := s.journal.RecentReadings(r.Context(), n)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return nil, false
	}
	return readings, true
}

// showCurrentChart renders the recent target current as an HTML line chart.
func (s *Server) showCurrentChart(w http.ResponseWriter, r *http.Request) {
	readings, ok := s.recentReadings(w, r)
	if !ok {
		return
	}
	limit := s.ctl.Config().CurrentMonitoring.Limit

	x := make([]string, 0, len(readings))
	current := make([]opts.LineData, 0, len(readings))
	limitLine := make([]opts.LineData, 0, len(readings))
	for _, rd := range readings {
		x = append(x, rd.Time.Format("15:04:05.000"))
		if rd.Current == nil {
			current = append(current, opts.LineData{Value: "-"})
		} else {
			current = append(current, opts.LineData{Value: *rd.Current * 1e3})
		}
		limitLine = append(limitLine, opts.LineData{Value: limit})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Target current", Theme: "dark", Width: "100%", Height: "480px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Target current", Subtitle: fmt.Sprintf("samples=%d limit=%.1f mA", len(readings), limit)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "mA", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x).
		AddSeries("current", current, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("limit", limitLine, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// showCurrentPlot renders the recent target current as a PNG.
func (s *Server) showCurrentPlot(w http.ResponseWriter, r *http.Request) {
	readings, ok := s.recentReadings(w, r)
	if !ok {
		return
	}

	p := plot.New()
	p.Title.Text = "Target current"
	p.X.Label.Text = "Seconds"
	p.Y.Label.Text = "mA"

	pts := make(plotter.XYs, 0, len(readings))
	for _, rd := range readings {
		if rd.Current == nil {
			continue
		}
		pts = append(pts, plotter.XY{X: rd.Time.Sub(readings[0].Time).Seconds(), Y: *rd.Current * 1e3})
	}
	if len(pts) > 0 {
		l, err := plotter.NewLine(pts)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		l.Width = vg.Points(1)
		p.Add(l)
	}
	limit := plotter.NewFunction(func(float64) float64 { return s.ctl.Config().CurrentMonitoring.Limit })
	limit.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(limit)
	p.Legend.Add("limit", limit)

	wt, err := p.WriterTo(8*vg.Inch, 3*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
