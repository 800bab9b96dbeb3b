// Package report renders the debug views: go-echarts HTML pages for the
// detection window and ranked targets, and a PNG plan view drawn with
// gonum/plot.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/rescue"
)

// AssetsHost serves the echarts JavaScript.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

var urgencyOrder = []rescue.Urgency{
	rescue.UrgencyCritical,
	rescue.UrgencyHigh,
	rescue.UrgencyMedium,
	rescue.UrgencyLow,
}

var urgencyColours = map[rescue.Urgency]string{
	rescue.UrgencyCritical: "#d7191c",
	rescue.UrgencyHigh:     "#fdae61",
	rescue.UrgencyMedium:   "#abd9e9",
	rescue.UrgencyLow:      "#2c7bb6",
}

// WindowChart renders the class histogram of the current detection window.
// The hazard class bar is labelled as such.
func WindowChart(w io.Writer, st aggregator.Stats, hazardClassID int, now time.Time) error {
	ids := make([]int, 0, len(st.ClassCounts))
	for id := range st.ClassCounts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	x := make([]string, len(ids))
	y := make([]opts.BarData, len(ids))
	for i, id := range ids {
		x[i] = "class " + strconv.Itoa(id)
		if id == hazardClassID {
			x[i] += " (hazard)"
		}
		y[i] = opts.BarData{Value: st.ClassCounts[id]}
	}

	mode := "none"
	if st.ModeClassID != nil {
		mode = strconv.Itoa(*st.ModeClassID)
	}
	subtitle := fmt.Sprintf("frames=%d detections=%d mode=%s cooldown=%s at %s",
		st.Frames, st.Detections, mode, st.CooldownRemaining.Round(time.Second), now.Format(time.RFC3339))

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Detection Window", Width: "100%", Height: "600px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Detection Window", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("detections", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.AddCharts(bar)
	return page.Render(w)
}

// TargetsChart renders ranked targets on the water plane, one series per
// urgency tier, with the camera at the origin.
func TargetsChart(w io.Writer, targets []rescue.RankedTarget) error {
	series := make(map[rescue.Urgency][]opts.ScatterData)
	pad := 10.0
	for _, t := range targets {
		c := t.Coordinates
		series[t.Urgency.Level] = append(series[t.Urgency.Level], opts.ScatterData{
			Name:  fmt.Sprintf("target %d (object %d)", t.TargetID, t.ObjectID),
			Value: []interface{}{c.XM, c.YM, c.ZM},
		})
		pad = maxAbs(pad, c.XM+2, c.YM+2)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Rescue Targets", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Rescue Targets", Subtitle: fmt.Sprintf("count=%d", len(targets))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("camera", []opts.ScatterData{{Name: "camera", Value: []interface{}{0, 0, 0}}},
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ffffff"}),
	)
	for _, u := range urgencyOrder {
		pts := series[u]
		if len(pts) == 0 {
			continue
		}
		scatter.AddSeries(string(u), pts,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: urgencyColours[u]}),
		)
	}

	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.AddCharts(scatter)
	return page.Render(w)
}

func maxAbs(cur float64, vs ...float64) float64 {
	for _, v := range vs {
		if v < 0 {
			v = -v
		}
		if v > cur {
			cur = v
		}
	}
	return cur
}
