package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/lifeline/internal/rescue"
)

var urgencyRGBA = map[rescue.Urgency]color.RGBA{
	rescue.UrgencyCritical: {R: 0xd7, G: 0x19, B: 0x1c, A: 0xff},
	rescue.UrgencyHigh:     {R: 0xfd, G: 0xae, B: 0x61, A: 0xff},
	rescue.UrgencyMedium:   {R: 0x4d, G: 0xa6, B: 0xd0, A: 0xff},
	rescue.UrgencyLow:      {R: 0x2c, G: 0x7b, B: 0xb6, A: 0xff},
}

// PlanPNG draws a top-down plan of the ranked targets as a PNG of the
// given size in inches (6 when size <= 0). Each target is labelled with
// its priority.
func PlanPNG(w io.Writer, targets []rescue.RankedTarget, pose rescue.CameraPose, size float64) error {
	if size <= 0 {
		size = 6
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Rescue plan (camera %.1fm, %d targets)", pose.HeightM, len(targets))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	extent := 10.0
	for _, t := range targets {
		extent = maxAbs(extent, t.Coordinates.XM*1.1, t.Coordinates.YM*1.1)
	}
	p.X.Min, p.X.Max = -extent, extent
	p.Y.Min, p.Y.Max = -1, extent

	camera, err := plotter.NewScatter(plotter.XYs{{X: 0, Y: 0}})
	if err != nil {
		return fmt.Errorf("camera marker: %w", err)
	}
	camera.GlyphStyle.Shape = draw.BoxGlyph{}
	camera.GlyphStyle.Radius = vg.Points(5)
	camera.GlyphStyle.Color = color.Black
	p.Add(camera)
	p.Legend.Add("camera", camera)

	for _, u := range urgencyOrder {
		var pts plotter.XYs
		var labels []string
		for _, t := range targets {
			if t.Urgency.Level != u {
				continue
			}
			pts = append(pts, plotter.XY{X: t.Coordinates.XM, Y: t.Coordinates.YM})
			labels = append(labels, fmt.Sprintf("#%d P%d", t.TargetID, t.Urgency.Priority))
		}
		if len(pts) == 0 {
			continue
		}
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("%s targets: %w", u, err)
		}
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		s.GlyphStyle.Radius = vg.Points(4)
		s.GlyphStyle.Color = urgencyRGBA[u]
		l, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
		if err != nil {
			return fmt.Errorf("%s labels: %w", u, err)
		}
		p.Add(s, l)
		p.Legend.Add(string(u), s)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(vg.Length(size)*vg.Inch, vg.Length(size)*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render plan: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
