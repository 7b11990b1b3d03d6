// Package report renders diagnostic plots for an export run.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// AgentsHistogramFile is the file name used for the agents-per-scene plot.
const AgentsHistogramFile = "agents_per_scene.png"

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("no data to plot")

// WriteAgentsHistogram writes a PNG histogram of agents per accepted scene,
// with one unit-wide bin per count in [1, maxAgents]. The range widens to
// cover any count outside it.
func WriteAgentsHistogram(w io.Writer, agentsPerScene []int, maxAgents int) error {
	if len(agentsPerScene) == 0 {
		return ErrNoData
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Agents per scene (%d scenes)", len(agentsPerScene))
	p.X.Label.Text = "Agents"
	p.Y.Label.Text = "Scenes"

	h := &plotter.Histogram{
		Bins:      countBins(agentsPerScene, maxAgents),
		Width:     1,
		FillColor: color.RGBA{R: 70, G: 130, B: 180, A: 255},
		LineStyle: plotter.DefaultLineStyle,
	}
	h.LineStyle.Width = vg.Points(0.5)
	p.Add(h)

	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render histogram: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write histogram: %w", err)
	}
	return nil
}

// countBins returns one bin per integer count, centred on the count.
func countBins(counts []int, maxCount int) []plotter.HistogramBin {
	lo, hi := 1, max(maxCount, 1)
	for _, n := range counts {
		lo, hi = min(lo, n), max(hi, n)
	}
	bins := make([]plotter.HistogramBin, hi-lo+1)
	for i := range bins {
		k := float64(lo + i)
		bins[i] = plotter.HistogramBin{Min: k - 0.5, Max: k + 0.5}
	}
	for _, n := range counts {
		bins[n-lo].Weight++
	}
	return bins
}
