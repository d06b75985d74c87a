package training

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	chart "github.com/wcharczuk/go-chart"

	"github.com/tsawler/go-facetrain/trainerr"
)

// MinPlotPoints is the fewest epochs a curve needs before it can be drawn.
const MinPlotPoints = 2

// WriteCurves renders train loss, validation loss and validation F1 per
// epoch as a PNG.
func WriteCurves(w io.Writer, task string, history []EpochMetrics) error {
	if len(history) < MinPlotPoints {
		return errors.Errorf("need at least %d epochs to plot, have %d", MinPlotPoints, len(history))
	}

	epochs := make([]float64, len(history))
	trainLoss := make([]float64, len(history))
	valLoss := make([]float64, len(history))
	valF1 := make([]float64, len(history))
	for i, m := range history {
		epochs[i] = float64(m.Epoch)
		trainLoss[i] = m.TrainLoss
		valLoss[i] = m.ValLoss
		valF1[i] = m.ValF1
	}

	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "train loss",
			XValues: epochs,
			YValues: trainLoss,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.ColorBlue,
			},
		},
		chart.ContinuousSeries{
			Name:    "val loss",
			XValues: epochs,
			YValues: valLoss,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.ColorRed,
			},
		},
		chart.ContinuousSeries{
			Name:    "val f1",
			XValues: epochs,
			YValues: valF1,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.ColorGreen,
			},
		},
	}

	graph := chart.Chart{
		Title:      fmt.Sprintf("%s training curves", task),
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "Epoch",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		YAxis: chart.YAxis{
			Name:      "Value",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		Series: series,
	}

	graph.Elements = []chart.Renderable{
		chart.LegendLeft(&graph),
	}

	return graph.Render(chart.PNG, w)
}

// SaveCurves writes the curves PNG to path. It reports false without
// writing anything when history is too short to plot.
func SaveCurves(fs afero.Fs, path, task string, history []EpochMetrics) (bool, error) {
	if len(history) < MinPlotPoints {
		return false, nil
	}

	var buf bytes.Buffer
	if err := WriteCurves(&buf, task, history); err != nil {
		return false, errors.Wrap(err, "rendering curves")
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0644); err != nil {
		return false, trainerr.Wrap(trainerr.Filesystem, err, "writing %s", path)
	}
	return true, nil
}
