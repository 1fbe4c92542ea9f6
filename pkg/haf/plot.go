package haf

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

const (
	// LossPlotFileName is the name of the image with the loss curve written by PlotLoss.
	LossPlotFileName = "loss.png"

	// Metric names used in the plot points.
	iterationLossMetric = "Iteration loss"
	epochLossMetric     = "Epoch mean loss"
)

// PlotLoss writes to dir the loss of every training iteration: as a line plot in LossPlotFileName, and as
// plots.Point entries in plots.TrainingPlotFileName, the format used by the GoMLX tools.
func (m *Model) PlotLoss(dir string) error {
	if len(m.iterationLosses) == 0 {
		return errors.New("no training losses to plot")
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %q", dir)
	}

	p := plot.New()
	p.Title.Text = "HAF training"
	p.X.Label.Text = "Number of Iterations"
	p.Y.Label.Text = "Loss"
	xys := make(plotter.XYs, len(m.iterationLosses))
	for ii, loss := range m.iterationLosses {
		xys[ii].X, xys[ii].Y = float64(ii), loss
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return errors.Wrap(err, "plotting losses")
	}
	p.Add(line, plotter.NewGrid())
	plotPath := path.Join(dir, LossPlotFileName)
	if err := p.Save(8*vg.Inch, 5*vg.Inch, plotPath); err != nil {
		return errors.Wrapf(err, "saving loss plot to %q", plotPath)
	}

	pointsPath := path.Join(dir, plots.TrainingPlotFileName)
	if err := os.Remove(pointsPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing previous plot points %q", pointsPath)
	}
	pointsWriter, errReport := plots.CreatePointsWriter(pointsPath)
	for _, point := range m.lossPoints() {
		pointsWriter <- point
	}
	close(pointsWriter)
	if err := <-errReport; err != nil {
		return err
	}
	klog.V(1).Infof("loss plotted to %s", plotPath)
	return nil
}

// lossPoints returns the losses as plot points, indexed by iteration (the epoch means at the last iteration
// of each epoch).
func (m *Model) lossPoints() []plots.Point {
	points := make([]plots.Point, 0, len(m.iterationLosses)+len(m.epochLosses))
	for ii, loss := range m.iterationLosses {
		points = append(points, plots.Point{
			MetricName: iterationLossMetric, Short: "loss", MetricType: "loss",
			Step: float64(ii + 1), Value: loss,
		})
	}
	for ii, loss := range m.epochLosses {
		points = append(points, plots.Point{
			MetricName: epochLossMetric, Short: "epoch", MetricType: "loss",
			Step: float64(m.epochEnds[ii]), Value: loss,
		})
	}
	return points
}

// EpochLossesTable returns a table with the mean loss of each epoch, for printing.
func (m *Model) EpochLossesTable() string {
	rawPoints := make([]plots.Point, len(m.epochLosses))
	for ii, loss := range m.epochLosses {
		rawPoints[ii] = plots.Point{MetricName: epochLossMetric, MetricType: "loss", Step: float64(ii + 1), Value: loss}
	}
	return plots.NewPoints(rawPoints).TableForMetrics(epochLossMetric)
}
