// Package progress displays the progress of the training epochs in the terminal: a progress bar
// while the epoch runs, and a table with its statistics when it ends.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// Writer where the progress is displayed. Tests may change it.
var Writer io.Writer = os.Stdout

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	statsStyle        = lipgloss.NewStyle().PaddingLeft(8)
	tableBorderColor  = "#705090"
)

// Epoch tracks the progress of one training epoch.
type Epoch struct {
	epoch, numEpochs int
	bar              *progressbar.ProgressBar
	output           *termenv.Output
	start            time.Time
	iterations       int
	lastLoss         float64
	cursorHidden     bool
}

// NewEpoch starts displaying the progress of the given epoch (1-based).
// numIterations can be -1 if the number of batches is not known.
func NewEpoch(epoch, numEpochs, numIterations int) *Epoch {
	e := &Epoch{
		epoch:     epoch,
		numEpochs: numEpochs,
		output:    termenv.NewOutput(Writer),
		start:     time.Now(),
	}
	e.output.HideCursor()
	e.cursorHidden = true
	e.bar = progressbar.NewOptions(numIterations,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch, numEpochs)),
		progressbar.OptionSetWriter(Writer),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(commandline.ProgressbarStyle),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	return e
}

// Update is called after each iteration with its loss.
func (e *Epoch) Update(loss float64) {
	e.iterations++
	e.lastLoss = loss
	e.bar.Describe(fmt.Sprintf("Epoch %d/%d loss=%.4g", e.epoch, e.numEpochs, loss))
	_ = e.bar.Add(1)
}

// Close restores the terminal cursor hidden by NewEpoch. It is safe to call more than once, and after Done.
func (e *Epoch) Close() {
	if e.cursorHidden {
		e.output.ShowCursor()
		e.cursorHidden = false
	}
}

// Done finishes the progress bar and prints the statistics of the epoch.
func (e *Epoch) Done(meanLoss float64) {
	_ = e.bar.Finish()
	e.Close()
	elapsed := time.Since(e.start)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Epoch", fmt.Sprintf("%d of %d", e.epoch, e.numEpochs))
	table.Row("Iterations", humanize.Comma(int64(e.iterations)))
	table.Row("Mean loss", fmt.Sprintf("%.6g", meanLoss))
	table.Row("Last loss", fmt.Sprintf("%.6g", e.lastLoss))
	table.Row("Duration", commandline.FormatDuration(elapsed))
	if e.iterations > 0 {
		table.Row("Time per iteration", commandline.FormatDuration(elapsed/time.Duration(e.iterations)))
	}
	_, _ = fmt.Fprintf(Writer, "\n%s\n", statsStyle.Render(table.String()))
}
