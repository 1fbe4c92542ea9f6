package saliency

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// NumWeights returns the total number of trainable saliency weights.
func (ins *Insertion) NumWeights() int {
	var total int
	for _, v := range ins.Variables {
		total += v.Shape().Size()
	}
	return total
}

// Summary returns a table with the inserted layers, for printing in the terminal.
func (ins *Insertion) Summary() string {
	if len(ins.Layers) == 0 {
		return "No saliency layers inserted: no layer matched."
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("Layer", "Position", "Target", "Weights", "Count", "t_i").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col >= 4 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for ii, name := range ins.Layers {
		v := ins.Variables[ii]
		table.Row(name, ins.Position.String(), ins.Targets[ii], fmt.Sprintf("%v", v.Shape().Dimensions),
			humanize.Comma(int64(v.Shape().Size())), fmt.Sprintf("%.3g", ins.Coefficients[ii]))
	}
	return fmt.Sprintf("%s\nTotal trainable saliency weights: %s (%s granularity)",
		table.String(), humanize.Comma(int64(ins.NumWeights())), ins.Granularity)
}
