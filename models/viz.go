package models

import (
	"context"
	"sort"

	"github.com/zero-day-ai/inspect-wandb/harness"
)

// HeatmapFile is the file name of the rendered scores heatmap.
const HeatmapFile = "scores_heatmap.png"

// Renderer draws the scores heatmap of a run as a PNG image at path.
type Renderer interface {
	RenderScoresHeatmap(ctx context.Context, table ResultsTable, path string) error
}

// ResultsTable is one row per task log with a column per "<scorer>/<metric>".
type ResultsTable struct {
	Columns []string     `json:"columns"`
	Rows    []ResultsRow `json:"rows"`
}

// ResultsRow holds the metric values of one task.
type ResultsRow struct {
	Task   string             `json:"task"`
	Model  string             `json:"model"`
	Values map[string]float64 `json:"values"`
}

// NewResultsTable builds the results table from the task logs of a run. Logs
// without results are skipped.
func NewResultsTable(logs []harness.EvalLog) ResultsTable {
	var table ResultsTable
	columns := make(map[string]struct{})

	for _, log := range logs {
		if log.Results == nil {
			continue
		}
		row := ResultsRow{
			Task:   log.Eval.Task,
			Model:  log.Eval.Model,
			Values: make(map[string]float64),
		}
		for _, score := range log.Results.Scores {
			for name, metric := range score.Metrics {
				column := score.Name + "/" + name
				row.Values[column] = metric.Value
				columns[column] = struct{}{}
			}
		}
		table.Rows = append(table.Rows, row)
	}

	for column := range columns {
		table.Columns = append(table.Columns, column)
	}
	sort.Strings(table.Columns)
	return table
}

// Empty reports whether the table has no values to draw.
func (t ResultsTable) Empty() bool {
	return len(t.Rows) == 0 || len(t.Columns) == 0
}
