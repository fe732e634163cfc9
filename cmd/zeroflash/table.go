package main

import (
	"strings"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column describes one table column. Cells wider than max are shortened
// with an ellipsis; zero means no limit.
type column struct {
	title string
	right bool
	max   int
}

// emptyCell stands in for values the device or history did not report.
const emptyCell = "-"

func renderTable(columns []column, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateRows = false
	tw.Style().Format.Header = text.FormatDefault

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, c := range columns {
		header[i] = c.title
		align := text.AlignLeft
		if c.right {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i, c := range columns {
			cell := ""
			if i < len(row) {
				cell = strings.TrimSpace(row[i])
			}
			r[i] = fitCell(cell, c.max)
		}
		tw.AppendRow(r)
	}
	return tw.Render() + "\n"
}

func fitCell(cell string, limit int) string {
	if cell == "" {
		return emptyCell
	}
	if limit <= 1 || utf8.RuneCountInString(cell) <= limit {
		return cell
	}
	return string([]rune(cell)[:limit-1]) + "…"
}
