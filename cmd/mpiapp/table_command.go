package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mpiapp/internal/processtable"
)

func newTableCommand(ctx *commandContext) *cobra.Command {
	var columns []string
	var last int
	var path string

	cmd := &cobra.Command{
		Use:   "table",
		Short: "Show the process table written by the last dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(path) == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				path = cfg.CSVPath()
			}
			header, rows, err := processtable.ReadCSV(path)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no process table at %s yet; it is written after the first dump", path)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(header) == 0 {
				fmt.Fprintln(out, "Process table is empty")
				return nil
			}
			if last > 0 && len(rows) > last {
				rows = rows[len(rows)-last:]
			}
			header, rows, err = selectColumns(header, rows, columns)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderTable(header, rows, numericAlignments(header, rows)))
			fmt.Fprintf(out, "%d micrographs, %d columns (%s)\n", len(rows), len(header), path)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "Columns to show (default all)")
	cmd.Flags().IntVar(&last, "last", 0, "Only show the most recent N micrographs")
	cmd.Flags().StringVar(&path, "path", "", "Read this CSV instead of the configured one")
	return cmd
}

// selectColumns keeps the micrograph column first and then the requested
// columns in the order given.
func selectColumns(header []string, rows [][]string, want []string) ([]string, [][]string, error) {
	if len(want) == 0 {
		return header, rows, nil
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	picked := []int{0}
	for _, name := range want {
		name = strings.TrimSpace(name)
		i, ok := index[name]
		if !ok {
			return nil, nil, fmt.Errorf("unknown column %q", name)
		}
		if i != 0 {
			picked = append(picked, i)
		}
	}
	outHeader := make([]string, len(picked))
	for j, i := range picked {
		outHeader[j] = header[i]
	}
	outRows := make([][]string, len(rows))
	for r, row := range rows {
		outRows[r] = make([]string, len(picked))
		for j, i := range picked {
			if i < len(row) {
				outRows[r][j] = row[i]
			}
		}
	}
	return outHeader, outRows, nil
}

// numericAlignments right-aligns columns whose non-empty cells all parse as
// numbers.
func numericAlignments(header []string, rows [][]string) []columnAlignment {
	aligns := make([]columnAlignment, len(header))
	for col := range header {
		numeric, seen := true, false
		for _, row := range rows {
			if col >= len(row) || row[col] == "" {
				continue
			}
			seen = true
			if _, err := strconv.ParseFloat(row[col], 64); err != nil {
				numeric = false
				break
			}
		}
		if numeric && seen {
			aligns[col] = alignRight
		}
	}
	return aligns
}
