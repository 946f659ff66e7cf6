package processtable

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"mpiapp/internal/fileutil"
)

var ordinalColumn = regexp.MustCompile(`^(\S+) #(\d+)$`)

type grid struct {
	header []string
	rows   [][]string
}

func buildGrid(snap Snapshot, derived []Derived) grid {
	var active []Derived
	for _, d := range derived {
		for _, r := range snap.Rows {
			if _, ok := d.apply(r.Values); ok {
				active = append(active, d)
				break
			}
		}
	}

	header := make([]string, 0, 2+len(snap.Columns)+len(active))
	header = append(header, ColumnMicrograph, ColumnCreatedAt)
	header = append(header, snap.Columns...)
	for _, d := range active {
		header = append(header, d.Name)
	}

	rows := make([][]string, 0, len(snap.Rows))
	for _, r := range snap.Rows {
		row := make([]string, 0, len(header))
		row = append(row, r.Key, r.CreatedAt.Format(time.RFC3339Nano))
		for _, col := range snap.Columns {
			if v, ok := r.Values[col]; ok {
				row = append(row, v.String())
			} else {
				row = append(row, "")
			}
		}
		for _, d := range active {
			if v, ok := d.apply(r.Values); ok {
				row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		rows = append(rows, row)
	}
	return grid{header: header, rows: rows}
}

func writeCSV(path string, g grid) error {
	err := fileutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(g.header); err != nil {
			return err
		}
		if err := cw.WriteAll(g.rows); err != nil {
			return err
		}
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("write process table: %w", err)
	}
	return nil
}

type starColumn struct {
	name    string
	tag     string
	ordinal int
}

func ordinalColumns(columns []string) []starColumn {
	var out []starColumn
	for _, col := range columns {
		m := ordinalColumn.FindStringSubmatch(col)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out = append(out, starColumn{name: col, tag: m[1], ordinal: n})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ordinal != out[j].ordinal {
			return out[i].ordinal < out[j].ordinal
		}
		return out[i].tag < out[j].tag
	})
	return out
}

// writeStar writes the ordinal-tagged subset of snap. It reports whether a
// file was written; without tagged columns nothing is touched.
func writeStar(path string, snap Snapshot) (bool, error) {
	cols := ordinalColumns(snap.Columns)
	if len(cols) == 0 {
		return false, nil
	}
	err := fileutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprint(bw, "data_\n\nloop_\n")
		for _, c := range cols {
			fmt.Fprintf(bw, "%s #%d\n", c.tag, c.ordinal)
		}
		fields := make([]string, len(cols))
	rows:
		for _, r := range snap.Rows {
			for i, c := range cols {
				v, ok := r.Values[c.name]
				if !ok {
					continue rows
				}
				fields[i] = v.String()
			}
			bw.WriteString(strings.Join(fields, "\t"))
			bw.WriteByte('\n')
		}
		return bw.Flush()
	})
	if err != nil {
		return false, fmt.Errorf("write star file: %w", err)
	}
	return true, nil
}

// ReadCSV loads a process table written by Dump.
func ReadCSV(path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}
