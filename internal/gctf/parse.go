package gctf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"mpiapp/internal/task"
)

// Metric names produced by the parsers.
const (
	MetricDefocusU   = "Defocus_U"
	MetricDefocusV   = "Defocus_V"
	MetricAngle      = "Angle"
	MetricPhaseShift = "Phase_shift"
	MetricCCC        = "CCC"
	MetricResolution = "Resolution"
)

// STAR columns overridden with mpiapp's own paths.
const (
	StarMicrographName = "_rlnMicrographName #1"
	StarCTFImage       = "_rlnCtfImage #2"
)

const finalValuesMarker = "Final Values"

var finalValuesKeys = []string{MetricDefocusU, MetricDefocusV, MetricAngle, MetricPhaseShift, MetricCCC}

var (
	// ErrNoFinalValues means the Gctf output never reached a final fit.
	ErrNoFinalValues = errors.New("no Final Values line in gctf output")
	// ErrNoEPARows means the EPA log has no numeric rows.
	ErrNoEPARows = errors.New("no numeric rows in EPA log")
)

// ParseFinalValues scans Gctf stdout from the end for the last line ending in
// "Final Values". Keys come from the header line right above it when the
// field counts agree, otherwise from the fixed Gctf order. CCC is dropped.
func ParseFinalValues(out string) (task.Results, error) {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t\r")
		if !strings.HasSuffix(line, finalValuesMarker) {
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(line, finalValuesMarker))
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: empty value list", ErrNoFinalValues)
		}
		values := make([]float64, len(fields))
		for j, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("final value %q: %w", field, err)
			}
			values[j] = v
		}

		keys := finalValuesKeys
		if i > 0 {
			if header := strings.Fields(lines[i-1]); len(header) == len(values) {
				keys = header
			}
		}
		if len(values) > len(keys) {
			return nil, fmt.Errorf("final values: %d values for %d keys", len(values), len(keys))
		}

		results := make(task.Results, len(values))
		for j, v := range values {
			results[keys[j]] = task.Number(v)
		}
		delete(results, MetricCCC)
		for _, required := range []string{MetricDefocusU, MetricDefocusV} {
			if _, ok := results[required]; !ok {
				return nil, fmt.Errorf("final values: missing %s", required)
			}
		}
		return results, nil
	}
	return nil, ErrNoFinalValues
}

// EPARow is one numeric row of a Gctf EPA log.
type EPARow struct {
	Resolution float64
	CCC        float64
}

// ParseEPA reads the numeric rows of an EPA log in file order. The first
// column is the resolution and the last is the cross correlation; header
// lines are skipped.
func ParseEPA(r io.Reader) ([]EPARow, error) {
	var rows []EPARow
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		resolution, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		ccc, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			return nil, fmt.Errorf("EPA row %q: %w", scanner.Text(), err)
		}
		rows = append(rows, EPARow{Resolution: resolution, CCC: ccc})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read EPA log: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoEPARows
	}
	return rows, nil
}

// ResolutionAt returns the resolution of the first row whose CCC is below
// cutoff, or of the last row when none is.
func ResolutionAt(rows []EPARow, cutoff float64) (float64, error) {
	if len(rows) == 0 {
		return 0, ErrNoEPARows
	}
	for _, row := range rows {
		if row.CCC < cutoff {
			return row.Resolution, nil
		}
	}
	return rows[len(rows)-1].Resolution, nil
}

// ParseCTFStar reads the single-row STAR file Gctf writes with --ctfstar.
// Column lines start with "_" and keep their "#N" ordinal; the last non-blank
// line holds the values.
func ParseCTFStar(r io.Reader) (map[string]string, error) {
	var columns []string
	var last string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "_") {
			columns = append(columns, normalizeTag(line))
		}
		last = line
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ctfstar: %w", err)
	}
	if len(columns) == 0 || strings.HasPrefix(last, "_") {
		return nil, errors.New("ctfstar has no data row")
	}
	values := strings.Fields(last)
	n := min(len(columns), len(values))
	row := make(map[string]string, n)
	for i := range n {
		row[columns[i]] = values[i]
	}
	return row, nil
}

// normalizeTag collapses "_rlnDefocusU   #3" to "_rlnDefocusU #3".
func normalizeTag(line string) string {
	return strings.Join(strings.Fields(line), " ")
}
