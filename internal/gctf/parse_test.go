package gctf

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const gctfStdout = `
**************************************   LAST CYCLE    ************************************************************ *

   Defocus_U   Defocus_V       Angle         CCC
    21190.16    20831.88       60.14    0.058315

 Refining Local Defocus...
   Defocus_U   Defocus_V       Angle         CCC
    21014.82    20577.55       62.22    0.061493  Final Values

Processing done successfully.
`

const gctfPhaseStdout = `   Defocus_U   Defocus_V       Angle  Phase_shift         CCC
    15000.00    14000.00       10.00        90.00    0.100000  Final Values
`

func TestParseFinalValuesUsesHeaderAboveMarker(t *testing.T) {
	results, err := ParseFinalValues(gctfStdout)
	require.NoError(t, err)

	u, _ := results[MetricDefocusU].Float()
	v, _ := results[MetricDefocusV].Float()
	angle, _ := results[MetricAngle].Float()
	require.Equal(t, 21014.82, u)
	require.Equal(t, 20577.55, v)
	require.Equal(t, 62.22, angle)
	_, hasCCC := results[MetricCCC]
	require.False(t, hasCCC, "CCC is discarded")
	_, hasPhase := results[MetricPhaseShift]
	require.False(t, hasPhase)
}

func TestParseFinalValuesWithPhaseShift(t *testing.T) {
	results, err := ParseFinalValues(gctfPhaseStdout)
	require.NoError(t, err)
	phase, ok := results[MetricPhaseShift].Float()
	require.True(t, ok)
	require.Equal(t, 90.0, phase)
}

func TestParseFinalValuesFallsBackToFixedKeys(t *testing.T) {
	out := "some unrelated line\n 1000 900 45 0 0.2 Final Values\n"
	results, err := ParseFinalValues(out)
	require.NoError(t, err)
	require.Len(t, results, 4)
	phase, _ := results[MetricPhaseShift].Float()
	require.Equal(t, 0.0, phase)
}

func TestParseFinalValuesErrors(t *testing.T) {
	tests := map[string]string{
		"missing marker": "Defocus_U Defocus_V\n1 2\n",
		"non numeric":    "Defocus_U Defocus_V\nabc 2 Final Values\n",
		"empty values":   "Final Values\n",
		"no defocus":     "Angle CCC\n45 0.1 Final Values\n",
	}
	for name, out := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFinalValues(out)
			require.Error(t, err)
		})
	}
	_, err := ParseFinalValues("")
	require.True(t, errors.Is(err, ErrNoFinalValues))
}

const epaLog = `Resolution    |CTFsim|    EPA( Ln|F| )    EPA(Ln|F| - Bg)    CCC
  10.000000   0.500000   12.000000    1.000000    1.000000
   8.000000   0.400000   11.000000    0.900000    0.900000
   6.000000   0.300000   10.000000    0.800000    0.760000
   5.000000   0.200000    9.000000    0.700000    0.740000
   4.000000   0.100000    8.000000    0.600000    0.500000
`

func TestResolutionAtFirstRowBelowCutoff(t *testing.T) {
	rows, err := ParseEPA(strings.NewReader(epaLog))
	require.NoError(t, err)
	require.Len(t, rows, 5)

	res, err := ResolutionAt(rows, 0.75)
	require.NoError(t, err)
	require.Equal(t, 5.0, res)
}

func TestResolutionAtFallsBackToLastRow(t *testing.T) {
	rows := []EPARow{{Resolution: 10, CCC: 0.99}, {Resolution: 3.1, CCC: 0.8}}
	res, err := ResolutionAt(rows, 0.75)
	require.NoError(t, err)
	require.Equal(t, 3.1, res)
}

func TestParseEPAWithoutRows(t *testing.T) {
	_, err := ParseEPA(strings.NewReader("Resolution |CTFsim| CCC\n\n"))
	require.ErrorIs(t, err, ErrNoEPARows)

	_, err = ResolutionAt(nil, 0.75)
	require.ErrorIs(t, err, ErrNoEPARows)
}

func TestParseEPARejectsBrokenCCC(t *testing.T) {
	_, err := ParseEPA(strings.NewReader("10.0 0.5 12 1 nan?\n"))
	require.Error(t, err)
}

const ctfStar = `
data_

loop_
_rlnMicrographName #1
_rlnCtfImage #2
_rlnDefocusU #3
_rlnDefocusV #4
_rlnDefocusAngle #5
_rlnVoltage #6
micrograph.mrc	micrograph.ctf:mrc	21014.82	20577.55	62.22	300.0
`

func TestParseCTFStar(t *testing.T) {
	row, err := ParseCTFStar(strings.NewReader(ctfStar))
	require.NoError(t, err)
	require.Len(t, row, 6)
	require.Equal(t, "21014.82", row["_rlnDefocusU #3"])
	require.Equal(t, "300.0", row["_rlnVoltage #6"])
	require.Equal(t, "micrograph.mrc", row[StarMicrographName])
}

func TestParseCTFStarNormalizesTagSpacing(t *testing.T) {
	row, err := ParseCTFStar(strings.NewReader("_rlnDefocusU   #3\n123.4\n"))
	require.NoError(t, err)
	require.Equal(t, "123.4", row["_rlnDefocusU #3"])
}

func TestParseCTFStarWithoutData(t *testing.T) {
	_, err := ParseCTFStar(strings.NewReader("data_\nloop_\n_rlnDefocusU #3\n"))
	require.Error(t, err)
}
