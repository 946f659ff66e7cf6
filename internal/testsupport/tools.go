package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// motionCorScript writes the aligned and dose-weighted micrographs next to
// -OutMrc and prints a short drift table.
const motionCorScript = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -OutMrc) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
if [ -z "$out" ]; then
  echo "missing -OutMrc" >&2
  exit 2
fi
printf 'aligned' > "$out"
printf 'aligned-dw' > "${out%.mrc}_DW.mrc"
echo "Full-frame alignment shift"
echo "Frame   x Shift   y Shift"
echo "   1      0.00      0.00"
echo "   2      0.41     -0.22"
`

// gctfScript writes the CTF fit, the EPA log and the ctfstar row for the
// trailing positional input and prints a Final Values line.
const gctfScript = `#!/bin/sh
star=""
input=""
while [ $# -gt 0 ]; do
  case "$1" in
    --ctfstar) star="$2"; shift 2 ;;
    --*) shift 2 ;;
    *) input="$1"; shift ;;
  esac
done
if [ -z "$input" ]; then
  echo "missing input" >&2
  exit 2
fi
base="${input%.mrc}"
printf 'ctf' > "$base.ctf"
cat > "${base}_EPA.log" <<EPA
Resolution    |CTFsim|    EPA( Ln|F| )    EPA(Ln|F| - Bg)    CCC
  10.000000   0.500000   12.000000    1.000000    1.000000
   6.000000   0.300000   10.000000    0.800000    0.760000
   5.000000   0.200000    9.000000    0.700000    0.740000
   4.000000   0.100000    8.000000    0.600000    0.500000
EPA
if [ -n "$star" ]; then
  cat > "$star" <<STAR

data_

loop_
_rlnMicrographName #1
_rlnCtfImage #2
_rlnDefocusU #3
_rlnDefocusV #4
_rlnDefocusAngle #5
_rlnVoltage #6
$input	$base.ctf:mrc	21014.82	20577.55	62.22	300.0
STAR
fi
echo "   Defocus_U   Defocus_V       Angle         CCC"
echo "    21014.82    20577.55       62.22    0.061493  Final Values"
`

const crashingScript = `#!/bin/sh
echo "Segmentation fault (core dumped)" >&2
exit 139
`

// StubTools writes MotionCor2 and Gctf stubs under base/bin, prepends that
// directory to PATH for the test, and returns it.
func StubTools(t testing.TB, base string) string {
	t.Helper()
	dir := filepath.Join(base, "bin")
	writeScript(t, dir, "MotionCor2", motionCorScript)
	writeScript(t, dir, "Gctf", gctfScript)
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return dir
}

func writeScript(t testing.TB, dir, name, body string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return path
}
