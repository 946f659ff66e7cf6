package processtable

import (
	"mpiapp/internal/task"
)

// Derived is a computed column. It is emitted only when at least one row
// carries every input; rows missing an input leave the cell empty.
type Derived struct {
	Name    string
	Inputs  []string
	Compute func(in []float64) float64
}

// DefaultDerived returns the defocus and phase shift conversions. Defocus
// values from Gctf are in Angstrom; the derived columns are in micrometers.
func DefaultDerived() []Derived {
	return []Derived{
		{
			Name:    "Defocus",
			Inputs:  []string{"Defocus_U", "Defocus_V"},
			Compute: func(in []float64) float64 { return (in[0] + in[1]) / 2 / 10000 },
		},
		{
			Name:    "delta_Defocus",
			Inputs:  []string{"Defocus_U", "Defocus_V"},
			Compute: func(in []float64) float64 { return (in[0] - in[1]) / 10000 },
		},
		{
			Name:    "Phase_shift_norm",
			Inputs:  []string{"Phase_shift"},
			Compute: func(in []float64) float64 { return in[0] / 180 },
		},
	}
}

func (d Derived) apply(values task.Results) (float64, bool) {
	in := make([]float64, len(d.Inputs))
	for i, name := range d.Inputs {
		v, ok := values[name]
		if !ok {
			return 0, false
		}
		f, ok := v.Float()
		if !ok {
			return 0, false
		}
		in[i] = f
	}
	return d.Compute(in), true
}
