package eew

import "fmt"

// Intensity is a class on the CWA seismic intensity scale. Classes 5 and 6
// are split into lower and upper halves, giving ten classes.
type Intensity int

const (
	Intensity0 Intensity = iota
	Intensity1
	Intensity2
	Intensity3
	Intensity4
	Intensity5Lower
	Intensity5Upper
	Intensity6Lower
	Intensity6Upper
	Intensity7
)

var intensityLabels = [...]string{"0", "1", "2", "3", "4", "5-", "5+", "6-", "6+", "7"}

func (i Intensity) String() string {
	if i < Intensity0 || int(i) >= len(intensityLabels) {
		return fmt.Sprintf("Intensity(%d)", int(i))
	}
	return intensityLabels[i]
}

// Valid reports whether i is a known class.
func (i Intensity) Valid() bool { return i >= Intensity0 && i <= Intensity7 }

// Felt reports whether i is above zero; zero classes are left out of
// countdown displays.
func (i Intensity) Felt() bool { return i > Intensity0 && i.Valid() }

// pgaThresholds are the lower PGA bounds (gal) of classes 1..7.
var pgaThresholds = [...]float64{0.8, 2.5, 8, 25, 80, 140, 250, 440, 800}

// IntensityFromPGA classifies a peak ground acceleration in gal.
func IntensityFromPGA(gal float64) Intensity {
	i := Intensity0
	for n, th := range pgaThresholds {
		if gal >= th {
			i = Intensity(n + 1)
		}
	}
	return i
}
