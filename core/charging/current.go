package charging

import "math"

// lineToLineThreshold separates phase-to-neutral voltages from line-to-line
// ones.
const lineToLineThreshold = 300.0

// PhaseCurrent converts power to the per-phase current drawn at voltageV.
func PhaseCurrent(powerKW float64, phases int, voltageV float64) float64 {
	if voltageV <= 0 || powerKW <= 0 {
		return 0
	}
	w := powerKW * 1000
	switch {
	case phases <= 1:
		return w / voltageV
	case voltageV < lineToLineThreshold:
		return w / (voltageV * float64(phases))
	default:
		return w / (voltageV * math.Sqrt(3))
	}
}

// PowerFromCurrent is the inverse of PhaseCurrent.
func PowerFromCurrent(currentA float64, phases int, voltageV float64) float64 {
	if voltageV <= 0 || currentA <= 0 {
		return 0
	}
	var w float64
	switch {
	case phases <= 1:
		w = currentA * voltageV
	case voltageV < lineToLineThreshold:
		w = currentA * voltageV * float64(phases)
	default:
		w = currentA * voltageV * math.Sqrt(3)
	}
	return w / 1000
}
