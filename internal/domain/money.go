package domain

import "math"

// Round2 rounds to 2 decimal places with standard half-away-from-zero
// rounding. Every monetary amount in the system is rounded with this at
// each defined calculation step, never only at the end.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
