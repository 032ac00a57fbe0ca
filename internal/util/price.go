// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// NSE cash and F&O quotes tick at 0.05; commodity contracts vary by symbol.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// Round2 rounds x to two decimal places, the display precision for
// prices and gain percentages.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
