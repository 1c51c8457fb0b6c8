// Package size renders raw byte counts as fixed-unit magnitudes and scales
// byte counts into the integer steps used by progress displays.
package size

import (
	"fmt"
	"math"
)

// Unit is a binary magnitude used for display. KB is the smallest unit shown.
type Unit int

const (
	KB Unit = iota
	MB
	GB
	TB
	PB
)

var unitNames = [...]string{"KB", "MB", "GB", "TB", "PB"}

func (u Unit) String() string {
	if u < KB || u > PB {
		return fmt.Sprintf("Unit(%d)", int(u))
	}
	return unitNames[u]
}

// Exponent is the power of 1024 a progress value is divided by when the
// declared size carries this unit: KB=0, MB=1, GB=2, TB=3, PB=4.
func (u Unit) Exponent() int {
	return int(u)
}

// Size is a byte count together with its display magnitude.
type Size struct {
	Bytes int64
	Value float64
	Unit  Unit
}

// Format picks the largest unit keeping the displayed value below 1024.
// Values never drop below KB or rise above PB.
func Format(bytes int64) Size {
	if bytes < 0 {
		bytes = 0
	}
	unit := KB
	value := float64(bytes) / 1024
	for value >= 1024 && unit < PB {
		value /= 1024
		unit++
	}
	return Size{Bytes: bytes, Value: value, Unit: unit}
}

// String renders the size as "<value> <unit>" with one decimal, e.g. "2.0 MB".
func (s Size) String() string {
	return fmt.Sprintf("%.1f %s", s.Value, s.Unit)
}

// Divisor is 1024 raised to the unit's exponent.
func (s Size) Divisor() float64 {
	return math.Pow(1024, float64(s.Unit.Exponent()))
}

// Scaled converts n bytes into progress steps for this size, rounding to the
// nearest step.
func (s Size) Scaled(n int64) int64 {
	return int64(math.Round(float64(n) / s.Divisor()))
}

// Max is the declared size expressed in progress steps.
func (s Size) Max() int64 {
	return s.Scaled(s.Bytes)
}
