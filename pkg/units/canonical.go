// Package units provides canonical tolerance and schedule units.
package units

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Unit represents a length unit a tolerance can be expressed in.
type Unit string

const (
	UnitMillimeter Unit = "mm"
	UnitMicrometer Unit = "um"
	UnitInch       Unit = "in"
)

// MillimetersPerInch is the exact inch definition.
const MillimetersPerInch = 25.4

// WeeksPerQuarter is used by the milestone-payment threshold ("exceeding 3 months").
const WeeksPerQuarter = 13

var toleranceRE = regexp.MustCompile(`(?i)([0-9]*\.?[0-9]+)\s*(mm|µm|um|microns?|inches|inch|in|")`)

// ParseToleranceMM extracts the first tolerance value from free text such as
// "±0.01mm" or "+/- 0.005 inches" and converts it to millimeters.
func ParseToleranceMM(s string) (float64, bool) {
	m := toleranceRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return ToMillimeters(v, normalizeUnit(m[2])), true
}

func normalizeUnit(u string) Unit {
	switch strings.ToLower(u) {
	case "mm":
		return UnitMillimeter
	case "µm", "um", "micron", "microns":
		return UnitMicrometer
	default:
		return UnitInch
	}
}

// ToMillimeters converts a length in unit to millimeters.
func ToMillimeters(value float64, unit Unit) float64 {
	switch unit {
	case UnitMicrometer:
		return value / 1000
	case UnitInch:
		return value * MillimetersPerInch
	default:
		return value
	}
}

// ScaleWeeks multiplies a week count by factor and rounds half away from zero,
// never returning less than one week.
func ScaleWeeks(weeks int, factor float64) int {
	scaled := int(math.Round(float64(weeks) * factor))
	if scaled < 1 {
		return 1
	}
	return scaled
}
