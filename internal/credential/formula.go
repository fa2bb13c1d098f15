// Package credential derives the MQTT account password of a newly registered
// device. The derivation must agree bit for bit with the legacy provisioning
// backend that already issues these passwords, so every step below uses
// double arithmetic in the same order as that backend, including its 32-bit
// right shift and half-up rounding.
package credential

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// maxSafeInteger is 2^53 - 1, the largest integer a double represents exactly.
const maxSafeInteger = 9007199254740991

var deviceNumberPattern = regexp.MustCompile(`DS(\d+)`)

// DeviceNumber extracts the numeric suffix of a DS-prefixed device name,
// floored at 1. Names without a DS<digits> run yield 1.
func DeviceNumber(deviceName string) float64 {
	m := deviceNumberPattern.FindStringSubmatch(deviceName)
	if m == nil {
		return 1
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 1
	}
	return math.Max(1, n)
}

// Derive computes the numeric credential for chipID and deviceName.
// The result is NaN when the chip id is not numeric or too large for the
// legacy 32-bit shift to keep the radicand non-negative.
func Derive(chipID float64, deviceName string) float64 {
	deviceNumber := DeviceNumber(deviceName)

	shifted := float64(toInt32(chipID) >> 3)
	computedValue := math.Sqrt((chipID*1.257)*shifted+(deviceNumber*13)) +
		math.Log10(chipID+deviceNumber+1)

	angle := math.Mod(math.Mod(chipID, 360)+math.Mod(deviceNumber, 180), 360)
	denominator := math.Max(0.01, math.Tan(angle*(math.Pi/180)))

	result := computedValue / denominator
	return roundHalfUp(math.Mod(result, maxSafeInteger))
}

// Password renders Derive's output the way the legacy system stringifies it
// before hashing.
func Password(chipID string, deviceName string) string {
	return FormatNumber(Derive(ParseChipNumber(chipID), deviceName))
}

// ParseChipNumber converts a chip id string to a number using the legacy
// string-to-number rules: surrounding whitespace is ignored, an empty string
// is 0, 0x/0o/0b prefixes select a radix and anything unparsable is NaN.
func ParseChipNumber(chipID string) float64 {
	s := strings.TrimSpace(chipID)
	if s == "" {
		return 0
	}

	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}

	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	// ParseFloat also accepts "inf", "nan", hex floats and underscores,
	// none of which the legacy conversion does.
	for _, r := range s {
		if !strings.ContainsRune("0123456789+-.eE", r) {
			return math.NaN()
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN()
	}
	return n
}

// FormatNumber stringifies an integral double: "NaN" for NaN, no exponent,
// and negative zero printed as "0".
func FormatNumber(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case v == 0:
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// toInt32 truncates v and wraps it modulo 2^32 into a signed 32-bit value,
// which is what the legacy shift operates on. NaN and Inf become 0.
func toInt32(v float64) int32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(v), 4294967296)
	if m < 0 {
		m += 4294967296
	}
	return int32(uint32(m))
}

// roundHalfUp rounds to the nearest integer with ties toward +Inf.
func roundHalfUp(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	f := math.Floor(x)
	if x-f >= 0.5 {
		f++
	}
	return f
}
