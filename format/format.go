package format

import (
	"fmt"
	"strconv"
)

var numberUnits = []struct {
	suffix string
	size   float64
}{
	{"T", 1e12},
	{"B", 1e9},
	{"M", 1e6},
	{"K", 1e3},
}

// HumanNumber abbreviates a counter to about three significant digits, such
// as 999, 1.23K or 45.6M.
func HumanNumber(n int64) string {
	if n < 0 {
		return "-" + HumanNumber(-n)
	}

	for _, u := range numberUnits {
		if v := float64(n) / u.size; v >= 1 {
			return decimalPlace(v) + u.suffix
		}
	}
	return strconv.FormatInt(n, 10)
}

func decimalPlace(v float64) string {
	switch {
	case v >= 100:
		return fmt.Sprintf("%.0f", v)
	case v >= 10:
		return fmt.Sprintf("%.1f", v)
	default:
		return fmt.Sprintf("%.2f", v)
	}
}
