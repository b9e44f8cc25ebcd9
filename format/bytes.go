package format

import (
	"fmt"
	"strconv"
)

const (
	Byte     = 1
	KibiByte = Byte * 1024
	MebiByte = KibiByte * 1024
	GibiByte = MebiByte * 1024
	TebiByte = GibiByte * 1024
)

// HumanBytes formats a byte count with binary units, the way device memory
// is reported.
func HumanBytes(b int64) string {
	var value float64
	var unit string

	switch {
	case b >= TebiByte:
		value, unit = float64(b)/TebiByte, "TiB"
	case b >= GibiByte:
		value, unit = float64(b)/GibiByte, "GiB"
	case b >= MebiByte:
		value, unit = float64(b)/MebiByte, "MiB"
	case b >= KibiByte:
		value, unit = float64(b)/KibiByte, "KiB"
	default:
		return strconv.FormatInt(b, 10) + " B"
	}

	switch {
	case value >= 10 || value == float64(int64(value)):
		return fmt.Sprintf("%d %s", int64(value), unit)
	default:
		return fmt.Sprintf("%.1f %s", value, unit)
	}
}
