package format

import (
	"fmt"
	"math"
	"time"
)

// HumanDuration returns a rough reading of d, such as "about a minute" or
// "3 days".
func HumanDuration(d time.Duration) string {
	if s := int(d.Seconds()); s < 60 {
		switch s {
		case 0:
			return "less than a second"
		case 1:
			return "1 second"
		default:
			return fmt.Sprintf("%d seconds", s)
		}
	}

	if m := int(d.Minutes()); m < 60 {
		if m == 1 {
			return "about a minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}

	hours := int(math.Round(d.Hours()))
	switch {
	case hours == 1:
		return "about an hour"
	case hours < 48:
		return fmt.Sprintf("%d hours", hours)
	case hours < 24*7*2:
		return fmt.Sprintf("%d days", hours/24)
	case hours < 24*30*2:
		return fmt.Sprintf("%d weeks", hours/24/7)
	case hours < 24*365*2:
		return fmt.Sprintf("%d months", hours/24/30)
	}
	return fmt.Sprintf("%d years", int(d.Hours())/24/365)
}

// HumanTime describes t relative to now, or returns zeroValue for the zero
// time.
func HumanTime(t time.Time, zeroValue string) string {
	if t.IsZero() {
		return zeroValue
	}

	delta := time.Since(t)
	if delta < 0 {
		return HumanDuration(-delta) + " from now"
	}
	return HumanDuration(delta) + " ago"
}
