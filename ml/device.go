package ml

import (
	"fmt"
	"strconv"
	"strings"
)

// Device is a placement target for module weights and compiled graphs.
type Device struct {
	Kind  string
	Index int
}

var CPU = Device{Kind: "cpu"}

// ParseDevice parses "cpu", "cuda", "cuda:1" and similar strings. A missing
// index means index 0.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Device{}, fmt.Errorf("empty device")
	}

	kind, index, found := strings.Cut(s, ":")
	if kind == "" {
		return Device{}, fmt.Errorf("invalid device %q", s)
	}

	d := Device{Kind: kind}
	if found {
		n, err := strconv.Atoi(index)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", s)
		}
		d.Index = n
	}
	return d, nil
}

// MustParseDevice is ParseDevice for constant device strings.
func MustParseDevice(s string) Device {
	d, err := ParseDevice(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Device) String() string {
	if d.Kind == "" {
		return "unknown"
	}
	if d.Kind == "cpu" {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Equal compares placement. The cpu device has no meaningful index.
func (d Device) Equal(o Device) bool {
	if d.Kind != o.Kind {
		return false
	}
	return d.Kind == "cpu" || d.Index == o.Index
}
