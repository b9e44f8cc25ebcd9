package format

import "testing"

func TestHumanNumber(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.00K"},
		{1234, "1.23K"},
		{45_600_000, "45.6M"},
		{123_456_789_000, "123B"},
		{2_000_000_000_000, "2.00T"},
		{-1500, "-1.50K"},
	}

	for _, tt := range cases {
		if got := HumanNumber(tt.in); got != tt.want {
			t.Errorf("HumanNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
