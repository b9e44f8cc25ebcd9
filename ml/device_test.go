package ml

import "testing"

func TestParseDevice(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Device
		wantErr bool
	}{
		{name: "cpu", in: "cpu", want: Device{Kind: "cpu"}},
		{name: "bare cuda", in: "cuda", want: Device{Kind: "cuda"}},
		{name: "indexed", in: "cuda:1", want: Device{Kind: "cuda", Index: 1}},
		{name: "case and space", in: " CUDA:2 ", want: Device{Kind: "cuda", Index: 2}},
		{name: "empty", in: "", wantErr: true},
		{name: "bad index", in: "cuda:x", wantErr: true},
		{name: "negative index", in: "cuda:-1", wantErr: true},
		{name: "missing kind", in: ":1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDevice(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDevice(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDevice(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseDevice(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDeviceEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"cuda", "cuda:0", true},
		{"cuda:0", "cuda:1", false},
		{"cpu", "cpu:3", true},
		{"cpu", "cuda", false},
	}

	for _, tt := range tests {
		if got := MustParseDevice(tt.a).Equal(MustParseDevice(tt.b)); got != tt.want {
			t.Errorf("%s.Equal(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDeviceString(t *testing.T) {
	if got := MustParseDevice("cuda").String(); got != "cuda:0" {
		t.Errorf("got %q", got)
	}
	if got := CPU.String(); got != "cpu" {
		t.Errorf("got %q", got)
	}
}
