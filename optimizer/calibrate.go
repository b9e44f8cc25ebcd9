package optimizer

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/graphboost/graphboost/ml"
)

// Calibration is the precomputed quantization statistics of one layer.
type Calibration struct {
	Scale    float32
	Bits     int
	Channels []float32
}

// CalibrateInfo maps layer names to their calibration.
type CalibrateInfo map[string]Calibration

// ParseCalibrateInfo reads the text format written by calibration tools,
// one layer per line:
//
//	down_blocks.0.proj_in 0.0132 8 0.011,0.012,0.009
func ParseCalibrateInfo(r io.Reader) (CalibrateInfo, error) {
	info := make(CalibrateInfo)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("calibrate info line %d: want 4 fields, got %d", n, len(fields))
		}

		scale, err := strconv.ParseFloat(fields[1], 32)
		if err != nil {
			return nil, fmt.Errorf("calibrate info line %d: scale: %w", n, err)
		}
		bits, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("calibrate info line %d: bits: %w", n, err)
		}

		parts := strings.Split(fields[3], ",")
		channels := make([]float32, len(parts))
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 32)
			if err != nil {
				return nil, fmt.Errorf("calibrate info line %d: channel %d: %w", n, i, err)
			}
			channels[i] = float32(v)
		}

		info[fields[0]] = Calibration{Scale: float32(scale), Bits: bits, Channels: channels}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return info, nil
}

// LoadCalibrateInfo reads a calibrate info file. A missing file is not an
// error and yields nil info.
func LoadCalibrateInfo(path string) (CalibrateInfo, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := ParseCalibrateInfo(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("loaded calibrate info", "path", path, "layers", len(info))
	return info, nil
}

// Scales returns the per row scales for l. A nil slice asks the quantizer
// to derive scales from the weights. The second value is false when the
// calibration is for a width other than int8.
func (c CalibrateInfo) Scales(l *ml.Linear) ([]float32, bool) {
	cal, ok := c[l.Name()]
	if !ok {
		return nil, true
	}
	if cal.Bits != 8 {
		return nil, false
	}

	_, out := l.Features()
	switch {
	case len(cal.Channels) == out:
		return cal.Channels, true
	case cal.Scale > 0:
		scales := make([]float32, out)
		for i := range scales {
			scales[i] = cal.Scale
		}
		return scales, true
	default:
		return nil, true
	}
}

// Digest identifies the calibration by content. Empty info has an empty
// digest.
func (c CalibrateInfo) Digest() string {
	if len(c) == 0 {
		return ""
	}
	h := sha256.New()
	for _, name := range slices.Sorted(maps.Keys(c)) {
		cal := c[name]
		fmt.Fprintf(h, "%q %g %d", name, cal.Scale, cal.Bits)
		for _, v := range cal.Channels {
			fmt.Fprintf(h, " %g", v)
		}
		fmt.Fprintln(h)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
