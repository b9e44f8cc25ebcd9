package cmd

import (
	"cmp"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/envconfig"
	"github.com/graphboost/graphboost/format"
	"github.com/graphboost/graphboost/graphstore"
	"github.com/graphboost/graphboost/logutil"
	"github.com/graphboost/graphboost/ml"
	_ "github.com/graphboost/graphboost/ml/backend"
	"github.com/graphboost/graphboost/optimizer"
	"github.com/graphboost/graphboost/progress"
	"github.com/graphboost/graphboost/version"
)

func init() {
	// gelu layers of the demo unet run as silu under --optimizer patch
	if err := optimizer.Overrides.Register(ml.KindGELU, func(l ml.Layer) ml.Layer {
		return &ml.Activation{LayerName: l.Name(), Func: ml.KindSiLU}
	}, optimizer.FamilyIs(ml.FamilyUNetLDM, ml.FamilyUNetSGM)); err != nil {
		panic(err)
	}
}

// parseSet turns repeated key=value flags into optimizer options.
func parseSet(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q is not of the form key=value", p)
		}
		values[k] = strings.TrimSpace(v)
	}
	return values, nil
}

// demoUNet is a small deterministic unet shaped module: a shallow
// projection, a wide deep segment and an output projection.
func demoUNet(hidden int) (*ml.Sequential, error) {
	weights := func(seed, in, out int) ([]float32, []float32) {
		w := make([]float32, in*out)
		for i := range w {
			w[i] = float32(math.Sin(float64(seed*7919+i))) / float32(in)
		}
		b := make([]float32, out)
		for i := range b {
			b[i] = float32(math.Cos(float64(seed+i))) / 10
		}
		return w, b
	}

	dims := []struct {
		name    string
		in, out int
	}{
		{"proj_in", hidden, hidden},
		{"down", hidden, 4 * hidden},
		{"up", 4 * hidden, hidden},
		{"proj_out", hidden, hidden},
	}

	var layers []ml.Layer
	for i, d := range dims {
		w, b := weights(i+1, d.in, d.out)
		l, err := ml.NewLinear(d.name, d.in, d.out, w, b)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
		switch d.name {
		case "proj_in":
			layers = append(layers, &ml.Activation{LayerName: "act_in", Func: ml.KindSiLU})
		case "down":
			layers = append(layers, &ml.Activation{LayerName: "act_mid", Func: ml.KindGELU})
		}
	}
	return ml.NewSequential(ml.FamilyUNetLDM, layers...), nil
}

func CompileHandler(cmd *cobra.Command, _ []string) error {
	logutil.Install(os.Stderr, envconfig.LogLevel, envconfig.LogFormat)

	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	kind, _ := flags.GetString("optimizer")
	sets, _ := flags.GetStringArray("set")
	calibrate, _ := flags.GetString("calibrate")
	compilerName, _ := flags.GetString("compiler")
	hidden, _ := flags.GetInt("hidden")
	batches, _ := flags.GetIntSlice("batch")
	steps, _ := flags.GetInt("steps")
	save, _ := flags.GetBool("save")

	values, err := parseSet(sets)
	if err != nil {
		return err
	}
	e, err := optimizer.NewExecutor(kind, values)
	if err != nil {
		return err
	}
	if q, ok := e.(optimizer.Quantization); ok && calibrate != "" {
		if q.CalibrateInfo, err = optimizer.LoadCalibrateInfo(calibrate); err != nil {
			return err
		}
		e = q
	}

	n, err := capacity(cmd)
	if err != nil {
		return err
	}
	c, err := cache.New(n)
	if err != nil {
		return err
	}
	defer c.Clear()

	compiler, err := ml.NewCompiler(compilerName)
	if err != nil {
		return err
	}
	precision, err := ml.ParsePrecision(envconfig.Precision)
	if err != nil {
		return err
	}
	device, err := ml.ParseDevice(envconfig.Device)
	if err != nil {
		return err
	}

	eager, err := demoUNet(hidden)
	if err != nil {
		return err
	}
	if err := eager.To(device); err != nil {
		return err
	}

	s := optimizer.NewScheduler(e, compiler, c)
	s.Options.Compile.UseGraph = envconfig.UseGraph
	s.Options.Compile.Dynamic = envconfig.Dynamic
	s.Options.Compile.Precision = precision
	if envconfig.Debug {
		s.Options.Compile.Debug = 1
	}
	if save {
		role := eager.Family().Role()
		s.Options.GraphFile, err = graphstore.New(envconfig.Graphs).Path(role, name,
			graphstore.FileName(role, version.Version, compiler.Name(), compiler.Version()))
		if err != nil {
			return err
		}
	}

	m, err := s.Compile(eager, name)
	if err != nil {
		return err
	}

	var p *progress.Progress
	if show, _ := flags.GetBool("progress"); show {
		p = progress.NewProgress(cmd.ErrOrStderr())
		defer p.StopAndClear()
	}

	table := newTable(cmd.OutOrStdout(), "BATCH", "STEP", "TIME", "STATE", "OUTPUT")
	for _, batch := range batches {
		spinner := progress.NewSpinner(fmt.Sprintf("batch %d: resolving graph", batch))
		bar := progress.NewStepBar(fmt.Sprintf("batch %d", batch), steps)
		if p != nil {
			p.Add(spinner)
			p.Add(bar)
		}

		x := make([]float32, batch*hidden)
		for i := range x {
			x[i] = float32(i%hidden) / float32(hidden)
		}
		for step := range steps {
			in, err := ml.FromFloats(x, batch, hidden)
			if err != nil {
				return err
			}

			start := time.Now()
			out, err := m.ForwardContext(cmd.Context(), ml.NewArgs(in).With(ml.StepKeyword, step))
			if err != nil {
				return fmt.Errorf("batch %d step %d: %w", batch, step, err)
			}
			elapsed := time.Since(start)
			spinner.Stop()
			bar.Set(step + 1)

			ys, err := ml.Floats(out[0])
			if err != nil {
				return err
			}
			table.Append([]string{
				fmt.Sprint(batch),
				fmt.Sprint(step),
				elapsed.Round(time.Microsecond).String(),
				m.State().String(),
				fmt.Sprintf("%.4f", ys[0]),
			})
			// the next call feeds on this one, as a denoising loop does
			copy(x, ys)
		}
		spinner.Stop()
	}
	if p != nil {
		p.StopAndClear()
	}
	table.Render()

	stats := c.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %d graphs cached, %d compiles, %d hits, %d misses\n",
		m.Identity(), c.Len(), stats.Compiles, stats.Hits, stats.Misses)
	for _, u := range c.Units() {
		fmt.Fprintf(cmd.OutOrStdout(), "graph %s on %s, %s, file %s\n",
			u.Key.Signature, u.Device, format.HumanBytes(u.Size), cmp.Or(u.Path, "none"))
	}
	return nil
}
