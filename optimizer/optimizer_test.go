package optimizer

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/deploy"
	"github.com/graphboost/graphboost/graphkey"
	"github.com/graphboost/graphboost/hijack"
	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/ml/backend/reference"
	"github.com/graphboost/graphboost/types/errtypes"
)

func linear(t *testing.T, name string, in, out int) *ml.Linear {
	t.Helper()
	w := make([]float32, in*out)
	for i := range w {
		w[i] = float32(i%5)*0.2 - 0.4
	}
	b := make([]float32, out)
	for i := range b {
		b[i] = 0.1 * float32(i)
	}
	l, err := ml.NewLinear(name, in, out, w, b)
	require.NoError(t, err)
	return l
}

// unet is proj_in(2->2) fc1(2->8) act fc2(8->8) proj_out(8->2).
func unet(t *testing.T, family ml.Family) *ml.Sequential {
	t.Helper()
	return ml.NewSequential(family,
		linear(t, "proj_in", 2, 2),
		linear(t, "fc1", 2, 8),
		&ml.Activation{LayerName: "act", Func: ml.KindSiLU},
		linear(t, "fc2", 8, 8),
		linear(t, "proj_out", 8, 2),
	)
}

func input(t *testing.T, offset float32) ml.Tensor {
	t.Helper()
	x, err := ml.FromFloats([]float32{0.5 + offset, -1 + offset}, 1, 2)
	require.NoError(t, err)
	return x
}

func run(t *testing.T, m ml.Module, args ml.Args) []float32 {
	t.Helper()
	out, err := m.Forward(args)
	require.NoError(t, err)
	require.Len(t, out, 1)
	vs, err := ml.Floats(out[0])
	require.NoError(t, err)
	return vs
}

func kinds(m ml.Layered) []string {
	var ks []string
	for _, l := range m.Layers() {
		ks = append(ks, l.Kind())
	}
	return ks
}

func TestNewExecutor(t *testing.T) {
	e, err := NewExecutor("deepcache", map[string]any{"cache_interval": "5", "end_step": 20.0})
	require.NoError(t, err)
	if diff := cmp.Diff(DeepCache{CacheInterval: 5, CacheLayerID: 0, CacheBlockID: 1, StartStep: 0, EndStep: 20}, e); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	e, err = NewExecutor("quantization", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultQuantization(), e)

	e, err = NewExecutor("", nil)
	require.NoError(t, err)
	assert.Equal(t, KindBasic, e.Kind())

	cases := []struct {
		kind   string
		values map[string]any
		field  string
	}{
		{"deepcache", map[string]any{"cache_interval": 0}, "cache_interval"},
		{"deepcache", map[string]any{"cache_interval": 1001}, "cache_interval"},
		{"deepcache", map[string]any{"cache_layer_id": 13}, "cache_layer_id"},
		{"deepcache", map[string]any{"start_step": 10, "end_step": 5}, "end_step"},
		{"deepcache", map[string]any{"interval": 3}, "options"},
		{"quantization", map[string]any{"linear_percentage": 101}, "linear_percentage"},
		{"quantization", map[string]any{"conv_compute_density_threshold": 2001}, "conv_compute_density_threshold"},
		{"quantization", map[string]any{"linear_percentage": "most"}, "options"},
		{"turbo", nil, "kind"},
	}
	for _, tt := range cases {
		t.Run(tt.kind+"/"+tt.field, func(t *testing.T) {
			_, err := NewExecutor(tt.kind, tt.values)
			require.ErrorIs(t, err, errtypes.ErrValidation)
			var verr *errtypes.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestDeepCacheApply(t *testing.T) {
	d := DeepCache{CacheInterval: 2, CacheLayerID: 0, CacheBlockID: 1, StartStep: 0, EndStep: 100}
	require.NoError(t, d.Validate())

	e := unet(t, ml.FamilyUNetLDM)
	m, err := d.Apply(e.Clone())
	require.NoError(t, err)
	dc := m.(*DeepCacheModule)
	assert.Equal(t, ml.FamilyUNetLDM, dc.Family())
	assert.Equal(t, &ml.CachePlan{Split: 1, Tail: 1, Interval: 2, Start: 0, End: 100}, dc.Plan())

	x0 := ml.NewArgs(input(t, 0)).With(ml.StepKeyword, 0)
	x1 := ml.NewArgs(input(t, 0.3)).With(ml.StepKeyword, 1)
	x2 := ml.NewArgs(input(t, 0.3)).With(ml.StepKeyword, 2)

	out0 := run(t, dc, x0)
	assert.InDeltaSlice(t, run(t, e, x0), out0, 1e-6)

	// step 1 reuses the deep output of step 0, so only the tail runs
	out1 := run(t, dc, x1)
	assert.InDeltaSlice(t, out0, out1, 1e-6)
	assert.NotEqual(t, run(t, e, x1), out1)

	assert.InDeltaSlice(t, run(t, e, x2), run(t, dc, x2), 1e-6)

	dc.Reset()
	assert.InDeltaSlice(t, run(t, e, x1), run(t, dc, x1), 1e-6)
}

func TestDeepCacheApplyRejectsSmallModules(t *testing.T) {
	d := DeepCache{CacheInterval: 3, CacheLayerID: 2, CacheBlockID: 2, EndStep: 1000}
	require.NoError(t, d.Validate())

	_, err := d.Apply(unet(t, ml.FamilyUNetLDM))
	require.ErrorIs(t, err, errtypes.ErrValidation)
}

func TestQuantizationSelect(t *testing.T) {
	layers := unet(t, ml.FamilyUNetLDM).Layers()

	cases := []struct {
		name string
		q    Quantization
		want []int
	}{
		{"all", Quantization{LinearPercentage: 100}, []int{0, 1, 3, 4}},
		{"half densest", Quantization{LinearPercentage: 50}, []int{1, 3}},
		{"threshold", Quantization{LinearPercentage: 100, LinearComputeDensityThreshold: 2}, []int{3}},
		{"none", Quantization{LinearPercentage: 0}, []int{}},
		{"too dense", Quantization{LinearPercentage: 100, LinearComputeDensityThreshold: 300}, []int{}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.q.Select(layers)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQuantizationApply(t *testing.T) {
	e := unet(t, ml.FamilyUNetLDM)
	args := ml.NewArgs(input(t, 0))
	want := run(t, e, args)

	q := Quantization{
		LinearPercentage: 50,
		CalibrateInfo: CalibrateInfo{
			"fc1": {Bits: 4, Scale: 0.01},
		},
	}
	m, err := q.Apply(e.Clone())
	require.NoError(t, err)
	assert.Equal(t, []string{"linear", "linear", "silu", "linear_int8", "linear"}, kinds(m.(ml.Layered)), "fc1 has 4 bit calibration and is skipped")
	assert.InDeltaSlice(t, want, run(t, m, args), 0.05)

	channels := []float32{0.01, 0.02, 0.01, 0.02, 0.01, 0.02, 0.01, 0.02}
	q.CalibrateInfo = CalibrateInfo{"fc2": {Bits: 8, Scale: 0.5, Channels: channels}}
	m, err = q.Apply(e.Clone())
	require.NoError(t, err)
	ql := m.(ml.Layered).Layers()[3].(*ml.QuantLinear)
	scale, err := ml.Floats(ql.Scale)
	require.NoError(t, err)
	assert.Equal(t, channels, scale)

	_, err = q.Apply(fakeModule{})
	require.ErrorIs(t, err, errtypes.ErrValidation)
}

type fakeModule struct{ ml.Module }

func TestParseCalibrateInfo(t *testing.T) {
	info, err := ParseCalibrateInfo(strings.NewReader("fc1 0.5 8 0.1,0.2\n\nfc2 0.25 4 1\n"))
	require.NoError(t, err)
	want := CalibrateInfo{
		"fc1": {Scale: 0.5, Bits: 8, Channels: []float32{0.1, 0.2}},
		"fc2": {Scale: 0.25, Bits: 4, Channels: []float32{1}},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	_, err = ParseCalibrateInfo(strings.NewReader("fc1 0.5 8\n"))
	require.ErrorContains(t, err, "line 1")
	_, err = ParseCalibrateInfo(strings.NewReader("fc1 0.5 8 0.1,x\n"))
	require.Error(t, err)

	info, err = LoadCalibrateInfo(t.TempDir() + "/calibrate_info.txt")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestPatch(t *testing.T) {
	table := hijack.New[LayerOverride]()
	require.NoError(t, table.Register(ml.KindSiLU, func(l ml.Layer) ml.Layer {
		return &ml.Activation{LayerName: l.Name(), Func: ml.KindGELU}
	}, FamilyIs(ml.FamilyUNetLDM, ml.FamilyUNetSGM)))

	p := Patch{Table: table}
	require.NoError(t, p.Validate())

	m, err := p.Apply(unet(t, ml.FamilyUNetLDM))
	require.NoError(t, err)
	assert.Equal(t, ml.KindGELU, kinds(m.(ml.Layered))[2])

	m, err = p.Apply(unet(t, ml.FamilyVAE))
	require.NoError(t, err)
	assert.Equal(t, ml.KindSiLU, kinds(m.(ml.Layered))[2], "predicate rejects the vae")

	opts := ml.DefaultCompileOptions()
	p.Configure(&opts)
	p.Configure(&opts)
	assert.Equal(t, []string{ml.KindSiLU}, opts.Patches)

	require.ErrorIs(t, Patch{Names: []string{"cross_attention"}, Table: table}.Validate(), errtypes.ErrValidation)
}

func newScheduler(t *testing.T, e Executor) (*Scheduler, *cache.Cache) {
	t.Helper()
	c, err := cache.New(2)
	require.NoError(t, err)
	return NewScheduler(e, reference.New(), c), c
}

func TestSchedulerCompile(t *testing.T) {
	s, c := newScheduler(t, Basic{})

	_, err := s.Compile(unet(t, ml.FamilyUNetLDM), "")
	require.ErrorIs(t, err, errtypes.ErrValidation)

	e := unet(t, ml.FamilyUNetSGM)
	m, err := s.Compile(e, "sdxl_base")
	require.NoError(t, err)
	assert.Equal(t, graphkey.Identity{Checkpoint: "sdxl_base", Role: "unet"}, m.Identity())
	assert.Equal(t, deploy.Unbuilt, m.State())
	assert.Zero(t, c.Len(), "scheduling does not compile")

	args := ml.NewArgs(input(t, 0))
	assert.InDeltaSlice(t, run(t, e, args), run(t, m, args), 1e-5)
	assert.Equal(t, 1, c.Len())

	again, err := s.Compile(m, "sdxl_base")
	require.NoError(t, err)
	run(t, again, args)
	assert.Equal(t, 1, c.Len(), "rewrapping a deployed module shares its graph")
}

func TestSchedulerInplace(t *testing.T) {
	s, _ := newScheduler(t, Quantization{LinearPercentage: 100})
	e := unet(t, ml.FamilyUNetLDM)

	_, err := s.Compile(e, "sd15")
	require.NoError(t, err)
	assert.Equal(t, []string{"linear", "linear", "silu", "linear", "linear"}, kinds(e))

	s.Inplace = true
	_, err = s.Compile(e, "sd15")
	require.NoError(t, err)
	assert.Equal(t, []string{"linear_int8", "linear_int8", "silu", "linear_int8", "linear_int8"}, kinds(e))
}

func TestSchedulerCalibrationChangesKey(t *testing.T) {
	calibration := func(scale float32) CalibrateInfo {
		return CalibrateInfo{"fc2": {Bits: 8, Scale: scale}}
	}

	s, c := newScheduler(t, Quantization{LinearPercentage: 100, CalibrateInfo: calibration(0.01)})
	args := ml.NewArgs(input(t, 0))

	a, err := s.Compile(unet(t, ml.FamilyUNetLDM), "sd15")
	require.NoError(t, err)
	outA := run(t, a, args)

	s.Executor = Quantization{LinearPercentage: 100, CalibrateInfo: calibration(0.5)}
	b, err := s.Compile(unet(t, ml.FamilyUNetLDM), "sd15")
	require.NoError(t, err)
	outB := run(t, b, args)

	assert.Equal(t, int64(2), c.Stats().Compiles)
	assert.Equal(t, 2, c.Len())
	assert.NotEqual(t, outA, outB, "graphs built from different calibrations are not shared")

	assert.InDeltaSlice(t, outA, run(t, a, args), 1e-6)
	assert.Equal(t, int64(2), c.Stats().Compiles)
}

func TestCalibrateInfoDigest(t *testing.T) {
	assert.Empty(t, CalibrateInfo(nil).Digest())

	a := CalibrateInfo{"fc1": {Scale: 0.5, Bits: 8}, "fc2": {Scale: 0.25, Bits: 8, Channels: []float32{1, 2}}}
	b := CalibrateInfo{"fc2": {Scale: 0.25, Bits: 8, Channels: []float32{1, 2}}, "fc1": {Scale: 0.5, Bits: 8}}
	assert.Equal(t, a.Digest(), b.Digest())

	b["fc2"] = Calibration{Scale: 0.25, Bits: 8, Channels: []float32{1, 3}}
	assert.NotEqual(t, a.Digest(), b.Digest())

	opts := ml.DefaultCompileOptions()
	Quantization{CalibrateInfo: a}.Configure(&opts)
	assert.Equal(t, a.Digest(), opts.Quant.Calibration)
}

func TestSchedulerValidatesFirst(t *testing.T) {
	s, c := newScheduler(t, DeepCache{CacheInterval: 0, EndStep: 1000})
	_, err := s.Compile(unet(t, ml.FamilyUNetLDM), "sd15")
	require.ErrorIs(t, err, errtypes.ErrValidation)
	assert.Zero(t, c.Len())
}

func TestSchedulerUnsupportedFamily(t *testing.T) {
	s, c := newScheduler(t, Basic{})
	m, err := s.Compile(unet(t, ml.FamilyGeneric), "custom")
	require.NoError(t, err)
	assert.Equal(t, "module", m.Identity().Role)

	for range 3 {
		run(t, m, ml.NewArgs(input(t, 0)))
	}
	assert.Zero(t, c.Len())
}

func TestSchedulerDeepCache(t *testing.T) {
	s, c := newScheduler(t, DefaultDeepCache())
	e := unet(t, ml.FamilyUNetLDM)
	m, err := s.Compile(e, "sd15")
	require.NoError(t, err)

	_, ok := m.Eager().(*DeepCacheModule)
	require.True(t, ok)

	for step := range 4 {
		args := ml.NewArgs(input(t, 0)).With(ml.StepKeyword, step)
		assert.InDeltaSlice(t, run(t, e, args), run(t, m, args), 1e-5)
	}
	assert.Equal(t, 1, c.Len(), "the step index does not change the signature")
}

func TestTracker(t *testing.T) {
	s, c := newScheduler(t, Basic{})
	s.Tracker = NewTracker(c)
	args := ml.NewArgs(input(t, 0))

	m, err := s.Compile(unet(t, ml.FamilyUNetLDM), "sd15")
	require.NoError(t, err)
	run(t, m, args)
	require.Equal(t, 1, c.Len())

	m, err = s.Compile(unet(t, ml.FamilyUNetLDM), "sd15")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len(), "same structure keeps the graphs")

	changed := ml.NewSequential(ml.FamilyUNetLDM, linear(t, "proj_in", 2, 2), linear(t, "proj_out", 2, 2))
	_, err = s.Compile(changed, "sd15")
	require.NoError(t, err)
	assert.Zero(t, c.Len())

	id := graphkey.Identity{Checkpoint: "sd15", Role: "unet"}
	s.Tracker.Forget(id)
	assert.False(t, s.Tracker.Observe(id, m))
}
