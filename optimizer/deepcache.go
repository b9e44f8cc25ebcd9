package optimizer

import (
	"fmt"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/types/errtypes"
)

// DeepCache skips the deep layers of a module on steps between refreshes.
// CacheLayerID selects the last shallow layer and CacheBlockID the number of
// trailing layers that always run.
type DeepCache struct {
	CacheInterval int `mapstructure:"cache_interval"`
	CacheLayerID  int `mapstructure:"cache_layer_id"`
	CacheBlockID  int `mapstructure:"cache_block_id"`
	StartStep     int `mapstructure:"start_step"`
	EndStep       int `mapstructure:"end_step"`
}

func DefaultDeepCache() DeepCache {
	return DeepCache{CacheInterval: 3, CacheLayerID: 0, CacheBlockID: 1, StartStep: 0, EndStep: 1000}
}

func (DeepCache) Kind() Kind { return KindDeepCache }

func (d DeepCache) Validate() error {
	for _, check := range []error{
		errtypes.CheckRange("cache_interval", d.CacheInterval, 1, 1000),
		errtypes.CheckRange("cache_layer_id", d.CacheLayerID, 0, 12),
		errtypes.CheckRange("cache_block_id", d.CacheBlockID, 0, 12),
		errtypes.CheckRange("start_step", d.StartStep, 0, 1000),
		errtypes.CheckRange("end_step", d.EndStep, 0, 1000),
	} {
		if check != nil {
			return check
		}
	}
	if d.EndStep < d.StartStep {
		return &errtypes.ValidationError{Field: "end_step", Value: d.EndStep, Reason: fmt.Sprintf("end_step %d is before start_step %d", d.EndStep, d.StartStep)}
	}
	return nil
}

// Plan is the step schedule d describes.
func (d DeepCache) Plan() ml.CachePlan {
	return ml.CachePlan{
		Split:    d.CacheLayerID + 1,
		Tail:     d.CacheBlockID,
		Interval: d.CacheInterval,
		Start:    d.StartStep,
		End:      d.EndStep,
	}
}

func (d DeepCache) Apply(m ml.Module) (ml.Module, error) {
	if dc, ok := m.(*DeepCacheModule); ok {
		m = dc.inner
	}
	l, ok := m.(ml.Layered)
	if !ok {
		return nil, &errtypes.ValidationError{Field: "module", Reason: fmt.Sprintf("deep cache needs a layered module, got %T", m)}
	}

	plan := d.Plan()
	if err := plan.Validate(len(l.Layers())); err != nil {
		return nil, &errtypes.ValidationError{Field: "cache_layer_id", Value: d.CacheLayerID, Reason: err.Error()}
	}
	return NewDeepCacheModule(l, plan), nil
}

func (d DeepCache) Configure(opts *ml.CompileOptions) {
	plan := d.Plan()
	opts.DeepCache = &plan
}

// DeepCacheModule runs a layered module under a CachePlan, keeping the deep
// segment output between steps. Calls carry the step index in the
// ml.StepKeyword keyword argument.
type DeepCacheModule struct {
	inner ml.Layered
	plan  ml.CachePlan
	steps *cache.StepCache
}

func NewDeepCacheModule(inner ml.Layered, plan ml.CachePlan) *DeepCacheModule {
	return &DeepCacheModule{inner: inner, plan: plan, steps: cache.NewStepCache(1)}
}

func (d *DeepCacheModule) Layers() []ml.Layer      { return d.inner.Layers() }
func (d *DeepCacheModule) Structure() ml.Structure { return d.inner.Structure() }
func (d *DeepCacheModule) Device() ml.Device       { return d.inner.Device() }
func (d *DeepCacheModule) To(dev ml.Device) error  { return d.inner.To(dev) }
func (d *DeepCacheModule) Family() ml.Family       { return ml.FamilyOf(d.inner) }

func (d *DeepCacheModule) Plan() *ml.CachePlan {
	p := d.plan
	return &p
}

// Reset drops the cached deep output, for example before a new image.
func (d *DeepCacheModule) Reset() { d.steps.Reset() }

// Replace swaps a layer of the wrapped module when it supports that.
func (d *DeepCacheModule) Replace(i int, l ml.Layer) {
	if r, ok := d.inner.(replacer); ok {
		r.Replace(i, l)
	}
}

func (d *DeepCacheModule) Forward(args ml.Args) ([]ml.Tensor, error) {
	x, err := args.Input()
	if err != nil {
		return nil, err
	}

	layers := d.inner.Layers()
	y, err := ml.RunPlan(&d.plan, len(layers), args, d.steps, x, func(i int, x ml.Tensor) (ml.Tensor, error) {
		y, err := layers[i].Forward(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layers[i].Name(), err)
		}
		return y, nil
	})
	if err != nil {
		return nil, err
	}
	return []ml.Tensor{y}, nil
}
