package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-facetrain/tensor"
)

// Sequential runs compiled layers in order on the CPU.
type Sequential struct {
	spec     *ModelSpec
	layers   []Layer
	training bool
}

// Build instantiates a compiled model spec. Weights are drawn from rng; a nil
// rng uses a fixed seed, for callers that overwrite the weights anyway.
func Build(spec *ModelSpec, rng *rand.Rand) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	m := &Sequential{
		spec:     spec,
		layers:   make([]Layer, 0, len(spec.Layers)),
		training: true,
	}
	for i, ls := range spec.Layers {
		layer, err := newLayer(ls, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d (%s): %v", i, ls.Name, err)
		}
		m.layers = append(m.layers, layer)
	}
	return m, nil
}

func (m *Sequential) Spec() *ModelSpec {
	return m.spec
}

// Train switches dropout on.
func (m *Sequential) Train() {
	m.training = true
}

// Eval switches dropout off.
func (m *Sequential) Eval() {
	m.training = false
}

func (m *Sequential) IsTraining() bool {
	return m.training
}

// Forward runs x through every layer. The batch size may differ from the one
// the ModelSpec was compiled with; the per-sample shape may not.
func (m *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	want := m.spec.InputShape[1:]
	if len(x.Shape) != len(m.spec.InputShape) || !sameDims(x.Shape[1:], want) {
		return nil, fmt.Errorf("input shape %v does not match model input [N %v]", x.Shape, want)
	}

	out := x
	for _, layer := range m.layers {
		next, err := layer.Forward(out, m.training)
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}

// Backward propagates the gradient of the loss with respect to the model
// output, accumulating into every parameter's Grad.
func (m *Sequential) Backward(gradOut *tensor.Tensor) error {
	grad := gradOut
	for i := len(m.layers) - 1; i >= 0; i-- {
		next, err := m.layers[i].Backward(grad)
		if err != nil {
			return err
		}
		grad = next
	}
	return nil
}

// Parameters returns every learnable parameter in layer order.
func (m *Sequential) Parameters() []*tensor.Parameter {
	var params []*tensor.Parameter
	for _, layer := range m.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// NumParameters returns the number of learnable scalars.
func (m *Sequential) NumParameters() int64 {
	return tensor.CountParameters(m.Parameters())
}

// Layers returns the executable layers in order.
func (m *Sequential) Layers() []Layer {
	return m.layers
}

// Snapshot returns an independent copy of the model with the current weights.
// Later updates to m do not affect the copy.
func (m *Sequential) Snapshot() (*Sequential, error) {
	cp, err := Build(m.spec, nil)
	if err != nil {
		return nil, err
	}
	src := m.Parameters()
	dst := cp.Parameters()
	for i := range src {
		if err := dst[i].Value.CopyFrom(src[i].Value); err != nil {
			return nil, fmt.Errorf("%s: %v", src[i].Name, err)
		}
	}
	cp.training = m.training
	return cp, nil
}

// LoadParameters copies values into the parameters with matching names.
// With strict set, every parameter must be present and no extra names are
// allowed.
func (m *Sequential) LoadParameters(values map[string]*tensor.Tensor, strict bool) error {
	seen := 0
	for _, p := range m.Parameters() {
		v, ok := values[p.Name]
		if !ok {
			if strict {
				return fmt.Errorf("missing weights for %s", p.Name)
			}
			continue
		}
		if err := p.Value.CopyFrom(v); err != nil {
			return fmt.Errorf("%s: %v", p.Name, err)
		}
		seen++
	}
	if strict && seen != len(values) {
		return fmt.Errorf("%d weight tensors do not belong to this model", len(values)-seen)
	}
	return nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
