package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-facetrain/tensor"
)

// Layer is one executable stage of a Sequential model. Forward caches what
// Backward needs, so each Backward pairs with the most recent Forward.
// Backward accumulates into parameter gradients and returns the gradient
// with respect to the layer input.
type Layer interface {
	Name() string
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Parameter
}

// newLayer instantiates a compiled layer spec.
func newLayer(spec LayerSpec, rng *rand.Rand) (Layer, error) {
	switch spec.Type {
	case Dense:
		return newDenseLayer(spec, rng)
	case Conv2D:
		return newConv2DLayer(spec, rng)
	case ReLU:
		return &reluLayer{name: spec.Name}, nil
	case MaxPool2D:
		kernel := getIntParam(spec.Parameters, "kernel_size", 0)
		return &maxPoolLayer{
			name:   spec.Name,
			kernel: kernel,
			stride: getIntParam(spec.Parameters, "stride", kernel),
		}, nil
	case GlobalAvgPool:
		return &globalAvgPoolLayer{name: spec.Name}, nil
	case Dropout:
		return &dropoutLayer{
			name: spec.Name,
			rate: getFloatParam(spec.Parameters, "rate", 0),
			rng:  rand.New(rand.NewSource(rng.Int63())),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", spec.Type)
	}
}

// denseLayer computes y = x·W + b over inputs flattened to [batch, in].
type denseLayer struct {
	name    string
	in, out int
	weight  *tensor.Parameter
	bias    *tensor.Parameter

	input      *tensor.Tensor
	inputShape []int
}

func newDenseLayer(spec LayerSpec, rng *rand.Rand) (*denseLayer, error) {
	in := getIntParam(spec.Parameters, "input_size", 0)
	out := getIntParam(spec.Parameters, "output_size", 0)
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("dense layer %s is not compiled", spec.Name)
	}

	w, err := tensor.KaimingUniform([]int{in, out}, in, rng)
	if err != nil {
		return nil, err
	}
	l := &denseLayer{
		name:   spec.Name,
		in:     in,
		out:    out,
		weight: tensor.NewParameter(spec.Name+".weight", w),
	}

	if getBoolParam(spec.Parameters, "use_bias", true) {
		b, err := tensor.KaimingUniform([]int{out}, in, rng)
		if err != nil {
			return nil, err
		}
		l.bias = tensor.NewParameter(spec.Name+".bias", b)
	}
	return l, nil
}

func (l *denseLayer) Name() string { return l.name }

func (l *denseLayer) Parameters() []*tensor.Parameter {
	if l.bias == nil {
		return []*tensor.Parameter{l.weight}
	}
	return []*tensor.Parameter{l.weight, l.bias}
}

func (l *denseLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	n, features := x.Rows()
	if features != l.in {
		return nil, fmt.Errorf("%s: expected %d input features, got %d", l.name, l.in, features)
	}

	out, err := tensor.Zeros([]int{n, l.out})
	if err != nil {
		return nil, err
	}

	w := l.weight.Value.Data
	for i := 0; i < n; i++ {
		row := out.Data[i*l.out : (i+1)*l.out]
		if l.bias != nil {
			copy(row, l.bias.Value.Data)
		}
		xRow := x.Data[i*l.in : (i+1)*l.in]
		for k, xv := range xRow {
			if xv == 0 {
				continue
			}
			wRow := w[k*l.out : (k+1)*l.out]
			for j := range row {
				row[j] += xv * wRow[j]
			}
		}
	}

	l.input = x
	l.inputShape = append(l.inputShape[:0], x.Shape...)
	return out, nil
}

func (l *denseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: backward called before forward", l.name)
	}
	n, cols := gradOut.Rows()
	if cols != l.out || n*l.in != l.input.NumElems {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output", l.name, gradOut.Shape)
	}

	gradIn, err := tensor.Zeros(l.inputShape)
	if err != nil {
		return nil, err
	}

	w := l.weight.Value.Data
	dw := l.weight.Grad.Data
	for i := 0; i < n; i++ {
		g := gradOut.Data[i*l.out : (i+1)*l.out]
		xRow := l.input.Data[i*l.in : (i+1)*l.in]
		dxRow := gradIn.Data[i*l.in : (i+1)*l.in]
		for k := 0; k < l.in; k++ {
			wRow := w[k*l.out : (k+1)*l.out]
			dwRow := dw[k*l.out : (k+1)*l.out]
			xv := xRow[k]
			var sum float32
			for j, gv := range g {
				sum += gv * wRow[j]
				dwRow[j] += xv * gv
			}
			dxRow[k] = sum
		}
		if l.bias != nil {
			db := l.bias.Grad.Data
			for j, gv := range g {
				db[j] += gv
			}
		}
	}

	return gradIn, nil
}

// conv2DLayer is a direct (non-im2col) 2D convolution over NCHW inputs.
type conv2DLayer struct {
	name                    string
	inC, outC               int
	kernel, stride, padding int
	weight                  *tensor.Parameter
	bias                    *tensor.Parameter

	input *tensor.Tensor
	outH  int
	outW  int
}

func newConv2DLayer(spec LayerSpec, rng *rand.Rand) (*conv2DLayer, error) {
	inC := getIntParam(spec.Parameters, "input_channels", 0)
	outC := getIntParam(spec.Parameters, "output_channels", 0)
	k := getIntParam(spec.Parameters, "kernel_size", 0)
	if inC <= 0 || outC <= 0 || k <= 0 {
		return nil, fmt.Errorf("conv layer %s is not compiled", spec.Name)
	}

	fanIn := inC * k * k
	w, err := tensor.KaimingUniform([]int{outC, inC, k, k}, fanIn, rng)
	if err != nil {
		return nil, err
	}
	l := &conv2DLayer{
		name:    spec.Name,
		inC:     inC,
		outC:    outC,
		kernel:  k,
		stride:  getIntParam(spec.Parameters, "stride", 1),
		padding: getIntParam(spec.Parameters, "padding", 0),
		weight:  tensor.NewParameter(spec.Name+".weight", w),
	}

	if getBoolParam(spec.Parameters, "use_bias", true) {
		b, err := tensor.KaimingUniform([]int{outC}, fanIn, rng)
		if err != nil {
			return nil, err
		}
		l.bias = tensor.NewParameter(spec.Name+".bias", b)
	}
	return l, nil
}

func (l *conv2DLayer) Name() string { return l.name }

func (l *conv2DLayer) Parameters() []*tensor.Parameter {
	if l.bias == nil {
		return []*tensor.Parameter{l.weight}
	}
	return []*tensor.Parameter{l.weight, l.bias}
}

func (l *conv2DLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != l.inC {
		return nil, fmt.Errorf("%s: expected [N, %d, H, W] input, got %v", l.name, l.inC, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	outH := (h+2*l.padding-l.kernel)/l.stride + 1
	outW := (w+2*l.padding-l.kernel)/l.stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d is smaller than kernel %d", l.name, h, w, l.kernel)
	}

	out, err := tensor.Zeros([]int{n, l.outC, outH, outW})
	if err != nil {
		return nil, err
	}

	k := l.kernel
	wt := l.weight.Value.Data
	for b := 0; b < n; b++ {
		for oc := 0; oc < l.outC; oc++ {
			var bias float32
			if l.bias != nil {
				bias = l.bias.Value.Data[oc]
			}
			plane := out.Data[((b*l.outC)+oc)*outH*outW : ((b*l.outC)+oc+1)*outH*outW]
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					sum := bias
					for ic := 0; ic < l.inC; ic++ {
						in := x.Data[((b*l.inC)+ic)*h*w:]
						kern := wt[((oc*l.inC)+ic)*k*k:]
						for ky := 0; ky < k; ky++ {
							iy := oy*l.stride + ky - l.padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ox*l.stride + kx - l.padding
								if ix < 0 || ix >= w {
									continue
								}
								sum += in[iy*w+ix] * kern[ky*k+kx]
							}
						}
					}
					plane[oy*outW+ox] = sum
				}
			}
		}
	}

	l.input = x
	l.outH, l.outW = outH, outW
	return out, nil
}

func (l *conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: backward called before forward", l.name)
	}
	x := l.input
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	if gradOut.NumElems != n*l.outC*l.outH*l.outW {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output", l.name, gradOut.Shape)
	}

	gradIn, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}

	k := l.kernel
	wt := l.weight.Value.Data
	dw := l.weight.Grad.Data
	for b := 0; b < n; b++ {
		for oc := 0; oc < l.outC; oc++ {
			plane := gradOut.Data[((b*l.outC)+oc)*l.outH*l.outW : ((b*l.outC)+oc+1)*l.outH*l.outW]
			for oy := 0; oy < l.outH; oy++ {
				for ox := 0; ox < l.outW; ox++ {
					g := plane[oy*l.outW+ox]
					if l.bias != nil {
						l.bias.Grad.Data[oc] += g
					}
					if g == 0 {
						continue
					}
					for ic := 0; ic < l.inC; ic++ {
						base := ((b * l.inC) + ic) * h * w
						kbase := ((oc * l.inC) + ic) * k * k
						for ky := 0; ky < k; ky++ {
							iy := oy*l.stride + ky - l.padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ox*l.stride + kx - l.padding
								if ix < 0 || ix >= w {
									continue
								}
								dw[kbase+ky*k+kx] += g * x.Data[base+iy*w+ix]
								gradIn.Data[base+iy*w+ix] += g * wt[kbase+ky*k+kx]
							}
						}
					}
				}
			}
		}
	}

	return gradIn, nil
}

type reluLayer struct {
	name string
	mask []bool
}

func (l *reluLayer) Name() string                    { return l.name }
func (l *reluLayer) Parameters() []*tensor.Parameter { return nil }

func (l *reluLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := x.Clone()
	if cap(l.mask) < len(out.Data) {
		l.mask = make([]bool, len(out.Data))
	}
	l.mask = l.mask[:len(out.Data)]
	for i, v := range out.Data {
		l.mask[i] = v > 0
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (l *reluLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if len(gradOut.Data) != len(l.mask) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", l.name, len(gradOut.Data), len(l.mask))
	}
	gradIn := gradOut.Clone()
	for i, keep := range l.mask {
		if !keep {
			gradIn.Data[i] = 0
		}
	}
	return gradIn, nil
}

type maxPoolLayer struct {
	name           string
	kernel, stride int

	inputShape []int
	argmax     []int
}

func (l *maxPoolLayer) Name() string                    { return l.name }
func (l *maxPoolLayer) Parameters() []*tensor.Parameter { return nil }

func (l *maxPoolLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected 4D input, got %v", l.name, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (h-l.kernel)/l.stride + 1
	outW := (w-l.kernel)/l.stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d is smaller than kernel %d", l.name, h, w, l.kernel)
	}

	out, err := tensor.Zeros([]int{n, c, outH, outW})
	if err != nil {
		return nil, err
	}
	l.argmax = make([]int, out.NumElems)

	idx := 0
	for p := 0; p < n*c; p++ {
		base := p * h * w
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := base + oy*l.stride*w + ox*l.stride
				for ky := 0; ky < l.kernel; ky++ {
					for kx := 0; kx < l.kernel; kx++ {
						pos := base + (oy*l.stride+ky)*w + ox*l.stride + kx
						if x.Data[pos] > x.Data[best] {
							best = pos
						}
					}
				}
				out.Data[idx] = x.Data[best]
				l.argmax[idx] = best
				idx++
			}
		}
	}

	l.inputShape = append(l.inputShape[:0], x.Shape...)
	return out, nil
}

func (l *maxPoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if len(gradOut.Data) != len(l.argmax) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", l.name, len(gradOut.Data), len(l.argmax))
	}
	gradIn, err := tensor.Zeros(l.inputShape)
	if err != nil {
		return nil, err
	}
	for i, pos := range l.argmax {
		gradIn.Data[pos] += gradOut.Data[i]
	}
	return gradIn, nil
}

type globalAvgPoolLayer struct {
	name       string
	inputShape []int
}

func (l *globalAvgPoolLayer) Name() string                    { return l.name }
func (l *globalAvgPoolLayer) Parameters() []*tensor.Parameter { return nil }

func (l *globalAvgPoolLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected 4D input, got %v", l.name, x.Shape)
	}
	n, c := x.Shape[0], x.Shape[1]
	area := x.Shape[2] * x.Shape[3]

	out, err := tensor.Zeros([]int{n, c})
	if err != nil {
		return nil, err
	}
	for p := 0; p < n*c; p++ {
		var sum float32
		for _, v := range x.Data[p*area : (p+1)*area] {
			sum += v
		}
		out.Data[p] = sum / float32(area)
	}

	l.inputShape = append(l.inputShape[:0], x.Shape...)
	return out, nil
}

func (l *globalAvgPoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if len(l.inputShape) != 4 {
		return nil, fmt.Errorf("%s: backward called before forward", l.name)
	}
	gradIn, err := tensor.Zeros(l.inputShape)
	if err != nil {
		return nil, err
	}
	area := l.inputShape[2] * l.inputShape[3]
	if gradOut.NumElems*area != gradIn.NumElems {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output", l.name, gradOut.Shape)
	}
	for p, g := range gradOut.Data {
		share := g / float32(area)
		for i := p * area; i < (p+1)*area; i++ {
			gradIn.Data[i] = share
		}
	}
	return gradIn, nil
}

// dropoutLayer zeroes activations with probability rate during training and
// rescales the survivors by 1/(1-rate). It is the identity in eval mode.
type dropoutLayer struct {
	name string
	rate float32
	rng  *rand.Rand

	scale []float32 // nil when the last forward was a pass-through
}

func (l *dropoutLayer) Name() string                    { return l.name }
func (l *dropoutLayer) Parameters() []*tensor.Parameter { return nil }

func (l *dropoutLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training || l.rate == 0 {
		l.scale = nil
		return x.Clone(), nil
	}

	keep := 1 / (1 - l.rate)
	out := x.Clone()
	l.scale = make([]float32, len(out.Data))
	for i := range out.Data {
		if l.rng.Float32() >= l.rate {
			l.scale[i] = keep
		}
		out.Data[i] *= l.scale[i]
	}
	return out, nil
}

func (l *dropoutLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	gradIn := gradOut.Clone()
	if l.scale == nil {
		return gradIn, nil
	}
	if len(l.scale) != len(gradIn.Data) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", l.name, len(gradIn.Data), len(l.scale))
	}
	for i := range gradIn.Data {
		gradIn.Data[i] *= l.scale[i]
	}
	return gradIn, nil
}
