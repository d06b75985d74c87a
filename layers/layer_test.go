package layers

import (
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/go-facetrain/tensor"
)

func TestModelBuilderCompile(t *testing.T) {
	model, err := NewModelBuilder([]int{4, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddGlobalAvgPool("gap").
		AddDense(2, true, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if !sameDims(model.OutputShape, []int{4, 2}) {
		t.Errorf("Expected output shape [4 2], got %v", model.OutputShape)
	}
	if !sameDims(model.Layers[2].OutputShape, []int{4, 4, 4, 4}) {
		t.Errorf("Expected pool output [4 4 4 4], got %v", model.Layers[2].OutputShape)
	}

	// conv: 4*3*3*3 + 4, dense: 4*2 + 2
	if model.TotalParameters != 122 {
		t.Errorf("Expected 122 parameters, got %d", model.TotalParameters)
	}
	if len(model.ParameterShapes) != 4 {
		t.Errorf("Expected 4 parameter tensors, got %d", len(model.ParameterShapes))
	}

	summary := model.Summary()
	if !strings.Contains(summary, "Total Parameters: 122") {
		t.Errorf("Summary missing parameter count:\n%s", summary)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *ModelBuilder
	}{
		{"empty", NewModelBuilder([]int{1, 4})},
		{"duplicate names", NewModelBuilder([]int{1, 4}).AddDense(2, true, "fc").AddDense(2, true, "fc")},
		{"conv on 2D input", NewModelBuilder([]int{1, 4}).AddConv2D(2, 3, 1, 0, true, "conv")},
		{"kernel too large", NewModelBuilder([]int{1, 1, 2, 2}).AddConv2D(2, 3, 1, 0, true, "conv")},
		{"bad dropout", NewModelBuilder([]int{1, 4}).AddDropout(1.0, "drop")},
		{"no batch dimension", NewModelBuilder([]int{4}).AddReLU("relu")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.builder.Compile(); err == nil {
				t.Errorf("Expected compile error")
			}
		})
	}
}

func TestSpecSurvivesJSON(t *testing.T) {
	spec, err := ClassifierSpec([]int{1, 3, 8, 8}, ConvBackbone(16), 3)
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	model, err := Build(&decoded, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to build decoded spec: %v", err)
	}
	if model.NumParameters() != spec.TotalParameters {
		t.Errorf("Expected %d parameters, got %d", spec.TotalParameters, model.NumParameters())
	}
}

func buildSingle(t *testing.T, inputShape []int, add func(*ModelBuilder) *ModelBuilder) Layer {
	t.Helper()
	spec, err := add(NewModelBuilder(inputShape)).Compile()
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}
	m, err := Build(spec, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	return m.Layers()[0]
}

func randomTensor(shape []int, seed int64) *tensor.Tensor {
	t, _ := tensor.Uniform(shape, 1, rand.New(rand.NewSource(seed)))
	return t
}

// weightedSum is a linear probe loss: sum(r * layer(x)).
func weightedSum(t *testing.T, l Layer, x *tensor.Tensor, r []float32) float64 {
	t.Helper()
	out, err := l.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	sum := 0.0
	for i, v := range out.Data {
		sum += float64(v) * float64(r[i])
	}
	return sum
}

func checkGradient(t *testing.T, what string, values, analytic []float32, f func() float64) {
	t.Helper()
	const eps = 1e-2
	for i := range values {
		orig := values[i]
		values[i] = orig + eps
		plus := f()
		values[i] = orig - eps
		minus := f()
		values[i] = orig

		numeric := (plus - minus) / (2 * eps)
		if diff := math.Abs(numeric - float64(analytic[i])); diff > 1e-3*math.Max(1, math.Abs(numeric)) {
			t.Errorf("%s[%d]: analytic %.6f, numeric %.6f", what, i, analytic[i], numeric)
		}
	}
}

func gradientCheck(t *testing.T, l Layer, x *tensor.Tensor) {
	t.Helper()
	out, err := l.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	r := randomTensor(out.Shape, 99)

	tensor.ZeroGrad(l.Parameters())
	if _, err := l.Forward(x, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	gradIn, err := l.Backward(r)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !tensor.SameShape(gradIn, x) {
		t.Fatalf("Input gradient shape %v, expected %v", gradIn.Shape, x.Shape)
	}

	f := func() float64 { return weightedSum(t, l, x, r.Data) }
	for _, p := range l.Parameters() {
		checkGradient(t, p.Name, p.Value.Data, p.Grad.Data, f)
	}
	checkGradient(t, "input", x.Data, gradIn.Data, f)
}

func TestDenseGradients(t *testing.T) {
	l := buildSingle(t, []int{3, 2, 2}, func(b *ModelBuilder) *ModelBuilder {
		return b.AddDense(5, true, "fc")
	})
	gradientCheck(t, l, randomTensor([]int{3, 2, 2}, 1))
}

func TestConv2DGradients(t *testing.T) {
	l := buildSingle(t, []int{2, 2, 5, 5}, func(b *ModelBuilder) *ModelBuilder {
		return b.AddConv2D(3, 3, 2, 1, true, "conv")
	})
	gradientCheck(t, l, randomTensor([]int{2, 2, 5, 5}, 2))
}

func TestGradientsAccumulate(t *testing.T) {
	l := buildSingle(t, []int{1, 2}, func(b *ModelBuilder) *ModelBuilder {
		return b.AddDense(1, false, "fc")
	})
	x, _ := tensor.New([]int{1, 2}, []float32{1, 2})
	g, _ := tensor.New([]int{1, 1}, []float32{1})

	for i := 0; i < 2; i++ {
		if _, err := l.Forward(x, true); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Backward(g); err != nil {
			t.Fatal(err)
		}
	}

	grad := l.Parameters()[0].Grad.Data
	if grad[0] != 2 || grad[1] != 4 {
		t.Errorf("Expected accumulated gradient [2 4], got %v", grad)
	}
}

func TestReLU(t *testing.T) {
	l := &reluLayer{name: "relu"}
	x, _ := tensor.New([]int{1, 4}, []float32{-1, 0, 2, -3})
	out, _ := l.Forward(x, true)
	expected := []float32{0, 0, 2, 0}
	for i := range expected {
		if out.Data[i] != expected[i] {
			t.Errorf("out[%d] = %v, expected %v", i, out.Data[i], expected[i])
		}
	}

	g, _ := tensor.Full([]int{1, 4}, 1)
	gradIn, _ := l.Backward(g)
	expected = []float32{0, 0, 1, 0}
	for i := range expected {
		if gradIn.Data[i] != expected[i] {
			t.Errorf("grad[%d] = %v, expected %v", i, gradIn.Data[i], expected[i])
		}
	}
}

func TestMaxPool(t *testing.T) {
	l := &maxPoolLayer{name: "pool", kernel: 2, stride: 2}
	x, _ := tensor.New([]int{1, 1, 4, 4}, []float32{
		1, 2, 0, 0,
		3, 4, 0, 5,
		0, 0, 9, 0,
		7, 0, 0, 1,
	})
	out, err := l.Forward(x, true)
	if err != nil {
		t.Fatal(err)
	}
	expected := []float32{4, 5, 7, 9}
	for i := range expected {
		if out.Data[i] != expected[i] {
			t.Errorf("out[%d] = %v, expected %v", i, out.Data[i], expected[i])
		}
	}

	g, _ := tensor.New([]int{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	gradIn, _ := l.Backward(g)
	if gradIn.Data[5] != 1 || gradIn.Data[7] != 2 || gradIn.Data[12] != 3 || gradIn.Data[10] != 4 {
		t.Errorf("Gradient not routed to maxima: %v", gradIn.Data)
	}
}

func TestGlobalAvgPool(t *testing.T) {
	l := &globalAvgPoolLayer{name: "gap"}
	x, _ := tensor.New([]int{1, 2, 1, 2}, []float32{1, 3, 10, 20})
	out, _ := l.Forward(x, true)
	if out.Data[0] != 2 || out.Data[1] != 15 {
		t.Errorf("Expected [2 15], got %v", out.Data)
	}

	g, _ := tensor.New([]int{1, 2}, []float32{2, 4})
	gradIn, _ := l.Backward(g)
	expected := []float32{1, 1, 2, 2}
	for i := range expected {
		if gradIn.Data[i] != expected[i] {
			t.Errorf("grad[%d] = %v, expected %v", i, gradIn.Data[i], expected[i])
		}
	}
}

func TestDropout(t *testing.T) {
	l := &dropoutLayer{name: "drop", rate: 0.5, rng: rand.New(rand.NewSource(3))}
	x, _ := tensor.Full([]int{1, 1000}, 1)

	out, _ := l.Forward(x, false)
	for i, v := range out.Data {
		if v != 1 {
			t.Fatalf("Eval mode must be identity, out[%d] = %v", i, v)
		}
	}

	out, _ = l.Forward(x, true)
	zeros := 0
	for _, v := range out.Data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("Unexpected value %v, expected 0 or 2", v)
		}
	}
	if zeros < 400 || zeros > 600 {
		t.Errorf("Expected about half dropped, got %d of 1000", zeros)
	}

	g, _ := tensor.Full([]int{1, 1000}, 1)
	gradIn, _ := l.Backward(g)
	for i := range gradIn.Data {
		if gradIn.Data[i] != out.Data[i] {
			t.Fatalf("Gradient mask differs from forward mask at %d", i)
		}
	}
}
