package training

import (
	"fmt"

	"github.com/tsawler/go-facetrain/layers"
	"github.com/tsawler/go-facetrain/optimizer"
	"github.com/tsawler/go-facetrain/tensor"
)

// fakeModel has a single scalar weight w. In training mode it returns zero
// logits and its backward adds w to the gradient (the gradient of w^2/2), so
// tests can tell which weights each pass ran at. In eval mode it emits
// one-hot logits for scripted predictions, one script per Eval call.
type fakeModel struct {
	numClasses int
	param      *tensor.Parameter
	training   bool

	evalPreds [][]int
	evalCalls int
	evalPos   int

	events      *[]string
	seenWeights []float32
}

func newFakeModel(numClasses int, events *[]string, evalPreds ...[]int) *fakeModel {
	value, _ := tensor.Full([]int{1}, 1)
	return &fakeModel{
		numClasses: numClasses,
		param:      tensor.NewParameter("w.weight", value),
		evalPreds:  evalPreds,
		events:     events,
	}
}

func (m *fakeModel) record(event string) {
	if m.events != nil {
		*m.events = append(*m.events, event)
	}
}

func (m *fakeModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	n := x.Shape[0]
	logits, err := tensor.Zeros([]int{n, m.numClasses})
	if err != nil {
		return nil, err
	}

	if m.training {
		m.record("forward")
		m.seenWeights = append(m.seenWeights, m.param.Value.Data[0])
		return logits, nil
	}

	if m.evalCalls == 0 || m.evalCalls > len(m.evalPreds) {
		return logits, nil
	}
	preds := m.evalPreds[m.evalCalls-1]
	for i := 0; i < n; i++ {
		if m.evalPos >= len(preds) {
			return nil, fmt.Errorf("scripted predictions exhausted")
		}
		logits.Data[i*m.numClasses+preds[m.evalPos]] = 5
		m.evalPos++
	}
	return logits, nil
}

func (m *fakeModel) Backward(gradOut *tensor.Tensor) error {
	m.record("backward")
	m.param.Grad.Data[0] += m.param.Value.Data[0]
	return nil
}

func (m *fakeModel) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{m.param}
}

func (m *fakeModel) Train() {
	m.training = true
}

func (m *fakeModel) Eval() {
	m.training = false
	m.evalCalls++
	m.evalPos = 0
}

func (m *fakeModel) Spec() *layers.ModelSpec {
	return nil
}

// fakeOptimizer records the order of calls made to a two-step optimizer.
type fakeOptimizer struct {
	events *[]string
	lr     float32
}

func (o *fakeOptimizer) ZeroGrad() { *o.events = append(*o.events, "zero") }

func (o *fakeOptimizer) FirstStep(zeroGrad bool) error {
	*o.events = append(*o.events, "first")
	return nil
}

func (o *fakeOptimizer) SecondStep(zeroGrad bool) error {
	*o.events = append(*o.events, "second")
	return nil
}

func (o *fakeOptimizer) GetState() (*optimizer.OptimizerState, error) {
	return &optimizer.OptimizerState{Type: "fake"}, nil
}

func (o *fakeOptimizer) GetLearningRate() float32 { return o.lr }

func (o *fakeOptimizer) UpdateLearningRate(lr float32) { o.lr = lr }

// fakeSource serves batches of 1x1x1 zero images with the given labels.
type fakeSource struct {
	labels     [][]int
	numClasses int
	shuffles   []int
	failAt     int
}

func newFakeSource(numClasses int, labels ...[]int) *fakeSource {
	return &fakeSource{labels: labels, numClasses: numClasses, failAt: -1}
}

func (s *fakeSource) NumBatches() int { return len(s.labels) }

func (s *fakeSource) NumClasses() int { return s.numClasses }

func (s *fakeSource) Shuffle(epoch int) {
	s.shuffles = append(s.shuffles, epoch)
}

func (s *fakeSource) Batch(i int) (*Batch, error) {
	if i == s.failAt {
		return nil, fmt.Errorf("corrupt batch")
	}
	images, err := tensor.Zeros([]int{len(s.labels[i]), 1, 1, 1})
	if err != nil {
		return nil, err
	}
	return &Batch{Images: images, Labels: s.labels[i]}, nil
}

// fakeCheckpointer keeps every state it was asked to persist.
type fakeCheckpointer struct {
	saved []TrainingState
}

func (c *fakeCheckpointer) SaveBest(model Model, state TrainingState) error {
	c.saved = append(c.saved, state)
	return nil
}

type countingScheduler struct {
	steps int
}

func (s *countingScheduler) Step() { s.steps++ }

// fakeDataset returns 1x2x2 images filled with the sample index.
type fakeDataset struct {
	n          int
	numClasses int
}

func (d *fakeDataset) Len() int { return d.n }

func (d *fakeDataset) NumClasses() int { return d.numClasses }

func (d *fakeDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= d.n {
		return nil, 0, fmt.Errorf("index %d out of range", idx)
	}
	image, err := tensor.Full([]int{1, 2, 2}, float32(idx))
	if err != nil {
		return nil, 0, err
	}
	return image, idx % d.numClasses, nil
}
