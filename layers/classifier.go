package layers

import (
	"fmt"
	"math/rand"
)

// DefaultBackboneFeatures matches the width of the ImageNet logits the head
// was designed to sit on.
const DefaultBackboneFeatures = 1000

// Head sizes shared by every task model.
const (
	HeadHidden      = 256
	HeadDropoutRate = 0.4
)

// BackboneFactory appends feature-extraction layers to a builder. The last
// layer must produce a 2D [batch, features] output.
type BackboneFactory func(b *ModelBuilder) *ModelBuilder

// ConvBackbone is a small three-stage convolutional feature extractor
// ending in a dense projection to outFeatures.
func ConvBackbone(outFeatures int) BackboneFactory {
	return func(b *ModelBuilder) *ModelBuilder {
		return b.
			AddConv2D(16, 3, 1, 1, true, "backbone.conv1").
			AddReLU("backbone.relu1").
			AddMaxPool2D(2, 2, "backbone.pool1").
			AddConv2D(32, 3, 1, 1, true, "backbone.conv2").
			AddReLU("backbone.relu2").
			AddMaxPool2D(2, 2, "backbone.pool2").
			AddConv2D(64, 3, 1, 1, true, "backbone.conv3").
			AddReLU("backbone.relu3").
			AddGlobalAvgPool("backbone.gap").
			AddDense(outFeatures, true, "backbone.fc")
	}
}

// ClassifierSpec compiles backbone + head for the given input shape.
// The head is fc1 (256 units), dropout 0.4 and a linear classifier with
// numClasses outputs.
func ClassifierSpec(inputShape []int, backbone BackboneFactory, numClasses int) (*ModelSpec, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if backbone == nil {
		backbone = ConvBackbone(DefaultBackboneFeatures)
	}

	b := backbone(NewModelBuilder(inputShape))
	return b.
		AddDense(HeadHidden, true, "fc1").
		AddDropout(HeadDropoutRate, "dropout1").
		AddDense(numClasses, true, "classifier").
		Compile()
}

// BuildClassifier compiles and instantiates a task model with weights seeded
// from seed, so equal seeds give equal initial models.
func BuildClassifier(inputShape []int, backbone BackboneFactory, numClasses int, seed int64) (*Sequential, error) {
	spec, err := ClassifierSpec(inputShape, backbone, numClasses)
	if err != nil {
		return nil, err
	}
	return Build(spec, rand.New(rand.NewSource(seed)))
}
