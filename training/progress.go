package training

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"

	"github.com/tsawler/go-facetrain/layers"
)

// forEachBatch calls fn for batch indices 0..n-1 in order, stopping at the
// first error. With show set the loop is wrapped in a terminal progress bar.
func forEachBatch(n int, description string, show bool, fn func(i int) error) error {
	if !show || n == 0 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var loopErr error
	err := tqdm.With(iterators.Interval(0, n), description, func(v interface{}) (brk bool) {
		if loopErr = fn(v.(int)); loopErr != nil {
			return true
		}
		return false
	})
	if loopErr != nil {
		return loopErr
	}
	return err
}

// FormatEpochLine renders the one-line epoch report.
func FormatEpochLine(epoch int, trainLoss, valLoss, valF1 float64) string {
	return fmt.Sprintf("Epoch [%d], Train Loss : [%.5f] Val Loss : [%.5f] Val F1 Score : [%.5f]",
		epoch, trainLoss, valLoss, valF1)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture writes the model architecture in PyTorch style
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(w, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(w, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(w, ")\n")

	fmt.Fprintf(w, "Total parameters: %s\n", humanize.Comma(modelSpec.TotalParameters))
	fmt.Fprintf(w, "Input size: %s\n", humanize.Bytes(tensorBytes(modelSpec.InputShape)))
	fmt.Fprintf(w, "Params size: %s\n", humanize.Bytes(uint64(modelSpec.TotalParameters)*4))
	fmt.Fprintf(w, "Forward/backward pass size: %s\n", humanize.Bytes(estimateActivationBytes(modelSpec)))
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 1)
		s := layer.IntParam("stride", 1)
		pad := layer.IntParam("padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name, layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0),
			k, k, s, s, pad, pad, layer.BoolParam("use_bias", true))
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, layer.IntParam("input_size", 0), layer.IntParam("output_size", 0), layer.BoolParam("use_bias", true))
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case layers.MaxPool2D:
		k := layer.IntParam("kernel_size", 1)
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)", layer.Name, k, layer.IntParam("stride", k))
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(p=%g)", layer.Name, layer.FloatParam("rate", 0))
	case layers.GlobalAvgPool:
		return fmt.Sprintf("(%s): AdaptiveAvgPool2d(output_size=1)", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

func tensorBytes(shape []int) uint64 {
	if len(shape) == 0 {
		return 0
	}
	size := uint64(1)
	for _, dim := range shape {
		size *= uint64(dim)
	}
	return size * 4
}

// estimateActivationBytes is a rough figure: the largest activation plus
// input and output, doubled for the backward pass.
func estimateActivationBytes(modelSpec *layers.ModelSpec) uint64 {
	inputSize := tensorBytes(modelSpec.InputShape)
	largest := inputSize
	for _, layer := range modelSpec.Layers {
		if size := tensorBytes(layer.OutputShape); size > largest {
			largest = size
		}
	}
	return (inputSize + tensorBytes(modelSpec.OutputShape) + largest) * 2
}
