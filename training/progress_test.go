package training

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-facetrain/layers"
)

func TestFormatEpochLine(t *testing.T) {
	assert.Equal(t,
		"Epoch [3], Train Loss : [0.12346] Val Loss : [1.00000] Val F1 Score : [0.70000]",
		FormatEpochLine(3, 0.123456, 1, 0.7))
}

func TestForEachBatch(t *testing.T) {
	for _, show := range []bool{false, true} {
		var seen []int
		err := forEachBatch(4, "test", show, func(i int) error {
			seen = append(seen, i)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, seen)

		seen = nil
		err = forEachBatch(4, "test", show, func(i int) error {
			seen = append(seen, i)
			if i == 1 {
				return fmt.Errorf("stop")
			}
			return nil
		})
		assert.EqualError(t, err, "stop")
		assert.Equal(t, []int{0, 1}, seen)
	}

	calls := 0
	require.NoError(t, forEachBatch(0, "empty", true, func(int) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)
}

func TestPrintArchitecture(t *testing.T) {
	spec, err := layers.ClassifierSpec([]int{1, 3, 8, 8}, layers.ConvBackbone(16), 3)
	require.NoError(t, err)

	var out bytes.Buffer
	NewModelArchitecturePrinter("AgeModel").PrintArchitecture(&out, spec)
	text := out.String()

	assert.Contains(t, text, "AgeModel(")
	assert.Contains(t, text, "(backbone.conv1): Conv2d(3, 16, kernel_size=(3, 3), stride=(1, 1), padding=(1, 1), bias=true)")
	assert.Contains(t, text, "(backbone.pool1): MaxPool2d(kernel_size=2, stride=2)")
	assert.Contains(t, text, "(fc1): Linear(in_features=16, out_features=256, bias=true)")
	assert.Contains(t, text, "(dropout1): Dropout(p=0.4)")
	assert.Contains(t, text, "Total parameters: ")
}
