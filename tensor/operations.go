package tensor

import (
	"fmt"
	"math"
)

// ArgmaxRows returns the index of the largest value in each row of a 2D tensor.
// Ties resolve to the lowest index.
func ArgmaxRows(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("argmax requires a 2D tensor, got shape %v", t.Shape)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		maxIdx := 0
		maxVal := row[0]
		for j := 1; j < cols; j++ {
			if row[j] > maxVal {
				maxVal = row[j]
				maxIdx = j
			}
		}
		out[i] = maxIdx
	}
	return out, nil
}

// SoftmaxRows computes a numerically stable softmax over each row of a 2D tensor.
func SoftmaxRows(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("softmax requires a 2D tensor, got shape %v", t.Shape)
	}

	out := t.Clone()
	rows, cols := t.Shape[0], t.Shape[1]
	for i := 0; i < rows; i++ {
		row := out.Data[i*cols : (i+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			row[j] = float32(e)
			sum += e
		}
		for j := range row {
			row[j] = float32(float64(row[j]) / sum)
		}
	}
	return out, nil
}

// SumSquares returns the sum of squared elements in float64.
func SumSquares(data []float32) float64 {
	sum := 0.0
	for _, v := range data {
		sum += float64(v) * float64(v)
	}
	return sum
}

// Axpy computes y += alpha * x in place.
func Axpy(alpha float32, x, y []float32) error {
	if len(x) != len(y) {
		return fmt.Errorf("length mismatch: %d vs %d", len(x), len(y))
	}
	for i := range x {
		y[i] += alpha * x[i]
	}
	return nil
}
