package training

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary Classification Metrics
	Precision MetricType = iota
	Recall
	F1Score
	Specificity

	// Multi-class Metrics
	MacroPrecision
	MacroRecall
	MacroF1Metric
	MicroF1
	Accuracy
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1Metric:
		return "MacroF1"
	case MicroF1:
		return "MicroF1"
	case Accuracy:
		return "Accuracy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// MacroF1 returns the unweighted mean of per-class F1 scores. The classes
// scored are the labels that occur in either sequence; a class that is never
// predicted or never present scores 0. Empty input scores 0.
func MacroF1(trueLabels, predLabels []int) (float64, error) {
	if len(trueLabels) != len(predLabels) {
		return 0, errors.Errorf("label length mismatch: %d true vs %d predicted", len(trueLabels), len(predLabels))
	}
	if len(trueLabels) == 0 {
		return 0, nil
	}

	type counts struct{ tp, fp, fn int }
	perClass := make(map[int]*counts)
	get := func(class int) *counts {
		c, ok := perClass[class]
		if !ok {
			c = &counts{}
			perClass[class] = c
		}
		return c
	}

	for i, y := range trueLabels {
		p := predLabels[i]
		if y == p {
			get(y).tp++
			continue
		}
		get(y).fn++
		get(p).fp++
	}

	classes := make([]int, 0, len(perClass))
	for class := range perClass {
		classes = append(classes, class)
	}
	sort.Ints(classes)

	sum := 0.0
	for _, class := range classes {
		sum += f1(perClass[class].tp, perClass[class].fp, perClass[class].fn)
	}
	return sum / float64(len(classes)), nil
}

func f1(tp, fp, fn int) float64 {
	if tp == 0 {
		return 0
	}
	return 2 * float64(tp) / float64(2*tp+fp+fn)
}

// ConfusionMatrix accumulates classification results for a fixed number of classes.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	// Cached metrics to avoid recomputation
	cachedMetrics map[MetricType]float64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Update adds one (true, predicted) pair per sample.
func (cm *ConfusionMatrix) Update(trueLabels, predLabels []int) error {
	if len(trueLabels) != len(predLabels) {
		return errors.Errorf("label length mismatch: %d true vs %d predicted", len(trueLabels), len(predLabels))
	}

	for i, y := range trueLabels {
		p := predLabels[i]
		if y < 0 || y >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return errors.Errorf("sample %d: class pair (%d, %d) outside [0, %d)", i, y, p, cm.NumClasses)
		}
		cm.Matrix[y][p]++
		cm.TotalSamples++
	}

	cm.cachedMetrics = make(map[MetricType]float64)
	return nil
}

// GetMetric calculates and caches evaluation metrics
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if value, exists := cm.cachedMetrics[metric]; exists {
		return value
	}

	var result float64

	switch metric {
	case Precision:
		result = cm.binary(func(tp, fp, fn, tn float64) float64 { return ratio(tp, tp+fp) })
	case Recall:
		result = cm.binary(func(tp, fp, fn, tn float64) float64 { return ratio(tp, tp+fn) })
	case F1Score:
		result = cm.binary(func(tp, fp, fn, tn float64) float64 { return ratio(2*tp, 2*tp+fp+fn) })
	case Specificity:
		result = cm.binary(func(tp, fp, fn, tn float64) float64 { return ratio(tn, tn+fp) })
	case MacroPrecision:
		result = cm.macro(func(tp, fp, fn int) float64 { return ratio(float64(tp), float64(tp+fp)) })
	case MacroRecall:
		result = cm.macro(func(tp, fp, fn int) float64 { return ratio(float64(tp), float64(tp+fn)) })
	case MacroF1Metric:
		result = cm.macro(f1)
	case MicroF1, Accuracy:
		// single-label multi-class: micro F1 equals accuracy
		result = cm.GetAccuracy()
	default:
		return 0.0
	}

	cm.cachedMetrics[metric] = result
	return result
}

// GetAccuracy returns the fraction of samples on the diagonal.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassCounts returns true positives, false positives and false negatives for class.
func (cm *ConfusionMatrix) ClassCounts(class int) (tp, fp, fn int) {
	tp = cm.Matrix[class][class]
	for other := 0; other < cm.NumClasses; other++ {
		if other == class {
			continue
		}
		fp += cm.Matrix[other][class]
		fn += cm.Matrix[class][other]
	}
	return tp, fp, fn
}

// Binary classification metrics (class 1 is positive)
func (cm *ConfusionMatrix) binary(fn func(tp, fp, fn, tn float64) float64) float64 {
	if cm.NumClasses != 2 {
		return 0.0
	}
	return fn(
		float64(cm.Matrix[1][1]),
		float64(cm.Matrix[0][1]),
		float64(cm.Matrix[1][0]),
		float64(cm.Matrix[0][0]),
	)
}

// macro averages score over the classes that occur as a true or predicted label.
func (cm *ConfusionMatrix) macro(score func(tp, fp, fn int) float64) float64 {
	sum := 0.0
	seen := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp, fp, fn := cm.ClassCounts(class)
		if tp+fp+fn == 0 {
			continue
		}
		sum += score(tp, fp, fn)
		seen++
	}
	if seen == 0 {
		return 0.0
	}
	return sum / float64(seen)
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0.0
	}
	return num / den
}
