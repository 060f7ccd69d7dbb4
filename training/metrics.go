package training

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Default class-group thresholds for the iNaturalist 2018 class ordering
const (
	DefaultTailEnd   = 3599
	DefaultHeadStart = 7300
)

// TopKAccuracy returns, for every k, the percentage of samples whose label
// is among the k highest-scoring classes. A class outranks the label when
// its score is larger, or equal with a lower class id.
func TopKAccuracy(logits *mat.Dense, labels []int, ks ...int) ([]float64, error) {
	r, c := logits.Dims()
	if r != len(labels) {
		return nil, errors.Errorf("labels length mismatch: expected %d, got %d", r, len(labels))
	}
	if r == 0 {
		return nil, errors.New("empty batch")
	}
	for _, k := range ks {
		if k < 1 || k > c {
			return nil, errors.Errorf("top-k requires 1 <= k <= %d, got %d", c, k)
		}
	}
	if err := checkLabels(labels, c); err != nil {
		return nil, err
	}

	correct := make([]int, len(ks))
	for i, y := range labels {
		row := logits.RawRowView(i)
		rank := targetRank(row, y)
		for j, k := range ks {
			if rank < k {
				correct[j]++
			}
		}
	}

	res := make([]float64, len(ks))
	for j := range ks {
		res[j] = float64(correct[j]) * 100 / float64(r)
	}
	return res, nil
}

// targetRank counts the classes that outrank class y in row
func targetRank(row []float64, y int) int {
	target := row[y]
	rank := 0
	for j, v := range row {
		if v > target || (v == target && j < y) {
			rank++
		}
	}
	return rank
}

// Predictions returns the arg-max class of every row
func Predictions(logits *mat.Dense) []int {
	r, _ := logits.Dims()
	preds := make([]int, r)
	for i := range preds {
		preds[i] = floats.MaxIdx(logits.RawRowView(i))
	}
	return preds
}

// ClassGroupPartition splits [0, NumClasses) into tail [0, TailEnd),
// medium [TailEnd, HeadStart) and head [HeadStart, NumClasses)
type ClassGroupPartition struct {
	NumClasses int
	TailEnd    int
	HeadStart  int
}

// ClassRange is a half-open range of class ids
type ClassRange struct {
	Start int
	End   int
}

// Len returns the number of classes in the range
func (r ClassRange) Len() int {
	return r.End - r.Start
}

func (r ClassRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Validate checks that the ranges are contiguous and cover [0, NumClasses)
func (p ClassGroupPartition) Validate() error {
	if p.NumClasses <= 0 {
		return errors.Errorf("num_classes must be positive, got %d", p.NumClasses)
	}
	if p.TailEnd < 0 || p.TailEnd > p.HeadStart || p.HeadStart > p.NumClasses {
		return errors.Errorf("class groups need 0 <= tail end (%d) <= head start (%d) <= num classes (%d)",
			p.TailEnd, p.HeadStart, p.NumClasses)
	}
	return nil
}

func (p ClassGroupPartition) Tail() ClassRange   { return ClassRange{0, p.TailEnd} }
func (p ClassGroupPartition) Medium() ClassRange { return ClassRange{p.TailEnd, p.HeadStart} }
func (p ClassGroupPartition) Head() ClassRange   { return ClassRange{p.HeadStart, p.NumClasses} }

// GroupAccuracy holds the mean per-class accuracy of each class group, as
// fractions in [0, 1]
type GroupAccuracy struct {
	Head   float64
	Medium float64
	Tail   float64
}

// ClassAccuracy accumulates per-class sample and hit counts over an epoch
type ClassAccuracy struct {
	partition ClassGroupPartition
	total     []float64
	correct   []float64
}

// NewClassAccuracy creates counters for the partition's class space
func NewClassAccuracy(partition ClassGroupPartition) (*ClassAccuracy, error) {
	if err := partition.Validate(); err != nil {
		return nil, err
	}
	return &ClassAccuracy{
		partition: partition,
		total:     make([]float64, partition.NumClasses),
		correct:   make([]float64, partition.NumClasses),
	}, nil
}

// Reset clears the counters
func (ca *ClassAccuracy) Reset() {
	for i := range ca.total {
		ca.total[i] = 0
		ca.correct[i] = 0
	}
}

// Update adds one batch of arg-max predictions against labels
func (ca *ClassAccuracy) Update(logits *mat.Dense, labels []int) error {
	r, c := logits.Dims()
	if r != len(labels) {
		return errors.Errorf("labels length mismatch: expected %d, got %d", r, len(labels))
	}
	if c != ca.partition.NumClasses {
		return errors.Errorf("class count mismatch: expected %d, got %d", ca.partition.NumClasses, c)
	}
	if err := checkLabels(labels, c); err != nil {
		return err
	}
	for i, pred := range Predictions(logits) {
		y := labels[i]
		ca.total[y]++
		if pred == y {
			ca.correct[y]++
		}
	}
	return nil
}

// PerClass returns correct/total for every class. Classes without samples
// are NaN.
func (ca *ClassAccuracy) PerClass() []float64 {
	acc := make([]float64, len(ca.total))
	floats.DivTo(acc, ca.correct, ca.total)
	return acc
}

// Groups averages the per-class accuracy over each class group. A group
// containing a class without samples, or an empty group, is NaN.
func (ca *ClassAccuracy) Groups() GroupAccuracy {
	acc := ca.PerClass()
	return GroupAccuracy{
		Head:   rangeMean(acc, ca.partition.Head()),
		Medium: rangeMean(acc, ca.partition.Medium()),
		Tail:   rangeMean(acc, ca.partition.Tail()),
	}
}

func rangeMean(values []float64, r ClassRange) float64 {
	if r.Len() == 0 {
		return math.NaN()
	}
	return floats.Sum(values[r.Start:r.End]) / float64(r.Len())
}
