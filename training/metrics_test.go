package training

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestTopKAccuracy(t *testing.T) {
	logits := mat.NewDense(4, 6, []float64{
		0.1, 0.9, 0.0, 0.0, 0.0, 0.0, // label 1: top-1
		0.5, 0.4, 0.3, 0.2, 0.1, 0.0, // label 3: rank 3
		0.0, 0.0, 0.0, 0.0, 0.0, 1.0, // label 0: rank 1 (tied, lowest id)
		0.0, 0.1, 0.2, 0.3, 0.4, 0.5, // label 0: rank 5
	})
	labels := []int{1, 3, 0, 0}

	acc, err := TopKAccuracy(logits, labels, 1, 2, 5, 6)
	if err != nil {
		t.Fatalf("TopKAccuracy failed: %v", err)
	}
	expected := []float64{25, 50, 75, 100}
	for i, e := range expected {
		if acc[i] != e {
			t.Errorf("k index %d: expected %.1f, got %.1f", i, e, acc[i])
		}
	}

	t.Run("Perfect predictions", func(t *testing.T) {
		logits := OneHot([]int{2, 0, 1}, 3)
		acc, err := TopKAccuracy(logits, []int{2, 0, 1}, 1)
		if err != nil {
			t.Fatal(err)
		}
		if acc[0] != 100 {
			t.Errorf("Expected 100%%, got %.2f", acc[0])
		}
	})

	t.Run("Top-5 never below top-1", func(t *testing.T) {
		rng := rand.New(rand.NewSource(3))
		for trial := 0; trial < 20; trial++ {
			logits := mat.NewDense(16, 10, nil)
			labels := make([]int, 16)
			for i := range labels {
				labels[i] = rng.Intn(10)
				for j := 0; j < 10; j++ {
					logits.Set(i, j, float64(rng.Intn(4)))
				}
			}
			acc, err := TopKAccuracy(logits, labels, 1, 5)
			if err != nil {
				t.Fatal(err)
			}
			if acc[1] < acc[0] {
				t.Fatalf("Trial %d: top-5 %.2f below top-1 %.2f", trial, acc[1], acc[0])
			}
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := TopKAccuracy(logits, labels, 0); err == nil {
			t.Error("Expected error for k=0")
		}
		if _, err := TopKAccuracy(logits, labels, 7); err == nil {
			t.Error("Expected error for k above class count")
		}
		if _, err := TopKAccuracy(logits, labels[:2], 1); err == nil {
			t.Error("Expected error for label count mismatch")
		}
		if _, err := TopKAccuracy(logits, []int{1, 3, 0, 6}, 1); err == nil {
			t.Error("Expected error for out-of-range label")
		}
	})
}

func TestPredictionsTieBreak(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{
		1, 1, 0,
		0, 2, 2,
	})
	preds := Predictions(logits)
	if preds[0] != 0 || preds[1] != 1 {
		t.Errorf("Expected ties to resolve to the lowest id [0 1], got %v", preds)
	}
}

func TestClassGroupPartition(t *testing.T) {
	p := ClassGroupPartition{NumClasses: 8142, TailEnd: 3599, HeadStart: 7300}
	if err := p.Validate(); err != nil {
		t.Fatalf("Partition should be valid: %v", err)
	}

	tail, medium, head := p.Tail(), p.Medium(), p.Head()
	if tail.Start != 0 || tail.End != medium.Start || medium.End != head.Start || head.End != 8142 {
		t.Errorf("Ranges are not contiguous: %s %s %s", tail, medium, head)
	}
	if tail.Len() != 3599 || medium.Len() != 3701 || head.Len() != 842 {
		t.Errorf("Unexpected sizes: tail %d medium %d head %d", tail.Len(), medium.Len(), head.Len())
	}
	if tail.Len()+medium.Len()+head.Len() != 8142 {
		t.Error("Group sizes do not sum to the class count")
	}

	invalid := []ClassGroupPartition{
		{NumClasses: 0},
		{NumClasses: 10, TailEnd: -1, HeadStart: 5},
		{NumClasses: 10, TailEnd: 6, HeadStart: 5},
		{NumClasses: 10, TailEnd: 3, HeadStart: 11},
	}
	for _, p := range invalid {
		if err := p.Validate(); err == nil {
			t.Errorf("Expected validation error for %+v", p)
		}
	}
}

func TestClassAccuracy(t *testing.T) {
	// C=10, tail [0,3), medium [3,7), head [7,10)
	partition := ClassGroupPartition{NumClasses: 10, TailEnd: 3, HeadStart: 7}

	t.Run("Tail two of three, head all correct", func(t *testing.T) {
		ca, err := NewClassAccuracy(partition)
		if err != nil {
			t.Fatal(err)
		}
		// Each tail class gets one sample per batch; class 2 is predicted as 5
		labels := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
		preds := []int{0, 1, 5, 3, 4, 5, 6, 7, 8, 9}
		for batch := 0; batch < 2; batch++ {
			if err := ca.Update(OneHot(preds, 10), labels); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
		}

		groups := ca.Groups()
		if math.Abs(groups.Tail-2.0/3.0) > 1e-3 {
			t.Errorf("Expected tail accuracy 0.667, got %.4f", groups.Tail)
		}
		if groups.Head != 1.0 {
			t.Errorf("Expected head accuracy 1.0, got %.4f", groups.Head)
		}
		if groups.Medium != 1.0 {
			t.Errorf("Expected medium accuracy 1.0, got %.4f", groups.Medium)
		}

		perClass := ca.PerClass()
		if perClass[2] != 0 || perClass[0] != 1 {
			t.Errorf("Unexpected per-class accuracy %v", perClass)
		}
	})

	t.Run("Class without samples propagates NaN", func(t *testing.T) {
		ca, _ := NewClassAccuracy(partition)
		labels := []int{0, 1, 3, 4, 5, 6, 7, 8, 9} // class 2 never seen
		if err := ca.Update(OneHot(labels, 10), labels); err != nil {
			t.Fatal(err)
		}
		groups := ca.Groups()
		if !math.IsNaN(groups.Tail) {
			t.Errorf("Expected NaN tail accuracy, got %f", groups.Tail)
		}
		if groups.Head != 1.0 || groups.Medium != 1.0 {
			t.Errorf("Expected covered groups at 1.0, got head %f medium %f", groups.Head, groups.Medium)
		}
	})

	t.Run("Empty group is NaN", func(t *testing.T) {
		ca, _ := NewClassAccuracy(ClassGroupPartition{NumClasses: 4, TailEnd: 2, HeadStart: 2})
		labels := []int{0, 1, 2, 3}
		ca.Update(OneHot(labels, 4), labels)
		if !math.IsNaN(ca.Groups().Medium) {
			t.Error("Expected NaN for an empty medium group")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		ca, _ := NewClassAccuracy(partition)
		labels := []int{0}
		ca.Update(OneHot(labels, 10), labels)
		ca.Reset()
		if !math.IsNaN(ca.PerClass()[0]) {
			t.Error("Expected counters cleared after Reset")
		}
	})

	t.Run("Shape errors", func(t *testing.T) {
		ca, _ := NewClassAccuracy(partition)
		if err := ca.Update(mat.NewDense(2, 9, nil), []int{0, 1}); err == nil {
			t.Error("Expected error for class count mismatch")
		}
		if err := ca.Update(mat.NewDense(2, 10, nil), []int{0}); err == nil {
			t.Error("Expected error for label count mismatch")
		}
		if err := ca.Update(mat.NewDense(1, 10, nil), []int{10}); err == nil {
			t.Error("Expected error for out-of-range label")
		}
	})
}
