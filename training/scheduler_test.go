package training

import (
	"math"
	"testing"
)

func TestWarmupCosineScheduler(t *testing.T) {
	const baseLR = 0.2
	scheduler, err := NewWarmupCosineScheduler(5, 90)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	t.Run("Warmup ramp", func(t *testing.T) {
		tests := []struct {
			epoch      int
			expectedLR float64
		}{
			{0, 0.04},
			{1, 0.08},
			{2, 0.12},
			{3, 0.16},
			{4, 0.2},
		}
		for _, tt := range tests {
			lr := scheduler.GetLR(tt.epoch, baseLR)
			if math.Abs(lr-tt.expectedLR) > 1e-12 {
				t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
			}
		}
	})

	t.Run("Continuous at warmup boundary", func(t *testing.T) {
		last := scheduler.GetLR(4, baseLR)
		first := scheduler.GetLR(5, baseLR)
		// One cosine step of 1/86 of a half period
		expected := 0.5 * baseLR * (1 + math.Cos(math.Pi/86))
		if math.Abs(first-expected) > 1e-12 {
			t.Errorf("Epoch 5: expected LR %f, got %f", expected, first)
		}
		if math.Abs(last-first) > 1e-3 {
			t.Errorf("Jump at warmup boundary: %f -> %f", last, first)
		}
	})

	t.Run("Monotonic decay", func(t *testing.T) {
		prev := scheduler.GetLR(5, baseLR)
		for epoch := 6; epoch < 90; epoch++ {
			lr := scheduler.GetLR(epoch, baseLR)
			if lr >= prev {
				t.Fatalf("Epoch %d: LR %f did not decrease from %f", epoch, lr, prev)
			}
			prev = lr
		}
	})

	t.Run("Approaches zero at final epoch", func(t *testing.T) {
		lr := scheduler.GetLR(89, baseLR)
		expected := 0.5 * baseLR * (1 + math.Cos(math.Pi*85/86))
		if math.Abs(lr-expected) > 1e-12 {
			t.Errorf("Final epoch: expected LR %g, got %g", expected, lr)
		}
		if lr <= 0 || lr > 1e-3 {
			t.Errorf("Final epoch LR should be small and positive, got %g", lr)
		}
	})
}

func TestWarmupCosineSchedulerWarmupEdges(t *testing.T) {
	t.Run("Single warmup epoch", func(t *testing.T) {
		scheduler, _ := NewWarmupCosineScheduler(1, 10)
		if lr := scheduler.GetLR(0, 0.1); lr != 0.1 {
			t.Errorf("Expected full LR at epoch 0, got %f", lr)
		}
	})

	t.Run("No warmup", func(t *testing.T) {
		scheduler, _ := NewWarmupCosineScheduler(0, 10)
		expected := 0.5 * 0.1 * (1 + math.Cos(math.Pi/11))
		if lr := scheduler.GetLR(0, 0.1); math.Abs(lr-expected) > 1e-12 {
			t.Errorf("Expected %f, got %f", expected, lr)
		}
	})

	t.Run("Invalid arguments", func(t *testing.T) {
		if _, err := NewWarmupCosineScheduler(-1, 10); err == nil {
			t.Error("Expected error for negative warmup")
		}
		if _, err := NewWarmupCosineScheduler(5, 0); err == nil {
			t.Error("Expected error for zero total epochs")
		}
	})
}

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0.1)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)
	baseLR := 0.01

	tests := []struct {
		epoch      int
		expectedLR float64
		tolerance  float64
	}{
		{0, 0.01, 1e-6},
		{5, 0.0001, 1e-6},
		{2, 0.006580, 1e-6},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > tt.tolerance {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}

	if lr := scheduler.GetLR(10, baseLR); lr != 0.0001 {
		t.Errorf("Beyond TMax: expected LR %f, got %f", 0.0001, lr)
	}
}

func TestNewScheduler(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"warmup-cosine", "WarmupCosineLR"},
		{"cosine", "CosineAnnealingLR"},
		{"step", "StepLR"},
		{"exponential", "ExponentialLR"},
		{"constant", "ConstantLR"},
	}

	for _, tt := range tests {
		scheduler, err := NewScheduler(ScheduleConfig{Name: tt.name, WarmupEpochs: 5, TotalEpochs: 90})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if got := scheduler.GetName(); got != tt.expected {
			t.Errorf("%s: expected name %s, got %s", tt.name, tt.expected, got)
		}
	}

	if _, err := NewScheduler(ScheduleConfig{Name: "linear"}); err == nil {
		t.Error("Expected error for unknown schedule")
	}
}
