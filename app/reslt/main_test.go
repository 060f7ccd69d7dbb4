package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-reslt/checkpoints"
	"github.com/tsawler/go-reslt/datasets"
	"github.com/tsawler/go-reslt/models"
)

// smallRun returns flags for a fast two-epoch run on a six-class problem
func smallRun(root, mark string) []string {
	return []string{
		"--root-path", root,
		"--mark", mark,
		"--num-classes", "6",
		"--num-experts", "2",
		"--tail-end", "2",
		"--head-start", "4",
		"--medium-boundary", "3",
		"--epochs", "2",
		"--warmup-epochs", "1",
		"--batch-size", "32",
		"--workers", "2",
		"--lr", "0.05",
		"--print-freq", "5",
		"--seed", "1",
		"--log-level", "error",
	}
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&strings.Builder{})
	cmd.SetErr(&strings.Builder{})
	return cmd.ExecuteContext(ctx)
}

func checkRun(t *testing.T, runDir string, epochs int) {
	t.Helper()
	ckpt, err := checkpoints.Load(filepath.Join(runDir, "checkpoint.ckpt"))
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if ckpt.Epoch != epochs {
		t.Errorf("Expected checkpoint epoch %d, got %d", epochs, ckpt.Epoch)
	}
	if ckpt.Arch != models.LinearReSLTName {
		t.Errorf("Expected arch %s, got %s", models.LinearReSLTName, ckpt.Arch)
	}

	plots, err := os.ReadFile(filepath.Join(runDir, plotsName))
	if err != nil {
		t.Fatalf("Failed to read plot data: %v", err)
	}
	if !strings.Contains(string(plots), `"plot_type": "training_curves"`) {
		t.Error("Plot data missing training curves")
	}

	data, err := os.ReadFile(filepath.Join(runDir, runLogName))
	if err != nil {
		t.Fatalf("Failed to read run log: %v", err)
	}
	log := string(data)
	for _, want := range []string{"Epoch: [0][", "Epoch: [1][", "Test: [", " * Acc@1 "} {
		if !strings.Contains(log, want) {
			t.Errorf("Run log missing %q", want)
		}
	}
}

func TestSingleWorker(t *testing.T) {
	root := t.TempDir()
	args := append(smallRun(root, "single"), "--auto-resume=false")
	if err := execute(t, args...); err != nil {
		t.Fatalf("Training failed: %v", err)
	}
	runDir := filepath.Join(root, datasets.SyntheticName, "single")
	checkRun(t, runDir, 2)

	t.Run("Evaluate from checkpoint", func(t *testing.T) {
		before, _ := os.ReadFile(filepath.Join(runDir, runLogName))
		args := append(smallRun(root, "single"),
			"--evaluate", "--resume", filepath.Join(runDir, "checkpoint.ckpt"))
		if err := execute(t, args...); err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
		after, _ := os.ReadFile(filepath.Join(runDir, runLogName))
		added := strings.TrimPrefix(string(after), string(before))
		if !strings.Contains(added, " * Acc@1 ") {
			t.Errorf("Expected a validation summary appended, got %q", added)
		}
		if strings.Contains(added, "Epoch: [") {
			t.Error("Evaluation must not train")
		}
	})

	t.Run("Missing resume file is not fatal", func(t *testing.T) {
		args := append(smallRun(root, "single"),
			"--evaluate", "--resume", filepath.Join(root, "missing.ckpt"))
		if err := execute(t, args...); err != nil {
			t.Fatalf("Expected missing checkpoint to be skipped, got %v", err)
		}
	})
}

func TestDataParallelWorkers(t *testing.T) {
	root := t.TempDir()
	args := append(smallRun(root, "parallel"),
		"--multiprocessing-distributed",
		"--nproc-per-node", "2",
		"--dist-backend", "local",
		"--dist-url", "local://reslt-cli-test",
	)
	if err := execute(t, args...); err != nil {
		t.Fatalf("Training failed: %v", err)
	}
	checkRun(t, filepath.Join(root, datasets.SyntheticName, "parallel"), 2)
}

func TestCommandErrors(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		extra   []string
		wantErr string
	}{
		{"Unknown dataset", []string{"--dataset", "imagenet"}, "unknown dataset"},
		{"Unknown architecture", []string{"--arch", "resnet50"}, "unknown architecture"},
		{"Unknown backend", []string{"--world-size", "2", "--rank", "0", "--dist-backend", "nccl"}, "unknown backend"},
		{"Unknown schedule", []string{"--lr-schedule", "linear"}, "unknown lr schedule"},
		{"Unknown optimizer", []string{"--optimizer", "lamb"}, "unknown optimizer"},
		{"Pretrained weights", []string{"--pretrained"}, "no pretrained weights"},
		{"Bad log level", []string{"--log-level", "loud"}, "invalid log level"},
		{"Bad partition", []string{"--head-start", "7"}, "invalid loop config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(smallRun(root, "errors"), tt.extra...)
			err := execute(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFlagDefaults(t *testing.T) {
	f := newRootCommand().Flags()
	tests := map[string]string{
		"lr":              "0.2",
		"epochs":          "90",
		"batch-size":      "128",
		"num-classes":     "8142",
		"medium-boundary": "6600",
		"tail-end":        "3599",
		"head-start":      "7300",
		"dist-backend":    "tcp",
		"gpu":             "-1",
		"world-size":      "-1",
		"lr-schedule":     "warmup-cosine",
		"optimizer":       "sgd",
		"dataset":         datasets.SyntheticName,
		"arch":            models.LinearReSLTName,
	}
	for name, want := range tests {
		flag := f.Lookup(name)
		if flag == nil {
			t.Errorf("Flag --%s not registered", name)
			continue
		}
		if flag.DefValue != want {
			t.Errorf("Flag --%s: expected default %q, got %q", name, want, flag.DefValue)
		}
	}
	if f.ShorthandLookup("j") == nil || f.ShorthandLookup("e") == nil || f.ShorthandLookup("p") == nil {
		t.Error("Expected -j, -e and -p shorthands")
	}
}
