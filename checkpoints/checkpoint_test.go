package checkpoints

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

func testCheckpoint() *Checkpoint {
	model := make([]byte, 4096)
	for i := range model {
		model[i] = byte(i * 7)
	}
	return &Checkpoint{
		Epoch:          12,
		Arch:           "linear_reslt",
		BestAcc1:       67.28125,
		ModelState:     model,
		OptimizerState: []byte{0, 1, 2, 3, 255, 254},
		CreatedAt:      time.Unix(1700000000, 123),
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	original := testCheckpoint()

	data, err := original.MarshalBinary()
	if err != nil {
		t.Fatalf("Failed to encode checkpoint: %v", err)
	}

	var loaded Checkpoint
	if err := loaded.UnmarshalBinary(data); err != nil {
		t.Fatalf("Failed to decode checkpoint: %v", err)
	}

	if loaded.Epoch != original.Epoch {
		t.Errorf("Epoch mismatch: expected %d, got %d", original.Epoch, loaded.Epoch)
	}
	if loaded.Arch != original.Arch {
		t.Errorf("Arch mismatch: expected %q, got %q", original.Arch, loaded.Arch)
	}
	if math.Float64bits(loaded.BestAcc1) != math.Float64bits(original.BestAcc1) {
		t.Errorf("Best accuracy mismatch: expected %v, got %v", original.BestAcc1, loaded.BestAcc1)
	}
	if !bytes.Equal(loaded.ModelState, original.ModelState) {
		t.Error("Model state is not bit-equal after round trip")
	}
	if !bytes.Equal(loaded.OptimizerState, original.OptimizerState) {
		t.Error("Optimizer state is not bit-equal after round trip")
	}
	if !loaded.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("CreatedAt mismatch: expected %v, got %v", original.CreatedAt, loaded.CreatedAt)
	}
}

func TestCheckpointDecodeErrors(t *testing.T) {
	t.Run("Bad magic", func(t *testing.T) {
		var c Checkpoint
		if err := c.UnmarshalBinary([]byte("invalid protobuf data")); err == nil {
			t.Error("Expected error for data without magic header")
		}
	})

	t.Run("Unsupported version", func(t *testing.T) {
		data := append(append([]byte(nil), fileMagic...), 99)
		var c Checkpoint
		if err := c.UnmarshalBinary(data); err == nil {
			t.Error("Expected error for unknown format version")
		}
	})

	t.Run("Truncated payload", func(t *testing.T) {
		data, _ := testCheckpoint().MarshalBinary()
		var c Checkpoint
		if err := c.UnmarshalBinary(data[:len(data)-2000]); err == nil {
			t.Error("Expected error for truncated checkpoint")
		}
	})

	t.Run("Unknown fields are skipped", func(t *testing.T) {
		data, _ := testCheckpoint().MarshalBinary()
		data = protowire.AppendTag(data, 42, protowire.BytesType)
		data = protowire.AppendString(data, "future field")
		var c Checkpoint
		if err := c.UnmarshalBinary(data); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if c.Epoch != 12 {
			t.Errorf("Expected epoch 12, got %d", c.Epoch)
		}
	})

	t.Run("Negative epoch", func(t *testing.T) {
		if _, err := (&Checkpoint{Epoch: -1}).MarshalBinary(); err == nil {
			t.Error("Expected error for negative epoch")
		}
	})
}

func TestLoadMissingCheckpoint(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ckpt"))
	if err == nil {
		t.Fatal("Expected error for missing checkpoint")
	}
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Expected ErrNoCheckpoint, got %v", err)
	}
}

func TestManagerSave(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(DefaultConfig(filepath.Join(dir, "run")))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	t.Run("Not best writes only the checkpoint", func(t *testing.T) {
		ckpt := testCheckpoint()
		ckpt.Epoch = 1
		if err := manager.Save(ckpt, false); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if _, err := os.Stat(manager.Path()); err != nil {
			t.Errorf("Checkpoint file missing: %v", err)
		}
		if _, err := os.Stat(manager.BestPath()); !os.IsNotExist(err) {
			t.Errorf("Best file should not exist yet, stat error: %v", err)
		}
	})

	t.Run("Best copies the checkpoint", func(t *testing.T) {
		ckpt := testCheckpoint()
		ckpt.Epoch = 2
		if err := manager.Save(ckpt, true); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		latest, err := os.ReadFile(manager.Path())
		if err != nil {
			t.Fatalf("Failed to read checkpoint: %v", err)
		}
		best, err := os.ReadFile(manager.BestPath())
		if err != nil {
			t.Fatalf("Failed to read best checkpoint: %v", err)
		}
		if !bytes.Equal(latest, best) {
			t.Error("Best checkpoint should be a byte copy of the latest checkpoint")
		}
	})

	t.Run("Later non-best save keeps the best file", func(t *testing.T) {
		ckpt := testCheckpoint()
		ckpt.Epoch = 3
		if err := manager.Save(ckpt, false); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		latest, err := Load(manager.Path())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		best, err := Load(manager.BestPath())
		if err != nil {
			t.Fatalf("Load best failed: %v", err)
		}
		if latest.Epoch != 3 || best.Epoch != 2 {
			t.Errorf("Expected latest epoch 3 and best epoch 2, got %d and %d", latest.Epoch, best.Epoch)
		}
	})

	t.Run("No temporary files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Join(dir, "run"))
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		if len(entries) != 2 {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			t.Errorf("Expected exactly 2 files, got %v", names)
		}
	})
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Error("Expected error for empty directory")
	}
	config := DefaultConfig(t.TempDir())
	config.BestFilename = config.Filename
	if _, err := NewManager(config); err == nil {
		t.Error("Expected error when both files share a name")
	}
}
