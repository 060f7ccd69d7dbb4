package checkpoints

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Config configures where checkpoints are written
type Config struct {
	Directory    string // Run directory holding both files
	Filename     string // Written every epoch
	BestFilename string // Copy of Filename taken when validation improves
}

// DefaultConfig returns the standard file names inside dir
func DefaultConfig(dir string) Config {
	return Config{
		Directory:    dir,
		Filename:     "checkpoint.ckpt",
		BestFilename: "model_best.ckpt",
	}
}

// Manager saves checkpoints to fixed paths. It holds no training state;
// every Save receives a complete snapshot. Only one worker in a distributed
// run may call Save: the files are not locked.
type Manager struct {
	config Config
}

// NewManager creates a checkpoint manager, creating the directory if needed
func NewManager(config Config) (*Manager, error) {
	if config.Directory == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if config.Filename == "" || config.BestFilename == "" {
		return nil, errors.New("checkpoint file names are required")
	}
	if config.Filename == config.BestFilename {
		return nil, errors.Errorf("checkpoint and best checkpoint share the name %q", config.Filename)
	}
	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", config.Directory)
	}
	return &Manager{config: config}, nil
}

// Path returns the per-epoch checkpoint path
func (m *Manager) Path() string {
	return filepath.Join(m.config.Directory, m.config.Filename)
}

// BestPath returns the best-model checkpoint path
func (m *Manager) BestPath() string {
	return filepath.Join(m.config.Directory, m.config.BestFilename)
}

// Save writes ckpt to Path and, when isBest, copies it to BestPath
func (m *Manager) Save(ckpt *Checkpoint, isBest bool) error {
	data, err := ckpt.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if err := writeFileAtomic(m.Path(), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	if isBest {
		if err := copyFile(m.Path(), m.BestPath()); err != nil {
			return errors.Wrap(err, "failed to save best checkpoint")
		}
	}
	return nil
}

// copyFile copies src to dst through a temporary file
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// writeFileAtomic writes to a temporary file in the target directory and
// renames it over path once fully written
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
