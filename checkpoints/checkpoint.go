package checkpoints

import (
	"bytes"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNoCheckpoint is returned by Load when the checkpoint file does not exist
var ErrNoCheckpoint = errors.New("no checkpoint found")

// fileMagic prefixes every checkpoint file, followed by a format version byte
var fileMagic = []byte("RESLTCKP")

const formatVersion = 1

// Checkpoint field numbers in the wire message
const (
	fieldEpoch          protowire.Number = 1
	fieldArch           protowire.Number = 2
	fieldBestAcc1       protowire.Number = 3
	fieldModelState     protowire.Number = 4
	fieldOptimizerState protowire.Number = 5
	fieldCreatedAt      protowire.Number = 6
)

// Checkpoint is a persisted snapshot of training progress. Model and
// optimizer state are opaque blobs owned by their producers.
type Checkpoint struct {
	Epoch          int       // Epoch to resume from
	Arch           string    // Architecture identifier the weights belong to
	BestAcc1       float64   // Best validation top-1 so far
	ModelState     []byte
	OptimizerState []byte
	CreatedAt      time.Time
}

// MarshalBinary encodes the checkpoint in its on-disk format
func (c *Checkpoint) MarshalBinary() ([]byte, error) {
	if c.Epoch < 0 {
		return nil, errors.Errorf("checkpoint epoch cannot be negative: %d", c.Epoch)
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	b := make([]byte, 0, len(fileMagic)+1+len(c.ModelState)+len(c.OptimizerState)+64)
	b = append(b, fileMagic...)
	b = append(b, formatVersion)

	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	b = protowire.AppendTag(b, fieldArch, protowire.BytesType)
	b = protowire.AppendString(b, c.Arch)
	b = protowire.AppendTag(b, fieldBestAcc1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.BestAcc1))
	b = protowire.AppendTag(b, fieldModelState, protowire.BytesType)
	b = protowire.AppendBytes(b, c.ModelState)
	b = protowire.AppendTag(b, fieldOptimizerState, protowire.BytesType)
	b = protowire.AppendBytes(b, c.OptimizerState)
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(created.UnixNano()))
	return b, nil
}

// UnmarshalBinary decodes a checkpoint produced by MarshalBinary
func (c *Checkpoint) UnmarshalBinary(data []byte) error {
	if len(data) < len(fileMagic)+1 || !bytes.Equal(data[:len(fileMagic)], fileMagic) {
		return errors.New("not a checkpoint file")
	}
	if v := data[len(fileMagic)]; v != formatVersion {
		return errors.Errorf("unsupported checkpoint format version %d", v)
	}
	b := data[len(fileMagic)+1:]

	*c = Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "corrupt checkpoint tag")
		}
		b = b[n:]

		switch {
		case num == fieldEpoch && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "corrupt epoch")
			}
			c.Epoch = int(v)
			n = m
		case num == fieldArch && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "corrupt arch")
			}
			c.Arch = v
			n = m
		case num == fieldBestAcc1 && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "corrupt best accuracy")
			}
			c.BestAcc1 = math.Float64frombits(v)
			n = m
		case num == fieldModelState && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "corrupt model state")
			}
			c.ModelState = append([]byte(nil), v...)
			n = m
		case num == fieldOptimizerState && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "corrupt optimizer state")
			}
			c.OptimizerState = append([]byte(nil), v...)
			n = m
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "corrupt creation time")
			}
			c.CreatedAt = time.Unix(0, int64(v))
			n = m
		default:
			// Unknown fields from newer writers are skipped
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "corrupt field %d", num)
			}
		}
		b = b[n:]
	}
	return nil
}

// Load reads a checkpoint from path. A missing file yields ErrNoCheckpoint.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNoCheckpoint, "%s", path)
		}
		return nil, errors.Wrapf(err, "failed to read checkpoint %s", path)
	}

	var ckpt Checkpoint
	if err := ckpt.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return &ckpt, nil
}
