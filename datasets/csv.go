package datasets

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// CSVName is the identifier of the feature CSV dataset
const CSVName = "features-csv"

// Split file names under the data path
const (
	CSVTrainFile = "train.csv"
	CSVValFile   = "val.csv"
)

func init() {
	Register(CSVName, func(cfg OpenConfig) (Dataset, Dataset, error) {
		if cfg.DataPath == "" {
			return nil, nil, errors.New("data path is required")
		}
		if cfg.NumClasses <= 0 {
			return nil, nil, errors.Errorf("num_classes must be positive, got %d", cfg.NumClasses)
		}
		train, err := LoadCSV(filepath.Join(cfg.DataPath, CSVTrainFile), cfg.NumClasses)
		if err != nil {
			return nil, nil, err
		}
		val, err := LoadCSV(filepath.Join(cfg.DataPath, CSVValFile), cfg.NumClasses)
		if err != nil {
			return nil, nil, err
		}
		return train, val, nil
	})
}

// LoadCSV reads "label,f1,...,fD" rows. Lines starting with '#' are skipped.
func LoadCSV(path string, numClasses int) (*MemoryDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	ds, err := ReadCSV(f, numClasses)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return ds, nil
}

// ReadCSV parses feature rows from r
func ReadCSV(r io.Reader, numClasses int) (*MemoryDataset, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	var (
		features []float64
		labels   []int
		dim      = -1
	)
	for rec := 1; ; rec++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) < 2 {
			return nil, errors.Errorf("record %d: expected a label and at least one feature", rec)
		}
		if dim == -1 {
			dim = len(record) - 1
		} else if len(record)-1 != dim {
			return nil, errors.Errorf("record %d: expected %d features, got %d", rec, dim, len(record)-1)
		}

		label, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, errors.Wrapf(err, "record %d: invalid label", rec)
		}
		labels = append(labels, label)
		for j, field := range record[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "record %d: invalid feature %d", rec, j)
			}
			features = append(features, v)
		}
	}
	if len(labels) == 0 {
		return nil, errors.New("no samples")
	}
	return NewMemoryDataset(features, labels, dim, numClasses)
}
