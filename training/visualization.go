package training

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// PlotType represents the plots the collector can generate
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	GroupAccuracyCurves  PlotType = "group_accuracy"
)

// PlotData is the JSON document consumed by the plotting sidecar
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"`
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one (epoch, value) sample
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains axis and layout settings
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"`
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// VisualizationCollector records per-epoch curves of a training run.
// It is not safe for concurrent use; the trainer records from its own
// goroutine.
type VisualizationCollector struct {
	modelName string

	epochs    []int
	trainLoss []float64
	trainTop1 []float64
	valLoss   []float64
	valTop1   []float64
	lrs       []float64
	head      []float64
	medium    []float64
	tail      []float64
}

// NewVisualizationCollector creates an empty collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// RecordEpoch appends the training stats and validation result of one epoch
func (vc *VisualizationCollector) RecordEpoch(stats EpochStats, res *ValidationResult) {
	vc.epochs = append(vc.epochs, stats.Epoch)
	vc.trainLoss = append(vc.trainLoss, stats.Loss)
	vc.trainTop1 = append(vc.trainTop1, stats.Top1)
	vc.lrs = append(vc.lrs, stats.LearningRate)
	vc.valLoss = append(vc.valLoss, res.Loss)
	vc.valTop1 = append(vc.valTop1, res.Top1)
	vc.head = append(vc.head, res.Groups.Head)
	vc.medium = append(vc.medium, res.Groups.Medium)
	vc.tail = append(vc.tail, res.Groups.Tail)
}

// Len returns the number of recorded epochs
func (vc *VisualizationCollector) Len() int { return len(vc.epochs) }

// series builds a line series over the recorded epochs. NaN samples,
// from groups absent in validation, are skipped.
func (vc *VisualizationCollector) series(name, color string, values []float64, dashed bool) SeriesData {
	s := SeriesData{
		Name: name,
		Type: "line",
		Data: make([]DataPoint, 0, len(values)),
		Style: map[string]interface{}{
			"color":      color,
			"line_width": 2,
		},
	}
	if dashed {
		s.Style["line_style"] = "dashed"
	}
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		s.Data = append(s.Data, DataPoint{X: float64(vc.epochs[i]), Y: v})
	}
	return s
}

func (vc *VisualizationCollector) plot(kind PlotType, title, yLabel, yScale string, series []SeriesData) PlotData {
	return PlotData{
		PlotType:  kind,
		Title:     fmt.Sprintf("%s - %s", title, vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  "Epoch",
			YAxisLabel:  yLabel,
			XAxisScale:  "linear",
			YAxisScale:  yScale,
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// GenerateTrainingCurvesPlot plots loss and top-1 accuracy of both phases
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	p := vc.plot(TrainingCurves, "Training Progress", "Loss / Accuracy (%)", "linear", []SeriesData{
		vc.series("Training Loss", "#FF6B6B", vc.trainLoss, false),
		vc.series("Training Acc@1", "#4ECDC4", vc.trainTop1, false),
		vc.series("Validation Loss", "#FF9F43", vc.valLoss, true),
		vc.series("Validation Acc@1", "#45B7D1", vc.valTop1, true),
	})
	if n := len(vc.valTop1); n > 0 {
		best := vc.valTop1[0]
		for _, v := range vc.valTop1[1:] {
			best = math.Max(best, v)
		}
		p.Metrics = map[string]interface{}{
			"final_train_loss": vc.trainLoss[n-1],
			"final_val_acc1":   vc.valTop1[n-1],
			"best_val_acc1":    best,
		}
	}
	return p
}

// GenerateLearningRateSchedulePlot plots the learning rate of each epoch
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	p := vc.plot(LearningRateSchedule, "Learning Rate Schedule", "Learning Rate", "log", []SeriesData{
		vc.series("Learning Rate", "#6C5CE7", vc.lrs, false),
	})
	p.Config.Height = 400
	return p
}

// GenerateGroupAccuracyPlot plots validation accuracy of the head, medium
// and tail class groups
func (vc *VisualizationCollector) GenerateGroupAccuracyPlot() PlotData {
	return vc.plot(GroupAccuracyCurves, "Class Group Accuracy", "Accuracy", "linear", []SeriesData{
		vc.series("Head", "#E17055", vc.head, false),
		vc.series("Medium", "#FDCB6E", vc.medium, false),
		vc.series("Tail", "#00B894", vc.tail, false),
	})
}

// Plots returns every plot the collector generates
func (vc *VisualizationCollector) Plots() []PlotData {
	return []PlotData{
		vc.GenerateTrainingCurvesPlot(),
		vc.GenerateLearningRateSchedulePlot(),
		vc.GenerateGroupAccuracyPlot(),
	}
}

// WriteFile writes every plot as one JSON array. The file is replaced
// atomically.
func (vc *VisualizationCollector) WriteFile(path string) error {
	data, err := json.MarshalIndent(vc.Plots(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal plot data")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create plot file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write plot file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to write plot file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to replace plot file")
}

// ToJSON converts plot data to a JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data to JSON")
	}
	return string(data), nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.epochs = vc.epochs[:0]
	vc.trainLoss = vc.trainLoss[:0]
	vc.trainTop1 = vc.trainTop1[:0]
	vc.valLoss = vc.valLoss[:0]
	vc.valTop1 = vc.valTop1[:0]
	vc.lrs = vc.lrs[:0]
	vc.head = vc.head[:0]
	vc.medium = vc.medium[:0]
	vc.tail = vc.tail[:0]
}
