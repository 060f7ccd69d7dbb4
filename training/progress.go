package training

import (
	"fmt"
	"strconv"
	"strings"
)

// Meter formats used by the training and validation passes
const (
	TimeFormat     = "%6.3f"
	LossFormat     = "%.4e"
	AccuracyFormat = "%6.2f"
)

// AverageMeter computes and stores the average and current value
type AverageMeter struct {
	Name   string
	Format string // fmt verb applied to both the value and the average

	Val   float64
	Sum   float64
	Count float64
	Avg   float64
}

// NewAverageMeter creates a reset meter
func NewAverageMeter(name, format string) *AverageMeter {
	if format == "" {
		format = "%f"
	}
	return &AverageMeter{Name: name, Format: format}
}

// Reset clears the meter at the start of an epoch
func (m *AverageMeter) Reset() {
	m.Val = 0
	m.Sum = 0
	m.Count = 0
	m.Avg = 0
}

// Update records val observed over n samples
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += float64(n)
	if m.Count > 0 {
		m.Avg = m.Sum / m.Count
	}
}

func (m *AverageMeter) String() string {
	return m.Name + " " + fmt.Sprintf(m.Format, m.Val) + " (" + fmt.Sprintf(m.Format, m.Avg) + ")"
}

// LineWriter receives formatted log lines
type LineWriter interface {
	WriteLine(line string)
}

// ProgressMeter renders "prefix[ i/N]" followed by its meters, tab separated
type ProgressMeter struct {
	batchFmt string
	meters   []*AverageMeter
	prefix   string
	out      LineWriter
}

// NewProgressMeter creates a progress reporter for an epoch of numBatches
func NewProgressMeter(numBatches int, meters []*AverageMeter, prefix string, out LineWriter) *ProgressMeter {
	digits := len(strconv.Itoa(numBatches))
	return &ProgressMeter{
		batchFmt: "[%" + strconv.Itoa(digits) + "d/" + fmt.Sprintf("%"+strconv.Itoa(digits)+"d", numBatches) + "]",
		meters:   meters,
		prefix:   prefix,
		out:      out,
	}
}

// Format renders the progress line for batch
func (p *ProgressMeter) Format(batch int) string {
	entries := make([]string, 0, len(p.meters)+1)
	entries = append(entries, p.prefix+fmt.Sprintf(p.batchFmt, batch))
	for _, m := range p.meters {
		entries = append(entries, m.String())
	}
	return strings.Join(entries, "\t")
}

// Display writes the progress line for batch
func (p *ProgressMeter) Display(batch int) {
	if p.out != nil {
		p.out.WriteLine(p.Format(batch))
	}
}

// FormatValidationSummary renders the per-epoch validation line
func FormatValidationSummary(top1, top5 float64, groups GroupAccuracy) string {
	return fmt.Sprintf(" * Acc@1 %.3f Acc@5 %.3f HAcc %.3f MAcc %.3f TAcc %.3f ",
		top1, top5, groups.Head, groups.Medium, groups.Tail)
}
