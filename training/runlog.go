package training

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// runLogBuffer is the number of lines queued before WriteLine blocks
const runLogBuffer = 256

// lineFormatter writes the bare message, one per line
type lineFormatter struct{}

func (lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// RunLog is the append-only run log. Lines are queued on a channel and a
// single goroutine writes them, so callers on any goroutine never interleave.
type RunLog struct {
	lines  chan string
	done   chan struct{}
	logger *logrus.Logger
	mirror *logrus.Entry
	closer io.Closer
	once   sync.Once
}

// OpenRunLog opens path for appending and starts the writer goroutine.
// When mirror is non-nil every line is also logged to it at debug level.
func OpenRunLog(path string, mirror *logrus.Entry) (*RunLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open run log %s", path)
	}
	return newRunLog(f, f, mirror), nil
}

// DiscardRunLog returns a run log that drops file output. Workers other than
// the primary use it so only one process appends to the shared file.
func DiscardRunLog(mirror *logrus.Entry) *RunLog {
	return newRunLog(io.Discard, nil, mirror)
}

func newRunLog(w io.Writer, closer io.Closer, mirror *logrus.Entry) *RunLog {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(lineFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	rl := &RunLog{
		lines:  make(chan string, runLogBuffer),
		done:   make(chan struct{}),
		logger: logger,
		mirror: mirror,
		closer: closer,
	}
	go rl.run()
	return rl
}

func (rl *RunLog) run() {
	defer close(rl.done)
	for line := range rl.lines {
		rl.logger.Info(line)
		if rl.mirror != nil {
			rl.mirror.Debug(line)
		}
	}
}

// WriteLine queues a line. It must not be called after Close.
func (rl *RunLog) WriteLine(line string) {
	rl.lines <- line
}

// Close drains pending lines and closes the underlying file
func (rl *RunLog) Close() error {
	var err error
	rl.once.Do(func() {
		close(rl.lines)
		<-rl.done
		if rl.closer != nil {
			err = rl.closer.Close()
		}
	})
	return err
}
