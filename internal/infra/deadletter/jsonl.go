package deadletter

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"evidenceledger/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const maxLineBytes = 4 << 20

// Recorder appends dead-letter entries to a JSONL file. It shares nothing with
// the ledger backend so it keeps working when that backend is what failed.
type Recorder struct {
	path    string
	mu      sync.Mutex
	logger  *zap.Logger
	written atomic.Int64
	failed  atomic.Int64
	counter *prometheus.CounterVec
}

type Option func(*Recorder)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCounter wires a counter labelled by outcome ("written" or "failed").
func WithCounter(counter *prometheus.CounterVec) Option {
	return func(r *Recorder) {
		r.counter = counter
	}
}

func NewRecorder(path string, opts ...Option) (*Recorder, error) {
	if path == "" {
		return nil, errors.New("dead-letter path is required")
	}
	r := &Recorder{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Recorder) Path() string {
	return r.path
}

// Append writes one line and fsyncs it. It never returns an error: failures
// are logged, counted and reported as false.
func (r *Recorder) Append(entry domain.DeadLetterEntry) bool {
	data, err := json.Marshal(entry)
	if err != nil {
		r.fail(entry, err)
		return false
	}
	data = append(data, '\n')

	r.mu.Lock()
	err = r.write(data)
	r.mu.Unlock()
	if err != nil {
		r.fail(entry, err)
		return false
	}
	r.written.Add(1)
	if r.counter != nil {
		r.counter.WithLabelValues("written").Inc()
	}
	return true
}

func (r *Recorder) write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (r *Recorder) fail(entry domain.DeadLetterEntry, err error) {
	r.failed.Add(1)
	if r.counter != nil {
		r.counter.WithLabelValues("failed").Inc()
	}
	r.logger.Error("dead-letter write failed",
		zap.String("path", r.path),
		zap.String("event_type", entry.EventType),
		zap.Error(err))
}

// Written is the number of entries recorded by this process.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}

// ReadAll returns every line of the file in order. A missing file is an
// empty dead-letter queue.
func (r *Recorder) ReadAll() ([]domain.DeadLetterLine, error) {
	return ReadFile(r.path)
}

func ReadFile(path string) ([]domain.DeadLetterLine, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []domain.DeadLetterLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line := domain.DeadLetterLine{Line: lineNo}
		if err := json.Unmarshal(raw, &line.Entry); err != nil {
			line.ParseError = err.Error()
		} else if line.Entry.EventType == "" || line.Entry.TsUTC == "" {
			line.ParseError = "missing event_type or ts_utc"
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}
