// Package journal appends sampled ticks to a size-rotated JSON-lines file.
package journal

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"market_feed/internal/domain"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the journal file.
type Options struct {
	Path       string
	SampleRate int // keep one in every SampleRate ticks per instrument
	MaxSizeMB  int
	MaxBackups int
}

// Writer is a tick consumer. Sampling is per instrument so that quiet
// instruments still appear.
type Writer struct {
	mu     sync.Mutex
	out    io.WriteCloser
	every  uint64
	seen   map[domain.InstrumentKey]uint64
	buf    []byte
	closed bool
}

// New opens a rotating journal at opts.Path.
func New(opts Options) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, err
	}
	return NewWithWriter(&lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}, opts.SampleRate), nil
}

// NewWithWriter journals into w.
func NewWithWriter(w io.WriteCloser, sampleRate int) *Writer {
	if sampleRate < 1 {
		sampleRate = 1
	}
	return &Writer{
		out:   w,
		every: uint64(sampleRate),
		seen:  make(map[domain.InstrumentKey]uint64),
	}
}

// Consume writes the tick if it falls on the sampling stride.
func (w *Writer) Consume(_ context.Context, tick domain.Tick) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return domain.ErrStopped
	}

	n := w.seen[tick.Key]
	w.seen[tick.Key] = n + 1
	if n%w.every != 0 {
		return nil
	}

	line, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	w.buf = append(append(w.buf[:0], line...), '\n')
	_, err = w.out.Write(w.buf)
	return err
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.out.Close()
}
