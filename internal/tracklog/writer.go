// Package tracklog appends track points to a track-log file from a single
// background worker so callers never block on disk I/O.
package tracklog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/trackcap/internal/metrics"
	"github.com/shaunagostinho/trackcap/internal/track"
)

// DefaultQueueSize is the number of point tasks that may wait for the worker.
const DefaultQueueSize = 10

var (
	// ErrWriterClosed is logged for tasks submitted after Close.
	ErrWriterClosed = errors.New("track writer closed")
	errNotOpen      = errors.New("track writer not open")
)

// FileSystem opens track-log files for appending.
type FileSystem interface {
	OpenAppend(path string) (io.WriteCloser, error)
}

// OSFileSystem writes to the local disk, creating parent directories.
type OSFileSystem struct{}

func (OSFileSystem) OpenAppend(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// Config holds writer configuration.
type Config struct {
	QueueSize int
	Creator   string
	Device    track.DeviceInfo
	FS        FileSystem
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger
}

// Stats counts point tasks over the writer's lifetime.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Written   uint64 `json:"written"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type taskKind int

const (
	taskHeader taskKind = iota
	taskPoint
	taskFooter
)

func (k taskKind) String() string {
	switch k {
	case taskHeader:
		return "header"
	case taskPoint:
		return "point"
	default:
		return "footer"
	}
}

type task struct {
	kind  taskKind
	at    time.Time
	point track.Point
}

// Writer serializes header, point and footer tasks for one track log onto a
// single worker goroutine. Point tasks beyond the queue capacity are dropped;
// the header and footer always fit in two reserved slots.
type Writer struct {
	path string
	cfg  Config
	log  logrus.FieldLogger

	mu      sync.Mutex
	tasks   chan task
	points  int // point tasks waiting in tasks
	opened  bool
	closed  bool
	done    chan struct{}
	handle  io.WriteCloser // owned by the worker
	counter struct {
		submitted, written, dropped, failed atomic.Uint64
	}
}

// NewWriter creates a writer for path. Nothing touches the file system until
// the first task reaches the worker.
func NewWriter(path string, cfg Config) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FS == nil {
		cfg.FS = OSFileSystem{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Writer{
		path:  path,
		cfg:   cfg,
		log:   cfg.Logger.WithFields(logrus.Fields{"component": "writer", "path": path}),
		tasks: make(chan task, cfg.QueueSize+2),
		done:  make(chan struct{}),
	}
}

// Path returns the track-log path.
func (w *Writer) Path() string { return w.path }

// Open starts the worker and queues the header.
func (w *Writer) Open(created time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.opened || w.closed {
		return
	}
	w.opened = true
	go w.run()
	w.tasks <- task{kind: taskHeader, at: created}
}

// WritePoint queues p without blocking. It is dropped if the queue is full
// or the writer is not open.
func (w *Writer) WritePoint(p track.Point) {
	w.counter.submitted.Add(1)
	w.cfg.Metrics.Submitted()

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.closed:
		w.drop(p, ErrWriterClosed)
		return
	case !w.opened:
		w.drop(p, errNotOpen)
		return
	case w.points >= w.cfg.QueueSize:
		w.counter.dropped.Add(1)
		w.cfg.Metrics.Dropped()
		w.log.WithFields(logrus.Fields{
			"task":  taskPoint.String(),
			"time":  track.FormatTime(p.Time),
			"queue": w.cfg.QueueSize,
		}).Warn("write queue saturated, point dropped")
		return
	}
	w.points++
	w.cfg.Metrics.SetQueueDepth(w.points)
	w.tasks <- task{kind: taskPoint, point: p}
}

func (w *Writer) drop(p track.Point, err error) {
	w.counter.dropped.Add(1)
	w.cfg.Metrics.Dropped()
	w.log.WithError(err).WithFields(logrus.Fields{
		"task": taskPoint.String(),
		"time": track.FormatTime(p.Time),
	}).Warn("point dropped")
}

// Close queues the footer. The returned channel is closed once every queued
// task has been processed and the file handle released. Close never blocks
// and may be called more than once.
func (w *Writer) Close(closed time.Time) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.done
	}
	w.closed = true
	if !w.opened {
		close(w.done)
		return w.done
	}
	w.tasks <- task{kind: taskFooter, at: closed}
	close(w.tasks)
	return w.done
}

// Stats returns a snapshot of the point counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Submitted: w.counter.submitted.Load(),
		Written:   w.counter.written.Load(),
		Dropped:   w.counter.dropped.Load(),
		Failed:    w.counter.failed.Load(),
	}
}

func (w *Writer) run() {
	defer close(w.done)
	defer w.release()

	for t := range w.tasks {
		if t.kind == taskPoint {
			w.mu.Lock()
			w.points--
			w.cfg.Metrics.SetQueueDepth(w.points)
			w.mu.Unlock()
		}
		w.process(t)
	}
}

func (w *Writer) process(t task) {
	var data string
	switch t.kind {
	case taskHeader:
		data = track.RenderHeader(t.at, w.cfg.Creator, w.cfg.Device)
	case taskPoint:
		data = track.RenderPoint(t.point)
	case taskFooter:
		data = track.RenderFooter(t.at)
	}

	if err := w.write(data); err != nil {
		if t.kind == taskPoint {
			w.counter.failed.Add(1)
		}
		w.cfg.Metrics.Failed()
		w.log.WithError(err).WithField("task", t.kind.String()).Error("track write failed")
		return
	}
	if t.kind == taskPoint {
		w.counter.written.Add(1)
		w.cfg.Metrics.Written()
	}
}

func (w *Writer) write(data string) error {
	if w.handle == nil {
		h, err := w.cfg.FS.OpenAppend(w.path)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		w.handle = h
		w.log.Debug("track log opened")
	}
	_, err := io.WriteString(w.handle, data)
	return err
}

func (w *Writer) release() {
	if w.handle == nil {
		return
	}
	if err := w.handle.Close(); err != nil {
		w.log.WithError(err).Error("track log close failed")
	}
	w.handle = nil
	w.log.Debug("track log closed")
}
