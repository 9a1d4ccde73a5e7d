// Package audit is the append-only structured event sink shared by every
// component of the execution core. Writes are queued on a channel and flushed
// in batches by a single writer goroutine.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-janus/internal/shared"
)

// TimestampFormat is UTC with millisecond precision and a Z suffix.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 200 * time.Millisecond
	defaultQueueSize     = 1024
)

// Event is one line of the structured event log.
type Event struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Vessel    string         `json:"vessel"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
}

// Mirror receives a copy of every flushed event. The SQLite ledger implements it.
type Mirror interface {
	MirrorAuditEvent(ctx context.Context, ev Event) error
}

// Emitter is the narrow interface components depend on.
type Emitter interface {
	Emit(level, event string, data map[string]any)
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	Mirror        Mirror
	Logger        *slog.Logger
	Now           func() time.Time
}

// Log is an asynchronous, batched JSONL event writer.
type Log struct {
	vessel        string
	file          *os.File
	mirror        Mirror
	logger        *slog.Logger
	now           func() time.Time
	batchSize     int
	flushInterval time.Duration

	mu       sync.RWMutex
	closed   bool
	ch       chan Event
	flushReq chan chan struct{}
	done     chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

// Open creates (or appends to) the event log at path and starts its writer.
func Open(path, vessel string, opts Options) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if vessel == "" {
		vessel = shared.DefaultVesselID
	}
	l := &Log{
		vessel:        vessel,
		file:          f,
		mirror:        opts.Mirror,
		logger:        opts.Logger,
		now:           opts.Now,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		flushReq:      make(chan chan struct{}),
		done:          make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.batchSize <= 0 {
		l.batchSize = defaultBatchSize
	}
	if l.flushInterval <= 0 {
		l.flushInterval = defaultFlushInterval
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	l.ch = make(chan Event, queue)
	go l.run()
	return l, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.file.Name() }

// Emit enqueues an event. Levels are written upper-cased. It blocks only
// when the queue is full. Events emitted after Close are dropped.
func (l *Log) Emit(level, event string, data map[string]any) {
	ev := Event{
		Timestamp: l.now().UTC().Format(TimestampFormat),
		Level:     strings.ToUpper(level),
		Vessel:    l.vessel,
		Event:     event,
		Data:      shared.RedactMap(data),
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	l.ch <- ev
}

func (l *Log) Info(event string, data map[string]any)  { l.Emit(LevelInfo, event, data) }
func (l *Log) Warn(event string, data map[string]any)  { l.Emit(LevelWarn, event, data) }
func (l *Log) Error(event string, data map[string]any) { l.Emit(LevelError, event, data) }

// Sync blocks until every event emitted before the call is on disk.
func (l *Log) Sync() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	ack := make(chan struct{})
	l.flushReq <- ack
	<-ack
}

// Written returns the number of events persisted so far.
func (l *Log) Written() int64 { return l.written.Load() }

// Dropped returns the number of events discarded after Close.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

// Close drains the queue, flushes, and closes the file. Safe to call twice.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	<-l.done
	return l.file.Close()
}

func (l *Log) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.batchSize)
	for {
		select {
		case ev, ok := <-l.ch:
			if !ok {
				l.write(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= l.batchSize {
				l.write(batch)
				batch = batch[:0]
			}
		case ack := <-l.flushReq:
			batch = l.drain(batch)
			l.write(batch)
			batch = batch[:0]
			close(ack)
		case <-ticker.C:
			if len(batch) > 0 {
				l.write(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Log) drain(batch []Event) []Event {
	for {
		select {
		case ev, ok := <-l.ch:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

func (l *Log) write(batch []Event) {
	if len(batch) == 0 {
		return
	}
	w := bufio.NewWriter(l.file)
	for _, ev := range batch {
		b, err := json.Marshal(ev)
		if err != nil {
			l.logger.Error("audit: marshal event", "event", ev.Event, "error", err)
			continue
		}
		_, _ = w.Write(b)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		l.logger.Error("audit: write batch", "error", err, "events", len(batch))
		return
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("audit: fsync", "error", err)
	}
	l.written.Add(int64(len(batch)))

	if l.mirror != nil {
		ctx := context.Background()
		for _, ev := range batch {
			if err := l.mirror.MirrorAuditEvent(ctx, ev); err != nil {
				l.logger.Warn("audit: mirror event", "event", ev.Event, "error", err)
			}
		}
	}
}

// ReadFile parses an event log. Malformed lines are skipped.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// Discard is an Emitter that drops everything. Useful for components
// constructed without an event log.
type Discard struct{}

func (Discard) Emit(string, string, map[string]any) {}
