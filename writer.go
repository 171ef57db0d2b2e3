package diligent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// writeJob is one unit of work on the serialized write queue: append one
// entry (or, for the header, write it first) and report the outcome.
type writeJob struct {
	entry Entry
	done  chan error
}

// DeferredWriter buffers entries in memory until the first assistant
// message proves a session is real, at which point it materializes the
// session file (header + every buffered entry) and switches to appending
// directly. All writes — buffered or direct — are serialized through a
// single goroutine so append order matches enqueue order regardless of
// caller timing (the "chained future" of spec §4.9).
type DeferredWriter struct {
	dir    string
	path   string
	header SessionHeader

	mu           sync.Mutex
	materialized bool
	buffered     []Entry
	file         *os.File

	jobs chan writeJob
	once sync.Once
}

// NewDeferredWriter constructs a writer for a brand-new session; nothing
// is written to disk until the first Append that materializes it.
func NewDeferredWriter(dir string, header SessionHeader) *DeferredWriter {
	w := &DeferredWriter{
		dir:    dir,
		path:   filepath.Join(dir, header.ID+".jsonl"),
		header: header,
		jobs:   make(chan writeJob, 64),
	}
	go w.run()
	return w
}

// ResumeDeferredWriter constructs a writer bound to an existing, already
// materialized session file, ready to append further entries.
func ResumeDeferredWriter(dir, path string, header SessionHeader) (*DeferredWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("resume writer: %w", err)
	}
	w := &DeferredWriter{
		dir:          dir,
		path:         path,
		header:       header,
		materialized: true,
		file:         f,
		jobs:         make(chan writeJob, 64),
	}
	go w.run()
	return w, nil
}

func (w *DeferredWriter) run() {
	for job := range w.jobs {
		job.done <- w.appendSync(job.entry)
	}
}

// Append enqueues e and returns a channel that receives the write outcome.
func (w *DeferredWriter) Append(e Entry) <-chan error {
	done := make(chan error, 1)
	w.jobs <- writeJob{entry: e, done: done}
	return done
}

// AppendAndWait enqueues e and blocks for the outcome.
func (w *DeferredWriter) AppendAndWait(e Entry) error {
	return <-w.Append(e)
}

func (w *DeferredWriter) appendSync(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.materialized {
		if !isAssistantMessageEntry(e) {
			// Not yet proven real: hold in memory so an abandoned
			// invocation (user message only, no reply) never creates a
			// file.
			w.buffered = append(w.buffered, e)
			return nil
		}
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return fmt.Errorf("materialize session dir: %w", err)
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("materialize session file: %w", err)
		}
		w.file = f
		w.materialized = true
		if err := writeJSONLine(w.file, w.header); err != nil {
			return err
		}
		for _, buf := range w.buffered {
			if err := writeJSONLine(w.file, buf); err != nil {
				return err
			}
		}
		w.buffered = nil
	}

	return writeJSONLine(w.file, e)
}

// isAssistantMessageEntry reports whether e wraps an assistant message —
// the signal that a real session exists, per spec §3 Lifecycle / §9
// Deferred writer.
func isAssistantMessageEntry(e Entry) bool {
	return e.Kind == EntryMessage && e.Message != nil && e.Message.Role == RoleAssistant
}

func writeJSONLine(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}

// Materialized reports whether the session file has been written to disk.
func (w *DeferredWriter) Materialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.materialized
}

// Path returns the session file's path, whether or not it has been
// materialized yet.
func (w *DeferredWriter) Path() string { return w.path }

// Close stops accepting new writes after the queue drains.
func (w *DeferredWriter) Close() error {
	var err error
	w.once.Do(func() {
		close(w.jobs)
		w.mu.Lock()
		if w.file != nil {
			err = w.file.Close()
		}
		w.mu.Unlock()
	})
	return err
}
