package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"hourwatch/internal/core"
)

// JSONLog keeps the completion log as one indented JSON array on disk.
// Entries that do not decode are left out of Load but kept in the file.
type JSONLog struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewJSONLog returns a log backed by the file at path. The file need not
// exist yet.
func NewJSONLog(path string, logger *slog.Logger) *JSONLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLog{path: path, logger: logger}
}

// Path returns the log file location.
func (l *JSONLog) Path() string { return l.path }

// Load returns every decodable record in file order.
func (l *JSONLog) Load(ctx context.Context) ([]core.CompletionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, records, err := l.read()
	if err != nil {
		return nil, &core.PersistenceError{Op: "load", Err: err}
	}
	return records, nil
}

// Update appends the records returned by fn and rewrites the file
// atomically. Concurrent Updates in this process are serialised.
func (l *JSONLog) Update(ctx context.Context, fn func(log []core.CompletionRecord) ([]core.CompletionRecord, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	raw, records, err := l.read()
	if err != nil {
		return &core.PersistenceError{Op: "load", Err: err}
	}
	added, err := fn(records)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}
	for _, rec := range added {
		data, err := json.Marshal(rec)
		if err != nil {
			return &core.PersistenceError{Op: "encode", Err: err}
		}
		raw = append(raw, data)
	}
	if err := l.write(raw); err != nil {
		return &core.PersistenceError{Op: "save", Err: err}
	}
	l.logger.Debug("completion log saved", "path", l.path, "added", len(added), "entries", len(raw))
	return nil
}

func (l *JSONLog) read() ([]json.RawMessage, []core.CompletionRecord, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", l.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", l.path, err)
	}
	records := make([]core.CompletionRecord, 0, len(raw))
	for i, entry := range raw {
		var rec core.CompletionRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			l.logger.Warn("skipping malformed completion record", "path", l.path, "index", i, "err", err)
			continue
		}
		records = append(records, rec)
	}
	return raw, records, nil
}

func (l *JSONLog) write(raw []json.RawMessage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(raw); err != nil {
		return fmt.Errorf("encode log: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure log dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", l.path, err)
	}
	return nil
}
