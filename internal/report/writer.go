// Package report writes JSON array files one element at a time so reports
// over millions of records never sit in memory.
package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const DefaultFlushEvery = 5000

// NewFileName returns a fresh random report file name.
func NewFileName() string {
	return uuid.NewString() + ".json"
}

// Writer appends elements to a JSON array on disk.
type Writer struct {
	f          *os.File
	buf        *bufio.Writer
	path       string
	flushEvery int
	count      int
	closed     bool
}

func Create(path string, flushEvery int) (*Writer, error) {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create report %s: %w", path, err)
	}
	w := &Writer{f: f, buf: bufio.NewWriter(f), path: path, flushEvery: flushEvery}
	if err := w.buf.WriteByte('['); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Path() string { return w.path }

// Count is the number of elements written so far.
func (w *Writer) Count() int { return w.count }

func (w *Writer) Write(v any) error {
	if w.closed {
		return errors.New("report: write after close")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode report record: %w", err)
	}
	if w.count > 0 {
		if err := w.buf.WriteByte(','); err != nil {
			return err
		}
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	w.count++
	if w.count%w.flushEvery == 0 {
		return w.buf.Flush()
	}
	return nil
}

// Close terminates the array and closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, err := w.buf.WriteString("\n]\n")
	err = errors.Join(err, w.buf.Flush(), w.f.Sync())
	return errors.Join(err, w.f.Close())
}

// WriteJSON replaces path with v encoded as indented JSON. The file is
// written beside the target and renamed into place.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir report dir: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
