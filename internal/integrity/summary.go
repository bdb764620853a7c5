package integrity

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"streamaudit/internal/report"
	"streamaudit/internal/workdir"
)

var ErrNoSummary = errors.New("integrity: no summary for topic")

type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusClosed  Status = "closed"
)

// Summary is the state of one check run.
type Summary struct {
	Topic           string     `json:"topic"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	FirstPosition   string     `json:"firstPosition,omitempty"`
	LastPosition    string     `json:"lastPosition,omitempty"`
	CurrentPosition string     `json:"currentPosition,omitempty"`
	Count           int64      `json:"count"`
	// DuplicatePositions counts positions delivered more than once.
	DuplicatePositions int `json:"duplicatePositions"`
	// Reports are duplicate report file names inside the topic's report dir.
	Reports  []string `json:"reports,omitempty"`
	Canceled bool     `json:"canceled,omitempty"`
	Error    string   `json:"error,omitempty"`

	// Duplicates maps each duplicated position to every id it was delivered
	// with. It lives in the report files, not in summary.json.
	Duplicates map[string][]string `json:"-"`
}

func (s Summary) clone() Summary {
	out := s
	if s.EndedAt != nil {
		end := *s.EndedAt
		out.EndedAt = &end
	}
	out.Reports = append([]string(nil), s.Reports...)
	if s.Duplicates != nil {
		out.Duplicates = make(map[string][]string, len(s.Duplicates))
		for pos, ids := range s.Duplicates {
			out.Duplicates[pos] = append([]string(nil), ids...)
		}
	}
	return out
}

// SaveSummary persists s as the topic's summary.json.
func SaveSummary(dir workdir.Dir, s Summary) error {
	if err := report.WriteJSON(dir.SummaryPath(), s); err != nil {
		return fmt.Errorf("write summary for %s: %w", dir.Topic, err)
	}
	return nil
}

// LoadSummary reads the persisted summary of a topic.
func LoadSummary(dir workdir.Dir) (Summary, error) {
	var s Summary
	err := report.ReadJSON(dir.SummaryPath(), &s)
	if errors.Is(err, os.ErrNotExist) {
		return Summary{}, ErrNoSummary
	}
	if err != nil {
		return Summary{}, fmt.Errorf("read summary for %s: %w", dir.Topic, err)
	}
	return s, nil
}

// FullReport returns the path of the topic's merged report, writing it from
// the persisted summary and duplicate reports on first use. The file is
// {"summary": {...}, "duplicates": [{"<position>": ["<id>", ...]}, ...]}.
func FullReport(dir workdir.Dir) (string, error) {
	path := dir.FullPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	s, err := LoadSummary(dir)
	if err != nil {
		return "", err
	}
	if s.Status != StatusClosed {
		return "", fmt.Errorf("integrity: check of %s has not finished", dir.Topic)
	}
	tmp := path + ".tmp"
	if err := writeFull(tmp, dir, s); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

func writeFull(path string, dir workdir.Dir, s Summary) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, f.Close()) }()
	w := bufio.NewWriter(f)

	head, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "{\"summary\":%s,\"duplicates\":[", head); err != nil {
		return err
	}
	n := 0
	for _, name := range s.Reports {
		if err := copyElements(w, dir.NewReportPath(name), &n); err != nil {
			return fmt.Errorf("merge report %s: %w", name, err)
		}
	}
	if _, err := w.WriteString("\n]}\n"); err != nil {
		return err
	}
	return w.Flush()
}

// copyElements streams each element of the JSON array at path into w.
func copyElements(w io.Writer, path string, n *int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(bufio.NewReader(f))
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		sep := ",\n"
		if *n == 0 {
			sep = "\n"
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		*n++
	}
	return nil
}
