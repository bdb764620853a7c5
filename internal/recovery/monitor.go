package recovery

import (
	"errors"
	"fmt"
	"os"
	"time"

	"streamaudit/internal/report"
	"streamaudit/internal/workdir"
)

var ErrNoMonitor = errors.New("recovery: no recovery recorded for topic")

// Monitor is the state of one recovery run.
type Monitor struct {
	Running     bool       `json:"running"`
	SourceTopic string     `json:"sourceTopic"`
	TargetTopic string     `json:"targetTopic"`
	IndexPath   string     `json:"indexPath"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	StartPosition   string `json:"startPosition,omitempty"`
	CurrentPosition string `json:"currentPosition,omitempty"`
	LastPosition    string `json:"lastPosition,omitempty"`
	LastID          string `json:"lastId,omitempty"`
	// ReachedLast is set once the delivery matching the last bound was replayed.
	ReachedLast bool `json:"reachedLast"`

	BufferedPositions int        `json:"bufferedPositions"`
	CopiedPositions   int64      `json:"copiedPositions"`
	Batches           int64      `json:"batches"`
	LastReplayedAt    *time.Time `json:"lastReplayedAt,omitempty"`

	Tail TailStats `json:"tail"`

	Canceled bool   `json:"canceled,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TailStats describes the read-back of the target after replay.
type TailStats struct {
	From          *time.Time `json:"from,omitempty"`
	StartPosition string     `json:"startPosition,omitempty"`
	LastPosition  string     `json:"lastPosition,omitempty"`
	Checked       int64      `json:"checked"`
	Report        string     `json:"report,omitempty"`
}

func (m Monitor) clone() Monitor {
	out := m
	out.EndedAt = cloneTime(m.EndedAt)
	out.LastReplayedAt = cloneTime(m.LastReplayedAt)
	out.Tail.From = cloneTime(m.Tail.From)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SaveMonitor persists m as the source topic's recovery.json.
func SaveMonitor(dir workdir.Dir, m Monitor) error {
	if err := report.WriteJSON(dir.RecoveryPath(), m); err != nil {
		return fmt.Errorf("write recovery monitor for %s: %w", dir.Topic, err)
	}
	return nil
}

func LoadMonitor(dir workdir.Dir) (Monitor, error) {
	var m Monitor
	err := report.ReadJSON(dir.RecoveryPath(), &m)
	if errors.Is(err, os.ErrNotExist) {
		return Monitor{}, ErrNoMonitor
	}
	if err != nil {
		return Monitor{}, fmt.Errorf("read recovery monitor for %s: %w", dir.Topic, err)
	}
	return m, nil
}
