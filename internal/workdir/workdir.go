// Package workdir maps topics to their on-disk working directories.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrInvalidTopic = errors.New("workdir: invalid topic name")

const (
	IndexFile    = "sequence.db"
	ReportDir    = "report"
	SummaryFile  = "summary.json"
	FullFile     = "full.json"
	RecoveryFile = "recovery.json"
	TailFile     = "tail-report.json"
)

// Layout roots every topic directory under one data directory.
type Layout struct {
	root string
}

func New(root string) Layout {
	return Layout{root: root}
}

func (l Layout) Root() string { return l.root }

func ValidateTopic(topic string) error {
	if topic == "" || topic == "." || topic == ".." || strings.ContainsAny(topic, `/\`) || strings.ContainsRune(topic, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// Topic returns the directory set of a validated topic.
func (l Layout) Topic(topic string) (Dir, error) {
	if err := ValidateTopic(topic); err != nil {
		return Dir{}, err
	}
	return Dir{Topic: topic, Path: filepath.Join(l.root, topic)}, nil
}

// IndexedTopics lists topics whose index file exists, sorted by name.
func (l Layout) IndexedTopics() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.root, e.Name(), IndexFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// SummarizedTopics lists topics that have a persisted check summary.
func (l Layout) SummarizedTopics() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.root, "*", ReportDir, SummaryFile))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.Base(filepath.Dir(filepath.Dir(m))))
	}
	sort.Strings(out)
	return out, nil
}

type Dir struct {
	Topic string
	Path  string
}

func (d Dir) IndexPath() string    { return filepath.Join(d.Path, IndexFile) }
func (d Dir) ReportPath() string   { return filepath.Join(d.Path, ReportDir) }
func (d Dir) SummaryPath() string  { return filepath.Join(d.Path, ReportDir, SummaryFile) }
func (d Dir) FullPath() string     { return filepath.Join(d.Path, ReportDir, FullFile) }
func (d Dir) RecoveryPath() string { return filepath.Join(d.Path, ReportDir, RecoveryFile) }
func (d Dir) TailPath() string     { return filepath.Join(d.Path, ReportDir, TailFile) }

// NewReportPath returns a path for a fresh uniquely named report.
func (d Dir) NewReportPath(name string) string {
	return filepath.Join(d.Path, ReportDir, name)
}

// PurgeCheck removes the index and every check artifact of the topic.
// Recovery artifacts are left alone.
func (d Dir) PurgeCheck() error {
	var errs []error
	if err := os.Remove(d.IndexPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	entries, err := os.ReadDir(d.ReportPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, e := range entries {
		switch e.Name() {
		case RecoveryFile, TailFile:
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.ReportPath(), e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
