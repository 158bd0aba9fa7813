// Package journal keeps a plain-text record of task transitions next to a
// pipeline's output so a past run can be read without the JSON run log.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/task"
)

// FileName is the journal file under the pipeline output directory.
const FileName = "journal.log"

// Level is the severity column of an entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Journal appends entries to one file. It is safe for concurrent use.
type Journal struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open creates dir if needed and returns a journal writing to dir/FileName.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: ensure %s: %w", dir, err)
	}
	return &Journal{path: filepath.Join(dir, FileName), now: time.Now}, nil
}

// Path returns the backing file.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append writes one entry. Write failures are dropped.
func (j *Journal) Append(level Level, message string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n", j.now().UTC().Format(time.RFC3339), level, strings.TrimSpace(message))
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// Infof appends an informational entry.
func (j *Journal) Infof(format string, args ...any) { j.Append(LevelInfo, fmt.Sprintf(format, args...)) }

// Warnf appends a warning entry.
func (j *Journal) Warnf(format string, args ...any) { j.Append(LevelWarn, fmt.Sprintf(format, args...)) }

// Errorf appends an error entry.
func (j *Journal) Errorf(format string, args ...any) {
	j.Append(LevelError, fmt.Sprintf(format, args...))
}

// Observe implements engine.Observer.
func (j *Journal) Observe(e engine.Event) {
	switch e.Kind {
	case engine.EventStarted:
		if e.Task != nil {
			j.Infof("%s %s started (%s)", e.Task.Kind, e.Task.Name, e.Task.State)
		}
	case engine.EventFinished:
		if e.Task == nil {
			return
		}
		ts := e.Task
		switch ts.State {
		case task.StateSuccess:
			j.Infof("%s %s succeeded", ts.Kind, ts.Name)
		case task.StateBlocked:
			j.Warnf("%s %s blocked: %s", ts.Kind, ts.Name, ts.Detail)
		default:
			msg := fmt.Sprintf("%s %s %s", ts.Kind, ts.Name, ts.State)
			if ts.Detail != "" {
				msg += ": " + ts.Detail
			}
			if len(ts.Logs) > 0 {
				msg += " (see " + strings.Join(ts.Logs, ", ") + ")"
			}
			j.Errorf("%s", msg)
		}
	case engine.EventQueueError:
		j.Warnf("queue query failed, tick skipped: %v", e.Err)
	case engine.EventDone:
		sum := engine.Summarize(e.Status)
		j.Infof("run %s %s: %d succeeded, %d failed, %d crashed, %d blocked, %d pending",
			sum.RunID, e.Status.Phase, sum.Succeeded, sum.Failed, sum.Crashed, sum.Blocked, sum.Pending)
	}
}

// Tail returns up to maxLines of the most recent entries in the journal at
// dir and the total number of entries.
func Tail(dir string, maxLines int) ([]string, int, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("journal: read: %w", err)
	}
	total := len(lines)
	if maxLines > 0 && total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total, nil
}
