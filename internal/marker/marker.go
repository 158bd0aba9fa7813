// Package marker reads the completion tokens jobs leave behind and scans
// their logs for recognisable failure causes.
package marker

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DoneFile is the top-level completion marker in a task directory.
const DoneFile = "FINISHED.DONE"

const (
	tokenSuccess = "SUCCESS"
	tokenFailure = "FAILURE"
)

// Result is the decision encoded in a marker file.
type Result int

const (
	Absent Result = iota
	Success
	Failure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "absent"
	}
}

// Read inspects the marker at path. Any content containing FAILURE is a
// failure; any other non-blank marker counts as success. A blank marker is
// still being written and reads as Absent.
func Read(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Absent, nil
		}
		return Absent, fmt.Errorf("marker: read %s: %w", path, err)
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return Absent, nil
	}
	if strings.Contains(text, tokenFailure) {
		return Failure, nil
	}
	return Success, nil
}

// Write stores a SUCCESS or FAILURE token at path.
func Write(path string, ok bool) error {
	token := tokenFailure
	if ok {
		token = tokenSuccess
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("marker: ensure dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o644); err != nil {
		return fmt.Errorf("marker: write %s: %w", path, err)
	}
	return nil
}

// Finding is one log line containing a known needle.
type Finding struct {
	Path   string
	Line   int
	Needle string
	Text   string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: %s", f.Path, f.Line, f.Text)
}

// FatalNeedles are substrings that identify a fatal job error in logs.
var FatalNeedles = []string{
	"FATAL ERROR ABORT",
	"QOSMaxSubmitJobPerUserLimit",
	"DUE TO TIME LIMIT",
	"Traceback (most recent call last)",
	"Segmentation fault",
	"oom-kill",
}

// Scan searches the files matched by patterns for lines containing any
// needle. Patterns may be globs. Unreadable files are skipped. Findings are
// ordered by path then line.
func Scan(patterns []string, needles ...string) []Finding {
	var findings []Finding
	for _, path := range expand(patterns) {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			for _, needle := range needles {
				if strings.Contains(text, needle) {
					findings = append(findings, Finding{Path: path, Line: line, Needle: needle, Text: strings.TrimSpace(text)})
					break
				}
			}
		}
		f.Close()
	}
	return findings
}

func expand(patterns []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil || len(matches) == 0 {
			matches = []string{pattern}
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
