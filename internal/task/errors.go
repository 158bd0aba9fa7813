package task

import (
	"errors"
	"fmt"
)

// ErrNotPublished is returned when an output record is read before its
// producer reached success.
var ErrNotPublished = errors.New("task: output not published")

// ConfigError is a fatal pipeline construction error. No job is submitted
// once one is raised.
type ConfigError struct {
	Section string
	Name    string
	Msg     string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Section != "" && e.Name != "":
		return fmt.Sprintf("configuration error in %s.%s: %s", e.Section, e.Name, e.Msg)
	case e.Section != "":
		return fmt.Sprintf("configuration error in %s: %s", e.Section, e.Msg)
	default:
		return "configuration error: " + e.Msg
	}
}

// Configf builds a ConfigError.
func Configf(section, name, format string, args ...any) error {
	return &ConfigError{Section: section, Name: name, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// SubmissionError reports that the scheduler rejected a task's job.
type SubmissionError struct {
	Task string
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("task %s: submission rejected: %v", e.Task, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
