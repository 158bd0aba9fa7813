package task

import (
	"context"
	"sort"

	"github.com/kingrea/batchflow/internal/hashstore"
)

// Mode selects how a submission is executed.
type Mode int

const (
	// ModeBatch hands the script to the scheduler and returns immediately.
	ModeBatch Mode = iota
	// ModeWait hands the script to the scheduler and blocks until it ends.
	ModeWait
	// ModeLocal runs Local in process. The lifecycle writes the marker.
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeWait:
		return "wait"
	case ModeLocal:
		return "local"
	default:
		return "batch"
	}
}

// DefaultScriptName is the rendered script file inside the task directory.
const DefaultScriptName = "slurm.job"

// Submission is a rendered, ready to write task execution.
type Submission struct {
	Mode Mode
	// Script is the rendered submission artifact. For local tasks it is a
	// description of the options that determine the result.
	Script     string
	ScriptName string
	// JobName defaults to the task's job prefix.
	JobName string
	// Files are extra rendered files written into the task directory.
	Files map[string]string
	// Copies are input files copied into the task directory by base name.
	Copies []string
	// Inputs are referenced input files. Inputs and Copies are hashed by
	// content.
	Inputs []string
	// Local runs in process for ModeLocal.
	Local func(ctx context.Context) error
}

// Hash fingerprints the submission.
func (s Submission) Hash() (string, error) {
	paths := make([]string, 0, len(s.Inputs)+len(s.Copies))
	paths = append(paths, s.Inputs...)
	paths = append(paths, s.Copies...)
	return hashstore.Compute(hashstore.Input{Artifact: s.Script, Files: s.Files, Paths: paths})
}

func (s Submission) scriptName() string {
	if s.ScriptName == "" {
		return DefaultScriptName
	}
	return s.ScriptName
}

func (s Submission) fileNames() []string {
	names := make([]string, 0, len(s.Files))
	for name := range s.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
