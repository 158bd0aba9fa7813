package task

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kingrea/batchflow/internal/config"
)

// Env is what every factory receives alongside its section.
type Env struct {
	Config   *config.Config
	Pipeline string
	// OutputDir is the pipeline's output root.
	OutputDir string
	// Prefix names jobs and versions, <global.prefix>_<pipeline>.
	Prefix string
	Logger zerolog.Logger
}

// NewEnv derives the pipeline paths from cfg.
func NewEnv(cfg *config.Config, pipeline string, logger zerolog.Logger) *Env {
	return &Env{
		Config:    cfg,
		Pipeline:  pipeline,
		OutputDir: cfg.PipelineDir(pipeline),
		Prefix:    cfg.PipelinePrefix(pipeline),
		Logger:    logger,
	}
}

// StageDir returns <output>/<stage>_<KIND>/<parts joined by _>.
func (e *Env) StageDir(kind Kind, parts ...string) string {
	var clean []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	return filepath.Join(e.OutputDir, fmt.Sprintf("%d_%s", kind.Stage(), kind), strings.Join(clean, "_"))
}
