// Package batch talks to the external scheduler that runs task scripts.
package batch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kingrea/batchflow/internal/config"
)

// Job is one submission of a rendered task script.
type Job struct {
	// Name is the scheduler job name; queue matching is by its prefix.
	Name string
	// Script is the path to the rendered script.
	Script string
	// Dir is the working directory the script runs in.
	Dir string
	// Wait blocks Submit until the job has finished.
	Wait bool
	// Log captures script output when the backend manages output itself.
	Log string
}

// Backend submits jobs and lists what is still active.
type Backend interface {
	Submit(ctx context.Context, job Job) error
	ActiveJobNames(ctx context.Context) ([]string, error)
}

// New builds the backend named by global.backend.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.Global.Backend {
	case config.BackendSlurm, "":
		return NewSlurm(SlurmOptions{
			SubmitTimeout: cfg.Output.SubmitTimeout,
			WaitTimeout:   cfg.Output.WaitTimeout,
			Logger:        logger,
		}), nil
	case config.BackendLocal:
		return NewLocal(ctx, LocalOptions{WaitTimeout: cfg.Output.WaitTimeout, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("batch: unknown backend %q", cfg.Global.Backend)
	}
}
