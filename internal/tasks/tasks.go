// Package tasks wires the built-in task kinds into a registry.
package tasks

import (
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/aggregate"
	"github.com/kingrea/batchflow/internal/tasks/classify"
	"github.com/kingrea/batchflow/internal/tasks/cosmofit"
	"github.com/kingrea/batchflow/internal/tasks/createcov"
	"github.com/kingrea/batchflow/internal/tasks/dataprep"
	"github.com/kingrea/batchflow/internal/tasks/lcfit"
	"github.com/kingrea/batchflow/internal/tasks/merge"
	"github.com/kingrea/batchflow/internal/tasks/simulation"
)

// RegisterBuiltins installs every built-in kind factory into reg.
func RegisterBuiltins(reg *task.Registry) {
	if reg == nil {
		return
	}
	dataprep.Register(reg)
	simulation.Register(reg)
	lcfit.Register(reg)
	classify.Register(reg)
	aggregate.Register(reg)
	merge.Register(reg)
	createcov.Register(reg)
	cosmofit.Register(reg)
}

// NewRegistry returns a registry holding every built-in kind.
func NewRegistry() *task.Registry {
	reg := task.NewRegistry()
	RegisterBuiltins(reg)
	return reg
}
