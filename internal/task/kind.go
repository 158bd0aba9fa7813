package task

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags a task variant. The set is closed; stage order follows the
// declaration order of stageOrder.
type Kind string

const (
	KindDataPrep  Kind = "DATAPREP"
	KindSim       Kind = "SIM"
	KindLCFit     Kind = "LCFIT"
	KindClassify  Kind = "CLASSIFY"
	KindAggregate Kind = "AGGREGATE"
	KindMerge     Kind = "MERGE"
	KindCreateCov Kind = "CREATE_COV"
	KindCosmoFit  Kind = "COSMOMC"
)

var stageOrder = []Kind{
	KindDataPrep,
	KindSim,
	KindLCFit,
	KindClassify,
	KindAggregate,
	KindMerge,
	KindCreateCov,
	KindCosmoFit,
}

// Kinds returns every kind in stage order.
func Kinds() []Kind {
	return append([]Kind(nil), stageOrder...)
}

// Stage returns the kind's position in the global stage order, or -1.
func (k Kind) Stage() int {
	for i, candidate := range stageOrder {
		if candidate == k {
			return i
		}
	}
	return -1
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k.Stage() >= 0 }

// ParseStage resolves a stage given by number or kind name.
func ParseStage(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return -1, fmt.Errorf("task: empty stage")
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		if n < 0 || n >= len(stageOrder) {
			return -1, fmt.Errorf("task: stage %d out of range 0-%d", n, len(stageOrder)-1)
		}
		return n, nil
	}
	upper := strings.ToUpper(trimmed)
	switch upper {
	case "CLASSIFICATION":
		upper = string(KindClassify)
	case "AGGREGATION":
		upper = string(KindAggregate)
	}
	if stage := Kind(upper).Stage(); stage >= 0 {
		return stage, nil
	}
	return -1, fmt.Errorf("task: unknown stage %q", value)
}
