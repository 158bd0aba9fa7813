package tasks

import (
	"testing"

	"github.com/kingrea/batchflow/internal/task"
)

func TestNewRegistryCoversEveryKind(t *testing.T) {
	reg := NewRegistry()
	got := reg.Kinds()
	want := task.Kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %d kinds, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kind %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRegisterBuiltinsTwicePanics(t *testing.T) {
	reg := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate registration to panic")
		}
	}()
	RegisterBuiltins(reg)
}
