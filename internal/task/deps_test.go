package task

import (
	"errors"
	"testing"

	"github.com/kingrea/batchflow/internal/definition"
)

type simStub struct{ *stubTask }

type fitStub struct{ *stubTask }

type clsStub struct{ *stubTask }

func newSim(name string) *simStub {
	s := &simStub{stubTask: &stubTask{}}
	s.stubTask.Base = NewBase(KindSim, name, "/tmp/"+name)
	return s
}

func newFit(name string, deps ...Task) *fitStub {
	f := &fitStub{stubTask: &stubTask{}}
	f.stubTask.Base = NewBase(KindLCFit, name, "/tmp/"+name, deps...)
	return f
}

func newCls(name string, deps ...Task) *clsStub {
	c := &clsStub{stubTask: &stubTask{}}
	c.stubTask.Base = NewBase(KindClassify, name, "/tmp/"+name, deps...)
	return c
}

func TestSelectByTypeAndMask(t *testing.T) {
	a, b := newSim("sim_a"), newSim("sim_b")
	fit := newFit("fit_a", a)
	prior := []Task{a, fit, b}
	sims := Select[*simStub](prior, Contains("sim"))
	if len(sims) != 2 || sims[0] != a || sims[1] != b {
		t.Fatalf("unexpected selection %v", sims)
	}
	if only := Select[*simStub](prior, Exactly("sim_b")); len(only) != 1 || only[0] != b {
		t.Fatalf("exact mask failed")
	}
	if none := Select[*simStub](prior, Contains("zzz")); len(none) != 0 {
		t.Fatalf("expected no match")
	}
	if got := OfKind(prior, KindLCFit); len(got) != 1 || got[0] != Task(fit) {
		t.Fatalf("OfKind failed: %v", got)
	}
}

func TestDepRequiresExactlyOne(t *testing.T) {
	a, b := newSim("a"), newSim("b")
	single := newFit("single", a)
	if got, err := Dep[*simStub](single); err != nil || got != a {
		t.Fatalf("expected a, got %v %v", got, err)
	}

	ambiguous := newFit("ambiguous", a, b)
	_, err := Dep[*simStub](ambiguous)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Section != string(KindLCFit) || cfgErr.Name != "ambiguous" {
		t.Fatalf("unexpected error location %+v", cfgErr)
	}

	if _, err := Dep[*clsStub](single); !IsConfigError(err) {
		t.Fatalf("expected ConfigError for absent dependency, got %v", err)
	}
}

func TestAncestorsDeduplicated(t *testing.T) {
	sim := newSim("sim")
	fit := newFit("fit", sim)
	c1 := newCls("c1", sim, fit)
	c2 := newCls("c2", sim, fit)
	agg := newCls("agg", c1, c2)

	if deps := Deps[*clsStub](agg); len(deps) != 2 || deps[0] != c1 || deps[1] != c2 {
		t.Fatalf("expected both classifiers in order, got %v", deps)
	}
	sims := Ancestors[*simStub](agg, 4)
	if len(sims) != 1 || sims[0] != sim {
		t.Fatalf("expected single deduplicated sim, got %v", sims)
	}
	if shallow := Ancestors[*simStub](agg, 1); len(shallow) != 0 {
		t.Fatalf("depth 1 should not reach the sim, got %v", shallow)
	}
	if all := Ancestors[Task](agg, 0); len(all) != 4 {
		t.Fatalf("expected 4 distinct ancestors, got %d", len(all))
	}
}

func TestReadyAndBlock(t *testing.T) {
	sim := newSim("sim")
	fit := newFit("fit", sim)
	if !Ready(sim) || Ready(fit) {
		t.Fatalf("unexpected readiness")
	}
	sim.base().state = StateSuccess
	if !Ready(fit) {
		t.Fatalf("fit should be ready once sim succeeded")
	}
	if !Block(fit, "dependency sim failed") || fit.State() != StateBlocked {
		t.Fatalf("expected blocked")
	}
	if Block(sim, "x") {
		t.Fatalf("terminal task must not be blocked")
	}
}

func TestOutputGate(t *testing.T) {
	var out Output[Photometry]
	if _, err := out.Get(); !errors.Is(err, ErrNotPublished) {
		t.Fatalf("expected ErrNotPublished, got %v", err)
	}
	out.Set(Photometry{Genversion: "BF_sim"})
	got, err := out.Get()
	if err != nil || got.Genversion != "BF_sim" || !out.Published() {
		t.Fatalf("unexpected output %+v %v", got, err)
	}
}

func TestParseStage(t *testing.T) {
	cases := map[string]int{"0": 0, "sim": 1, "LCFIT": 2, "classification": 3, "cosmomc": 7}
	for in, want := range cases {
		got, err := ParseStage(in)
		if err != nil || got != want {
			t.Fatalf("ParseStage(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "9", "BIASCOR"} {
		if _, err := ParseStage(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(env *Env, section definition.Section, prior []Task) ([]Task, error) { return nil, nil }
	reg.MustRegister(KindLCFit, noop)
	reg.MustRegister(KindSim, noop)
	if err := reg.Register(KindSim, noop); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := reg.Register(Kind("BIASCOR"), noop); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != KindSim || kinds[1] != KindLCFit {
		t.Fatalf("expected stage order, got %v", kinds)
	}
	if _, ok := reg.Factory(KindCosmoFit); ok {
		t.Fatalf("unexpected factory")
	}
}
