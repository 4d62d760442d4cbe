package signal

import (
	"testing"
)

func TestRegistry_ResolvesByName(t *testing.T) {
	mem := NewMemory()
	r := NewRegistry()
	r.RegisterSource("fixtures", func() Source { return mem })
	r.RegisterExit("fixtures", func() ExitStrategy { return mem })

	src, err := r.Source("fixtures")
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if src != Source(mem) {
		t.Fatalf("Source returned a different instance")
	}
	exit, err := r.Exit("fixtures")
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if exit != ExitStrategy(mem) {
		t.Fatalf("Exit returned a different instance")
	}

	names := r.SourceNames()
	if len(names) != 1 || names[0] != "fixtures" {
		t.Fatalf("SourceNames = %v, want [fixtures]", names)
	}
}

func TestRegistry_UnknownName(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Source("momentum"); err == nil {
		t.Fatalf("expected error for unknown source")
	}
	if _, err := r.Exit("momentum"); err == nil {
		t.Fatalf("expected error for unknown exit strategy")
	}
}
