package plan

import (
	"os"
	"path/filepath"
	"testing"
)

const goodDefinitionYAML = `name: research-flow
goal_event: plan.requested
states:
  - name: researching
    initial: true
    action:
      event_type: research.requested
      response_event: research.completed
    transitions:
      - on_event: research.completed
        to_state: done
  - name: done
    terminal: true
`

func writeDefinition(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := writeDefinition(t, dir, "research.yaml", goodDefinitionYAML)

	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("LoadDefinition: %v", err)
	}
	if def.Name != "research-flow" || def.GoalEvent != "plan.requested" {
		t.Errorf("definition = %+v", def)
	}
}

func TestLoadDefinitionRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "states: [unclosed"},
		{"fails validation", "name: x\ngoal_event: g\nstates: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDefinition(t, dir, tt.name+".yaml", tt.content)
			if _, err := LoadDefinition(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLibraryLoad(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "research.yaml", goodDefinitionYAML)
	writeDefinition(t, dir, "nested/other.yaml", `name: other
goal_event: other.requested
states:
  - name: done
    initial: true
    terminal: true
`)

	lib := NewLibrary(LibraryConfig{Dir: dir})
	if err := lib.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := lib.Get("plan.requested"); !ok {
		t.Error("plan.requested not loaded")
	}
	if _, ok := lib.Get("other.requested"); !ok {
		t.Error("nested definition not loaded")
	}
	if _, ok := lib.Get("unknown.event"); ok {
		t.Error("unexpected definition for unknown goal event")
	}
	if got := len(lib.GoalEvents()); got != 2 {
		t.Errorf("GoalEvents() len = %d, want 2", got)
	}
}

func TestLibraryLoadSkipsInvalidKeepsGood(t *testing.T) {
	dir := t.TempDir()
	path := writeDefinition(t, dir, "research.yaml", goodDefinitionYAML)

	lib := NewLibrary(LibraryConfig{Dir: dir})
	if err := lib.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := lib.Get("plan.requested"); !ok {
		t.Fatal("definition not loaded")
	}

	// Corrupt the file and reload: the previous good version survives.
	if err := os.WriteFile(path, []byte("states: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := lib.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := lib.Get("plan.requested"); !ok {
		t.Error("good definition dropped after invalid replacement")
	}
}
