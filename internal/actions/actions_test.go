package actions_test

import (
	"os"
	"testing"

	"pulsemdm/internal/actions"
)

func TestParseActionsYAML(t *testing.T) {
	data, err := os.ReadFile("../../cmd/agent/actions.yaml")
	if err != nil {
		t.Fatalf("Failed to read actions.yaml: %v", err)
	}

	set, err := actions.Parse(data)
	if err != nil {
		t.Fatalf("Failed to parse actions.yaml: %v", err)
	}

	for _, name := range []string{"lock", "shutdown", "restart"} {
		if _, exists := set.Actions[name]; !exists {
			t.Errorf("Expected action '%s' not found in parsed config", name)
		}
	}

	lock := set.For("lock", "darwin")
	wantLock := []string{"pmset", "osascript", "cgsession"}
	if len(lock) != len(wantLock) {
		t.Fatalf("darwin lock strategies = %d, want %d", len(lock), len(wantLock))
	}
	for i, name := range wantLock {
		if lock[i].Name != name {
			t.Errorf("darwin lock strategy %d = %q, want %q", i, lock[i].Name, name)
		}
	}
	if got := lock[0].Run; len(got) != 2 || got[0] != "pmset" || got[1] != "displaysleepnow" {
		t.Errorf("pmset argv = %q", got)
	}
	if lock[2].Run[0] != "/System/Library/CoreServices/Menu Extras/User.menu/Contents/Resources/CGSession" {
		t.Errorf("CGSession argv = %q", lock[2].Run)
	}

	if n := len(set.For("lock", "linux")); n != 3 {
		t.Errorf("linux lock strategies = %d, want 3", n)
	}

	// freebsd falls back to "unix".
	shutdown := set.For("shutdown", "freebsd")
	if len(shutdown) != 1 {
		t.Fatalf("freebsd shutdown strategies = %d, want 1", len(shutdown))
	}
	want := []string{"sudo", "shutdown", "-h", "+1"}
	for i, arg := range want {
		if shutdown[0].Run[i] != arg {
			t.Errorf("shutdown argv = %q, want %q", shutdown[0].Run, want)
			break
		}
	}

	if restart := set.For("restart", "windows"); len(restart) != 1 || restart[0].Run[1] != "/r" {
		t.Errorf("windows restart = %+v", restart)
	}
	if got := set.For("lock", "plan9"); got != nil {
		t.Errorf("plan9 lock = %+v, want none", got)
	}
	if got := set.For("wake", "darwin"); got != nil {
		t.Errorf("wake = %+v, want none", got)
	}
}

func TestStrategiesForOSPriority(t *testing.T) {
	def := actions.Definition{
		"openbsd":        []any{map[string]any{"name": "exact", "run": []any{"a"}}},
		"freebsd,netbsd": []any{map[string]any{"name": "list", "run": "b c"}},
		"unix":           []any{map[string]any{"name": "unix", "run": []any{"d"}}},
		"all":            []any{map[string]any{"name": "all", "run": []any{"e"}}},
	}

	tests := []struct {
		os   string
		want string
	}{
		{"openbsd", "exact"},
		{"netbsd", "list"},
		{"linux", "unix"},
		{"windows", "all"},
	}

	for _, tt := range tests {
		t.Run(tt.os, func(t *testing.T) {
			got := def.StrategiesForOS(tt.os)
			if len(got) != 1 || got[0].Name != tt.want {
				t.Errorf("StrategiesForOS(%q) = %+v, want %q", tt.os, got, tt.want)
			}
		})
	}

	if got := def.StrategiesForOS("netbsd")[0].Run; len(got) != 2 || got[1] != "c" {
		t.Errorf("string run was not split into argv: %q", got)
	}
}

func TestStrategiesSkipInvalidEntries(t *testing.T) {
	def := actions.Definition{
		"linux": []any{
			"not a map",
			map[string]any{"name": "empty"},
			map[any]any{"run": []any{"ok"}},
		},
	}

	got := def.StrategiesForOS("linux")
	if len(got) != 1 {
		t.Fatalf("StrategiesForOS() = %+v, want 1 strategy", got)
	}
	if got[0].Name != "linux#3" {
		t.Errorf("unnamed strategy name = %q, want %q", got[0].Name, "linux#3")
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := actions.Parse([]byte("actions: {}\n")); err == nil {
		t.Error("Parse() of empty set should fail")
	}
	if _, err := actions.Parse([]byte("actions: [")); err == nil {
		t.Error("Parse() of invalid YAML should fail")
	}
}

func TestParseInlineListEntries(t *testing.T) {
	data := []byte(`actions:
  lock:
    linux:
      - name: first
        run: [loginctl, lock-session]
        output: locked
      - run: xdg-screensaver lock
`)
	set, err := actions.Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	got := set.For("lock", "linux")
	if len(got) != 2 {
		t.Fatalf("For(lock, linux) = %+v, want 2 strategies", got)
	}
	if got[0].Name != "first" || got[0].Output != "locked" || len(got[0].Run) != 2 {
		t.Errorf("first strategy = %+v", got[0])
	}
	if got[1].Name != "linux#2" || len(got[1].Run) != 2 || got[1].Run[1] != "lock" {
		t.Errorf("second strategy = %+v", got[1])
	}

	// Entries decoded as nested definitions are accepted too.
	def := actions.Definition{"linux": []any{actions.Definition{"name": "nested", "run": []any{"dm-tool", "lock"}}}}
	if nested := def.StrategiesForOS("linux"); len(nested) != 1 || nested[0].Name != "nested" {
		t.Errorf("nested definition entry = %+v", nested)
	}
}
