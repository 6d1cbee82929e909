// Package actions defines the per-OS strategies used to carry out device commands.
package actions

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Set is the complete strategy file.
type Set struct {
	Actions map[string]Definition `yaml:"actions"`
}

// Definition is a map of OS names to strategy lists.
// The key can be:
// - An OS name like "linux", "darwin", "windows"
// - A comma-separated list like "freebsd,openbsd"
// - "unix" for all Unix-like systems
// - "all" for all systems.
type Definition map[string]any

// Strategy is one way of performing an action. Strategies are tried in order.
type Strategy struct {
	Name string `yaml:"name"`
	// Run is the argv to execute. No shell is involved.
	Run []string `yaml:"run"`
	// Output is reported on success instead of the command's own output.
	Output string `yaml:"output,omitempty"`
}

// Parse decodes a strategy file.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse actions: %w", err)
	}
	if len(s.Actions) == 0 {
		return nil, fmt.Errorf("no actions defined")
	}
	return &s, nil
}

// For returns the strategies for action on osName, or nil if there are none.
func (s *Set) For(action, osName string) []Strategy {
	if s == nil {
		return nil
	}
	def, ok := s.Actions[action]
	if !ok {
		return nil
	}
	return def.StrategiesForOS(osName)
}

// StrategiesForOS returns the strategies for a specific OS.
// Priority order:
// 1. Exact OS match (e.g., "darwin")
// 2. Comma-separated match (e.g., "freebsd,openbsd")
// 3. Unix (for all Unix-like systems)
// 4. All (works on any OS).
func (d Definition) StrategiesForOS(osName string) []Strategy {
	if strategies := d.parseStrategies(osName); strategies != nil {
		return strategies
	}

	for key := range d {
		if !strings.Contains(key, ",") {
			continue
		}
		for part := range strings.SplitSeq(key, ",") {
			if strings.TrimSpace(part) == osName {
				if strategies := d.parseStrategies(key); strategies != nil {
					return strategies
				}
				break
			}
		}
	}

	if osName != "windows" {
		if strategies := d.parseStrategies("unix"); strategies != nil {
			return strategies
		}
	}

	return d.parseStrategies("all")
}

// parseStrategies converts the raw YAML list under key into strategies,
// skipping entries without a command.
func (d Definition) parseStrategies(key string) []Strategy {
	slice, ok := d[key].([]any)
	if !ok || len(slice) == 0 {
		return nil
	}

	var strategies []Strategy
	for i, item := range slice {
		var m map[string]any
		switch v := item.(type) {
		case Definition:
			m = map[string]any(v)
		case map[string]any:
			m = v
		case map[any]any:
			m = make(map[string]any, len(v))
			for k, val := range v {
				if ks, ok := k.(string); ok {
					m[ks] = val
				}
			}
		default:
			continue
		}

		st := Strategy{}
		if name, ok := m["name"].(string); ok {
			st.Name = name
		}
		if out, ok := m["output"].(string); ok {
			st.Output = out
		}
		switch run := m["run"].(type) {
		case string:
			st.Run = strings.Fields(run)
		case []any:
			for _, arg := range run {
				st.Run = append(st.Run, fmt.Sprint(arg))
			}
		}

		if len(st.Run) == 0 {
			continue
		}
		if st.Name == "" {
			st.Name = fmt.Sprintf("%s#%d", key, i+1)
		}
		strategies = append(strategies, st)
	}

	return strategies
}
