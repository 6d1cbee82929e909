package executor

import "strings"

// DefaultDenyList holds the substrings that make a custom command unsafe.
var DefaultDenyList = []string{"rm -rf", "format", "del /f"}

// SafetyFilter is a crude deny-list check applied to custom commands before
// they reach a shell. It is not a sandbox: anything that avoids the listed
// substrings runs with the agent's privileges.
type SafetyFilter struct {
	deny []string
}

// NewSafetyFilter returns a filter rejecting commands that contain any of deny,
// ignoring case.
func NewSafetyFilter(deny ...string) SafetyFilter {
	lowered := make([]string, 0, len(deny))
	for _, d := range deny {
		if d = strings.ToLower(d); d != "" {
			lowered = append(lowered, d)
		}
	}
	return SafetyFilter{deny: lowered}
}

// DefaultSafetyFilter returns a filter using DefaultDenyList.
func DefaultSafetyFilter() SafetyFilter {
	return NewSafetyFilter(DefaultDenyList...)
}

// Check reports whether raw may be executed. Blank commands are rejected.
func (f SafetyFilter) Check(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	lower := strings.ToLower(raw)
	for _, d := range f.deny {
		if strings.Contains(lower, d) {
			return false
		}
	}
	return true
}
