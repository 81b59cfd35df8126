// Package mode decides, once per process, whether the node runs in standard
// or lockdown mode.
package mode

import (
	"fmt"
	"strings"
)

// Mode is the operating mode of the node.
type Mode string

const (
	Standard Mode = "standard"
	Lockdown Mode = "lockdown"
)

// Rule names the detection step that decided the mode.
type Rule string

const (
	RuleOverride Rule = "override"
	RuleMarker   Rule = "marker"
	RuleProbe    Rule = "probe"
	RuleDefault  Rule = "default"
)

// Decision is the outcome of Detect.
type Decision struct {
	Mode   Mode   `json:"mode" yaml:"mode"`
	Rule   Rule   `json:"rule" yaml:"rule"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func (d Decision) String() string {
	if d.Detail == "" {
		return fmt.Sprintf("%s (%s)", d.Mode, d.Rule)
	}
	return fmt.Sprintf("%s (%s: %s)", d.Mode, d.Rule, d.Detail)
}

// IsLockdown reports whether m is Lockdown.
func (m Mode) IsLockdown() bool { return m == Lockdown }

// Parse reads a descriptor mode value. "auto" and "" yield ok=false, meaning
// no override.
func Parse(s string) (m Mode, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return "", false, nil
	case string(Standard):
		return Standard, true, nil
	case string(Lockdown):
		return Lockdown, true, nil
	}
	return "", false, fmt.Errorf("invalid mode %q (want auto, standard or lockdown)", s)
}

// markerMode scans an identity string for a mode word. Lockdown wins when
// both words appear.
func markerMode(s string) (Mode, bool) {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, string(Lockdown)):
		return Lockdown, true
	case strings.Contains(s, string(Standard)):
		return Standard, true
	}
	return "", false
}
