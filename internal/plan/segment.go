package plan

import (
	"fmt"
	"sort"
)

// Role classifies a segment for isolation purposes.
type Role string

const (
	RoleManagement Role = "management"
	RoleShared     Role = "shared"
	RoleIsolated   Role = "isolated"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleManagement, RoleShared, RoleIsolated:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// Segment is one isolated internal network.
type Segment struct {
	Name          string `json:"name" yaml:"name"`
	Index         int    `json:"index" yaml:"index"`
	Role          Role   `json:"role" yaml:"role"`
	Interface     string `json:"interface" yaml:"interface"`
	DefaultTarget string `json:"default_target" yaml:"default_target"`
}

// Default target words. Any other target names a tunnel.
const (
	TargetDirect  = "direct"
	TargetBlocked = "blocked"
)

// DefaultSegments is the built-in segment set used when the descriptor
// declares none.
func DefaultSegments() []Segment {
	return []Segment{
		{Name: "mgmt", Index: 1, Role: RoleManagement, Interface: "lan-mgmt", DefaultTarget: TargetBlocked},
		{Name: "pentest", Index: 2, Role: RoleIsolated, Interface: "lan-pentest", DefaultTarget: TargetBlocked},
		{Name: "office", Index: 3, Role: RoleIsolated, Interface: "lan-office", DefaultTarget: TargetBlocked},
		{Name: "browse", Index: 4, Role: RoleIsolated, Interface: "lan-browse", DefaultTarget: TargetBlocked},
		{Name: "dev", Index: 5, Role: RoleIsolated, Interface: "lan-dev", DefaultTarget: TargetDirect},
		{Name: "shared", Index: 6, Role: RoleShared, Interface: "lan-shared", DefaultTarget: TargetBlocked},
	}
}

// SortByIndex orders segments by index in place.
func SortByIndex(segs []Segment) {
	sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })
}
