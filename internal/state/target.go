// Package state persists per-segment assignments.
//
// Each segment has one file under <state_dir>/assignments whose content is
// the assigned target: "direct", "blocked" or a tunnel name. Writes are
// durable before Set returns.
package state

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrUnknownSegment = errors.New("unknown segment")
	ErrUnknownTunnel  = errors.New("unknown tunnel")
	ErrInvalidTarget  = errors.New("invalid target")
	ErrStoreFatal     = errors.New("assignment store failure")
)

// Target is where a segment's traffic goes.
type Target string

const (
	Direct  Target = "direct"
	Blocked Target = "blocked"
)

// IsTunnel reports whether t names a tunnel.
func (t Target) IsTunnel() bool {
	return t != Direct && t != Blocked && t != ""
}

// Tunnel returns the tunnel name, or "" for direct and blocked.
func (t Target) Tunnel() string {
	if t.IsTunnel() {
		return string(t)
	}
	return ""
}

func (t Target) String() string { return string(t) }

// ParseTarget checks the syntax of a target. Tunnel names follow Linux
// interface naming: at most 15 bytes, no slashes or whitespace.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	t := Target(s)
	if !t.IsTunnel() {
		return t, nil
	}
	if len(s) > 15 {
		return "", fmt.Errorf("%w: %q is longer than an interface name", ErrInvalidTarget, s)
	}
	for _, r := range s {
		if r == '/' || r == ':' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidTarget, s)
		}
	}
	return t, nil
}
