package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"grimm.is/enclave/internal/ctlplane"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func checkFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("unknown output format %q (want %s)", format, strings.Join(allowed, "|"))
}

// writeStructured encodes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q", format)
}

func printStatus(w io.Writer, st *ctlplane.Status) {
	Printer.Fprintf(w, "Mode:        %s (%s", st.Mode, st.ModeRule)
	if st.ModeDetail != "" {
		Printer.Fprintf(w, ": %s", st.ModeDetail)
	}
	Printer.Fprintf(w, ")\n")
	Printer.Fprintf(w, "Uplink:      %s\n", st.Uplink)
	Printer.Fprintf(w, "Kill switch: %s\n", onOff(st.KillSwitch))
	if st.AllowInterSegment {
		Printer.Fprintf(w, "Inter-segment traffic allowed\n")
	}
	Printer.Fprintf(w, "Ruleset:     %s", orDash(st.RulesetDigest))
	if !st.AppliedAt.IsZero() {
		Printer.Fprintf(w, " (applied %s ago, generation %s)", time.Since(st.AppliedAt).Round(time.Second), shortID(st.Generation))
	}
	Printer.Fprintf(w, "\n")
	if st.LastError != "" {
		Printer.Fprintf(w, "Last error:  %s\n", st.LastError)
	}

	Printer.Fprintf(w, "\nSegments:\n")
	Printer.Fprintf(w, "  %-10s %-11s %-14s %-16s %-10s %-8s %s\n", "NAME", "ROLE", "INTERFACE", "SUBNET", "TARGET", "TUNNEL", "ACTION")
	for _, s := range st.Segments {
		Printer.Fprintf(w, "  %-10s %-11s %-14s %-16s %-10s %-8s %s\n",
			s.Name, s.Role, s.Interface, s.Subnet, s.Target, orDash(s.TunnelHealth), s.Action)
	}

	if len(st.Tunnels) > 0 {
		Printer.Fprintf(w, "\nTunnels:\n")
		for _, t := range st.Tunnels {
			Printer.Fprintf(w, "  %-10s %-10s %-5s", t.Name, t.Kind, t.Health)
			if t.Peer != "" {
				Printer.Fprintf(w, " peer %s", t.Peer)
			}
			if t.Reason != "" {
				Printer.Fprintf(w, " (%s)", t.Reason)
			}
			Printer.Fprintf(w, "\n")
		}
	}

	if len(st.Leases) > 0 {
		Printer.Fprintf(w, "\nLeases (%d):\n", len(st.Leases))
		for _, l := range st.Leases {
			Printer.Fprintf(w, "  %-10s %-15s %s %s\n", l.Segment, l.IP, l.MAC, l.Hostname)
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orDash(id)
}
