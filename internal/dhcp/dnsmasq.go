package dhcp

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/enclave/internal/brand"
)

// RenderDnsmasq renders scopes as a dnsmasq configuration fragment. Each
// scope is tagged with its segment name so options never leak between
// segments.
func RenderDnsmasq(scopes []Scope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Generated by %s. Changes are overwritten.\n", brand.BinaryName)
	b.WriteString("bind-dynamic\n")
	b.WriteString("dhcp-authoritative\n")
	for _, s := range scopes {
		mask := net.IP(net.CIDRMask(s.Subnet.Bits(), 32)).String()
		dns := make([]string, len(s.DNS))
		for i, d := range s.DNS {
			dns[i] = d.String()
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "# segment %s\n", s.Segment)
		fmt.Fprintf(&b, "interface=%s\n", s.Interface)
		fmt.Fprintf(&b, "dhcp-range=set:%s,%s,%s,%s,%s\n", s.Segment, s.RangeStart, s.RangeEnd, mask, dnsmasqDuration(s.LeaseTime))
		fmt.Fprintf(&b, "dhcp-option=tag:%s,option:router,%s\n", s.Segment, s.Router)
		if len(dns) > 0 {
			fmt.Fprintf(&b, "dhcp-option=tag:%s,option:dns-server,%s\n", s.Segment, strings.Join(dns, ","))
		}
		if s.Domain != "" {
			fmt.Fprintf(&b, "dhcp-option=tag:%s,option:domain-name,%s\n", s.Segment, s.Domain)
		}
	}
	return b.String()
}

func dnsmasqDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%d", int64(d/time.Second))
	}
}

// WriteDnsmasq writes the rendered scopes to path when the content differs.
// It reports whether the file changed.
func WriteDnsmasq(path string, scopes []Scope) (bool, error) {
	content := []byte(RenderDnsmasq(scopes))
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dnsmasq-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, fmt.Errorf("install %s: %w", path, err)
	}
	return true, nil
}
