//go:build linux

package firewall

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/nftables"
)

// NFTablesConn is the read side of nftables.Conn used for readback.
type NFTablesConn interface {
	ListTables() ([]*nftables.Table, error)
	ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
}

// Readback confirms that the kernel holds the ruleset's table with exactly
// its chains and the expected number of rules in each.
func Readback(conn NFTablesConn, rs *Ruleset) error {
	tables, err := conn.ListTables()
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	var table *nftables.Table
	for _, t := range tables {
		if t.Name == rs.Table && t.Family == nftables.TableFamilyINet {
			table = t
			break
		}
	}
	if table == nil {
		return fmt.Errorf("table %s %s not found", rs.Family, rs.Table)
	}

	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return fmt.Errorf("list chains: %w", err)
	}
	got := make(map[string]*nftables.Chain)
	for _, c := range chains {
		if c.Table != nil && c.Table.Name == rs.Table {
			got[c.Name] = c
		}
	}

	var problems []string
	for _, want := range rs.Chains {
		c, ok := got[want.Name]
		if !ok {
			problems = append(problems, "missing chain "+want.Name)
			continue
		}
		delete(got, want.Name)
		// Passing a nil chain to GetRules dereferences it.
		rules, err := conn.GetRules(table, c)
		if err != nil {
			problems = append(problems, fmt.Sprintf("chain %s: %v", want.Name, err))
			continue
		}
		if len(rules) != len(want.Rules) {
			problems = append(problems, fmt.Sprintf("chain %s has %d rules, want %d", want.Name, len(rules), len(want.Rules)))
		}
	}
	extra := make([]string, 0, len(got))
	for name := range got {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	for _, name := range extra {
		problems = append(problems, "unexpected chain "+name)
	}

	if len(problems) > 0 {
		return fmt.Errorf("readback: %s", strings.Join(problems, "; "))
	}
	return nil
}

// KernelReadback runs Readback against the running kernel.
func KernelReadback(rs *Ruleset) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("open nftables: %w", err)
	}
	return Readback(conn, rs)
}
