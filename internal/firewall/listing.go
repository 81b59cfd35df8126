package firewall

import (
	"fmt"
	"strings"
)

// priorityNames are the symbolic priorities nft prints when listing.
var priorityNames = map[int]string{
	PriorityMangle: "mangle",
	PriorityFilter: "filter",
	PrioritySrcNAT: "srcnat",
}

// RenderListing formats the ruleset the way `nft list table` prints a table,
// so the daemon's view can be diffed against the kernel's.
func RenderListing(rs *Ruleset) string {
	var b strings.Builder
	fmt.Fprintf(&b, "table %s %s {\n", rs.Family, rs.Table)
	fmt.Fprintf(&b, "\tcomment %q\n", fmt.Sprintf("%s mode", rs.Mode))
	for i, c := range rs.Chains {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "\tchain %s {\n", c.Name)
		fmt.Fprintf(&b, "\t\ttype %s hook %s priority %s;", c.Type, c.Hook, listingPriority(c.Priority))
		if c.Policy != "" {
			fmt.Fprintf(&b, " policy %s;", c.Policy)
		}
		b.WriteString("\n")
		for _, r := range c.Rules {
			line := RuleExpression(r)
			if r.Comment != "" {
				line += fmt.Sprintf(" comment %q", r.Comment)
			}
			fmt.Fprintf(&b, "\t\t%s\n", line)
		}
		b.WriteString("\t}\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func listingPriority(p int) string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("%d", p)
}
