package firewall

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func isValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// quote wraps s in double quotes unless it is a plain identifier.
func quote(s string) string {
	if isValidIdentifier(s) {
		return s
	}
	return forceQuote(s)
}

// forceQuote always quotes; interface names in nft matches must be strings.
func forceQuote(s string) string {
	return fmt.Sprintf("%q", s)
}

// ScriptBuilder accumulates nft commands for one table.
type ScriptBuilder struct {
	lines     []string
	tableName string
	family    string
}

// NewScriptBuilder creates a new script builder for the given table.
func NewScriptBuilder(tableName, family string) *ScriptBuilder {
	return &ScriptBuilder{
		tableName: tableName,
		family:    family,
		lines:     make([]string, 0, 64),
	}
}

// AddLine adds a raw nft command line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// ReplaceTable emits the add, delete, add sequence that swaps the whole
// table inside one nft transaction. The first add makes the delete valid
// when the table does not exist yet.
func (b *ScriptBuilder) ReplaceTable(comment string) {
	b.AddLine(fmt.Sprintf("add table %s %s", b.family, b.tableName))
	b.AddLine(fmt.Sprintf("delete table %s %s", b.family, b.tableName))
	if comment == "" {
		b.AddLine(fmt.Sprintf("add table %s %s", b.family, b.tableName))
		return
	}
	b.AddLine(fmt.Sprintf("add table %s %s { comment %q; }", b.family, b.tableName, comment))
}

// AddChain adds a base chain.
func (b *ScriptBuilder) AddChain(name, chainType, hook string, priority int, policy string) {
	policyStr := ""
	if policy != "" {
		policyStr = fmt.Sprintf(" policy %s;", policy)
	}
	b.AddLine(fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d;%s }",
		b.family, b.tableName, quote(name), chainType, hook, priority, policyStr))
}

// AddRule adds a rule to a chain. comment is optional.
func (b *ScriptBuilder) AddRule(chainName, ruleExpr string, comment ...string) {
	commentClause := ""
	if len(comment) > 0 && comment[0] != "" {
		commentClause = fmt.Sprintf(" comment %q", comment[0])
	}
	b.AddLine(fmt.Sprintf("add rule %s %s %s %s%s", b.family, b.tableName, quote(chainName), ruleExpr, commentClause))
}

// Build returns the complete script as a string.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

func (b *ScriptBuilder) String() string {
	return b.Build()
}

// Render serializes the ruleset as an nft script that atomically replaces
// the table. Equal rulesets render to identical bytes.
func Render(rs *Ruleset) string {
	sb := NewScriptBuilder(rs.Table, rs.Family)
	sb.ReplaceTable(fmt.Sprintf("%s mode", rs.Mode))
	for _, c := range rs.Chains {
		sb.AddChain(c.Name, c.Type, c.Hook, c.Priority, c.Policy)
	}
	for _, c := range rs.Chains {
		for _, r := range c.Rules {
			sb.AddRule(c.Name, RuleExpression(r), r.Comment)
		}
	}
	return sb.Build()
}

// RuleExpression renders one rule in nft syntax.
func RuleExpression(r Rule) string {
	var parts []string
	if r.IIF != "" {
		parts = append(parts, "iifname "+forceQuote(r.IIF))
	}
	if r.OIF != "" {
		parts = append(parts, "oifname "+forceQuote(r.OIF))
	}
	if r.SAddr.IsValid() {
		parts = append(parts, "ip saddr "+r.SAddr.String())
	}
	if r.DAddr.IsValid() {
		parts = append(parts, "ip daddr "+r.DAddr.String())
	}
	if r.Mark != 0 {
		parts = append(parts, fmt.Sprintf("meta mark 0x%08x", r.Mark))
	}
	if len(r.CTState) > 0 {
		parts = append(parts, "ct state "+strings.Join(r.CTState, ","))
	}
	if r.Proto != "" {
		parts = append(parts, "meta l4proto "+r.Proto)
	}
	switch r.Verdict {
	case VerdictMark:
		parts = append(parts, fmt.Sprintf("meta mark set 0x%08x", r.SetMark))
	default:
		parts = append(parts, string(r.Verdict))
	}
	return strings.Join(parts, " ")
}
