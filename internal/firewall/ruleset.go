package firewall

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"

	"grimm.is/enclave/internal/brand"
	"grimm.is/enclave/internal/mode"
)

// Table identity.
var (
	TableName   = brand.LowerName
	TableFamily = "inet"
)

// Chain names.
const (
	ChainInput       = "input"
	ChainMark        = "mark"
	ChainForward     = "forward"
	ChainPostrouting = "postrouting"
)

// Hook priorities as nft numbers.
const (
	PriorityMangle = -150
	PriorityFilter = 0
	PrioritySrcNAT = 100
)

// Verdict is the terminal statement of a rule.
type Verdict string

const (
	VerdictAccept     Verdict = "accept"
	VerdictDrop       Verdict = "drop"
	VerdictMasquerade Verdict = "masquerade"
	VerdictMark       Verdict = "mark"
)

// Connection tracking states.
const (
	CTEstablished = "established"
	CTRelated     = "related"
	CTInvalid     = "invalid"
)

// Match selects packets. Zero fields do not constrain.
type Match struct {
	IIF     string       `json:"iif,omitempty"`
	OIF     string       `json:"oif,omitempty"`
	SAddr   netip.Prefix `json:"saddr,omitzero"`
	DAddr   netip.Prefix `json:"daddr,omitzero"`
	Mark    uint32       `json:"mark,omitempty"`
	CTState []string     `json:"ct_state,omitempty"`
	Proto   string       `json:"proto,omitempty"`
}

// Rule is one match plus verdict. SetMark is only used by VerdictMark.
type Rule struct {
	Match
	Verdict Verdict `json:"verdict"`
	SetMark uint32  `json:"set_mark,omitempty"`
	Comment string  `json:"comment,omitempty"`
}

// Chain is a base chain of the table.
type Chain struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Hook     string `json:"hook"`
	Priority int    `json:"priority"`
	Policy   string `json:"policy,omitempty"`
	Rules    []Rule `json:"rules"`
}

func (c *Chain) add(r Rule) {
	c.Rules = append(c.Rules, r)
}

// Ruleset is the complete content of the enclave table.
type Ruleset struct {
	Mode   mode.Mode `json:"mode"`
	Table  string    `json:"table"`
	Family string    `json:"family"`
	Chains []*Chain  `json:"chains"`
}

// Chain returns the named chain, or nil.
func (r *Ruleset) Chain(name string) *Chain {
	for _, c := range r.Chains {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChainNames lists chains in construction order.
func (r *Ruleset) ChainNames() []string {
	names := make([]string, len(r.Chains))
	for i, c := range r.Chains {
		names[i] = c.Name
	}
	return names
}

// Digest is a short content hash of the rendered script.
func (r *Ruleset) Digest() string {
	return ScriptDigest(Render(r))
}

// ScriptDigest hashes a rendered script.
func ScriptDigest(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:6])
}
