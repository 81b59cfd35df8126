// Package firewall synthesizes and installs the packet filter for the
// segmented routing node.
//
// # Overview
//
// The ruleset is never patched. Every change recomputes the whole table from
// the current mode, address plan, assignments and tunnel health, and swaps
// it in with a single nft transaction.
//
// # Architecture
//
//	Input → Synthesize → Ruleset → Validate → Render → Applier → Kernel
//	                                                       ↓
//	                                                   Readback
//
// # Key Types
//
//   - [Ruleset]: typed chains of typed rules for table inet enclave
//   - [Input]: everything the ruleset is derived from
//   - [ScriptBuilder]: builder for the nft script emitted by [Render]
//   - [Applier]: checks with nft -c, applies with nft -f, keeps the live script
//
// # Chains
//
//   - input: traffic to the node itself (policy drop)
//   - mark: lockdown only, stamps each policy-routed segment with its fwmark
//   - forward: segment isolation, blocked segments, tunnel and uplink egress (policy drop)
//   - postrouting: masquerade on tunnels and the uplink
package firewall
