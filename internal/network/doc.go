// Package network programs the kernel routing state of the node via netlink.
//
// # Key Components
//
//   - [Netlinker]: mockable netlink surface
//   - [PolicyRouter]: one fwmark-keyed routing table per policy-routed segment
//   - [DetectUplink]: picks the uplink interface from the main table
//   - [EnableForwarding]: IPv4 forwarding sysctl
//
// Every enclave rule and table is derived from the address plan: table
// 100+index, rule priority 1000+index, fwmark 0x0500+index. Applying the same
// inputs twice changes nothing.
package network
