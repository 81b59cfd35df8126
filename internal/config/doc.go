// Package config handles the boot-time descriptor.
//
// # Overview
//
// The descriptor is HCL (or JSON, chosen by file extension) and is consumed
// once at startup. Missing values are filled by [Config.ApplyDefaults];
// [Config.Validate] reports every problem at once as [ValidationErrors].
//
// # Blocks
//
//   - addressing: per-mode /16 bases
//   - detection: identity file and lockdown probe
//   - tunnels: interface prefixes and tunnel timeouts
//   - segment "<name>": index, role, interface and default target
//   - dhcp: dnsmasq rendering or the built-in server
//   - metrics: Prometheus listener
//   - log: level and format
//
// Example:
//
//	mode        = "auto"
//	kill_switch = true
//
//	segment "pentest" {
//	  index   = 2
//	  default = "wg0"
//	}
package config
