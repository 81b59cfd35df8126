// Package ctlplane owns the running node's mutable state and exposes it over
// an RPC socket.
//
// A single Controller goroutine owns the assignment store and the live
// ruleset. Assignments, status queries, tunnel connect/disconnect, tunnel
// directory changes and health transitions are submitted to it as requests
// and handled one at a time. Every change that can alter the effective action
// of a segment goes through the same recompute path: synthesize, validate,
// apply the ruleset, then reprogram policy routing.
//
// The CLI talks to the controller through Client, which speaks net/rpc over
// the Unix socket returned by brand.GetSocketPath.
package ctlplane
