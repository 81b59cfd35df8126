package ctlplane

import (
	"time"
)

// Empty is used for RPC calls that take or return nothing.
type Empty struct{}

// SegmentStatus is one segment as the operator sees it.
type SegmentStatus struct {
	Name      string `json:"name" yaml:"name"`
	Role      string `json:"role" yaml:"role"`
	Interface string `json:"interface" yaml:"interface"`
	Subnet    string `json:"subnet" yaml:"subnet"`
	Gateway   string `json:"gateway" yaml:"gateway"`
	Mark      uint32 `json:"mark,omitempty" yaml:"mark,omitempty"`
	Table     int    `json:"table,omitempty" yaml:"table,omitempty"`

	Target string `json:"target" yaml:"target"`
	// TunnelHealth is set only when Target names a tunnel.
	TunnelHealth string `json:"tunnel_health,omitempty" yaml:"tunnel_health,omitempty"`
	Action       string `json:"action" yaml:"action"`
	Blocked      bool   `json:"blocked" yaml:"blocked"`
}

// TunnelStatus is one known tunnel.
type TunnelStatus struct {
	Name      string `json:"name" yaml:"name"`
	Interface string `json:"interface" yaml:"interface"`
	Kind      string `json:"kind" yaml:"kind"`
	Health    string `json:"health" yaml:"health"`
	Peer      string `json:"peer,omitempty" yaml:"peer,omitempty"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// LeaseStatus is an address handed out by the built-in DHCP server.
type LeaseStatus struct {
	Segment  string    `json:"segment" yaml:"segment"`
	MAC      string    `json:"mac" yaml:"mac"`
	IP       string    `json:"ip" yaml:"ip"`
	Hostname string    `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Expires  time.Time `json:"expires" yaml:"expires"`
}

// Status is the full node state returned by the Status RPC.
type Status struct {
	Version    string `json:"version" yaml:"version"`
	Mode       string `json:"mode" yaml:"mode"`
	ModeRule   string `json:"mode_rule" yaml:"mode_rule"`
	ModeDetail string `json:"mode_detail,omitempty" yaml:"mode_detail,omitempty"`

	Uplink            string `json:"uplink" yaml:"uplink"`
	KillSwitch        bool   `json:"kill_switch" yaml:"kill_switch"`
	AllowInterSegment bool   `json:"allow_inter_segment" yaml:"allow_inter_segment"`

	RulesetDigest string    `json:"ruleset_digest" yaml:"ruleset_digest"`
	Generation    string    `json:"generation" yaml:"generation"`
	AppliedAt     time.Time `json:"applied_at" yaml:"applied_at"`
	// LastError is the most recent recompute failure, cleared by the next
	// successful apply.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	Segments []SegmentStatus `json:"segments" yaml:"segments"`
	Tunnels  []TunnelStatus  `json:"tunnels" yaml:"tunnels"`
	Leases   []LeaseStatus   `json:"leases,omitempty" yaml:"leases,omitempty"`
}

// Segment returns the named segment entry.
func (s *Status) Segment(name string) (SegmentStatus, bool) {
	for _, seg := range s.Segments {
		if seg.Name == name {
			return seg, true
		}
	}
	return SegmentStatus{}, false
}

// GetStatusReply is the reply for Status.
type GetStatusReply struct {
	Status Status
}

// AssignArgs are the arguments for Assign.
type AssignArgs struct {
	Segment string
	Target  string
}

// AssignReply carries the segment as it is after the new ruleset is live.
type AssignReply struct {
	Segment SegmentStatus
}

// TunnelArgs name a tunnel for Connect and Disconnect.
type TunnelArgs struct {
	Name string
}

// RulesetReply is the live ruleset in both script and listing form, plus
// what the kernel currently holds.
type RulesetReply struct {
	Script     string    `json:"script"`
	Listing    string    `json:"listing"`
	Digest     string    `json:"digest"`
	Generation string    `json:"generation"`
	AppliedAt  time.Time `json:"applied_at"`

	Kernel      string `json:"kernel,omitempty"`
	KernelError string `json:"kernel_error,omitempty"`
}
