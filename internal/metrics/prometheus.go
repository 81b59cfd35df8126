// Package metrics exposes control plane state to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/enclave/internal/firewall"
)

const namespace = "enclave"

// Apply results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultHung     = "hung"
)

// Registry holds all control plane metrics.
type Registry struct {
	reg *prometheus.Registry

	// Ruleset metrics
	Applies       *prometheus.CounterVec
	ApplyDuration prometheus.Histogram
	Rules         *prometheus.GaugeVec
	LastApply     prometheus.Gauge

	// Segment and tunnel state
	SegmentBlocked    *prometheus.GaugeVec
	TunnelUp          *prometheus.GaugeVec
	TunnelTransitions *prometheus.CounterVec
	Assignments       *prometheus.CounterVec

	// DHCP
	DHCPLeases *prometheus.GaugeVec

	ModeInfo *prometheus.GaugeVec
}

// New creates a registry with the Go and process collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		Applies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ruleset_applies_total",
			Help:      "Ruleset apply attempts by result",
		}, []string{"result"}),

		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ruleset_apply_duration_seconds",
			Help:      "Time spent checking and applying a ruleset",
			Buckets:   prometheus.DefBuckets,
		}),

		Rules: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ruleset_rules",
			Help:      "Rules per chain in the live ruleset",
		}, []string{"chain"}),

		LastApply: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ruleset_last_apply_timestamp_seconds",
			Help:      "Unix time of the last successful apply",
		}),

		SegmentBlocked: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segment_blocked",
			Help:      "1 when the segment's effective action is blocked",
		}, []string{"segment"}),

		TunnelUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_up",
			Help:      "1 when the tunnel passed its last health check",
		}, []string{"tunnel"}),

		TunnelTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_transitions_total",
			Help:      "Tunnel health transitions",
		}, []string{"tunnel", "health"}),

		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Assignment requests by result",
		}, []string{"result"}),

		DHCPLeases: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dhcp_leases",
			Help:      "Active leases served by the built-in DHCP server",
		}, []string{"segment"}),

		ModeInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode_info",
			Help:      "Operating mode and the detection rule that chose it",
		}, []string{"mode", "rule"}),
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordApply records one apply attempt.
func (r *Registry) RecordApply(err error, took time.Duration) {
	result := ResultOK
	switch {
	case errors.Is(err, firewall.ErrApplyHung):
		result = ResultHung
	case err != nil:
		result = ResultRejected
	default:
		r.LastApply.SetToCurrentTime()
	}
	r.Applies.WithLabelValues(result).Inc()
	r.ApplyDuration.Observe(took.Seconds())
}

// RecordRuleset publishes per-chain rule counts of the live ruleset.
func (r *Registry) RecordRuleset(rs *firewall.Ruleset) {
	r.Rules.Reset()
	for _, c := range rs.Chains {
		r.Rules.WithLabelValues(c.Name).Set(float64(len(c.Rules)))
	}
}

// RecordAssignment counts an assignment request.
func (r *Registry) RecordAssignment(err error) {
	if err != nil {
		r.Assignments.WithLabelValues("rejected").Inc()
		return
	}
	r.Assignments.WithLabelValues(ResultOK).Inc()
}

// SetSegmentBlocked publishes a segment's effective action.
func (r *Registry) SetSegmentBlocked(segment string, blocked bool) {
	r.SegmentBlocked.WithLabelValues(segment).Set(boolFloat(blocked))
}

// SetTunnelUp publishes a tunnel's health and counts transitions.
func (r *Registry) SetTunnelUp(tunnel string, up, transition bool) {
	r.TunnelUp.WithLabelValues(tunnel).Set(boolFloat(up))
	if transition {
		health := "down"
		if up {
			health = "up"
		}
		r.TunnelTransitions.WithLabelValues(tunnel, health).Inc()
	}
}

// SetMode publishes the mode decision.
func (r *Registry) SetMode(mode, rule string) {
	r.ModeInfo.Reset()
	r.ModeInfo.WithLabelValues(mode, rule).Set(1)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
