package mode

import (
	"context"
	"os"
	"strings"
	"time"

	"grimm.is/enclave/internal/logging"
)

// DefaultIdentityFile is scanned for a mode marker before the host name.
const DefaultIdentityFile = "/etc/enclave/identity"

// DefaultProbeAddress is the management gateway of the lockdown address plan.
const DefaultProbeAddress = "10.99.1.1"

// Sources are the inputs Detect consults, in priority order.
type Sources struct {
	// Override is the descriptor mode value ("auto" or empty means none).
	Override string

	IdentityFile string
	Hostname     func() (string, error)

	ProbeAddress   string
	ProbeInterface string
	ProbeTimeout   time.Duration
	Prober         Prober

	Logger *logging.Logger
}

// Detect decides the mode. It never fails: an invalid override or a failed
// probe falls through to the next rule.
func Detect(ctx context.Context, src Sources) Decision {
	logger := src.Logger
	if logger == nil {
		logger = logging.WithComponent("mode")
	}

	if m, ok, err := Parse(src.Override); err != nil {
		logger.Warn("ignoring invalid mode override", "value", src.Override, "error", err)
	} else if ok {
		return Decision{Mode: m, Rule: RuleOverride}
	}

	identityFile := src.IdentityFile
	if identityFile == "" {
		identityFile = DefaultIdentityFile
	}
	if data, err := os.ReadFile(identityFile); err == nil {
		if m, ok := markerMode(string(data)); ok {
			return Decision{Mode: m, Rule: RuleMarker, Detail: identityFile}
		}
	} else if !os.IsNotExist(err) {
		logger.Debug("identity file unreadable", "path", identityFile, "error", err)
	}

	hostname := src.Hostname
	if hostname == nil {
		hostname = os.Hostname
	}
	if name, err := hostname(); err == nil {
		if m, ok := markerMode(name); ok {
			return Decision{Mode: m, Rule: RuleMarker, Detail: "hostname " + strings.TrimSpace(name)}
		}
	}

	if src.Prober != nil && src.ProbeInterface != "" {
		addr := src.ProbeAddress
		if addr == "" {
			addr = DefaultProbeAddress
		}
		timeout := clampProbeTimeout(src.ProbeTimeout)
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := src.Prober.Probe(pctx, addr, src.ProbeInterface, timeout)
		cancel()
		if err == nil {
			return Decision{Mode: Lockdown, Rule: RuleProbe, Detail: addr + " on " + src.ProbeInterface}
		}
		logger.Debug("lockdown probe failed", "address", addr, "interface", src.ProbeInterface, "error", err)
	}

	return Decision{Mode: Standard, Rule: RuleDefault}
}
