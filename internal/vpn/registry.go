package vpn

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"

	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/network"
)

// DefaultHealthTimeout bounds each health check.
const DefaultHealthTimeout = 2 * time.Second

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Dir           string
	Prefixes      Prefixes
	HealthTimeout time.Duration
	Netlinker     network.Netlinker
	// WireGuard overrides the wgctrl client. Nil opens one with wgctrl.New.
	WireGuard WireGuardClient
	Logger    *logging.Logger
}

// Registry discovers tunnels and checks their health.
type Registry struct {
	dir           string
	prefixes      Prefixes
	healthTimeout time.Duration
	nl            network.Netlinker
	wg            WireGuardClient
	logger        *logging.Logger
}

// NewRegistry creates a registry. Failure to open wgctrl is not fatal:
// WireGuard tunnels then report down.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		dir:           cfg.Dir,
		prefixes:      cfg.Prefixes,
		healthTimeout: cfg.HealthTimeout,
		nl:            cfg.Netlinker,
		wg:            cfg.WireGuard,
		logger:        cfg.Logger,
	}
	if r.logger == nil {
		r.logger = logging.WithComponent("vpn")
	}
	if r.nl == nil {
		r.nl = network.DefaultNetlinker
	}
	if len(r.prefixes.WireGuard) == 0 && len(r.prefixes.OpenVPN) == 0 {
		r.prefixes = DefaultPrefixes()
	}
	if r.healthTimeout <= 0 {
		r.healthTimeout = DefaultHealthTimeout
	}
	if r.wg == nil {
		if c, err := wgctrl.New(); err == nil {
			r.wg = c
		} else {
			r.logger.Warn("wgctrl unavailable, wireguard health will report down", "error", err)
		}
	}
	return r
}

// Close releases the wgctrl client.
func (r *Registry) Close() error {
	if r.wg != nil {
		return r.wg.Close()
	}
	return nil
}

// Dir returns the tunnel config directory.
func (r *Registry) Dir() string { return r.dir }

// IsTunnelInterface reports whether name carries a recognized tunnel prefix.
func (r *Registry) IsTunnelInterface(name string) bool {
	_, ok := r.prefixes.KindOf(name)
	return ok
}

// discover returns the union of config-directory entries and present links
// with a recognized prefix, without health.
func (r *Registry) discover() map[string]Tunnel {
	found := make(map[string]Tunnel)

	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to read tunnel directory", "dir", r.dir, "error", err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			ext := filepath.Ext(e.Name())
			name := strings.TrimSuffix(e.Name(), ext)
			if !validInterfaceName(name) {
				continue
			}
			var kind Kind
			switch ext {
			case ".ovpn":
				kind = KindOpenVPN
			case ".conf":
				kind = KindWireGuard
				if k, ok := r.prefixes.KindOf(name); ok {
					kind = k
				}
			default:
				continue
			}
			found[name] = Tunnel{
				Name:       name,
				Interface:  name,
				Kind:       kind,
				ConfigPath: filepath.Join(r.dir, e.Name()),
			}
		}
	}

	links, err := r.nl.LinkList()
	if err != nil {
		r.logger.Warn("failed to list links", "error", err)
	}
	for _, link := range links {
		name := link.Attrs().Name
		kind, ok := r.prefixes.KindOf(name)
		if !ok {
			continue
		}
		if _, seen := found[name]; seen {
			continue
		}
		found[name] = Tunnel{Name: name, Interface: name, Kind: kind}
	}
	return found
}

// Known reports whether name is a known tunnel right now.
func (r *Registry) Known(name string) bool {
	_, ok := r.discover()[name]
	return ok
}

// List returns every known tunnel with fresh health, sorted by name.
func (r *Registry) List(ctx context.Context) ([]Tunnel, error) {
	found := r.discover()
	out := make([]Tunnel, 0, len(found))
	for _, t := range found {
		out = append(out, r.withHealth(ctx, t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, ctx.Err()
}

// Lookup returns one tunnel with fresh health.
func (r *Registry) Lookup(ctx context.Context, name string) (Tunnel, bool) {
	t, ok := r.discover()[name]
	if !ok {
		return Tunnel{}, false
	}
	return r.withHealth(ctx, t), true
}

// Health checks one tunnel. Unknown tunnels are down.
func (r *Registry) Health(ctx context.Context, name string) Health {
	t, ok := r.Lookup(ctx, name)
	if !ok {
		return HealthDown
	}
	return t.Health
}

func (r *Registry) withHealth(ctx context.Context, t Tunnel) Tunnel {
	res := checkHealth(ctx, r.nl, r.wg, t.Interface, t.Kind, r.healthTimeout)
	t.Health = res.health
	t.Peer = res.peer
	t.Reason = res.reason
	return t
}
