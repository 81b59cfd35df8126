package vpn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"

	"grimm.is/enclave/internal/logging"
)

// DefaultConnectTimeout bounds the wait for an interface to appear or vanish.
const DefaultConnectTimeout = 20 * time.Second

// CommandRunner runs an external tool.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run runs a command and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Connector brings tunnels up and down with their own tools.
type Connector struct {
	registry *Registry
	runner   CommandRunner
	runDir   string
	timeout  time.Duration
	logger   *logging.Logger

	// signal delivers a signal to a pid; replaced in tests.
	signal func(pid int, sig unix.Signal) error
	// backOff builds the wait schedule; replaced in tests.
	backOff func() backoff.BackOff
}

// NewConnector creates a connector. runDir holds OpenVPN pid files.
func NewConnector(registry *Registry, runner CommandRunner, runDir string, timeout time.Duration, logger *logging.Logger) *Connector {
	if runner == nil {
		runner = ExecRunner{}
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = logging.WithComponent("vpn")
	}
	return &Connector{
		registry: registry,
		runner:   runner,
		runDir:   runDir,
		timeout:  timeout,
		logger:   logger,
		signal:   unix.Kill,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

func (c *Connector) pidFile(name string) string {
	return filepath.Join(c.runDir, "openvpn-"+name+".pid")
}

func (c *Connector) configured(name string) (Tunnel, error) {
	t, ok := c.registry.discover()[name]
	if !ok {
		return Tunnel{}, fmt.Errorf("%w: %q", ErrUnknownTunnel, name)
	}
	if t.ConfigPath == "" {
		return Tunnel{}, fmt.Errorf("%w: %q", ErrNoConfig, name)
	}
	return t, nil
}

// Connect starts a tunnel and waits for its interface to appear.
func (c *Connector) Connect(ctx context.Context, name string) error {
	t, err := c.configured(name)
	if err != nil {
		return err
	}
	if c.linkPresent(name) {
		c.logger.Info("tunnel interface already present", "tunnel", name)
		return nil
	}

	switch t.Kind {
	case KindWireGuard:
		_, err = c.runner.Run(ctx, "wg-quick", "up", t.ConfigPath)
	case KindOpenVPN:
		if err := os.MkdirAll(c.runDir, 0755); err != nil {
			return fmt.Errorf("create run dir: %w", err)
		}
		_, err = c.runner.Run(ctx, "openvpn",
			"--config", t.ConfigPath,
			"--dev", name,
			"--daemon", "enclave-"+name,
			"--writepid", c.pidFile(name))
	default:
		return fmt.Errorf("connect %s: unsupported kind %q", name, t.Kind)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}

	if err := c.waitLink(ctx, name, true); err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	c.logger.Info("tunnel connected", "tunnel", name, "kind", t.Kind)
	return nil
}

// Disconnect stops a tunnel and waits for its interface to vanish.
func (c *Connector) Disconnect(ctx context.Context, name string) error {
	t, err := c.configured(name)
	if err != nil {
		return err
	}
	if !c.linkPresent(name) {
		return nil
	}

	switch t.Kind {
	case KindWireGuard:
		if _, err := c.runner.Run(ctx, "wg-quick", "down", t.ConfigPath); err != nil {
			return fmt.Errorf("disconnect %s: %w", name, err)
		}
	case KindOpenVPN:
		if err := c.stopOpenVPN(name); err != nil {
			return fmt.Errorf("disconnect %s: %w", name, err)
		}
	default:
		return fmt.Errorf("disconnect %s: unsupported kind %q", name, t.Kind)
	}

	if err := c.waitLink(ctx, name, false); err != nil {
		return fmt.Errorf("disconnect %s: %w", name, err)
	}
	c.logger.Info("tunnel disconnected", "tunnel", name)
	return nil
}

func (c *Connector) stopOpenVPN(name string) error {
	path := c.pidFile(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 1 {
		return fmt.Errorf("bad pid file %s", path)
	}
	if err := c.signal(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal openvpn %d: %w", pid, err)
	}
	_ = os.Remove(path)
	return nil
}

func (c *Connector) linkPresent(name string) bool {
	_, err := c.registry.nl.LinkByName(name)
	return err == nil
}

var errLinkPending = errors.New("interface not in expected state")

func (c *Connector) waitLink(ctx context.Context, name string, present bool) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if c.linkPresent(name) == present {
			return struct{}{}, nil
		}
		return struct{}{}, errLinkPending
	}, backoff.WithBackOff(c.backOff()), backoff.WithMaxElapsedTime(c.timeout))
	if err != nil {
		state := "appear"
		if !present {
			state = "disappear"
		}
		return fmt.Errorf("interface %s did not %s within %s: %w", name, state, c.timeout, err)
	}
	return nil
}
