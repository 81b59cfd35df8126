package firewall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/enclave/internal/logging"
)

// DefaultApplyTimeout bounds one nft invocation.
const DefaultApplyTimeout = 10 * time.Second

// Applier installs rulesets with nft and remembers the live script.
//
// The live script changes only when nft accepted the new one, so a rejected
// or failed apply leaves both the kernel and Live untouched.
type Applier struct {
	runner   CommandRunner
	timeout  time.Duration
	logger   *logging.Logger
	readback func(*Ruleset) error
	observe  func(err error, took time.Duration)

	mu         sync.Mutex
	live       string
	generation string
	appliedAt  time.Time
}

// NewApplier creates an applier. A nil runner uses DefaultCommandRunner.
func NewApplier(runner CommandRunner, timeout time.Duration, logger *logging.Logger) *Applier {
	if runner == nil {
		runner = DefaultCommandRunner
	}
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Applier{
		runner:  runner,
		timeout: timeout,
		logger:  logger.WithComponent("firewall"),
	}
}

// SetReadback installs a post-apply check. Its failure is logged, not returned:
// nft already committed the transaction.
func (a *Applier) SetReadback(fn func(*Ruleset) error) {
	a.readback = fn
}

// SetObserver installs a callback invoked after every apply attempt.
func (a *Applier) SetObserver(fn func(err error, took time.Duration)) {
	a.observe = fn
}

// Apply checks the rendered script with nft -c and then installs it with
// nft -f. Each step is bounded by the apply timeout; exceeding it returns
// ErrApplyHung.
func (a *Applier) Apply(ctx context.Context, rs *Ruleset) (err error) {
	script := Render(rs)
	start := time.Now()
	defer func() {
		if a.observe != nil {
			a.observe(err, time.Since(start))
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.nft(ctx, script, "-c", "-f", "-"); err != nil {
		a.logger.Error("ruleset rejected by nft check", "digest", ScriptDigest(script), "error", err)
		return fmt.Errorf("check ruleset: %w", err)
	}
	if err := a.nft(ctx, script, "-f", "-"); err != nil {
		a.logger.Error("ruleset apply failed", "digest", ScriptDigest(script), "error", err)
		return fmt.Errorf("apply ruleset: %w", err)
	}

	a.live = script
	a.generation = uuid.NewString()
	a.appliedAt = time.Now()
	a.logger.Info("ruleset applied",
		"mode", rs.Mode,
		"digest", ScriptDigest(script),
		"generation", a.generation,
		"took", time.Since(start).Round(time.Millisecond))

	if a.readback != nil {
		if err := a.readback(rs); err != nil {
			a.logger.Warn("ruleset readback mismatch", "generation", a.generation, "error", err)
		}
	}
	return nil
}

func (a *Applier) nft(ctx context.Context, script string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.runner.RunInput(ctx, script, "nft", args...)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: nft %v after %s", ErrApplyHung, args, a.timeout)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: nft %v after %s", ErrApplyHung, args, a.timeout)
		}
		return ctx.Err()
	}
}

// Live returns the last script nft accepted, or "" before the first apply.
func (a *Applier) Live() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Generation identifies the live ruleset instance.
func (a *Applier) Generation() (id string, appliedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation, a.appliedAt
}

// Kernel returns the table as nft currently lists it.
func (a *Applier) Kernel(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	out, err := a.runner.Output(ctx, "nft", "list", "table", TableFamily, TableName)
	if err != nil {
		return "", fmt.Errorf("list table %s %s: %w", TableFamily, TableName, err)
	}
	return string(out), nil
}
