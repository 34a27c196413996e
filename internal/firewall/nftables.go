// Package firewall mutates the nftables allow-set that admits game traffic from granted addresses.
package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMutationFailed is returned when neither replace nor add could update the allow-set.
	ErrMutationFailed = errors.New("firewall_mutation_failed")
	// ErrInvalidTTL is returned when the effective ttl is not positive.
	ErrInvalidTTL = errors.New("invalid_ttl")
)

// Grant is one allow-set entry request. It is never persisted.
type Grant struct {
	IP  string
	TTL int
}

// Runner executes one command and returns its combined stderr on failure.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args, killing it when ctx is done.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Config names the allow-set and bounds every mutation.
type Config struct {
	Bin     string
	Family  string
	Table   string
	Set     string
	MaxTTL  int
	Timeout time.Duration
}

// NFTables applies grants to a single nftables set.
type NFTables struct {
	cfg    Config
	runner Runner
}

// NewNFTables returns an adapter for cfg. A nil runner uses ExecRunner.
func NewNFTables(cfg Config, runner Runner) *NFTables {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &NFTables{cfg: cfg, runner: runner}
}

// ClampTTL bounds ttl by the configured ceiling.
func (n *NFTables) ClampTTL(ttl int) int {
	if n.cfg.MaxTTL > 0 && ttl > n.cfg.MaxTTL {
		return n.cfg.MaxTTL
	}
	return ttl
}

// Apply refreshes or inserts the entry for g.IP with the clamped ttl. It tries "replace element"
// first so an existing entry only gets its timeout reset, then falls back to "add element".
// Each attempt is bounded by the configured timeout. Failures are not retried.
func (n *NFTables) Apply(ctx context.Context, g Grant) error {
	ttl := n.ClampTTL(g.TTL)
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	element := "{ " + g.IP + " timeout " + strconv.Itoa(ttl) + "s }"

	replaceErr := n.mutate(ctx, "replace", element)
	if replaceErr == nil {
		return nil
	}
	addErr := n.mutate(ctx, "add", element)
	if addErr == nil {
		return nil
	}
	return fmt.Errorf("%w: replace: %v; add: %v", ErrMutationFailed, replaceErr, addErr)
}

func (n *NFTables) mutate(ctx context.Context, verb, element string) error {
	runCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	return n.runner.Run(runCtx, n.cfg.Bin, verb, "element", n.cfg.Family, n.cfg.Table, n.cfg.Set, element)
}
