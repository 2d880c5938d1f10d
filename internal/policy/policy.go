// Package policy implements the command parser and policy evaluator:
// it decides whether a submitted line may be forwarded to a remote
// shell, by matching its base commands against glob allow/deny rules.
//
// The decision rule is grounded on the command-filter logic of the
// admin-mit-backend original (app/services/command_filter_service.py)
// re-expressed in the idiom of gravitational/trace + sirupsen/logrus
// used throughout lib/srv.
package policy

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
	"github.com/sirupsen/logrus"
)

// Mode selects how a RuleSet's patterns are interpreted.
type Mode string

const (
	// Allowlist requires every base command to match an allow pattern.
	Allowlist Mode = "allowlist"
	// Denylist blocks the submission on the first matching deny pattern.
	Denylist Mode = "denylist"
)

// Scope identifies whether a RuleSet is a global default or a
// host-specific override.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeHost   Scope = "host"
)

// RuleSet is the policy configuration in force for a host or tenant.
// It is consumed as data; loading it from storage or a config file is
// an external collaborator's responsibility.
type RuleSet struct {
	Scope         Scope    `json:"scope" yaml:"scope"`
	HostID        string   `json:"host_id,omitempty" yaml:"host_id,omitempty"`
	TenantID      string   `json:"tenant_id" yaml:"tenant_id"`
	Mode          Mode     `json:"mode" yaml:"mode"`
	AllowPatterns []string `json:"allow_patterns,omitempty" yaml:"allow_patterns,omitempty"`
	DenyPatterns  []string `json:"deny_patterns,omitempty" yaml:"deny_patterns,omitempty"`
	Active        bool     `json:"active" yaml:"active"`
}

// Resolver looks up the host-specific override (if any) and the
// tenant's global default RuleSet. Either may be nil if none exists.
// This is an external collaborator: resolving rule sets from durable
// storage is out of scope for the evaluator itself.
type Resolver func(ctx context.Context, hostID, tenantID string) (host *RuleSet, global *RuleSet, err error)

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	// Resolve fetches the applicable rule sets for a host/tenant pair.
	Resolve Resolver
	// DefaultDenylist is the engine-shipped denylist merged into every
	// active Denylist rule set, never replacing a configured denylist.
	DefaultDenylist []string
	// CacheTTL bounds how long a resolved rule set is reused before
	// Resolve is called again. Zero means the default of ten minutes; a
	// negative value disables caching.
	CacheTTL time.Duration
	// CacheCapacity bounds the number of hosts cached at once.
	CacheCapacity int
	// Logger receives error entries about internal evaluation failures.
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EvaluatorConfig) CheckAndSetDefaults() error {
	if c.Resolve == nil {
		return trace.BadParameter("Resolve must be provided")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.CacheCapacity == 0 {
		c.CacheCapacity = 1024
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "PolicyFilter")
	}
	return nil
}

// Decision is the outcome of evaluating one submitted line.
type Decision struct {
	Allowed bool
	// Reason explains a denial; empty when Allowed is true.
	Reason string
	// BlockedCommand is the base command that triggered the denial.
	BlockedCommand string
}

// Evaluator matches submitted commands against resolved RuleSets,
// caching resolution results for CacheTTL to avoid re-resolving a
// host's policy on every keystroke-driven submission.
type Evaluator struct {
	cfg   EvaluatorConfig
	cache *ttlmap.TTLMap
}

type cacheEntry struct {
	host   *RuleSet
	global *RuleSet
}

// NewEvaluator creates an Evaluator from cfg.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := ttlmap.New(cfg.CacheCapacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Evaluator{cfg: cfg, cache: cache}, nil
}

// Check resolves the effective RuleSet for (hostID, tenantID) and
// evaluates line against it, returning the parsed decision.
//
// Evaluation is fail-open on resolver failures: they result in an
// allowed Decision and an error-level log entry. A malformed glob
// pattern is not reported; it matches no command, so in a denylist it
// blocks nothing and in an allowlist it admits nothing.
func (e *Evaluator) Check(ctx context.Context, hostID, tenantID, line string) Decision {
	ruleSet, err := e.resolve(ctx, hostID, tenantID)
	if err != nil {
		e.cfg.Logger.WithError(err).Error("Failed to resolve command policy; allowing by default.")
		return Decision{Allowed: true}
	}
	if ruleSet == nil || !ruleSet.Active {
		return Decision{Allowed: true}
	}

	bases := ParseCommand(line)
	if len(bases) == 0 {
		return Decision{Allowed: true}
	}

	switch ruleSet.Mode {
	case Allowlist:
		return e.checkAllowlist(bases, ruleSet.AllowPatterns)
	case Denylist:
		return e.checkDenylist(bases, e.mergedDenylist(ruleSet.DenyPatterns))
	default:
		return Decision{Allowed: true}
	}
}

func (e *Evaluator) checkAllowlist(bases, patterns []string) Decision {
	if len(patterns) == 0 {
		return Decision{Allowed: true}
	}
	for _, base := range bases {
		if !matchesAny(base, patterns) {
			return Decision{
				Allowed:        false,
				Reason:         fmt.Sprintf("command '%s' not in allowlist", base),
				BlockedCommand: base,
			}
		}
	}
	return Decision{Allowed: true}
}

func (e *Evaluator) checkDenylist(bases, patterns []string) Decision {
	for _, base := range bases {
		if p, ok := firstMatch(base, patterns); ok {
			return Decision{
				Allowed:        false,
				Reason:         fmt.Sprintf("command '%s' matched deny rule '%s'", base, p),
				BlockedCommand: base,
			}
		}
	}
	return Decision{Allowed: true}
}

// mergedDenylist unions the configured deny patterns with the
// engine-shipped default denylist. The default is always merged in,
// never replaced, per the documented sentinel-denylist policy.
func (e *Evaluator) mergedDenylist(configured []string) []string {
	if len(e.cfg.DefaultDenylist) == 0 {
		return configured
	}
	seen := make(map[string]struct{}, len(configured)+len(e.cfg.DefaultDenylist))
	merged := make([]string, 0, len(configured)+len(e.cfg.DefaultDenylist))
	for _, p := range configured {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
	}
	for _, p := range e.cfg.DefaultDenylist {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
	}
	return merged
}

// resolve returns the effective RuleSet for a host, preferring an
// active host-specific override over the tenant's active global
// default, else nil (allow all). Results are cached for CacheTTL.
func (e *Evaluator) resolve(ctx context.Context, hostID, tenantID string) (*RuleSet, error) {
	key := tenantID + "/" + hostID
	if v, ok := e.cache.Get(key); ok {
		entry := v.(cacheEntry)
		return effective(entry.host, entry.global), nil
	}

	host, global, err := e.cfg.Resolve(ctx, hostID, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if e.cfg.CacheTTL > 0 {
		if err := e.cache.Set(key, cacheEntry{host: host, global: global}, e.cfg.CacheTTL); err != nil {
			e.cfg.Logger.WithError(err).Debug("Failed to cache resolved command policy.")
		}
	}

	return effective(host, global), nil
}

func effective(host, global *RuleSet) *RuleSet {
	if host != nil && host.Active {
		return host
	}
	if global != nil && global.Active {
		return global
	}
	return nil
}

func matchesAny(command string, patterns []string) bool {
	for _, p := range patterns {
		if matchPattern(command, p) {
			return true
		}
	}
	return false
}

func firstMatch(command string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if matchPattern(command, p) {
			return p, true
		}
	}
	return "", false
}

// matchPattern matches command against a glob pattern, case-insensitively.
func matchPattern(command, pattern string) bool {
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(command))
	if err != nil {
		return false
	}
	return ok
}
