// Package flags evaluates feature flags against a request context using
// a fixed decision order: manual per-user override, explicit user/group
// targeting, environment override, deterministic percentage rollout, and
// finally the flag's default.
package flags

import (
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/config"
)

// Context is the evaluation context for one flag lookup.
type Context struct {
	UserID    string
	Groups    []string
	Environment string
	SessionID string
}

// OverrideStore persists manual per-user overrides durably across
// process restarts: getOverride/setOverride/clearOverride, reified as an
// injectable interface so the manual-override tier can be swapped in
// tests.
type OverrideStore interface {
	Get(flag, userID string) (enabled bool, ok bool)
	Set(flag, userID string, enabled bool) error
	Clear(flag, userID string) error
}

// Evaluator evaluates flag definitions loaded from configuration against
// an optional manual-override store.
type Evaluator struct {
	definitions map[string]config.FlagDefinition
	overrides   OverrideStore
	logger      *zap.Logger
}

// New builds an Evaluator from the given flag definitions and an
// optional OverrideStore (pass nil to disable the manual-override tier).
func New(definitions []config.FlagDefinition, overrides OverrideStore, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[string]config.FlagDefinition, len(definitions))
	for _, d := range definitions {
		m[d.Name] = d
	}
	return &Evaluator{definitions: m, overrides: overrides, logger: logger}
}

// Evaluate returns whether flag is enabled for ctx, applying the
// decision order: manual override, explicit targeting, environment
// override, percentage rollout, then default.
func (e *Evaluator) Evaluate(flag string, ctx Context) bool {
	def, ok := e.definitions[flag]
	if !ok {
		e.logger.Debug("flags: unknown flag evaluated, defaulting false", zap.String("flag", flag))
		return false
	}

	if e.overrides != nil && ctx.UserID != "" {
		if enabled, ok := e.overrides.Get(flag, ctx.UserID); ok {
			return enabled
		}
	}

	for _, id := range def.TargetUserIDs {
		if id == ctx.UserID && ctx.UserID != "" {
			return true
		}
	}

	for _, g := range def.TargetGroups {
		for _, have := range ctx.Groups {
			if g == have {
				return true
			}
		}
	}

	if def.EnvironmentOverrides != nil {
		if v, ok := def.EnvironmentOverrides[ctx.Environment]; ok {
			return v
		}
	}

	if def.RolloutPercentage > 0 {
		key := ctx.UserID
		if key == "" {
			key = ctx.SessionID
		}
		if key != "" {
			return rolloutHash(flag, key)%100 < uint32(def.RolloutPercentage)
		}
	}

	return def.DefaultEnabled
}

// SetOverride sets a manual per-user override, persisted durably.
func (e *Evaluator) SetOverride(flag, userID string, enabled bool) error {
	if e.overrides == nil {
		return nil
	}
	return e.overrides.Set(flag, userID, enabled)
}

// ClearOverride removes a manual per-user override, returning evaluation
// for that (flag, userID) to ordinary targeting/rollout/default rules.
func (e *Evaluator) ClearOverride(flag, userID string) error {
	if e.overrides == nil {
		return nil
	}
	return e.overrides.Clear(flag, userID)
}

// rolloutHash is a deterministic, uniform (not cryptographic) hash of
// flag and key, used only to bucket users into a rollout percentage.
func rolloutHash(flag, key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(flag))
	_, _ = h.Write([]byte("||"))
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
