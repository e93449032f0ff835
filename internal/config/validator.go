package config

import (
	"fmt"
	"strings"
)

// Validate checks the config for:
//   - Required fields and positive sizes
//   - A ratio threshold in (0, ∞)
//   - Duplicate or missing rule IDs and empty expressions
//
// Expressions are compiled (and syntax-checked) by the rules package.
func Validate(cfg *Config) error {
	var errs []string
	if cfg.Version == "" {
		errs = append(errs, "version is required")
	}
	if cfg.Window.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("window.duration must be positive, got %v", cfg.Window.Duration))
	}
	if cfg.Alerting.RatioThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("alerting.ratio_threshold must be positive, got %v", cfg.Alerting.RatioThreshold))
	}
	if cfg.Alerting.Workers < 1 {
		errs = append(errs, "alerting.workers must be at least 1")
	}
	if cfg.Alerting.QueueDepth < 1 {
		errs = append(errs, "alerting.queue_depth must be at least 1")
	}
	if cfg.Engine.Lanes < 1 {
		errs = append(errs, "engine.lanes must be at least 1")
	}
	if cfg.Engine.QueueDepth < cfg.Engine.Lanes {
		errs = append(errs, fmt.Sprintf("engine.queue_depth (%d) must be at least engine.lanes (%d)", cfg.Engine.QueueDepth, cfg.Engine.Lanes))
	}
	if cfg.Engine.EventTimeoutMs < 1 {
		errs = append(errs, "engine.event_timeout_ms must be positive")
	}
	switch cfg.Engine.BusPolicy {
	case "continue", "stop":
	default:
		errs = append(errs, fmt.Sprintf("engine.bus_policy must be \"continue\" or \"stop\", got %q", cfg.Engine.BusPolicy))
	}
	if cfg.Oracle.Enabled && cfg.Oracle.Timeout <= 0 {
		errs = append(errs, "oracle.timeout must be positive when the oracle is enabled")
	}

	ids := make(map[string]int)
	for i, r := range cfg.Rules {
		if r.ID == "" {
			errs = append(errs, fmt.Sprintf("rules[%d]: id is required", i))
			continue
		}
		if r.ID == BuiltinRuleID {
			errs = append(errs, fmt.Sprintf("rules[%d]: id %q is reserved", i, r.ID))
		}
		if prev, ok := ids[r.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate rule id %q (rules[%d] and rules[%d])", r.ID, prev, i))
		} else {
			ids[r.ID] = i
		}
		if strings.TrimSpace(r.Expression) == "" {
			errs = append(errs, fmt.Sprintf("rule %s: expression is required", r.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// BuiltinRuleID names the deterministic outbound/inbound ratio rule.
const BuiltinRuleID = "fast_cashout"
