package investigate

import (
	"context"
	"fmt"

	"github.com/opensource-finance/harrier/internal/domain"
)

var errNoEngine = fmt.Errorf("%w: rule engine is not configured", domain.ErrConnectivity)

// Rules returns the rules loaded in the engine.
func (s *Service) Rules() ([]*domain.RuleConfig, error) {
	if s.engine == nil {
		return nil, errNoEngine
	}
	return s.engine.GetLoadedRules(), nil
}

// Rule returns one loaded rule.
func (s *Service) Rule(id string) (*domain.RuleConfig, error) {
	rules, err := s.Rules()
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: rule %s", domain.ErrNotFound, id)
}

// SaveRule compiles cfg and stores it for every case. The engine picks it
// up on the next ReloadRules.
func (s *Service) SaveRule(ctx context.Context, cfg *domain.RuleConfig) error {
	if s.engine == nil {
		return errNoEngine
	}
	if err := s.engine.ValidateRule(cfg); err != nil {
		return err
	}
	cfg.CaseID = domain.GlobalCaseID
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	err := s.retry(ctx, "save_rule", func(ctx context.Context) error {
		return s.repo.SaveRuleConfig(ctx, domain.GlobalCaseID, cfg)
	})
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	s.logger.Info("rule saved", "rule_id", cfg.ID, "type", cfg.Type, "enabled", cfg.Enabled)
	return nil
}

// ReloadRules replaces the engine rules with the stored global rules and
// returns how many were read.
func (s *Service) ReloadRules(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, errNoEngine
	}
	configs, err := fetch(ctx, s, "list_rules", func(ctx context.Context) ([]*domain.RuleConfig, error) {
		return s.repo.ListRuleConfigs(ctx, domain.GlobalCaseID)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}
	if err := s.engine.ReloadRules(configs); err != nil {
		return 0, err
	}
	s.logger.Info("rules reloaded", "count", len(configs), "loaded", s.engine.RulesCount())
	return len(configs), nil
}
