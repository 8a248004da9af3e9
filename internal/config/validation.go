package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Candidate.validate(); err != nil {
		return err
	}
	if err := c.Evaluation.validate(); err != nil {
		return err
	}
	if err := c.Optimization.validate(); err != nil {
		return err
	}
	if err := c.Simulation.validate(); err != nil {
		return err
	}
	if err := c.Promotion.validate(); err != nil {
		return err
	}
	if err := c.Retention.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StorageConfig) validate() error {
	if strings.TrimSpace(s.DBPath) == "" {
		return fmt.Errorf("storage.db_path cannot be empty")
	}
	if strings.TrimSpace(s.ArtifactsDir) == "" || strings.TrimSpace(s.PromotedDir) == "" {
		return fmt.Errorf("storage.artifacts_dir and storage.promoted_dir are required")
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	fields := map[string]string{
		"scheduler.candidate_interval":    s.CandidateInterval,
		"scheduler.evaluation_interval":   s.EvaluationInterval,
		"scheduler.admission_interval":    s.AdmissionInterval,
		"scheduler.optimization_interval": s.OptimizationInterval,
		"scheduler.promotion_interval":    s.PromotionInterval,
		"scheduler.retention_interval":    s.RetentionInterval,
		"scheduler.failure_window":        s.FailureWindow,
	}
	for key, raw := range fields {
		if err := requireDuration(key, raw); err != nil {
			return err
		}
	}
	if s.JitterRatio < 0 || s.JitterRatio >= 1 {
		return fmt.Errorf("scheduler.jitter_ratio must be in [0,1)")
	}
	return nil
}

func (c *CandidateConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.Producer.Enabled() {
		return fmt.Errorf("candidate.producer.command is required when candidate.enabled=true")
	}
	return requireDuration("candidate.breaker_timeout", c.BreakerTimeout)
}

func (e *EvaluationConfig) validate() error {
	if e.WindowDays <= 0 {
		return fmt.Errorf("evaluation.window_days must be > 0")
	}
	if e.MaxConcurrent <= 0 {
		return fmt.Errorf("evaluation.max_concurrent must be > 0")
	}
	if err := requireDuration("evaluation.reevaluate_after", e.ReevaluateAfter); err != nil {
		return err
	}
	return requireDuration("evaluation.executor.timeout", e.Executor.Timeout)
}

func (o *OptimizationConfig) validate() error {
	if o.Enabled && !o.Optimizer.Enabled() {
		return fmt.Errorf("optimization.optimizer.command is required when optimization.enabled=true")
	}
	return nil
}

func (s *SimulationConfig) validate() error {
	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("simulation.max_concurrent_simulations must be > 0")
	}
	for key, raw := range map[string]string{
		"simulation.admission_delay":  s.AdmissionDelay,
		"simulation.monitor_interval": s.MonitorInterval,
		"simulation.max_age":          s.MaxAge,
		"simulation.duration":         s.Duration,
		"simulation.readmit_after":    s.ReadmitAfter,
		"simulation.cancel_grace":     s.CancelGrace,
	} {
		if err := requireDuration(key, raw); err != nil {
			return err
		}
	}
	r := s.Risk
	if r.MaxDrawdown <= 0 || r.MaxDrawdown >= 1 {
		return fmt.Errorf("simulation.risk.max_drawdown must be in (0,1)")
	}
	if r.MinWinRate < 0 || r.MinWinRate > 1 {
		return fmt.Errorf("simulation.risk.min_win_rate must be in [0,1]")
	}
	if r.MaxConsecutiveLosses < 0 || r.MinTradesForWinRate < 0 || r.MaxDailyLoss < 0 {
		return fmt.Errorf("simulation.risk thresholds must be >= 0")
	}
	return nil
}

func (p *PromotionConfig) validate() error {
	if p.MaxPromotions < 0 {
		return fmt.Errorf("promotion.max_promotions must be >= 0")
	}
	w := p.Weights
	if w.Recency < 0 || w.Score < 0 || w.Tier < 0 {
		return fmt.Errorf("promotion.weights must be >= 0")
	}
	if w.Recency+w.Score+w.Tier == 0 {
		return fmt.Errorf("promotion.weights cannot all be zero")
	}
	return requireDuration("promotion.recency_half_life", p.RecencyHalfLife)
}

func (r *RetentionConfig) validate() error {
	return requireDuration("retention.max_age", r.MaxAge)
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
		}
	}
	return nil
}

func requireDuration(key, raw string) error {
	if _, ok := ParseDuration(raw); !ok {
		return fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return nil
}
