package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogFormat    = "text"
	defaultAppHTTPAddr     = ":9992"
	defaultTiersPath       = "configs/tiers.yaml"
	defaultDBPath          = "data/quantforge.db"
	defaultArtifactsDir    = "data/strategies"
	defaultPromotedDir     = "data/promoted"
	defaultRunsDir         = "data/runs"
	defaultResultsDir      = "data/results"
	defaultCandidateEvery  = "30m"
	defaultEvaluationEvery = "10m"
	defaultAdmissionEvery  = "1m"
	defaultOptimizeEvery   = "1h"
	defaultPromotionEvery  = "6h"
	defaultRetentionEvery  = "1d"
	defaultJitterRatio     = 0.1
	defaultFailureWindow   = "1h"
	defaultProducerName    = "default"
	defaultBreakerFails    = 3
	defaultBreakerTimeout  = "10m"
	defaultEvalWindowDays  = 30
	defaultEvalConcurrent  = 2
	defaultEvalTimeout     = "30m"
	defaultReevaluateAfter = "7d"
	defaultScorePath       = "strategy.{id}.profit_total"
	defaultTradesPath      = "strategy.{id}.total_trades"
	defaultOutputLines     = 200
	defaultOptimizeTimeout = "2h"
	defaultSimMax          = 3
	defaultAdmissionDelay  = "2m"
	defaultMonitorEvery    = "1m"
	defaultSimMaxAge       = "30d"
	defaultSimMinScore     = 0.10
	defaultSimDuration     = "7d"
	defaultStakeAmount     = 100
	defaultStartingBalance = 1000
	defaultReadmitAfter    = "1d"
	defaultCancelGrace     = "10s"
	defaultTradesTable     = "trades"
	defaultMaxDrawdown     = 0.15
	defaultMaxConsLosses   = 5
	defaultMinWinRate      = 0.35
	defaultMinWinTrades    = 10
	defaultMaxDailyLoss    = 0.05
	defaultMaxPromotions   = 3
	defaultPromoteMinScore = 0.10
	defaultWeightRecency   = 0.2
	defaultWeightScore     = 0.6
	defaultWeightTier      = 0.2
	defaultHalfLife        = "14d"
	defaultScoreCeiling    = 1.0
	defaultRetentionMaxAge = "30d"
	defaultRetentionScore  = 0.10
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Candidate.applyDefaults(keys)
	c.Evaluation.applyDefaults(keys)
	c.Optimization.applyDefaults(keys)
	c.Simulation.applyDefaults(keys)
	c.Promotion.applyDefaults(keys)
	c.Retention.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.tiers_path", &a.TiersPath, defaultTiersPath),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.db_path", &s.DBPath, defaultDBPath),
		stringFieldDefault("storage.artifacts_dir", &s.ArtifactsDir, defaultArtifactsDir),
		stringFieldDefault("storage.promoted_dir", &s.PromotedDir, defaultPromotedDir),
		stringFieldDefault("storage.runs_dir", &s.RunsDir, defaultRunsDir),
		stringFieldDefault("storage.results_dir", &s.ResultsDir, defaultResultsDir),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("scheduler.candidate_interval", &s.CandidateInterval, defaultCandidateEvery),
		stringFieldDefault("scheduler.evaluation_interval", &s.EvaluationInterval, defaultEvaluationEvery),
		stringFieldDefault("scheduler.admission_interval", &s.AdmissionInterval, defaultAdmissionEvery),
		stringFieldDefault("scheduler.optimization_interval", &s.OptimizationInterval, defaultOptimizeEvery),
		stringFieldDefault("scheduler.promotion_interval", &s.PromotionInterval, defaultPromotionEvery),
		stringFieldDefault("scheduler.retention_interval", &s.RetentionInterval, defaultRetentionEvery),
		stringFieldDefault("scheduler.failure_window", &s.FailureWindow, defaultFailureWindow),
		floatFieldDefault("scheduler.jitter_ratio", &s.JitterRatio, defaultJitterRatio),
	)
}

func (c *CandidateConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("candidate.producer_name", &c.ProducerName, defaultProducerName),
		stringFieldDefault("candidate.breaker_timeout", &c.BreakerTimeout, defaultBreakerTimeout),
		intFieldDefault("candidate.per_tick", &c.PerTick, 1),
		intFieldDefault("candidate.breaker_failures", &c.BreakerFails, defaultBreakerFails),
	)
	c.Categories = normalizeList(c.Categories)
	if len(c.Categories) == 0 {
		c.Categories = []string{"trend"}
	}
}

func (e *EvaluationConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("evaluation.window_days", &e.WindowDays, defaultEvalWindowDays),
		intFieldDefault("evaluation.max_concurrent", &e.MaxConcurrent, defaultEvalConcurrent),
		intFieldDefault("evaluation.output_lines", &e.OutputLines, defaultOutputLines),
		stringFieldDefault("evaluation.reevaluate_after", &e.ReevaluateAfter, defaultReevaluateAfter),
		stringFieldDefault("evaluation.score_path", &e.ScorePath, defaultScorePath),
		stringFieldDefault("evaluation.trades_path", &e.TradesPath, defaultTradesPath),
		stringFieldDefault("evaluation.executor.timeout", &e.Executor.Timeout, defaultEvalTimeout),
	)
}

func (o *OptimizationConfig) applyDefaults(keys keySet) {
	if o == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("optimization.per_tick", &o.PerTick, 1),
		stringFieldDefault("optimization.optimizer.timeout", &o.Optimizer.Timeout, defaultOptimizeTimeout),
	)
}

func (s *SimulationConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("simulation.max_concurrent_simulations", &s.MaxConcurrent, defaultSimMax),
		stringFieldDefault("simulation.admission_delay", &s.AdmissionDelay, defaultAdmissionDelay),
		stringFieldDefault("simulation.monitor_interval", &s.MonitorInterval, defaultMonitorEvery),
		stringFieldDefault("simulation.max_age", &s.MaxAge, defaultSimMaxAge),
		floatFieldDefault("simulation.min_score", &s.MinScore, defaultSimMinScore),
		stringFieldDefault("simulation.duration", &s.Duration, defaultSimDuration),
		floatFieldDefault("simulation.stake_amount", &s.StakeAmount, defaultStakeAmount),
		floatFieldDefault("simulation.starting_balance", &s.StartingBalance, defaultStartingBalance),
		stringFieldDefault("simulation.readmit_after", &s.ReadmitAfter, defaultReadmitAfter),
		stringFieldDefault("simulation.cancel_grace", &s.CancelGrace, defaultCancelGrace),
		stringFieldDefault("simulation.trades_table", &s.TradesTable, defaultTradesTable),
		floatFieldDefault("simulation.risk.max_drawdown", &s.Risk.MaxDrawdown, defaultMaxDrawdown),
		intFieldDefault("simulation.risk.max_consecutive_losses", &s.Risk.MaxConsecutiveLosses, defaultMaxConsLosses),
		floatFieldDefault("simulation.risk.min_win_rate", &s.Risk.MinWinRate, defaultMinWinRate),
		intFieldDefault("simulation.risk.min_trades_for_win_rate", &s.Risk.MinTradesForWinRate, defaultMinWinTrades),
		floatFieldDefault("simulation.risk.max_daily_loss", &s.Risk.MaxDailyLoss, defaultMaxDailyLoss),
	)
	s.Pairs = normalizeList(s.Pairs)
	if len(s.Pairs) == 0 {
		s.Pairs = []string{"BTC/USDT", "ETH/USDT"}
	}
}

func (p *PromotionConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("promotion.max_promotions", &p.MaxPromotions, defaultMaxPromotions),
		floatFieldDefault("promotion.min_score", &p.MinScore, defaultPromoteMinScore),
		floatFieldDefault("promotion.weights.recency", &p.Weights.Recency, defaultWeightRecency),
		floatFieldDefault("promotion.weights.score", &p.Weights.Score, defaultWeightScore),
		floatFieldDefault("promotion.weights.tier", &p.Weights.Tier, defaultWeightTier),
		stringFieldDefault("promotion.recency_half_life", &p.RecencyHalfLife, defaultHalfLife),
		floatFieldDefault("promotion.score_ceiling", &p.ScoreCeiling, defaultScoreCeiling),
	)
}

func (r *RetentionConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("retention.max_age", &r.MaxAge, defaultRetentionMaxAge),
		floatFieldDefault("retention.min_score", &r.MinScore, defaultRetentionScore),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func normalizeList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
