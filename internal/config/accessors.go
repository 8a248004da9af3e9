package config

import (
	"time"

	"quantforge/internal/types"
)

func (s SchedulerConfig) Jitter() float64 { return s.JitterRatio }

func (s SchedulerConfig) CandidateEvery() time.Duration {
	return DurationOr(s.CandidateInterval, 30*time.Minute)
}

func (s SchedulerConfig) EvaluationEvery() time.Duration {
	return DurationOr(s.EvaluationInterval, 10*time.Minute)
}

func (s SchedulerConfig) AdmissionEvery() time.Duration {
	return DurationOr(s.AdmissionInterval, time.Minute)
}

func (s SchedulerConfig) OptimizationEvery() time.Duration {
	return DurationOr(s.OptimizationInterval, time.Hour)
}

func (s SchedulerConfig) PromotionEvery() time.Duration {
	return DurationOr(s.PromotionInterval, 6*time.Hour)
}

func (s SchedulerConfig) RetentionEvery() time.Duration {
	return DurationOr(s.RetentionInterval, 24*time.Hour)
}

func (s SchedulerConfig) FailureWindowDuration() time.Duration {
	return DurationOr(s.FailureWindow, time.Hour)
}

// RiskThresholds 转换为运行配置里的阈值。
func (r RiskConfig) Thresholds() types.RiskThresholds {
	return types.RiskThresholds{
		MaxDrawdown:          r.MaxDrawdown,
		MaxConsecutiveLosses: r.MaxConsecutiveLosses,
		MinWinRate:           r.MinWinRate,
		MinTradesForWinRate:  r.MinTradesForWinRate,
		MaxDailyLoss:         r.MaxDailyLoss,
	}
}

func (s SimulationConfig) RunConfig() types.RunConfig {
	return types.RunConfig{
		Duration:        DurationOr(s.Duration, 7*24*time.Hour),
		StakeAmount:     s.StakeAmount,
		StartingBalance: s.StartingBalance,
		Pairs:           append([]string(nil), s.Pairs...),
		Risk:            s.Risk.Thresholds(),
	}
}

func (p PromotionConfig) Criteria() types.Criteria {
	return types.Criteria{MinScore: p.MinScore, MinTrades: p.MinTrades}
}
