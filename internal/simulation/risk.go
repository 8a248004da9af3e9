package simulation

import (
	"fmt"

	"quantforge/internal/types"
)

// Breach 描述一次风控阈值突破。
type Breach struct {
	Field  string
	Reason string
}

// CheckRisk 按固定顺序检查阈值：回撤 → 连续亏损 → 胜率（交易数达到下限后）→ 单日亏损。
// 返回第一个突破项；阈值为 0 表示不检查该项。
func CheckRisk(m types.RollingMetrics, th types.RiskThresholds) (Breach, bool) {
	if th.MaxDrawdown > 0 && m.MaxDrawdown >= th.MaxDrawdown {
		return Breach{
			Field:  types.BreachMaxDrawdown,
			Reason: fmt.Sprintf("drawdown %.2f%% ≥ %.2f%%", m.MaxDrawdown*100, th.MaxDrawdown*100),
		}, true
	}
	if th.MaxConsecutiveLosses > 0 && m.ConsecutiveLosses >= th.MaxConsecutiveLosses {
		return Breach{
			Field:  types.BreachConsecutiveLosses,
			Reason: fmt.Sprintf("%d consecutive losses ≥ %d", m.ConsecutiveLosses, th.MaxConsecutiveLosses),
		}, true
	}
	if th.MinWinRate > 0 && m.TradeCount >= th.MinTradesForWinRate && m.TradeCount > 0 && m.WinRate < th.MinWinRate {
		return Breach{
			Field:  types.BreachMinWinRate,
			Reason: fmt.Sprintf("win rate %.1f%% < %.1f%% after %d trades", m.WinRate*100, th.MinWinRate*100, m.TradeCount),
		}, true
	}
	if th.MaxDailyLoss > 0 && m.DailyLoss >= th.MaxDailyLoss {
		return Breach{
			Field:  types.BreachDailyLoss,
			Reason: fmt.Sprintf("daily loss %.2f%% ≥ %.2f%%", m.DailyLoss*100, th.MaxDailyLoss*100),
		}, true
	}
	return Breach{}, false
}
