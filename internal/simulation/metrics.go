package simulation

import (
	"context"
	"sort"
	"time"

	"quantforge/internal/types"

	"github.com/shopspring/decimal"
)

// Trade 是一笔已平仓交易。
type Trade struct {
	ID        int64
	Pair      string
	ProfitAbs decimal.Decimal
	ClosedAt  time.Time
}

// MetricsSource 读取某次运行的最新滚动指标。
type MetricsSource interface {
	Read(ctx context.Context, run types.SimulationRun) (types.RollingMetrics, error)
}

// ComputeMetrics 由已平仓交易计算滚动指标。金额累计使用 decimal，比例换算为 float64。
// DailyLoss 是 now 所在 UTC 自然日的净亏损占当日初始权益的比例。
func ComputeMetrics(trades []Trade, startingBalance float64, now time.Time) types.RollingMetrics {
	out := types.RollingMetrics{UpdatedAt: now}
	if startingBalance <= 0 {
		startingBalance = 1
	}
	sorted := append([]Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ClosedAt.Equal(sorted[j].ClosedAt) {
			return sorted[i].ClosedAt.Before(sorted[j].ClosedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	start := decimal.NewFromFloat(startingBalance)
	equity := start
	peak := start
	maxDD := decimal.Zero
	dayStart := now.UTC().Truncate(24 * time.Hour)
	dayOpenEquity := start
	dayPnL := decimal.Zero
	run := 0
	for _, tr := range sorted {
		if tr.ClosedAt.Before(dayStart) {
			dayOpenEquity = equity.Add(tr.ProfitAbs)
		} else {
			dayPnL = dayPnL.Add(tr.ProfitAbs)
		}
		equity = equity.Add(tr.ProfitAbs)
		out.TradeCount++
		if tr.ProfitAbs.IsPositive() {
			out.Wins++
			run = 0
		} else if tr.ProfitAbs.IsNegative() {
			run++
			if run > out.MaxConsecutiveLosses {
				out.MaxConsecutiveLosses = run
			}
		}
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if peak.IsPositive() {
			if dd := peak.Sub(equity).Div(peak); dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	out.ConsecutiveLosses = run
	if out.TradeCount > 0 {
		out.WinRate = float64(out.Wins) / float64(out.TradeCount)
	}
	out.CumulativeReturn = equity.Sub(start).Div(start).InexactFloat64()
	out.MaxDrawdown = maxDD.InexactFloat64()
	if dayPnL.IsNegative() && dayOpenEquity.IsPositive() {
		out.DailyLoss = dayPnL.Neg().Div(dayOpenEquity).InexactFloat64()
	}
	return out
}
