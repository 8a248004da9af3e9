package simulation

import (
	"testing"
	"time"

	"quantforge/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var testThresholds = types.RiskThresholds{
	MaxDrawdown:          0.15,
	MaxConsecutiveLosses: 5,
	MinWinRate:           0.35,
	MinTradesForWinRate:  10,
	MaxDailyLoss:         0.05,
}

func TestCheckRiskOrder(t *testing.T) {
	all := types.RollingMetrics{
		TradeCount:        20,
		WinRate:           0.1,
		MaxDrawdown:       0.2,
		ConsecutiveLosses: 6,
		DailyLoss:         0.1,
	}
	b, hit := CheckRisk(all, testThresholds)
	assert.True(t, hit)
	assert.Equal(t, types.BreachMaxDrawdown, b.Field)

	all.MaxDrawdown = 0.1
	b, _ = CheckRisk(all, testThresholds)
	assert.Equal(t, types.BreachConsecutiveLosses, b.Field)

	all.ConsecutiveLosses = 2
	b, _ = CheckRisk(all, testThresholds)
	assert.Equal(t, types.BreachMinWinRate, b.Field)

	all.WinRate = 0.5
	b, _ = CheckRisk(all, testThresholds)
	assert.Equal(t, types.BreachDailyLoss, b.Field)

	all.DailyLoss = 0.01
	_, hit = CheckRisk(all, testThresholds)
	assert.False(t, hit)
}

func TestCheckRiskWinRateNeedsMinimumTrades(t *testing.T) {
	m := types.RollingMetrics{TradeCount: 9, WinRate: 0}
	_, hit := CheckRisk(m, testThresholds)
	assert.False(t, hit)

	m.TradeCount = 10
	b, hit := CheckRisk(m, testThresholds)
	assert.True(t, hit)
	assert.Equal(t, types.BreachMinWinRate, b.Field)
}

func TestCheckRiskZeroThresholdDisabled(t *testing.T) {
	_, hit := CheckRisk(types.RollingMetrics{MaxDrawdown: 0.9, ConsecutiveLosses: 50}, types.RiskThresholds{})
	assert.False(t, hit)
}

func TestComputeMetrics(t *testing.T) {
	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	day1 := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	trades := []Trade{
		{ID: 1, ProfitAbs: decimal.NewFromInt(100), ClosedAt: day1},
		{ID: 2, ProfitAbs: decimal.NewFromInt(-110), ClosedAt: day1.Add(time.Hour)},
		{ID: 3, ProfitAbs: decimal.NewFromInt(-55), ClosedAt: now.Add(-2 * time.Hour)},
		{ID: 4, ProfitAbs: decimal.NewFromInt(-44), ClosedAt: now.Add(-time.Hour)},
	}
	m := ComputeMetrics(trades, 1000, now)
	assert.Equal(t, 4, m.TradeCount)
	assert.Equal(t, 1, m.Wins)
	assert.InDelta(t, 0.25, m.WinRate, 1e-9)
	assert.Equal(t, 3, m.ConsecutiveLosses)
	assert.Equal(t, 3, m.MaxConsecutiveLosses)
	// peak 1100, trough 891
	assert.InDelta(t, 209.0/1100.0, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, -0.109, m.CumulativeReturn, 1e-9)
	// day opens at 990, loses 99
	assert.InDelta(t, 0.1, m.DailyLoss, 1e-9)
	assert.Equal(t, now, m.UpdatedAt)
}

func TestComputeMetricsEmpty(t *testing.T) {
	m := ComputeMetrics(nil, 1000, time.Unix(0, 0))
	assert.Zero(t, m.TradeCount)
	assert.Zero(t, m.MaxDrawdown)
	assert.Zero(t, m.WinRate)
}
