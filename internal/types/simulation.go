package types

import "time"

type RunStatus string

const (
	RunRunning       RunStatus = "running"
	RunCompleted     RunStatus = "completed"
	RunStoppedRisk   RunStatus = "stopped_risk"
	RunStoppedManual RunStatus = "stopped_manual"
	RunFailed        RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunStoppedRisk, RunStoppedManual, RunFailed:
		return true
	default:
		return false
	}
}

// 风控阈值字段名，记录在 SimulationRun.Breach。
const (
	BreachMaxDrawdown       = "max_drawdown"
	BreachConsecutiveLosses = "max_consecutive_losses"
	BreachMinWinRate        = "min_win_rate"
	BreachDailyLoss         = "max_daily_loss"
)

// RiskThresholds 是模拟运行的熔断阈值。比例均为小数（0.15 = 15%）。
type RiskThresholds struct {
	MaxDrawdown          float64 `json:"max_drawdown"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MinWinRate           float64 `json:"min_win_rate"`
	MinTradesForWinRate  int     `json:"min_trades_for_win_rate"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
}

type RunConfig struct {
	Duration        time.Duration  `json:"duration"`
	StakeAmount     float64        `json:"stake_amount"`
	StartingBalance float64        `json:"starting_balance"`
	Pairs           []string       `json:"pairs"`
	Risk            RiskThresholds `json:"risk"`
}

// RollingMetrics 由监控循环在每个周期刷新。
type RollingMetrics struct {
	TradeCount           int       `json:"trade_count"`
	Wins                 int       `json:"wins"`
	WinRate              float64   `json:"win_rate"`
	CumulativeReturn     float64   `json:"cumulative_return"`
	MaxDrawdown          float64   `json:"max_drawdown"`
	ConsecutiveLosses    int       `json:"consecutive_losses"`
	MaxConsecutiveLosses int       `json:"max_consecutive_losses"`
	DailyLoss            float64   `json:"daily_loss"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// FinalReport 在运行结束时附加到策略历史。
type FinalReport struct {
	FinalScore float64        `json:"final_score"`
	Passed     bool           `json:"passed"`
	Reasons    []string       `json:"reasons,omitempty"`
	Metrics    RollingMetrics `json:"metrics"`
}

type SimulationRun struct {
	ID          string
	StrategyID  string
	StartedAt   time.Time
	EndedAt     *time.Time
	Config      RunConfig
	Metrics     RollingMetrics
	Status      RunStatus
	Breach      string
	Reason      string
	PID         int
	WorkDir     string
	MetricsPath string
	Cycles      int
	FinalReport *FinalReport
}

func (r SimulationRun) Clone() SimulationRun {
	cp := r
	if r.EndedAt != nil {
		v := *r.EndedAt
		cp.EndedAt = &v
	}
	if len(r.Config.Pairs) > 0 {
		cp.Config.Pairs = append([]string(nil), r.Config.Pairs...)
	}
	if r.FinalReport != nil {
		rep := *r.FinalReport
		rep.Reasons = append([]string(nil), r.FinalReport.Reasons...)
		cp.FinalReport = &rep
	}
	return cp
}
