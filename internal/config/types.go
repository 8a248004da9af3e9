package config

import (
	"strings"
	"time"
)

// Config 是 quantforge 的主配置载体。
type Config struct {
	App          AppConfig          `toml:"app"`
	Storage      StorageConfig      `toml:"storage"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Candidate    CandidateConfig    `toml:"candidate"`
	Evaluation   EvaluationConfig   `toml:"evaluation"`
	Optimization OptimizationConfig `toml:"optimization"`
	Simulation   SimulationConfig   `toml:"simulation"`
	Promotion    PromotionConfig    `toml:"promotion"`
	Retention    RetentionConfig    `toml:"retention"`
	Notify       NotifyConfig       `toml:"notify"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
	TiersPath string `toml:"tiers_path"`
}

// StorageConfig 描述数据库与各类产物目录。
type StorageConfig struct {
	DBPath       string `toml:"db_path"`
	ArtifactsDir string `toml:"artifacts_dir"`
	PromotedDir  string `toml:"promoted_dir"`
	RunsDir      string `toml:"runs_dir"`
	ResultsDir   string `toml:"results_dir"`
}

// SchedulerConfig 中的时长均支持 "90s" / "15m" / "1d" 形式。
type SchedulerConfig struct {
	CandidateInterval    string  `toml:"candidate_interval"`
	EvaluationInterval   string  `toml:"evaluation_interval"`
	AdmissionInterval    string  `toml:"admission_interval"`
	OptimizationInterval string  `toml:"optimization_interval"`
	PromotionInterval    string  `toml:"promotion_interval"`
	RetentionInterval    string  `toml:"retention_interval"`
	RetentionCron        string  `toml:"retention_cron"`
	JitterRatio          float64 `toml:"jitter_ratio"`
	FailureWindow        string  `toml:"failure_window"`
}

// CommandConfig 描述一个外部命令。Args 中的 {name} 占位符在调用时替换。
type CommandConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Dir     string   `toml:"dir"`
	Env     []string `toml:"env"`
	Timeout string   `toml:"timeout"`
}

func (c CommandConfig) Enabled() bool { return strings.TrimSpace(c.Command) != "" }

func (c CommandConfig) TimeoutDuration() time.Duration {
	return DurationOr(c.Timeout, 0)
}

type CandidateConfig struct {
	Enabled        bool          `toml:"enabled"`
	Producer       CommandConfig `toml:"producer"`
	Validator      CommandConfig `toml:"validator"`
	ProducerName   string        `toml:"producer_name"`
	Categories     []string      `toml:"categories"`
	PerTick        int           `toml:"per_tick"`
	BreakerFails   int           `toml:"breaker_failures"`
	BreakerTimeout string        `toml:"breaker_timeout"`
}

type EvaluationConfig struct {
	Executor        CommandConfig `toml:"executor"`
	WindowDays      int           `toml:"window_days"`
	MaxConcurrent   int           `toml:"max_concurrent"`
	ReevaluateAfter string        `toml:"reevaluate_after"`
	ScorePath       string        `toml:"score_path"`
	TradesPath      string        `toml:"trades_path"`
	OutputLines     int           `toml:"output_lines"`
}

type OptimizationConfig struct {
	Enabled   bool          `toml:"enabled"`
	Optimizer CommandConfig `toml:"optimizer"`
	PerTick   int           `toml:"per_tick"`
	MinScore  float64       `toml:"min_score"`
}

type RiskConfig struct {
	MaxDrawdown          float64 `toml:"max_drawdown"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
	MinWinRate           float64 `toml:"min_win_rate"`
	MinTradesForWinRate  int     `toml:"min_trades_for_win_rate"`
	MaxDailyLoss         float64 `toml:"max_daily_loss"`
}

type SimulationConfig struct {
	Executor        CommandConfig `toml:"executor"`
	MaxConcurrent   int           `toml:"max_concurrent_simulations"`
	AdmissionDelay  string        `toml:"admission_delay"`
	MonitorInterval string        `toml:"monitor_interval"`
	MaxAge          string        `toml:"max_age"`
	MinScore        float64       `toml:"min_score"`
	Duration        string        `toml:"duration"`
	StakeAmount     float64       `toml:"stake_amount"`
	StartingBalance float64       `toml:"starting_balance"`
	Pairs           []string      `toml:"pairs"`
	ReadmitAfter    string        `toml:"readmit_after"`
	CancelGrace     string        `toml:"cancel_grace"`
	Risk            RiskConfig    `toml:"risk"`
	TradesTable     string        `toml:"trades_table"`
}

type PromotionWeights struct {
	Recency float64 `toml:"recency"`
	Score   float64 `toml:"score"`
	Tier    float64 `toml:"tier"`
}

type PromotionConfig struct {
	MaxPromotions   int              `toml:"max_promotions"`
	MinScore        float64          `toml:"min_score"`
	MinTrades       int              `toml:"min_trades"`
	Weights         PromotionWeights `toml:"weights"`
	RecencyHalfLife string           `toml:"recency_half_life"`
	ScoreCeiling    float64          `toml:"score_ceiling"`
}

type RetentionConfig struct {
	MaxAge         string  `toml:"max_age"`
	MinScore       float64 `toml:"min_score"`
	KeepTombstones bool    `toml:"keep_tombstones"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
