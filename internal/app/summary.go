package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"quantforge/internal/config"
	cfgloader "quantforge/internal/config/loader"
	"quantforge/internal/notifier"
	"quantforge/internal/scheduler"
)

type StartupSummary struct {
	Env        string
	Strategies int
	HTTPAddr   string
	DBPath     string
	Jobs       []JobSummary
	Simulation SimulationSummary
	Promotion  PromotionSummary
	Tiers      map[string]float64
	TierDef    float64
	Notify     string
}

type JobSummary struct {
	Name  string
	Every time.Duration
	Cron  string
}

type SimulationSummary struct {
	MaxConcurrent int
	Duration      string
	Executor      string
	Risk          config.RiskConfig
}

type PromotionSummary struct {
	MaxPromotions int
	MinScore      float64
	MinTrades     int
	Weights       config.PromotionWeights
}

func buildSummary(cfg *config.Config, loaded int, tiers cfgloader.TierSnapshot, jobs []scheduler.Job, n notifier.TextNotifier) *StartupSummary {
	s := &StartupSummary{
		Env:        cfg.App.Env,
		Strategies: loaded,
		HTTPAddr:   cfg.App.HTTPAddr,
		DBPath:     cfg.Storage.DBPath,
		Simulation: SimulationSummary{
			MaxConcurrent: cfg.Simulation.MaxConcurrent,
			Duration:      cfg.Simulation.Duration,
			Executor:      cfg.Simulation.Executor.Command,
			Risk:          cfg.Simulation.Risk,
		},
		Promotion: PromotionSummary{
			MaxPromotions: cfg.Promotion.MaxPromotions,
			MinScore:      cfg.Promotion.MinScore,
			MinTrades:     cfg.Promotion.MinTrades,
			Weights:       cfg.Promotion.Weights,
		},
		Tiers:   make(map[string]float64, len(tiers.Producers)),
		TierDef: tiers.DefaultWeight,
		Notify:  "off",
	}
	for _, job := range jobs {
		s.Jobs = append(s.Jobs, JobSummary{Name: job.Name, Every: job.Every, Cron: job.Cron})
	}
	for name, def := range tiers.Producers {
		s.Tiers[name] = def.Weight
	}
	if _, ok := n.(*notifier.Telegram); ok {
		s.Notify = "telegram"
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[运行环境 (RUNTIME)]")
	fmt.Printf("  环境: %s\n", orDash(s.Env))
	fmt.Printf("  数据库: %s\n", orDash(s.DBPath))
	fmt.Printf("  状态接口: %s\n", orDash(s.HTTPAddr))
	fmt.Printf("  已加载策略: %d\n", s.Strategies)
	fmt.Printf("  通知: %s\n", s.Notify)
	fmt.Println()

	fmt.Println("[调度作业 (JOBS)]")
	if len(s.Jobs) == 0 {
		fmt.Println("  (无)")
	}
	for _, job := range s.Jobs {
		if job.Cron != "" {
			fmt.Printf("  - %-14s cron=%s\n", job.Name, job.Cron)
			continue
		}
		fmt.Printf("  - %-14s every=%s\n", job.Name, job.Every)
	}
	fmt.Println()

	fmt.Println("[模拟 (SIMULATION)]")
	fmt.Printf("  并发上限: %d\n", s.Simulation.MaxConcurrent)
	fmt.Printf("  运行时长: %s\n", orDash(s.Simulation.Duration))
	fmt.Printf("  执行器: %s\n", orDash(s.Simulation.Executor))
	r := s.Simulation.Risk
	fmt.Printf("  风控: 回撤<%.2f%% 连亏<%d 胜率>=%.2f%%(≥%d笔) 日亏<%.2f%%\n",
		r.MaxDrawdown*100, r.MaxConsecutiveLosses, r.MinWinRate*100, r.MinTradesForWinRate, r.MaxDailyLoss*100)
	fmt.Println()

	fmt.Println("[晋升 (PROMOTION)]")
	fmt.Printf("  每轮上限: %d\n", s.Promotion.MaxPromotions)
	fmt.Printf("  最低分数: %.4f  最少交易: %d\n", s.Promotion.MinScore, s.Promotion.MinTrades)
	w := s.Promotion.Weights
	fmt.Printf("  权重: recency=%.2f score=%.2f tier=%.2f\n", w.Recency, w.Score, w.Tier)
	fmt.Println()

	fmt.Println("[生成器档位 (PRODUCER TIERS)]")
	fmt.Printf("  默认权重: %.2f\n", s.TierDef)
	names := make([]string, 0, len(s.Tiers))
	for name := range s.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  - %s: %.2f\n", name, s.Tiers[name])
	}
	fmt.Println(strings.Repeat("=", 80))
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
