package types

import "time"

// StatusSnapshot 是编排器的只读运行概况，供 /api/status 与外部面板使用。
type StatusSnapshot struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	States            map[string]int `json:"states"`
	ActiveSimulations int            `json:"active_simulations"`
	SimulationLimit   int            `json:"simulation_limit"`
	RunningJobs       []string       `json:"running_jobs"`
	RecentFailures    map[string]int `json:"recent_failures"`
	Evaluating        []string       `json:"evaluating"`
	PendingWrites     int            `json:"pending_writes"`
	BreakerState      string         `json:"producer_breaker"`
}
