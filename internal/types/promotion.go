package types

import (
	"encoding/json"
	"time"
)

// PromotionRecord 一经写入不可修改，后续晋升以新记录覆盖。
type PromotionRecord struct {
	ID                 int64
	StrategyID         string
	PromotedAt         time.Time
	ScoreAtPromotion   float64
	QualitativeReasons []string
	ArtifactPath       string
	BackupPath         string
}

// EventKind 标记策略历史事件类型。
type EventKind string

const (
	EventTransition     EventKind = "transition"
	EventFailure        EventKind = "failure"
	EventEvaluation     EventKind = "evaluation"
	EventSimulationEnd  EventKind = "simulation_end"
	EventPromotion      EventKind = "promotion"
	EventRetention      EventKind = "retention"
	EventOptimization   EventKind = "optimization"
	EventCandidateReady EventKind = "candidate_ready"
)

// HistoryEvent 是附加在策略上的只追加历史。
type HistoryEvent struct {
	ID         int64
	StrategyID string
	Kind       EventKind
	Message    string
	Details    json.RawMessage
	CreatedAt  time.Time
}

// Criteria 是晋升与模拟终报共用的成功判定。
type Criteria struct {
	MinScore  float64
	MinTrades int
}

// Judge 判断分数/交易数是否满足标准，返回人类可读的原因。
func (c Criteria) Judge(score float64, trades int) (bool, []string) {
	var reasons []string
	passed := true
	if score < c.MinScore {
		passed = false
		reasons = append(reasons, "score below minimum")
	}
	if c.MinTrades > 0 && trades < c.MinTrades {
		passed = false
		reasons = append(reasons, "too few trades")
	}
	if passed {
		reasons = append(reasons, "meets promotion criteria")
	}
	return passed, reasons
}
