package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"quantforge/internal/types"

	"gorm.io/datatypes"
)

// StrategyModel 对应 strategies 表。时间列以 unix 秒保存。
type StrategyModel struct {
	ID            string   `gorm:"column:id;primaryKey"`
	ArtifactPath  string   `gorm:"column:artifact_path"`
	Category      string   `gorm:"column:category;index"`
	Producer      string   `gorm:"column:producer;index"`
	State         string   `gorm:"column:state;index"`
	PreSimState   string   `gorm:"column:pre_sim_state"`
	Score         *float64 `gorm:"column:score"`
	EvalTrades    int      `gorm:"column:eval_trades"`
	LastEvalUnix  *int64   `gorm:"column:last_evaluated_at"`
	IsSimulating  bool     `gorm:"column:is_simulating"`
	LastError     string   `gorm:"column:last_error"`
	LastErrorUnix *int64   `gorm:"column:last_error_at"`
	CreatedAtUnix int64    `gorm:"column:created_at"`
	UpdatedAtUnix int64    `gorm:"column:updated_at"`
}

func (StrategyModel) TableName() string { return "strategies" }

func NewStrategyModel(s types.Strategy) StrategyModel {
	m := StrategyModel{
		ID:            s.ID,
		ArtifactPath:  s.ArtifactPath,
		Category:      s.Category,
		Producer:      s.Producer,
		State:         string(s.State),
		PreSimState:   string(s.PreSimState),
		EvalTrades:    s.EvalTrades,
		IsSimulating:  s.IsSimulating,
		LastError:     s.LastError,
		CreatedAtUnix: s.CreatedAt.Unix(),
		UpdatedAtUnix: s.UpdatedAt.Unix(),
	}
	if s.Score != nil {
		v := *s.Score
		m.Score = &v
	}
	m.LastEvalUnix = unixPtr(s.LastEvaluatedAt)
	m.LastErrorUnix = unixPtr(s.LastErrorAt)
	return m
}

// Decode 将行转换为实体；缺少 id、状态未知或创建时间无效的行返回错误。
func (m StrategyModel) Decode() (types.Strategy, error) {
	id := strings.TrimSpace(m.ID)
	if id == "" {
		return types.Strategy{}, fmt.Errorf("strategy row without id")
	}
	state, err := types.ParseLifecycleState(m.State)
	if err != nil {
		return types.Strategy{}, fmt.Errorf("strategy %s: %w", id, err)
	}
	if m.CreatedAtUnix <= 0 {
		return types.Strategy{}, fmt.Errorf("strategy %s: invalid created_at %d", id, m.CreatedAtUnix)
	}
	s := types.Strategy{
		ID:           id,
		ArtifactPath: m.ArtifactPath,
		Category:     m.Category,
		Producer:     m.Producer,
		State:        state,
		EvalTrades:   m.EvalTrades,
		IsSimulating: m.IsSimulating,
		LastError:    m.LastError,
		CreatedAt:    time.Unix(m.CreatedAtUnix, 0).UTC(),
	}
	if m.UpdatedAtUnix > 0 {
		s.UpdatedAt = time.Unix(m.UpdatedAtUnix, 0).UTC()
	}
	if m.PreSimState != "" {
		if pre, err := types.ParseLifecycleState(m.PreSimState); err == nil {
			s.PreSimState = pre
		}
	}
	if m.Score != nil {
		v := *m.Score
		s.Score = &v
	}
	s.LastEvaluatedAt = timePtr(m.LastEvalUnix)
	s.LastErrorAt = timePtr(m.LastErrorUnix)
	return s, nil
}

// SimulationRunModel 对应 simulation_runs 表；config 与 rolling_metrics 以 JSON 列保存。
type SimulationRunModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	StrategyID    string         `gorm:"column:strategy_id;index"`
	Status        string         `gorm:"column:status;index"`
	StartedAtUnix int64          `gorm:"column:started_at"`
	EndedAtUnix   *int64         `gorm:"column:ended_at"`
	ConfigJSON    datatypes.JSON `gorm:"column:config;type:TEXT"`
	MetricsJSON   datatypes.JSON `gorm:"column:rolling_metrics;type:TEXT"`
	ReportJSON    datatypes.JSON `gorm:"column:final_report;type:TEXT"`
	Breach        string         `gorm:"column:breach"`
	Reason        string         `gorm:"column:reason"`
	PID           int            `gorm:"column:pid"`
	WorkDir       string         `gorm:"column:work_dir"`
	MetricsPath   string         `gorm:"column:metrics_path"`
	Cycles        int            `gorm:"column:cycles"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (SimulationRunModel) TableName() string { return "simulation_runs" }

func NewSimulationRunModel(r types.SimulationRun) SimulationRunModel {
	m := SimulationRunModel{
		ID:            r.ID,
		StrategyID:    r.StrategyID,
		Status:        string(r.Status),
		StartedAtUnix: r.StartedAt.Unix(),
		EndedAtUnix:   unixPtr(r.EndedAt),
		ConfigJSON:    datatypes.JSON(mustJSON(r.Config)),
		MetricsJSON:   datatypes.JSON(mustJSON(r.Metrics)),
		Breach:        r.Breach,
		Reason:        r.Reason,
		PID:           r.PID,
		WorkDir:       r.WorkDir,
		MetricsPath:   r.MetricsPath,
		Cycles:        r.Cycles,
		UpdatedAtUnix: time.Now().Unix(),
	}
	if r.FinalReport != nil {
		m.ReportJSON = datatypes.JSON(mustJSON(r.FinalReport))
	}
	return m
}

func (m SimulationRunModel) Decode() (types.SimulationRun, error) {
	if strings.TrimSpace(m.ID) == "" {
		return types.SimulationRun{}, fmt.Errorf("simulation run without id")
	}
	r := types.SimulationRun{
		ID:          m.ID,
		StrategyID:  m.StrategyID,
		Status:      types.RunStatus(m.Status),
		StartedAt:   time.Unix(m.StartedAtUnix, 0).UTC(),
		EndedAt:     timePtr(m.EndedAtUnix),
		Breach:      m.Breach,
		Reason:      m.Reason,
		PID:         m.PID,
		WorkDir:     m.WorkDir,
		MetricsPath: m.MetricsPath,
		Cycles:      m.Cycles,
	}
	if len(m.ConfigJSON) > 0 {
		if err := json.Unmarshal(m.ConfigJSON, &r.Config); err != nil {
			return types.SimulationRun{}, fmt.Errorf("run %s config: %w", m.ID, err)
		}
	}
	if len(m.MetricsJSON) > 0 {
		if err := json.Unmarshal(m.MetricsJSON, &r.Metrics); err != nil {
			return types.SimulationRun{}, fmt.Errorf("run %s metrics: %w", m.ID, err)
		}
	}
	if len(m.ReportJSON) > 0 && string(m.ReportJSON) != "null" {
		var rep types.FinalReport
		if err := json.Unmarshal(m.ReportJSON, &rep); err == nil {
			r.FinalReport = &rep
		}
	}
	return r, nil
}

// PromotionRecordModel 只追加，不更新。
type PromotionRecordModel struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	StrategyID     string         `gorm:"column:strategy_id;index"`
	PromotedAtUnix int64          `gorm:"column:promoted_at"`
	Score          float64        `gorm:"column:score_at_promotion"`
	ReasonsJSON    datatypes.JSON `gorm:"column:qualitative_reasons;type:TEXT"`
	ArtifactPath   string         `gorm:"column:artifact_path"`
	BackupPath     string         `gorm:"column:backup_path"`
}

func (PromotionRecordModel) TableName() string { return "promotion_records" }

func NewPromotionRecordModel(rec types.PromotionRecord) PromotionRecordModel {
	return PromotionRecordModel{
		StrategyID:     rec.StrategyID,
		PromotedAtUnix: rec.PromotedAt.Unix(),
		Score:          rec.ScoreAtPromotion,
		ReasonsJSON:    datatypes.JSON(mustJSON(rec.QualitativeReasons)),
		ArtifactPath:   rec.ArtifactPath,
		BackupPath:     rec.BackupPath,
	}
}

func (m PromotionRecordModel) Decode() types.PromotionRecord {
	rec := types.PromotionRecord{
		ID:               m.ID,
		StrategyID:       m.StrategyID,
		PromotedAt:       time.Unix(m.PromotedAtUnix, 0).UTC(),
		ScoreAtPromotion: m.Score,
		ArtifactPath:     m.ArtifactPath,
		BackupPath:       m.BackupPath,
	}
	if len(m.ReasonsJSON) > 0 {
		_ = json.Unmarshal(m.ReasonsJSON, &rec.QualitativeReasons)
	}
	return rec
}

// StrategyEventModel 记录策略历史（迁移、失败、模拟终报等）。
type StrategyEventModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	StrategyID    string         `gorm:"column:strategy_id;index"`
	Kind          string         `gorm:"column:kind"`
	Message       string         `gorm:"column:message"`
	DetailsJSON   datatypes.JSON `gorm:"column:details;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (StrategyEventModel) TableName() string { return "strategy_events" }

func NewStrategyEventModel(evt types.HistoryEvent) StrategyEventModel {
	m := StrategyEventModel{
		StrategyID:    evt.StrategyID,
		Kind:          string(evt.Kind),
		Message:       evt.Message,
		CreatedAtUnix: evt.CreatedAt.Unix(),
	}
	if len(evt.Details) > 0 {
		m.DetailsJSON = datatypes.JSON(evt.Details)
	}
	return m
}

func (m StrategyEventModel) Decode() types.HistoryEvent {
	return types.HistoryEvent{
		ID:         m.ID,
		StrategyID: m.StrategyID,
		Kind:       types.EventKind(m.Kind),
		Message:    m.Message,
		Details:    json.RawMessage(m.DetailsJSON),
		CreatedAt:  time.Unix(m.CreatedAtUnix, 0).UTC(),
	}
}

func unixPtr(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

func timePtr(v *int64) *time.Time {
	if v == nil || *v <= 0 {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
