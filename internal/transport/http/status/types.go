package statushttp

import (
	"encoding/json"
	"time"

	"quantforge/internal/types"
)

type strategyView struct {
	ID              string     `json:"id"`
	ArtifactPath    string     `json:"artifact_path"`
	Category        string     `json:"category,omitempty"`
	Producer        string     `json:"producer,omitempty"`
	State           string     `json:"state"`
	Score           *float64   `json:"score"`
	EvalTrades      int        `json:"eval_trades"`
	IsSimulating    bool       `json:"is_simulating"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
}

func newStrategyView(s types.Strategy) strategyView {
	return strategyView{
		ID:              s.ID,
		ArtifactPath:    s.ArtifactPath,
		Category:        s.Category,
		Producer:        s.Producer,
		State:           string(s.State),
		Score:           s.Score,
		EvalTrades:      s.EvalTrades,
		IsSimulating:    s.IsSimulating,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		LastEvaluatedAt: s.LastEvaluatedAt,
		LastError:       s.LastError,
		LastErrorAt:     s.LastErrorAt,
	}
}

type eventView struct {
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newEventView(evt types.HistoryEvent) eventView {
	return eventView{Kind: string(evt.Kind), Message: evt.Message, Details: evt.Details, CreatedAt: evt.CreatedAt}
}

type promotionView struct {
	PromotedAt time.Time `json:"promoted_at"`
	Score      float64   `json:"score"`
	Reasons    []string  `json:"reasons"`
	Artifact   string    `json:"artifact"`
	Backup     string    `json:"backup,omitempty"`
}

func newPromotionView(rec types.PromotionRecord) promotionView {
	return promotionView{
		PromotedAt: rec.PromotedAt,
		Score:      rec.ScoreAtPromotion,
		Reasons:    rec.QualitativeReasons,
		Artifact:   rec.ArtifactPath,
		Backup:     rec.BackupPath,
	}
}

type runView struct {
	ID          string               `json:"id"`
	StrategyID  string               `json:"strategy_id"`
	Status      string               `json:"status"`
	Breach      string               `json:"breach,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	EndedAt     *time.Time           `json:"ended_at,omitempty"`
	Cycles      int                  `json:"cycles"`
	Config      types.RunConfig      `json:"config"`
	Metrics     types.RollingMetrics `json:"metrics"`
	FinalReport *types.FinalReport   `json:"final_report,omitempty"`
}

func newRunView(run types.SimulationRun) runView {
	return runView{
		ID:          run.ID,
		StrategyID:  run.StrategyID,
		Status:      string(run.Status),
		Breach:      run.Breach,
		Reason:      run.Reason,
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		Cycles:      run.Cycles,
		Config:      run.Config,
		Metrics:     run.Metrics,
		FinalReport: run.FinalReport,
	}
}
