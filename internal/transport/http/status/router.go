package statushttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quantforge/internal/store"
	"quantforge/internal/types"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxListLimit        = 500
)

// Orchestrator 是路由依赖的编排器能力，由 app.App 实现。
type Orchestrator interface {
	Status() types.StatusSnapshot
	Strategies(filter types.StrategyFilter) []types.Strategy
	Strategy(id string) (types.Strategy, error)
	History(ctx context.Context, id string, limit int) ([]types.HistoryEvent, error)
	Promotions(ctx context.Context, id string) ([]types.PromotionRecord, error)
	Simulations(ctx context.Context, q store.RunQuery) ([]types.SimulationRun, error)
	EvaluateNow(id string) error
	StopSimulation(ctx context.Context, runID string) error
}

type Router struct {
	orch Orchestrator
}

func NewRouter(orch Orchestrator) *Router { return &Router{orch: orch} }

// Register 将 /api 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.GET("/strategies", r.handleStrategies)
	group.GET("/strategies/:id", r.handleStrategy)
	group.POST("/strategies/:id/evaluate", r.handleEvaluate)
	group.GET("/simulations", r.handleSimulations)
	group.POST("/simulations/:id/stop", r.handleStopSimulation)
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.orch.Status())
}

func (r *Router) handleStrategies(c *gin.Context) {
	filter := types.StrategyFilter{
		Producer: strings.TrimSpace(c.Query("producer")),
		Category: strings.TrimSpace(c.Query("category")),
	}
	for _, raw := range splitList(c.Query("state")) {
		st, err := types.ParseLifecycleState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.States = append(filter.States, st)
	}
	if raw := strings.TrimSpace(c.Query("simulating")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "simulating must be a boolean"})
			return
		}
		filter.Simulating = &v
	}
	list := r.orch.Strategies(filter)
	out := make([]strategyView, 0, len(list))
	for _, s := range list {
		out = append(out, newStrategyView(s))
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out, "count": len(out)})
}

func (r *Router) handleStrategy(c *gin.Context) {
	id := c.Param("id")
	s, err := r.orch.Strategy(id)
	if err != nil {
		writeError(c, err)
		return
	}
	limit := queryLimit(c, defaultHistoryLimit)
	history, err := r.orch.History(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	promotions, err := r.orch.Promotions(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	events := make([]eventView, 0, len(history))
	for _, evt := range history {
		events = append(events, newEventView(evt))
	}
	promos := make([]promotionView, 0, len(promotions))
	for _, rec := range promotions {
		promos = append(promos, newPromotionView(rec))
	}
	c.JSON(http.StatusOK, gin.H{
		"strategy":   newStrategyView(s),
		"history":    events,
		"promotions": promos,
	})
}

func (r *Router) handleEvaluate(c *gin.Context) {
	id := c.Param("id")
	if err := r.orch.EvaluateNow(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "strategy_id": id})
}

func (r *Router) handleSimulations(c *gin.Context) {
	q := store.RunQuery{
		StrategyID: strings.TrimSpace(c.Query("strategy_id")),
		Limit:      queryLimit(c, 100),
	}
	for _, raw := range splitList(c.Query("status")) {
		q.Statuses = append(q.Statuses, types.RunStatus(strings.ToLower(raw)))
	}
	runs, err := r.orch.Simulations(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunView(run))
	}
	c.JSON(http.StatusOK, gin.H{"simulations": out, "count": len(out)})
}

func (r *Router) handleStopSimulation(c *gin.Context) {
	runID := c.Param("id")
	if err := r.orch.StopSimulation(c.Request.Context(), runID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "run_id": runID, "at": time.Now().UTC()})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, types.ErrResourceExhausted):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
