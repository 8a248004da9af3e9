package types

import (
	"fmt"
	"strings"
	"time"
)

// LifecycleState 描述策略实体在生命周期中的位置。
type LifecycleState string

const (
	StateCreated    LifecycleState = "created"
	StateValidated  LifecycleState = "validated"
	StateEvaluated  LifecycleState = "evaluated"
	StateOptimized  LifecycleState = "optimized"
	StateSimulating LifecycleState = "simulating"
	StatePromoted   LifecycleState = "promoted"
	StateRetired    LifecycleState = "retired"
)

// AllStates 按生命周期顺序列出全部状态，状态统计按此顺序输出。
var AllStates = []LifecycleState{
	StateCreated,
	StateValidated,
	StateEvaluated,
	StateOptimized,
	StateSimulating,
	StatePromoted,
	StateRetired,
}

var stateRank = map[LifecycleState]int{
	StateCreated:    0,
	StateValidated:  1,
	StateEvaluated:  2,
	StateOptimized:  3,
	StateSimulating: 4,
	StatePromoted:   5,
}

var transitions = map[LifecycleState][]LifecycleState{
	StateCreated:    {StateValidated, StateRetired},
	StateValidated:  {StateEvaluated, StateRetired},
	StateEvaluated:  {StateOptimized, StateSimulating, StatePromoted, StateRetired},
	StateOptimized:  {StateSimulating, StatePromoted},
	StateSimulating: {StateEvaluated, StateOptimized},
	StatePromoted:   {StatePromoted},
}

// ParseLifecycleState 解析持久化的状态字符串，未知值返回错误。
func ParseLifecycleState(raw string) (LifecycleState, error) {
	st := LifecycleState(strings.ToLower(strings.TrimSpace(raw)))
	if st == StateRetired {
		return st, nil
	}
	if _, ok := stateRank[st]; !ok {
		return "", fmt.Errorf("unknown lifecycle state %q", raw)
	}
	return st, nil
}

func (s LifecycleState) Valid() bool {
	_, err := ParseLifecycleState(string(s))
	return err == nil
}

// AtLeast reports whether s is at or beyond other in the forward lifecycle.
// Retired is never "at least" anything.
func (s LifecycleState) AtLeast(other LifecycleState) bool {
	a, ok := stateRank[s]
	if !ok {
		return false
	}
	b, ok := stateRank[other]
	if !ok {
		return false
	}
	return a >= b
}

// CanTransition 判断 from→to 是否为合法迁移。相同状态视为原地更新。
func CanTransition(from, to LifecycleState) bool {
	if from == to {
		return from != StateRetired && from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Strategy 是注册表中的策略实体。
type Strategy struct {
	ID              string
	ArtifactPath    string
	Category        string
	Producer        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	State           LifecycleState
	PreSimState     LifecycleState
	Score           *float64
	EvalTrades      int
	LastEvaluatedAt *time.Time
	IsSimulating    bool
	LastError       string
	LastErrorAt     *time.Time
}

// Clone returns a deep copy so snapshot readers never share pointers with the owner.
func (s Strategy) Clone() Strategy {
	cp := s
	if s.Score != nil {
		v := *s.Score
		cp.Score = &v
	}
	if s.LastEvaluatedAt != nil {
		v := *s.LastEvaluatedAt
		cp.LastEvaluatedAt = &v
	}
	if s.LastErrorAt != nil {
		v := *s.LastErrorAt
		cp.LastErrorAt = &v
	}
	return cp
}

func (s Strategy) HasScore() bool { return s.Score != nil }

// ScoreValue 返回分数，未评估时返回 0。
func (s Strategy) ScoreValue() float64 {
	if s.Score == nil {
		return 0
	}
	return *s.Score
}

func (s Strategy) Age(now time.Time) time.Duration {
	if s.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(s.CreatedAt)
}

// Float64Ptr 是构造可空分数的小工具。
func Float64Ptr(v float64) *float64 { return &v }

func TimePtr(t time.Time) *time.Time { return &t }

// StrategyFilter 用于 Registry.List 的筛选条件，零值表示不过滤。
type StrategyFilter struct {
	States     []LifecycleState
	Simulating *bool
	Producer   string
	Category   string
}

func (f StrategyFilter) Match(s Strategy) bool {
	if len(f.States) > 0 {
		matched := false
		for _, st := range f.States {
			if s.State == st {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.Simulating != nil && s.IsSimulating != *f.Simulating {
		return false
	}
	if f.Producer != "" && !strings.EqualFold(f.Producer, s.Producer) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(f.Category, s.Category) {
		return false
	}
	return true
}
