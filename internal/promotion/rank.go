package promotion

import (
	"fmt"
	"math"
	"sort"
	"time"

	"quantforge/internal/types"
)

// Weights 是加权排名的三项系数，会按总和归一化。
type Weights struct {
	Recency float64
	Score   float64
	Tier    float64
}

// Candidate 是一个可晋升的实体及其排名得分。
type Candidate struct {
	Strategy types.Strategy
	Weighted float64
	Recency  float64
	Tier     float64
	Previous *types.PromotionRecord
}

// recencyFactor 按半衰期指数衰减：刚评估为 1，经过一个半衰期为 0.5。
func recencyFactor(now, at time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 || at.IsZero() {
		return 1
	}
	age := now.Sub(at)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

func normalizeScore(score, ceiling float64) float64 {
	if ceiling <= 0 {
		ceiling = 1
	}
	v := score / ceiling
	return math.Max(0, math.Min(1, v))
}

func (w Weights) combine(recency, score, tier float64) float64 {
	total := w.Recency + w.Score + w.Tier
	if total <= 0 {
		return score
	}
	return (w.Recency*recency + w.Score*score + w.Tier*tier) / total
}

func sortCandidates(list []Candidate) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Weighted != list[j].Weighted {
			return list[i].Weighted > list[j].Weighted
		}
		return list[i].Strategy.ID < list[j].Strategy.ID
	})
}

// reasons 生成有序的晋升说明，写入 PromotionRecord.QualitativeReasons。
func (c Candidate) reasons(minScore float64, judged []string) []string {
	s := c.Strategy
	out := []string{
		fmt.Sprintf("score %.4f >= minimum %.4f", s.ScoreValue(), minScore),
		fmt.Sprintf("weighted rank %.4f", c.Weighted),
		fmt.Sprintf("producer %q tier weight %.2f", s.Producer, c.Tier),
		fmt.Sprintf("recency factor %.2f", c.Recency),
	}
	if s.EvalTrades > 0 {
		out = append(out, fmt.Sprintf("%d trades in evaluation window", s.EvalTrades))
	}
	if c.Previous != nil {
		out = append(out, fmt.Sprintf("improved from %.4f", c.Previous.ScoreAtPromotion))
	}
	return append(out, judged...)
}
