package notifier

import (
	"fmt"
	"strings"
	"time"

	"quantforge/internal/logger"
	"quantforge/internal/types"
)

// SimulationStopped 渲染模拟结束通知。
func SimulationStopped(run types.SimulationRun, at time.Time) StructuredMessage {
	icon := "🧪"
	if run.Status == types.RunStoppedRisk {
		icon = "🛑"
	}
	m := run.Metrics
	lines := []string{
		fmt.Sprintf("状态: %s", run.Status),
		fmt.Sprintf("交易数: %d 胜率: %.1f%%", m.TradeCount, m.WinRate*100),
		fmt.Sprintf("累计收益: %.2f%% 最大回撤: %.2f%%", m.CumulativeReturn*100, m.MaxDrawdown*100),
	}
	if run.Breach != "" {
		lines = append(lines, "触发阈值: "+run.Breach)
	}
	if run.Reason != "" {
		lines = append(lines, "原因: "+run.Reason)
	}
	msg := StructuredMessage{
		Icon:      icon,
		Title:     "模拟结束 " + run.StrategyID,
		Sections:  []MessageSection{{Title: "run " + run.ID, Lines: lines}},
		Timestamp: at,
	}
	if rep := run.FinalReport; rep != nil {
		verdict := "未通过"
		if rep.Passed {
			verdict = "通过"
		}
		msg.Sections = append(msg.Sections, MessageSection{
			Title: "最终报告",
			Lines: append([]string{fmt.Sprintf("score=%.4f %s", rep.FinalScore, verdict)}, rep.Reasons...),
		})
	}
	return msg
}

// Promoted 渲染晋升通知。
func Promoted(rec types.PromotionRecord) StructuredMessage {
	return StructuredMessage{
		Icon:  "🚀",
		Title: "策略晋升 " + rec.StrategyID,
		Sections: []MessageSection{{
			Title: fmt.Sprintf("score=%.4f", rec.ScoreAtPromotion),
			Lines: rec.QualitativeReasons,
		}},
		Footer:    strings.TrimSpace(rec.ArtifactPath),
		Timestamp: rec.PromotedAt,
	}
}

// Send 渲染并发送消息，失败只记录日志。n 为 nil 时不做任何事。
func Send(n TextNotifier, msg StructuredMessage) {
	if n == nil {
		return
	}
	if err := n.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("[notify] 发送失败: %v", err)
	}
}
