package evaluation

import "strings"

// Milestone 是评估进程输出中识别出的进度阶段，仅用于观测。
type Milestone string

const (
	MilestoneQueued  Milestone = "queued"
	MilestoneStarted Milestone = "started"
	MilestoneLoading Milestone = "loading_data"
	MilestoneRunning Milestone = "backtesting"
	MilestoneReport  Milestone = "report"
	MilestoneErrored Milestone = "error"
)

var milestonePatterns = []struct {
	needle    string
	milestone Milestone
}{
	{"loading data", MilestoneLoading},
	{"downloading", MilestoneLoading},
	{"backtesting with data", MilestoneRunning},
	{"running backtesting", MilestoneRunning},
	{"backtesting report", MilestoneReport},
	{"result for strategy", MilestoneReport},
	{"error", MilestoneErrored},
	{"traceback", MilestoneErrored},
}

// ClassifyLine 将一行输出映射为进度阶段。
func ClassifyLine(line string) (Milestone, bool) {
	lower := strings.ToLower(line)
	for _, p := range milestonePatterns {
		if strings.Contains(lower, p.needle) {
			return p.milestone, true
		}
	}
	return "", false
}
