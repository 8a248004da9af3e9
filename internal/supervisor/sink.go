package supervisor

import (
	"strings"
	"sync"
)

const (
	defaultSinkLines   = 200
	defaultMaxLineLen  = 4096
	defaultExcerptSize = 20
	truncatedMarker    = "…[truncated]"
)

// LineSink 是进程输出的有界接收器：保留最近 N 行，并把每一行交给分类回调。
type LineSink struct {
	mu         sync.Mutex
	lines      []string
	next       int
	full       bool
	total      int
	maxLineLen int
	classify   func(string)
}

// NewLineSink 创建容量为 capacity 行的环形缓冲；classify 可为 nil。
func NewLineSink(capacity int, classify func(string)) *LineSink {
	if capacity <= 0 {
		capacity = defaultSinkLines
	}
	return &LineSink{
		lines:      make([]string, capacity),
		maxLineLen: defaultMaxLineLen,
		classify:   classify,
	}
}

// Append 写入一行。超长行被截断，分类回调在锁外调用。
func (s *LineSink) Append(line string) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) > s.maxLineLen {
		line = line[:s.maxLineLen] + truncatedMarker
	}
	s.mu.Lock()
	s.lines[s.next] = line
	s.next = (s.next + 1) % len(s.lines)
	if s.next == 0 {
		s.full = true
	}
	s.total++
	classify := s.classify
	s.mu.Unlock()
	if classify != nil {
		classify(line)
	}
}

// Lines 按写入顺序返回缓冲中的全部行。
func (s *LineSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]string(nil), s.lines[:s.next]...)
	}
	out := make([]string, 0, len(s.lines))
	out = append(out, s.lines[s.next:]...)
	return append(out, s.lines[:s.next]...)
}

// Last 返回最后 n 行。
func (s *LineSink) Last(n int) []string {
	all := s.Lines()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Total 返回累计写入的行数（包含已被覆盖的）。
func (s *LineSink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
