// Package clock 提供可注入的时间源，调度与监控循环通过它等待，测试中使用 FakeClock 推进时间。
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real 返回基于 time 包的时钟。
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Or 在 c 为 nil 时返回 Real。
func Or(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
