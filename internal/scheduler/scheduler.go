// Package scheduler 是编排器的顶层控制循环：按各自的间隔（带抖动）或 cron 表达式触发作业，
// 每次触发在独立 goroutine 中执行，同名作业仍在运行时本次触发被跳过。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/logger"
	"quantforge/internal/metrics"
	"quantforge/internal/types"

	"github.com/robfig/cron/v3"
)

var (
	ErrNotRunning = errors.New("scheduler not running")
	errPanicked   = errors.New("job panicked")
)

const submitQueue = 64

// Job 描述一个周期作业。Cron 非空时优先于 Every。
type Job struct {
	Name           string
	Every          time.Duration
	Cron           string
	RunImmediately bool
	Timeout        time.Duration
	Run            func(ctx context.Context) error
}

// Result 是一次触发的结果。Skipped 表示上一次执行尚未结束。
type Result struct {
	Job       string
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
	Skipped   bool
	Adhoc     bool
}

func (r Result) Panicked() bool { return errors.Is(r.Err, errPanicked) }

type entry struct {
	job   Job
	sched cron.Schedule
	next  time.Time
	busy  bool
}

type adhoc struct {
	name string
	fn   func(ctx context.Context) error
}

type Scheduler struct {
	clock    clock.Clock
	metrics  *metrics.Metrics
	jitter   float64
	window   time.Duration
	observer func(Result)

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	running  map[string]int
	failures map[string][]time.Time

	submitCh chan adhoc
	started  atomic.Bool
	wg       sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithJitter 设置间隔抖动比例，0.1 表示在 ±10% 内随机。
func WithJitter(ratio float64) Option { return func(s *Scheduler) { s.jitter = ratio } }

// WithFailureWindow 设置 RecentFailures 统计的时间窗口。
func WithFailureWindow(d time.Duration) Option { return func(s *Scheduler) { s.window = d } }

func WithRand(r *rand.Rand) Option { return func(s *Scheduler) { s.rng = r } }

// WithObserver 在每次触发结束（或被跳过）后回调。
func WithObserver(fn func(Result)) Option { return func(s *Scheduler) { s.observer = fn } }

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock.Real(),
		window:   time.Hour,
		entries:  make(map[string]*entry),
		running:  make(map[string]int),
		failures: make(map[string][]time.Time),
		submitCh: make(chan adhoc, submitQueue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.clock = clock.Or(s.clock)
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.jitter < 0 {
		s.jitter = 0
	}
	if s.jitter > 0.5 {
		s.jitter = 0.5
	}
	return s
}

// Add 注册作业，必须在 Run 之前调用。
func (s *Scheduler) Add(job Job) error {
	if s.started.Load() {
		return fmt.Errorf("add %s: scheduler already started", job.Name)
	}
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("add job: name and run func are required")
	}
	e := &entry{job: job}
	if job.Cron != "" {
		sched, err := cron.ParseStandard(job.Cron)
		if err != nil {
			return fmt.Errorf("add %s: cron %q: %w", job.Name, job.Cron, err)
		}
		e.sched = sched
	} else if job.Every <= 0 {
		return fmt.Errorf("add %s: interval must be > 0", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("add %s: duplicate job", job.Name)
	}
	s.entries[job.Name] = e
	s.order = append(s.order, job.Name)
	return nil
}

// Run 运行控制循环直到 ctx 结束，返回前等待所有在途作业退出。
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	defer s.started.Store(false)
	now := s.clock.Now()
	s.mu.Lock()
	for _, name := range s.order {
		e := s.entries[name]
		if e.job.RunImmediately {
			e.next = now
		} else {
			e.next = s.nextFire(e, now)
		}
		logger.Infof("[scheduler] %s 下次执行 %s", name, e.next.Format(time.RFC3339))
	}
	s.mu.Unlock()

	var timer <-chan time.Time
	for {
		if timer == nil {
			now = s.clock.Now()
			s.fireDue(ctx, now)
			if wait, ok := s.untilNext(now); ok {
				timer = s.clock.After(wait)
			}
		}
		select {
		case <-ctx.Done():
			s.wg.Wait()
			logger.Infof("[scheduler] 控制循环退出")
			return nil
		case <-timer:
			timer = nil
		case req := <-s.submitCh:
			s.dispatch(ctx, nil, req.name, req.fn, true)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, name := range s.order {
		e := s.entries[name]
		if !e.next.After(now) {
			due = append(due, e)
			e.next = s.nextFire(e, now)
		}
	}
	s.mu.Unlock()
	for _, e := range due {
		s.dispatch(ctx, e, e.job.Name, e.job.Run, false)
	}
}

func (s *Scheduler) untilNext(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, e := range s.entries {
		if earliest.IsZero() || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, true
}

// nextFire 计算下次触发时间。间隔作业在 ±jitter 比例内随机，且至少推进半个间隔。
func (s *Scheduler) nextFire(e *entry, from time.Time) time.Time {
	if e.sched != nil {
		return e.sched.Next(from)
	}
	every := e.job.Every
	if s.jitter == 0 {
		return from.Add(every)
	}
	s.rngMu.Lock()
	f := s.rng.Float64()*2 - 1
	s.rngMu.Unlock()
	d := every + time.Duration(float64(every)*s.jitter*f)
	if d < every/2 {
		d = every / 2
	}
	return from.Add(d)
}

func (s *Scheduler) dispatch(ctx context.Context, e *entry, name string, fn func(context.Context) error, isAdhoc bool) {
	s.mu.Lock()
	if e != nil && e.busy {
		s.mu.Unlock()
		logger.Warnf("[scheduler] %s 上一次执行尚未结束，本次跳过", name)
		s.metrics.RecordJobSkipped(name)
		s.observe(Result{Job: name, StartedAt: s.clock.Now(), EndedAt: s.clock.Now(), Skipped: true})
		return
	}
	if e != nil {
		e.busy = true
	}
	s.running[name]++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var timeout time.Duration
		if e != nil {
			timeout = e.job.Timeout
		}
		res := s.execute(ctx, name, fn, timeout)
		res.Adhoc = isAdhoc
		s.mu.Lock()
		if e != nil {
			e.busy = false
		}
		if s.running[name]--; s.running[name] <= 0 {
			delete(s.running, name)
		}
		if res.Err != nil {
			s.failures[name] = append(s.pruneLocked(name, res.EndedAt), res.EndedAt)
		}
		s.mu.Unlock()
		s.observe(res)
	}()
}

func (s *Scheduler) execute(ctx context.Context, name string, fn func(context.Context) error, timeout time.Duration) (res Result) {
	res = Result{Job: name, StartedAt: s.clock.Now()}
	start := time.Now()
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[scheduler] %s panic: %v\n%s", name, r, debug.Stack())
			res.Err = fmt.Errorf("%s: %w: %v", name, errPanicked, r)
		}
		res.EndedAt = s.clock.Now()
		result := "ok"
		switch {
		case res.Panicked():
			result = "panic"
		case res.Err != nil:
			result = "error"
		}
		s.metrics.RecordJob(name, result, time.Since(start))
	}()
	if err := fn(runCtx); err != nil {
		res.Err = err
		logger.Errorf("[scheduler] job=%s 失败: %v", name, err)
	}
	return res
}

func (s *Scheduler) observe(res Result) {
	if s.observer != nil {
		s.observer(res)
	}
}

// Submit 提交一个即时作业，由控制循环在独立 goroutine 中执行，不会阻塞调用方。
func (s *Scheduler) Submit(name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("submit %s: nil func", name)
	}
	if !s.started.Load() {
		return fmt.Errorf("submit %s: %w", name, ErrNotRunning)
	}
	select {
	case s.submitCh <- adhoc{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("submit %s: queue full: %w", name, types.ErrResourceExhausted)
	}
}

// Running 返回当前在执行的作业名（排序后）。
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name := range s.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RecentFailures 返回失败窗口内每个作业的失败次数。
func (s *Scheduler) RecentFailures() map[string]int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.failures))
	for name := range s.failures {
		kept := s.pruneLocked(name, now)
		if len(kept) == 0 {
			delete(s.failures, name)
			continue
		}
		s.failures[name] = kept
		out[name] = len(kept)
	}
	return out
}

func (s *Scheduler) pruneLocked(name string, now time.Time) []time.Time {
	list := s.failures[name]
	cutoff := now.Add(-s.window)
	kept := list[:0]
	for _, at := range list {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

// Next 返回作业的下次计划触发时间。
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}
