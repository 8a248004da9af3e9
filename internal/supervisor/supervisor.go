package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"quantforge/internal/logger"
	"quantforge/internal/types"
)

const (
	defaultGrace   = 5 * time.Second
	killReapWindow = 5 * time.Second
)

// State 是受监管进程的状态。
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCanceled  State = "canceled"
)

// Spec 描述一次外部命令调用。Timeout 为 0 表示不设上限。
type Spec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Handle 标识一个受监管进程，在 Wait/Cancel 被观察到之前一直有效。
type Handle struct {
	ID  uint64
	PID int
}

// Status 是 Poll 的返回值。
type Status struct {
	State     State
	PID       int
	StartedAt time.Time
	Excerpt   []string
}

// ExitOutcome 描述进程的终止方式。timed_out 与 failed（非零退出）区分开。
type ExitOutcome struct {
	Kind      State
	ExitCode  int
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
	Excerpt   []string
}

func (o ExitOutcome) Success() bool { return o.Kind == StateCompleted }

// AsError 将非成功结果映射为错误分类。
func (o ExitOutcome) AsError() error {
	switch o.Kind {
	case StateCompleted:
		return nil
	case StateTimedOut:
		return fmt.Errorf("%w after %s", types.ErrProcessTimeout, o.EndedAt.Sub(o.StartedAt).Round(time.Second))
	case StateCanceled:
		return fmt.Errorf("%w: canceled", types.ErrProcessFailed)
	default:
		if o.Err != nil {
			return fmt.Errorf("%w: exit=%d: %v", types.ErrProcessFailed, o.ExitCode, o.Err)
		}
		return fmt.Errorf("%w: exit=%d", types.ErrProcessFailed, o.ExitCode)
	}
}

// Reason 返回适合写入实体 last_error 的简短描述，附带最后一行输出。
func (o ExitOutcome) Reason() string {
	err := o.AsError()
	if err == nil {
		return ""
	}
	msg := err.Error()
	if n := len(o.Excerpt); n > 0 {
		msg += ": " + o.Excerpt[n-1]
	}
	return msg
}

type process struct {
	handle   Handle
	spec     Spec
	cmd      *exec.Cmd
	sink     *LineSink
	started  time.Time
	done     chan struct{}
	outcome  ExitOutcome
	timedOut atomic.Bool
	canceled atomic.Bool
	killOnce sync.Once
	timer    *time.Timer
}

// Supervisor 启动并跟踪外部长时间运行的命令。
type Supervisor struct {
	mu     sync.Mutex
	procs  map[uint64]*process
	nextID uint64
}

func New() *Supervisor {
	return &Supervisor{procs: make(map[uint64]*process)}
}

// Start 以独立进程组启动命令，stdout/stderr 逐行写入 sink。
func (s *Supervisor) Start(spec Spec, sink *LineSink) (Handle, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return Handle{}, fmt.Errorf("supervisor: empty command: %w", types.ErrProcessFailed)
	}
	if sink == nil {
		sink = NewLineSink(defaultSinkLines, nil)
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group so signals reach every child the command spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("supervisor %s: stdout pipe: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("supervisor %s: stderr pipe: %w", spec.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("supervisor %s: start %s: %w: %v", spec.Name, spec.Command, types.ErrProcessFailed, err)
	}

	s.mu.Lock()
	s.nextID++
	p := &process{
		handle:  Handle{ID: s.nextID, PID: cmd.Process.Pid},
		spec:    spec,
		cmd:     cmd,
		sink:    sink,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	s.procs[p.handle.ID] = p
	s.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go pumpLines(stdout, sink, &readers)
	go pumpLines(stderr, sink, &readers)
	go p.reap(&readers)

	if spec.Timeout > 0 {
		p.timer = time.AfterFunc(spec.Timeout, func() {
			p.timedOut.Store(true)
			logger.Warnf("[supervisor] %s pid=%d 超时 (%s)，终止进程组", spec.Name, p.handle.PID, spec.Timeout)
			p.terminate(defaultGrace)
		})
	}
	logger.Debugf("[supervisor] started %s pid=%d cmd=%s", spec.Name, p.handle.PID, spec.Command)
	return p.handle, nil
}

func pumpLines(r io.Reader, sink *LineSink, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, 64*1024)
	var buf strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 && buf.Len() <= defaultMaxLineLen {
			buf.Write(chunk)
		}
		if err != nil {
			if buf.Len() > 0 {
				sink.Append(buf.String())
			}
			return
		}
		if isPrefix {
			continue
		}
		sink.Append(buf.String())
		buf.Reset()
	}
}

// reap 等待输出读完后回收进程并记录结果。
func (p *process) reap(readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()
	if p.timer != nil {
		p.timer.Stop()
	}
	out := ExitOutcome{
		StartedAt: p.started,
		EndedAt:   time.Now(),
		Excerpt:   p.sink.Last(defaultExcerptSize),
		ExitCode:  p.cmd.ProcessState.ExitCode(),
	}
	switch {
	case p.canceled.Load():
		out.Kind = StateCanceled
	case p.timedOut.Load():
		out.Kind = StateTimedOut
	case err == nil:
		out.Kind = StateCompleted
	default:
		out.Kind = StateFailed
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			out.Err = err
		}
	}
	p.outcome = out
	close(p.done)
}

// terminate 向进程组发送 SIGTERM，grace 后仍未退出则 SIGKILL。
func (p *process) terminate(grace time.Duration) {
	p.killOnce.Do(func() {
		if grace <= 0 {
			grace = defaultGrace
		}
		pgid := p.handle.PID
		if err := signalGroup(pgid, syscall.SIGTERM); err != nil {
			logger.Debugf("[supervisor] SIGTERM pgid=%d: %v", pgid, err)
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(grace):
				logger.Warnf("[supervisor] %s pid=%d 未在 %s 内退出，发送 SIGKILL", p.spec.Name, pgid, grace)
				_ = signalGroup(pgid, syscall.SIGKILL)
			}
		}()
	})
}

func (s *Supervisor) lookup(h Handle) (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[h.ID]
	if !ok {
		return nil, fmt.Errorf("process handle %d: %w", h.ID, types.ErrNotFound)
	}
	return p, nil
}

func (s *Supervisor) release(h Handle) {
	s.mu.Lock()
	delete(s.procs, h.ID)
	s.mu.Unlock()
}

// Poll 返回进程当前状态与最近输出摘录，不会释放 handle。
func (s *Supervisor) Poll(h Handle) (Status, error) {
	p, err := s.lookup(h)
	if err != nil {
		return Status{}, err
	}
	st := Status{State: StateRunning, PID: h.PID, StartedAt: p.started}
	select {
	case <-p.done:
		st.State = p.outcome.Kind
		st.Excerpt = p.outcome.Excerpt
	default:
		st.Excerpt = p.sink.Last(defaultExcerptSize)
	}
	return st, nil
}

// Cancel 终止进程（SIGTERM，grace 后 SIGKILL），等待回收后释放 handle。
// 已经自行退出的进程保持原有结果。
func (s *Supervisor) Cancel(h Handle, grace time.Duration) (ExitOutcome, error) {
	p, err := s.lookup(h)
	if err != nil {
		return ExitOutcome{}, err
	}
	select {
	case <-p.done:
	default:
		p.canceled.Store(true)
		p.terminate(grace)
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	select {
	case <-p.done:
	case <-time.After(grace + killReapWindow):
		return ExitOutcome{}, fmt.Errorf("process %s pid=%d did not exit after SIGKILL", p.spec.Name, h.PID)
	}
	s.release(h)
	return p.outcome, nil
}

// Wait 等待进程结束。timeout>0 时超过等待时间视为超时并终止进程；ctx 取消视为 canceled。
func (s *Supervisor) Wait(ctx context.Context, h Handle, timeout time.Duration) (ExitOutcome, error) {
	p, err := s.lookup(h)
	if err != nil {
		return ExitOutcome{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-p.done:
	case <-deadline:
		p.timedOut.Store(true)
		p.terminate(defaultGrace)
		<-p.done
	case <-ctx.Done():
		p.canceled.Store(true)
		p.terminate(defaultGrace)
		<-p.done
	}
	s.release(h)
	return p.outcome, nil
}

// Active 返回尚未释放的 handle 数量。
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Shutdown 取消全部进程。
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.procs))
	for _, p := range s.procs {
		handles = append(handles, p.handle)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if _, err := s.Cancel(h, grace); err != nil {
				logger.Warnf("[supervisor] shutdown cancel pid=%d: %v", h.PID, err)
			}
		}(h)
	}
	wg.Wait()
}
