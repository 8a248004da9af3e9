package supervisor

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return errors.New("invalid process group")
	}
	return unix.Kill(-pgid, sig)
}

// Alive 检查 pid 对应的进程是否仍存在（信号 0 探测）。
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// TerminateOrphan 终止不再由本进程监管的进程组（例如重启前遗留的模拟进程）。
// 返回时进程组已收到 SIGKILL 或已退出。
func TerminateOrphan(pid int, grace time.Duration) {
	if !Alive(pid) {
		return
	}
	_ = signalGroup(pid, unix.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = signalGroup(pid, unix.SIGKILL)
}
