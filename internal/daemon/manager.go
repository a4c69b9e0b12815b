package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned when the PID file is missing or stale.
var ErrNotRunning = errors.New("daemon not running")

// ReadPIDFile returns the PID recorded in pidFile.
func ReadPIDFile(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", pidFile)
	}
	return pid, nil
}

// Signal sends sig to the daemon recorded in pidFile. Signal 0 probes
// whether the process is alive.
func Signal(pidFile string, sig syscall.Signal) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return err
	}

	// 发送信号
	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// StopByPID sends SIGTERM and waits up to timeout for the process to exit.
func StopByPID(pidFile string, timeout time.Duration) error {
	if err := Signal(pidFile, syscall.SIGTERM); err != nil {
		return err
	}

	// 等待进程退出
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := Signal(pidFile, 0); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not exit within %s", timeout)
}
