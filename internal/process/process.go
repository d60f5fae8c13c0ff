/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package process runs child processes and reports how they exited.
// process 包负责运行子进程并报告其退出方式。
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Errors for subprocess operations
// 子进程操作的错误定义
var (
	// ErrStartFailed indicates the process failed to start
	// ErrStartFailed 表示进程启动失败
	ErrStartFailed = errors.New("process failed to start")

	// ErrJoinTimeout indicates the process did not exit in time
	// ErrJoinTimeout 表示进程未在超时内退出
	ErrJoinTimeout = errors.New("process join timed out")
)

// Spec describes a subprocess.
// Spec 描述一个子进程。
type Spec struct {
	// Name is used in errors and logs
	// Name 用于错误与日志
	Name string

	Path string
	Args []string
	Dir  string

	// Env is added to the parent environment, overriding duplicates
	// Env 追加到父进程环境变量中，同名时覆盖
	Env map[string]string

	// LogFile, when set, receives stdout and stderr through a rotating writer
	// LogFile 非空时通过滚动写入器接收 stdout 与 stderr
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Stdout and Stderr are used when LogFile is empty
	// LogFile 为空时使用 Stdout 与 Stderr
	Stdout io.Writer
	Stderr io.Writer

	// NewGroup starts the process in its own process group
	// NewGroup 为 true 时子进程使用独立进程组
	NewGroup bool
}

// ExitStatus describes how a process ended.
// ExitStatus 描述进程的结束方式。
type ExitStatus struct {
	// Code is the exit code; -1 when the process was killed by a signal
	// Code 是退出码；被信号终止时为 -1
	Code   int
	Signal syscall.Signal
}

// Signaled reports whether the process was killed by a signal.
func (s ExitStatus) Signaled() bool { return s.Signal != 0 }

// Success reports a zero exit code.
func (s ExitStatus) Success() bool { return !s.Signaled() && s.Code == 0 }

func (s ExitStatus) String() string {
	if s.Signaled() {
		return "signal: " + unix.SignalName(s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Handle is a running subprocess.
// Handle 是运行中的子进程。
type Handle struct {
	name    string
	cmd     *exec.Cmd
	group   bool
	started time.Time
	logs    io.Closer

	done   chan struct{}
	mu     sync.Mutex
	status ExitStatus
	err    error
}

// RunInSubprocess starts the process described by spec.
// RunInSubprocess 按 spec 启动子进程。
func RunInSubprocess(spec Spec) (*Handle, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("%w: %s: empty path", ErrStartFailed, spec.Name)
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	if spec.NewGroup {
		setProcGroupAttr(cmd)
	}

	h := &Handle{name: spec.Name, cmd: cmd, group: spec.NewGroup, done: make(chan struct{})}

	if spec.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStartFailed, spec.Name, err)
		}
		w := &lumberjack.Logger{
			Filename:   spec.LogFile,
			MaxSize:    max(spec.LogMaxSizeMB, 1),
			MaxBackups: spec.LogMaxBackups,
		}
		cmd.Stdout, cmd.Stderr = w, w
		h.logs = w
	} else {
		cmd.Stdout, cmd.Stderr = spec.Stdout, spec.Stderr
	}

	if err := cmd.Start(); err != nil {
		if h.logs != nil {
			_ = h.logs.Close()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrStartFailed, spec.Name, err)
	}
	h.started = time.Now()
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	status := ExitStatus{Code: -1}
	if ps := h.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
	}
	if h.logs != nil {
		_ = h.logs.Close()
	}

	h.mu.Lock()
	h.status, h.err = status, err
	h.mu.Unlock()
	close(h.done)
}

// Name returns Spec.Name.
func (h *Handle) Name() string { return h.name }

// PID returns the process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// StartedAt returns when the process was started.
func (h *Handle) StartedAt() time.Time { return h.started }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Signal delivers sig to the process, or to its group when started with
// NewGroup. Signalling an exited process is a no-op.
// Signal 向进程（或其进程组）发送信号；已退出的进程为空操作。
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.Exited() {
		return nil
	}
	pid := h.PID()
	if h.group {
		pid = -pid
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s to %s: %w", unix.SignalName(sig), h.name, err)
	}
	return nil
}

// Terminate sends SIGTERM.
func (h *Handle) Terminate() error { return h.Signal(syscall.SIGTERM) }

// Kill sends SIGKILL.
func (h *Handle) Kill() error { return h.Signal(syscall.SIGKILL) }

// Join waits for the process to exit. A non-positive timeout waits forever.
// Join 等待进程退出；timeout 非正数时无限等待。
func (h *Handle) Join(timeout time.Duration) (ExitStatus, error) {
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			return ExitStatus{}, fmt.Errorf("%w: %s after %v", ErrJoinTimeout, h.name, timeout)
		}
	} else {
		<-h.done
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

// Stop sends SIGTERM, waits up to grace, then sends SIGKILL.
// Stop 先发送 SIGTERM，等待 grace 后发送 SIGKILL。
func (h *Handle) Stop(grace time.Duration) (ExitStatus, error) {
	if err := h.Terminate(); err != nil {
		return ExitStatus{}, err
	}
	status, err := h.Join(grace)
	if !errors.Is(err, ErrJoinTimeout) {
		return status, err
	}
	if err := h.Kill(); err != nil {
		return ExitStatus{}, err
	}
	return h.Join(grace)
}

// mergeEnv overlays extra onto base in KEY=VALUE form.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[key]; !ok {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
