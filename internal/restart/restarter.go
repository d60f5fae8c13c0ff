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

// Package restart decides whether a failed worker group is relaunched.
// restart 包决定失败的 worker 组是否重新启动。
//
// This package provides:
// 此包提供：
// - Worker exit classification / worker 退出分类
// - Restart count limiting within a sliding window / 滑动窗口内的重启次数限制
// - Restart history tracking / 重启历史跟踪
package restart

import (
	"sync"
	"syscall"
	"time"

	"github.com/seatunnel/rankmon/internal/config"
	"github.com/seatunnel/rankmon/internal/process"
	"go.uber.org/zap"
)

// ExitKind classifies how a worker ended.
// ExitKind 对 worker 的结束方式进行分类。
type ExitKind string

const (
	// ExitSucceeded is a zero exit code
	// ExitSucceeded 表示退出码为 0
	ExitSucceeded ExitKind = "succeeded"

	// ExitMonitorTerminated is the termination exit code or the termination signal
	// ExitMonitorTerminated 表示被监控服务终止（终止退出码或终止信号）
	ExitMonitorTerminated ExitKind = "monitor_terminated"

	// ExitSignaled is death by any other signal
	// ExitSignaled 表示被其他信号终止
	ExitSignaled ExitKind = "signaled"

	// ExitFailed is any other non-zero exit code
	// ExitFailed 表示其他非零退出码
	ExitFailed ExitKind = "failed"
)

// Classify maps an exit status to its kind. terminationSignal may be zero.
// Classify 将退出状态映射为退出类型，terminationSignal 可以为 0。
func Classify(status process.ExitStatus, terminationExitCode int, terminationSignal syscall.Signal) ExitKind {
	switch {
	case status.Success():
		return ExitSucceeded
	case !status.Signaled() && status.Code == terminationExitCode:
		return ExitMonitorTerminated
	case status.Signaled() && terminationSignal != 0 && status.Signal == terminationSignal:
		return ExitMonitorTerminated
	case status.Signaled():
		return ExitSignaled
	default:
		return ExitFailed
	}
}

// Policy holds the restart limits.
// Policy 保存重启限制。
type Policy struct {
	// MaxRestarts is the number of restarts allowed within Window
	// MaxRestarts 是 Window 内允许的重启次数
	MaxRestarts int

	// Window is the sliding window; zero counts restarts over the whole run
	// Window 是滑动窗口，0 表示统计整个运行期间的重启
	Window time.Duration

	// Delay is waited before each restart
	// Delay 是每次重启前的等待时间
	Delay time.Duration
}

// PolicyFrom derives a Policy from the launcher configuration.
func PolicyFrom(cfg config.LauncherConfig) Policy {
	return Policy{MaxRestarts: cfg.MaxRestarts, Window: cfg.RestartWindow, Delay: cfg.RestartDelay}
}

// Decision is the outcome of a restart check.
// Decision 是重启检查的结果。
type Decision struct {
	Restart bool
	Delay   time.Duration

	// Attempt is the 1-based restart number when Restart is true
	// Attempt 是本次重启的序号（从 1 开始）
	Attempt int
	Reason  string
}

// History is a copy of the restart history.
// History 是重启历史的副本。
type History struct {
	RestartCount int
	LastRestart  time.Time
	RestartTimes []time.Time
}

// Restarter applies a Policy to a sequence of worker group failures.
// Restarter 将 Policy 应用于一系列 worker 组失败。
type Restarter struct {
	policy Policy
	logger *zap.Logger

	mu           sync.Mutex
	restartCount int
	lastRestart  time.Time
	restartTimes []time.Time
}

// NewRestarter creates a Restarter.
// NewRestarter 创建 Restarter。
func NewRestarter(policy Policy, logger *zap.Logger) *Restarter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Restarter{policy: policy, logger: logger}
}

// Policy returns the configured policy.
func (r *Restarter) Policy() Policy { return r.policy }

// Decide checks whether the group may restart after an exit of the given
// kind and records the restart when it may.
// Decide 判断给定退出类型后是否允许重启，允许时记录本次重启。
func (r *Restarter) Decide(kind ExitKind, now time.Time) Decision {
	if kind == ExitSucceeded {
		return Decision{Reason: "workers succeeded"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	if len(r.restartTimes) >= r.policy.MaxRestarts {
		r.logger.Warn("Restart limit reached",
			zap.String("exit", string(kind)),
			zap.Int("max_restarts", r.policy.MaxRestarts),
			zap.Duration("window", r.policy.Window))
		return Decision{Reason: "restart limit reached"}
	}

	r.restartCount++
	r.lastRestart = now
	r.restartTimes = append(r.restartTimes, now)
	r.logger.Info("Restarting worker group",
		zap.String("exit", string(kind)),
		zap.Int("attempt", r.restartCount),
		zap.Int("in_window", len(r.restartTimes)),
		zap.Duration("delay", r.policy.Delay))
	return Decision{Restart: true, Delay: r.policy.Delay, Attempt: r.restartCount, Reason: string(kind)}
}

// Remaining returns how many restarts the window still allows at now.
// Remaining 返回当前窗口内剩余的重启次数。
func (r *Restarter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	return max(r.policy.MaxRestarts-len(r.restartTimes), 0)
}

// RestartCount returns the number of restarts since creation or the last Reset.
func (r *Restarter) RestartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restartCount
}

// Reset clears the history.
// Reset 清除重启历史。
func (r *Restarter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restartCount = 0
	r.lastRestart = time.Time{}
	r.restartTimes = nil
}

// History returns a copy of the restart history.
// History 返回重启历史的副本。
func (r *Restarter) History() History {
	r.mu.Lock()
	defer r.mu.Unlock()
	times := make([]time.Time, len(r.restartTimes))
	copy(times, r.restartTimes)
	return History{RestartCount: r.restartCount, LastRestart: r.lastRestart, RestartTimes: times}
}

// pruneLocked drops restarts that left the window. Caller holds mu.
func (r *Restarter) pruneLocked(now time.Time) {
	if r.policy.Window <= 0 {
		return
	}
	windowStart := now.Add(-r.policy.Window)
	kept := r.restartTimes[:0]
	for _, t := range r.restartTimes {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	r.restartTimes = kept
}
