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

// Package dispatch delivers out-of-band termination notices to unresponsive
// workers by sending an OS signal to the worker process or its process group.
// dispatch 包通过向 worker 进程或其进程组发送操作系统信号来投递终止通知。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Target identifies the worker to terminate.
// Target 标识要终止的 worker。
type Target struct {
	RankID string
	PID    int
}

// Result describes what a notification did.
// Result 描述通知的执行结果。
type Result struct {
	// Delivered is true when a signal was sent.
	Delivered bool
	// TargetAlive is whether the target existed at dispatch time.
	TargetAlive bool
	// Signal is the name of the signal used.
	Signal string
}

// Dispatcher delivers termination notices. Notify must not block on the
// target acknowledging; an absent or dead target is a no-op.
// Dispatcher 投递终止通知；不得等待目标确认，目标不存在或已退出时为空操作。
type Dispatcher interface {
	Notify(ctx context.Context, target Target) (Result, error)
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, target Target) (Result, error)

// Notify calls f.
func (f Func) Notify(ctx context.Context, target Target) (Result, error) { return f(ctx, target) }

// Nop records nothing and delivers nothing.
var Nop Dispatcher = Func(func(context.Context, Target) (Result, error) { return Result{}, nil })

// SignalDispatcher sends Signal to the target pid, or to its process group when Group is set.
// SignalDispatcher 向目标 pid 发送信号，设置 Group 时发送给其进程组。
type SignalDispatcher struct {
	Signal syscall.Signal
	Group  bool
	Logger *zap.Logger
}

// NewSignalDispatcher builds a dispatcher from a signal name and target mode.
// NewSignalDispatcher 根据信号名称和目标模式构建分发器。
func NewSignalDispatcher(signal string, group bool, logger *zap.Logger) (*SignalDispatcher, error) {
	sig, err := ParseSignal(signal)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalDispatcher{Signal: sig, Group: group, Logger: logger}, nil
}

// Notify sends the signal. A pid <= 1 is never signalled.
// Notify 发送信号；pid <= 1 时不发送。
func (d *SignalDispatcher) Notify(ctx context.Context, target Target) (Result, error) {
	res := Result{Signal: SignalName(d.Signal)}
	log := d.logger().With(zap.String("rank", target.RankID), zap.Int("pid", target.PID), zap.String("signal", res.Signal))

	if target.PID <= 1 {
		log.Warn("No worker process registered, termination notice skipped")
		return res, nil
	}

	alive, err := Alive(ctx, target.PID)
	if err != nil {
		log.Debug("Liveness check failed, signalling anyway", zap.Error(err))
		alive = true
	}
	res.TargetAlive = alive
	if !alive {
		log.Info("Worker already exited, termination notice is a no-op")
		return res, nil
	}

	pid := target.PID
	if d.Group {
		pgid, err := unix.Getpgid(target.PID)
		if err != nil {
			if errors.Is(err, unix.ESRCH) {
				res.TargetAlive = false
				return res, nil
			}
			return res, fmt.Errorf("failed to resolve process group of %d: %w", target.PID, err)
		}
		if pgid <= 1 || pgid == unix.Getpgrp() {
			// never signal our own group
			log.Warn("Worker shares the monitor process group, signalling the process only", zap.Int("pgid", pgid))
		} else {
			pid = -pgid
		}
	}

	if err := unix.Kill(pid, d.Signal); err != nil {
		if errors.Is(err, unix.ESRCH) {
			res.TargetAlive = false
			log.Info("Worker exited before the signal was delivered")
			return res, nil
		}
		return res, fmt.Errorf("failed to send %s to %d: %w", res.Signal, pid, err)
	}

	res.Delivered = true
	log.Info("Termination signal sent", zap.Bool("group", pid < 0))
	return res, nil
}

func (d *SignalDispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Alive reports whether pid exists and is not a zombie.
// Alive 判断 pid 是否存在且不是僵尸进程。
func Alive(ctx context.Context, pid int) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return exists, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return true, nil
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true, nil
	}
	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}
