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

package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/seatunnel/rankmon/internal/channel"
	"github.com/seatunnel/rankmon/internal/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultReadyTimeout bounds the wait for a monitor socket to appear.
const DefaultReadyTimeout = 10 * time.Second

// ErrMonitorStart indicates a rank monitor did not come up.
// ErrMonitorStart 表示 rank 监控未能启动。
var ErrMonitorStart = errors.New("rank monitor failed to start")

// MonitorGroupOptions configures a MonitorGroup.
// MonitorGroupOptions 配置 MonitorGroup。
type MonitorGroupOptions struct {
	// Command runs one monitor; "--config", "--rank" and "--socket" are appended
	// Command 启动单个监控，会追加 "--config"、"--rank"、"--socket" 参数
	Command process.Spec

	ConfigPath string
	SocketDir  string

	// LogDir receives monitor-r<rank>.log files; empty inherits Command's writers
	// LogDir 存放 monitor-r<rank>.log，为空时沿用 Command 的输出
	LogDir string

	ReadyTimeout time.Duration
	Logger       *zap.Logger
}

type monitorEntry struct {
	handle  *process.Handle
	address channel.Address
}

// MonitorGroup runs one rank monitor subprocess per rank. Monitors are started
// once and reused across worker restarts; each restarted worker reconnects to
// the socket of its rank.
// MonitorGroup 为每个 rank 运行一个监控子进程。监控只启动一次并在 worker 重启间复用，
// 重启后的 worker 重新连接其 rank 的套接字。
type MonitorGroup struct {
	opts     MonitorGroupOptions
	logger   *zap.Logger
	monitors *xsync.Map[int, *monitorEntry]
}

// NewMonitorGroup creates an empty MonitorGroup.
// NewMonitorGroup 创建空的 MonitorGroup。
func NewMonitorGroup(opts MonitorGroupOptions) *MonitorGroup {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitorGroup{
		opts:     opts,
		logger:   logger.Named("monitors"),
		monitors: xsync.NewMap[int, *monitorEntry](),
	}
}

// Start launches monitors for the given ranks in parallel and waits until
// every socket accepts connections. Ranks that already have a monitor are skipped.
// Start 并行启动指定 rank 的监控，并等待所有套接字就绪；已有监控的 rank 会被跳过。
func (g *MonitorGroup) Start(ctx context.Context, ranks []int) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, rank := range ranks {
		if _, ok := g.monitors.Load(rank); ok {
			continue
		}
		eg.Go(func() error { return g.startOne(ctx, rank) })
	}
	return eg.Wait()
}

func (g *MonitorGroup) startOne(ctx context.Context, rank int) error {
	r := strconv.Itoa(rank)
	addr := channel.DefaultAddress(g.opts.SocketDir, r)
	// a leftover socket would look ready
	if err := channel.Remove(addr); err != nil {
		return fmt.Errorf("%w: %w", ErrMonitorStart, err)
	}

	spec := g.opts.Command
	spec.Name = "monitor-r" + r
	spec.Args = append(append([]string(nil), spec.Args...),
		"--config", g.opts.ConfigPath, "--rank", r, "--socket", addr.String())
	if g.opts.LogDir != "" {
		spec.LogFile = filepath.Join(g.opts.LogDir, spec.Name+".log")
	}

	h, err := process.RunInSubprocess(spec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMonitorStart, err)
	}
	g.monitors.Store(rank, &monitorEntry{handle: h, address: addr})

	if err := waitReady(ctx, h, addr, g.opts.ReadyTimeout); err != nil {
		return err
	}
	g.logger.Info("Rank monitor started",
		zap.Int("rank", rank), zap.Int("pid", h.PID()), zap.String("socket", addr.String()))
	return nil
}

func waitReady(ctx context.Context, h *process.Handle, addr channel.Address, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if fi, err := os.Stat(addr.String()); err == nil && fi.Mode()&os.ModeSocket != 0 {
			return nil
		}
		select {
		case <-h.Done():
			status, _ := h.Join(0)
			return fmt.Errorf("%w: %s exited with %s", ErrMonitorStart, h.Name(), status)
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not listening on %s: %w", ErrMonitorStart, h.Name(), addr, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Address returns the socket of rank's monitor.
// Address 返回 rank 对应监控的套接字地址。
func (g *MonitorGroup) Address(rank int) (channel.Address, bool) {
	e, ok := g.monitors.Load(rank)
	if !ok {
		return "", false
	}
	return e.address, true
}

// PID returns the pid of rank's monitor.
func (g *MonitorGroup) PID(rank int) (int, bool) {
	e, ok := g.monitors.Load(rank)
	if !ok {
		return 0, false
	}
	return e.handle.PID(), true
}

// Len returns the number of monitors.
func (g *MonitorGroup) Len() int { return g.monitors.Size() }

// Dead returns the sorted ranks whose monitor has exited.
// Dead 返回监控已退出的 rank（升序）。
func (g *MonitorGroup) Dead() []int {
	var dead []int
	g.monitors.Range(func(rank int, e *monitorEntry) bool {
		if e.handle.Exited() {
			dead = append(dead, rank)
		}
		return true
	})
	sort.Ints(dead)
	return dead
}

// Shutdown terminates every monitor and joins it, killing those that outlive
// timeout. Monitors are removed from the group.
// Shutdown 终止所有监控并等待退出，超过 timeout 的会被强制杀死，监控随后从组中移除。
func (g *MonitorGroup) Shutdown(timeout time.Duration) error {
	var eg errgroup.Group
	g.monitors.Range(func(rank int, e *monitorEntry) bool {
		g.monitors.Delete(rank)
		eg.Go(func() error {
			status, err := e.handle.Stop(timeout)
			if err != nil {
				g.logger.Warn("Rank monitor did not stop cleanly", zap.Int("rank", rank), zap.Error(err))
				return fmt.Errorf("stop %s: %w", e.handle.Name(), err)
			}
			g.logger.Info("Rank monitor stopped", zap.Int("rank", rank), zap.Stringer("status", status))
			return channel.Remove(e.address)
		})
		return true
	})
	return eg.Wait()
}
