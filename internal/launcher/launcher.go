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

// Package launcher runs a local worker group under rank monitors and
// restarts it when it fails.
// launcher 包在 rank 监控下运行本地 worker 组，并在失败时重启。
//
// This package provides:
// 此包提供：
// - One monitor subprocess per rank, reused across restarts / 每个 rank 一个监控子进程，重启间复用
// - Worker spawning with the rank environment / 携带 rank 环境变量启动 worker
// - Exit classification and bounded restarts / 退出分类与有限次数重启
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/seatunnel/rankmon/internal/channel"
	"github.com/seatunnel/rankmon/internal/config"
	"github.com/seatunnel/rankmon/internal/dispatch"
	"github.com/seatunnel/rankmon/internal/monitor"
	"github.com/seatunnel/rankmon/internal/process"
	"github.com/seatunnel/rankmon/internal/restart"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoCommand indicates an empty worker command.
	// ErrNoCommand 表示 worker 命令为空。
	ErrNoCommand = errors.New("launcher: no worker command")

	// ErrWorkersFailed indicates the group failed and no restart was left.
	// ErrWorkersFailed 表示 worker 组失败且已无剩余重启次数。
	ErrWorkersFailed = errors.New("worker group failed")

	// ErrMonitorDied indicates a rank monitor exited while its worker ran.
	// ErrMonitorDied 表示 worker 运行期间 rank 监控退出。
	ErrMonitorDied = errors.New("rank monitor exited")
)

// Options configures a Launcher.
// Options 配置 Launcher。
type Options struct {
	Config *config.Config

	// Command is the worker executable and its arguments
	// Command 是 worker 可执行文件及其参数
	Command []string

	// Env is added to every worker's environment; rank variables win
	// Env 追加到每个 worker 的环境变量中，rank 相关变量优先
	Env map[string]string

	// Monitor runs `rankmon serve`; an empty Path means this executable
	// Monitor 用于运行 `rankmon serve`，Path 为空时使用当前可执行文件
	Monitor process.Spec

	// RunDir holds the rendered config and, by default, the sockets; empty uses a temp dir
	// RunDir 存放渲染后的配置及默认套接字，为空时使用临时目录
	RunDir string

	// LogDir receives one log file per monitor and per worker attempt
	// LogDir 为每个监控和每次 worker 运行各保存一个日志文件
	LogDir string

	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// Result describes the last worker round.
// Result 描述最后一轮 worker 的运行结果。
type Result struct {
	RunID    string
	Restarts int
	Kind     restart.ExitKind
	Exits    map[int]process.ExitStatus
}

// Launcher supervises one local worker group.
// Launcher 管理一个本地 worker 组。
type Launcher struct {
	cfg        *config.Config
	opts       Options
	runID      string
	termSignal syscall.Signal
	restarter  *restart.Restarter
	logger     *zap.Logger
}

// New validates the options and creates a Launcher.
// New 校验选项并创建 Launcher。
func New(opts Options) (*Launcher, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Command) == 0 || opts.Command[0] == "" {
		return nil, ErrNoCommand
	}
	sig, err := dispatch.ParseSignal(opts.Config.FaultTolerance.RankTerminationSignal)
	if err != nil {
		return nil, err
	}
	if opts.Monitor.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("launcher: locate executable: %w", err)
		}
		opts.Monitor.Path = exe
		opts.Monitor.Args = []string{"serve"}
	}
	if opts.Monitor.Stdout == nil && opts.Monitor.Stderr == nil {
		opts.Monitor.Stdout, opts.Monitor.Stderr = opts.Stdout, opts.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	runID := uuid.NewString()
	log := opts.Logger.With(zap.String("run_id", runID))
	return &Launcher{
		cfg:        opts.Config,
		opts:       opts,
		runID:      runID,
		termSignal: sig,
		restarter:  restart.NewRestarter(restart.PolicyFrom(opts.Config.Launcher), log),
		logger:     log,
	}, nil
}

// RunID returns the id passed to workers as RANKMON_RUN_ID.
func (l *Launcher) RunID() string { return l.runID }

// Run starts the rank monitors, then runs worker rounds until the group
// succeeds, the restart policy gives up, or ctx is done. Monitors are shut
// down before Run returns.
// Run 启动 rank 监控，然后循环运行 worker，直到成功、重启策略放弃或 ctx 结束；返回前关闭监控。
func (l *Launcher) Run(ctx context.Context) (res Result, err error) {
	res = Result{RunID: l.runID, Kind: restart.ExitSucceeded}

	runDir := l.opts.RunDir
	if runDir == "" {
		if runDir, err = os.MkdirTemp("", "rankmon-"); err != nil {
			return res, fmt.Errorf("launcher: create run dir: %w", err)
		}
		defer os.RemoveAll(runDir)
	} else if err = os.MkdirAll(runDir, 0o755); err != nil {
		return res, fmt.Errorf("launcher: create run dir: %w", err)
	}

	configPath := filepath.Join(runDir, "config.yaml")
	if err = l.writeConfig(configPath); err != nil {
		return res, err
	}
	socketDir := l.cfg.Server.SocketDir
	if socketDir == "" {
		socketDir = runDir
	}

	monitors := NewMonitorGroup(MonitorGroupOptions{
		Command:    l.opts.Monitor,
		ConfigPath: configPath,
		SocketDir:  socketDir,
		LogDir:     l.opts.LogDir,
		Logger:     l.logger,
	})
	defer func() {
		if stopErr := monitors.Shutdown(l.cfg.Server.ShutdownTimeout + time.Second); stopErr != nil {
			l.logger.Warn("Failed to shut down rank monitors", zap.Error(stopErr))
		}
	}()

	nproc := l.cfg.Launcher.NProcPerNode
	ranks := make([]int, nproc)
	for i := range ranks {
		ranks[i] = i
	}
	if err = monitors.Start(ctx, ranks); err != nil {
		return res, err
	}

	l.logger.Info("Launching worker group",
		zap.Int("nproc", nproc),
		zap.Strings("command", l.opts.Command),
		zap.Int("max_restarts", l.cfg.Launcher.MaxRestarts))

	for {
		round, roundErr := l.runRound(ctx, monitors, configPath, res.Restarts)
		res.Exits, res.Kind = round.exits, round.kind
		if roundErr != nil {
			return res, roundErr
		}

		decision := l.restarter.Decide(round.kind, time.Now())
		if round.kind == restart.ExitSucceeded {
			l.logger.Info("Worker group succeeded", zap.Int("restarts", res.Restarts))
			return res, nil
		}
		if !decision.Restart {
			return res, fmt.Errorf("%w: %s after %d restarts", ErrWorkersFailed, round.kind, res.Restarts)
		}
		res.Restarts = decision.Attempt

		if decision.Delay > 0 {
			timer := time.NewTimer(decision.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// writeConfig renders the configuration read by every monitor.
// Monitors share it, so per-process outputs are cleared.
func (l *Launcher) writeConfig(path string) error {
	cfg := *l.cfg
	if cfg.Server.MetricsAddress != "" && cfg.Launcher.NProcPerNode > 1 {
		l.logger.Warn("Metrics address ignored for multiple rank monitors",
			zap.String("address", cfg.Server.MetricsAddress))
		cfg.Server.MetricsAddress = ""
	}
	cfg.Log.File = ""

	data, err := cfg.ToYAML()
	if err != nil {
		return fmt.Errorf("launcher: render config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("launcher: write config: %w", err)
	}
	return nil
}

type roundResult struct {
	exits map[int]process.ExitStatus
	kind  restart.ExitKind
}

type workerExit struct {
	rank   int
	status process.ExitStatus
}

// runRound spawns the workers and waits for all of them. The first failure
// stops the rest of the group.
func (l *Launcher) runRound(ctx context.Context, monitors *MonitorGroup, configPath string, restartCount int) (roundResult, error) {
	res := roundResult{exits: make(map[int]process.ExitStatus), kind: restart.ExitSucceeded}
	ft := l.cfg.FaultTolerance
	nproc := l.cfg.Launcher.NProcPerNode

	handles := make([]*process.Handle, 0, nproc)
	for rank := 0; rank < nproc; rank++ {
		addr, ok := monitors.Address(rank)
		if !ok {
			addr = channel.DefaultAddress(l.cfg.Server.SocketDir, fmt.Sprint(rank))
		}
		h, err := process.RunInSubprocess(l.workerSpec(rank, restartCount, configPath, addr))
		if err != nil {
			l.stopWorkers(handles)
			return res, err
		}
		l.logger.Info("Worker started", zap.Int("rank", rank), zap.Int("pid", h.PID()), zap.Int("restart_count", restartCount))
		handles = append(handles, h)
	}

	exits := make(chan workerExit, nproc)
	for rank, h := range handles {
		go func() {
			status, _ := h.Join(0)
			exits <- workerExit{rank: rank, status: status}
		}()
	}

	interval := l.cfg.Launcher.WorkloadCheckInterval
	if interval <= 0 {
		interval = config.DefaultWorkloadCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var roundErr error
	stopping := false
	stop := func() {
		if !stopping {
			stopping = true
			go l.stopWorkers(handles)
		}
	}

	done := ctx.Done()
	for len(res.exits) < nproc {
		select {
		case e := <-exits:
			res.exits[e.rank] = e.status
			kind := restart.Classify(e.status, ft.TerminationExitCode, l.termSignal)
			l.logger.Info("Worker exited",
				zap.Int("rank", e.rank), zap.Stringer("status", e.status), zap.String("kind", string(kind)))
			if kind != restart.ExitSucceeded && res.kind == restart.ExitSucceeded {
				res.kind = kind
				stop()
			}
		case <-ticker.C:
			if dead := monitors.Dead(); len(dead) > 0 && roundErr == nil {
				roundErr = fmt.Errorf("%w: ranks %v", ErrMonitorDied, dead)
				l.logger.Error("Rank monitor exited, stopping workers", zap.Ints("ranks", dead))
				stop()
			}
		case <-done:
			done = nil
			if roundErr == nil {
				roundErr = ctx.Err()
			}
			stop()
		}
	}
	return res, roundErr
}

func (l *Launcher) workerSpec(rank, restartCount int, configPath string, addr channel.Address) process.Spec {
	env := make(map[string]string, len(l.opts.Env)+8)
	for k, v := range l.opts.Env {
		env[k] = v
	}
	for k, v := range WorkerEnv(rank, l.cfg.Launcher.NProcPerNode, restartCount, l.cfg.Launcher.MaxRestarts, l.runID, configPath, addr) {
		env[k] = v
	}

	spec := process.Spec{
		Name:     fmt.Sprintf("worker-r%d", rank),
		Path:     l.opts.Command[0],
		Args:     l.opts.Command[1:],
		Env:      env,
		Stdout:   l.opts.Stdout,
		Stderr:   l.opts.Stderr,
		NewGroup: true,
	}
	if l.opts.LogDir != "" {
		spec.LogFile = filepath.Join(l.opts.LogDir, fmt.Sprintf("worker-r%d-%d.log", rank, restartCount))
		spec.LogMaxSizeMB = l.cfg.Log.MaxSize
		spec.LogMaxBackups = l.cfg.Log.MaxBackups
	}
	return spec
}

// stopWorkers sends SIGTERM to every worker group, then SIGKILL after term_timeout.
func (l *Launcher) stopWorkers(handles []*process.Handle) {
	var eg errgroup.Group
	for _, h := range handles {
		eg.Go(func() error {
			_, err := h.Stop(l.cfg.Launcher.TermTimeout)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		l.logger.Warn("Failed to stop workers", zap.Error(err))
	}
}

// Serve runs the rank monitor of one rank until ctx is done. It is the body
// of `rankmon serve`, the command each monitor subprocess executes.
// Serve 运行单个 rank 的监控直到 ctx 结束，是每个监控子进程执行的 `rankmon serve` 命令主体。
func Serve(ctx context.Context, cfg *config.Config, rank string, address channel.Address, base *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return monitor.Run(ctx, monitor.ConfigFrom(rank, cfg), address, cfg.Server.ShutdownTimeout,
		monitor.WithLogger(base))
}
