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

// Package worker is a reference workload that heartbeats to its rank monitor.
// worker 包是向 rank 监控发送心跳的参考工作负载。
//
// It can simulate the failures the monitor exists for: a hang after a fixed
// time, or a hang once a peer rank of the same run has died.
// 可模拟监控所应对的故障：固定时间后挂起，或同一运行中的其他 rank 死亡后挂起。
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/seatunnel/rankmon/internal/channel"
	"github.com/seatunnel/rankmon/internal/client"
	"github.com/seatunnel/rankmon/internal/config"
	"github.com/seatunnel/rankmon/internal/dispatch"
	"go.uber.org/zap"
)

// Options configures a reference worker.
// Options 配置参考 worker。
type Options struct {
	Address channel.Address
	RankID  string
	Config  *config.Config

	// Interval overrides the heartbeat period derived from the monitor
	// Interval 覆盖由监控推导出的心跳周期
	Interval time.Duration

	// Steps ends the worker successfully after this many heartbeats; 0 runs until ctx is done
	// Steps 为发送该数量心跳后正常退出；0 表示一直运行直到 ctx 结束
	Steps int

	// HangAfter stops heartbeating after this long
	// HangAfter 在该时长后停止发送心跳
	HangAfter time.Duration

	// PeerDir holds one pid file per rank; the worker hangs once a peer is gone
	// PeerDir 存放各 rank 的 pid 文件，发现其他 rank 死亡后 worker 挂起
	PeerDir string

	Logger *zap.Logger
}

// Run runs the worker until it finishes its steps, hangs and is terminated,
// or ctx is done.
// Run 运行 worker，直到完成步数、挂起后被终止或 ctx 结束。
func Run(ctx context.Context, opts Options) error {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ft := opts.Config.FaultTolerance
	logger := opts.Logger.With(zap.String("rank", opts.RankID), zap.Int("pid", os.Getpid()))

	c, err := client.Connect(ctx, client.Options{
		Address:           opts.Address,
		RankID:            opts.RankID,
		SendTimeout:       ft.SendTimeout,
		HeartbeatFraction: ft.HeartbeatFraction,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	sig, err := dispatch.ParseSignal(ft.RankTerminationSignal)
	if err != nil {
		return err
	}
	uninstall, err := client.InstallTerminationHandler(sig, ft.TerminationExitCode, func(context.Context) {
		_ = c.Close()
	}, 5*time.Second)
	switch {
	case errors.Is(err, client.ErrUncatchableSignal):
		logger.Info("Termination signal cannot be caught, the worker will be killed outright",
			zap.String("signal", dispatch.SignalName(sig)))
	case err != nil:
		return err
	default:
		defer uninstall()
	}
	c.OnTermination(func(n client.TerminateNotice) {
		logger.Warn("Received termination notice", zap.String("reason", n.Reason))
	})

	if opts.PeerDir != "" {
		if err := writePIDFile(opts.PeerDir, opts.RankID); err != nil {
			return err
		}
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Duration(float64(c.SteadyTimeout()) * ft.HeartbeatFraction)
	}
	if interval <= 0 {
		return fmt.Errorf("worker: invalid heartbeat interval %v", interval)
	}

	logger.Info("Worker started", zap.Duration("interval", interval), zap.Int("steps", opts.Steps))
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for step := 0; opts.Steps == 0 || step < opts.Steps; step++ {
		if opts.HangAfter > 0 && time.Since(start) >= opts.HangAfter {
			logger.Warn("Simulating a hang")
			return hang(ctx)
		}
		if opts.PeerDir != "" {
			if peer, dead := deadPeer(ctx, opts.PeerDir, opts.RankID); dead {
				logger.Warn("Peer rank is gone, waiting forever like a stuck collective", zap.String("peer", peer))
				return hang(ctx)
			}
		}

		if err := c.SendHeartbeat(ctx); err != nil {
			logger.Warn("Heartbeat failed, reconnecting", zap.Error(err))
			if err := c.Reconnect(ctx); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	logger.Info("Worker finished", zap.Int("steps", opts.Steps))
	return nil
}

func hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func pidFile(dir, rank string) string {
	return filepath.Join(dir, "rank-"+rank+".pid")
}

func writePIDFile(dir, rank string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("worker: create peer dir: %w", err)
	}
	tmp := pidFile(dir, rank) + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("worker: write pid file: %w", err)
	}
	return os.Rename(tmp, pidFile(dir, rank))
}

// deadPeer reports the first peer whose recorded pid no longer runs.
func deadPeer(ctx context.Context, dir, self string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "rank-") || !strings.HasSuffix(name, ".pid") {
			continue
		}
		rank := strings.TrimSuffix(strings.TrimPrefix(name, "rank-"), ".pid")
		if rank == self {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || pid <= 1 {
			continue
		}
		if alive, err := dispatch.Alive(ctx, pid); err == nil && !alive {
			return rank, true
		}
	}
	return "", false
}
