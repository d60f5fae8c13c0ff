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

// Package main is the entry point of rankmon.
// main 包是 rankmon 的入口点。
//
// rankmon watches the ranks of a distributed job through heartbeats:
// rankmon 通过心跳监控分布式作业的各个 rank：
// - serve: run the monitor of one rank / 运行单个 rank 的监控
// - launch: run a worker group under rank monitors with restarts / 在 rank 监控下运行 worker 组并支持重启
// - worker: a reference workload that heartbeats / 发送心跳的参考工作负载
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/seatunnel/rankmon/internal/channel"
	"github.com/seatunnel/rankmon/internal/config"
	"github.com/seatunnel/rankmon/internal/launcher"
	"github.com/seatunnel/rankmon/internal/logger"
	"github.com/seatunnel/rankmon/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configFile string
	logLevel   string
}

// load reads the configuration; cmdArgs win over file and environment.
// load 读取配置，cmdArgs 优先于配置文件和环境变量。
func (o *rootOptions) load(cmdArgs map[string]interface{}) (*config.Config, *zap.Logger, error) {
	if o.logLevel != "" {
		if cmdArgs == nil {
			cmdArgs = map[string]interface{}{}
		}
		cmdArgs["log.level"] = o.logLevel
	}
	cfg, err := config.LoadWithPriority(o.configFile, cmdArgs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "rankmon",
		Short: "rankmon - heartbeat based rank health monitor",
		Long: `rankmon detects hung or dead ranks of a distributed job and terminates them.
rankmon 检测分布式作业中挂起或死亡的 rank 并终止它们。

Each rank has a local monitor that receives heartbeats over a Unix socket.
When heartbeats stop, the monitor signals the worker so a restarter can recover the job.
每个 rank 都有一个通过 Unix 套接字接收心跳的本地监控，心跳停止时向 worker 发送信号，
以便重启器恢复作业。`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (default: $RANKMON_CONFIG_PATH)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newLaunchCmd(opts),
		newWorkerCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// newServeCmd runs the monitor of one rank until SIGTERM or SIGINT.
// newServeCmd 运行单个 rank 的监控，直到收到 SIGTERM 或 SIGINT。
func newServeCmd(opts *rootOptions) *cobra.Command {
	var rank, socket string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor of one rank / 运行单个 rank 的监控",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(nil)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if rank == "" {
				rank = os.Getenv(launcher.EnvRank)
			}
			if rank == "" {
				return fmt.Errorf("rank is required (--rank or $%s)", launcher.EnvRank)
			}
			addr := channel.Address(socket)
			if addr == "" {
				addr = channel.AddressFromEnv(channel.DefaultAddress(cfg.Server.SocketDir, rank))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return launcher.Serve(ctx, cfg, rank, addr, log)
		},
	}
	cmd.Flags().StringVar(&rank, "rank", "", "rank id (default: $RANK)")
	cmd.Flags().StringVar(&socket, "socket", "", "socket path (default: $FT_RANK_MONITOR_IPC_SOCKET or <socket_dir>/_rmon_r<rank>.socket)")
	return cmd
}

// newLaunchCmd runs `rankmon launch [flags] -- command [args...]`.
// newLaunchCmd 运行 `rankmon launch [flags] -- command [args...]`。
func newLaunchCmd(opts *rootOptions) *cobra.Command {
	var (
		nproc       int
		maxRestarts int
		runDir      string
		logDir      string
	)
	cmd := &cobra.Command{
		Use:   "launch [flags] -- command [args...]",
		Short: "Run a worker group under rank monitors / 在 rank 监控下运行 worker 组",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs := map[string]interface{}{}
			if cmd.Flags().Changed("nproc-per-node") {
				cmdArgs["launcher.nproc_per_node"] = nproc
			}
			if cmd.Flags().Changed("max-restarts") {
				cmdArgs["launcher.max_restarts"] = maxRestarts
			}
			cfg, log, err := opts.load(cmdArgs)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			l, err := launcher.New(launcher.Options{
				Config:  cfg,
				Command: args,
				RunDir:  runDir,
				LogDir:  logDir,
				Stdout:  cmd.OutOrStdout(),
				Stderr:  cmd.ErrOrStderr(),
				Logger:  log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			res, err := l.Run(ctx)
			log.Info("Launcher finished",
				zap.String("run_id", res.RunID),
				zap.Int("restarts", res.Restarts),
				zap.String("kind", string(res.Kind)))
			return err
		},
	}
	cmd.Flags().IntVar(&nproc, "nproc-per-node", config.DefaultNProcPerNode, "number of workers")
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", config.DefaultMaxRestarts, "restarts allowed within the restart window")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "directory for the rendered config and sockets (default: temp dir)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for per-rank log files")
	return cmd
}

// newWorkerCmd runs the reference worker with the environment set by launch.
// newWorkerCmd 使用 launch 设置的环境变量运行参考 worker。
func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var (
		steps     int
		interval  time.Duration
		hangAfter time.Duration
		peerDir   string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a reference worker that heartbeats / 运行发送心跳的参考 worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(nil)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			rank := os.Getenv(launcher.EnvRank)
			if rank == "" {
				rank = "0"
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT)
			defer stop()
			return worker.Run(ctx, worker.Options{
				Address:   channel.AddressFromEnv(channel.DefaultAddress(cfg.Server.SocketDir, rank)),
				RankID:    rank,
				Config:    cfg,
				Interval:  interval,
				Steps:     steps,
				HangAfter: hangAfter,
				PeerDir:   peerDir,
				Logger:    log,
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "heartbeats to send before exiting successfully (0: forever)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "heartbeat period (default: rank_heartbeat_timeout * heartbeat_fraction)")
	cmd.Flags().DurationVar(&hangAfter, "hang-after", 0, "stop heartbeating after this long")
	cmd.Flags().StringVar(&peerDir, "peer-dir", "", "shared directory used to hang once a peer rank dies")
	return cmd
}

// newConfigCmd prints the effective configuration.
// newConfigCmd 打印生效的配置。
func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration / 打印生效的配置",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(nil)
			if err != nil {
				return err
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// newVersionCmd shows version information
// newVersionCmd 显示版本信息
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information / 打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "rankmon\n")
	fmt.Fprintf(w, "  Version:    %s\n", Version)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Go Version: %s\n", runtime.Version())
	fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
