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
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/seatunnel/rankmon/internal/channel"
	"github.com/seatunnel/rankmon/internal/config"
	"github.com/seatunnel/rankmon/internal/logger"
	"github.com/seatunnel/rankmon/internal/process"
	"github.com/seatunnel/rankmon/internal/restart"
	"github.com/seatunnel/rankmon/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

const (
	helperEnv      = "RANKMON_LAUNCHER_TEST_HELPER"
	helperSteps    = "HELPER_STEPS"
	helperPeerDir  = "HELPER_PEER_DIR"
	helperInterval = 100 * time.Millisecond
)

// TestMain lets the test binary act as a rank monitor or a worker.
// TestMain 使测试二进制可以充当 rank 监控或 worker。
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		os.Exit(serveHelper())
	case "worker":
		os.Exit(workerHelper())
	case "fail-first":
		if os.Getenv(EnvRank) == "1" && os.Getenv(EnvRestartCount) == "0" {
			os.Exit(1)
		}
		os.Exit(workerHelper())
	case "fail":
		os.Exit(1)
	default:
		os.Exit(2)
	}
}

func serveHelper() int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "")
	rank := fs.String("rank", "", "")
	socket := fs.String("socket", "", "")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := Serve(ctx, cfg, *rank, channel.Address(*socket), log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func workerHelper() int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	steps, _ := strconv.Atoi(os.Getenv(helperSteps))
	err = worker.Run(context.Background(), worker.Options{
		Address:  channel.AddressFromEnv(""),
		RankID:   os.Getenv(EnvRank),
		Config:   cfg,
		Interval: helperInterval,
		Steps:    steps,
		PeerDir:  os.Getenv(helperPeerDir),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func helperSpec(mode string, env map[string]string) process.Spec {
	merged := map[string]string{helperEnv: mode}
	for k, v := range env {
		merged[k] = v
	}
	return process.Spec{Path: os.Args[0], Env: merged}
}

// runDir keeps socket paths short.
func runDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testConfig(nproc int) *config.Config {
	cfg := config.Default()
	ft := &cfg.FaultTolerance
	ft.InitialRankHeartbeatTimeout = 2 * time.Second
	ft.RankHeartbeatTimeout = time.Second
	ft.RankTerminationSignal = "SIGUSR1"
	ft.TerminationExitCode = 123
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Launcher.NProcPerNode = nproc
	cfg.Launcher.RestartDelay = 0
	cfg.Launcher.TermTimeout = 2 * time.Second
	cfg.Launcher.WorkloadCheckInterval = 100 * time.Millisecond
	return cfg
}

func writeConfig(t *testing.T, cfg *config.Config, dir string) string {
	t.Helper()
	data, err := cfg.ToYAML()
	require.NoError(t, err)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func startMonitors(t *testing.T, cfg *config.Config, dir string) *MonitorGroup {
	t.Helper()
	group := NewMonitorGroup(MonitorGroupOptions{
		Command:    helperSpec("serve", nil),
		ConfigPath: writeConfig(t, cfg, dir),
		SocketDir:  dir,
		LogDir:     filepath.Join(dir, "logs"),
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(func() { assert.NoError(t, group.Shutdown(5*time.Second)) })

	ranks := make([]int, cfg.Launcher.NProcPerNode)
	for i := range ranks {
		ranks[i] = i
	}
	require.NoError(t, group.Start(context.Background(), ranks))
	return group
}

// TestRankMonitorsHandleReconnectingRanks tests that monitors started once
// survive several worker generations: killed ranks die by SIGKILL, the ranks
// left hanging are terminated through the monitor and exit with 123.
// TestRankMonitorsHandleReconnectingRanks 测试只启动一次的监控可跨多代 worker 工作：
// 被杀死的 rank 以 SIGKILL 结束，其余挂起的 rank 由监控终止并以 123 退出。
func TestRankMonitorsHandleReconnectingRanks(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	const worldSize = 4
	cfg := testConfig(worldSize)
	dir := runDir(t)
	group := startMonitors(t, cfg, dir)
	configPath := filepath.Join(dir, "config.yaml")
	rng := rand.New(rand.NewPCG(123, 0))

	for round := 0; round < 3; round++ {
		peerDir := filepath.Join(dir, fmt.Sprintf("peers-%d", round))
		handles := make([]*process.Handle, worldSize)
		for rank := range worldSize {
			addr, ok := group.Address(rank)
			require.True(t, ok)
			env := WorkerEnv(rank, worldSize, round, 0, "test", configPath, addr)
			env[helperPeerDir] = peerDir
			spec := helperSpec("worker", env)
			spec.Name = fmt.Sprintf("worker-r%d", rank)
			spec.NewGroup = true
			h, err := process.RunInSubprocess(spec)
			require.NoError(t, err)
			t.Cleanup(func() { _ = h.Kill() })
			handles[rank] = h
		}

		require.Eventually(t, func() bool {
			matches, _ := filepath.Glob(filepath.Join(peerDir, "rank-*.pid"))
			return len(matches) == worldSize
		}, 10*time.Second, 20*time.Millisecond, "round %d: workers did not start", round)
		time.Sleep(5 * helperInterval)

		victims := rng.Perm(worldSize)[:1+rng.IntN(worldSize-1)]
		for _, rank := range victims {
			require.NoError(t, handles[rank].Kill())
		}

		for rank, h := range handles {
			status, err := h.Join(20 * time.Second)
			require.NoError(t, err, "round %d rank %d", round, rank)
			if slices.Contains(victims, rank) {
				assert.Equal(t, syscall.SIGKILL, status.Signal, "round %d rank %d: %s", round, rank, status)
			} else {
				assert.Equal(t, 123, status.Code, "round %d rank %d: %s", round, rank, status)
			}
		}
	}
	assert.Empty(t, group.Dead())
}

func TestMonitorGroupStartIsIdempotent(t *testing.T) {
	cfg := testConfig(1)
	group := startMonitors(t, cfg, runDir(t))

	pid, ok := group.PID(0)
	require.True(t, ok)
	require.NoError(t, group.Start(context.Background(), []int{0}))
	again, _ := group.PID(0)
	assert.Equal(t, pid, again)
	assert.Equal(t, 1, group.Len())
}

func TestMonitorGroupReportsDeadMonitor(t *testing.T) {
	cfg := testConfig(2)
	group := startMonitors(t, cfg, runDir(t))
	assert.Empty(t, group.Dead())

	pid, ok := group.PID(1)
	require.True(t, ok)
	require.NoError(t, unix.Kill(pid, unix.SIGKILL))
	require.Eventually(t, func() bool { return slices.Equal(group.Dead(), []int{1}) },
		5*time.Second, 20*time.Millisecond)
}

func TestMonitorGroupStartFailsWhenMonitorExits(t *testing.T) {
	dir := runDir(t)
	group := NewMonitorGroup(MonitorGroupOptions{
		Command:    helperSpec("fail", nil),
		ConfigPath: filepath.Join(dir, "missing.yaml"),
		SocketDir:  dir,
	})
	t.Cleanup(func() { _ = group.Shutdown(time.Second) })

	err := group.Start(context.Background(), []int{0})
	assert.ErrorIs(t, err, ErrMonitorStart)
}

func newLauncher(t *testing.T, cfg *config.Config, mode string, env map[string]string) *Launcher {
	t.Helper()
	merged := map[string]string{helperEnv: mode}
	for k, v := range env {
		merged[k] = v
	}
	l, err := New(Options{
		Config:  cfg,
		Command: []string{os.Args[0]},
		Env:     merged,
		Monitor: helperSpec("serve", nil),
		RunDir:  runDir(t),
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return l
}

func TestLauncherRunSucceeds(t *testing.T) {
	l := newLauncher(t, testConfig(2), "worker", map[string]string{helperSteps: "3"})

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, l.RunID(), res.RunID)
	assert.Equal(t, restart.ExitSucceeded, res.Kind)
	assert.Equal(t, 0, res.Restarts)
	assert.Len(t, res.Exits, 2)
}

// TestLauncherRestartsFailedGroup tests that a failed rank stops its peers
// and the group is relaunched with an incremented restart count.
// TestLauncherRestartsFailedGroup 测试某个 rank 失败后会停止其他 rank，并以递增的重启计数重新启动。
func TestLauncherRestartsFailedGroup(t *testing.T) {
	cfg := testConfig(2)
	cfg.Launcher.MaxRestarts = 2
	l := newLauncher(t, cfg, "fail-first", map[string]string{helperSteps: "10"})

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restarts)
	assert.Equal(t, restart.ExitSucceeded, res.Kind)
}

func TestLauncherGivesUpAfterMaxRestarts(t *testing.T) {
	cfg := testConfig(1)
	cfg.Launcher.MaxRestarts = 1
	l := newLauncher(t, cfg, "fail", nil)

	res, err := l.Run(context.Background())
	assert.ErrorIs(t, err, ErrWorkersFailed)
	assert.Equal(t, 1, res.Restarts)
	assert.Equal(t, restart.ExitFailed, res.Kind)
	assert.Equal(t, 1, res.Exits[0].Code)
}

func TestLauncherStopsWorkersWhenCancelled(t *testing.T) {
	l := newLauncher(t, testConfig(2), "worker", nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(1500*time.Millisecond, cancel)
	res, err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, res.Exits, 2)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoCommand)

	cfg := testConfig(1)
	cfg.FaultTolerance.RankTerminationSignal = "SIGNOPE"
	_, err = New(Options{Config: cfg, Command: []string{"true"}})
	assert.Error(t, err)

	cfg = testConfig(0)
	_, err = New(Options{Config: cfg, Command: []string{"true"}})
	assert.Error(t, err)
}

func TestWorkerEnv(t *testing.T) {
	env := WorkerEnv(2, 4, 1, 3, "run", "/tmp/c.yaml", "/tmp/_rmon_r2.socket")
	assert.Equal(t, map[string]string{
		"RANK":                       "2",
		"LOCAL_RANK":                 "2",
		"WORLD_SIZE":                 "4",
		"RANKMON_RESTART_COUNT":      "1",
		"RANKMON_MAX_RESTARTS":       "3",
		"RANKMON_RUN_ID":             "run",
		"RANKMON_CONFIG_PATH":        "/tmp/c.yaml",
		"FT_RANK_MONITOR_IPC_SOCKET": "/tmp/_rmon_r2.socket",
	}, env)
}
