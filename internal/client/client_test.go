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

package client

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/seatunnel/rankmon/internal/channel"
	"github.com/seatunnel/rankmon/internal/dispatch"
	"github.com/seatunnel/rankmon/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

func socketAddress(t *testing.T) channel.Address {
	t.Helper()
	dir, err := os.MkdirTemp("", "rmon")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return channel.DefaultAddress(dir, "0")
}

// startMonitor runs a monitor whose dispatcher only counts notices.
func startMonitor(t *testing.T, addr channel.Address, initial, steady time.Duration) (*monitor.Server, *atomic.Int32) {
	t.Helper()
	var notices atomic.Int32
	srv, err := monitor.Start(monitor.Config{
		RankID:         "0",
		InitialTimeout: initial,
		SteadyTimeout:  steady,
	}, addr,
		monitor.WithLogger(zaptest.NewLogger(t)),
		monitor.WithDispatcher(dispatch.Func(func(context.Context, dispatch.Target) (dispatch.Result, error) {
			notices.Add(1)
			return dispatch.Result{Delivered: true, TargetAlive: true}, nil
		})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(5 * time.Second) })
	return srv, &notices
}

func connectClient(t *testing.T, addr channel.Address) *Client {
	t.Helper()
	c, err := Connect(context.Background(), Options{
		Address:        addr,
		RankID:         "0",
		ConnectTimeout: 2 * time.Second,
		SendTimeout:    time.Second,
		Backoff:        &Backoff{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2},
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectFailsWithoutMonitor(t *testing.T) {
	start := time.Now()
	_, err := Connect(context.Background(), Options{
		Address:        socketAddress(t),
		ConnectTimeout: time.Second,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestConnectRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	addr := socketAddress(t)
	startMonitor(t, addr, time.Minute, time.Minute)

	_, err := Connect(ctx, Options{Address: addr, RankID: "0"})
	assert.ErrorIs(t, err, ErrConnection)
}

// TestSendHeartbeatMovesMonitorToMonitoring tests the handshake and one heartbeat
// TestSendHeartbeatMovesMonitorToMonitoring 测试握手与单次心跳
func TestSendHeartbeatMovesMonitorToMonitoring(t *testing.T) {
	addr := socketAddress(t)
	srv, _ := startMonitor(t, addr, time.Minute, 30*time.Second)
	c := connectClient(t, addr)

	assert.Equal(t, uint64(1), c.Generation())
	assert.Equal(t, time.Minute, c.InitialTimeout())
	assert.Equal(t, 30*time.Second, c.SteadyTimeout())
	assert.True(t, c.IsConnected())

	require.NoError(t, c.SendHeartbeat(context.Background()))
	require.Eventually(t, func() bool {
		snap := srv.Snapshot()
		return snap.Phase == monitor.PhaseMonitoring && snap.PID == os.Getpid()
	}, 2*time.Second, 10*time.Millisecond)
}

// TestHeartbeatLoopKeepsRankAlive tests the background loop with the derived interval
// TestHeartbeatLoopKeepsRankAlive 测试按稳态超时推导间隔的后台心跳循环
func TestHeartbeatLoopKeepsRankAlive(t *testing.T) {
	addr := socketAddress(t)
	srv, notices := startMonitor(t, addr, 500*time.Millisecond, 300*time.Millisecond)
	c := connectClient(t, addr)

	require.NoError(t, c.StartHeartbeatLoop(0))
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(0), notices.Load())
	assert.Equal(t, monitor.PhaseMonitoring, srv.Snapshot().Phase)

	c.Stop()
	require.Eventually(t, func() bool { return notices.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
}

// TestTerminationNoticeCallback tests the side-channel notice
// TestTerminationNoticeCallback 测试终止通知回调
func TestTerminationNoticeCallback(t *testing.T) {
	addr := socketAddress(t)
	startMonitor(t, addr, 300*time.Millisecond, 200*time.Millisecond)
	c := connectClient(t, addr)

	got := make(chan TerminateNotice, 1)
	c.OnTermination(func(n TerminateNotice) { got <- n })
	require.NoError(t, c.SendHeartbeat(context.Background()))

	select {
	case n := <-got:
		assert.Equal(t, "0", n.RankID)
		assert.Equal(t, c.Generation(), n.Generation)
		assert.NotEmpty(t, n.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("no termination notice")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	addr := socketAddress(t)
	startMonitor(t, addr, time.Minute, time.Minute)
	c := connectClient(t, addr)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	err := c.SendHeartbeat(context.Background())
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Reconnect(context.Background()), ErrClosed)
}

// TestSendFailsFastAfterMonitorStops tests that sends never block on a dead channel
// TestSendFailsFastAfterMonitorStops 测试监控停止后发送快速失败
func TestSendFailsFastAfterMonitorStops(t *testing.T) {
	addr := socketAddress(t)
	srv, _ := startMonitor(t, addr, time.Minute, time.Minute)
	c := connectClient(t, addr)
	require.NoError(t, c.SendHeartbeat(context.Background()))

	require.NoError(t, srv.Stop(2*time.Second))

	require.Eventually(t, func() bool {
		start := time.Now()
		err := c.SendHeartbeat(context.Background())
		assert.Less(t, time.Since(start), 2*time.Second)
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.False(t, c.IsConnected())
}

// TestReconnectAfterSupersede tests reconnection with backoff
// TestReconnectAfterSupersede 测试被取代后的退避重连
func TestReconnectAfterSupersede(t *testing.T) {
	addr := socketAddress(t)
	srv, _ := startMonitor(t, addr, time.Minute, time.Minute)
	c1 := connectClient(t, addr)
	c2 := connectClient(t, addr)
	assert.Greater(t, c2.Generation(), c1.Generation())

	require.Eventually(t, func() bool { return !c1.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c1.SendHeartbeat(context.Background()), ErrSend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c1.Reconnect(ctx))
	assert.Greater(t, c1.Generation(), c2.Generation())
	require.NoError(t, c1.SendHeartbeat(context.Background()))
	require.Eventually(t, func() bool {
		return srv.Snapshot().Generation == c1.Generation()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectGivesUpWhenContextEnds(t *testing.T) {
	addr := socketAddress(t)
	srv, _ := startMonitor(t, addr, time.Minute, time.Minute)
	c := connectClient(t, addr)
	require.NoError(t, srv.Stop(2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Reconnect(ctx), context.DeadlineExceeded)
	assert.Greater(t, c.opts.Backoff.Attempt(), 0)
}

func TestStartHeartbeatLoopRejectsZeroInterval(t *testing.T) {
	c := &Client{opts: Options{HeartbeatFraction: 0.3}}
	assert.Error(t, c.StartHeartbeatLoop(0))
}

// TestInstallTerminationHandler tests exit-code conversion of the termination signal
// TestInstallTerminationHandler 测试终止信号转换为退出码
func TestInstallTerminationHandler(t *testing.T) {
	codes := make(chan int, 1)
	exit = func(code int) { codes <- code }
	defer func() { exit = os.Exit }()

	var cleaned atomic.Bool
	uninstall, err := InstallTerminationHandler(syscall.SIGUSR2, 123, func(context.Context) {
		cleaned.Store(true)
	}, time.Second)
	require.NoError(t, err)
	defer uninstall()

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR2))
	select {
	case code := <-codes:
		assert.Equal(t, 123, code)
		assert.True(t, cleaned.Load())
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not exit")
	}
}

func TestTerminationHandlerBoundsCleanup(t *testing.T) {
	codes := make(chan int, 1)
	exit = func(code int) { codes <- code }
	defer func() { exit = os.Exit }()

	uninstall, err := InstallTerminationHandler(syscall.SIGUSR2, 7, func(ctx context.Context) {
		time.Sleep(10 * time.Second)
	}, 100*time.Millisecond)
	require.NoError(t, err)
	defer uninstall()

	start := time.Now()
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR2))
	select {
	case code := <-codes:
		assert.Equal(t, 7, code)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("cleanup was not bounded")
	}
}

func TestTerminationHandlerRejectsSIGKILL(t *testing.T) {
	_, err := InstallTerminationHandler(syscall.SIGKILL, 123, nil, time.Second)
	assert.ErrorIs(t, err, ErrUncatchableSignal)
}
