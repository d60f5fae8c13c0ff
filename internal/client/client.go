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

// Package client is the worker side of the rank monitor channel.
// client 包是 rank 监控通道的 worker 端。
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/seatunnel/rankmon/internal/channel"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Errors for client operations
// 客户端操作的错误定义
var (
	// ErrConnection indicates the monitor could not be reached.
	// ErrConnection 表示无法连接到监控服务。
	ErrConnection = errors.New("client: cannot connect to rank monitor")

	// ErrSend indicates a heartbeat could not be delivered.
	// ErrSend 表示心跳发送失败。
	ErrSend = errors.New("client: heartbeat send failed")

	// ErrClosed indicates the client was closed.
	// ErrClosed 表示客户端已关闭。
	ErrClosed = errors.New("client: closed")
)

// Defaults for Options
// Options 的默认值
const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultSendTimeout       = time.Second
	DefaultHeartbeatFraction = 0.3
)

// Options configures a Client.
// Options 配置 Client。
type Options struct {
	// Address is the monitor socket
	// Address 是监控套接字地址
	Address channel.Address

	// RankID is checked by the monitor when non-empty
	// RankID 非空时由监控服务校验
	RankID string

	// PID is reported to the monitor as the termination target; defaults to os.Getpid()
	// PID 作为终止目标上报给监控服务，默认为当前进程
	PID int

	ConnectTimeout time.Duration
	SendTimeout    time.Duration

	// HeartbeatFraction scales the monitor's steady timeout into the loop interval
	// HeartbeatFraction 将监控的稳态超时缩放为心跳间隔
	HeartbeatFraction float64

	Backoff *Backoff
	Logger  *zap.Logger
}

func (o *Options) setDefaults() {
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.HeartbeatFraction <= 0 {
		o.HeartbeatFraction = DefaultHeartbeatFraction
	}
	if o.Backoff == nil {
		o.Backoff = NewBackoff()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// TerminateNotice is the monitor's side-channel message sent before the
// termination signal.
// TerminateNotice 是监控服务在发送终止信号前通过通道发出的通知。
type TerminateNotice struct {
	RankID     string
	Generation uint64
	Reason     string
	Signal     string
}

// session is one established heartbeat stream.
type session struct {
	cc     *grpc.ClientConn
	stream channel.ClientStream
	cancel context.CancelFunc

	generation uint64
	initial    time.Duration
	steady     time.Duration

	// sendMu serializes Send; a gRPC stream allows one sender at a time.
	sendMu sync.Mutex
}

func (s *session) close() {
	s.cancel()
	_ = s.cc.Close()
}

// Client sends heartbeats to the rank monitor.
// Client 向 rank 监控服务发送心跳。
type Client struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	sess        *session
	broken      bool
	closed      bool
	seq         uint64
	onTerminate func(TerminateNotice)

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// Connect dials the monitor and completes the INIT handshake.
// Connect 连接监控服务并完成 INIT 握手。
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()
	c := &Client{
		opts:   opts,
		logger: opts.Logger.With(zap.String("rank", opts.RankID), zap.String("address", opts.Address.String())),
	}
	sess, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}
	c.install(sess)
	return c, nil
}

// handshake opens a stream and exchanges INIT / INIT_ACK within ConnectTimeout.
func (c *Client) handshake(ctx context.Context) (*session, error) {
	fail := func(err error) error {
		return fmt.Errorf("%w: %s: %v", ErrConnection, c.opts.Address, err)
	}
	if err := c.opts.Address.Validate(); err != nil {
		return nil, fail(err)
	}
	cc, err := channel.Dial(c.opts.Address)
	if err != nil {
		return nil, fail(err)
	}

	// The stream outlives ctx; ctx and the connect timeout only bound the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(c.opts.ConnectTimeout, cancel)
	stopWatch := context.AfterFunc(ctx, cancel)
	abort := func(err error) (*session, error) {
		timer.Stop()
		stopWatch()
		cancel()
		_ = cc.Close()
		return nil, fail(err)
	}

	stream, err := channel.OpenHeartbeat(streamCtx, cc)
	if err != nil {
		return abort(err)
	}
	if err := stream.Send(channel.NewInit(c.opts.RankID, c.opts.PID)); err != nil {
		return abort(err)
	}
	ack, err := stream.Recv()
	if err != nil {
		return abort(err)
	}
	if ack.Kind != channel.KindInitAck {
		return abort(fmt.Errorf("unexpected %s in reply to init", ack.Kind))
	}
	if !timer.Stop() || !stopWatch() {
		return abort(errors.New("handshake interrupted"))
	}

	return &session{
		cc:         cc,
		stream:     stream,
		cancel:     cancel,
		generation: ack.Generation,
		initial:    ack.InitialTimeout(),
		steady:     ack.SteadyTimeout(),
	}, nil
}

func (c *Client) install(sess *session) {
	c.mu.Lock()
	old := c.sess
	c.sess = sess
	c.broken = false
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	c.logger.Info("Connected to rank monitor",
		zap.Uint64("generation", sess.generation),
		zap.Duration("steady_timeout", sess.steady))
	go c.receive(sess)
}

// receive drains the stream, forwarding termination notices.
func (c *Client) receive(sess *session) {
	for {
		msg, err := sess.stream.Recv()
		if err != nil {
			c.mu.Lock()
			if c.sess == sess {
				c.broken = true
			}
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Debug("Heartbeat stream ended", zap.Uint64("generation", sess.generation), zap.Error(err))
			}
			return
		}
		if msg.Kind != channel.KindTerminate {
			continue
		}

		notice := TerminateNotice{RankID: msg.RankID, Generation: msg.Generation, Reason: msg.Reason, Signal: msg.Signal}
		c.logger.Warn("Rank monitor is terminating this worker",
			zap.String("reason", notice.Reason), zap.String("signal", notice.Signal))
		c.mu.Lock()
		fn := c.onTerminate
		c.mu.Unlock()
		if fn != nil {
			fn(notice)
		}
	}
}

// OnTermination registers a callback for the monitor's terminate notice.
// OnTermination 注册终止通知回调。
func (c *Client) OnTermination(fn func(TerminateNotice)) {
	c.mu.Lock()
	c.onTerminate = fn
	c.mu.Unlock()
}

// Generation returns the generation the monitor assigned to the current connection.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.generation
}

// SteadyTimeout returns the monitor's steady heartbeat timeout.
func (c *Client) SteadyTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.steady
}

// InitialTimeout returns the monitor's initial heartbeat timeout.
func (c *Client) InitialTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.initial
}

// IsConnected reports whether the current stream is usable.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && !c.broken && !c.closed
}

// SendHeartbeat sends one heartbeat. It returns within SendTimeout; a send
// that times out breaks the stream so later sends fail fast until Reconnect.
// SendHeartbeat 发送一次心跳，最长阻塞 SendTimeout；超时后流被中断，后续发送立即失败直至重连。
func (c *Client) SendHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrSend, ErrClosed)
	}
	sess := c.sess
	if sess == nil || c.broken {
		c.mu.Unlock()
		return fmt.Errorf("%w: stream is not connected", ErrSend)
	}
	c.seq++
	msg := channel.NewHeartbeat(c.opts.RankID, sess.generation, c.seq)
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		sess.sendMu.Lock()
		defer sess.sendMu.Unlock()
		done <- sess.stream.Send(msg)
	}()

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
		if err == nil {
			return nil
		}
	case <-timer.C:
		err = fmt.Errorf("timed out after %v", c.opts.SendTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.breakSession(sess)
	return fmt.Errorf("%w: %w", ErrSend, err)
}

func (c *Client) breakSession(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.broken = true
	}
	c.mu.Unlock()
	sess.cancel()
}

// Reconnect replaces the current stream, retrying with exponential backoff
// until it succeeds, ctx is done or the client is closed.
// Reconnect 以指数退避重试替换当前连接，直到成功、ctx 结束或客户端关闭。
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.sess
	c.broken = true
	c.mu.Unlock()
	if old != nil {
		old.cancel()
	}

	backoff := c.opts.Backoff
	for {
		delay := backoff.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}

		sess, err := c.handshake(ctx)
		if err == nil {
			c.install(sess)
			c.logger.Info("Reconnected to rank monitor", zap.Int("attempt", backoff.Attempt()))
			backoff.Reset()
			return nil
		}
		c.logger.Warn("Reconnect attempt failed",
			zap.Int("attempt", backoff.Attempt()),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

// StartHeartbeatLoop sends heartbeats every interval in the background,
// reconnecting when the stream breaks. An interval of 0 derives the period
// from the monitor's steady timeout and HeartbeatFraction.
// StartHeartbeatLoop 在后台按 interval 发送心跳，流中断时自动重连；interval 为 0 时按稳态超时与比例计算。
func (c *Client) StartHeartbeatLoop(interval time.Duration) error {
	if interval <= 0 {
		interval = time.Duration(float64(c.SteadyTimeout()) * c.opts.HeartbeatFraction)
	}
	if interval <= 0 {
		return errors.New("client: heartbeat interval must be positive")
	}

	c.Stop()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.loopMu.Lock()
	c.loopCancel = cancel
	c.loopDone = done
	c.loopMu.Unlock()

	c.logger.Info("Heartbeat loop started", zap.Duration("interval", interval))
	go c.loop(ctx, interval, done)
	return nil
}

func (c *Client) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.SendHeartbeat(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			c.logger.Warn("Heartbeat failed, reconnecting", zap.Error(err))
			if err := c.Reconnect(ctx); err != nil {
				return
			}
			ticker.Reset(interval)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop stops the heartbeat loop and waits for it to exit.
// Stop 停止心跳循环并等待其退出。
func (c *Client) Stop() {
	c.loopMu.Lock()
	cancel, done := c.loopCancel, c.loopDone
	c.loopCancel, c.loopDone = nil, nil
	c.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the loop and closes the connection. The monitor treats it as a
// disconnect; its deadline keeps running.
// Close 停止心跳循环并关闭连接；监控服务视其为断开，截止时间继续计时。
func (c *Client) Close() error {
	c.Stop()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	c.logger.Info("Rank monitor client closed")
	return nil
}
