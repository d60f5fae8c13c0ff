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

// Package monitor provides the per-rank heartbeat monitor.
// monitor 包提供单个 rank 的心跳监控服务。
//
// This package provides:
// 此包提供：
// - A gRPC heartbeat endpoint on a Unix socket / Unix 套接字上的 gRPC 心跳端点
// - Timeout-based failure detection / 基于超时的故障检测
// - Exactly-once termination dispatch per episode / 每个周期恰好一次的终止分发
// - Reconnection with generation-based supersede / 基于代号取代的重连处理
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seatunnel/rankmon/internal/channel"
	"github.com/seatunnel/rankmon/internal/dispatch"
	"github.com/seatunnel/rankmon/internal/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Errors for monitor server operations
// 监控服务操作的错误定义
var (
	// ErrShutdownTimeout indicates Stop did not finish within its timeout.
	// ErrShutdownTimeout 表示 Stop 未在超时内完成。
	ErrShutdownTimeout = errors.New("monitor: shutdown timed out")

	// ErrNotInit indicates a stream that did not open with an INIT message.
	// ErrNotInit 表示连接的首条消息不是 INIT。
	ErrNotInit = errors.New("monitor: first message must be init")

	// ErrRankMismatch indicates a worker of another rank connected.
	// ErrRankMismatch 表示连接的 worker 属于其他 rank。
	ErrRankMismatch = errors.New("monitor: rank mismatch")

	// ErrServerAlreadyRunning indicates a live monitor already owns the address.
	// ErrServerAlreadyRunning 表示该地址已被运行中的监控占用。
	ErrServerAlreadyRunning = errors.New("monitor: server already running")
)

// connection is the server-side state of one heartbeat stream.
type connection struct {
	handle     ConnectionHandle
	outbox     chan *channel.Envelope
	superseded chan struct{}
}

// Server is a running rank monitor.
// Server 是运行中的 rank 监控服务。
type Server struct {
	cfg     Config
	address channel.Address
	opts    options
	logger  *zap.Logger

	// mu guards state and conns, and orders the phase gauge updates.
	// Heartbeat handling and timeout firing are serialized under it.
	mu    sync.Mutex
	state *MonitorState
	conns map[uint64]*connection

	rearm chan struct{}

	grpcServer *grpc.Server
	metricsSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifeMu  sync.Mutex
	running bool
}

// Start binds the channel address and starts monitoring. The deadline is
// armed at now + initial timeout.
// Start 绑定通道地址并开始监控，截止时间为 now + 初始超时。
func Start(cfg Config, address channel.Address, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	log := logger.ForRank(o.logger, cfg.RankID)
	if cfg.InitialTimeout < cfg.SteadyTimeout {
		log.Warn("Initial heartbeat timeout is shorter than the steady timeout",
			zap.Duration("initial_timeout", cfg.InitialTimeout),
			zap.Duration("steady_timeout", cfg.SteadyTimeout))
	}
	if o.dispatcher == nil {
		signal := cfg.TerminationSignal
		if signal == "" {
			signal = "SIGKILL"
		}
		d, err := dispatch.NewSignalDispatcher(signal, cfg.TerminateGroup, log)
		if err != nil {
			return nil, err
		}
		o.dispatcher = d
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(cfg.RankID)
	}

	ln, err := channel.Listen(address)
	if errors.Is(err, channel.ErrAddressInUse) {
		return nil, fmt.Errorf("%w: %w", ErrServerAlreadyRunning, err)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		address: address,
		opts:    o,
		logger:  log,
		state:   NewMonitorState(cfg.RankID, cfg.timeouts(), time.Now()),
		conns:   make(map[uint64]*connection),
		rearm:   make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}

	s.grpcServer = grpc.NewServer(channel.ServerOptions(
		grpc.ChainStreamInterceptor(s.loggingStreamInterceptor, s.recoveryStreamInterceptor),
		// Stop returns only after every handler has released its connection
		grpc.WaitForHandlers(true),
	)...)
	channel.RegisterMonitorService(s.grpcServer, &service{s: s})

	if cfg.MetricsAddress != "" {
		if err := s.serveMetrics(); err != nil {
			cancel()
			_ = ln.Close()
			_ = channel.Remove(address)
			return nil, err
		}
	}

	s.wg.Add(2)
	go s.serve(ln)
	go s.watch()

	log.Info("Rank monitor started",
		zap.String("address", address.String()),
		zap.Duration("initial_timeout", cfg.InitialTimeout),
		zap.Duration("steady_timeout", cfg.SteadyTimeout),
		zap.String("rearm_policy", string(s.state.timeouts.Rearm)))
	s.emit(&Event{Type: EventStarted, Phase: PhaseAwaitingFirstHeartbeat})
	return s, nil
}

// Run starts a monitor and serves until ctx is done, then stops it within
// shutdownTimeout.
// Run 启动监控服务直至 ctx 结束，随后在 shutdownTimeout 内停止。
func Run(ctx context.Context, cfg Config, address channel.Address, shutdownTimeout time.Duration, opts ...Option) error {
	s, err := Start(cfg, address, opts...)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop(shutdownTimeout)
}

func (s *Server) serveMetrics() error {
	ln, err := net.Listen("tcp", s.cfg.MetricsAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", s.cfg.MetricsAddress, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.opts.metrics.Handler())
	s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	s.logger.Info("Metrics endpoint listening", zap.String("address", ln.Addr().String()))
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.logger.Error("Monitor server error", zap.Error(err))
	}
}

// Address returns the channel address.
func (s *Server) Address() channel.Address { return s.address }

// Metrics returns the metrics instruments.
func (s *Server) Metrics() *Metrics { return s.opts.metrics }

// Snapshot returns a copy of the current monitor state.
// Snapshot 返回当前监控状态的副本。
func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.running
}

// Stop shuts the server down, waiting at most timeout. Calling Stop on a
// stopped server is a no-op. On expiry ErrShutdownTimeout is returned and the
// remaining goroutines finish in the background.
// Stop 关闭服务并最多等待 timeout；重复调用为空操作；超时返回 ErrShutdownTimeout。
func (s *Server) Stop(timeout time.Duration) error {
	s.lifeMu.Lock()
	if !s.running {
		s.lifeMu.Unlock()
		return nil
	}
	s.running = false
	s.lifeMu.Unlock()

	s.logger.Info("Stopping rank monitor", zap.Duration("timeout", timeout))
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.grpcServer.Stop()
		if s.metricsSrv != nil {
			_ = s.metricsSrv.Close()
		}
		s.wg.Wait()
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("%w: rank %s after %v", ErrShutdownTimeout, s.cfg.RankID, timeout)
	}

	if rmErr := channel.Remove(s.address); rmErr != nil {
		s.logger.Warn("Failed to remove socket", zap.Error(rmErr))
	}
	if err != nil {
		s.logger.Error("Rank monitor did not stop in time", zap.Error(err))
		return err
	}

	s.emit(&Event{Type: EventStopped, Phase: s.Snapshot().Phase})
	s.logger.Info("Rank monitor stopped")
	return nil
}

// poke wakes the deadline loop after the deadline moved.
func (s *Server) poke() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// watch is the deadline loop: one timer, re-armed whenever the state moves.
func (s *Server) watch() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		wake := s.state.NextWake()
		s.mu.Unlock()

		var fire <-chan time.Time
		if !wake.IsZero() {
			timer.Reset(max(time.Until(wake), 0))
			fire = timer.C
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.rearm:
			timer.Stop()
		case now := <-fire:
			s.tick(now)
		}
	}
}

// tick runs the detector. Exactly one caller can observe the expiry because
// Expire moves the state to TimedOut under the same lock heartbeats use.
func (s *Server) tick(now time.Time) {
	s.mu.Lock()
	ep, fired := s.state.Expire(now)
	var conn *connection
	rearmed := false
	if fired {
		if ep.Connected {
			conn = s.conns[ep.Generation]
		}
		s.opts.metrics.setPhase(PhaseTimedOut)
	} else {
		rearmed = s.state.CheckAcceptLimit(now)
	}
	snap := s.state.Snapshot()
	s.mu.Unlock()

	if rearmed {
		s.logger.Info("No heartbeat within the reconnect accept limit, deadline re-armed to the initial timeout",
			zap.Duration("accept_limit", s.cfg.AcceptLimit),
			zap.Time("deadline", snap.Deadline))
		s.emit(&Event{Type: EventRearmed, Generation: snap.Generation, PID: snap.PID, Phase: snap.Phase})
		return
	}
	if fired {
		s.escalate(ep, conn)
	}
}

// escalate dispatches the termination notice of one episode.
func (s *Server) escalate(ep TimeoutEpisode, conn *connection) {
	ep.ID = uuid.NewString()

	s.logger.Warn("Rank heartbeat timeout, terminating worker",
		zap.String("episode", ep.ID),
		zap.String("phase", ep.Phase.String()),
		zap.Duration("elapsed", ep.Elapsed),
		zap.Int("pid", ep.PID),
		zap.Bool("connected", ep.Connected))

	// side channel first; the signal may kill the reader
	if conn != nil {
		notice := &channel.Envelope{
			Kind:       channel.KindTerminate,
			RankID:     s.cfg.RankID,
			Generation: ep.Generation,
			Reason:     fmt.Sprintf("no heartbeat for %v in phase %s", ep.Elapsed.Round(time.Millisecond), ep.Phase),
			Signal:     s.cfg.TerminationSignal,
		}
		select {
		case conn.outbox <- notice:
		default:
		}
	}

	// Stop cancels s.ctx, which interrupts a dispatch in flight.
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	res, err := s.opts.dispatcher.Notify(ctx, dispatch.Target{RankID: s.cfg.RankID, PID: ep.PID})
	cancel()
	ep.Delivered = res.Delivered
	ep.TargetAlive = res.TargetAlive
	s.opts.metrics.timeout(res.Delivered, err)
	if err != nil {
		s.logger.Error("Failed to dispatch termination notice", zap.String("episode", ep.ID), zap.Error(err))
	}

	s.emit(&Event{
		Type:       EventTimedOut,
		Generation: ep.Generation,
		PID:        ep.PID,
		Phase:      PhaseTimedOut,
		Episode:    &ep,
	})
}

func (s *Server) emit(ev *Event) {
	if s.opts.handler == nil {
		return
	}
	ev.RankID = s.cfg.RankID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.opts.handler(ev)
}

// service implements channel.MonitorService.
type service struct {
	s *Server
}

// Heartbeat serves one worker connection.
func (svc *service) Heartbeat(stream channel.ServerStream) error {
	s := svc.s

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Kind != channel.KindInit {
		return status.Error(codes.InvalidArgument, ErrNotInit.Error())
	}
	if first.RankID != "" && first.RankID != s.cfg.RankID {
		return status.Errorf(codes.InvalidArgument, "%v: monitor %s, worker %s", ErrRankMismatch, s.cfg.RankID, first.RankID)
	}

	conn := s.accept(int(first.PID))
	defer s.release(conn)

	ack := &channel.Envelope{
		Kind:             channel.KindInitAck,
		RankID:           s.cfg.RankID,
		Generation:       conn.handle.Generation,
		InitialTimeoutMs: s.cfg.InitialTimeout.Milliseconds(),
		SteadyTimeoutMs:  s.cfg.SteadyTimeout.Milliseconds(),
		Signal:           s.cfg.TerminationSignal,
	}
	if err := stream.Send(ack); err != nil {
		return err
	}

	// The receive error is buffered so the reader never blocks on it after
	// the handler has returned.
	// 接收错误使用带缓冲的通道，处理器返回后读取协程也不会阻塞。
	msgCh := make(chan *channel.Envelope)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-stream.Context().Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-msgCh:
			switch msg.Kind {
			case channel.KindHeartbeat:
				s.heartbeat(conn, msg)
			default:
				s.logger.Debug("Ignoring unexpected message", zap.Stringer("kind", msg.Kind))
			}
		case err := <-errCh:
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("Heartbeat stream closed", zap.Uint64("generation", conn.handle.Generation), zap.Error(err))
			}
			return nil
		case <-stream.Context().Done():
			return nil
		case notice := <-conn.outbox:
			if err := stream.Send(notice); err != nil {
				s.logger.Debug("Failed to send termination notice", zap.Error(err))
			}
		case <-conn.superseded:
			return status.Error(codes.FailedPrecondition, "superseded by a newer connection")
		case <-s.ctx.Done():
			return status.Error(codes.Unavailable, "monitor shutting down")
		}
	}
}

// accept registers a connection and closes the one it supersedes.
func (s *Server) accept(pid int) *connection {
	now := time.Now()

	s.mu.Lock()
	reconnect := s.state.everConnected
	handle, prev := s.state.Accept(pid, now)
	conn := &connection{
		handle:     handle,
		outbox:     make(chan *channel.Envelope, 1),
		superseded: make(chan struct{}),
	}
	s.conns[handle.Generation] = conn
	if prev != nil {
		if old, ok := s.conns[prev.Generation]; ok {
			close(old.superseded)
			delete(s.conns, prev.Generation)
		}
	}
	snap := s.state.Snapshot()
	s.opts.metrics.setPhase(snap.Phase)
	s.mu.Unlock()

	s.poke()
	s.opts.metrics.connection(reconnect)

	if prev != nil {
		s.logger.Info("Connection superseded", zap.Uint64("generation", prev.Generation), zap.Int("pid", prev.PID))
		s.emit(&Event{Type: EventSuperseded, Generation: prev.Generation, PID: prev.PID, Phase: snap.Phase})
	}

	evType := EventConnected
	if reconnect {
		evType = EventReconnected
	}
	s.logger.Info("Worker connected",
		zap.Bool("reconnect", reconnect),
		zap.Uint64("generation", handle.Generation),
		zap.Int("pid", pid),
		zap.String("phase", snap.Phase.String()),
		zap.Time("deadline", snap.Deadline))
	s.emit(&Event{Type: evType, Generation: handle.Generation, PID: pid, Phase: snap.Phase})
	return conn
}

// release records the end of a connection's stream.
func (s *Server) release(conn *connection) {
	s.mu.Lock()
	current := s.state.Disconnect(conn.handle.Generation)
	if current {
		delete(s.conns, conn.handle.Generation)
		s.opts.metrics.setPhase(s.state.Phase())
	}
	snap := s.state.Snapshot()
	s.mu.Unlock()

	if !current {
		return
	}
	s.logger.Info("Worker disconnected",
		zap.Uint64("generation", conn.handle.Generation),
		zap.String("phase", snap.Phase.String()))
	s.emit(&Event{Type: EventDisconnected, Generation: conn.handle.Generation, PID: conn.handle.PID, Phase: snap.Phase})
}

// heartbeat applies a heartbeat received on conn. The generation that counts
// is the connection's own; a message claiming another one is stale.
// heartbeat 处理 conn 上收到的心跳，以连接自身的代号为准，声明其他代号的消息视为过期。
func (s *Server) heartbeat(conn *connection, msg *channel.Envelope) HeartbeatResult {
	res := HeartbeatStale
	s.mu.Lock()
	if msg.Generation == conn.handle.Generation {
		res = s.state.Heartbeat(conn.handle.Generation, msg.Sequence, time.Now())
		if res == HeartbeatAccepted {
			s.opts.metrics.setPhase(s.state.Phase())
		}
	}
	s.mu.Unlock()

	s.opts.metrics.heartbeat(res)
	if res == HeartbeatAccepted {
		s.poke()
		return res
	}
	s.logger.Debug("Heartbeat rejected",
		zap.String("result", res.String()),
		zap.Uint64("generation", msg.Generation),
		zap.Uint64("connection_generation", conn.handle.Generation),
		zap.Uint64("seq", msg.Sequence))
	return res
}

// loggingStreamInterceptor logs stream lifetimes.
// loggingStreamInterceptor 记录流的生命周期。
func (s *Server) loggingStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	if err != nil {
		s.logger.Debug("Heartbeat stream ended with error",
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}
	return err
}

// recoveryStreamInterceptor recovers from panics in stream handlers.
// recoveryStreamInterceptor 从流式处理器的 panic 中恢复。
func (s *Server) recoveryStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Heartbeat handler panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
			err = status.Errorf(codes.Internal, "internal server error")
		}
	}()
	return handler(srv, ss)
}
