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

package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/seatunnel/rankmon/internal/config"
	"github.com/seatunnel/rankmon/internal/dispatch"
	"go.uber.org/zap"
)

// Config holds the immutable settings of one rank monitor.
// Config 保存单个 rank 监控的不可变设置。
type Config struct {
	// RankID identifies the monitored rank
	// RankID 标识被监控的 rank
	RankID string

	// InitialTimeout bounds the wait for the first heartbeat of a connection cycle
	// InitialTimeout 限制连接周期内首个心跳的等待时间
	InitialTimeout time.Duration

	// SteadyTimeout bounds the gap between heartbeats
	// SteadyTimeout 限制心跳间隔
	SteadyTimeout time.Duration

	// TerminationSignal is the signal name used by the default dispatcher
	// TerminationSignal 是默认分发器使用的信号名称
	TerminationSignal string

	// TerminateGroup signals the worker's process group instead of its pid
	// TerminateGroup 为 true 时向 worker 的进程组发送信号
	TerminateGroup bool

	RearmPolicy RearmPolicy
	AcceptLimit time.Duration

	// MetricsAddress serves /metrics when non-empty
	// MetricsAddress 非空时提供 /metrics
	MetricsAddress string
}

// ConfigFrom derives a monitor Config for rank from the application configuration.
// ConfigFrom 从应用配置推导指定 rank 的监控配置。
func ConfigFrom(rankID string, cfg *config.Config) Config {
	ft := cfg.FaultTolerance
	return Config{
		RankID:            rankID,
		InitialTimeout:    ft.InitialRankHeartbeatTimeout,
		SteadyTimeout:     ft.RankHeartbeatTimeout,
		TerminationSignal: ft.RankTerminationSignal,
		TerminateGroup:    ft.RankTerminationTarget == config.TargetGroup,
		RearmPolicy:       RearmPolicy(ft.Reconnect.RearmPolicy),
		AcceptLimit:       ft.Reconnect.AcceptLimit,
		MetricsAddress:    cfg.Server.MetricsAddress,
	}
}

// Validate validates the configuration
// Validate 验证配置
func (c Config) Validate() error {
	if c.RankID == "" {
		return errors.New("monitor: rank id is required")
	}
	if c.InitialTimeout <= 0 || c.SteadyTimeout <= 0 {
		return fmt.Errorf("monitor: timeouts must be positive (initial=%v, steady=%v)", c.InitialTimeout, c.SteadyTimeout)
	}
	switch c.RearmPolicy {
	case "", RearmCarryOver, RearmSteady, RearmInitial:
	default:
		return fmt.Errorf("monitor: invalid rearm policy %q", c.RearmPolicy)
	}
	if c.AcceptLimit < 0 {
		return errors.New("monitor: accept limit must not be negative")
	}
	return nil
}

func (c Config) timeouts() Timeouts {
	return Timeouts{
		Initial:     c.InitialTimeout,
		Steady:      c.SteadyTimeout,
		Rearm:       c.RearmPolicy,
		AcceptLimit: c.AcceptLimit,
	}
}

// Option configures the collaborators of a Server.
// Option 配置 Server 的协作组件。
type Option func(*options)

type options struct {
	logger     *zap.Logger
	dispatcher dispatch.Dispatcher
	handler    EventHandler
	metrics    *Metrics
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithDispatcher replaces the signal dispatcher.
func WithDispatcher(d dispatch.Dispatcher) Option { return func(o *options) { o.dispatcher = d } }

// WithEventHandler registers an event handler.
func WithEventHandler(h EventHandler) Option { return func(o *options) { o.handler = h } }

// WithMetrics sets the metrics instruments.
func WithMetrics(m *Metrics) Option { return func(o *options) { o.metrics = m } }
