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
	"fmt"
	"time"
)

// Phase is the monitoring phase of a rank.
// Phase 是 rank 的监控阶段。
type Phase int

// Monitoring phases / 监控阶段
const (
	PhaseAwaitingFirstHeartbeat Phase = iota
	PhaseMonitoring
	PhaseReconnecting
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingFirstHeartbeat:
		return "awaiting_first_heartbeat"
	case PhaseMonitoring:
		return "monitoring"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// RearmPolicy selects the deadline applied when a connection supersedes another.
// RearmPolicy 决定新连接取代旧连接时的截止时间。
type RearmPolicy string

// Re-arm policies / 重新计时策略
const (
	// RearmCarryOver keeps the running deadline.
	RearmCarryOver RearmPolicy = "carry_over"
	// RearmSteady re-arms to now + steady timeout.
	RearmSteady RearmPolicy = "steady"
	// RearmInitial re-arms to now + initial timeout.
	RearmInitial RearmPolicy = "initial"
)

// Timeouts holds the immutable timing parameters of a monitor.
// Timeouts 保存监控的不可变计时参数。
type Timeouts struct {
	Initial     time.Duration
	Steady      time.Duration
	Rearm       RearmPolicy
	AcceptLimit time.Duration
}

// HeartbeatResult is the outcome of applying a heartbeat.
// HeartbeatResult 是处理心跳的结果。
type HeartbeatResult int

// Heartbeat outcomes / 心跳处理结果
const (
	HeartbeatAccepted HeartbeatResult = iota
	HeartbeatStale
	HeartbeatOutOfOrder
	HeartbeatAfterTimeout
)

func (r HeartbeatResult) String() string {
	switch r {
	case HeartbeatAccepted:
		return "accepted"
	case HeartbeatStale:
		return "stale"
	case HeartbeatOutOfOrder:
		return "out_of_order"
	case HeartbeatAfterTimeout:
		return "after_timeout"
	default:
		return "unknown"
	}
}

// ConnectionHandle identifies one accepted connection.
// ConnectionHandle 标识一条已接受的连接。
type ConnectionHandle struct {
	Generation uint64
	PID        int
	AcceptedAt time.Time
}

// TimeoutEpisode records one escalation.
// TimeoutEpisode 记录一次超时升级。
type TimeoutEpisode struct {
	ID       string
	RankID   string
	Sequence uint64

	// Phase is the phase at the moment of failure.
	Phase    Phase
	Deadline time.Time
	FiredAt  time.Time

	// LastHeartbeat is zero when no heartbeat was ever accepted.
	LastHeartbeat time.Time

	// Elapsed is measured from the last heartbeat, or from when the deadline
	// was armed if none was ever accepted.
	Elapsed time.Duration

	Generation uint64
	PID        int
	Connected  bool

	// Delivered and TargetAlive are filled in after dispatch.
	Delivered   bool
	TargetAlive bool
}

// Snapshot is a read-only copy of the monitor state.
// Snapshot 是监控状态的只读副本。
type Snapshot struct {
	RankID        string
	Phase         Phase
	Deadline      time.Time
	Connected     bool
	Generation    uint64
	PID           int
	LastHeartbeat time.Time
	LastSequence  uint64
	Episodes      uint64
}

// MonitorState is the failure detector of one rank. It is not safe for
// concurrent use; the server serializes every call under one mutex.
// MonitorState 是单个 rank 的故障检测器，非并发安全，由服务端在同一把锁下串行调用。
type MonitorState struct {
	rankID   string
	timeouts Timeouts

	phase    Phase
	deadline time.Time
	armedAt  time.Time

	current        *ConnectionHandle
	lastPID        int
	everConnected  bool
	nextGeneration uint64

	lastHeartbeat   time.Time
	lastSeq         uint64
	connHeartbeats  uint64
	acceptLimitUsed bool

	episodes uint64
}

// NewMonitorState creates a state awaiting its first heartbeat with the
// deadline armed at now + initial timeout.
// NewMonitorState 创建等待首个心跳的状态，截止时间为 now + 初始超时。
func NewMonitorState(rankID string, t Timeouts, now time.Time) *MonitorState {
	if t.Rearm == "" {
		t.Rearm = RearmCarryOver
	}
	s := &MonitorState{rankID: rankID, timeouts: t, phase: PhaseAwaitingFirstHeartbeat}
	s.arm(now, t.Initial)
	return s
}

func (s *MonitorState) arm(now time.Time, d time.Duration) {
	s.armedAt = now
	s.deadline = now.Add(d)
}

// Phase returns the current phase.
func (s *MonitorState) Phase() Phase { return s.phase }

// Deadline returns the armed deadline; zero in PhaseTimedOut.
func (s *MonitorState) Deadline() time.Time { return s.deadline }

// Current returns the current connection handle, if any.
func (s *MonitorState) Current() (ConnectionHandle, bool) {
	if s.current == nil {
		return ConnectionHandle{}, false
	}
	return *s.current, true
}

// Snapshot returns a copy of the observable state.
func (s *MonitorState) Snapshot() Snapshot {
	snap := Snapshot{
		RankID:        s.rankID,
		Phase:         s.phase,
		Deadline:      s.deadline,
		PID:           s.lastPID,
		LastHeartbeat: s.lastHeartbeat,
		LastSequence:  s.lastSeq,
		Episodes:      s.episodes,
	}
	if s.current != nil {
		snap.Connected = true
		snap.Generation = s.current.Generation
	}
	return snap
}

// Heartbeat applies a heartbeat carrying the given generation and sequence.
// Only the current generation with a sequence above the last one moves the deadline.
// Heartbeat 处理心跳，只有当前代且序号递增的心跳才会推迟截止时间。
func (s *MonitorState) Heartbeat(generation, seq uint64, now time.Time) HeartbeatResult {
	if s.current == nil || s.current.Generation != generation {
		return HeartbeatStale
	}
	if s.phase == PhaseTimedOut {
		return HeartbeatAfterTimeout
	}
	if seq <= s.lastSeq {
		return HeartbeatOutOfOrder
	}
	s.lastSeq = seq
	s.lastHeartbeat = now
	s.connHeartbeats++
	s.phase = PhaseMonitoring
	s.arm(now, s.timeouts.Steady)
	return HeartbeatAccepted
}

// Expire fires the detector when the deadline has passed. It returns true at
// most once per episode; the state stays TimedOut until a new connection.
// Expire 在截止时间已过时触发检测，每个周期最多返回一次 true。
func (s *MonitorState) Expire(now time.Time) (TimeoutEpisode, bool) {
	if s.phase == PhaseTimedOut || now.Before(s.deadline) {
		return TimeoutEpisode{}, false
	}

	s.episodes++
	ep := TimeoutEpisode{
		RankID:        s.rankID,
		Sequence:      s.episodes,
		Phase:         s.phase,
		Deadline:      s.deadline,
		FiredAt:       now,
		LastHeartbeat: s.lastHeartbeat,
		PID:           s.lastPID,
	}
	if !s.lastHeartbeat.IsZero() {
		ep.Elapsed = now.Sub(s.lastHeartbeat)
	} else {
		ep.Elapsed = now.Sub(s.armedAt)
	}
	if s.current != nil {
		ep.Generation = s.current.Generation
		ep.PID = s.current.PID
		ep.Connected = true
	}

	s.phase = PhaseTimedOut
	s.deadline = time.Time{}
	return ep, true
}

// NextWake returns when the detector next needs attention; zero means never.
// NextWake 返回检测器下一次需要检查的时间，零值表示无需检查。
func (s *MonitorState) NextWake() time.Time {
	if s.phase == PhaseTimedOut {
		return time.Time{}
	}
	wake := s.deadline
	if at, ok := s.acceptLimitAt(); ok && at.Before(wake) {
		wake = at
	}
	return wake
}
