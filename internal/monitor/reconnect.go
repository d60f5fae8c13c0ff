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

import "time"

// Accept registers a new connection from the worker with the given pid and
// returns its handle. A previous connection, if still registered, is
// superseded and returned so the caller can close it.
//
// Deadline handling:
//   - first connection ever, or first after a timeout that preceded any
//     connection: AwaitingFirstHeartbeat, now + initial
//   - after a timeout: Reconnecting, now + initial (new cycle)
//   - otherwise: Reconnecting, deadline per RearmPolicy
//
// Accept 注册新连接并返回其句柄；若存在旧连接则将其取代并返回，由调用方关闭。
func (s *MonitorState) Accept(pid int, now time.Time) (ConnectionHandle, *ConnectionHandle) {
	s.nextGeneration++
	h := &ConnectionHandle{Generation: s.nextGeneration, PID: pid, AcceptedAt: now}

	prev := s.current

	switch {
	case !s.everConnected:
		s.phase = PhaseAwaitingFirstHeartbeat
		s.arm(now, s.timeouts.Initial)
	case s.phase == PhaseTimedOut:
		s.phase = PhaseReconnecting
		s.arm(now, s.timeouts.Initial)
	default:
		s.phase = PhaseReconnecting
		switch s.timeouts.Rearm {
		case RearmSteady:
			s.arm(now, s.timeouts.Steady)
		case RearmInitial:
			s.arm(now, s.timeouts.Initial)
		}
	}

	s.everConnected = true
	s.current = h
	s.lastPID = pid
	s.lastSeq = 0
	s.connHeartbeats = 0
	s.acceptLimitUsed = false

	return *h, prev
}

// Disconnect records the loss of the connection with the given generation.
// The deadline keeps running. It reports false for superseded generations.
// Disconnect 记录指定代连接的断开，截止时间继续计时；已被取代的代返回 false。
func (s *MonitorState) Disconnect(generation uint64) bool {
	if s.current == nil || s.current.Generation != generation {
		return false
	}
	s.current = nil
	if s.phase == PhaseMonitoring {
		s.phase = PhaseReconnecting
	}
	return true
}

// acceptLimitAt reports when the accept limit of the current connection elapses.
func (s *MonitorState) acceptLimitAt() (time.Time, bool) {
	if s.timeouts.AcceptLimit <= 0 || s.current == nil || s.phase != PhaseReconnecting ||
		s.connHeartbeats > 0 || s.acceptLimitUsed {
		return time.Time{}, false
	}
	return s.current.AcceptedAt.Add(s.timeouts.AcceptLimit), true
}

// CheckAcceptLimit re-arms the deadline to now + initial timeout once when a
// reconnected client has sent nothing within the accept limit. The deadline
// is only ever extended here.
// CheckAcceptLimit 在重连客户端超过接受时限仍未发送心跳时，将截止时间延长至 now + 初始超时（仅一次）。
func (s *MonitorState) CheckAcceptLimit(now time.Time) bool {
	at, ok := s.acceptLimitAt()
	if !ok || now.Before(at) {
		return false
	}
	s.acceptLimitUsed = true
	if extended := now.Add(s.timeouts.Initial); extended.After(s.deadline) {
		s.arm(now, s.timeouts.Initial)
	}
	return true
}
