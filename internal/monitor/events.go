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

// EventType represents the type of monitor event
// EventType 表示监控事件类型
type EventType string

const (
	EventStarted      EventType = "started"
	EventConnected    EventType = "connected"
	EventReconnected  EventType = "reconnected"
	EventSuperseded   EventType = "superseded"
	EventDisconnected EventType = "disconnected"
	EventRearmed      EventType = "rearmed"
	EventTimedOut     EventType = "timed_out"
	EventStopped      EventType = "stopped"
)

// Event represents a monitor lifecycle event
// Event 表示监控生命周期事件
type Event struct {
	Type       EventType         `json:"type"`
	RankID     string            `json:"rank_id"`
	Generation uint64            `json:"generation,omitempty"`
	PID        int               `json:"pid,omitempty"`
	Phase      Phase             `json:"phase"`
	Timestamp  time.Time         `json:"timestamp"`
	Episode    *TimeoutEpisode   `json:"episode,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// EventHandler is called synchronously, outside the state lock, for every
// event. It must not block.
// EventHandler 在状态锁之外同步调用，不得阻塞。
type EventHandler func(event *Event)
