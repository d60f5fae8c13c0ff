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
	"sync"
	"time"
)

// Reconnect backoff defaults. The monitor's steady timeout is usually
// minutes, so the cap stays well below it.
// 重连退避默认值
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultBackoffFactor  = 2.0
)

// Backoff yields exponentially growing reconnect delays:
// delay(n) = min(Max, Initial * Factor^(n-1)).
// Backoff 生成指数增长的重连延迟。
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	mu      sync.Mutex
	attempt int
}

// NewBackoff returns a Backoff with the default parameters.
// NewBackoff 返回默认参数的 Backoff。
func NewBackoff() *Backoff {
	return &Backoff{Initial: DefaultInitialBackoff, Max: DefaultMaxBackoff, Factor: DefaultBackoffFactor}
}

// Next advances the attempt counter and returns its delay.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt++
	return Delay(b.attempt, b.Initial, b.Max, b.Factor)
}

// Reset starts over from the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Delay is the delay of the given attempt; attempts below 1 get the initial delay.
// Delay 返回第 attempt 次尝试的延迟。
func Delay(attempt int, initial, ceiling time.Duration, factor float64) time.Duration {
	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= factor
		if d >= float64(ceiling) {
			return ceiling
		}
	}
	if time.Duration(d) > ceiling {
		return ceiling
	}
	return time.Duration(d)
}
