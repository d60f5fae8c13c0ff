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

package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrUnknownSignal indicates a signal name that cannot be resolved.
// ErrUnknownSignal 表示无法解析的信号名称。
var ErrUnknownSignal = errors.New("dispatch: unknown signal")

// ParseSignal resolves "SIGUSR1", "USR1", "usr1" or "10" to a signal.
// ParseSignal 将 "SIGUSR1"、"USR1"、"usr1" 或 "10" 解析为信号。
func ParseSignal(name string) (syscall.Signal, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if s == "" {
		return 0, fmt.Errorf("%w: empty name", ErrUnknownSignal)
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
		}
		return syscall.Signal(n), nil
	}
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	sig := unix.SignalNum(s)
	if sig == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	return sig, nil
}

// SignalName returns the canonical name of a signal, e.g. "SIGUSR1".
// SignalName 返回信号的规范名称，例如 "SIGUSR1"。
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return "SIG" + strconv.Itoa(int(sig))
}
