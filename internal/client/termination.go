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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ErrUncatchableSignal indicates a signal a process cannot handle.
// ErrUncatchableSignal 表示进程无法捕获的信号。
var ErrUncatchableSignal = errors.New("client: signal cannot be caught")

// exit is replaced in tests.
var exit = os.Exit

// InstallTerminationHandler makes the process exit with exitCode when sig
// arrives, after running cleanup for at most cleanupTimeout. The returned
// function uninstalls the handler.
// InstallTerminationHandler 在收到 sig 时执行 cleanup（最多 cleanupTimeout），随后以 exitCode 退出；返回的函数用于卸载处理器。
func InstallTerminationHandler(sig syscall.Signal, exitCode int, cleanup func(context.Context), cleanupTimeout time.Duration) (func(), error) {
	if sig == syscall.SIGKILL || sig == syscall.SIGSTOP {
		return nil, fmt.Errorf("%w: %v", ErrUncatchableSignal, sig)
	}

	ch := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(ch, sig)

	go func() {
		select {
		case <-quit:
			return
		case <-ch:
		}
		if cleanup != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			done := make(chan struct{})
			go func() {
				defer close(done)
				cleanup(ctx)
			}()
			select {
			case <-done:
			case <-ctx.Done():
			}
			cancel()
		}
		exit(exitCode)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}, nil
}
