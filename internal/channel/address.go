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

// Package channel implements the local heartbeat channel between a worker
// and its rank monitor: a gRPC bidirectional stream over a Unix domain socket.
// channel 包实现 worker 与其 rank 监控之间的本地心跳通道：基于 Unix 域套接字的 gRPC 双向流。
package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// EnvSocket names the environment variable carrying a worker's socket path.
// EnvSocket 是携带 worker 套接字路径的环境变量名。
const EnvSocket = "FT_RANK_MONITOR_IPC_SOCKET"

// maxSocketPath is sizeof(sockaddr_un.sun_path) minus the terminating NUL.
const maxSocketPath = 107

// liveCheckTimeout bounds the dial that checks whether a socket file is live.
const liveCheckTimeout = 500 * time.Millisecond

var (
	// ErrEmptyAddress indicates no socket path was given.
	// ErrEmptyAddress 表示未提供套接字路径。
	ErrEmptyAddress = errors.New("channel: empty address")

	// ErrAddressTooLong indicates the socket path exceeds the platform limit.
	// ErrAddressTooLong 表示套接字路径超过平台限制。
	ErrAddressTooLong = errors.New("channel: socket path too long")

	// ErrAddressInUse indicates a live listener already owns the socket.
	// ErrAddressInUse 表示套接字已被存活的监听者占用。
	ErrAddressInUse = errors.New("channel: address in use")
)

// Address is the filesystem path of a rank's monitor socket.
// Address 是 rank 监控套接字的文件系统路径。
type Address string

// DefaultAddress returns <dir>/_rmon_r<rank>.socket, using os.TempDir() when dir is empty.
// DefaultAddress 返回 <dir>/_rmon_r<rank>.socket，dir 为空时使用 os.TempDir()。
func DefaultAddress(dir, rank string) Address {
	if dir == "" {
		dir = os.TempDir()
	}
	return Address(filepath.Join(dir, fmt.Sprintf("_rmon_r%s.socket", rank)))
}

// AddressFromEnv reads EnvSocket, falling back to the given address.
// AddressFromEnv 读取 EnvSocket，未设置时使用 fallback。
func AddressFromEnv(fallback Address) Address {
	if v := os.Getenv(EnvSocket); v != "" {
		return Address(v)
	}
	return fallback
}

// Validate checks the address can be bound.
// Validate 检查地址是否可绑定。
func (a Address) Validate() error {
	if a == "" {
		return ErrEmptyAddress
	}
	if len(a) > maxSocketPath {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrAddressTooLong, len(a), maxSocketPath)
	}
	return nil
}

// Target returns the gRPC dial target for the address.
// Target 返回地址对应的 gRPC 拨号目标。
func (a Address) Target() string {
	p := string(a)
	if !filepath.IsAbs(p) {
		return "unix:" + p
	}
	return "unix://" + p
}

func (a Address) String() string { return string(a) }

// Listen binds a Unix socket at the address. A stale socket file left by a
// dead listener is removed first; a live one yields ErrAddressInUse.
// Listen 在地址上绑定 Unix 套接字；残留的套接字文件会先被删除，存活的监听者返回 ErrAddressInUse。
func Listen(a Address) (net.Listener, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := removeStale(a); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(string(a)), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	ln, err := net.Listen("unix", string(a))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", a, err)
	}
	return ln, nil
}

// removeStale deletes the socket file unless something still accepts on it.
func removeStale(a Address) error {
	if _, err := os.Lstat(string(a)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", string(a), liveCheckTimeout)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, a)
	}
	if !errors.Is(err, unix.ECONNREFUSED) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("failed to check socket %s: %w", a, err)
	}
	return Remove(a)
}

// Remove deletes the socket file; a missing file is not an error.
// Remove 删除套接字文件，文件不存在不视为错误。
func Remove(a Address) error {
	if a == "" {
		return nil
	}
	if err := os.Remove(string(a)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove socket %s: %w", a, err)
	}
	return nil
}
