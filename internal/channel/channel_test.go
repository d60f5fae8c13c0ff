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

package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protowire"
	"pgregory.net/rapid"
)

// shortDir returns a directory whose paths fit in sun_path.
func shortDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "rmon")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestDefaultAddress(t *testing.T) {
	assert.Equal(t, Address("/run/x/_rmon_r3.socket"), DefaultAddress("/run/x", "3"))
	assert.Equal(t, Address(filepath.Join(os.TempDir(), "_rmon_r0.socket")), DefaultAddress("", "0"))
}

func TestAddressFromEnv(t *testing.T) {
	t.Setenv(EnvSocket, "/tmp/from-env.socket")
	assert.Equal(t, Address("/tmp/from-env.socket"), AddressFromEnv("/tmp/fallback.socket"))

	t.Setenv(EnvSocket, "")
	assert.Equal(t, Address("/tmp/fallback.socket"), AddressFromEnv("/tmp/fallback.socket"))
}

func TestAddressValidate(t *testing.T) {
	assert.ErrorIs(t, Address("").Validate(), ErrEmptyAddress)
	assert.ErrorIs(t, Address("/"+strings.Repeat("a", 200)).Validate(), ErrAddressTooLong)
	assert.NoError(t, Address("/tmp/ok.socket").Validate())
	assert.Equal(t, "unix:///tmp/ok.socket", Address("/tmp/ok.socket").Target())
	assert.Equal(t, "unix:rel.socket", Address("rel.socket").Target())
}

// TestListenRemovesStaleSocket tests that a leftover socket file does not block binding
// TestListenRemovesStaleSocket 测试残留套接字文件不会阻止绑定
func TestListenRemovesStaleSocket(t *testing.T) {
	addr := DefaultAddress(shortDir(t), "0")
	require.NoError(t, os.WriteFile(string(addr), nil, 0o600))

	ln, err := Listen(addr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	require.NoError(t, Remove(addr))
	require.NoError(t, Remove(addr))
}

// TestListenReplacesDeadSocket tests that a socket whose listener is gone is reclaimed
// TestListenReplacesDeadSocket 测试监听者已退出的套接字可被重新绑定
func TestListenReplacesDeadSocket(t *testing.T) {
	addr := DefaultAddress(shortDir(t), "0")
	old, err := net.Listen("unix", string(addr))
	require.NoError(t, err)
	old.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, old.Close())
	_, err = os.Stat(string(addr))
	require.NoError(t, err, "socket file left behind")

	ln, err := Listen(addr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

// TestListenRefusesLiveSocket tests that a bound socket is never taken over
// TestListenRefusesLiveSocket 测试不会接管仍在监听的套接字
func TestListenRefusesLiveSocket(t *testing.T) {
	addr := DefaultAddress(shortDir(t), "0")
	first, err := Listen(addr)
	require.NoError(t, err)
	defer first.Close()

	_, err = Listen(addr)
	assert.ErrorIs(t, err, ErrAddressInUse)

	fi, err := os.Stat(string(addr))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSocket, "live socket kept")
}

func TestEnvelopeSkipsUnknownFields(t *testing.T) {
	b := NewHeartbeat("1", 2, 3).Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	var e Envelope
	require.NoError(t, e.Unmarshal(b))
	assert.Equal(t, KindHeartbeat, e.Kind)
	assert.Equal(t, uint64(3), e.Sequence)
}

func TestEnvelopeRejectsTruncated(t *testing.T) {
	b := (&Envelope{Kind: KindTerminate, Reason: "heartbeat timeout"}).Marshal()
	var e Envelope
	assert.ErrorIs(t, e.Unmarshal(b[:len(b)-3]), ErrMalformed)
}

// **Feature: rank-monitor, Property 2: Envelope wire encoding is lossless**
//
// Property: decoding an encoded envelope yields the original envelope.
// 属性：编码后再解码的 Envelope 与原值一致。
func TestProperty_EnvelopeWire(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := Envelope{
			Kind:             Kind(rapid.IntRange(0, 4).Draw(t, "kind")),
			RankID:           rapid.String().Draw(t, "rank"),
			Generation:       rapid.Uint64().Draw(t, "gen"),
			Sequence:         rapid.Uint64().Draw(t, "seq"),
			PID:              rapid.Int32().Draw(t, "pid"),
			SentAtUnixNano:   rapid.Int64().Draw(t, "sentAt"),
			InitialTimeoutMs: rapid.Int64Min(0).Draw(t, "initial"),
			SteadyTimeoutMs:  rapid.Int64Min(0).Draw(t, "steady"),
			Reason:           rapid.String().Draw(t, "reason"),
			Signal:           rapid.SampledFrom([]string{"", "SIGUSR1", "SIGKILL"}).Draw(t, "signal"),
		}
		var out Envelope
		if err := out.Unmarshal(in.Marshal()); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if in != out {
			t.Fatalf("mismatch:\n in=%+v\nout=%+v", in, out)
		}
	})
}

// echoService acks INIT and echoes heartbeats back as-is.
type echoService struct{}

func (echoService) Heartbeat(stream ServerStream) error {
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Kind == KindInit {
			msg = &Envelope{Kind: KindInitAck, RankID: msg.RankID, Generation: 1, SteadyTimeoutMs: 3000}
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
}

// TestHeartbeatStreamOverUnixSocket tests the codec and service descriptor end to end
// TestHeartbeatStreamOverUnixSocket 端到端测试编解码器与服务描述
func TestHeartbeatStreamOverUnixSocket(t *testing.T) {
	addr := DefaultAddress(shortDir(t), "7")
	ln, err := Listen(addr)
	require.NoError(t, err)

	srv := grpc.NewServer(ServerOptions()...)
	RegisterMonitorService(srv, echoService{})
	go func() { _ = srv.Serve(ln) }()
	defer srv.Stop()

	cc, err := Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := OpenHeartbeat(ctx, cc)
	require.NoError(t, err)

	require.NoError(t, stream.Send(NewInit("7", os.Getpid())))
	ack, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindInitAck, ack.Kind)
	assert.Equal(t, uint64(1), ack.Generation)
	assert.Equal(t, 3*time.Second, ack.SteadyTimeout())

	require.NoError(t, stream.Send(NewHeartbeat("7", 1, 1)))
	echo, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, echo.Kind)
	assert.Equal(t, uint64(1), echo.Sequence)

	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
