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
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

// CodecName is the gRPC content-subtype of the heartbeat stream.
// CodecName 是心跳流使用的 gRPC content-subtype。
const CodecName = "rankmon"

// Service and method names / 服务与方法名
const (
	ServiceName     = "rankmon.RankMonitor"
	HeartbeatMethod = "/" + ServiceName + "/Heartbeat"
)

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}

// envelopeCodec adapts Envelope to grpc/encoding.
type envelopeCodec struct{}

func (envelopeCodec) Marshal(v any) ([]byte, error) {
	e, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("channel: cannot marshal %T", v)
	}
	return e.Marshal(), nil
}

func (envelopeCodec) Unmarshal(data []byte, v any) error {
	e, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("channel: cannot unmarshal into %T", v)
	}
	return e.Unmarshal(data)
}

func (envelopeCodec) Name() string { return CodecName }

// MonitorService is implemented by the rank monitor server.
// MonitorService 由 rank 监控服务实现。
type MonitorService interface {
	Heartbeat(stream ServerStream) error
}

// ServerStream is the server side of one heartbeat connection.
// ServerStream 是一条心跳连接的服务端。
type ServerStream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	Context() context.Context
}

// ClientStream is the client side of one heartbeat connection.
// ClientStream 是一条心跳连接的客户端。
type ClientStream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	CloseSend() error
	Context() context.Context
}

// ServiceDesc describes the RankMonitor service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MonitorService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Heartbeat",
			Handler:       heartbeatHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "rankmon/heartbeat",
}

// RegisterMonitorService registers impl on the gRPC server.
// RegisterMonitorService 在 gRPC 服务器上注册服务实现。
func RegisterMonitorService(s grpc.ServiceRegistrar, impl MonitorService) {
	s.RegisterService(&ServiceDesc, impl)
}

func heartbeatHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MonitorService).Heartbeat(&envelopeStream{stream})
}

type envelopeStream struct {
	grpc.ServerStream
}

func (s *envelopeStream) Send(e *Envelope) error { return s.ServerStream.SendMsg(e) }

func (s *envelopeStream) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := s.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

type clientEnvelopeStream struct {
	grpc.ClientStream
}

func (s *clientEnvelopeStream) Send(e *Envelope) error { return s.ClientStream.SendMsg(e) }

func (s *clientEnvelopeStream) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := s.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// OpenHeartbeat opens a heartbeat stream on cc. The stream lives as long as ctx.
// OpenHeartbeat 在 cc 上打开心跳流，流的生命周期与 ctx 一致。
func OpenHeartbeat(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ClientStream, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], HeartbeatMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &clientEnvelopeStream{stream}, nil
}

// Dial creates a client connection to the monitor socket.
// The connection is lazy; the first stream triggers the connect.
// Dial 创建到监控套接字的客户端连接（惰性连接，首次开流时建立）。
func Dial(a Address, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	return grpc.NewClient(a.Target(), append(base, opts...)...)
}

// ServerOptions returns the gRPC server options used by the monitor.
// ServerOptions 返回监控服务使用的 gRPC 服务器选项。
func ServerOptions(extra ...grpc.ServerOption) []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(64 * 1024),
	}
	return append(opts, extra...)
}
