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
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies the message carried by an Envelope.
// Kind 标识 Envelope 承载的消息类型。
type Kind uint32

// Message kinds / 消息类型
const (
	KindUnknown Kind = iota
	// KindInit is the first client message: rank id and pid.
	KindInit
	// KindInitAck answers KindInit with the connection generation and timeouts.
	KindInitAck
	// KindHeartbeat is a liveness signal.
	KindHeartbeat
	// KindTerminate is the server's side-channel termination notice.
	KindTerminate
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindInitAck:
		return "init_ack"
	case KindHeartbeat:
		return "heartbeat"
	case KindTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// Field numbers of the Envelope wire format.
const (
	fieldKind           protowire.Number = 1
	fieldRankID         protowire.Number = 2
	fieldGeneration     protowire.Number = 3
	fieldSequence       protowire.Number = 4
	fieldPID            protowire.Number = 5
	fieldSentAt         protowire.Number = 6
	fieldInitialTimeout protowire.Number = 7
	fieldSteadyTimeout  protowire.Number = 8
	fieldReason         protowire.Number = 9
	fieldSignal         protowire.Number = 10
)

// ErrMalformed indicates bytes that are not a valid Envelope.
// ErrMalformed 表示字节不是有效的 Envelope。
var ErrMalformed = errors.New("channel: malformed envelope")

// Envelope is the single message type exchanged on the heartbeat stream.
// Envelope 是心跳流上交换的唯一消息类型。
type Envelope struct {
	Kind             Kind
	RankID           string
	Generation       uint64
	Sequence         uint64
	PID              int32
	SentAtUnixNano   int64
	InitialTimeoutMs int64
	SteadyTimeoutMs  int64
	Reason           string
	Signal           string
}

// NewInit builds the opening message of a connection.
func NewInit(rank string, pid int) *Envelope {
	return &Envelope{Kind: KindInit, RankID: rank, PID: int32(pid), SentAtUnixNano: time.Now().UnixNano()}
}

// NewHeartbeat builds a heartbeat message.
func NewHeartbeat(rank string, generation, seq uint64) *Envelope {
	return &Envelope{
		Kind:           KindHeartbeat,
		RankID:         rank,
		Generation:     generation,
		Sequence:       seq,
		SentAtUnixNano: time.Now().UnixNano(),
	}
}

// InitialTimeout returns the initial timeout carried by an INIT_ACK.
func (e *Envelope) InitialTimeout() time.Duration {
	return time.Duration(e.InitialTimeoutMs) * time.Millisecond
}

// SteadyTimeout returns the steady timeout carried by an INIT_ACK.
func (e *Envelope) SteadyTimeout() time.Duration {
	return time.Duration(e.SteadyTimeoutMs) * time.Millisecond
}

// Marshal encodes the envelope in protobuf wire format. Zero fields are omitted.
// Marshal 以 protobuf 编码格式序列化，零值字段省略。
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(e.Kind))
	b = appendString(b, fieldRankID, e.RankID)
	b = appendVarint(b, fieldGeneration, e.Generation)
	b = appendVarint(b, fieldSequence, e.Sequence)
	b = appendVarint(b, fieldPID, uint64(e.PID))
	b = appendVarint(b, fieldSentAt, uint64(e.SentAtUnixNano))
	b = appendVarint(b, fieldInitialTimeout, uint64(e.InitialTimeoutMs))
	b = appendVarint(b, fieldSteadyTimeout, uint64(e.SteadyTimeoutMs))
	b = appendString(b, fieldReason, e.Reason)
	b = appendString(b, fieldSignal, e.Signal)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Unmarshal decodes protobuf wire bytes into the envelope. Unknown fields are skipped.
// Unmarshal 解码 protobuf 字节，未知字段被跳过。
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			e.setVarint(num, v)
			b = b[m:]
		case typ == protowire.BytesType && isStringField(num):
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			e.setString(num, v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldKind, fieldGeneration, fieldSequence, fieldPID, fieldSentAt, fieldInitialTimeout, fieldSteadyTimeout:
		return true
	}
	return false
}

func isStringField(num protowire.Number) bool {
	return num == fieldRankID || num == fieldReason || num == fieldSignal
}

func (e *Envelope) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldKind:
		e.Kind = Kind(v)
	case fieldGeneration:
		e.Generation = v
	case fieldSequence:
		e.Sequence = v
	case fieldPID:
		e.PID = int32(v)
	case fieldSentAt:
		e.SentAtUnixNano = int64(v)
	case fieldInitialTimeout:
		e.InitialTimeoutMs = int64(v)
	case fieldSteadyTimeout:
		e.SteadyTimeoutMs = int64(v)
	}
}

func (e *Envelope) setString(num protowire.Number, v string) {
	switch num {
	case fieldRankID:
		e.RankID = v
	case fieldReason:
		e.Reason = v
	case fieldSignal:
		e.Signal = v
	}
}
