// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpc carries rewofs's request/reply and notification channels
// over a gRPC connection. gRPC supplies the framed, multiplexed,
// bidirectional byte stream the transport adapter needs (§4.2 of the
// design); rewofs does not speak protobuf over it. A hand-rolled
// ServiceDesc paired with a custom codec lets the wire package's own
// binary schema ride directly inside gRPC's HTTP/2 framing, without a
// protoc-generated stub.
package rpc

import (
	"fmt"

	"github.com/dsiroky/rewofs/internal/wire"
	"google.golang.org/grpc/encoding"
)

// CodecName is registered with grpc's encoding registry and selected on
// both ends via grpc.ForceCodec/ForceServerCodec.
const CodecName = "rewofs"

// Frame is the only type that ever crosses the wire through this codec,
// in both directions of the Call stream and on the Notify stream. Kind
// distinguishes a request from a response from a notification at the
// call site, not in the frame itself -- the stream's direction already
// says which.
type Frame struct {
	CorrelationID uint64
	Kind          wire.Kind
	Payload       []byte
}

// codec adapts wire's envelope+payload encoding to grpc's
// encoding.Codec interface.
type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("rpc: codec cannot marshal %T", v)
	}
	env := wire.MarshalEnvelope(wire.Envelope{CorrelationID: f.CorrelationID, Kind: f.Kind})
	buf := make([]byte, 0, len(env)+len(f.Payload))
	buf = append(buf, env...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("rpc: codec cannot unmarshal into %T", v)
	}
	env, rest, err := wire.UnmarshalEnvelope(data)
	if err != nil {
		return err
	}
	f.CorrelationID = env.CorrelationID
	f.Kind = env.Kind
	f.Payload = rest
	return nil
}

func init() {
	encoding.RegisterCodec(codec{})
}
