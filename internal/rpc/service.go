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

package rpc

import (
	"google.golang.org/grpc"
)

// serviceName and method names mimic what protoc-gen-go-grpc would have
// produced from a .proto file defining this service; there is no .proto
// file because the wire schema is hand-rolled (see internal/wire).
const (
	serviceName  = "rewofs.RPC"
	methodCall   = "Call"
	methodNotify = "Notify"
)

// Handler is the server-side implementation registered against the
// generated-style ServiceDesc below.
type Handler interface {
	// HandleCall services one bidirectional Call stream: the client sends
	// a Frame per request (possibly many in flight, out of order
	// replies allowed) and the server sends back one Frame per reply,
	// correlated by CorrelationID.
	HandleCall(stream grpc.ServerStream) error

	// HandleNotify services one Notify stream: the server pushes Frame
	// values (each wrapping a marshaled wire.Notify) until the client
	// disconnects.
	HandleNotify(stream grpc.ServerStream) error
}

func callHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Handler).HandleCall(stream)
}

func notifyHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Handler).HandleNotify(stream)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// emits for a service with one bidi-streaming RPC (Call) and one
// server-streaming RPC (Notify).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodCall,
			Handler:       callHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    methodNotify,
			Handler:       notifyHandler,
			ServerStreams: true,
			ClientStreams: false,
		},
	},
}

// RegisterServer attaches a Handler implementation to a grpc.Server.
func RegisterServer(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

func callStreamDesc() *grpc.StreamDesc  { return &serviceDesc.Streams[0] }
func notifyStreamDesc() *grpc.StreamDesc { return &serviceDesc.Streams[1] }

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}
