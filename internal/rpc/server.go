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
	"context"
	"net"
	"sync"

	"github.com/dsiroky/rewofs/internal/logger"
	"github.com/dsiroky/rewofs/internal/wire"
	"github.com/google/uuid"
	"go.opencensus.io/plugin/ocgrpc"
	"go.opencensus.io/trace"
	"google.golang.org/grpc"
)

// Dispatcher executes one decoded request and produces a response
// payload of the matching kind. Implemented by internal/server.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, kind wire.Kind, payload []byte) []byte
}

// Disconnector is notified when a session's transport connection goes
// away, so the handle table can release everything that session opened
// (§4.3: "On client disconnect, all handles owned by that session are
// closed.").
type Disconnector interface {
	SessionClosed(sessionID string)
}

// Server adapts a Dispatcher + notification hub to the hand-rolled gRPC
// service descriptor in service.go.
type Server struct {
	dispatcher   Dispatcher
	disconnector Disconnector

	mu       sync.Mutex
	sessions map[string]chan wire.Notify
}

func NewServer(d Dispatcher, disc Disconnector) *Server {
	return &Server{dispatcher: d, disconnector: disc, sessions: make(map[string]chan wire.Notify)}
}

// Publish fans a notification out to every connected session's queue.
// Per §4.3 the server does not track which client cares about which
// path; every session applies every invalidation, exactly as the spec's
// "publish invalidation" step describes.
func (s *Server) Publish(n wire.Notify) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.sessions {
		select {
		case ch <- n:
		default:
			logger.Warnf("rpc: notify queue full for a session, dropping %s %s", n.Reason, n.Path)
		}
	}
}

// sessionIDFromContext recovers the connection-scoped identifier
// ocgrpc's stats handler attached to ctx via TagConn (see stats.go).
func sessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return id
	}
	// No connection tag available (e.g. in unit tests that call the
	// handler directly): mint a private one-off id.
	return uuid.NewString()
}

// HandleCall services the bidi Call stream: it receives request Frames
// and, for each, spawns the dispatch so that slow operations do not
// block other in-flight requests on the same connection, then writes
// back the reply Frame. Writes are serialized with a mutex because a
// single grpc.ServerStream is not safe for concurrent SendMsg.
func (s *Server) HandleCall(stream grpc.ServerStream) error {
	ctx := stream.Context()
	sessionID := sessionIDFromContext(ctx)

	var sendMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		f := new(Frame)
		if err := stream.RecvMsg(f); err != nil {
			return err
		}

		wg.Add(1)
		go func(req *Frame) {
			defer wg.Done()
			respPayload := s.dispatcher.Dispatch(ctx, sessionID, req.Kind, req.Payload)
			sendMu.Lock()
			defer sendMu.Unlock()
			_ = stream.SendMsg(&Frame{CorrelationID: req.CorrelationID, Kind: req.Kind, Payload: respPayload})
		}(f)
	}
}

// HandleNotify services one Notify stream for the lifetime of a
// connection, pushing every published invalidation until the client
// disconnects or the session is closed.
func (s *Server) HandleNotify(stream grpc.ServerStream) error {
	ctx := stream.Context()
	sessionID := sessionIDFromContext(ctx)

	ch := make(chan wire.Notify, 256)
	s.mu.Lock()
	s.sessions[sessionID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		if s.disconnector != nil {
			s.disconnector.SessionClosed(sessionID)
		}
	}()

	for {
		select {
		case n := <-ch:
			f := &Frame{Kind: wire.KindNotify, Payload: wire.MarshalNotify(n)}
			if err := stream.SendMsg(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Serve starts a grpc.Server wrapping h on lis and blocks until it stops.
// The opencensus StatsHandler tags each connection with a session id
// before any RPC runs, independent of HandleCall/HandleNotify ordering.
func Serve(lis net.Listener, h Handler) error {
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.NeverSample()})
	srv := grpc.NewServer(
		grpc.ForceServerCodec(codec{}),
		grpc.StatsHandler(&connTaggingHandler{ocgrpc.ServerHandler{}}),
	)
	RegisterServer(srv, h)
	return srv.Serve(lis)
}
