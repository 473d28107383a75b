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

	"github.com/google/uuid"
	"go.opencensus.io/plugin/ocgrpc"
	"google.golang.org/grpc/stats"
)

// sessionIDKey is the context key under which connTaggingHandler stashes
// the per-connection session id, recovered later by sessionIDFromContext.
type sessionIDKey struct{}

// connTaggingHandler layers a stable per-connection session id on top of
// ocgrpc's StatsHandler. ocgrpc already hooks grpc's connection
// lifecycle (TagConn/HandleConn) to report opencensus connection
// metrics; reusing that same hook to mint and propagate a session id is
// what lets the handle table (§4.3) key its state by connection and
// release it deterministically when the stream's context is done.
type connTaggingHandler struct {
	ocgrpc.ServerHandler
}

func (h *connTaggingHandler) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	ctx = h.ServerHandler.TagConn(ctx, info)
	return context.WithValue(ctx, sessionIDKey{}, uuid.NewString())
}
