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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dsiroky/rewofs/clock"
	"github.com/dsiroky/rewofs/internal/logger"
	"github.com/dsiroky/rewofs/internal/wire"
	"google.golang.org/grpc"
)

// ErrDisconnected is returned to every caller with an RPC in flight when
// the transport drops, and to anyone who calls Client.Call while
// reconnecting.
var ErrDisconnected = fmt.Errorf("rpc: transport disconnected")

// NotifyHandler is invoked for each inbound invalidation, in arrival
// order, on a dedicated goroutine owned by the Client.
type NotifyHandler func(wire.Notify)

// Client is the request/reply + notification transport consumed by the
// client cache. It owns exactly one underlying gRPC connection at a time
// and transparently reconnects with exponential backoff; every
// reconnect discards in-flight RPCs and invokes onReconnect so the
// caller can drop its cache and start from cold, per §4.2/§7.
type Client struct {
	target  string
	clock   clock.Clock
	onNotify NotifyHandler
	onReconnect func()
	backoffMin, backoffMax time.Duration

	mu       sync.Mutex
	cc       *grpc.ClientConn
	stream   grpc.ClientStream
	pending  map[uint64]chan *Frame
	closed   bool

	nextCorrelationID uint64
}

// NewClient dials target (as produced by Endpoint.dialTarget) and starts
// the background connection-management loop. It does not block for the
// first connection; until the loop has connected, Call returns
// ErrDisconnected.
func NewClient(target string, backoffMin, backoffMax time.Duration, onNotify NotifyHandler, onReconnect func()) *Client {
	c := &Client{
		target:      target,
		clock:       clock.RealClock{},
		onNotify:    onNotify,
		onReconnect: onReconnect,
		backoffMin:  backoffMin,
		backoffMax:  backoffMax,
		pending:     make(map[uint64]chan *Frame),
	}
	go c.connectLoop()
	return c
}

func (c *Client) connectLoop() {
	backoff := c.backoffMin
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.connectOnce(); err != nil {
			logger.Warnf("rpc: connect to %s failed: %v", c.target, err)
			<-c.clock.After(backoff)
			backoff *= 2
			if backoff > c.backoffMax {
				backoff = c.backoffMax
			}
			continue
		}
		backoff = c.backoffMin

		if c.onReconnect != nil {
			c.onReconnect()
		}

		// Blocks until the Call stream dies, then loops to redial.
		c.serveUntilDisconnected()
	}
}

func (c *Client) connectOnce() error {
	cc, err := dial(c.target)
	if err != nil {
		return err
	}

	stream, err := cc.NewStream(context.Background(), callStreamDesc(), fullMethod(methodCall), grpc.ForceCodec(codec{}))
	if err != nil {
		cc.Close()
		return err
	}

	notifyStream, err := cc.NewStream(context.Background(), notifyStreamDesc(), fullMethod(methodNotify), grpc.ForceCodec(codec{}))
	if err != nil {
		cc.Close()
		return err
	}

	c.mu.Lock()
	c.cc = cc
	c.stream = stream
	c.mu.Unlock()

	go c.recvLoop(stream)
	go c.notifyLoop(notifyStream)
	return nil
}

// serveUntilDisconnected blocks until the connection is known dead, then
// fails every pending caller with ErrDisconnected.
func (c *Client) serveUntilDisconnected() {
	c.mu.Lock()
	cc := c.cc
	c.mu.Unlock()
	if cc == nil {
		return
	}

	for {
		state := cc.GetState()
		if state.String() == "SHUTDOWN" || state.String() == "TRANSIENT_FAILURE" {
			break
		}
		if !cc.WaitForStateChange(context.Background(), state) {
			break
		}
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.cc = nil
	c.stream = nil
	c.mu.Unlock()

	cc.Close()
}

func (c *Client) recvLoop(stream grpc.ClientStream) {
	for {
		f := new(Frame)
		if err := stream.RecvMsg(f); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[f.CorrelationID]
		if ok {
			delete(c.pending, f.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (c *Client) notifyLoop(stream grpc.ClientStream) {
	for {
		f := new(Frame)
		if err := stream.RecvMsg(f); err != nil {
			return
		}
		n, err := wire.UnmarshalNotify(f.Payload)
		if err != nil {
			logger.Warnf("rpc: malformed notification: %v", err)
			continue
		}
		if c.onNotify != nil {
			c.onNotify(n)
		}
	}
}

// Call sends one request of the given kind and blocks for its matching
// reply. Safe for concurrent use; concurrent callers pipeline on the
// same stream and are demultiplexed by correlation id.
func (c *Client) Call(ctx context.Context, kind wire.Kind, req interface{}) (interface{}, error) {
	payload, err := wire.MarshalRequest(kind, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	id := atomic.AddUint64(&c.nextCorrelationID, 1)
	replyCh := make(chan *Frame, 1)
	c.pending[id] = replyCh
	stream := c.stream
	c.mu.Unlock()

	if err := stream.SendMsg(&Frame{CorrelationID: id, Kind: kind, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case f, ok := <-replyCh:
		if !ok {
			return nil, ErrDisconnected
		}
		return wire.UnmarshalResponse(kind, f.Payload)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close shuts the client down permanently.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cc := c.cc
	c.mu.Unlock()
	if cc != nil {
		return cc.Close()
	}
	return nil
}
