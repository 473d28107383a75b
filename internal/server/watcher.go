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

package server

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dsiroky/rewofs/internal/logger"
	"github.com/dsiroky/rewofs/internal/metrics"
	"github.com/dsiroky/rewofs/internal/wire"
	"github.com/fsnotify/fsnotify"
)

// Publisher is the subset of rpc.Server the watcher needs: fan a single
// invalidation out to every connected session.
type Publisher interface {
	Publish(wire.Notify)
}

// Watcher recursively watches root for out-of-band changes and publishes
// coalesced invalidations. It is the single source of notifications: the
// Dispatcher deliberately does not publish anything itself, since every
// mutation it performs is a real syscall against root that this watcher
// observes the same way it observes any other modification.
type Watcher struct {
	root      string
	publisher Publisher
	window    time.Duration
	fsw       *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]wire.NotifyReason
	timer   *time.Timer
}

// NewWatcher creates a Watcher and seeds it with a recursive watch over
// every directory under root. It does not start delivering events until
// Run is called.
func NewWatcher(root string, publisher Publisher, window time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:      root,
		publisher: publisher,
		window:    window,
		fsw:       fsw,
		pending:   make(map[string]wire.NotifyReason),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree walks dir and registers an inotify watch on every directory it
// finds, including dir itself.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory disappearing mid-walk is not fatal; skip it.
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				logger.Warnf("server: failed to watch %s: %v", p, err)
			}
		}
		return nil
	})
}

// Run services fsnotify events until ctx is canceled. It is meant to run
// in its own goroutine for the lifetime of the server process.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("server: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	virtual := w.toVirtual(ev.Name)
	parent := parentVirtual(virtual)

	switch {
	case ev.Has(fsnotify.Create):
		// A new directory needs its own watch so descendants are seen
		// too; a new file or dir either way makes the parent listing
		// stale.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				logger.Warnf("server: failed to extend watch to %s: %v", ev.Name, err)
			}
		}
		w.queue(parent, wire.ReasonTreeChanged)

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// The watch on a removed/renamed-away directory is now stale;
		// fsnotify drops it automatically once the inode is gone.
		w.queue(virtual, wire.ReasonRemoved)
		w.queue(parent, wire.ReasonTreeChanged)

	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		w.queue(virtual, wire.ReasonChanged)
	}
}

// queue records path/reason and arms the coalescing timer on the first
// event of a burst. The whole batch is flushed together once window
// elapses, bounding worst-case notification latency to one window.
func (w *Watcher) queue(virtual string, reason wire.NotifyReason) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[virtual] = reason
	if w.timer == nil {
		w.timer = time.AfterFunc(w.window, w.flush)
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]wire.NotifyReason)
	w.timer = nil
	w.mu.Unlock()

	metrics.WatcherBatchSize.Observe(float64(len(batch)))
	for p, reason := range batch {
		w.publisher.Publish(wire.Notify{Path: p, Reason: reason})
	}
}

// toVirtual maps a real filesystem path back to the "/"-rooted virtual
// path the wire protocol and vfscache.Tree use.
func (w *Watcher) toVirtual(real string) string {
	rel := strings.TrimPrefix(real, w.root)
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}

func parentVirtual(virtual string) string {
	p := path.Dir(virtual)
	if p == "." {
		return "/"
	}
	return p
}
