// Copyright 2026 LiveKit, Inc.
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

package voicecall

import (
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/livekit/voicecall/pkg/errors"
)

// Loop runs posted functions one at a time, in the order they were posted.
// Every runtime callback, operation outcome and timer expiry is funneled
// through it, so providers and sessions never need their own locks for
// cross-call state.
type Loop struct {
	mu    sync.Mutex
	queue deque.Deque[func()]
	wake  chan struct{}

	stopped core.Fuse
	done    core.Fuse
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn. It never blocks and returns false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	if l.stopped.IsBroken() {
		return false
	}
	l.mu.Lock()
	l.queue.PushBack(fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run processes queued functions until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.done.Break()
	for {
		if l.stopped.IsBroken() {
			return
		}
		l.mu.Lock()
		if l.queue.Len() == 0 {
			l.mu.Unlock()
			select {
			case <-ctx.Done():
				l.stopped.Break()
				return
			case <-l.stopped.Watch():
				return
			case <-l.wake:
			}
			continue
		}
		fn := l.queue.PopFront()
		l.mu.Unlock()
		fn()
	}
}

// Stop makes Run return after the function currently executing. Queued
// functions are dropped.
func (l *Loop) Stop() {
	l.stopped.Break()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done.Watch()
}

// Pending returns the number of queued functions.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Do runs fn on the loop and waits for it to complete. It must not be called
// from the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return errors.ErrLoopStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped.Watch():
		select {
		case <-done:
			return nil
		case <-l.done.Watch():
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-done:
			return nil
		default:
			return errors.ErrLoopStopped
		}
	}
}
