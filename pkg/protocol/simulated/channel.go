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

package simulated

import (
	"sync"

	"github.com/livekit/voicecall/pkg/protocol"
)

// Operation kinds recorded by Channel.
const (
	OpEstablish = "establish"
	OpAccept    = "accept"
	OpHangup    = "hangup"
	OpHold      = "hold"
	OpDeflect   = "deflect"
	OpDTMF      = "dtmf"
)

// Op is a request issued against a simulated channel. Tests complete it with
// Pending.Finish.
type Op struct {
	Kind    string
	Arg     string
	Hold    bool
	Reason  protocol.StateReason
	Pending *protocol.Pending
}

// Channel is a simulated call channel.
type Channel struct {
	path  string
	props protocol.ChannelProperties
	ready *protocol.Pending

	invalidated subscribers[func(string, string)]
	states      subscribers[func(protocol.CallStateChange)]
	added       subscribers[func(protocol.Content)]
	removed     subscribers[func(protocol.Content, protocol.StateReason)]

	mu  sync.Mutex
	ops []*Op
	// completes hangup requests immediately
	autoHangup bool
}

var _ protocol.Channel = (*Channel)(nil)

func NewChannel(path string, props protocol.ChannelProperties) *Channel {
	return &Channel{
		path:  path,
		props: props,
		ready: protocol.NewPending(),
	}
}

// SetAutoHangup makes the channel complete every hangup request successfully
// as soon as it is issued.
func (c *Channel) SetAutoHangup(v bool) {
	c.mu.Lock()
	c.autoHangup = v
	c.mu.Unlock()
}

func (c *Channel) ObjectPath() string                    { return c.path }
func (c *Channel) Properties() protocol.ChannelProperties { return c.props }
func (c *Channel) BecomeReady() protocol.PendingOperation { return c.ready }

func (c *Channel) OnInvalidated(fn func(errorName, errorMessage string)) func() {
	return c.invalidated.add(fn)
}

func (c *Channel) OnCallStateChanged(fn func(change protocol.CallStateChange)) func() {
	return c.states.add(fn)
}

func (c *Channel) OnContentAdded(fn func(content protocol.Content)) func() {
	return c.added.add(fn)
}

func (c *Channel) OnContentRemoved(fn func(content protocol.Content, reason protocol.StateReason)) func() {
	return c.removed.add(fn)
}

func (c *Channel) issue(op *Op) protocol.PendingOperation {
	op.Pending = protocol.NewPending()
	c.mu.Lock()
	c.ops = append(c.ops, op)
	auto := c.autoHangup && op.Kind == OpHangup
	c.mu.Unlock()
	if auto {
		op.Pending.Finish(nil)
	}
	return op.Pending
}

func (c *Channel) Establish(target string) protocol.PendingOperation {
	return c.issue(&Op{Kind: OpEstablish, Arg: target})
}

func (c *Channel) Accept() protocol.PendingOperation {
	return c.issue(&Op{Kind: OpAccept})
}

func (c *Channel) Hangup(reason protocol.StateReason) protocol.PendingOperation {
	return c.issue(&Op{Kind: OpHangup, Reason: reason})
}

func (c *Channel) RequestHold(hold bool) protocol.PendingOperation {
	return c.issue(&Op{Kind: OpHold, Hold: hold})
}

func (c *Channel) Deflect(target string) protocol.PendingOperation {
	return c.issue(&Op{Kind: OpDeflect, Arg: target})
}

func (c *Channel) SendDTMF(tones string) protocol.PendingOperation {
	return c.issue(&Op{Kind: OpDTMF, Arg: tones})
}

// Ready completes the channel readiness operation.
func (c *Channel) Ready(err error) {
	c.ready.Finish(err)
}

// SetCallState emits a call state change.
func (c *Channel) SetCallState(change protocol.CallStateChange) {
	for _, fn := range c.states.snapshot() {
		fn(change)
	}
}

// AddContent emits a content-added event.
func (c *Channel) AddContent(content protocol.Content) {
	for _, fn := range c.added.snapshot() {
		fn(content)
	}
}

// RemoveContent emits a content-removed event.
func (c *Channel) RemoveContent(content protocol.Content, reason protocol.StateReason) {
	for _, fn := range c.removed.snapshot() {
		fn(content, reason)
	}
}

// Invalidate emits a channel invalidation.
func (c *Channel) Invalidate(errorName, errorMessage string) {
	for _, fn := range c.invalidated.snapshot() {
		fn(errorName, errorMessage)
	}
}

// Ops returns every request issued so far, in order.
func (c *Channel) Ops() []*Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Op(nil), c.ops...)
}

// LastOp returns the most recent request of the given kind, or nil.
func (c *Channel) LastOp(kind string) *Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.ops) - 1; i >= 0; i-- {
		if c.ops[i].Kind == kind {
			return c.ops[i]
		}
	}
	return nil
}

// Count returns how many requests of the given kind were issued.
func (c *Channel) Count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range c.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Subscribers returns the number of live subscriptions of every kind.
func (c *Channel) Subscribers() int {
	return c.invalidated.len() + c.states.len() + c.added.len() + c.removed.len()
}
