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

package host

import (
	"context"
	"encoding/json"
	"time"

	"github.com/frostbyte73/core"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/voicecall/pkg/config"
	"github.com/livekit/voicecall/pkg/voicecall"
)

// Event types published on the events channel.
const (
	EventProviderAdded   = "provider_added"
	EventProviderRemoved = "provider_removed"
	EventCallAdded       = "call_added"
	EventCallStatus      = "call_status"
	EventCallRemoved     = "call_removed"
	EventOperationFailed = "operation_failed"
)

const (
	eventQueueSize  = 256
	publishTimeout  = 2 * time.Second
	closeDrainLimit = 5 * time.Second
)

// Event is the JSON document published for every host notification.
type Event struct {
	Type     string                  `json:"type"`
	NodeID   string                  `json:"node_id"`
	At       time.Time               `json:"at"`
	Provider *voicecall.ProviderInfo `json:"provider,omitempty"`
	Call     *CallEvent              `json:"call,omitempty"`
	From     string                  `json:"from,omitempty"`
	Op       string                  `json:"op,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

type CallEvent struct {
	HandlerID    string           `json:"handler_id"`
	LineID       string           `json:"line_id,omitempty"`
	Incoming     bool             `json:"incoming"`
	Multiparty   bool             `json:"multiparty,omitempty"`
	Emergency    bool             `json:"emergency,omitempty"`
	Forwarded    bool             `json:"forwarded,omitempty"`
	RemoteHeld   bool             `json:"remote_held,omitempty"`
	Status       voicecall.Status `json:"status"`
	ProviderID   string           `json:"provider_id"`
	ProviderType string           `json:"provider_type"`
	ActiveCalls  int              `json:"active_calls"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
}

func newCallEvent(c voicecall.CallInfo) *CallEvent {
	ev := &CallEvent{
		HandlerID:    c.HandlerID,
		LineID:       c.LineID,
		Incoming:     c.Incoming,
		Multiparty:   c.Multiparty,
		Emergency:    c.Emergency,
		Forwarded:    c.Forwarded,
		RemoteHeld:   c.RemoteHeld,
		Status:       c.Status,
		ProviderID:   c.ProviderID,
		ProviderType: c.ProviderType,
		ActiveCalls:  c.ActiveCallCount,
	}
	if !c.StartedAt.IsZero() {
		t := c.StartedAt
		ev.StartedAt = &t
	}
	return ev
}

// RedisPublisher is the part of a redis client the publisher needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher publishes host notifications as JSON on a redis pub/sub channel.
// Notifications are queued and published from a single worker, so the loop
// never waits for redis. When the queue is full the event is dropped.
type Publisher struct {
	log     logger.Logger
	rc      RedisPublisher
	channel string
	nodeID  string

	events chan Event
	closed core.Fuse
	done   core.Fuse
}

var _ voicecall.Manager = (*Publisher)(nil)

func NewPublisher(conf *config.Config, rc RedisPublisher, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.GetLogger()
	}
	p := &Publisher{
		log:     log.WithValues("channel", conf.EventsChannel),
		rc:      rc,
		channel: conf.EventsChannel,
		nodeID:  conf.NodeID,
		events:  make(chan Event, eventQueueSize),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer p.done.Break()
	for {
		select {
		case ev := <-p.events:
			p.publish(ev)
		case <-p.closed.Watch():
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	deadline := time.Now().Add(closeDrainLimit)
	for time.Now().Before(deadline) {
		select {
		case ev := <-p.events:
			p.publish(ev)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warnw("cannot encode event", err, "type", ev.Type)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err = p.rc.Publish(ctx, p.channel, data).Err(); err != nil {
		p.log.Warnw("cannot publish event", err, "type", ev.Type)
	}
}

func (p *Publisher) enqueue(ev Event) {
	if p.closed.IsBroken() {
		return
	}
	ev.NodeID = p.nodeID
	ev.At = time.Now()
	select {
	case p.events <- ev:
	default:
		p.log.Warnw("event queue full, dropping event", nil, "type", ev.Type)
	}
}

// Close stops accepting events and waits until the queued ones were
// published or ctx is done.
func (p *Publisher) Close(ctx context.Context) error {
	p.closed.Break()
	select {
	case <-p.done.Watch():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) AddProvider(info voicecall.ProviderInfo) {
	p.enqueue(Event{Type: EventProviderAdded, Provider: &info})
}

func (p *Publisher) RemoveProvider(info voicecall.ProviderInfo) {
	p.enqueue(Event{Type: EventProviderRemoved, Provider: &info})
}

func (p *Publisher) CallAdded(c voicecall.CallInfo) {
	p.enqueue(Event{Type: EventCallAdded, Call: newCallEvent(c)})
}

func (p *Publisher) CallStatusChanged(c voicecall.CallInfo, from voicecall.Status) {
	p.enqueue(Event{Type: EventCallStatus, Call: newCallEvent(c), From: from.String()})
}

func (p *Publisher) CallRemoved(c voicecall.CallInfo) {
	p.enqueue(Event{Type: EventCallRemoved, Call: newCallEvent(c)})
}

func (p *Publisher) OperationFailed(c voicecall.CallInfo, op string, err error) {
	ev := Event{Type: EventOperationFailed, Call: newCallEvent(c), Op: op}
	if err != nil {
		ev.Error = err.Error()
	}
	p.enqueue(ev)
}
