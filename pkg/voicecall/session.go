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
	"time"

	"github.com/frostbyte73/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/livekit/voicecall/pkg/config"
	"github.com/livekit/voicecall/pkg/errors"
	"github.com/livekit/voicecall/pkg/internal/ringbuf"
	"github.com/livekit/voicecall/pkg/protocol"
	"github.com/livekit/voicecall/pkg/stats"
)

// Transition is one recorded status change.
type Transition struct {
	From  Status
	To    Status
	Cause string
	At    time.Time
}

// Session is one call leg bound to one runtime channel. Requests may be made
// from any goroutine; they are validated against the current status and then
// applied on the loop.
type Session struct {
	id       string
	log      logger.Logger
	loop     *Loop
	ch       protocol.Channel
	props    protocol.ChannelProperties
	owner    handle
	media    *MediaAdapter
	watchdog *Watchdog
	mon      *stats.CallMonitor
	policy   config.FailurePolicy

	userActionTime time.Time
	createdAt      time.Time

	mu        sync.RWMutex
	m         machine
	startedAt time.Time
	endedAt   time.Time
	history   *ringbuf.Buffer[Transition]

	// loop only
	counted     bool
	unsubscribe []func()

	finalized core.Fuse
}

type sessionParams struct {
	log            logger.Logger
	loop           *Loop
	channel        protocol.Channel
	owner          handle
	media          protocol.MediaFramework
	mon            *stats.Monitor
	protocol       string
	conf           *config.Config
	userActionTime time.Time
}

func newSession(p sessionParams) *Session {
	id := utils.NewGuid("VC_")
	props := p.channel.Properties()
	dir := stats.Inbound
	if props.Requested {
		dir = stats.Outbound
	}
	s := &Session{
		id:             id,
		log:            p.log.WithValues("handlerID", id, "channelID", p.channel.ObjectPath()),
		loop:           p.loop,
		ch:             p.channel,
		props:          props,
		owner:          p.owner,
		watchdog:       NewWatchdog(p.conf.Watchdog),
		mon:            p.mon.NewCall(dir, p.protocol),
		policy:         p.conf.FailurePolicy,
		userActionTime: p.userActionTime,
		createdAt:      time.Now(),
		m:              newMachine(),
		history:        ringbuf.New[Transition](p.conf.HistorySize),
	}
	s.media = NewMediaAdapter(s.log, p.media, p.channel.ObjectPath(), func(contentID string, err error) {
		s.post(evMediaFailed{contentID: contentID, err: err})
	})
	s.subscribe()
	return s
}

func (s *Session) subscribe() {
	ch := s.ch
	s.unsubscribe = append(s.unsubscribe,
		ch.OnInvalidated(func(errorName, errorMessage string) {
			s.post(evInvalidated{errorName: errorName, errorMessage: errorMessage})
		}),
		ch.OnCallStateChanged(func(change protocol.CallStateChange) {
			s.post(evCallState{change: change})
		}),
		ch.OnContentAdded(func(c protocol.Content) {
			s.post(evContentAdded{content: c})
		}),
		ch.OnContentRemoved(func(c protocol.Content, reason protocol.StateReason) {
			s.post(evContentRemoved{content: c, reason: reason})
		}),
	)
	incoming := !s.props.Requested
	target := s.props.TargetID
	ch.BecomeReady().OnFinished(func(err error) {
		s.post(evReady{incoming: incoming, target: target, err: err})
	})
}

func (s *Session) post(ev event) {
	if s.finalized.IsBroken() {
		return
	}
	if !s.loop.Post(func() { s.handle(ev) }) {
		s.log.Debugw("loop stopped, dropping event", "event", ev.name())
	}
}

// handle runs on the loop.
func (s *Session) handle(ev event) {
	if s.finalized.IsBroken() {
		s.log.Debugw("ignoring event for finished call", "event", ev.name())
		return
	}
	s.mu.Lock()
	next, effs := step(s.m, ev)
	s.m = next
	s.mu.Unlock()

	for _, e := range effs {
		s.apply(e)
	}
}

func (s *Session) apply(e effect) {
	switch e := e.(type) {
	case effStatus:
		s.onStatus(e)
	case effIssue:
		s.issue(e)
	case effArm:
		if !s.watchdog.Arm(e.kind, e.gen, func(gen uint64) {
			s.post(evWatchdog{gen: gen})
		}) {
			s.log.Debugw("watchdog disabled", "watchdog", e.kind)
		}
	case effDisarm:
		s.watchdog.Disarm()
	case effAttachMedia:
		s.media.Attach(e.content)
	case effDetachMedia:
		s.media.Detach(e.contentID)
	case effReport:
		s.report(e)
	case effIgnore:
		if e.unmapped {
			s.mon.UnmappedEvent(e.event)
			s.log.Infow("ignoring unmapped event", "event", e.event, "value", e.reason)
		} else {
			s.log.Debugw("event had no effect", "event", e.event, "reason", e.reason)
		}
	case effExpired:
		s.mon.WatchdogExpired(e.status.String())
		s.log.Warnw("call stuck in transitional state", nil, "status", e.status, "watchdog", e.kind)
	case effFinalize:
		s.finalize(e)
	}
}

func (s *Session) onStatus(e effStatus) {
	now := time.Now()
	s.mu.Lock()
	if e.to == StatusActive && s.startedAt.IsZero() {
		s.startedAt = now
	}
	if e.to.IsTerminal() {
		s.endedAt = now
	}
	s.history.Push(Transition{From: e.from, To: e.to, Cause: e.cause, At: now})
	s.mu.Unlock()

	s.log.Infow("call status changed", "from", e.from, "to", e.to, "cause", e.cause)
	s.mon.Transition(e.from.String(), e.to.String())
	if e.from == StatusNull {
		s.mon.CallStart()
	}
	s.owner.statusChanged(s, e.from, e.to)
}

func (s *Session) issue(e effIssue) {
	_, span := tracer.Start(context.Background(), "Session."+e.kind.String(), trace.WithAttributes(
		attribute.String("handler.id", s.id),
		attribute.String("channel.path", s.ch.ObjectPath()),
	))
	done := s.mon.OpDur(e.kind.String())

	var op protocol.PendingOperation
	switch e.kind {
	case opEstablish:
		op = s.ch.Establish(e.arg)
	case opAccept:
		op = s.ch.Accept()
	case opHangup:
		op = s.ch.Hangup(e.reason)
	case opHold:
		op = s.ch.RequestHold(e.on)
	case opDeflect:
		op = s.ch.Deflect(e.arg)
	case opDTMF:
		op = s.ch.SendDTMF(e.arg)
	}
	s.log.Debugw("operation issued", "op", e.kind, "opID", e.id)

	kind, id := e.kind, e.id
	op.OnFinished(func(err error) {
		done(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.post(evOpFinished{kind: kind, id: id, err: err})
	})
}

func (s *Session) report(e effReport) {
	s.log.Warnw("call operation failed", e.err, "op", e.kind)
	switch e.kind {
	case opHold, opDeflect, opDTMF:
		if s.policy == config.FailureNotify {
			s.owner.operationFailed(s, e.kind.String(), e.err)
		}
	}
}

func (s *Session) finalize(e effFinalize) {
	if s.finalized.IsBroken() {
		return
	}
	if e.closeChannel {
		s.ch.Hangup(protocol.StateReason{Actor: "local", Reason: e.cause}).OnFinished(func(err error) {
			if err != nil {
				s.log.Debugw("closing channel failed", "error", err)
			}
		})
	}
	s.watchdog.Stop()
	s.media.DetachAll()
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
	s.mon.CallTerminate(e.status.String(), e.cause)
	s.finalized.Break()

	s.log.Infow("call finished", "status", e.status, "cause", e.cause, "duration", s.Duration())
	s.owner.finalized(s)
}

func (s *Session) request(ev event) error {
	if s.finalized.IsBroken() {
		return errors.ErrSessionFinished
	}
	s.mu.RLock()
	err := s.m.validate(ev)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if !s.loop.Post(func() { s.handle(ev) }) {
		return errors.ErrLoopStopped
	}
	return nil
}

// Answer accepts an incoming call.
func (s *Session) Answer() error {
	return s.request(evAnswer{})
}

// Hangup ends the call. The call reaches StatusDisconnected whether or not
// the runtime confirms the request.
func (s *Session) Hangup() error {
	return s.request(evHangup{reason: protocol.StateReason{Actor: "local", Reason: "user_requested"}})
}

func (s *Session) Hold(on bool) error {
	return s.request(evHold{on: on})
}

func (s *Session) Deflect(target string) error {
	return s.request(evDeflect{target: target})
}

func (s *Session) SendDTMF(tones string) error {
	return s.request(evDTMF{tones: tones})
}

// Merge is not supported; conference calls are not composed here.
func (s *Session) Merge(other *Session) error {
	s.log.Debugw("merge is not supported")
	return nil
}

func (s *Session) Split() error {
	s.log.Debugw("split is not supported")
	return nil
}

func (s *Session) ParentHandlerID() string { return "" }
func (s *Session) ChildCalls() []string    { return nil }

func (s *Session) HandlerID() string         { return s.id }
func (s *Session) LineID() string            { return s.props.TargetID }
func (s *Session) IsIncoming() bool          { return !s.props.Requested }
func (s *Session) IsMultiparty() bool        { return s.props.Multiparty }
func (s *Session) IsEmergency() bool         { return s.props.Emergency }
func (s *Session) UserActionTime() time.Time { return s.userActionTime }
func (s *Session) CreatedAt() time.Time      { return s.createdAt }
func (s *Session) ChannelPath() string       { return s.ch.ObjectPath() }

// Provider returns the type and id of the owning provider.
func (s *Session) Provider() (typ, id string) {
	return s.owner.providerType(), s.owner.providerID()
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.status
}

func (s *Session) IsForwarded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.forwarded
}

func (s *Session) IsRemoteHeld() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.remoteHeld
}

// StartedAt is the time the call first became active, or zero.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Duration is the time spent since the call first became active.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// History returns the most recent status transitions, oldest first.
func (s *Session) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Items()
}

// Finished is closed once the session has been finalized.
func (s *Session) Finished() <-chan struct{} {
	return s.finalized.Watch()
}

func (s *Session) Info() CallInfo {
	s.mu.RLock()
	info := CallInfo{
		HandlerID:  s.id,
		LineID:     s.props.TargetID,
		Incoming:   !s.props.Requested,
		Multiparty: s.props.Multiparty,
		Emergency:  s.props.Emergency,
		Forwarded:  s.m.forwarded,
		RemoteHeld: s.m.remoteHeld,
		Status:     s.m.status,
		StartedAt:  s.startedAt,
	}
	s.mu.RUnlock()
	info.ProviderType = s.owner.providerType()
	info.ProviderID = s.owner.providerID()
	info.ActiveCallCount = s.owner.activeCallCount()
	return info
}
