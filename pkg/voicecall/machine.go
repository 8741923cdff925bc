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
	"maps"

	"github.com/livekit/voicecall/pkg/errors"
	"github.com/livekit/voicecall/pkg/protocol"
)

type opKind int

const (
	opEstablish opKind = iota
	opAccept
	opHangup
	opHold
	opDeflect
	opDTMF
)

func (k opKind) String() string {
	switch k {
	case opEstablish:
		return "establish"
	case opAccept:
		return "accept"
	case opHangup:
		return "hangup"
	case opHold:
		return "hold"
	case opDeflect:
		return "deflect"
	case opDTMF:
		return "dtmf"
	default:
		return "unknown"
	}
}

type watchdogKind int

const (
	watchNone watchdogKind = iota
	watchAccepting
	watchDisconnecting
	watchAwaitingMedia
)

func (k watchdogKind) String() string {
	switch k {
	case watchAccepting:
		return "accepting"
	case watchDisconnecting:
		return "disconnecting"
	case watchAwaitingMedia:
		return "awaiting_media"
	default:
		return "none"
	}
}

// Causes attached to status changes.
const (
	causeReady         = "ready"
	causeReadyFailed   = "ready_failed"
	causeCallState     = "call_state"
	causeRemoteEnded   = "remote_ended"
	causeContentAdded  = "content_added"
	causeMediaRemoved  = "media_removed"
	causeMediaFailed   = "media_failed"
	causeAnswer        = "answer"
	causeAcceptFailed  = "accept_failed"
	causeEstablishFail = "establish_failed"
	causeHangup        = "hangup"
	causeHold          = "hold"
	causeUnhold        = "unhold"
	causeInvalidated   = "invalidated"
	causeWatchdog      = "watchdog"
)

// event is an input to the call state machine.
type event interface {
	name() string
}

type (
	evReady struct {
		incoming bool
		target   string
		err      error
	}
	evCallState struct {
		change protocol.CallStateChange
	}
	evContentAdded struct {
		content protocol.Content
	}
	evContentRemoved struct {
		content protocol.Content
		reason  protocol.StateReason
	}
	evMediaFailed struct {
		contentID string
		err       error
	}
	evAnswer  struct{}
	evHangup  struct{ reason protocol.StateReason }
	evHold    struct{ on bool }
	evDeflect struct{ target string }
	evDTMF    struct{ tones string }
	// evOpFinished carries the outcome of a pending operation issued earlier.
	evOpFinished struct {
		kind opKind
		id   uint64
		err  error
	}
	evInvalidated struct {
		errorName    string
		errorMessage string
	}
	evWatchdog struct {
		gen uint64
	}
)

func (evReady) name() string          { return "ready" }
func (evCallState) name() string      { return "call_state" }
func (evContentAdded) name() string   { return "content_added" }
func (evContentRemoved) name() string { return "content_removed" }
func (evMediaFailed) name() string    { return "media_failed" }
func (evAnswer) name() string         { return "answer" }
func (evHangup) name() string         { return "hangup" }
func (evHold) name() string           { return "hold" }
func (evDeflect) name() string        { return "deflect" }
func (evDTMF) name() string           { return "dtmf" }
func (e evOpFinished) name() string   { return e.kind.String() + "_finished" }
func (evInvalidated) name() string    { return "invalidated" }
func (evWatchdog) name() string       { return "watchdog" }

// effect is an output of the call state machine, executed by the session.
type effect interface {
	isEffect()
}

type (
	effStatus struct {
		from, to Status
		cause    string
	}
	effIssue struct {
		kind   opKind
		id     uint64
		arg    string
		on     bool
		reason protocol.StateReason
	}
	effArm struct {
		kind watchdogKind
		gen  uint64
	}
	effDisarm      struct{}
	effAttachMedia struct {
		content protocol.Content
	}
	effDetachMedia struct {
		contentID string
	}
	// effReport surfaces a failed operation that did not change the status.
	effReport struct {
		kind opKind
		err  error
	}
	// effIgnore records an event that had no effect on the machine.
	effIgnore struct {
		event    string
		reason   string
		unmapped bool
	}
	effExpired struct {
		kind   watchdogKind
		status Status
	}
	effFinalize struct {
		status       Status
		cause        string
		closeChannel bool
	}
)

func (effStatus) isEffect()      {}
func (effIssue) isEffect()       {}
func (effArm) isEffect()         {}
func (effDisarm) isEffect()      {}
func (effAttachMedia) isEffect() {}
func (effDetachMedia) isEffect() {}
func (effReport) isEffect()      {}
func (effIgnore) isEffect()      {}
func (effExpired) isEffect()     {}
func (effFinalize) isEffect()    {}

// callStateMapping translates runtime call states into statuses. States
// missing from the table are ignored.
var callStateMapping = map[protocol.CallState]Status{
	protocol.CallStateInitialised: StatusAlerting,
	protocol.CallStateAccepted:    StatusActive,
	protocol.CallStateActive:      StatusActive,
	protocol.CallStateHeld:        StatusHeld,
	protocol.CallStateEnded:       StatusDisconnected,
}

// machine is the complete state of one call. It is a value: step never
// mutates its input.
type machine struct {
	status   Status
	incoming bool
	contents map[string]protocol.Content

	// runtime reported the call active before any content was negotiated
	awaitingActive bool

	watch watchdogKind
	gen   uint64

	nextOp      uint64
	establishOp uint64
	acceptOp    uint64
	hangupOp    uint64
	holdOp      uint64
	holdOn      bool

	forwarded  bool
	remoteHeld bool
}

func newMachine() machine {
	return machine{status: StatusNull}
}

// validate checks whether a user request is allowed right now.
func (m machine) validate(ev event) error {
	switch ev.(type) {
	case evAnswer:
		if m.status != StatusIncoming {
			return errors.ErrInvalidState("answer", m.status.String())
		}
	case evHangup:
		if m.status.IsTerminal() {
			return errors.ErrInvalidState("hangup", m.status.String())
		}
	case evHold:
		if m.status != StatusActive && m.status != StatusHeld {
			return errors.ErrInvalidState("hold", m.status.String())
		}
		if m.holdOp != 0 {
			return errors.ErrOperationPending("hold")
		}
	case evDeflect, evDTMF:
		if m.status.IsTerminal() || m.status == StatusDisconnecting {
			return errors.ErrInvalidState(ev.name(), m.status.String())
		}
		if len(m.contents) == 0 {
			return errors.ErrNoContent(ev.name())
		}
	}
	return nil
}

func (m machine) wantWatchdog() watchdogKind {
	switch {
	case m.status.IsTerminal():
		return watchNone
	case m.status == StatusAccepting:
		return watchAccepting
	case m.status == StatusDisconnecting:
		return watchDisconnecting
	case len(m.contents) == 0 && (m.status == StatusDialing || m.status == StatusAlerting || m.awaitingActive):
		return watchAwaitingMedia
	}
	return watchNone
}

type transition struct {
	m    machine
	effs []effect
}

func (t *transition) emit(e effect) {
	t.effs = append(t.effs, e)
}

func (t *transition) ignore(ev event, reason string) {
	t.emit(effIgnore{event: ev.name(), reason: reason})
}

func (t *transition) newOp() uint64 {
	t.m.nextOp++
	return t.m.nextOp
}

func (t *transition) setStatus(to Status, cause string) {
	from := t.m.status
	if from == to {
		return
	}
	if !from.CanTransitionTo(to) {
		t.emit(effIgnore{event: cause, reason: "illegal transition " + from.String() + " -> " + to.String()})
		return
	}
	t.m.status = to
	t.emit(effStatus{from: from, to: to, cause: cause})
	t.syncWatchdog(true)
}

// syncWatchdog arms the watchdog matching the current state. With rearm set
// a running watchdog is restarted even if its kind did not change.
func (t *transition) syncWatchdog(rearm bool) {
	want := t.m.wantWatchdog()
	if want == t.m.watch && !rearm {
		return
	}
	if t.m.watch != watchNone {
		t.m.watch = watchNone
		t.emit(effDisarm{})
	}
	if want != watchNone {
		t.m.gen++
		t.m.watch = want
		t.emit(effArm{kind: want, gen: t.m.gen})
	}
}

func (t *transition) finalize(to Status, cause string, closeChannel bool) {
	if t.m.status == StatusDisconnecting {
		to = StatusDisconnected
	}
	t.m.establishOp, t.m.acceptOp, t.m.hangupOp, t.m.holdOp = 0, 0, 0, 0
	t.m.awaitingActive = false
	t.setStatus(to, cause)
	t.emit(effFinalize{status: t.m.status, cause: cause, closeChannel: closeChannel})
}

func (t *transition) setContents(fn func(map[string]protocol.Content)) {
	contents := maps.Clone(t.m.contents)
	if contents == nil {
		contents = make(map[string]protocol.Content)
	}
	fn(contents)
	t.m.contents = contents
}

// step applies one event and returns the next state with the effects the
// session must carry out, in order.
func step(m machine, ev event) (machine, []effect) {
	t := &transition{m: m}
	if m.status.IsTerminal() {
		t.ignore(ev, "call already "+m.status.String())
		return t.m, t.effs
	}
	switch e := ev.(type) {
	case evReady:
		t.onReady(e)
	case evCallState:
		t.onCallState(e)
	case evContentAdded:
		t.onContentAdded(e)
	case evContentRemoved:
		t.onContentRemoved(e)
	case evMediaFailed:
		if _, ok := t.m.contents[e.contentID]; !ok {
			t.ignore(ev, "unknown content")
			break
		}
		t.finalize(StatusDisconnected, causeMediaFailed, true)
	case evAnswer, evHangup, evHold, evDeflect, evDTMF:
		t.onRequest(ev)
	case evOpFinished:
		t.onOpFinished(e)
	case evInvalidated:
		t.finalize(StatusDisconnected, causeInvalidated, false)
	case evWatchdog:
		t.onWatchdog(e)
	default:
		t.ignore(ev, "unexpected event")
	}
	return t.m, t.effs
}

func (t *transition) onReady(e evReady) {
	if t.m.status != StatusNull {
		t.ignore(e, "duplicate readiness")
		return
	}
	if e.err != nil {
		t.finalize(StatusError, causeReadyFailed, true)
		return
	}
	t.m.incoming = e.incoming
	if e.incoming {
		t.setStatus(StatusIncoming, causeReady)
		return
	}
	id := t.newOp()
	t.m.establishOp = id
	t.setStatus(StatusDialing, causeReady)
	t.emit(effIssue{kind: opEstablish, id: id, arg: e.target})
}

func (t *transition) onCallState(e evCallState) {
	if e.change.Forwarded {
		t.m.forwarded = true
	}
	t.m.remoteHeld = e.change.RemoteHeld

	to, ok := callStateMapping[e.change.State]
	if !ok {
		t.emit(effIgnore{event: e.name(), reason: string(e.change.State), unmapped: true})
		return
	}
	switch to {
	case StatusDisconnected:
		t.finalize(StatusDisconnected, causeRemoteEnded, false)
	case StatusActive:
		if t.m.status == StatusActive || t.m.status == StatusDisconnecting {
			t.ignore(e, "already "+t.m.status.String())
			return
		}
		if len(t.m.contents) == 0 {
			// reported once the first content arrives
			t.m.awaitingActive = true
			t.syncWatchdog(false)
			t.ignore(e, "awaiting content")
			return
		}
		t.m.acceptOp = 0
		t.setStatus(StatusActive, causeCallState)
	default:
		if t.m.status == to || !t.m.status.CanTransitionTo(to) {
			t.ignore(e, "not applicable while "+t.m.status.String())
			return
		}
		t.setStatus(to, causeCallState)
	}
}

func (t *transition) onContentAdded(e evContentAdded) {
	if _, ok := t.m.contents[e.content.ID]; ok {
		t.ignore(e, "duplicate content")
		return
	}
	t.setContents(func(c map[string]protocol.Content) {
		c[e.content.ID] = e.content
	})
	t.emit(effAttachMedia{content: e.content})
	if t.m.awaitingActive && t.m.status.CanTransitionTo(StatusActive) {
		t.m.awaitingActive = false
		t.m.acceptOp = 0
		t.setStatus(StatusActive, causeContentAdded)
		return
	}
	t.syncWatchdog(false)
}

func (t *transition) onContentRemoved(e evContentRemoved) {
	if _, ok := t.m.contents[e.content.ID]; !ok {
		t.ignore(e, "unknown content")
		return
	}
	t.setContents(func(c map[string]protocol.Content) {
		delete(c, e.content.ID)
	})
	t.emit(effDetachMedia{contentID: e.content.ID})
	if len(t.m.contents) == 0 && (t.m.status == StatusActive || t.m.status == StatusHeld) {
		t.finalize(StatusDisconnected, causeMediaRemoved, true)
		return
	}
	t.syncWatchdog(false)
}

func (t *transition) onRequest(ev event) {
	if err := t.m.validate(ev); err != nil {
		t.ignore(ev, err.Error())
		return
	}
	switch e := ev.(type) {
	case evAnswer:
		id := t.newOp()
		t.m.acceptOp = id
		t.setStatus(StatusAccepting, causeAnswer)
		t.emit(effIssue{kind: opAccept, id: id})
	case evHangup:
		if t.m.status == StatusDisconnecting {
			t.ignore(e, "hangup in progress")
			return
		}
		t.m.establishOp, t.m.acceptOp, t.m.holdOp = 0, 0, 0
		t.m.awaitingActive = false
		id := t.newOp()
		t.m.hangupOp = id
		t.setStatus(StatusDisconnecting, causeHangup)
		t.emit(effIssue{kind: opHangup, id: id, reason: e.reason})
	case evHold:
		if (e.on && t.m.status == StatusHeld) || (!e.on && t.m.status == StatusActive) {
			t.ignore(e, "already "+t.m.status.String())
			return
		}
		id := t.newOp()
		t.m.holdOp = id
		t.m.holdOn = e.on
		t.emit(effIssue{kind: opHold, id: id, on: e.on})
	case evDeflect:
		t.emit(effIssue{kind: opDeflect, id: t.newOp(), arg: e.target})
	case evDTMF:
		t.emit(effIssue{kind: opDTMF, id: t.newOp(), arg: e.tones})
	}
}

func (t *transition) onOpFinished(e evOpFinished) {
	switch e.kind {
	case opEstablish:
		if e.id != t.m.establishOp {
			t.ignore(e, "stale operation")
			return
		}
		t.m.establishOp = 0
		if e.err != nil {
			t.finalize(StatusError, causeEstablishFail, true)
		}
	case opAccept:
		if e.id != t.m.acceptOp {
			t.ignore(e, "stale operation")
			return
		}
		t.m.acceptOp = 0
		if e.err != nil {
			t.finalize(StatusError, causeAcceptFailed, true)
		}
	case opHangup:
		if e.id != t.m.hangupOp {
			t.ignore(e, "stale operation")
			return
		}
		if e.err != nil {
			t.emit(effReport{kind: opHangup, err: e.err})
		}
		t.finalize(StatusDisconnected, causeHangup, false)
	case opHold:
		if e.id != t.m.holdOp {
			t.ignore(e, "stale operation")
			return
		}
		t.m.holdOp = 0
		if e.err != nil {
			t.emit(effReport{kind: opHold, err: e.err})
			return
		}
		switch {
		case t.m.holdOn && t.m.status == StatusActive:
			t.setStatus(StatusHeld, causeHold)
		case !t.m.holdOn && t.m.status == StatusHeld:
			t.setStatus(StatusActive, causeUnhold)
		}
	case opDeflect, opDTMF:
		if e.err != nil {
			t.emit(effReport{kind: e.kind, err: e.err})
		}
	}
}

func (t *transition) onWatchdog(e evWatchdog) {
	if e.gen != t.m.gen || t.m.watch == watchNone {
		t.ignore(e, "stale timer")
		return
	}
	kind := t.m.watch
	t.m.watch = watchNone
	t.emit(effExpired{kind: kind, status: t.m.status})
	if t.m.status == StatusDisconnecting {
		t.finalize(StatusDisconnected, causeWatchdog, false)
		return
	}
	t.finalize(StatusError, causeWatchdog, true)
}
