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
	"testing"

	"github.com/livekit/psrpc"
	"github.com/stretchr/testify/require"

	"github.com/livekit/voicecall/pkg/errors"
	"github.com/livekit/voicecall/pkg/protocol"
)

var (
	testAudio = protocol.Content{ID: "audio", Name: "audio"}
	testVideo = protocol.Content{ID: "video", Name: "video"}
	errRemote = protocol.NewError(protocol.ErrorNotAvailable, "remote busy")
)

// apply runs events through the machine, checking that every reported
// transition is a legal edge and that no call is active without content.
func apply(t *testing.T, m machine, evs ...event) (machine, []effect) {
	t.Helper()
	var all []effect
	for _, ev := range evs {
		var effs []effect
		m, effs = step(m, ev)
		for _, e := range effs {
			if st, ok := e.(effStatus); ok {
				require.True(t, st.from.CanTransitionTo(st.to), "illegal edge %s -> %s", st.from, st.to)
				if st.to == StatusActive {
					require.NotEmpty(t, m.contents, "active without content")
				}
			}
		}
		all = append(all, effs...)
	}
	return m, all
}

func statusesOf(effs []effect) []Status {
	var out []Status
	for _, e := range effs {
		if st, ok := e.(effStatus); ok {
			out = append(out, st.to)
		}
	}
	return out
}

func effectOf[T effect](effs []effect) (T, bool) {
	for _, e := range effs {
		if v, ok := e.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func countOf[T effect](effs []effect) int {
	n := 0
	for _, e := range effs {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

func incomingCall(t *testing.T) machine {
	m, _ := apply(t, newMachine(), evReady{incoming: true})
	require.Equal(t, StatusIncoming, m.status)
	return m
}

func activeCall(t *testing.T) machine {
	m, _ := apply(t, incomingCall(t),
		evContentAdded{content: testAudio},
		evCallState{change: protocol.CallStateChange{State: protocol.CallStateActive}},
	)
	require.Equal(t, StatusActive, m.status)
	return m
}

func TestStatusTransitions(t *testing.T) {
	for s := StatusNull; s <= StatusError; s++ {
		if s.IsTerminal() {
			for n := StatusNull; n <= StatusError; n++ {
				require.False(t, s.CanTransitionTo(n), "%s -> %s", s, n)
			}
			continue
		}
		require.True(t, s.CanTransitionTo(StatusDisconnected), s.String())
	}
	require.False(t, StatusDisconnecting.CanTransitionTo(StatusError))
	require.False(t, StatusActive.CanTransitionTo(StatusIncoming))
	require.True(t, StatusHeld.CanTransitionTo(StatusActive))
	require.Equal(t, "unknown", Status(100).String())
}

func TestMachineReady(t *testing.T) {
	t.Run("incoming", func(t *testing.T) {
		m, effs := apply(t, newMachine(), evReady{incoming: true})
		require.Equal(t, []Status{StatusIncoming}, statusesOf(effs))
		require.True(t, m.incoming)
		require.Zero(t, countOf[effArm](effs))
		require.Zero(t, countOf[effIssue](effs))
	})
	t.Run("outgoing", func(t *testing.T) {
		m, effs := apply(t, newMachine(), evReady{target: "+4912345"})
		require.Equal(t, []Status{StatusDialing}, statusesOf(effs))
		issue, ok := effectOf[effIssue](effs)
		require.True(t, ok)
		require.Equal(t, opEstablish, issue.kind)
		require.Equal(t, "+4912345", issue.arg)
		arm, ok := effectOf[effArm](effs)
		require.True(t, ok)
		require.Equal(t, watchAwaitingMedia, arm.kind)
		require.Equal(t, m.gen, arm.gen)
	})
	t.Run("failed", func(t *testing.T) {
		m, effs := apply(t, newMachine(), evReady{incoming: true, err: errRemote})
		require.Equal(t, StatusError, m.status)
		fin, ok := effectOf[effFinalize](effs)
		require.True(t, ok)
		require.True(t, fin.closeChannel)
	})
	t.Run("duplicate", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t), evReady{incoming: false})
		require.Equal(t, StatusIncoming, m.status)
		require.Empty(t, statusesOf(effs))
	})
}

func TestMachineCallState(t *testing.T) {
	t.Run("incoming becomes active", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t),
			evContentAdded{content: testAudio},
			evCallState{change: protocol.CallStateChange{State: protocol.CallStateActive}},
		)
		require.Equal(t, StatusActive, m.status)
		require.Equal(t, []Status{StatusActive}, statusesOf(effs))
		_, ok := effectOf[effAttachMedia](effs)
		require.True(t, ok)
	})
	t.Run("active deferred until content", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t),
			evCallState{change: protocol.CallStateChange{State: protocol.CallStateActive}},
		)
		require.Equal(t, StatusIncoming, m.status)
		require.True(t, m.awaitingActive)
		arm, ok := effectOf[effArm](effs)
		require.True(t, ok)
		require.Equal(t, watchAwaitingMedia, arm.kind)

		m, effs = apply(t, m, evContentAdded{content: testAudio})
		require.Equal(t, StatusActive, m.status)
		require.False(t, m.awaitingActive)
		require.Equal(t, 1, countOf[effDisarm](effs))
		require.Equal(t, watchNone, m.watch)
	})
	t.Run("outgoing alerting then active", func(t *testing.T) {
		m, effs := apply(t, newMachine(),
			evReady{target: "100"},
			evCallState{change: protocol.CallStateChange{State: protocol.CallStateInitialised}},
			evContentAdded{content: testAudio},
			evCallState{change: protocol.CallStateChange{State: protocol.CallStateAccepted}},
		)
		require.Equal(t, []Status{StatusDialing, StatusAlerting, StatusActive}, statusesOf(effs))
		require.Equal(t, StatusActive, m.status)
		require.Equal(t, watchNone, m.watch)
	})
	t.Run("unmapped state is ignored", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t),
			evCallState{change: protocol.CallStateChange{State: protocol.CallStatePendingInitiator}},
		)
		require.Equal(t, StatusIncoming, m.status)
		ign, ok := effectOf[effIgnore](effs)
		require.True(t, ok)
		require.True(t, ign.unmapped)
		require.Equal(t, string(protocol.CallStatePendingInitiator), ign.reason)
	})
	t.Run("inapplicable state is ignored", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t),
			evCallState{change: protocol.CallStateChange{State: protocol.CallStateInitialised}},
		)
		require.Equal(t, StatusIncoming, m.status)
		ign, ok := effectOf[effIgnore](effs)
		require.True(t, ok)
		require.False(t, ign.unmapped)
	})
	t.Run("remote hold and flags", func(t *testing.T) {
		m, _ := apply(t, activeCall(t),
			evCallState{change: protocol.CallStateChange{State: protocol.CallStateHeld, Forwarded: true, RemoteHeld: true}},
		)
		require.Equal(t, StatusHeld, m.status)
		require.True(t, m.forwarded)
		require.True(t, m.remoteHeld)

		m, _ = apply(t, m, evCallState{change: protocol.CallStateChange{State: protocol.CallStateActive}})
		require.Equal(t, StatusActive, m.status)
		require.True(t, m.forwarded)
		require.False(t, m.remoteHeld)
	})
	t.Run("remote end", func(t *testing.T) {
		m, effs := apply(t, activeCall(t),
			evCallState{change: protocol.CallStateChange{State: protocol.CallStateEnded}},
		)
		require.Equal(t, StatusDisconnected, m.status)
		fin, ok := effectOf[effFinalize](effs)
		require.True(t, ok)
		require.False(t, fin.closeChannel)
		require.Equal(t, causeRemoteEnded, fin.cause)
	})
}

func TestMachineContents(t *testing.T) {
	t.Run("removing the last content disconnects", func(t *testing.T) {
		m, _ := apply(t, activeCall(t), evContentAdded{content: testVideo})
		m, effs := apply(t, m, evContentRemoved{content: testVideo})
		require.Equal(t, StatusActive, m.status)
		require.Equal(t, 1, countOf[effDetachMedia](effs))

		m, effs = apply(t, m, evContentRemoved{content: testAudio})
		require.Equal(t, StatusDisconnected, m.status)
		fin, ok := effectOf[effFinalize](effs)
		require.True(t, ok)
		require.True(t, fin.closeChannel)
		require.Equal(t, causeMediaRemoved, fin.cause)
	})
	t.Run("removal before active keeps status", func(t *testing.T) {
		m, _ := apply(t, incomingCall(t), evContentAdded{content: testAudio})
		m, _ = apply(t, m, evContentRemoved{content: testAudio})
		require.Equal(t, StatusIncoming, m.status)
	})
	t.Run("media failure disconnects", func(t *testing.T) {
		m, effs := apply(t, activeCall(t), evMediaFailed{contentID: testAudio.ID, err: errRemote})
		require.Equal(t, StatusDisconnected, m.status)
		fin, _ := effectOf[effFinalize](effs)
		require.Equal(t, causeMediaFailed, fin.cause)
	})
	t.Run("media failure for unknown content", func(t *testing.T) {
		m, _ := apply(t, activeCall(t), evMediaFailed{contentID: "other", err: errRemote})
		require.Equal(t, StatusActive, m.status)
	})
	t.Run("step does not modify its input", func(t *testing.T) {
		m := activeCall(t)
		_, _ = apply(t, m, evContentRemoved{content: testAudio})
		require.Contains(t, m.contents, testAudio.ID)
		require.Equal(t, StatusActive, m.status)
	})
}

func TestMachineAnswer(t *testing.T) {
	t.Run("accept then active", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t), evContentAdded{content: testAudio}, evAnswer{})
		require.Equal(t, StatusAccepting, m.status)
		issue, ok := effectOf[effIssue](effs)
		require.True(t, ok)
		require.Equal(t, opAccept, issue.kind)
		require.Equal(t, watchAccepting, m.watch)

		m, _ = apply(t, m,
			evOpFinished{kind: opAccept, id: issue.id},
			evCallState{change: protocol.CallStateChange{State: protocol.CallStateActive}},
		)
		require.Equal(t, StatusActive, m.status)
		require.Equal(t, watchNone, m.watch)
	})
	t.Run("accept failure", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t), evAnswer{})
		issue, _ := effectOf[effIssue](effs)
		m, effs = apply(t, m, evOpFinished{kind: opAccept, id: issue.id, err: errRemote})
		require.Equal(t, StatusError, m.status)
		fin, ok := effectOf[effFinalize](effs)
		require.True(t, ok)
		require.True(t, fin.closeChannel)
		require.Equal(t, causeAcceptFailed, fin.cause)
	})
	t.Run("only while incoming", func(t *testing.T) {
		m := activeCall(t)
		err := m.validate(evAnswer{})
		require.Error(t, err)
		require.Equal(t, psrpc.FailedPrecondition, errors.Code(err))

		m, effs := apply(t, m, evAnswer{})
		require.Equal(t, StatusActive, m.status)
		require.Zero(t, countOf[effIssue](effs))
	})
	t.Run("watchdog while accepting", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t), evAnswer{})
		arm, _ := effectOf[effArm](effs)
		require.Equal(t, watchAccepting, arm.kind)

		m, effs = apply(t, m, evWatchdog{gen: arm.gen})
		require.Equal(t, StatusError, m.status)
		exp, ok := effectOf[effExpired](effs)
		require.True(t, ok)
		require.Equal(t, StatusAccepting, exp.status)
		fin, _ := effectOf[effFinalize](effs)
		require.True(t, fin.closeChannel)
	})
}

func TestMachineHangup(t *testing.T) {
	cases := []struct {
		name string
		from func(t *testing.T) machine
	}{
		{"null", func(t *testing.T) machine { return newMachine() }},
		{"incoming", incomingCall},
		{"active", activeCall},
		{"dialing", func(t *testing.T) machine {
			m, _ := apply(t, newMachine(), evReady{target: "100"})
			return m
		}},
		{"accepting", func(t *testing.T) machine {
			m, _ := apply(t, incomingCall(t), evAnswer{})
			return m
		}},
	}
	for _, c := range cases {
		for _, fail := range []bool{false, true} {
			name := c.name
			if fail {
				name += " failed"
			}
			t.Run(name, func(t *testing.T) {
				m, effs := apply(t, c.from(t), evHangup{})
				require.Equal(t, StatusDisconnecting, m.status)
				require.Equal(t, watchDisconnecting, m.watch)
				var issue effIssue
				for _, e := range effs {
					if v, ok := e.(effIssue); ok && v.kind == opHangup {
						issue = v
					}
				}
				require.NotZero(t, issue.id)

				var err error
				if fail {
					err = errRemote
				}
				m, effs = apply(t, m, evOpFinished{kind: opHangup, id: issue.id, err: err})
				require.Equal(t, StatusDisconnected, m.status)
				fin, ok := effectOf[effFinalize](effs)
				require.True(t, ok)
				require.False(t, fin.closeChannel)
				_, reported := effectOf[effReport](effs)
				require.Equal(t, fail, reported)
			})
		}
	}
	t.Run("repeated hangup", func(t *testing.T) {
		m, _ := apply(t, activeCall(t), evHangup{})
		m, effs := apply(t, m, evHangup{})
		require.Equal(t, StatusDisconnecting, m.status)
		require.Zero(t, countOf[effIssue](effs))
	})
	t.Run("outstanding accept is discarded", func(t *testing.T) {
		m, effs := apply(t, incomingCall(t), evAnswer{})
		accept, _ := effectOf[effIssue](effs)
		m, _ = apply(t, m, evHangup{})
		m, effs = apply(t, m, evOpFinished{kind: opAccept, id: accept.id, err: errRemote})
		require.Equal(t, StatusDisconnecting, m.status)
		require.Empty(t, statusesOf(effs))
	})
	t.Run("watchdog while disconnecting", func(t *testing.T) {
		m, effs := apply(t, activeCall(t), evHangup{})
		arm, _ := effectOf[effArm](effs)
		m, _ = apply(t, m, evWatchdog{gen: arm.gen})
		require.Equal(t, StatusDisconnected, m.status)
	})
	t.Run("not after the end", func(t *testing.T) {
		m, _ := apply(t, activeCall(t), evInvalidated{})
		require.Error(t, m.validate(evHangup{}))
	})
}

func TestMachineHold(t *testing.T) {
	m, effs := apply(t, activeCall(t), evHold{on: true})
	hold, ok := effectOf[effIssue](effs)
	require.True(t, ok)
	require.Equal(t, opHold, hold.kind)
	require.True(t, hold.on)

	err := m.validate(evHold{on: false})
	require.Equal(t, psrpc.FailedPrecondition, errors.Code(err))

	m, _ = apply(t, m, evOpFinished{kind: opHold, id: hold.id})
	require.Equal(t, StatusHeld, m.status)

	m, effs = apply(t, m, evHold{on: false})
	unhold, _ := effectOf[effIssue](effs)
	m, effs = apply(t, m, evOpFinished{kind: opHold, id: unhold.id, err: errRemote})
	require.Equal(t, StatusHeld, m.status)
	rep, ok := effectOf[effReport](effs)
	require.True(t, ok)
	require.Equal(t, opHold, rep.kind)

	m, effs = apply(t, m, evHold{on: true})
	require.Zero(t, countOf[effIssue](effs))
	require.Error(t, incomingCall(t).validate(evHold{on: true}))
	require.Equal(t, StatusHeld, m.status)
}

func TestMachineDeflectDTMF(t *testing.T) {
	m := incomingCall(t)
	err := m.validate(evDTMF{tones: "1"})
	require.Equal(t, psrpc.FailedPrecondition, errors.Code(err))

	m = activeCall(t)
	m, effs := apply(t, m, evDTMF{tones: "123#"}, evDeflect{target: "+200"})
	require.Equal(t, 2, countOf[effIssue](effs))
	var ids []uint64
	for _, e := range effs {
		if v, ok := e.(effIssue); ok {
			ids = append(ids, v.id)
		}
	}
	m, effs = apply(t, m, evOpFinished{kind: opDTMF, id: ids[0], err: errRemote})
	require.Equal(t, StatusActive, m.status)
	rep, ok := effectOf[effReport](effs)
	require.True(t, ok)
	require.Equal(t, opDTMF, rep.kind)

	m, effs = apply(t, m, evOpFinished{kind: opDeflect, id: ids[1]})
	require.Zero(t, countOf[effReport](effs))
	require.Equal(t, StatusActive, m.status)
}

func TestMachineInvalidation(t *testing.T) {
	m, effs := apply(t, incomingCall(t), evContentAdded{content: testAudio}, evAnswer{})
	accept, _ := effectOf[effIssue](effs)

	m, effs = apply(t, m, evInvalidated{errorName: protocol.ErrorDisconnected})
	require.Equal(t, StatusDisconnected, m.status)
	require.Equal(t, 1, countOf[effFinalize](effs))
	fin, _ := effectOf[effFinalize](effs)
	require.False(t, fin.closeChannel)

	// late outcome of the discarded accept
	m, effs = apply(t, m, evOpFinished{kind: opAccept, id: accept.id})
	require.Equal(t, StatusDisconnected, m.status)
	require.Zero(t, countOf[effFinalize](effs))
	require.Empty(t, statusesOf(effs))

	m, effs = apply(t, m, evInvalidated{})
	require.Zero(t, countOf[effFinalize](effs))
	require.Equal(t, StatusDisconnected, m.status)
}

func TestMachineEstablish(t *testing.T) {
	t.Run("failure", func(t *testing.T) {
		m, effs := apply(t, newMachine(), evReady{target: "100"})
		issue, _ := effectOf[effIssue](effs)
		m, effs = apply(t, m, evOpFinished{kind: opEstablish, id: issue.id, err: errRemote})
		require.Equal(t, StatusError, m.status)
		fin, _ := effectOf[effFinalize](effs)
		require.Equal(t, causeEstablishFail, fin.cause)
	})
	t.Run("stale watchdog", func(t *testing.T) {
		m, effs := apply(t, newMachine(), evReady{target: "100"})
		arm, _ := effectOf[effArm](effs)
		m, _ = apply(t, m, evContentAdded{content: testAudio})
		require.Equal(t, watchNone, m.watch)
		m, effs = apply(t, m, evWatchdog{gen: arm.gen})
		require.Equal(t, StatusDialing, m.status)
		require.Zero(t, countOf[effFinalize](effs))
	})
	t.Run("awaiting media expiry", func(t *testing.T) {
		m, effs := apply(t, newMachine(), evReady{target: "100"})
		arm, _ := effectOf[effArm](effs)
		m, effs = apply(t, m, evWatchdog{gen: arm.gen})
		require.Equal(t, StatusError, m.status)
		exp, _ := effectOf[effExpired](effs)
		require.Equal(t, watchAwaitingMedia, exp.kind)
	})
}
