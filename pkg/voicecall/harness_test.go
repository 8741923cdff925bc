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
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/voicecall/pkg/config"
	"github.com/livekit/voicecall/pkg/protocol"
	"github.com/livekit/voicecall/pkg/protocol/simulated"
)

type hostRecorder struct {
	mu        sync.Mutex
	added     []ProviderInfo
	removed   []ProviderInfo
	calls     []CallInfo
	changes   []CallInfo
	gone      []CallInfo
	failedOps []string
}

func (r *hostRecorder) AddProvider(p ProviderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, p)
}

func (r *hostRecorder) RemoveProvider(p ProviderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, p)
}

func (r *hostRecorder) CallAdded(c CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *hostRecorder) CallStatusChanged(c CallInfo, from Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *hostRecorder) CallRemoved(c CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = append(r.gone, c)
}

func (r *hostRecorder) OperationFailed(c CallInfo, op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedOps = append(r.failedOps, op)
}

func (r *hostRecorder) removedCalls(handlerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.gone {
		if c.HandlerID == handlerID {
			n++
		}
	}
	return n
}

func (r *hostRecorder) providersAdded() []ProviderInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProviderInfo(nil), r.added...)
}

func (r *hostRecorder) providersRemoved() []ProviderInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProviderInfo(nil), r.removed...)
}

func (r *hostRecorder) callsAdded() []CallInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallInfo(nil), r.calls...)
}

func (r *hostRecorder) failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failedOps...)
}

type feedbackRecorder struct {
	mu       sync.Mutex
	counts   []int
	silenced int
}

func (f *feedbackRecorder) CallAdded(c CallInfo) {}

func (f *feedbackRecorder) CallStatusChanged(c CallInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, c.ActiveCallCount)
}

func (f *feedbackRecorder) CallRemoved(c CallInfo) {}

func (f *feedbackRecorder) Silence() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silenced++
}

func (f *feedbackRecorder) silences() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.silenced
}

func (f *feedbackRecorder) activeCounts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.counts...)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	conf     *config.Config
	loop     *Loop
	rt       *simulated.Runtime
	media    *simulated.Media
	host     *hostRecorder
	feedback *feedbackRecorder
	d        *Dispatcher
}

// newHarness must be called inside a synctest bubble. The loop stops with ctx.
func newHarness(t *testing.T, ctx context.Context, confBody string, media *simulated.Media) *harness {
	conf, err := config.NewConfig(confBody)
	require.NoError(t, err)
	conf.NodeID = "NE_test"

	h := &harness{
		t:        t,
		ctx:      ctx,
		conf:     conf,
		loop:     NewLoop(),
		rt:       simulated.NewRuntime(),
		media:    media,
		host:     &hostRecorder{},
		feedback: &feedbackRecorder{},
	}
	go h.loop.Run(ctx)
	params := DispatcherParams{
		Config:   conf,
		Loop:     h.loop,
		Host:     h.host,
		Feedback: h.feedback,
		Logger:   logger.GetLogger(),
	}
	if media != nil {
		params.Media = media
	}
	h.d = NewDispatcher(params)
	h.rt.SetReady(nil)
	require.NoError(t, h.d.Start(ctx, h.rt))
	return h
}

// scenario runs fn in a synctest bubble with a started dispatcher.
func scenario(t *testing.T, confBody string, media *simulated.Media, fn func(t *testing.T, h *harness)) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h := newHarness(t, ctx, confBody, media)
		fn(t, h)
	})
}

func (h *harness) account(id, proto string) *simulated.Account {
	acc := h.rt.AddAccount(id, proto, id)
	synctest.Wait()
	return acc
}

func (h *harness) provider(acc protocol.Account) *Provider {
	p, ok := h.d.Provider(acc.UniqueIdentifier())
	require.True(h.t, ok)
	return p
}

// call delivers one channel for acc and returns it with its session.
func (h *harness) call(acc protocol.Account, path string, props protocol.ChannelProperties) (*simulated.Channel, *Session) {
	ch := simulated.NewChannel(path, props)
	n, err := h.d.HandleChannels(h.ctx, protocol.ChannelBatch{
		Account:    acc,
		Connection: simulated.Connection{Path: "/conn"},
		Channels:   []protocol.Channel{ch},
	})
	require.NoError(h.t, err)
	require.Equal(h.t, 1, n)
	for _, s := range h.provider(acc).Sessions() {
		if s.ChannelPath() == path {
			return ch, s
		}
	}
	h.t.Fatalf("no session for %s", path)
	return nil, nil
}

// incoming delivers a ringing incoming call.
func (h *harness) incoming(acc protocol.Account, path string) (*simulated.Channel, *Session) {
	ch, s := h.call(acc, path, protocol.ChannelProperties{TargetID: "+4930123"})
	ch.Ready(nil)
	synctest.Wait()
	require.Equal(h.t, StatusIncoming, s.Status())
	return ch, s
}

// active delivers an incoming call and brings it to the active status.
func (h *harness) active(acc protocol.Account, path string) (*simulated.Channel, *Session) {
	ch, s := h.incoming(acc, path)
	ch.AddContent(testAudio)
	ch.SetCallState(protocol.CallStateChange{State: protocol.CallStateActive})
	synctest.Wait()
	require.Equal(h.t, StatusActive, s.Status())
	return ch, s
}

func statuses(s *Session) []Status {
	var out []Status
	for _, tr := range s.History() {
		out = append(out, tr.To)
	}
	return out
}
