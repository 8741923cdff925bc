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
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/voicecall/pkg/config"
	"github.com/livekit/voicecall/pkg/protocol"
	"github.com/livekit/voicecall/pkg/stats"
)

// Provider owns the calls of one account. Sessions are kept in an arena keyed
// by handler id; a session only refers back to its provider through a handle,
// which turns into a no-op once the session left the arena.
type Provider struct {
	log      logger.Logger
	conf     *config.Config
	loop     *Loop
	acc      protocol.Account
	host     Manager
	feedback Feedback
	media    protocol.MediaFramework
	mon      *stats.Monitor

	mu       sync.RWMutex
	sessions map[string]*Session

	active  atomic.Int32
	retired *lru.Cache[string, Status]

	closing core.Fuse
	closed  core.Fuse
}

type providerParams struct {
	log      logger.Logger
	conf     *config.Config
	loop     *Loop
	account  protocol.Account
	host     Manager
	feedback Feedback
	media    protocol.MediaFramework
	mon      *stats.Monitor
}

func newProvider(p providerParams) *Provider {
	retired, err := lru.New[string, Status](max(p.conf.RetiredCalls, 1))
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Provider{
		log:      p.log,
		conf:     p.conf,
		loop:     p.loop,
		acc:      p.account,
		host:     p.host,
		feedback: p.feedback,
		media:    p.media,
		mon:      p.mon,
		sessions: make(map[string]*Session),
		retired:  retired,
	}
}

func (p *Provider) ProviderID() string   { return p.acc.UniqueIdentifier() }
func (p *Provider) ProviderType() string { return p.acc.ProtocolName() }

func (p *Provider) Info() ProviderInfo {
	return ProviderInfo{
		ID:          p.acc.UniqueIdentifier(),
		Type:        p.acc.ProtocolName(),
		DisplayName: p.acc.DisplayName(),
	}
}

// ActiveCallCount is the number of calls that left the null status and were
// not finalized yet.
func (p *Provider) ActiveCallCount() int {
	return int(p.active.Load())
}

// CreateHandler binds a new call session to ch. It must be called from the
// loop. A zero userActionTime means now.
func (p *Provider) CreateHandler(ch protocol.Channel, userActionTime time.Time) *Session {
	if p.closing.IsBroken() {
		p.log.Warnw("provider is closing, rejecting channel", nil, "channelID", ch.ObjectPath())
		ch.Hangup(protocol.StateReason{Actor: "local", Reason: "provider_closing"})
		return nil
	}
	if userActionTime.IsZero() {
		userActionTime = time.Now()
	}
	s := newSession(sessionParams{
		log:            p.log,
		loop:           p.loop,
		channel:        ch,
		owner:          handle{p: p},
		media:          p.media,
		mon:            p.mon,
		protocol:       p.ProviderType(),
		conf:           p.conf,
		userActionTime: userActionTime,
	})
	p.mu.Lock()
	p.sessions[s.id] = s
	p.mu.Unlock()

	s.log.Infow("call handler created", "incoming", s.IsIncoming(), "lineID", s.LineID())
	info := s.Info()
	p.host.CallAdded(info)
	p.feedback.CallAdded(info)
	return s
}

// Sessions returns the live sessions ordered by handler id.
func (p *Provider) Sessions() []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(p.sessions))
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.sessions[id])
	}
	return out
}

func (p *Provider) Lookup(handlerID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[handlerID]
	return s, ok
}

// FinalStatus returns the terminal status of a recently finalized call.
func (p *Provider) FinalStatus(handlerID string) (Status, bool) {
	return p.retired.Get(handlerID)
}

// Shutdown hangs up every live call and destroys the provider once all of
// them settled. It must be called from the loop.
func (p *Provider) Shutdown() {
	if p.closing.IsBroken() {
		return
	}
	p.closing.Break()
	sessions := p.Sessions()
	p.log.Infow("shutting down provider", "calls", len(sessions))
	if len(sessions) == 0 {
		p.destroy()
		return
	}
	for _, s := range sessions {
		if err := s.Hangup(); err != nil {
			p.log.Debugw("cannot hang up call", "handlerID", s.HandlerID(), "error", err)
		}
	}
}

// Done is closed once the provider was destroyed.
func (p *Provider) Done() <-chan struct{} {
	return p.closed.Watch()
}

func (p *Provider) destroy() {
	p.closed.Break()
	p.log.Infow("provider destroyed")
}

func (p *Provider) sessionStatusChanged(s *Session, from, to Status) {
	if from == StatusNull && !s.counted {
		s.counted = true
		p.active.Add(1)
	}
	info := s.Info()
	p.host.CallStatusChanged(info, from)
	p.feedback.CallStatusChanged(info)
}

func (p *Provider) sessionFinalized(s *Session) {
	p.mu.Lock()
	delete(p.sessions, s.id)
	left := len(p.sessions)
	p.mu.Unlock()

	p.retired.Add(s.id, s.Status())
	if s.counted {
		s.counted = false
		p.active.Add(-1)
	}
	info := s.Info()
	p.host.CallRemoved(info)
	p.feedback.CallRemoved(info)

	if left == 0 && p.closing.IsBroken() {
		p.destroy()
	}
}

func (p *Provider) sessionFailed(s *Session, op string, err error) {
	p.host.OperationFailed(s.Info(), op, err)
}

// handle is a session's reference to its provider.
type handle struct {
	p *Provider
}

func (h handle) live(s *Session) bool {
	cur, ok := h.p.Lookup(s.id)
	return ok && cur == s
}

func (h handle) statusChanged(s *Session, from, to Status) {
	if h.live(s) {
		h.p.sessionStatusChanged(s, from, to)
	}
}

func (h handle) finalized(s *Session) {
	if h.live(s) {
		h.p.sessionFinalized(s)
	}
}

func (h handle) operationFailed(s *Session, op string, err error) {
	if h.live(s) {
		h.p.sessionFailed(s, op, err)
	}
}

func (h handle) providerID() string   { return h.p.ProviderID() }
func (h handle) providerType() string { return h.p.ProviderType() }
func (h handle) activeCallCount() int { return h.p.ActiveCallCount() }
