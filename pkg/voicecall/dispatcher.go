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
	"maps"
	"slices"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/voicecall/pkg/config"
	"github.com/livekit/voicecall/pkg/errors"
	"github.com/livekit/voicecall/pkg/protocol"
	"github.com/livekit/voicecall/pkg/stats"
)

type DispatcherParams struct {
	Config   *config.Config
	Loop     *Loop
	Host     Manager
	Feedback Feedback
	Media    protocol.MediaFramework
	Monitor  *stats.Monitor
	Logger   logger.Logger
}

// Dispatcher binds one provider to every allowed account and routes channel
// batches to them.
type Dispatcher struct {
	log      logger.Logger
	conf     *config.Config
	loop     *Loop
	host     Manager
	feedback Feedback
	media    protocol.MediaFramework
	mon      *stats.Monitor

	mu        sync.RWMutex
	providers map[string]*Provider
	accSubs   map[string]func()
	newSub    func()
}

func NewDispatcher(params DispatcherParams) *Dispatcher {
	d := &Dispatcher{
		log:       params.Logger,
		conf:      params.Config,
		loop:      params.Loop,
		host:      params.Host,
		feedback:  params.Feedback,
		media:     params.Media,
		mon:       params.Monitor,
		providers: make(map[string]*Provider),
		accSubs:   make(map[string]func()),
	}
	if d.log == nil {
		d.log = logger.GetLogger()
	}
	if d.host == nil {
		d.host = nopManager{}
	}
	if d.feedback == nil {
		d.feedback = nopFeedback{}
	}
	return d
}

// Start waits for the account manager to become ready, then registers every
// known account and follows new ones.
func (d *Dispatcher) Start(ctx context.Context, am protocol.AccountManager) error {
	ready := make(chan error, 1)
	am.BecomeReady().OnFinished(func(err error) {
		ready <- err
	})
	select {
	case err := <-ready:
		if err != nil {
			d.log.Warnw("account manager failed to become ready", err)
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	// subscribing first may deliver an account twice, which is a no-op
	unsub := am.OnNewAccount(d.NewAccount)
	err := d.loop.Do(ctx, func() {
		d.mu.Lock()
		d.newSub = unsub
		d.mu.Unlock()
		accounts := am.AllAccounts()
		d.log.Infow("account manager ready", "accounts", len(accounts))
		for _, acc := range accounts {
			d.onNewAccount(acc)
		}
	})
	if err != nil {
		unsub()
	}
	return err
}

// NewAccount announces an account. It is safe to call from any goroutine.
func (d *Dispatcher) NewAccount(acc protocol.Account) {
	d.loop.Post(func() { d.onNewAccount(acc) })
}

// AccountInvalidated reports that acc became unusable. It is safe to call
// from any goroutine.
func (d *Dispatcher) AccountInvalidated(acc protocol.Account, errorName, errorMessage string) {
	d.loop.Post(func() { d.onAccountInvalidated(acc, errorName, errorMessage) })
}

// HandleChannels routes a batch to the provider of its account and returns
// once every channel got a handler or the batch was dropped.
func (d *Dispatcher) HandleChannels(ctx context.Context, batch protocol.ChannelBatch) (int, error) {
	var n int
	err := d.loop.Do(ctx, func() {
		n = d.handleChannels(batch)
	})
	return n, err
}

// SilenceRingtone forwards a silence request to the feedback collaborator.
func (d *Dispatcher) SilenceRingtone() {
	d.loop.Post(d.feedback.Silence)
}

func (d *Dispatcher) Provider(accountID string) (*Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[accountID]
	return p, ok
}

// Providers returns the registered providers ordered by account id.
func (d *Dispatcher) Providers() []*Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(d.providers))
	out := make([]*Provider, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.providers[id])
	}
	return out
}

func (d *Dispatcher) onNewAccount(acc protocol.Account) {
	id := acc.UniqueIdentifier()
	log := d.log.WithValues("accountID", id, "protocol", acc.ProtocolName())
	if !d.conf.ProtocolAllowed(acc.ProtocolName()) {
		log.Debugw("ignoring account", "reason", errors.ErrProtocolNotAllowed(acc.ProtocolName()))
		return
	}
	if !acc.IsValid() {
		log.Debugw("ignoring invalid account")
		return
	}
	if _, ok := d.Provider(id); ok {
		log.Debugw("account already registered")
		return
	}

	p := newProvider(providerParams{
		log:      log,
		conf:     d.conf,
		loop:     d.loop,
		account:  acc,
		host:     d.host,
		feedback: d.feedback,
		media:    d.media,
		mon:      d.mon,
	})
	unsub := acc.OnInvalidated(func(errorName, errorMessage string) {
		d.AccountInvalidated(acc, errorName, errorMessage)
	})
	d.mu.Lock()
	d.providers[id] = p
	d.accSubs[id] = unsub
	d.mu.Unlock()

	d.mon.ProviderAdded(acc.ProtocolName())
	d.host.AddProvider(p.Info())
	log.Infow("provider added", "displayName", acc.DisplayName())
}

func (d *Dispatcher) onAccountInvalidated(acc protocol.Account, errorName, errorMessage string) {
	id := acc.UniqueIdentifier()
	d.mu.Lock()
	unsub := d.accSubs[id]
	delete(d.accSubs, id)
	p := d.providers[id]
	delete(d.providers, id)
	d.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if p == nil {
		d.log.Debugw("invalidated account has no provider", "accountID", id)
		return
	}
	p.log.Infow("account invalidated", "error", errorName, "message", errorMessage)
	d.removeProvider(p)
}

func (d *Dispatcher) removeProvider(p *Provider) {
	d.mon.ProviderRemoved(p.ProviderType())
	d.host.RemoveProvider(p.Info())
	p.Shutdown()
}

func (d *Dispatcher) handleChannels(batch protocol.ChannelBatch) int {
	if batch.Account == nil {
		d.mon.ChannelBatch("dropped")
		return 0
	}
	id := batch.Account.UniqueIdentifier()
	p, ok := d.Provider(id)
	if !ok {
		d.log.Infow("dropping channels for unregistered account", "accountID", id, "channels", len(batch.Channels))
		d.mon.ChannelBatch("dropped")
		return 0
	}
	n := 0
	for _, ch := range batch.Channels {
		if p.CreateHandler(ch, batch.UserActionTime) != nil {
			n++
		}
	}
	d.mon.ChannelBatch("routed")
	return n
}

// Stop unsubscribes from the runtime and shuts every provider down. It waits
// until all providers were destroyed or ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var providers []*Provider
	err := d.loop.Do(ctx, func() {
		d.mu.Lock()
		if d.newSub != nil {
			d.newSub()
			d.newSub = nil
		}
		for _, unsub := range d.accSubs {
			unsub()
		}
		clear(d.accSubs)
		for _, id := range slices.Sorted(maps.Keys(d.providers)) {
			providers = append(providers, d.providers[id])
		}
		clear(d.providers)
		d.mu.Unlock()

		for _, p := range providers {
			d.removeProvider(p)
		}
	})
	if err != nil {
		return err
	}
	for _, p := range providers {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ActiveCalls returns the active call count of every provider, by account id.
func (d *Dispatcher) ActiveCalls() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.providers))
	for id, p := range d.providers {
		out[id] = p.ActiveCallCount()
	}
	return out
}
