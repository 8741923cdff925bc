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

// Package simulated is an in-memory call-control runtime. It implements every
// interface from the protocol package and exposes driver methods to emit the
// events a real runtime would.
package simulated

import (
	"sync"

	"github.com/livekit/voicecall/pkg/protocol"
)

type subscription[T any] struct {
	id int
	fn T
}

type subscribers[T any] struct {
	mu   sync.Mutex
	next int
	list []subscription[T]
}

func (s *subscribers[T]) add(fn T) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.list = append(s.list, subscription[T]{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, v := range s.list {
			if v.id == id {
				s.list = append(s.list[:i:i], s.list[i+1:]...)
				return
			}
		}
	}
}

func (s *subscribers[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.list))
	for _, v := range s.list {
		out = append(out, v.fn)
	}
	return out
}

func (s *subscribers[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Runtime is a simulated account manager.
type Runtime struct {
	ready *protocol.Pending

	mu       sync.Mutex
	accounts []*Account
	newAcc   subscribers[func(protocol.Account)]
}

var _ protocol.AccountManager = (*Runtime)(nil)

func NewRuntime() *Runtime {
	return &Runtime{ready: protocol.NewPending()}
}

func (r *Runtime) BecomeReady() protocol.PendingOperation {
	return r.ready
}

// SetReady completes the readiness operation with err.
func (r *Runtime) SetReady(err error) {
	r.ready.Finish(err)
}

func (r *Runtime) AllAccounts() []protocol.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	return out
}

func (r *Runtime) OnNewAccount(fn func(acc protocol.Account)) func() {
	return r.newAcc.add(fn)
}

// AddAccount registers a new account and announces it to subscribers.
func (r *Runtime) AddAccount(id, protocolName, displayName string) *Account {
	acc := NewAccount(id, protocolName, displayName)
	r.mu.Lock()
	r.accounts = append(r.accounts, acc)
	r.mu.Unlock()
	for _, fn := range r.newAcc.snapshot() {
		fn(acc)
	}
	return acc
}

// Account is a simulated account.
type Account struct {
	id, proto, name string

	mu    sync.Mutex
	valid bool
	inval subscribers[func(string, string)]
}

var _ protocol.Account = (*Account)(nil)

func NewAccount(id, protocolName, displayName string) *Account {
	return &Account{id: id, proto: protocolName, name: displayName, valid: true}
}

func (a *Account) UniqueIdentifier() string { return a.id }
func (a *Account) ProtocolName() string     { return a.proto }
func (a *Account) DisplayName() string      { return a.name }

func (a *Account) IsValid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valid
}

func (a *Account) OnInvalidated(fn func(errorName, errorMessage string)) func() {
	return a.inval.add(fn)
}

// Subscribers returns the number of live invalidation subscriptions.
func (a *Account) Subscribers() int {
	return a.inval.len()
}

// Invalidate marks the account invalid and notifies subscribers.
func (a *Account) Invalidate(errorName, errorMessage string) {
	a.mu.Lock()
	if !a.valid {
		a.mu.Unlock()
		return
	}
	a.valid = false
	a.mu.Unlock()
	for _, fn := range a.inval.snapshot() {
		fn(errorName, errorMessage)
	}
}

// Connection is a simulated runtime connection.
type Connection struct {
	Path string
}

func (c Connection) ObjectPath() string { return c.Path }
