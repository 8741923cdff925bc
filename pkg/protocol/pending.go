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

package protocol

import "sync"

// PendingOperation is a one-shot asynchronous request. A nil error passed to
// the callback means success.
type PendingOperation interface {
	// OnFinished registers fn to run once with the outcome. If the operation
	// has already finished, fn runs immediately on the calling goroutine.
	OnFinished(fn func(err error))
}

// Pending is the standard PendingOperation implementation.
type Pending struct {
	mu   sync.Mutex
	done bool
	err  error
	fns  []func(error)
}

var _ PendingOperation = (*Pending)(nil)

func NewPending() *Pending {
	return &Pending{}
}

// Finished returns an operation that has already completed with err.
func Finished(err error) *Pending {
	p := &Pending{}
	p.Finish(err)
	return p
}

// Finish completes the operation. Only the first call has any effect; it
// reports whether this call was the one that completed it.
func (p *Pending) Finish(err error) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.done = true
	p.err = err
	fns := p.fns
	p.fns = nil
	p.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
	return true
}

func (p *Pending) OnFinished(fn func(err error)) {
	p.mu.Lock()
	if !p.done {
		p.fns = append(p.fns, fn)
		p.mu.Unlock()
		return
	}
	err := p.err
	p.mu.Unlock()
	fn(err)
}

func (p *Pending) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the outcome, or nil while the operation is still pending.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
