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
	"sync"
	"time"

	"github.com/livekit/voicecall/pkg/config"
)

// Watchdog is a single re-armable timer. Each arming carries a generation;
// an expiry is only delivered for the most recent one.
type Watchdog struct {
	bounds config.WatchdogConfig

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	stopped    bool
}

func NewWatchdog(bounds config.WatchdogConfig) *Watchdog {
	return &Watchdog{bounds: bounds}
}

func (w *Watchdog) bound(kind watchdogKind) time.Duration {
	switch kind {
	case watchAccepting:
		return w.bounds.Accepting
	case watchDisconnecting:
		return w.bounds.Disconnecting
	case watchAwaitingMedia:
		return w.bounds.AwaitingMedia
	}
	return 0
}

// Arm replaces any running timer. onExpiry is called from the timer
// goroutine. It reports false if the bound for kind is disabled.
func (w *Watchdog) Arm(kind watchdogKind, gen uint64, onExpiry func(gen uint64)) bool {
	d := w.bound(kind)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopTimer()
	if w.stopped || d <= 0 {
		return false
	}
	w.generation = gen
	w.timer = time.AfterFunc(d, func() {
		w.handleExpiry(gen, onExpiry)
	})
	return true
}

func (w *Watchdog) handleExpiry(gen uint64, onExpiry func(gen uint64)) {
	w.mu.Lock()
	// a newer timer was armed in the meantime
	if w.stopped || gen != w.generation || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()
	onExpiry(gen)
}

func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopTimer()
}

// Stop disarms the watchdog permanently.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.stopTimer()
}

func (w *Watchdog) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
