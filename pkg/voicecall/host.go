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

import "time"

// ProviderInfo identifies a provider to the host.
type ProviderInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name,omitempty"`
}

// CallInfo is a read-only snapshot of a call handed to the host.
type CallInfo struct {
	HandlerID    string
	LineID       string
	Incoming     bool
	Multiparty   bool
	Emergency    bool
	Forwarded    bool
	RemoteHeld   bool
	Status       Status
	ProviderID   string
	ProviderType string
	// ActiveCallCount is the owning provider's count at the time of the snapshot.
	ActiveCallCount int
	StartedAt       time.Time
}

// Manager is the host voice-call manager. All methods are called from the
// loop and must not block.
type Manager interface {
	AddProvider(p ProviderInfo)
	RemoveProvider(p ProviderInfo)
	CallAdded(c CallInfo)
	CallStatusChanged(c CallInfo, from Status)
	CallRemoved(c CallInfo)
	OperationFailed(c CallInfo, op string, err error)
}

// Feedback is the audio feedback (ringtone) collaborator. It only consumes
// call information. Methods are called from the loop and must not block.
type Feedback interface {
	CallAdded(c CallInfo)
	CallStatusChanged(c CallInfo)
	CallRemoved(c CallInfo)
	Silence()
}

type nopManager struct{}

func (nopManager) AddProvider(ProviderInfo)                {}
func (nopManager) RemoveProvider(ProviderInfo)             {}
func (nopManager) CallAdded(CallInfo)                      {}
func (nopManager) CallStatusChanged(CallInfo, Status)      {}
func (nopManager) CallRemoved(CallInfo)                    {}
func (nopManager) OperationFailed(CallInfo, string, error) {}

type nopFeedback struct{}

func (nopFeedback) CallAdded(CallInfo)         {}
func (nopFeedback) CallStatusChanged(CallInfo) {}
func (nopFeedback) CallRemoved(CallInfo)       {}
func (nopFeedback) Silence()                   {}
