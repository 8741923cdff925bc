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

// Package host contains implementations of the host voice-call manager and
// of the ringtone feedback boundary.
package host

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/voicecall/pkg/protocol"
	"github.com/livekit/voicecall/pkg/voicecall"
)

// LogManager reports every host notification to the log.
type LogManager struct {
	log logger.Logger
}

var _ voicecall.Manager = (*LogManager)(nil)

func NewLogManager(log logger.Logger) *LogManager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LogManager{log: log}
}

func (m *LogManager) AddProvider(p voicecall.ProviderInfo) {
	m.log.Infow("provider available", "providerID", p.ID, "protocol", p.Type, "displayName", p.DisplayName)
}

func (m *LogManager) RemoveProvider(p voicecall.ProviderInfo) {
	m.log.Infow("provider gone", "providerID", p.ID, "protocol", p.Type)
}

func (m *LogManager) CallAdded(c voicecall.CallInfo) {
	m.log.Infow("call added", callValues(c)...)
}

func (m *LogManager) CallStatusChanged(c voicecall.CallInfo, from voicecall.Status) {
	m.log.Debugw("call status", append(callValues(c), "from", from)...)
}

func (m *LogManager) CallRemoved(c voicecall.CallInfo) {
	m.log.Infow("call removed", callValues(c)...)
}

func (m *LogManager) OperationFailed(c voicecall.CallInfo, op string, err error) {
	m.log.Warnw("call operation failed", err, append(callValues(c), "op", op)...)
}

func callValues(c voicecall.CallInfo) []interface{} {
	return []interface{}{
		"handlerID", c.HandlerID,
		"providerID", c.ProviderID,
		"lineID", c.LineID,
		"incoming", c.Incoming,
		"status", c.Status,
		"activeCalls", c.ActiveCallCount,
	}
}

// Multi forwards every notification to each manager in order.
type Multi []voicecall.Manager

var _ voicecall.Manager = Multi(nil)

func (m Multi) AddProvider(p voicecall.ProviderInfo) {
	for _, h := range m {
		h.AddProvider(p)
	}
}

func (m Multi) RemoveProvider(p voicecall.ProviderInfo) {
	for _, h := range m {
		h.RemoveProvider(p)
	}
}

func (m Multi) CallAdded(c voicecall.CallInfo) {
	for _, h := range m {
		h.CallAdded(c)
	}
}

func (m Multi) CallStatusChanged(c voicecall.CallInfo, from voicecall.Status) {
	for _, h := range m {
		h.CallStatusChanged(c, from)
	}
}

func (m Multi) CallRemoved(c voicecall.CallInfo) {
	for _, h := range m {
		h.CallRemoved(c)
	}
}

func (m Multi) OperationFailed(c voicecall.CallInfo, op string, err error) {
	for _, h := range m {
		h.OperationFailed(c, op, err)
	}
}

// RingMode is the hint handed to the ringtone player.
type RingMode string

const (
	RingNone   RingMode = "none"
	RingNormal RingMode = "normal"
	// RingShort is used while another call is already in progress.
	RingShort RingMode = "short"
)

// RingModeFor derives the ringtone hint for c.
func RingModeFor(c voicecall.CallInfo) RingMode {
	if !c.Incoming || c.Status != voicecall.StatusIncoming {
		return RingNone
	}
	if c.ActiveCallCount > 1 {
		return RingShort
	}
	return RingNormal
}

// LogFeedback is the ringtone boundary. It only reports what a player would
// do; choosing and playing tones is left to the host.
type LogFeedback struct {
	log logger.Logger
}

var _ voicecall.Feedback = (*LogFeedback)(nil)

func NewLogFeedback(log logger.Logger) *LogFeedback {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LogFeedback{log: log}
}

func (f *LogFeedback) CallAdded(c voicecall.CallInfo) {}

func (f *LogFeedback) CallStatusChanged(c voicecall.CallInfo) {
	mode := RingModeFor(c)
	if mode == RingNone {
		return
	}
	f.log.Debugw("ringing", "handlerID", c.HandlerID, "mode", mode, "cellular", c.ProviderType == protocol.ProtocolTel)
}

func (f *LogFeedback) CallRemoved(c voicecall.CallInfo) {}

func (f *LogFeedback) Silence() {
	f.log.Debugw("ringtone silenced")
}
