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

package simulated

import (
	"sync"

	"github.com/livekit/voicecall/pkg/protocol"
)

// Media is a simulated media framework. It records every channel it was asked
// to create or remove.
type Media struct {
	autoFinish bool

	mu      sync.Mutex
	created map[string]*protocol.Pending
	order   []string
	removed []string
}

var _ protocol.MediaFramework = (*Media)(nil)

// NewMedia creates a media framework. With autoFinish set every channel is
// created successfully right away.
func NewMedia(autoFinish bool) *Media {
	return &Media{
		autoFinish: autoFinish,
		created:    make(map[string]*protocol.Pending),
	}
}

func mediaKey(channelPath, contentID string) string {
	return channelPath + "/" + contentID
}

func (m *Media) CreateChannel(channelPath string, c protocol.Content) protocol.PendingOperation {
	p := protocol.NewPending()
	key := mediaKey(channelPath, c.ID)
	m.mu.Lock()
	m.created[key] = p
	m.order = append(m.order, key)
	m.mu.Unlock()
	if m.autoFinish {
		p.Finish(nil)
	}
	return p
}

func (m *Media) RemoveChannel(channelPath string, contentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mediaKey(channelPath, contentID)
	delete(m.created, key)
	m.removed = append(m.removed, key)
}

// Fail completes a pending media channel creation with err.
func (m *Media) Fail(channelPath, contentID string, err error) bool {
	m.mu.Lock()
	p, ok := m.created[mediaKey(channelPath, contentID)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return p.Finish(err)
}

// Created returns the keys of every channel ever created, in order.
func (m *Media) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Removed returns the keys of every removed channel, in order.
func (m *Media) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}
