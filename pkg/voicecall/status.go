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

import "fmt"

// Status is the call status reported to the host.
type Status int

const (
	StatusNull Status = iota
	StatusIncoming
	StatusDialing
	StatusAlerting
	StatusAccepting
	StatusActive
	StatusHeld
	StatusDisconnecting
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNull:
		return "null"
	case StatusIncoming:
		return "incoming"
	case StatusDialing:
		return "dialing"
	case StatusAlerting:
		return "alerting"
	case StatusAccepting:
		return "accepting"
	case StatusActive:
		return "active"
	case StatusHeld:
		return "held"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for v := StatusNull; v <= StatusError; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown call status %q", text)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDisconnected || s == StatusError
}

// IsTransitional reports whether the status is expected to be left shortly
// and is therefore bounded by the watchdog.
func (s Status) IsTransitional() bool {
	return s == StatusAccepting || s == StatusDisconnecting
}

var validTransitions = map[Status][]Status{
	StatusNull:          {StatusIncoming, StatusDialing, StatusDisconnecting, StatusDisconnected, StatusError},
	StatusIncoming:      {StatusAccepting, StatusActive, StatusDisconnecting, StatusDisconnected, StatusError},
	StatusDialing:       {StatusAlerting, StatusActive, StatusDisconnecting, StatusDisconnected, StatusError},
	StatusAlerting:      {StatusActive, StatusDisconnecting, StatusDisconnected, StatusError},
	StatusAccepting:     {StatusActive, StatusDisconnecting, StatusDisconnected, StatusError},
	StatusActive:        {StatusHeld, StatusDisconnecting, StatusDisconnected, StatusError},
	StatusHeld:          {StatusActive, StatusDisconnecting, StatusDisconnected, StatusError},
	StatusDisconnecting: {StatusDisconnected},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, v := range validTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}
