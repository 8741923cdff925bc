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

// Package protocol describes the boundary of the external call-control runtime:
// accounts, call channels, call contents and the one-shot pending operations
// every request returns. Nothing in here knows about call status; that lives in
// the voicecall package.
package protocol

import "time"

// Protocol names accepted by default.
const (
	ProtocolTel = "tel" // cellular
	ProtocolSIP = "sip"
)

// Well-known error names carried by Error.
const (
	ErrorCancelled       = "Error.Cancelled"
	ErrorDisconnected    = "Error.Disconnected"
	ErrorNotAvailable    = "Error.NotAvailable"
	ErrorNotImplemented  = "Error.NotImplemented"
	ErrorTimeout         = "Error.Timeout"
	ErrorInvalidArgument = "Error.InvalidArgument"
)

// Error is a failure reported by the runtime, identified by a dotted name.
type Error struct {
	Name    string
	Message string
}

func NewError(name, message string) *Error {
	return &Error{Name: name, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Connection is the runtime connection a channel batch was delivered on.
type Connection interface {
	ObjectPath() string
}

// Account is an identity bound to one protocol endpoint. The runtime owns it.
type Account interface {
	UniqueIdentifier() string
	ProtocolName() string
	DisplayName() string
	IsValid() bool
	// OnInvalidated subscribes fn to the account invalidation. The returned
	// function cancels the subscription.
	OnInvalidated(fn func(errorName, errorMessage string)) (cancel func())
}

// AccountManager enumerates accounts and announces new ones.
type AccountManager interface {
	BecomeReady() PendingOperation
	AllAccounts() []Account
	OnNewAccount(fn func(acc Account)) (cancel func())
}

// CallState is the runtime's own call state vocabulary. It is wider than the
// status model derived from it.
type CallState string

const (
	CallStateUnknown          CallState = "unknown"
	CallStatePendingInitiator CallState = "pending_initiator"
	CallStateInitialising     CallState = "initialising"
	CallStateInitialised      CallState = "initialised"
	CallStateAccepted         CallState = "accepted"
	CallStateActive           CallState = "active"
	CallStateHeld             CallState = "held"
	CallStateEnded            CallState = "ended"
)

// StateReason explains a call state change or content removal.
type StateReason struct {
	Actor   string
	Reason  string
	Message string
}

// CallStateChange is delivered whenever the runtime reports a new call state.
type CallStateChange struct {
	State      CallState
	Forwarded  bool
	RemoteHeld bool
	Reason     StateReason
}

// ChannelProperties are fixed for the lifetime of a channel.
type ChannelProperties struct {
	// Requested is true for locally requested (outgoing) channels.
	Requested  bool
	TargetID   string
	Multiparty bool
	Emergency  bool
}

// Content is a negotiated media stream attached to a call channel.
type Content struct {
	ID   string
	Name string
	// Description is the negotiated session description of the stream.
	Description []byte
}

// Channel is one call channel. Every request returns a PendingOperation whose
// outcome is delivered later; subscriptions return a cancel function.
type Channel interface {
	ObjectPath() string
	Properties() ChannelProperties

	BecomeReady() PendingOperation
	OnInvalidated(fn func(errorName, errorMessage string)) (cancel func())
	OnCallStateChanged(fn func(change CallStateChange)) (cancel func())
	OnContentAdded(fn func(c Content)) (cancel func())
	OnContentRemoved(fn func(c Content, reason StateReason)) (cancel func())

	Establish(target string) PendingOperation
	Accept() PendingOperation
	Hangup(reason StateReason) PendingOperation
	RequestHold(hold bool) PendingOperation
	Deflect(target string) PendingOperation
	SendDTMF(tones string) PendingOperation
}

// MediaFramework carries audio once a content has been negotiated.
type MediaFramework interface {
	CreateChannel(channelPath string, c Content) PendingOperation
	RemoveChannel(channelPath string, contentID string)
}

// ChannelBatch is a group of channels delivered together for one account.
type ChannelBatch struct {
	Account        Account
	Connection     Connection
	Channels       []Channel
	UserActionTime time.Time
}
