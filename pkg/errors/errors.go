// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"

	"github.com/livekit/psrpc"
)

var (
	ErrNoConfig        = psrpc.NewErrorf(psrpc.InvalidArgument, "missing config")
	ErrUnavailable     = psrpc.NewErrorf(psrpc.Unavailable, "cpu exhausted")
	ErrSessionFinished = psrpc.NewErrorf(psrpc.NotFound, "call session already finished")
	ErrLoopStopped     = psrpc.NewErrorf(psrpc.Unavailable, "event loop stopped")
	ErrShuttingDown    = psrpc.NewErrorf(psrpc.Unavailable, "service is shutting down")
)

func ErrCouldNotParseConfig(err error) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "could not parse config: %v", err)
}

// ErrInvalidState is returned when a call operation is not allowed in the current status.
func ErrInvalidState(op string, status string) psrpc.Error {
	return psrpc.NewErrorf(psrpc.FailedPrecondition, "%s not allowed while call is %s", op, status)
}

func ErrOperationPending(op string) psrpc.Error {
	return psrpc.NewErrorf(psrpc.FailedPrecondition, "%s already in progress", op)
}

func ErrNoContent(op string) psrpc.Error {
	return psrpc.NewErrorf(psrpc.FailedPrecondition, "%s requires negotiated media", op)
}

func ErrProtocolNotAllowed(kind string) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "protocol %q is not allowed", kind)
}

// Code returns the psrpc code carried by err, or psrpc.Unknown.
func Code(err error) psrpc.ErrorCode {
	var perr psrpc.Error
	if errors.As(err, &perr) {
		return perr.Code()
	}
	return psrpc.Unknown
}
