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

package service

import (
	"context"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/voicecall/pkg/config"
	"github.com/livekit/voicecall/pkg/errors"
	"github.com/livekit/voicecall/pkg/protocol"
	"github.com/livekit/voicecall/pkg/stats"
	"github.com/livekit/voicecall/pkg/voicecall"
	"github.com/livekit/voicecall/version"
)

type Params struct {
	Config   *config.Config
	Logger   logger.Logger
	Accounts protocol.AccountManager
	Media    protocol.MediaFramework
	Host     voicecall.Manager
	Feedback voicecall.Feedback
	Monitor  *stats.Monitor
	// OnStop runs once the loop has stopped, e.g. to flush host publishers.
	OnStop []func()
}

// Service owns the event loop and the dispatcher. A graceful stop hangs every
// call up and waits for the calls to settle; a kill stops at once.
type Service struct {
	conf   *config.Config
	log    logger.Logger
	am     protocol.AccountManager
	mon    *stats.Monitor
	loop   *voicecall.Loop
	disp   *voicecall.Dispatcher
	onStop []func()

	started  core.Fuse
	shutdown core.Fuse
	kill     core.Fuse
}

func NewService(p Params) *Service {
	log := p.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	loop := voicecall.NewLoop()
	return &Service{
		conf: p.Config,
		log:  log,
		am:   p.Accounts,
		mon:  p.Monitor,
		loop: loop,
		disp: voicecall.NewDispatcher(voicecall.DispatcherParams{
			Config:   p.Config,
			Loop:     loop,
			Host:     p.Host,
			Feedback: p.Feedback,
			Media:    p.Media,
			Monitor:  p.Monitor,
			Logger:   log,
		}),
		onStop: p.OnStop,
	}
}

func (s *Service) Dispatcher() *voicecall.Dispatcher {
	return s.disp
}

// Started is closed once the dispatcher registered the runtime accounts.
func (s *Service) Started() <-chan struct{} {
	return s.started.Watch()
}

func (s *Service) Stop(kill bool) {
	s.mon.Shutdown()
	s.shutdown.Break()
	if kill {
		s.kill.Break()
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.log.Debugw("starting service", "version", version.Version)

	loopCtx, cancelLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLoop()
	go s.loop.Run(loopCtx)
	defer s.stopped()

	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()
	go func() {
		select {
		case <-s.shutdown.Watch():
			cancelStart()
		case <-startCtx.Done():
		}
	}()
	if err := s.disp.Start(startCtx, s.am); err != nil {
		if s.shutdown.IsBroken() {
			return nil
		}
		return err
	}
	s.started.Break()
	s.log.Debugw("service ready")

	select {
	case <-s.shutdown.Watch():
	case <-ctx.Done():
		s.shutdown.Break()
	}
	s.log.Infow("shutting down", "calls", s.ActiveCalls())

	stopCtx, cancelStop := context.WithCancel(context.Background())
	defer cancelStop()
	go func() {
		select {
		case <-s.kill.Watch():
			cancelStop()
		case <-stopCtx.Done():
		}
	}()
	if err := s.disp.Stop(stopCtx); err != nil {
		s.log.Warnw("calls did not settle before shutdown", err)
	}
	return nil
}

func (s *Service) stopped() {
	s.loop.Stop()
	<-s.loop.Done()
	for _, fn := range s.onStop {
		fn()
	}
	s.log.Infow("service stopped")
}

// HandleChannels is the runtime's entry point for new channels. Channels are
// refused while shutting down or when the node is overloaded.
func (s *Service) HandleChannels(ctx context.Context, batch protocol.ChannelBatch) (int, error) {
	if err := s.canAccept(); err != nil {
		for _, ch := range batch.Channels {
			ch.Hangup(protocol.StateReason{Actor: "local", Reason: "unavailable", Message: err.Error()})
		}
		return 0, err
	}
	return s.disp.HandleChannels(ctx, batch)
}

func (s *Service) canAccept() error {
	if s.shutdown.IsBroken() {
		return errors.ErrShuttingDown
	}
	if s.mon != nil && !s.mon.CanAccept() {
		return errors.ErrUnavailable
	}
	return nil
}

// ActiveCalls returns the total number of live calls over all providers.
func (s *Service) ActiveCalls() int {
	n := 0
	for _, c := range s.disp.ActiveCalls() {
		n += c
	}
	return n
}
