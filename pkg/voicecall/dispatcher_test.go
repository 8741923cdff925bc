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
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/voicecall/pkg/config"
	"github.com/livekit/voicecall/pkg/protocol"
	"github.com/livekit/voicecall/pkg/protocol/simulated"
)

func TestDispatcherStart(t *testing.T) {
	t.Run("existing accounts", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			conf, err := config.NewConfig("")
			require.NoError(t, err)
			loop := NewLoop()
			go loop.Run(ctx)

			rt := simulated.NewRuntime()
			rt.AddAccount("acc-sip", protocol.ProtocolSIP, "office")
			rt.AddAccount("acc-xmpp", "xmpp", "chat")
			host := &hostRecorder{}
			d := NewDispatcher(DispatcherParams{Config: conf, Loop: loop, Host: host, Logger: logger.GetLogger()})

			done := make(chan error, 1)
			go func() { done <- d.Start(ctx, rt) }()
			synctest.Wait()
			select {
			case <-done:
				t.Fatal("started before the runtime was ready")
			default:
			}
			rt.SetReady(nil)
			require.NoError(t, <-done)

			providers := d.Providers()
			require.Len(t, providers, 1)
			require.Equal(t, "acc-sip", providers[0].ProviderID())
			require.Equal(t, protocol.ProtocolSIP, providers[0].ProviderType())
			require.Equal(t, []ProviderInfo{{ID: "acc-sip", Type: protocol.ProtocolSIP, DisplayName: "office"}}, host.providersAdded())
		})
	})
	t.Run("readiness failed", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			conf, err := config.NewConfig("")
			require.NoError(t, err)
			loop := NewLoop()
			go loop.Run(ctx)

			rt := simulated.NewRuntime()
			rt.SetReady(protocol.NewError(protocol.ErrorNotAvailable, "bus down"))
			d := NewDispatcher(DispatcherParams{Config: conf, Loop: loop})
			require.Error(t, d.Start(ctx, rt))

			rt.AddAccount("acc-tel", protocol.ProtocolTel, "mobile")
			synctest.Wait()
			require.Empty(t, d.Providers())
		})
	})
	t.Run("cancelled", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			conf, err := config.NewConfig("")
			require.NoError(t, err)
			loop := NewLoop()
			go loop.Run(ctx)

			d := NewDispatcher(DispatcherParams{Config: conf, Loop: loop})
			time.AfterFunc(time.Second, cancel)
			require.ErrorIs(t, d.Start(ctx, simulated.NewRuntime()), context.Canceled)
		})
	})
}

func TestDispatcherAccounts(t *testing.T) {
	scenario(t, "", nil, func(t *testing.T, h *harness) {
		tel := h.account("acc-tel", protocol.ProtocolTel)
		h.account("acc-xmpp", "xmpp")

		require.Len(t, h.d.Providers(), 1)
		_, ok := h.d.Provider("acc-xmpp")
		require.False(t, ok)
		require.Equal(t, 1, tel.Subscribers())

		// announcing again is a no-op
		h.d.NewAccount(tel)
		synctest.Wait()
		require.Len(t, h.d.Providers(), 1)
		require.Len(t, h.host.providersAdded(), 1)
		require.Equal(t, 1, tel.Subscribers())

		// invalid accounts are skipped
		stale := simulated.NewAccount("acc-stale", protocol.ProtocolTel, "stale")
		stale.Invalidate(protocol.ErrorDisconnected, "")
		h.d.NewAccount(stale)
		synctest.Wait()
		require.Len(t, h.d.Providers(), 1)

		require.Equal(t, map[string]int{"acc-tel": 0}, h.d.ActiveCalls())
	})
}

func TestDispatcherAllowList(t *testing.T) {
	scenario(t, "protocols: [xmpp]", nil, func(t *testing.T, h *harness) {
		h.account("acc-tel", protocol.ProtocolTel)
		h.account("acc-xmpp", "xmpp")
		providers := h.d.Providers()
		require.Len(t, providers, 1)
		require.Equal(t, "xmpp", providers[0].ProviderType())
	})
}

func TestDispatcherRouting(t *testing.T) {
	t.Run("unknown account", func(t *testing.T) {
		scenario(t, "", nil, func(t *testing.T, h *harness) {
			h.account("acc-tel", protocol.ProtocolTel)
			ghost := simulated.NewAccount("acc-ghost", protocol.ProtocolTel, "ghost")
			ch := simulated.NewChannel("/ch/1", protocol.ChannelProperties{})
			n, err := h.d.HandleChannels(h.ctx, protocol.ChannelBatch{
				Account:  ghost,
				Channels: []protocol.Channel{ch},
			})
			require.NoError(t, err)
			require.Zero(t, n)
			require.Zero(t, ch.Subscribers())
			require.Empty(t, ch.Ops())
			require.Empty(t, h.host.callsAdded())
		})
	})
	t.Run("no account", func(t *testing.T) {
		scenario(t, "", nil, func(t *testing.T, h *harness) {
			n, err := h.d.HandleChannels(h.ctx, protocol.ChannelBatch{
				Channels: []protocol.Channel{simulated.NewChannel("/ch/1", protocol.ChannelProperties{})},
			})
			require.NoError(t, err)
			require.Zero(t, n)
		})
	})
	t.Run("batch", func(t *testing.T) {
		scenario(t, "", nil, func(t *testing.T, h *harness) {
			tel := h.account("acc-tel", protocol.ProtocolTel)
			uat := time.Now().Add(-time.Second)
			a := simulated.NewChannel("/ch/a", protocol.ChannelProperties{TargetID: "+111"})
			b := simulated.NewChannel("/ch/b", protocol.ChannelProperties{TargetID: "+222"})
			n, err := h.d.HandleChannels(h.ctx, protocol.ChannelBatch{
				Account:        tel,
				Channels:       []protocol.Channel{a, b},
				UserActionTime: uat,
			})
			require.NoError(t, err)
			require.Equal(t, 2, n)

			sessions := h.provider(tel).Sessions()
			require.Len(t, sessions, 2)
			for _, s := range sessions {
				require.Equal(t, uat, s.UserActionTime())
				require.Equal(t, StatusNull, s.Status())
				typ, id := s.Provider()
				require.Equal(t, protocol.ProtocolTel, typ)
				require.Equal(t, "acc-tel", id)
			}
			require.Len(t, h.host.callsAdded(), 2)
			// a call in the null status is not counted
			require.Zero(t, h.provider(tel).ActiveCallCount())
		})
	})
}

func TestDispatcherInvalidation(t *testing.T) {
	t.Run("hangup confirmed", func(t *testing.T) {
		scenario(t, "", nil, func(t *testing.T, h *harness) {
			tel := h.account("acc-tel", protocol.ProtocolTel)
			p := h.provider(tel)
			ch, s := h.active(tel, "/ch/1")

			tel.Invalidate(protocol.ErrorDisconnected, "modem removed")
			synctest.Wait()

			// the provider is gone right away, its call is winding down
			_, ok := h.d.Provider("acc-tel")
			require.False(t, ok)
			require.Len(t, h.host.providersRemoved(), 1)
			require.Zero(t, tel.Subscribers())
			require.Equal(t, StatusDisconnecting, s.Status())
			select {
			case <-p.Done():
				t.Fatal("provider destroyed with a live call")
			default:
			}

			op := ch.LastOp(simulated.OpHangup)
			require.NotNil(t, op)
			op.Pending.Finish(nil)
			synctest.Wait()

			require.Equal(t, StatusDisconnected, s.Status())
			<-p.Done()
			require.Zero(t, p.ActiveCallCount())
			require.Equal(t, 1, h.host.removedCalls(s.HandlerID()))
		})
	})
	t.Run("hangup never confirmed", func(t *testing.T) {
		scenario(t, "", nil, func(t *testing.T, h *harness) {
			tel := h.account("acc-tel", protocol.ProtocolTel)
			p := h.provider(tel)
			_, s := h.active(tel, "/ch/1")

			tel.Invalidate(protocol.ErrorDisconnected, "")
			synctest.Wait()
			require.Equal(t, StatusDisconnecting, s.Status())

			time.Sleep(config.DefaultDisconnectingTimeout + time.Second)
			synctest.Wait()
			require.Equal(t, StatusDisconnected, s.Status())
			<-p.Done()
		})
	})
	t.Run("new channels rejected", func(t *testing.T) {
		scenario(t, "", nil, func(t *testing.T, h *harness) {
			tel := h.account("acc-tel", protocol.ProtocolTel)
			p := h.provider(tel)
			h.active(tel, "/ch/1")
			tel.Invalidate(protocol.ErrorDisconnected, "")
			synctest.Wait()

			late := simulated.NewChannel("/ch/2", protocol.ChannelProperties{})
			var got *Session
			require.NoError(t, h.loop.Do(h.ctx, func() {
				got = p.CreateHandler(late, time.Time{})
			}))
			require.Nil(t, got)
			require.Equal(t, 1, late.Count(simulated.OpHangup))
			require.Zero(t, late.Subscribers())
		})
	})
	t.Run("idle provider", func(t *testing.T) {
		scenario(t, "", nil, func(t *testing.T, h *harness) {
			tel := h.account("acc-tel", protocol.ProtocolTel)
			p := h.provider(tel)
			tel.Invalidate(protocol.ErrorDisconnected, "")
			synctest.Wait()
			<-p.Done()
			require.Empty(t, h.d.Providers())
		})
	})
}

func TestDispatcherStop(t *testing.T) {
	scenario(t, "", nil, func(t *testing.T, h *harness) {
		tel := h.account("acc-tel", protocol.ProtocolTel)
		sip := h.account("acc-sip", protocol.ProtocolSIP)
		ch, s := h.active(tel, "/ch/1")
		ch.SetAutoHangup(true)

		require.NoError(t, h.d.Stop(h.ctx))
		require.Empty(t, h.d.Providers())
		require.Len(t, h.host.providersRemoved(), 2)
		require.Zero(t, tel.Subscribers())
		require.Zero(t, sip.Subscribers())
		require.Equal(t, StatusDisconnected, s.Status())

		// later accounts are no longer followed
		h.account("acc-late", protocol.ProtocolTel)
		require.Empty(t, h.d.Providers())
	})
}

func TestDispatcherStopTimeout(t *testing.T) {
	scenario(t, "watchdog: {disconnecting: -1s}", nil, func(t *testing.T, h *harness) {
		tel := h.account("acc-tel", protocol.ProtocolTel)
		_, s := h.active(tel, "/ch/1")

		ctx, cancel := context.WithTimeout(h.ctx, time.Minute)
		defer cancel()
		require.ErrorIs(t, h.d.Stop(ctx), context.DeadlineExceeded)
		require.Equal(t, StatusDisconnecting, s.Status())
	})
}

func TestDispatcherSilence(t *testing.T) {
	scenario(t, "", nil, func(t *testing.T, h *harness) {
		h.d.SilenceRingtone()
		h.d.SilenceRingtone()
		synctest.Wait()
		require.Equal(t, 2, h.feedback.silences())
	})
}
