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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/redis"

	"github.com/livekit/voicecall/pkg/config"
	"github.com/livekit/voicecall/pkg/errors"
	"github.com/livekit/voicecall/pkg/host"
	"github.com/livekit/voicecall/pkg/protocol/simulated"
	"github.com/livekit/voicecall/pkg/service"
	"github.com/livekit/voicecall/pkg/stats"
	"github.com/livekit/voicecall/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "voicecall",
		Usage:       "LiveKit voice call handler",
		Version:     version.Version,
		Description: "Call lifecycle handling for cellular and SIP accounts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "voicecall yaml config file",
				Sources: cli.EnvVars("VOICECALL_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "voicecall yaml config body",
				Sources: cli.EnvVars("VOICECALL_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	mon, err := stats.NewMonitor(conf)
	if err != nil {
		return err
	}
	if err = mon.Start(conf); err != nil {
		return err
	}
	defer mon.Stop()

	if conf.PrometheusPort > 0 {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("prometheus server failed", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	managers := host.Multi{host.NewLogManager(log)}
	var onStop []func()
	if conf.Redis != nil {
		rc, err := redis.GetRedisClient(conf.Redis)
		if err != nil {
			return err
		}
		if rc != nil {
			pub := host.NewPublisher(conf, rc, log)
			managers = append(managers, pub)
			onStop = append(onStop, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := pub.Close(ctx); err != nil {
					log.Warnw("host events not flushed", err)
				}
			})
		}
	}

	// TODO: replace the simulated runtime with a D-Bus call-control client.
	rt := simulated.NewRuntime()
	for _, a := range conf.Accounts {
		rt.AddAccount(a.ID, a.Protocol, a.DisplayName)
	}
	rt.SetReady(nil)

	svc := service.NewService(service.Params{
		Config:   conf,
		Logger:   log,
		Accounts: rt,
		Media:    simulated.NewMedia(true),
		Host:     managers,
		Feedback: host.NewLogFeedback(log),
		Monitor:  mon,
		OnStop:   onStop,
	})

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	go func() {
		select {
		case sig := <-stopChan:
			log.Infow("exit requested, hanging up all calls then shutting down", "signal", sig)
			svc.Stop(false)
		case sig := <-killChan:
			log.Infow("exit requested, shutting down", "signal", sig)
			svc.Stop(true)
		}
		// a second signal always kills
		select {
		case <-stopChan:
		case <-killChan:
		}
		svc.Stop(true)
	}()

	return svc.Run(ctx)
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
