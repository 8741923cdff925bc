// Copyright 2023 LiveKit, Inc.
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

package config

import (
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/redis"
	"github.com/livekit/protocol/utils"
	"github.com/livekit/psrpc"

	"github.com/livekit/voicecall/pkg/errors"
)

const (
	DefaultMaxCPUUtilization = 0.9
	DefaultRetiredCalls      = 128
	DefaultHistorySize       = 16
	DefaultEventsChannel     = "voicecall:events"

	DefaultAcceptingTimeout     = 30 * time.Second
	DefaultDisconnectingTimeout = 5 * time.Second
	DefaultAwaitingMediaTimeout = 60 * time.Second
)

// FailurePolicy decides how failed hold, deflect and DTMF requests surface.
type FailurePolicy string

const (
	FailureLog    FailurePolicy = "log"
	FailureNotify FailurePolicy = "notify"
)

// DefaultProtocols is the account allow-list used when none is configured.
var DefaultProtocols = []string{"tel", "sip"}

type Config struct {
	Redis             *redis.RedisConfig `yaml:"redis"` // optional
	PrometheusPort    int                `yaml:"prometheus_port"`
	MaxCpuUtilization float64            `yaml:"max_cpu_utilization"`

	Logging logger.Config `yaml:"logging"`

	Protocols     []string       `yaml:"protocols"`
	Watchdog      WatchdogConfig `yaml:"watchdog"`
	FailurePolicy FailurePolicy  `yaml:"failure_policy"`
	RetiredCalls  int            `yaml:"retired_calls"`
	HistorySize   int            `yaml:"history_size"`
	EventsChannel string         `yaml:"events_channel"`

	// Accounts seed the simulated runtime.
	Accounts []AccountConfig `yaml:"accounts"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

// WatchdogConfig bounds the time a call may spend in a transitional status.
// Zero takes the default, a negative value disables the bound.
type WatchdogConfig struct {
	Accepting     time.Duration `yaml:"accepting"`
	Disconnecting time.Duration `yaml:"disconnecting"`
	AwaitingMedia time.Duration `yaml:"awaiting_media"`
}

type AccountConfig struct {
	ID          string `yaml:"id"`
	Protocol    string `yaml:"protocol"`
	DisplayName string `yaml:"display_name"`
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		ServiceName: "voicecall",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.MaxCpuUtilization <= 0 {
		c.MaxCpuUtilization = DefaultMaxCPUUtilization
	}
	if len(c.Protocols) == 0 {
		c.Protocols = slices.Clone(DefaultProtocols)
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailureLog
	}
	if c.RetiredCalls <= 0 {
		c.RetiredCalls = DefaultRetiredCalls
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.EventsChannel == "" {
		c.EventsChannel = DefaultEventsChannel
	}
	c.Watchdog = c.Watchdog.withDefaults()
}

func (w WatchdogConfig) withDefaults() WatchdogConfig {
	if w.Accepting == 0 {
		w.Accepting = DefaultAcceptingTimeout
	}
	if w.Disconnecting == 0 {
		w.Disconnecting = DefaultDisconnectingTimeout
	}
	if w.AwaitingMedia == 0 {
		w.AwaitingMedia = DefaultAwaitingMediaTimeout
	}
	return w
}

// DefaultWatchdog returns the watchdog bounds used when nothing is configured.
func DefaultWatchdog() WatchdogConfig {
	return WatchdogConfig{}.withDefaults()
}

func (c *Config) Validate() error {
	if c.MaxCpuUtilization > 1 {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "max_cpu_utilization must be within (0, 1], got %v", c.MaxCpuUtilization)
	}
	switch c.FailurePolicy {
	case FailureLog, FailureNotify:
	default:
		return psrpc.NewErrorf(psrpc.InvalidArgument, "unknown failure_policy %q", c.FailurePolicy)
	}
	for i, a := range c.Accounts {
		if a.ID == "" || a.Protocol == "" {
			return errors.ErrCouldNotParseConfig(fmt.Errorf("account %d: id and protocol are required", i))
		}
	}
	return nil
}

// ProtocolAllowed reports whether accounts of the given protocol get a provider.
func (c *Config) ProtocolAllowed(name string) bool {
	return slices.Contains(c.Protocols, name)
}

func (c *Config) Init() error {
	c.NodeID = utils.NewGuid("NE_")

	if err := c.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}
