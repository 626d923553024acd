// config.go - mixnet client configuration
// Copyright (C) 2017  David Anthony Stainton
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides mixnet client configuration utilities.
package config

import (
	"errors"
	"io/ioutil"
	"time"

	"github.com/op/go-logging"
	"github.com/pelletier/go-toml"

	"github.com/nymtech/mixnet-client-core/constants"
)

var log = logging.MustGetLogger("mixclient")

// Logging controls where and how verbosely the engine logs.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Config is the full set of tunables read from the client's TOML file.
// Durations are expressed in the file as millisecond integers, matching
// the field names below, and converted to time.Duration by the accessor
// methods (AveragePacketDelay and the like), which also apply defaults.
type Config struct {
	DataDir string
	Logging Logging

	DisableMainPoissonDistribution bool
	DisableLoopCoverTrafficStream  bool

	AveragePacketDelayMs           int64
	AverageAckDelayMs              int64
	LoopCoverTrafficAverageDelayMs int64
	MessageSendingAverageDelayMs   int64

	AckWaitMultiplier float64
	AckWaitAdditionMs int64

	TopologyRefreshRateMs int64

	MaximumReplySURBStorageSize      int
	MinimumReplySURBStorageThreshold int
	GatewayResponseTimeoutMs         int64
}

// AveragePacketDelay is AveragePacketDelayMs as a time.Duration, falling
// back to constants.DefaultAveragePacketDelay when unset.
func (c *Config) AveragePacketDelay() time.Duration {
	if c.AveragePacketDelayMs == 0 {
		return constants.DefaultAveragePacketDelay
	}
	return time.Duration(c.AveragePacketDelayMs) * time.Millisecond
}

// AverageAckDelay is AverageAckDelayMs as a time.Duration.
func (c *Config) AverageAckDelay() time.Duration {
	if c.AverageAckDelayMs == 0 {
		return constants.DefaultAverageAckDelay
	}
	return time.Duration(c.AverageAckDelayMs) * time.Millisecond
}

// LoopCoverTrafficAverageDelay is LoopCoverTrafficAverageDelayMs as a
// time.Duration.
func (c *Config) LoopCoverTrafficAverageDelay() time.Duration {
	if c.LoopCoverTrafficAverageDelayMs == 0 {
		return constants.DefaultLoopCoverTrafficAverageDelay
	}
	return time.Duration(c.LoopCoverTrafficAverageDelayMs) * time.Millisecond
}

// MessageSendingAverageDelay is MessageSendingAverageDelayMs as a
// time.Duration.
func (c *Config) MessageSendingAverageDelay() time.Duration {
	if c.MessageSendingAverageDelayMs == 0 {
		return constants.DefaultMessageSendingAverageDelay
	}
	return time.Duration(c.MessageSendingAverageDelayMs) * time.Millisecond
}

// AckWaitAddition is AckWaitAdditionMs as a time.Duration.
func (c *Config) AckWaitAddition() time.Duration {
	if c.AckWaitAdditionMs == 0 {
		return constants.DefaultAckWaitAddition
	}
	return time.Duration(c.AckWaitAdditionMs) * time.Millisecond
}

// TopologyRefreshRate is TopologyRefreshRateMs as a time.Duration.
func (c *Config) TopologyRefreshRate() time.Duration {
	if c.TopologyRefreshRateMs == 0 {
		return constants.DefaultTopologyRefreshRate
	}
	return time.Duration(c.TopologyRefreshRateMs) * time.Millisecond
}

// GatewayResponseTimeout is GatewayResponseTimeoutMs as a time.Duration.
func (c *Config) GatewayResponseTimeout() time.Duration {
	if c.GatewayResponseTimeoutMs == 0 {
		return constants.DefaultGatewayResponseTimeout
	}
	return time.Duration(c.GatewayResponseTimeoutMs) * time.Millisecond
}

// AckWaitMultiplierOrDefault is AckWaitMultiplier, falling back to
// constants.DefaultAckWaitMultiplier when unset.
func (c *Config) AckWaitMultiplierOrDefault() float64 {
	if c.AckWaitMultiplier == 0 {
		return constants.DefaultAckWaitMultiplier
	}
	return c.AckWaitMultiplier
}

// MaximumReplySURBStorageSizeOrDefault is MaximumReplySURBStorageSize,
// falling back to constants.DefaultMaximumReplySURBStorage when unset.
func (c *Config) MaximumReplySURBStorageSizeOrDefault() int {
	if c.MaximumReplySURBStorageSize == 0 {
		return constants.DefaultMaximumReplySURBStorage
	}
	return c.MaximumReplySURBStorageSize
}

// MinimumReplySURBStorageThresholdOrDefault is
// MinimumReplySURBStorageThreshold, falling back to
// constants.DefaultMinimumReplySURBThreshold when unset.
func (c *Config) MinimumReplySURBStorageThresholdOrDefault() int {
	if c.MinimumReplySURBStorageThreshold == 0 {
		return constants.DefaultMinimumReplySURBThreshold
	}
	return c.MinimumReplySURBStorageThreshold
}

// Validate rejects configurations production builds must never run with:
// disabling the Poisson pacing is a debugging escape hatch, per spec.
func (c *Config) Validate(allowDebugFlags bool) error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is required")
	}
	if !allowDebugFlags {
		if c.DisableMainPoissonDistribution {
			log.Warning("DisableMainPoissonDistribution set outside a debug build")
			return errors.New("config: disable_main_poisson_distribution is test-only")
		}
		if c.DisableLoopCoverTrafficStream {
			log.Warning("DisableLoopCoverTrafficStream set outside a debug build")
			return errors.New("config: disable_loop_cover_traffic_stream is test-only")
		}
	}
	if c.MinimumReplySURBStorageThresholdOrDefault() > c.MaximumReplySURBStorageSizeOrDefault() {
		return errors.New("config: minimum_reply_surb_storage_threshold exceeds maximum_reply_surb_storage_size")
	}
	return nil
}

// FromFile loads and validates a Config from a TOML file.
func FromFile(fileName string, allowDebugFlags bool) (*Config, error) {
	config := Config{}
	fileData, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(fileData, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(allowDebugFlags); err != nil {
		return nil, err
	}
	return &config, nil
}
