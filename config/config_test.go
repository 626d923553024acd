// config_test.go - configuration tests
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

package config

import (
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymtech/mixnet-client-core/constants"
)

func writeTempConfig(t *testing.T, body string) string {
	f, err := ioutil.TempFile("", "mixclient_config_test")
	require.NoError(t, err)
	_, err = f.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestFromFileParsesFields(t *testing.T) {
	body := `
DataDir = "/var/lib/mixclient"
AveragePacketDelayMs = 150
AckWaitMultiplier = 2.0
TopologyRefreshRateMs = 60000
MaximumReplySURBStorageSize = 512
MinimumReplySURBStorageThreshold = 32

[Logging]
  Disable = false
  File = "/var/log/mixclient.log"
  Level = "DEBUG"
`
	path := writeTempConfig(t, body)
	cfg, err := FromFile(path, false)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mixclient", cfg.DataDir)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 150*time.Millisecond, cfg.AveragePacketDelay())
	assert.Equal(t, 2.0, cfg.AckWaitMultiplierOrDefault())
	assert.Equal(t, 60*time.Second, cfg.TopologyRefreshRate())
	assert.Equal(t, 512, cfg.MaximumReplySURBStorageSizeOrDefault())
	assert.Equal(t, 32, cfg.MinimumReplySURBStorageThresholdOrDefault())
}

func TestFromFileAppliesDefaultsWhenUnset(t *testing.T) {
	path := writeTempConfig(t, `DataDir = "/var/lib/mixclient"`)
	cfg, err := FromFile(path, false)
	require.NoError(t, err)

	assert.Equal(t, constants.DefaultAveragePacketDelay, cfg.AveragePacketDelay())
	assert.Equal(t, constants.DefaultAverageAckDelay, cfg.AverageAckDelay())
	assert.Equal(t, constants.DefaultLoopCoverTrafficAverageDelay, cfg.LoopCoverTrafficAverageDelay())
	assert.Equal(t, constants.DefaultMessageSendingAverageDelay, cfg.MessageSendingAverageDelay())
	assert.Equal(t, constants.DefaultAckWaitAddition, cfg.AckWaitAddition())
	assert.Equal(t, constants.DefaultTopologyRefreshRate, cfg.TopologyRefreshRate())
	assert.Equal(t, constants.DefaultGatewayResponseTimeout, cfg.GatewayResponseTimeout())
	assert.Equal(t, constants.DefaultAckWaitMultiplier, cfg.AckWaitMultiplierOrDefault())
	assert.Equal(t, constants.DefaultMaximumReplySURBStorage, cfg.MaximumReplySURBStorageSizeOrDefault())
	assert.Equal(t, constants.DefaultMinimumReplySURBThreshold, cfg.MinimumReplySURBStorageThresholdOrDefault())
}

func TestFromFileRejectsMissingDataDir(t *testing.T) {
	path := writeTempConfig(t, `AveragePacketDelayMs = 100`)
	_, err := FromFile(path, false)
	assert.Error(t, err)
}

func TestFromFileRejectsDebugFlagsWithoutOptIn(t *testing.T) {
	body := `
DataDir = "/var/lib/mixclient"
DisableMainPoissonDistribution = true
`
	path := writeTempConfig(t, body)
	_, err := FromFile(path, false)
	assert.Error(t, err)

	cfg, err := FromFile(path, true)
	require.NoError(t, err)
	assert.True(t, cfg.DisableMainPoissonDistribution)
}

func TestValidateRejectsInvertedSURBThresholds(t *testing.T) {
	cfg := &Config{
		DataDir:                          "/var/lib/mixclient",
		MaximumReplySURBStorageSize:      10,
		MinimumReplySURBStorageThreshold: 20,
	}
	assert.Error(t, cfg.Validate(true))
}
