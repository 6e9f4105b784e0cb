// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	assert.Nil(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(config *Config){
		"empty initiator name": func(config *Config) { config.InitiatorName = "" },
		"no CCBs":              func(config *Config) { config.MaxCCBs = 0 },
		"too many CCBs":        func(config *Config) { config.MaxCCBs = MaxCCBs + 1 },
		"few PDUs":             func(config *Config) { config.MaxPDUs = 3 },
		"no sessions":          func(config *Config) { config.MaxSessions = 0 },
		"recovery level 3":     func(config *Config) { config.Operational.ErrorRecoveryLevel = 3 },
		"small segment":        func(config *Config) { config.Operational.MaxRecvDataSegmentLength = 511 },
		"no connections":       func(config *Config) { config.Operational.MaxConnections = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			mutate(&config)
			assert.Equal(t, StatusInvalidParameter, StatusOf(config.Validate()))
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var durations struct {
		Text    Duration `json:"text"`
		Seconds Duration `json:"seconds"`
	}
	require.Nil(t, json.Unmarshal([]byte(`{"text": "1m30s", "seconds": 2.5}`), &durations))
	assert.Equal(t, 90*time.Second, durations.Text.Duration())
	assert.Equal(t, 2500*time.Millisecond, durations.Seconds.Duration())

	encoded, err := json.Marshal(Duration(3 * time.Second))
	require.Nil(t, err)
	assert.Equal(t, `"3s"`, string(encoded))

	var invalid Duration
	assert.NotNil(t, json.Unmarshal([]byte(`"soon"`), &invalid))
	assert.NotNil(t, json.Unmarshal([]byte(`true`), &invalid))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "initiator.json")
	content := `{
		"initiator_name": "iqn.2018-01.com.example:host",
		"max_ccbs": 32,
		"ccb_timeout": "2s",
		"login_timeout": 5,
		"operational": {"error_recovery_level": 1}
	}`
	require.Nil(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := LoadConfig(path)
	require.Nil(t, err)
	assert.Equal(t, "iqn.2018-01.com.example:host", config.InitiatorName)
	assert.Equal(t, 32, config.MaxCCBs)
	assert.Equal(t, 2*time.Second, config.CCBTimeout.Duration())
	assert.Equal(t, 5*time.Second, config.LoginTimeout.Duration())
	assert.Equal(t, uint8(1), config.Operational.ErrorRecoveryLevel)
	assert.Equal(t, DefaultMaxPDUs, config.MaxPDUs, "missing keys keep their defaults")
	assert.Equal(t, DefaultSocketPath, config.SocketPath)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.NotNil(t, err)
}
