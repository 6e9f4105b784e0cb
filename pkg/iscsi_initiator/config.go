// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultInitiatorName      = "iqn.2018-01.com.networkoptix:initiator"
	DefaultMaxSessions        = 64
	DefaultMaxCCBs            = 256
	DefaultMaxPDUs            = 128
	DefaultCCBTimeout         = 10 * time.Second
	DefaultMaxCCBTimeouts     = 3
	DefaultIdleTimeout        = 10 * time.Second
	DefaultMaxIdleTimeouts    = 3
	DefaultLoginTimeout       = 15 * time.Second
	DefaultLogoutTimeout      = 5 * time.Second
	DefaultDialTimeout        = 10 * time.Second
	DefaultKeepAliveIdle      = 30 * time.Second
	DefaultMaxRecoverAttempts = 3
	DefaultSocketPath         = "/var/run/iscsi-initiator.sock"
)

// Duration reads either a Go duration string or a number of seconds.
type Duration time.Duration

func (duration Duration) Duration() time.Duration {
	return time.Duration(duration)
}

func (duration Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(duration).String())
}

func (duration *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return errors.Wrapf(err, "invalid duration '%s'", text)
		}
		*duration = Duration(parsed)
		return nil
	}
	seconds, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return errors.Errorf("invalid duration %s", string(data))
	}
	*duration = Duration(seconds * float64(time.Second))
	return nil
}

type Config struct {
	InitiatorName  string                `json:"initiator_name"`
	InitiatorAlias string                `json:"initiator_alias"`
	Operational    OperationalParameters `json:"operational"`

	MaxSessions int `json:"max_sessions"`
	// per session
	MaxCCBs int `json:"max_ccbs"`
	// per connection
	MaxPDUs int `json:"max_pdus"`

	CCBTimeout         Duration `json:"ccb_timeout"`
	MaxCCBTimeouts     int      `json:"max_ccb_timeouts"`
	IdleTimeout        Duration `json:"idle_timeout"`
	MaxIdleTimeouts    int      `json:"max_idle_timeouts"`
	LoginTimeout       Duration `json:"login_timeout"`
	LogoutTimeout      Duration `json:"logout_timeout"`
	DialTimeout        Duration `json:"dial_timeout"`
	KeepAliveIdle      Duration `json:"keepalive_idle"`
	MaxRecoverAttempts int      `json:"max_recover_attempts"`

	SocketPath string `json:"socket_path"`
	LogLevel   string `json:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		InitiatorName:      DefaultInitiatorName,
		Operational:        DefaultOperationalParameters(),
		MaxSessions:        DefaultMaxSessions,
		MaxCCBs:            DefaultMaxCCBs,
		MaxPDUs:            DefaultMaxPDUs,
		CCBTimeout:         Duration(DefaultCCBTimeout),
		MaxCCBTimeouts:     DefaultMaxCCBTimeouts,
		IdleTimeout:        Duration(DefaultIdleTimeout),
		MaxIdleTimeouts:    DefaultMaxIdleTimeouts,
		LoginTimeout:       Duration(DefaultLoginTimeout),
		LogoutTimeout:      Duration(DefaultLogoutTimeout),
		DialTimeout:        Duration(DefaultDialTimeout),
		KeepAliveIdle:      Duration(DefaultKeepAliveIdle),
		MaxRecoverAttempts: DefaultMaxRecoverAttempts,
		SocketPath:         DefaultSocketPath,
		LogLevel:           "info",
	}
}

// LoadConfig reads a JSON file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, errors.Wrapf(err, "parse config %s", path)
	}
	return config, config.Validate()
}

func (config *Config) Validate() error {
	if config.InitiatorName == "" {
		return statusErrorf(StatusInvalidParameter, "initiator name is empty")
	}
	if config.MaxCCBs <= 0 || config.MaxCCBs > MaxCCBs {
		return statusErrorf(StatusInvalidParameter, "max_ccbs must be in 1..%d", MaxCCBs)
	}
	if config.MaxPDUs < 4 {
		return statusErrorf(StatusInvalidParameter, "max_pdus must be at least 4")
	}
	if config.MaxSessions <= 0 {
		return statusErrorf(StatusInvalidParameter, "max_sessions must be positive")
	}
	operational := config.Operational
	if operational.ErrorRecoveryLevel > 2 {
		return statusErrorf(StatusInvalidParameter, "error recovery level %d", operational.ErrorRecoveryLevel)
	}
	if operational.MaxRecvDataSegmentLength < 512 || operational.MaxRecvDataSegmentLength > MaxDataSegmentLength {
		return statusErrorf(StatusInvalidParameter, "max_recv_data_segment_length %d", operational.MaxRecvDataSegmentLength)
	}
	if operational.MaxConnections == 0 {
		return statusErrorf(StatusInvalidParameter, "max_connections must be positive")
	}
	return nil
}
