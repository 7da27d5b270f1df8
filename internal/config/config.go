// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults of the original control panel session.
const (
	DefaultEndpoint = "MODBUS"
	DefaultFeed     = "Feedback"
	DefaultAddress  = "192.168.0.1:503"
	DefaultTimeout  = 5 * time.Second
)

// Config defines the global configuration structure
type Config struct {
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
	Capture   CaptureConfig    `mapstructure:"capture"`
	Log       LogConfig        `mapstructure:"log"`

	// File the configuration was read from, empty when none was found.
	File string `mapstructure:"-"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// EndpointConfig defines one remote MODBUS device
type EndpointConfig struct {
	Name        string        `mapstructure:"name"`         // Registry key, e.g. "MODBUS"
	Feed        string        `mapstructure:"feed"`         // Subscription name for responses
	Type        string        `mapstructure:"type"`         // "tcp", "serial"
	Timeout     time.Duration `mapstructure:"timeout"`      // Response timeout, negative disables
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // Close quiet connections, 0 keeps them; must exceed Timeout
	Tcp         TcpConfig     `mapstructure:"tcp"`          // Used if Type is "tcp"
	Serial      SerialConfig  `mapstructure:"serial"`       // Used if Type is "serial"
}

// CaptureConfig defines the wire capture recorder
type CaptureConfig struct {
	Type string `mapstructure:"type"` // "none", "memory", "mmap"
	Path string `mapstructure:"path"` // File path for "mmap" type
	Size int    `mapstructure:"size"` // Ring size in bytes (mmap) or lines (memory)
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string        `mapstructure:"address"` // e.g. "192.168.1.100:502"
	Timeout time.Duration `mapstructure:"timeout"` // Dial timeout
}

// SerialConfig defines serial line settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-remote/")
		v.AddConfigPath("$HOME/.modbus-remote")
		v.AddConfigPath(".")
	}
	return v
}

// LoadConfig loads configuration from file. Without an explicit file a
// missing configuration is not an error: the default endpoint is used.
func LoadConfig(configFile string) (*Config, error) {
	v := newViper(configFile)

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("capture.type", "none")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.File = v.ConfigFileUsed()

	if len(config.Endpoints) == 0 {
		config.Endpoints = []EndpointConfig{{
			Name: DefaultEndpoint,
			Type: "tcp",
			Tcp:  TcpConfig{Address: DefaultAddress},
		}}
	}

	// Validate / Fixups
	seen := make(map[string]bool)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.Name == "" {
			return nil, fmt.Errorf("endpoint %d has no name", i)
		}
		if seen[ep.Name] {
			return nil, fmt.Errorf("duplicate endpoint name: %s", ep.Name)
		}
		seen[ep.Name] = true

		if ep.Feed == "" {
			ep.Feed = DefaultFeed
		}
		if ep.Type == "" {
			ep.Type = "tcp"
		}
		if ep.Timeout == 0 {
			ep.Timeout = DefaultTimeout
		}
		// The idle close does not know about pending requests.
		if ep.IdleTimeout > 0 && (ep.Timeout < 0 || ep.IdleTimeout <= ep.Timeout) {
			return nil, fmt.Errorf("endpoint %s: idle_timeout %v must be longer than timeout %v", ep.Name, ep.IdleTimeout, ep.Timeout)
		}
		fixupSerial(&ep.Serial)
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}

// SaveTarget persists a new TCP address for the named endpoint in
// configFile, adding the endpoint when the file does not list it yet.
func SaveTarget(configFile, name, address string) error {
	if configFile == "" {
		return fmt.Errorf("no config file to save the target to")
	}
	v := newViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var endpoints []map[string]interface{}
	if err := v.UnmarshalKey("endpoints", &endpoints); err != nil {
		return fmt.Errorf("failed to unmarshal endpoints: %w", err)
	}

	found := false
	for _, ep := range endpoints {
		if ep["name"] != name {
			continue
		}
		tcp, _ := ep["tcp"].(map[string]interface{})
		if tcp == nil {
			tcp = make(map[string]interface{})
		}
		tcp["address"] = address
		ep["tcp"] = tcp
		found = true
	}
	if !found {
		endpoints = append(endpoints, map[string]interface{}{
			"name": name,
			"type": "tcp",
			"tcp":  map[string]interface{}{"address": address},
		})
	}

	v.Set("endpoints", endpoints)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
