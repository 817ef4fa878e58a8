// Package config loads the gateway's YAML configuration file plus an
// optional .env-style secret overlay for credentials that should not live
// in the checked-in config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway's full runtime configuration.
type Config struct {
	RTSP   RTSPConfig   `yaml:"rtsp"`
	RTMP   RTMPConfig   `yaml:"rtmp"`
	HLS    HLSConfig    `yaml:"hls"`
	Hub    HubConfig    `yaml:"hub"`
	Auth   AuthConfig   `yaml:"-"`
}

// RTSPConfig configures the RTSP listener and session defaults.
type RTSPConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	MTU            int           `yaml:"mtu"`
}

// RTMPConfig configures the RTMP listener.
type RTMPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// HLSConfig configures the HLS segmenter defaults.
type HLSConfig struct {
	SegmentDuration time.Duration `yaml:"segment_duration"`
	LiveWindow      int           `yaml:"live_window"`
	RecordRoot      string        `yaml:"record_root"`
}

// HubConfig configures the stream hub broker.
type HubConfig struct {
	GOPCacheDepth      int `yaml:"gop_cache_depth"`
	SubscriberQueueLen int `yaml:"subscriber_queue_len"`
}

// AuthConfig holds credentials used for outbound RTSP pulls; it is loaded
// from a separate .env-style overlay, never from the YAML file, so that
// secrets can be kept out of version control.
type AuthConfig struct {
	Username string
	Password string
}

// Default returns the gateway's baseline configuration.
func Default() *Config {
	return &Config{
		RTSP: RTSPConfig{
			ListenAddr:     ":8554",
			SessionTimeout: 60 * time.Second,
			MTU:            1400,
		},
		RTMP: RTMPConfig{
			ListenAddr: ":1935",
		},
		HLS: HLSConfig{
			SegmentDuration: 10 * time.Second,
			LiveWindow:      3,
		},
		Hub: HubConfig{
			GOPCacheDepth:      1,
			SubscriberQueueLen: 256,
		},
	}
}

// Load reads a YAML configuration file, applying it on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the fields required for the gateway to start.
func (c *Config) Validate() error {
	if c.RTSP.MTU <= 0 {
		return fmt.Errorf("rtsp.mtu must be positive")
	}
	if c.Hub.GOPCacheDepth <= 0 {
		return fmt.Errorf("hub.gop_cache_depth must be positive")
	}
	if c.HLS.LiveWindow <= 0 {
		return fmt.Errorf("hls.live_window must be positive")
	}
	return nil
}
