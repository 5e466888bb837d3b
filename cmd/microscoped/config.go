package main

import (
	"errors"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Objective is the motion profile for one lens. Each objective has
// its own travel limit and speed; FallbackLimit is only used when
// the controller fails to report a limit after homing.
type Objective struct {
	Speed         int `toml:"speed"`
	FallbackLimit int `toml:"fallback_limit"`
}

// Config is the on-disk daemon configuration. Missing fields keep
// their defaults.
type Config struct {
	Addr    string `toml:"addr"`
	DataDir string `toml:"data_dir"`

	Serial struct {
		Port string `toml:"port"`
		Baud int    `toml:"baud"`
	} `toml:"serial"`

	Camera struct {
		StreamURL string `toml:"stream_url"`
	} `toml:"camera"`

	Sweep struct {
		SettleMS     int  `toml:"settle_ms"`
		ConfirmMoves bool `toml:"confirm_moves"`
	} `toml:"sweep"`

	Objectives map[string]Objective `toml:"objectives"`
	StepSizes  map[string]int       `toml:"step_sizes"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Addr = ":9091"
	cfg.DataDir = "./data"
	cfg.Serial.Port = "/dev/serial0"
	cfg.Serial.Baud = 9600
	cfg.Camera.StreamURL = "http://127.0.0.1:8080/stream"
	cfg.Sweep.SettleMS = 1500
	cfg.Objectives = map[string]Objective{
		"4":  {Speed: 12, FallbackLimit: 9000},
		"10": {Speed: 12, FallbackLimit: 9000},
		"40": {Speed: 12, FallbackLimit: 9000},
	}
	cfg.StepSizes = map[string]int{
		"coarse": 500,
		"medium": 250,
		"fine":   100,
	}
	return cfg
}

// loadConfig reads path over the defaults. A missing file is fine;
// the defaults match the reference bench setup.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Serial.Baud <= 0 {
		return cfg, errors.New("config: serial baud must be positive")
	}
	return cfg, nil
}
