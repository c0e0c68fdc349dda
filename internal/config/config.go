package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

const (
	DefaultModel       = "Overworld/Waypoint-1-Small"
	DefaultSeed        = "default.png"
	DefaultEnginePort  = 7987
	configFileName     = "config.json"
	stateDirectoryName = "biome"
)

type ServerConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	UseSSL bool   `json:"use_ssl"`
}

type APIKeysConfig struct {
	OpenAI string `json:"openai"`
	Fal    string `json:"fal"`
}

type FeaturesConfig struct {
	PromptSanitizer     bool `json:"prompt_sanitizer"`
	SeedGeneration      bool `json:"seed_generation"`
	UseStandaloneEngine bool `json:"use_standalone_engine"`
}

type EngineConfig struct {
	Command          []string      `json:"command"`
	Dir              string        `json:"dir"`
	ReadyTimeout     time.Duration `json:"-"`
	ProbeTimeout     time.Duration `json:"-"`
	ProbeMinBackoff  time.Duration `json:"-"`
	ProbeMaxBackoff  time.Duration `json:"-"`
	DownWindow       time.Duration `json:"-"`
	DownFailures     int           `json:"-"`
	RecoverSuccesses int           `json:"-"`
}

type Config struct {
	Server   ServerConfig   `json:"gpu_server"`
	APIKeys  APIKeysConfig  `json:"api_keys"`
	Features FeaturesConfig `json:"features"`
	Engine   EngineConfig   `json:"engine"`

	Model    string `json:"model"`
	Seed     string `json:"seed"`
	SeedDir  string `json:"seed_dir"`
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	ConnectTimeout    time.Duration `json:"-"`
	HandoffGrow       time.Duration `json:"-"`
	HandoffShrink     time.Duration `json:"-"`
	TeardownAnimation time.Duration `json:"-"`
	FrameRateWindow   time.Duration `json:"-"`
	PauseTick         time.Duration `json:"-"`
	ControlInterval   time.Duration `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: DefaultEnginePort,
		},
		Features: FeaturesConfig{
			PromptSanitizer:     true,
			SeedGeneration:      true,
			UseStandaloneEngine: true,
		},
		Engine: EngineConfig{
			Command:          []string{"uv", "run", "python", "server.py", "--port", strconv.Itoa(DefaultEnginePort)},
			Dir:              defaultEngineDir(),
			ReadyTimeout:     180 * time.Second,
			ProbeTimeout:     3 * time.Second,
			ProbeMinBackoff:  250 * time.Millisecond,
			ProbeMaxBackoff:  4 * time.Second,
			DownWindow:       30 * time.Second,
			DownFailures:     3,
			RecoverSuccesses: 2,
		},
		Model:             DefaultModel,
		Seed:              DefaultSeed,
		SeedDir:           filepath.Join(defaultEngineDir(), "seeds", "default"),
		DBPath:            defaultDBPath(),
		LogLevel:          "info",
		ConnectTimeout:    10 * time.Second,
		HandoffGrow:       450 * time.Millisecond,
		HandoffShrink:     350 * time.Millisecond,
		TeardownAnimation: 400 * time.Millisecond,
		FrameRateWindow:   time.Second,
		PauseTick:         time.Second,
		ControlInterval:   33 * time.Millisecond,
	}
}

// Load reads a JSONC config file on top of DefaultConfig. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("gpu_server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("gpu_server.port out of range: %d", c.Server.Port)
	}
	if c.Features.UseStandaloneEngine && len(c.Engine.Command) == 0 {
		return fmt.Errorf("engine.command is required when features.use_standalone_engine is set")
	}
	return nil
}

func (c Config) hostPort() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Endpoint is the websocket URL of the engine stream.
func (c Config) Endpoint() string {
	scheme := "ws"
	if c.Server.UseSSL {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: c.hostPort(), Path: "/ws"}).String()
}

// HealthURL is the engine's HTTP health probe.
func (c Config) HealthURL() string {
	scheme := "http"
	if c.Server.UseSSL {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: c.hostPort(), Path: "/health"}).String()
}

func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, stateDirectoryName, configFileName)
	}
	return configFileName
}

func defaultEngineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "world_engine"
	}
	return filepath.Join(home, ".local", "share", stateDirectoryName, "world_engine")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "biome.db"
	}
	return filepath.Join(home, ".local", "state", stateDirectoryName, "journal.db")
}
