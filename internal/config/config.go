package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	APIBaseURL string `yaml:"api_url"`
	WSBaseURL  string `yaml:"ws_url"`

	PlayerID  string `yaml:"player_id"`
	Username  string `yaml:"username"`
	GameID    string `yaml:"game_id"`
	AuthToken string `yaml:"auth_token"`

	RedisURL string `yaml:"redis_url"`

	StockfishPath string `yaml:"stockfish_path"`
	AnalysisDepth int    `yaml:"analysis_depth"`

	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
	ReconnectDelayMS     int `yaml:"reconnect_delay_ms"`
	SendTimeoutMS        int `yaml:"send_timeout_ms"`
}

func (c *AppConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

func (c *AppConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// Load reads the optional CHESS_CONFIG_FILE, then overlays environment
// variables on top of it.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		AnalysisDepth:        14,
		ReconnectMaxAttempts: 10,
		ReconnectDelayMS:     1000,
		SendTimeoutMS:        5000,
	}

	if path := strings.TrimSpace(os.Getenv("CHESS_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	setString(&cfg.APIBaseURL, "CHESS_API_URL")
	setString(&cfg.WSBaseURL, "CHESS_WS_URL")
	setString(&cfg.PlayerID, "CHESS_PLAYER_ID")
	setString(&cfg.Username, "CHESS_USERNAME")
	setString(&cfg.GameID, "CHESS_GAME_ID")
	setString(&cfg.AuthToken, "CHESS_AUTH_TOKEN")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.StockfishPath, "STOCKFISH_PATH")

	if err := setPositiveInt(&cfg.AnalysisDepth, "ANALYSIS_DEPTH"); err != nil {
		return nil, err
	}
	if err := setPositiveInt(&cfg.ReconnectMaxAttempts, "RECONNECT_MAX_ATTEMPTS"); err != nil {
		return nil, err
	}
	if err := setPositiveInt(&cfg.ReconnectDelayMS, "RECONNECT_DELAY_MS"); err != nil {
		return nil, err
	}
	if err := setPositiveInt(&cfg.SendTimeoutMS, "SEND_TIMEOUT_MS"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.WSBaseURL = strings.TrimRight(strings.TrimSpace(c.WSBaseURL), "/")
	if c.APIBaseURL == "" {
		return errors.New("CHESS_API_URL is required")
	}
	if c.WSBaseURL == "" {
		return errors.New("CHESS_WS_URL is required")
	}
	if c.PlayerID == "" {
		return errors.New("CHESS_PLAYER_ID is required")
	}
	id, err := uuid.Parse(c.PlayerID)
	if err != nil {
		return fmt.Errorf("CHESS_PLAYER_ID: %w", err)
	}
	c.PlayerID = id.String()
	// an empty game id means "resume the last game", resolved by the caller
	if c.GameID != "" {
		gid, err := uuid.Parse(c.GameID)
		if err != nil {
			return fmt.Errorf("CHESS_GAME_ID: %w", err)
		}
		c.GameID = gid.String()
	}
	if c.AnalysisDepth <= 0 || c.ReconnectMaxAttempts <= 0 || c.ReconnectDelayMS <= 0 || c.SendTimeoutMS <= 0 {
		return errors.New("numeric settings must be > 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setPositiveInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s must be a positive integer: %q", key, v)
	}
	*dst = n
	return nil
}
