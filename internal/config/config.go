// Package config holds the JSON configuration for the chat client.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/converse/internal/util"
)

type Config struct {
	Server  Server  `json:"server"`
	API     API     `json:"api"`
	Session Session `json:"session"`
	Audio   Audio   `json:"audio"`
	Paths   Paths   `json:"paths"`
}

// Server is the signaling server the persistent connection dials.
type Server struct {
	URL string `json:"url"` // ws:// or wss://
}

// API is the external account/contact service.
type API struct {
	BaseURL string `json:"base_url"`
}

// Session locates the persisted identity file.
type Session struct {
	File string `json:"file"`
}

// Audio bounds the voice clip recorder.
type Audio struct {
	MaxClipSeconds int `json:"max_clip_seconds"`
}

// Paths locates local data (avatar cache).
type Paths struct {
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Server:  Server{URL: "ws://localhost:5000/ws"},
		API:     API{BaseURL: "http://localhost:5000"},
		Session: Session{File: "data/session.json"},
		Audio:   Audio{MaxClipSeconds: 300},
		Paths:   Paths{DataDir: "data"},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.URL) == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("server.url must use ws:// or wss://")
	}

	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	au, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if au.Scheme != "http" && au.Scheme != "https" {
		return errors.New("api.base_url must use http:// or https://")
	}

	if strings.TrimSpace(c.Session.File) == "" {
		return errors.New("session.file is required")
	}
	if c.Audio.MaxClipSeconds <= 0 {
		return errors.New("audio.max_clip_seconds must be > 0")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
