// Package config loads the client configuration from a JSON file, applying
// defaults for anything omitted.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

type Config struct {
	Server   Server   `json:"server"`
	Identity Identity `json:"identity"`
	Call     Call     `json:"call"`
	Chat     Chat     `json:"chat"`
}

type Server struct {
	// EventsURL is the WebSocket endpoint of the event channel.
	EventsURL string `json:"events_url"`
	// APIBase is the REST backend root for the conversation store.
	APIBase string `json:"api_base"`
}

type Identity struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type Call struct {
	// ICEServers are the STUN endpoints used during candidate gathering.
	// No TURN fallback is configured: calls succeed only on networks where
	// direct or STUN-assisted connectivity is possible.
	ICEServers []string `json:"ice_servers"`
}

type Chat struct {
	SendTimeoutSec int `json:"send_timeout_seconds"`
	TypingIdleSec  int `json:"typing_idle_seconds"`
	TypingTTLSec   int `json:"typing_ttl_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			EventsURL: "ws://localhost:8900/events",
			APIBase:   "http://localhost:8900/api",
		},
		Call: Call{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:global.stun.twilio.com:3478",
			},
		},
		Chat: Chat{
			SendTimeoutSec: 15,
			TypingIdleSec:  2,
			TypingTTLSec:   4,
		},
	}
}

// Load reads the config file at path, layered over defaults. A missing file
// is not an error — the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the endpoint URLs and ICE server entries.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.EventsURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("events_url %q must be a ws:// or wss:// URL", c.Server.EventsURL)
	}
	if _, err := url.Parse(c.Server.APIBase); err != nil || c.Server.APIBase == "" {
		return fmt.Errorf("api_base %q is not a valid URL", c.Server.APIBase)
	}
	if len(c.Call.ICEServers) == 0 {
		return errors.New("at least one ICE server is required")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("ice server %q must start with stun: or turn:", s)
		}
	}
	return nil
}
