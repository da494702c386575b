package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.EventsURL != "ws://localhost:8900/events" {
		t.Fatalf("events_url = %q", cfg.Server.EventsURL)
	}
	if len(cfg.Call.ICEServers) == 0 {
		t.Fatal("no default ICE servers")
	}
	if cfg.Chat.SendTimeoutSec != 15 {
		t.Fatalf("send timeout = %d", cfg.Chat.SendTimeoutSec)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	content := `{
		"server": {"events_url": "wss://chat.example.org/events"},
		"identity": {"user_id": "u1", "token": "tok"},
		"chat": {"typing_idle_seconds": 5}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.EventsURL != "wss://chat.example.org/events" {
		t.Fatalf("events_url = %q", cfg.Server.EventsURL)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.APIBase != "http://localhost:8900/api" {
		t.Fatalf("api_base = %q", cfg.Server.APIBase)
	}
	if cfg.Identity.UserID != "u1" || cfg.Chat.TypingIdleSec != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsBadEventsURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	if err := os.WriteFile(path, []byte(`{"server":{"events_url":"http://nope"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("http events_url accepted")
	}
}

func TestValidateRejectsBadICEServer(t *testing.T) {
	cfg := Default()
	cfg.Call.ICEServers = []string{"https://stun.example.org"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("non-stun ICE server accepted")
	}

	cfg.Call.ICEServers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty ICE server list accepted")
	}

	cfg.Call.ICEServers = []string{"turn:relay.example.org:3478"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("turn server rejected: %v", err)
	}
}

func TestWatchDeliversValidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *Config, 1)
	go Watch(ctx, path, func(cfg *Config) {
		select {
		case got <- cfg:
		default:
		}
	})

	// Give the watcher a moment to arm before writing.
	time.Sleep(100 * time.Millisecond)
	update := `{"server":{"events_url":"wss://other.example.org/events"}}`
	if err := os.WriteFile(path, []byte(update), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Server.EventsURL != "wss://other.example.org/events" {
			t.Fatalf("reloaded events_url = %q", cfg.Server.EventsURL)
		}
	case <-ctx.Done():
		t.Fatal("reload never delivered")
	}
}

func TestWatchSkipsInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan *Config, 4)
	go Watch(ctx, path, func(cfg *Config) { got <- cfg })

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"server":{"events_url":"not a url`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		t.Fatalf("invalid edit delivered a config: %+v", cfg)
	case <-time.After(watchDebounce * 4):
	}
}
