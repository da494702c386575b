// Package app wires the client together: config, event channel, conversation
// store, sync engine and call machine.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store"
)

// Client bundles the running subsystems for the UI layer.
type Client struct {
	Session *session.Context
	Events  *events.Client
	Chat    *chat.Engine
	Calls   *call.Machine
}

// Run starts the client and blocks until ctx is cancelled.
func Run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Identity.UserID == "" {
		return fmt.Errorf("app: identity.user_id is not configured")
	}

	client, err := Build(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	// Hot-reload the ICE server list; new calls pick it up, the active call
	// keeps its configuration.
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			client.Calls.UpdateICEServers(next.Call.ICEServers)
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("APP: config watch stopped: %v", err)
		}
	}()

	log.Printf("APP: running as %s", cfg.Identity.UserID)
	<-ctx.Done()
	return nil
}

// Build constructs the subsystem graph from a loaded configuration.
func Build(cfg *config.Config) (*Client, error) {
	sess := &session.Context{
		UserID: cfg.Identity.UserID,
		Token:  cfg.Identity.Token,
	}

	bus := events.New(cfg.Server.EventsURL, sess.Token)
	alerts := notify.Logger{}

	engine := chat.New(bus, store.New(cfg.Server.APIBase, sess), alerts, sess, chat.Options{
		SendTimeout: seconds(cfg.Chat.SendTimeoutSec),
		TypingIdle:  seconds(cfg.Chat.TypingIdleSec),
		TypingTTL:   seconds(cfg.Chat.TypingTTLSec),
	})

	stack, err := call.NewStack()
	if err != nil {
		bus.Close()
		engine.Close()
		return nil, fmt.Errorf("app: media stack: %w", err)
	}
	machine := call.New(bus, stack.Media, stack.Factory, sess, alerts, cfg.Call.ICEServers)

	return &Client{
		Session: sess,
		Events:  bus,
		Chat:    engine,
		Calls:   machine,
	}, nil
}

// Close shuts the subsystems down in dependency order.
func (c *Client) Close() {
	c.Calls.Close()
	c.Chat.Close()
	c.Events.Close()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
