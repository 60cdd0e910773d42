// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/disclawd/openclaw-disclawd/pkg/normalize"
	"github.com/disclawd/openclaw-disclawd/pkg/rest"
)

// ConnectionError marks a startup failure severe enough that the account's
// gateway cannot run, such as an unresolvable own identity.
type ConnectionError struct {
	Account string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("account %s: %v", e.Account, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Gateway runs the realtime connection for one account: it resolves the
// account's identity, builds the subscription interest set, drives the
// configured transport, and delivers normalized events to the host callback.
type Gateway struct {
	cfg  AccountConfig
	rest *rest.Client
	log  zerolog.Logger

	onEvent  func(*normalize.Event)
	onStatus func(Status)

	// newTransport overrides transport construction; tests inject fakes here.
	newTransport func(channels []string, cb transportCallbacks) Transport

	mu        sync.Mutex
	started   bool
	stopped   bool
	transport Transport
	interest  map[string]struct{}
	mctx      normalize.Context
	cancel    context.CancelFunc
}

// New creates a gateway for one account. onEvent receives every normalized
// event; onStatus receives connection state transitions. Either may be nil.
func New(cfg AccountConfig, client *rest.Client, log zerolog.Logger, onEvent func(*normalize.Event), onStatus func(Status)) *Gateway {
	return &Gateway{
		cfg:      cfg,
		rest:     client,
		log:      log.With().Str("component", "gateway").Str("account", cfg.Name).Logger(),
		onEvent:  onEvent,
		onStatus: onStatus,
		interest: make(map[string]struct{}),
	}
}

// Start resolves the account identity, builds the interest set and opens the
// transport. An identity failure is fatal for this account and returned as a
// [*ConnectionError]; channel discovery failures degrade to server-level
// subscriptions instead. Starting a stopped gateway is a no-op, like every
// other post-stop operation.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		g.log.Debug().Msg("Start ignored on stopped gateway")
		return nil
	}
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}
	g.started = true
	g.mu.Unlock()

	me, err := g.rest.GetMe(ctx)
	if err != nil {
		return &ConnectionError{Account: g.cfg.Name, Err: fmt.Errorf("resolve own identity: %w", err)}
	}
	g.log.Info().Str("user_id", me.ID).Str("user_name", me.Name).Msg("Identity resolved")

	names := g.buildInterestSet(ctx, me.ID)

	g.mu.Lock()
	g.mctx = normalize.Context{MyUserID: me.ID, AccountID: g.cfg.Name}
	for _, name := range names {
		g.interest[name] = struct{}{}
	}
	g.mu.Unlock()

	cb := transportCallbacks{
		onEvent:   g.handleTransportEvent,
		onStatus:  g.handleStatus,
		authorize: g.authorize,
	}
	build := g.newTransport
	if build == nil {
		build = g.defaultTransport
	}
	transport := build(names, cb)

	runCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		cancel()
		g.log.Debug().Msg("Stopped during startup, transport not opened")
		return nil
	}
	g.transport = transport
	g.cancel = cancel
	g.mu.Unlock()

	if err := transport.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}
	g.log.Info().Str("transport", g.cfg.Transport).Int("channels", len(names)).Msg("Gateway started")
	return nil
}

func (g *Gateway) defaultTransport(channels []string, cb transportCallbacks) Transport {
	if g.cfg.Transport == TransportProcess {
		return newProcessTransport(g.cfg.HelperPath, g.cfg.HelperArgs, cb, g.log)
	}
	return newSocketTransport(g.cfg.BaseURL, channels, cb, g.log)
}

// buildInterestSet computes the initial logical channel names. The own-user
// channel is always included; in mentions-only mode it is the only one.
func (g *Gateway) buildInterestSet(ctx context.Context, myUserID string) []string {
	set := map[string]struct{}{"user." + myUserID: {}}

	if !g.cfg.MentionsOnly {
		for _, serverID := range g.cfg.Servers {
			if g.cfg.AutoJoinServers {
				if err := g.rest.JoinServer(ctx, serverID); err != nil && !isConflict(err) {
					g.log.Warn().Err(err).Str("server_id", serverID).Msg("Server join failed")
				}
			}
			set["server."+serverID] = struct{}{}

			channels, err := g.rest.ListServerChannels(ctx, serverID)
			if err != nil {
				g.log.Warn().Err(err).Str("server_id", serverID).Msg("Channel discovery failed, keeping server-level subscription only")
				continue
			}
			for _, ch := range channels {
				set["channel."+ch.ID] = struct{}{}
			}
		}
		for _, channelID := range g.cfg.Channels {
			set["channel."+channelID] = struct{}{}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// isConflict reports an already-joined 409 response.
func isConflict(err error) bool {
	var apiErr *rest.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// authorize fetches a realtime token scoped to the current interest set.
func (g *Gateway) authorize(ctx context.Context, socketID string) (string, error) {
	g.mu.Lock()
	channels := make([]string, 0, len(g.interest))
	for name := range g.interest {
		channels = append(channels, wireChannelName(name))
	}
	g.mu.Unlock()
	sort.Strings(channels)

	grant, err := g.rest.RealtimeAuth(ctx, socketID, channels)
	if err != nil {
		return "", err
	}
	return grant.Token, nil
}

// handleTransportEvent normalizes and delivers one transport event. Envelopes
// that fail to map are dropped; self-echoes map to nil events and are dropped
// too. Auto-subscription requests extend the interest set before delivery.
func (g *Gateway) handleTransportEvent(te TransportEvent) {
	g.mu.Lock()
	mctx := g.mctx
	g.mu.Unlock()

	res, err := normalize.MapEvent(te.Envelope, mctx, te.Channel)
	if err != nil {
		g.log.Debug().Err(err).Str("event", string(te.Envelope.Event)).Msg("Dropping unmappable envelope")
		return
	}
	if res.AutoSubscribe != "" {
		if err := g.AddChannel(res.AutoSubscribe); err != nil {
			g.log.Warn().Err(err).Str("channel", res.AutoSubscribe).Msg("Auto-subscribe failed")
		}
	}
	if res.Event == nil {
		return
	}
	g.deliver(res.Event)
}

// deliver hands one event to the host callback, containing callback panics so
// a faulty host cannot take the read loop down.
func (g *Gateway) deliver(evt *normalize.Event) {
	if g.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Any("panic", r).Str("event_id", evt.ID).Msg("Event callback panicked")
		}
	}()
	g.onEvent(evt)
}

func (g *Gateway) handleStatus(status Status) {
	if status.Connected {
		g.log.Info().Msg("Transport connected")
	} else {
		g.log.Warn().Str("reason", status.Reason).Msg("Transport disconnected")
	}
	if g.onStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Any("panic", r).Msg("Status callback panicked")
		}
	}()
	g.onStatus(status)
}

// AddChannel adds a logical channel name to the interest set and opens a live
// subscription when the transport is running. Idempotent; a no-op after Stop.
func (g *Gateway) AddChannel(name string) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	if _, ok := g.interest[name]; ok {
		g.mu.Unlock()
		return nil
	}
	g.interest[name] = struct{}{}
	transport := g.transport
	g.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.AddChannel(name)
}

// RemoveChannel drops a logical channel name from the interest set and closes
// its live subscription.
func (g *Gateway) RemoveChannel(name string) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	_, ok := g.interest[name]
	delete(g.interest, name)
	transport := g.transport
	g.mu.Unlock()

	if ok && transport != nil {
		transport.RemoveChannel(name)
	}
}

// Stop shuts the gateway down. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	transport := g.transport
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		transport.Stop()
	}
	g.log.Info().Msg("Gateway stopped")
}
