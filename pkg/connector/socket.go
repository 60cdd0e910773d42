// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/disclawd/openclaw-disclawd/pkg/wire"
)

const (
	socketPath   = "/realtime/socket"
	pingInterval = 30 * time.Second
	maxBackoff   = 30 * time.Second
)

// Control events exchanged with the realtime endpoint. Anything else on a
// frame is a platform event tag.
const (
	frameEstablished = "connection.established"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameAuthExpired = "auth.expired"
)

// socketFrame is the unit exchanged on the realtime socket, both directions.
type socketFrame struct {
	Event     string          `json:"event"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Token     string          `json:"token,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

type establishedPayload struct {
	SocketID string `json:"socket_id"`
}

// socketTransport holds one multiplexed websocket connection with one live
// subscription per logical channel. It redials with capped exponential
// backoff until stopped.
type socketTransport struct {
	wsURL          string
	cb             transportCallbacks
	log            zerolog.Logger
	initialBackoff time.Duration

	mu       sync.Mutex
	channels map[string]struct{}
	conn     *websocket.Conn
	socketID string
	runCtx   context.Context
	stopped  bool
	cancel   context.CancelFunc

	writeMu sync.Mutex
}

func newSocketTransport(baseURL string, channels []string, cb transportCallbacks, log zerolog.Logger) *socketTransport {
	t := &socketTransport{
		wsURL:          httpToWS(baseURL) + socketPath,
		cb:             cb,
		log:            log.With().Str("component", "socket_transport").Logger(),
		initialBackoff: time.Second,
		channels:       make(map[string]struct{}, len(channels)),
	}
	for _, name := range channels {
		t.channels[name] = struct{}{}
	}
	return t
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (t *socketTransport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("socket transport already stopped")
	}
	t.runCtx = runCtx
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(runCtx)
	return nil
}

// run dials, serves one session, and redials on failure until stopped. A
// session that reached the connected state resets the backoff.
func (t *socketTransport) run(ctx context.Context) {
	backoff := t.initialBackoff
	for {
		connected, err := t.session(ctx)
		if connected {
			backoff = t.initialBackoff
		}
		if ctx.Err() != nil || t.isStopped() {
			return
		}
		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		t.cb.onStatus(Status{Connected: false, Reason: reason})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session dials the socket, performs the handshake and subscription round,
// and then reads frames until the connection dies. It reports whether the
// session reached the connected state.
func (t *socketTransport) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", t.wsURL, err)
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		conn.Close()
		return false, nil
	}
	t.conn = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()
	}()

	// The server opens every session with connection.established.
	var hello socketFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("read handshake: %w", err)
	}
	if hello.Event != frameEstablished {
		return false, fmt.Errorf("unexpected handshake frame %q", hello.Event)
	}
	var est establishedPayload
	if err := json.Unmarshal(hello.Payload, &est); err != nil {
		return false, fmt.Errorf("decode handshake: %w", err)
	}

	t.mu.Lock()
	t.socketID = est.SocketID
	names := t.channelNames()
	t.mu.Unlock()

	token, err := t.cb.authorize(ctx, est.SocketID)
	if err != nil {
		return false, fmt.Errorf("realtime auth: %w", err)
	}

	for _, name := range names {
		if err := t.writeFrame(conn, socketFrame{
			Event:     frameSubscribe,
			Channel:   wireChannelName(name),
			Token:     token,
			RequestID: random.String(12),
		}); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}

	t.cb.onStatus(Status{Connected: true})
	t.log.Info().Str("socket_id", est.SocketID).Int("channels", len(names)).Msg("Realtime socket connected")

	pingDone := make(chan struct{})
	defer close(pingDone)
	go t.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || t.isStopped() {
				return true, nil
			}
			return true, fmt.Errorf("read frame: %w", err)
		}
		t.handleFrame(ctx, conn, data)
	}
}

func (t *socketTransport) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleFrame routes one inbound frame. Malformed frames are dropped
// silently; only control frames and channel-tagged platform events matter.
func (t *socketTransport) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var frame socketFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		t.log.Debug().Msg("Dropping malformed frame")
		return
	}

	switch frame.Event {
	case frameAuthExpired:
		t.refreshAuth(ctx, conn)
	case frameEstablished, frameSubscribe, frameUnsubscribe:
		// Acks and duplicate handshakes carry no events.
	default:
		t.cb.onEvent(TransportEvent{
			Envelope: &wire.Envelope{Event: wire.EventType(frame.Event), Payload: frame.Payload},
			Channel:  frame.Channel,
		})
	}
}

// refreshAuth re-derives a token scoped to the current interest set and
// re-subscribes every channel with it. A refresh failure is surfaced through
// the status callback and the session is torn down so the redial loop can
// recover with fresh credentials.
func (t *socketTransport) refreshAuth(ctx context.Context, conn *websocket.Conn) {
	t.mu.Lock()
	socketID := t.socketID
	names := t.channelNames()
	t.mu.Unlock()

	token, err := t.cb.authorize(ctx, socketID)
	if err != nil {
		t.log.Warn().Err(err).Msg("Token refresh failed")
		t.cb.onStatus(Status{Connected: false, Reason: fmt.Sprintf("token refresh failed: %v", err)})
		conn.Close()
		return
	}

	for _, name := range names {
		if err := t.writeFrame(conn, socketFrame{
			Event:     frameSubscribe,
			Channel:   wireChannelName(name),
			Token:     token,
			RequestID: random.String(12),
		}); err != nil {
			t.log.Warn().Err(err).Str("channel", name).Msg("Re-subscribe after refresh failed")
			return
		}
	}
	t.log.Info().Int("channels", len(names)).Msg("Realtime token refreshed")
}

func (t *socketTransport) writeFrame(conn *websocket.Conn, frame socketFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// channelNames returns the tracked logical names. Callers must hold t.mu.
func (t *socketTransport) channelNames() []string {
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	return names
}

func (t *socketTransport) AddChannel(name string) error {
	t.mu.Lock()
	if _, ok := t.channels[name]; ok {
		t.mu.Unlock()
		return nil
	}
	t.channels[name] = struct{}{}
	conn := t.conn
	socketID := t.socketID
	ctx := t.runCtx
	t.mu.Unlock()

	// conn is only set after Start, so ctx is live whenever conn is.
	if conn == nil {
		return nil
	}

	// Re-request authorization scoped to the full set, then open the one new
	// subscription on the live connection. The run context keeps the call
	// cancellable by Stop.
	token, err := t.cb.authorize(ctx, socketID)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", name, err)
	}
	if err := t.writeFrame(conn, socketFrame{
		Event:     frameSubscribe,
		Channel:   wireChannelName(name),
		Token:     token,
		RequestID: random.String(12),
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	return nil
}

func (t *socketTransport) RemoveChannel(name string) {
	t.mu.Lock()
	_, ok := t.channels[name]
	delete(t.channels, name)
	conn := t.conn
	t.mu.Unlock()

	if !ok || conn == nil {
		return
	}
	if err := t.writeFrame(conn, socketFrame{
		Event:   frameUnsubscribe,
		Channel: wireChannelName(name),
	}); err != nil {
		t.log.Debug().Err(err).Str("channel", name).Msg("Unsubscribe write failed")
	}
}

func (t *socketTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (t *socketTransport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
